package stages

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/retry"
)

// Searcher finds the policies nearest to a set of terms.
type Searcher interface {
	Search(ctx context.Context, terms []string, topK int) ([]core.Policy, error)
}

type RetrievalResult struct {
	Policies []core.Policy `json:"policies"`
	// Failed distinguishes "search failed" from "search found nothing".
	Failed   bool   `json:"failed"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type RetrievalConfig struct {
	TopK int
	// Timeout bounds each attempt separately.
	Timeout    time.Duration
	RetryDelay time.Duration
}

// Retrieval is a pure read and is retried once on failure.
type Retrieval struct {
	searcher Searcher
	cfg      RetrievalConfig
}

func NewRetrieval(searcher Searcher, cfg RetrievalConfig) *Retrieval {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &Retrieval{searcher: searcher, cfg: cfg}
}

// Run never returns an error. On failure after the retry the result carries
// Failed and an empty policy set.
func (r *Retrieval) Run(ctx context.Context, terms []string) RetrievalResult {
	if len(terms) == 0 {
		return RetrievalResult{Policies: []core.Policy{}}
	}

	var policies []core.Policy
	attempts, err := retry.Do(ctx, retry.Policy{MaxAttempts: 2, BaseDelay: r.cfg.RetryDelay}, func(int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		found, err := r.searcher.Search(attemptCtx, terms, r.cfg.TopK)
		if err != nil {
			return err
		}
		policies = found
		return nil
	})
	if err != nil {
		slog.Warn("[Retrieval] policy search failed", "attempts", attempts, "error", err)
		return RetrievalResult{Policies: []core.Policy{}, Failed: true, Attempts: attempts, Error: err.Error()}
	}
	if policies == nil {
		policies = []core.Policy{}
	}
	return RetrievalResult{Policies: policies, Attempts: attempts}
}
