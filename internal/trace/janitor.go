package trace

import (
	"context"
	"log/slog"
	"time"
)

// RunJanitor prunes traces older than retention every interval until ctx ends.
func RunJanitor(ctx context.Context, p Pruner, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.Prune(ctx, now.Add(-retention))
			if err != nil {
				slog.Warn("trace prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("pruned expired traces", "count", n)
			}
		}
	}
}
