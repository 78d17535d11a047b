package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseClient wraps the Supabase Go client with the auditor's two uses of
// it: the policy vector RPC and the trace mirror table.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient creates a client. Empty arguments fall back to
// SUPABASE_URL and SUPABASE_SERVICE_KEY (or SUPABASE_KEY).
func NewSupabaseClient(url, key string) (*SupabaseClient, error) {
	if url == "" {
		url = os.Getenv("SUPABASE_URL")
	}
	if key == "" {
		key = os.Getenv("SUPABASE_SERVICE_KEY")
	}
	if key == "" {
		key = os.Getenv("SUPABASE_KEY")
	}
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client}, nil
}

// ============================================================================
// POLICY VECTOR SEARCH
// ============================================================================

// DocumentMatch is one row returned by the match_documents function.
type DocumentMatch struct {
	ID         interface{}            `json:"id"`
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata"`
	Similarity float64                `json:"similarity"`
}

// PolicyID returns metadata.policy_id, falling back to the row id.
func (m DocumentMatch) PolicyID() string {
	if v, ok := m.Metadata["policy_id"].(string); ok && v != "" {
		return v
	}
	if m.ID == nil {
		return ""
	}
	return fmt.Sprint(m.ID)
}

type matchParams struct {
	QueryEmbedding []float32 `json:"query_embedding"`
	MatchThreshold float64   `json:"match_threshold"`
	MatchCount     int       `json:"match_count"`
}

// MatchDocuments calls a pgvector similarity function through PostgREST.
// The client's Rpc call swallows transport errors into an empty body, so an
// empty body is reported as an error rather than as zero matches.
func (sc *SupabaseClient) MatchDocuments(ctx context.Context, function string, embedding []float32, threshold float64, count int) ([]DocumentMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		body string
	}
	done := make(chan result, 1)
	go func() {
		done <- result{body: sc.client.Rpc(function, "", matchParams{
			QueryEmbedding: embedding,
			MatchThreshold: threshold,
			MatchCount:     count,
		})}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return decodeMatches(function, r.body)
	}
}

func decodeMatches(function, body string) ([]DocumentMatch, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("rpc %s: empty response", function)
	}
	if strings.HasPrefix(body, "{") {
		var pgErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal([]byte(body), &pgErr)
		return nil, fmt.Errorf("rpc %s: %s %s", function, pgErr.Code, pgErr.Message)
	}

	var rows []DocumentMatch
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("rpc %s: decode: %w", function, err)
	}
	return rows, nil
}

// ============================================================================
// TRACE MIRROR
// ============================================================================

// TraceRow is the dashboard-facing projection of one stage record.
type TraceRow struct {
	ID        string                 `json:"id"`
	EventID   string                 `json:"event_id"`
	ActorID   string                 `json:"actor_id,omitempty"`
	Stage     string                 `json:"stage"`
	Status    string                 `json:"status"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt string                 `json:"created_at"`
}

// InsertTraceRow appends a stage record to the mirror table.
func (sc *SupabaseClient) InsertTraceRow(table string, row TraceRow) error {
	var result []map[string]interface{}
	_, err := sc.client.From(table).
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// ListTraceRows returns the mirrored records of one event in insert order.
func (sc *SupabaseClient) ListTraceRows(table, eventID string, limit int) ([]TraceRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []TraceRow
	_, err := sc.client.From(table).
		Select("*", "", false).
		Eq("event_id", eventID).
		Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	return rows, err
}
