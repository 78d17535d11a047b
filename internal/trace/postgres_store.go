package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/sentinel-auditor/internal/core"
)

// PostgresStore keeps traces in SQL for deployments that need them past the
// Redis retention window.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings dsn.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) Begin(ctx context.Context, eventID, actorID string, receivedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_traces (event_id, actor_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		eventID, actorID, receivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("%w: begin trace %s: %v", core.ErrStoreUnavailable, eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: begin trace %s: %v", core.ErrStoreUnavailable, eventID, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Append(ctx context.Context, rec core.StageRecord) error {
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal stage %s: %w", rec.Stage, err)
	}

	query := `
		INSERT INTO audit_stage_records (id, event_id, stage, status, output, created_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM audit_traces WHERE event_id = $2)
		ON CONFLICT (event_id, stage) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.EventID, string(rec.Stage), string(rec.Status), output, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("%w: append %s/%s: %v", core.ErrStoreUnavailable, rec.EventID, rec.Stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: append %s/%s: %v", core.ErrStoreUnavailable, rec.EventID, rec.Stage, err)
	}
	if n == 1 {
		return nil
	}

	// Nothing inserted: either the header is missing or the stage exists.
	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM audit_traces WHERE event_id = $1)`, rec.EventID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: append %s/%s: %v", core.ErrStoreUnavailable, rec.EventID, rec.Stage, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrTraceNotFound, rec.EventID)
	}
	return fmt.Errorf("%w: %s/%s", ErrStageWritten, rec.EventID, rec.Stage)
}

func (s *PostgresStore) Load(ctx context.Context, eventID string) (*core.Trace, error) {
	t := &core.Trace{}
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, actor_id, received_at FROM audit_traces WHERE event_id = $1`, eventID,
	).Scan(&t.EventID, &t.ActorID, &t.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load trace %s: %v", core.ErrStoreUnavailable, eventID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, status, output, created_at FROM audit_stage_records WHERE event_id = $1 ORDER BY seq`, eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: load stages %s: %v", core.ErrStoreUnavailable, eventID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec           core.StageRecord
			stage, status string
			output        []byte
		)
		if err := rows.Scan(&rec.ID, &stage, &status, &output, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan stage %s: %v", core.ErrStoreUnavailable, eventID, err)
		}
		rec.EventID = eventID
		rec.Stage = core.StageName(stage)
		rec.Status = core.StageStatus(status)
		if len(output) > 0 {
			if err := json.Unmarshal(output, &rec.Output); err != nil {
				return nil, fmt.Errorf("%w: decode stage %s/%s: %v", core.ErrParseFailure, eventID, stage, err)
			}
		}
		t.Stages = append(t.Stages, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load stages %s: %v", core.ErrStoreUnavailable, eventID, err)
	}
	return t, nil
}

// Prune deletes traces received before the cutoff. Stage records cascade.
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_traces WHERE received_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune traces: %w", err)
	}
	return res.RowsAffected()
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Pruner = (*PostgresStore)(nil)
)
