package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type runRepoPG struct{ pool *pgxpool.Pool }

// NewRunRepoPG creates a PostgreSQL-backed run repository.
func NewRunRepoPG(pool *pgxpool.Pool) RunRepository {
	return &runRepoPG{pool: pool}
}

const runCols = `id, run_id, source, message_type, status, attempts, bundle_id, trail, created_at`

func (r *runRepoPG) scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.RunID, &run.Source, &run.MessageType,
		&run.Status, &run.Attempts, &run.BundleID, &run.Trail, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepoPG) Create(ctx context.Context, run *Run) error {
	run.ID = uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO transform_runs (id, run_id, source, message_type, status, attempts, bundle_id, trail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID, run.RunID, run.Source, run.MessageType,
		run.Status, run.Attempts, run.BundleID, run.Trail)
	if err != nil {
		return fmt.Errorf("audit: insert run %s: %w", run.RunID, err)
	}
	return nil
}

func (r *runRepoPG) GetByRunID(ctx context.Context, runID string) (*Run, error) {
	return r.scanRun(r.pool.QueryRow(ctx,
		`SELECT `+runCols+` FROM transform_runs WHERE run_id = $1`, runID))
}

func (r *runRepoPG) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transform_runs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+runCols+` FROM transform_runs
		ORDER BY created_at DESC, run_id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}
