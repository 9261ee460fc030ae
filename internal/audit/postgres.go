package audit

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"prototype-queue/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Postgres wraps pgxpool for audit persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in name order.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := p.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Record adds an audit row.
func (p *Postgres) Record(ctx context.Context, jobID, event, detail string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO job_audit_logs (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// History returns the rows for a job, oldest first.
func (p *Postgres) History(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at
		FROM job_audit_logs WHERE job_id = $1
		ORDER BY recorded_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var l models.AuditLog
		err := row.Scan(&l.JobID, &l.Event, &l.Detail, &l.Recorded)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit rows: %w", err)
	}
	return logs, nil
}

// Prune deletes rows recorded before the cutoff.
func (p *Postgres) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM job_audit_logs WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune audit rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
