package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"vodforge/internal/jobs/migrations"
)

// DBTX is the subset of database/sql used by the Postgres store. Both *sql.DB
// and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresConfig controls the connection pool backing the store.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	AcquireTimeout  time.Duration
	ApplicationName string
}

// PostgresStore persists job records in the video_jobs table.
type PostgresStore struct {
	db    DBTX
	close func()
}

// NewPostgresStore wraps an existing handle. Migrations are not applied.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres builds a pgx pool, applies migrations and returns a store.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	store := NewPostgresStore(db)
	store.close = func() {
		db.Close()
		pool.Close()
	}
	return store, nil
}

// Close releases the pool when the store owns one.
func (s *PostgresStore) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// Ping checks that the database answers. Handles that cannot ping report
// success.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pinger, ok := s.db.(interface{ PingContext(context.Context) error })
	if !ok {
		return nil
	}
	if err := pinger.PingContext(ctx); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

const recordColumns = `job_id, filename, status, error, resolutions, original_duration_seconds,
	processing_duration_seconds, output_size_bytes, source_checksum, created_at, updated_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	resolutions, err := encodeResolutions(rec.Resolutions)
	if err != nil {
		return err
	}
	query := `INSERT INTO video_jobs (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query,
		rec.JobID, rec.Filename, string(rec.Status), rec.Error, resolutions,
		rec.OriginalDurationSeconds, rec.ProcessingDurationSeconds, rec.OutputSizeBytes,
		rec.SourceChecksum, rec.CreatedAt, rec.UpdatedAt, nullableTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return ErrJobExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM video_jobs WHERE job_id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrUnknownJob
	}
	if err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, prev Status, rec Record) error {
	resolutions, err := encodeResolutions(rec.Resolutions)
	if err != nil {
		return err
	}
	query := `UPDATE video_jobs SET status = $2, error = $3, resolutions = $4,
		original_duration_seconds = $5, processing_duration_seconds = $6, output_size_bytes = $7,
		updated_at = $8, completed_at = $9
		WHERE job_id = $1 AND status = $10`
	res, err := s.db.ExecContext(ctx, query,
		rec.JobID, string(rec.Status), rec.Error, resolutions,
		rec.OriginalDurationSeconds, rec.ProcessingDurationSeconds, rec.OutputSizeBytes,
		rec.UpdatedAt, nullableTime(rec.CompletedAt), string(prev))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return ErrStaleStatus
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		clauses = append(clauses, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	query := `SELECT ` + recordColumns + ` FROM video_jobs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, job_id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec         Record
		status      string
		resolutions []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&rec.JobID, &rec.Filename, &status, &rec.Error, &resolutions,
		&rec.OriginalDurationSeconds, &rec.ProcessingDurationSeconds, &rec.OutputSizeBytes,
		&rec.SourceChecksum, &rec.CreatedAt, &rec.UpdatedAt, &completedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if len(resolutions) > 0 {
		if err := json.Unmarshal(resolutions, &rec.Resolutions); err != nil {
			return Record{}, fmt.Errorf("decode resolutions for %s: %w", rec.JobID, err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func encodeResolutions(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode resolutions: %w", err)
	}
	return string(data), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
