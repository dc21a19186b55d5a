package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/relaymux/relaymux/pkg/types"
)

// PostgresStore implements all store interfaces using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the engine tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			vendor_id TEXT NOT NULL,
			provider_type TEXT NOT NULL,
			url TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			deleted BOOLEAN NOT NULL DEFAULT false,
			sort_order INTEGER NOT NULL DEFAULT 0,
			last_probe JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_vendor_type ON endpoints (vendor_id, provider_type)`,
		`CREATE TABLE IF NOT EXISTS attempt_chain (
			request_id TEXT NOT NULL,
			seq BIGSERIAL,
			record JSONB NOT NULL,
			PRIMARY KEY (request_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_events (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			cost DOUBLE PRECISION NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_events_subject_at ON rate_events (subject_id, at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetProvider returns a provider by id.
func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*types.Provider, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM providers WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}

	var p types.Provider
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode provider: %w", err)
	}
	return &p, nil
}

// ListProviders returns all providers ordered by id.
func (s *PostgresStore) ListProviders(ctx context.Context) ([]*types.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []*types.Provider
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		var p types.Provider
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("decode provider: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpsertProvider creates or replaces a provider record.
func (s *PostgresStore) UpsertProvider(ctx context.Context, p *types.Provider) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode provider: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (id, doc, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		p.ID, doc)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

const endpointColumns = `id, vendor_id, provider_type, url, enabled, deleted, sort_order, last_probe`

// ListEndpoints returns all endpoints ordered by id.
func (s *PostgresStore) ListEndpoints(ctx context.Context) ([]*types.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM endpoints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()
	return scanEndpoints(rows)
}

// ListVendorEndpoints returns endpoints for one vendor+provider-type pair.
func (s *PostgresStore) ListVendorEndpoints(ctx context.Context, vendorID, providerType string) ([]*types.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE vendor_id = $1 AND provider_type = $2 ORDER BY id`,
		vendorID, providerType)
	if err != nil {
		return nil, fmt.Errorf("list vendor endpoints: %w", err)
	}
	defer rows.Close()
	return scanEndpoints(rows)
}

// RecordProbe writes the probe result for an endpoint.
func (s *PostgresStore) RecordProbe(ctx context.Context, endpointID string, result types.ProbeResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode probe result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET last_probe = $2, updated_at = now() WHERE id = $1`,
		endpointID, doc)
	if err != nil {
		return fmt.Errorf("record probe: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertEndpoint creates or replaces an endpoint record.
func (s *PostgresStore) UpsertEndpoint(ctx context.Context, e *types.Endpoint) error {
	var probe []byte
	if e.LastProbe != nil {
		var err error
		probe, err = json.Marshal(e.LastProbe)
		if err != nil {
			return fmt.Errorf("encode probe result: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (id, vendor_id, provider_type, url, enabled, deleted, sort_order, last_probe, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			vendor_id = EXCLUDED.vendor_id,
			provider_type = EXCLUDED.provider_type,
			url = EXCLUDED.url,
			enabled = EXCLUDED.enabled,
			deleted = EXCLUDED.deleted,
			sort_order = EXCLUDED.sort_order,
			last_probe = EXCLUDED.last_probe,
			updated_at = now()`,
		e.ID, e.VendorID, e.ProviderType, e.URL, e.Enabled, e.Deleted, e.SortOrder, probe)
	if err != nil {
		return fmt.Errorf("upsert endpoint: %w", err)
	}
	return nil
}

// AppendAttempt appends one record to a request's chain.
func (s *PostgresStore) AppendAttempt(ctx context.Context, requestID string, rec types.AttemptRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempt_chain (request_id, record) VALUES ($1, $2)`,
		requestID, doc)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// GetChain returns the chain in append order.
func (s *PostgresStore) GetChain(ctx context.Context, requestID string) ([]types.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM attempt_chain WHERE request_id = $1 ORDER BY seq`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("get chain: %w", err)
	}
	defer rows.Close()

	var out []types.AttemptRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		var rec types.AttemptRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// InsertEvents appends durable rate event rows in one transaction.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []RateEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rate_events (id, subject_id, cost, request_id, at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.SubjectID, ev.Cost, ev.RequestID, ev.At); err != nil {
			return fmt.Errorf("insert rate event: %w", err)
		}
	}
	return tx.Commit()
}

// SumCosts sums event costs for a subject within [start, end).
func (s *PostgresStore) SumCosts(ctx context.Context, subjectID string, start, end time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM rate_events WHERE subject_id = $1 AND at >= $2 AND at < $3`,
		subjectID, start, end).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum costs: %w", err)
	}
	return sum, nil
}

// ListEvents returns events for a subject within [start, end), oldest first.
func (s *PostgresStore) ListEvents(ctx context.Context, subjectID string, start, end time.Time) ([]RateEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, cost, request_id, at FROM rate_events
		 WHERE subject_id = $1 AND at >= $2 AND at < $3 ORDER BY at`,
		subjectID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list rate events: %w", err)
	}
	defer rows.Close()

	var out []RateEvent
	for rows.Next() {
		var ev RateEvent
		if err := rows.Scan(&ev.ID, &ev.SubjectID, &ev.Cost, &ev.RequestID, &ev.At); err != nil {
			return nil, fmt.Errorf("scan rate event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEndpoints(rows *sql.Rows) ([]*types.Endpoint, error) {
	var out []*types.Endpoint
	for rows.Next() {
		var e types.Endpoint
		var probe []byte
		if err := rows.Scan(&e.ID, &e.VendorID, &e.ProviderType, &e.URL, &e.Enabled, &e.Deleted, &e.SortOrder, &probe); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		if len(probe) > 0 {
			var pr types.ProbeResult
			if err := json.Unmarshal(probe, &pr); err != nil {
				return nil, fmt.Errorf("decode probe result: %w", err)
			}
			e.LastProbe = &pr
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
