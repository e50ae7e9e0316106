// Package postgres provides a Postgres-backed spider.Store. Definitions and
// records are rows with JSONB payloads; the pending-update list is a JSONB
// array held by a single row of the tool table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// PendingUpdatesKey names the tool row holding the pending-update list.
const PendingUpdatesKey = "records_to_update"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

type tables struct {
	spiders string
	records string
	tool    string
}

func tablesFor(prefix string) (tables, error) {
	t := tables{spiders: prefix + "spiders", records: prefix + "records", tool: prefix + "tool"}
	for _, name := range []string{t.spiders, t.records, t.tool} {
		if !validTableName.MatchString(name) {
			return tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

// Store implements spider.Store on Postgres.
type Store struct {
	pool   pool
	tables tables
}

var _ spider.Store = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.dsn is required")
	}
	t, err := tablesFor(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, tables: t}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, tablePrefix string) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	t, err := tablesFor(tablePrefix)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, tables: t}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	source_code TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'new',
	comment TEXT NOT NULL DEFAULT '',
	rate INTEGER NOT NULL DEFAULT 0,
	searchable BOOLEAN NOT NULL DEFAULT FALSE,
	stats JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.tables.spiders),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status)`, s.tables.spiders),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	record_identity TEXT PRIMARY KEY,
	spider_name TEXT NOT NULL,
	record_name TEXT NOT NULL,
	record_url TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_time TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.tables.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_name_idx ON %[1]s (record_name)`, s.tables.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_spider_idx ON %[1]s (spider_name, record_name, record_url)`, s.tables.records),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	fields JSONB NOT NULL DEFAULT '[]'::jsonb
)`, s.tables.tool),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// PutDefinition inserts or replaces a spider definition.
func (s *Store) PutDefinition(ctx context.Context, def spider.Definition) error {
	stats, err := json.Marshal(def.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (name, source_code, status, comment, rate, searchable, stats, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,now())
ON CONFLICT (name) DO UPDATE SET
	source_code = EXCLUDED.source_code,
	status = EXCLUDED.status,
	comment = EXCLUDED.comment,
	rate = EXCLUDED.rate,
	searchable = EXCLUDED.searchable,
	updated_at = now()`, s.tables.spiders)
	_, err = s.pool.Exec(ctx, query,
		def.Name, def.SourceCode, string(def.Status), def.Comment, def.Rate, def.Searchable, stats)
	if err != nil {
		return fmt.Errorf("upsert spider: %w", err)
	}
	return nil
}

// FindByStatus implements spider.Store.
func (s *Store) FindByStatus(ctx context.Context, statuses ...spider.Status) ([]spider.Definition, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	query := fmt.Sprintf(`
SELECT name, status, comment, rate, searchable, stats, updated_at
FROM %s WHERE status = ANY($1) ORDER BY name`, s.tables.spiders)
	return s.queryDefinitions(ctx, query, values)
}

// FindSearchable implements spider.Store.
func (s *Store) FindSearchable(ctx context.Context) ([]spider.Definition, error) {
	query := fmt.Sprintf(`
SELECT name, status, comment, rate, searchable, stats, updated_at
FROM %s WHERE status = $1 AND searchable ORDER BY name`, s.tables.spiders)
	return s.queryDefinitions(ctx, query, string(spider.StatusFinished))
}

func (s *Store) queryDefinitions(ctx context.Context, query string, args ...any) ([]spider.Definition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spiders: %w", err)
	}
	defer rows.Close()

	var out []spider.Definition
	for rows.Next() {
		var (
			def    spider.Definition
			status string
			stats  []byte
		)
		if err := rows.Scan(&def.Name, &status, &def.Comment, &def.Rate, &def.Searchable, &stats, &def.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan spider: %w", err)
		}
		def.Status = spider.Status(status)
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &def.Stats); err != nil {
				return nil, fmt.Errorf("decode stats of %s: %w", def.Name, err)
			}
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spiders: %w", err)
	}
	return out, nil
}

// GetSource implements spider.Store.
func (s *Store) GetSource(ctx context.Context, name string) (string, error) {
	query := fmt.Sprintf(`SELECT source_code FROM %s WHERE name = $1`, s.tables.spiders)
	var src string
	if err := s.pool.QueryRow(ctx, query, name).Scan(&src); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", spider.Errorf(spider.ErrNotFound, name, "no such spider")
		}
		return "", fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// Rates implements spider.Store.
func (s *Store) Rates(ctx context.Context, names []string) (map[string]int, error) {
	query := fmt.Sprintf(`SELECT name, rate FROM %s WHERE status = $1 AND name = ANY($2)`, s.tables.spiders)
	rows, err := s.pool.Query(ctx, query, string(spider.StatusRunning), names)
	if err != nil {
		return nil, fmt.Errorf("query rates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int, len(names))
	for rows.Next() {
		var (
			name string
			rate int
		)
		if err := rows.Scan(&name, &rate); err != nil {
			return nil, fmt.Errorf("scan rate: %w", err)
		}
		out[name] = rate
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rates: %w", err)
	}
	return out, nil
}

// SetStatus implements spider.Store.
func (s *Store) SetStatus(ctx context.Context, name string, status spider.Status, comment string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, comment = $3, updated_at = now() WHERE name = $1`, s.tables.spiders)
	tag, err := s.pool.Exec(ctx, query, name, string(status), comment)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.Errorf(spider.ErrNotFound, name, "no such spider")
	}
	return nil
}

// SaveStats implements spider.Store.
func (s *Store) SaveStats(ctx context.Context, name string, stats spider.Stats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET stats = $2, updated_at = now() WHERE name = $1`, s.tables.spiders)
	tag, err := s.pool.Exec(ctx, query, name, payload)
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.Errorf(spider.ErrNotFound, name, "no such spider")
	}
	return nil
}

// UpsertRecord implements spider.Store. The created time of an existing
// record is preserved.
func (s *Store) UpsertRecord(ctx context.Context, rec spider.Record) error {
	if rec.Identity == "" {
		return spider.Errorf(spider.ErrDataConsistency, rec.Spider, "record %q has no identity", rec.Name)
	}
	payload, err := json.Marshal(normalizePayload(rec.Payload))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (record_identity, spider_name, record_name, record_url, payload, created_time)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (record_identity) DO UPDATE SET
	spider_name = EXCLUDED.spider_name,
	record_name = EXCLUDED.record_name,
	record_url = EXCLUDED.record_url,
	payload = EXCLUDED.payload`, s.tables.records)
	if _, err := s.pool.Exec(ctx, query,
		rec.Identity, rec.Spider, rec.Name, rec.URL, payload, rec.CreatedAt); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// FindRecordIdentity implements spider.Store.
func (s *Store) FindRecordIdentity(ctx context.Context, spiderName, recordName, url string) (string, error) {
	query := fmt.Sprintf(`
SELECT record_identity FROM %s
WHERE spider_name = $1 AND record_name = $2 AND record_url = $3
LIMIT 1`, s.tables.records)
	var id string
	if err := s.pool.QueryRow(ctx, query, spiderName, recordName, url).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("find record identity: %w", err)
	}
	return id, nil
}

// RecordBriefs implements spider.Store.
func (s *Store) RecordBriefs(ctx context.Context, recordNames []string) (map[string][]spider.RecordBrief, error) {
	query := fmt.Sprintf(`
SELECT record_name, spider_name, record_identity, record_url FROM %s
WHERE record_name = ANY($1) ORDER BY record_name, record_identity`, s.tables.records)
	rows, err := s.pool.Query(ctx, query, recordNames)
	if err != nil {
		return nil, fmt.Errorf("query record briefs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]spider.RecordBrief)
	for rows.Next() {
		var (
			name  string
			brief spider.RecordBrief
		)
		if err := rows.Scan(&name, &brief.Spider, &brief.Identity, &brief.URL); err != nil {
			return nil, fmt.Errorf("scan record brief: %w", err)
		}
		out[name] = append(out[name], brief)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record briefs: %w", err)
	}
	return out, nil
}

// DeleteRecords implements spider.Store.
func (s *Store) DeleteRecords(ctx context.Context, spiderName string) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE spider_name = $1`, s.tables.records)
	tag, err := s.pool.Exec(ctx, query, spiderName)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AddPendingUpdates appends record names to the pending-update list,
// skipping names already present.
func (s *Store) AddPendingUpdates(ctx context.Context, recordNames ...string) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (name, fields) VALUES ($1, to_jsonb($2::text[]))
ON CONFLICT (name) DO UPDATE SET fields = %[1]s.fields || COALESCE((
	SELECT jsonb_agg(n) FROM unnest($2::text[]) AS n
	WHERE NOT %[1]s.fields ? n
), '[]'::jsonb)`, s.tables.tool)
	if _, err := s.pool.Exec(ctx, query, PendingUpdatesKey, recordNames); err != nil {
		return fmt.Errorf("add pending updates: %w", err)
	}
	return nil
}

// PendingUpdates implements spider.Store.
func (s *Store) PendingUpdates(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT fields FROM %s WHERE name = $1`, s.tables.tool)
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, PendingUpdatesKey).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pending updates: %w", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode pending updates: %w", err)
	}
	return names, nil
}

// PullPendingUpdates implements spider.Store.
func (s *Store) PullPendingUpdates(ctx context.Context, recordNames []string) error {
	query := fmt.Sprintf(`
UPDATE %s SET fields = COALESCE((
	SELECT jsonb_agg(e) FROM jsonb_array_elements_text(fields) AS e
	WHERE e <> ALL($2::text[])
), '[]'::jsonb)
WHERE name = $1`, s.tables.tool)
	if _, err := s.pool.Exec(ctx, query, PendingUpdatesKey, recordNames); err != nil {
		return fmt.Errorf("pull pending updates: %w", err)
	}
	return nil
}

func normalizePayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
