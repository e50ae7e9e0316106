// Package sqlite provides a single-node spider.Store on SQLite. JSON
// columns are stored as TEXT.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/JakeFAU/spiderfleet/internal/clock"
	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// PendingUpdatesKey names the tool row holding the pending-update list.
const PendingUpdatesKey = "records_to_update"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS spiders (
	name TEXT PRIMARY KEY,
	source_code TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'new',
	comment TEXT NOT NULL DEFAULT '',
	rate INTEGER NOT NULL DEFAULT 0,
	searchable INTEGER NOT NULL DEFAULT 0,
	stats TEXT NOT NULL DEFAULT '{}',
	updated_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS spiders_status_idx ON spiders (status)`,
	`CREATE TABLE IF NOT EXISTS records (
	record_identity TEXT PRIMARY KEY,
	spider_name TEXT NOT NULL,
	record_name TEXT NOT NULL,
	record_url TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_time TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS records_name_idx ON records (record_name)`,
	`CREATE INDEX IF NOT EXISTS records_spider_idx ON records (spider_name, record_name, record_url)`,
	`CREATE TABLE IF NOT EXISTS tool (
	name TEXT PRIMARY KEY,
	fields TEXT NOT NULL DEFAULT '[]'
)`,
}

// Store implements spider.Store on a database/sql handle.
type Store struct {
	db    *sql.DB
	clock spider.Clock
}

var _ spider.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store.path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := NewWithDB(db, nil)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle (primarily for testing).
func NewWithDB(db *sql.DB, clk spider.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{db: db, clock: clk}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close implements spider.Store.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// PutDefinition inserts or replaces a spider definition.
func (s *Store) PutDefinition(ctx context.Context, def spider.Definition) error {
	stats, err := json.Marshal(def.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO spiders (name, source_code, status, comment, rate, searchable, stats, updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT (name) DO UPDATE SET
	source_code = excluded.source_code,
	status = excluded.status,
	comment = excluded.comment,
	rate = excluded.rate,
	searchable = excluded.searchable,
	updated_at = excluded.updated_at`,
		def.Name, def.SourceCode, string(def.Status), def.Comment, def.Rate, def.Searchable, string(stats), s.clock.Now())
	if err != nil {
		return fmt.Errorf("upsert spider: %w", err)
	}
	return nil
}

// FindByStatus implements spider.Store.
func (s *Store) FindByStatus(ctx context.Context, statuses ...spider.Status) ([]spider.Definition, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	query := `SELECT name, status, comment, rate, searchable, stats, updated_at FROM spiders WHERE status IN (` +
		placeholders(len(args)) + `) ORDER BY name`
	return s.queryDefinitions(ctx, query, args...)
}

// FindSearchable implements spider.Store.
func (s *Store) FindSearchable(ctx context.Context) ([]spider.Definition, error) {
	return s.queryDefinitions(ctx,
		`SELECT name, status, comment, rate, searchable, stats, updated_at FROM spiders WHERE status = ? AND searchable = 1 ORDER BY name`,
		string(spider.StatusFinished))
}

func (s *Store) queryDefinitions(ctx context.Context, query string, args ...any) ([]spider.Definition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spiders: %w", err)
	}
	defer rows.Close()

	var out []spider.Definition
	for rows.Next() {
		var (
			def    spider.Definition
			status string
			stats  string
		)
		if err := rows.Scan(&def.Name, &status, &def.Comment, &def.Rate, &def.Searchable, &stats, &def.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan spider: %w", err)
		}
		def.Status = spider.Status(status)
		if stats != "" {
			if err := json.Unmarshal([]byte(stats), &def.Stats); err != nil {
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
	var src string
	err := s.db.QueryRowContext(ctx, `SELECT source_code FROM spiders WHERE name = ?`, name).Scan(&src)
	if errors.Is(err, sql.ErrNoRows) {
		return "", spider.Errorf(spider.ErrNotFound, name, "no such spider")
	}
	if err != nil {
		return "", fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// Rates implements spider.Store.
func (s *Store) Rates(ctx context.Context, names []string) (map[string]int, error) {
	out := make(map[string]int, len(names))
	if len(names) == 0 {
		return out, nil
	}
	args := append([]any{string(spider.StatusRunning)}, toArgs(names)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, rate FROM spiders WHERE status = ? AND name IN (`+placeholders(len(names))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query rates: %w", err)
	}
	defer rows.Close()
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE spiders SET status = ?, comment = ?, updated_at = ? WHERE name = ?`,
		string(status), comment, s.clock.Now(), name)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireRow(res, name)
}

// SaveStats implements spider.Store.
func (s *Store) SaveStats(ctx context.Context, name string, stats spider.Stats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE spiders SET stats = ?, updated_at = ? WHERE name = ?`,
		string(payload), s.clock.Now(), name)
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return requireRow(res, name)
}

// UpsertRecord implements spider.Store. The created time of an existing
// record is preserved.
func (s *Store) UpsertRecord(ctx context.Context, rec spider.Record) error {
	if rec.Identity == "" {
		return spider.Errorf(spider.ErrDataConsistency, rec.Spider, "record %q has no identity", rec.Name)
	}
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO records (record_identity, spider_name, record_name, record_url, payload, created_time)
VALUES (?,?,?,?,?,?)
ON CONFLICT (record_identity) DO UPDATE SET
	spider_name = excluded.spider_name,
	record_name = excluded.record_name,
	record_url = excluded.record_url,
	payload = excluded.payload`,
		rec.Identity, rec.Spider, rec.Name, rec.URL, string(raw), created)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// FindRecordIdentity implements spider.Store.
func (s *Store) FindRecordIdentity(ctx context.Context, spiderName, recordName, url string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_identity FROM records WHERE spider_name = ? AND record_name = ? AND record_url = ? LIMIT 1`,
		spiderName, recordName, url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find record identity: %w", err)
	}
	return id, nil
}

// RecordBriefs implements spider.Store.
func (s *Store) RecordBriefs(ctx context.Context, recordNames []string) (map[string][]spider.RecordBrief, error) {
	out := make(map[string][]spider.RecordBrief)
	if len(recordNames) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_name, spider_name, record_identity, record_url FROM records WHERE record_name IN (`+
			placeholders(len(recordNames))+`) ORDER BY record_name, record_identity`,
		toArgs(recordNames)...)
	if err != nil {
		return nil, fmt.Errorf("query record briefs: %w", err)
	}
	defer rows.Close()
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE spider_name = ?`, spiderName)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return n, nil
}

// AddPendingUpdates appends record names to the pending-update list,
// skipping names already present.
func (s *Store) AddPendingUpdates(ctx context.Context, recordNames ...string) error {
	return s.editPending(ctx, func(current []string) []string {
		for _, name := range recordNames {
			if !slices.Contains(current, name) {
				current = append(current, name)
			}
		}
		return current
	})
}

// PendingUpdates implements spider.Store.
func (s *Store) PendingUpdates(ctx context.Context) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM tool WHERE name = ?`, PendingUpdatesKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending updates: %w", err)
	}
	return decodeNames(raw)
}

// PullPendingUpdates implements spider.Store.
func (s *Store) PullPendingUpdates(ctx context.Context, recordNames []string) error {
	return s.editPending(ctx, func(current []string) []string {
		return slices.DeleteFunc(current, func(name string) bool {
			return slices.Contains(recordNames, name)
		})
	})
}

// editPending rewrites the pending list inside one transaction.
func (s *Store) editPending(ctx context.Context, edit func([]string) []string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pending update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT fields FROM tool WHERE name = ?`, PendingUpdatesKey).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read pending updates: %w", err)
	}
	current, err := decodeNames(raw)
	if err != nil {
		return err
	}
	next := edit(current)
	if next == nil {
		next = []string{}
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode pending updates: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO tool (name, fields) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET fields = excluded.fields`,
		PendingUpdatesKey, string(encoded)); err != nil {
		return fmt.Errorf("write pending updates: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit pending updates: %w", err)
	}
	return nil
}

func decodeNames(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("decode pending updates: %w", err)
	}
	return names, nil
}

func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return spider.Errorf(spider.ErrNotFound, name, "no such spider")
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
