package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// CommandRecord is one row of the command catalog.
type CommandRecord struct {
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	Category  string    `json:"category"`
	Enabled   bool      `json:"enabled"`
	Withdrawn bool      `json:"withdrawn"`
	Args      Schema    `json:"args"`
	Result    Schema    `json:"result"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InfoRecord is the latest payload published on a topic.
type InfoRecord struct {
	Topic     string          `json:"topic"`
	Subject   string          `json:"subject"`
	Category  string          `json:"category"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store keeps the registry catalog in sqlite. Every start wipes the catalog,
// so registrations never outlive the process that made them.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenStore(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db, logger: logger}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS commands (
			name TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			category TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			withdrawn INTEGER NOT NULL DEFAULT 0,
			args_json TEXT NOT NULL,
			result_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS info (
			topic TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			category TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_subject ON commands(subject);`,
		`CREATE INDEX IF NOT EXISTS idx_info_subject ON info(subject);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	for _, table := range []string{"commands", "info"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table)
		if err != nil {
			return fmt.Errorf("reset %s failed: %w", table, err)
		}
		if rows, _ := res.RowsAffected(); rows > 0 && s.logger != nil {
			s.logger.Info("dropped stale registry rows", "table", table, "rows", rows)
		}
	}
	return nil
}

func (s *Store) UpsertCommand(ctx context.Context, rec CommandRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return err
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (name, subject, category, enabled, withdrawn, args_json, result_json, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			subject=excluded.subject,
			category=excluded.category,
			enabled=excluded.enabled,
			withdrawn=0,
			args_json=excluded.args_json,
			result_json=excluded.result_json,
			updated_at=excluded.updated_at`,
		rec.Name, rec.Subject, rec.Category, rec.Enabled, string(args), string(result), now())
	return err
}

func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET enabled = ?, updated_at = ? WHERE name = ?`, enabled, now(), name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) Withdraw(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET withdrawn = 1, enabled = 0, updated_at = ? WHERE name = ?`, now(), name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) GetCommand(ctx context.Context, name string) (CommandRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, subject, category, enabled, withdrawn, args_json, result_json, updated_at
		FROM commands WHERE name = ?`, name)
	rec, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CommandRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *Store) ListCommands(ctx context.Context) ([]CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, subject, category, enabled, withdrawn, args_json, result_json, updated_at
		FROM commands ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpsertInfo(ctx context.Context, rec InfoRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO info (topic, subject, category, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET
			subject=excluded.subject,
			category=excluded.category,
			payload=excluded.payload,
			updated_at=excluded.updated_at`,
		rec.Topic, rec.Subject, rec.Category, string(rec.Payload), now())
	return err
}

func (s *Store) ListInfo(ctx context.Context) ([]InfoRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT topic, subject, category, payload, updated_at FROM info ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InfoRecord
	for rows.Next() {
		var (
			rec       InfoRecord
			payload   string
			updatedAt string
		)
		if err := rows.Scan(&rec.Topic, &rec.Subject, &rec.Category, &payload, &updatedAt); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		rec.UpdatedAt = parseTime(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeWithdrawn deletes withdrawn commands and every info topic whose
// subject has no command left. It returns the deleted command names and the
// subjects that no longer have any registration.
func (s *Store) PurgeWithdrawn(ctx context.Context) ([]string, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	names, err := queryStrings(ctx, tx, `SELECT name FROM commands WHERE withdrawn = 1 ORDER BY name`)
	if err != nil {
		return nil, nil, err
	}
	candidates, err := queryStrings(ctx, tx, `
		SELECT subject FROM commands WHERE withdrawn = 1
		UNION
		SELECT subject FROM info
		ORDER BY 1`)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM commands WHERE withdrawn = 1`); err != nil {
		return nil, nil, err
	}

	var orphaned []string
	for _, subject := range candidates {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM commands WHERE subject = ?`, subject).Scan(&count); err != nil {
			return nil, nil, err
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM info WHERE subject = ?`, subject); err != nil {
			return nil, nil, err
		}
		orphaned = append(orphaned, subject)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return names, orphaned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (CommandRecord, error) {
	var (
		rec                 CommandRecord
		args, result, stamp string
	)
	if err := row.Scan(&rec.Name, &rec.Subject, &rec.Category, &rec.Enabled, &rec.Withdrawn, &args, &result, &stamp); err != nil {
		return CommandRecord{}, err
	}
	if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
		return CommandRecord{}, fmt.Errorf("decode args schema for %s: %w", rec.Name, err)
	}
	if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
		return CommandRecord{}, fmt.Errorf("decode result schema for %s: %w", rec.Name, err)
	}
	rec.UpdatedAt = parseTime(stamp)
	return rec, nil
}

func queryStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
