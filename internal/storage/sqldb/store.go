// Package sqldb is the SQL instance store. It runs on SQLite (modernc) and
// PostgreSQL (pgx) through the dialect package.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/genpipe/internal/core/domain"
	"github.com/tjfontaine/genpipe/internal/core/ports"
	"github.com/tjfontaine/genpipe/internal/storage/dialect"
)

// Store is a SQL implementation of ports.InstanceStore.
type Store struct {
	db      *sqlx.DB
	dialect *dialect.Dialect
}

var (
	_ ports.InstanceStore = (*Store)(nil)
	_ ports.StatusSource  = (*Store)(nil)
)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite, postgres or pgx
	DSN    string
}

// New opens the database, applies pragmas and creates the schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}
	for _, stmt := range d.SetupStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare %s database: %w", d.Name(), err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite opens a SQLite store at dbPath.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// NewPostgres opens a PostgreSQL store through pgx.
func NewPostgres(dsn string) (*Store, error) {
	return New(Config{Driver: "pgx", DSN: dsn})
}

// Dialect returns the dialect being used.
func (s *Store) Dialect() *dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	intent TEXT NOT NULL,
	status TEXT NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL,
	inputs TEXT NOT NULL DEFAULT '',
	results TEXT NOT NULL DEFAULT '',
	base TEXT NOT NULL DEFAULT '',
	overrides TEXT NOT NULL DEFAULT '',
	retry_counts TEXT NOT NULL DEFAULT '',
	pending TEXT NOT NULL DEFAULT '',
	feedback TEXT NOT NULL DEFAULT '',
	created_at ` + ts + ` NOT NULL,
	updated_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS patch_history (
	instance_id TEXT NOT NULL,
	step TEXT NOT NULL,
	seq INTEGER NOT NULL,
	patch TEXT NOT NULL,
	PRIMARY KEY (instance_id, step, seq),
	FOREIGN KEY (instance_id) REFERENCES instances(id) ON DELETE CASCADE
)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status_updated ON instances(status, updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return s.runMigrations()
}

func (s *Store) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"instances", "output_ref", "ALTER TABLE instances ADD COLUMN output_ref TEXT NOT NULL DEFAULT ''"},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check column %s.%s: %w", m.table, m.column, err)
		}
		if !exists {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
			}
		}
	}
	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	var count int
	err := s.db.QueryRow(s.dialect.ColumnExistsQuery(), table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// instanceRow is the instances table; nested values are JSON text.
type instanceRow struct {
	ID          string    `db:"id"`
	Intent      string    `db:"intent"`
	Status      string    `db:"status"`
	Current     int       `db:"current_step"`
	Message     string    `db:"message"`
	Steps       string    `db:"steps"`
	Inputs      string    `db:"inputs"`
	Results     string    `db:"results"`
	Base        string    `db:"base"`
	Overrides   string    `db:"overrides"`
	RetryCounts string    `db:"retry_counts"`
	Pending     string    `db:"pending"`
	Feedback    string    `db:"feedback"`
	OutputRef   string    `db:"output_ref"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

const instanceColumns = `id, intent, status, current_step, message, steps, inputs, results, base,
	overrides, retry_counts, pending, feedback, output_ref, created_at, updated_at`

func encodeJSON(v any, empty bool) (string, error) {
	if empty {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func toRow(inst *domain.Instance) (*instanceRow, error) {
	row := &instanceRow{
		ID:        inst.ID,
		Intent:    inst.Intent,
		Status:    string(inst.Status),
		Current:   inst.Current,
		Message:   inst.Message,
		OutputRef: inst.OutputRef,
		CreatedAt: inst.CreatedAt.UTC(),
		UpdatedAt: inst.UpdatedAt.UTC(),
	}

	fields := []struct {
		dst   *string
		v     any
		empty bool
	}{
		{&row.Steps, inst.Steps, false},
		{&row.Inputs, inst.Inputs, len(inst.Inputs) == 0},
		{&row.Results, inst.Results, len(inst.Results) == 0},
		{&row.Base, inst.Base, len(inst.Base) == 0},
		{&row.Overrides, inst.Overrides, len(inst.Overrides) == 0},
		{&row.RetryCounts, inst.RetryCounts, len(inst.RetryCounts) == 0},
		{&row.Pending, inst.Pending, inst.Pending == nil},
		{&row.Feedback, inst.Feedback, inst.Feedback == nil},
	}
	for _, f := range fields {
		s, err := encodeJSON(f.v, f.empty)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal instance %s: %w", inst.ID, err)
		}
		*f.dst = s
	}
	return row, nil
}

func fromRow(row *instanceRow) (*domain.Instance, error) {
	inst := domain.NewInstance(row.ID, row.Intent, nil, nil, nil)
	inst.Status = domain.Status(row.Status)
	inst.Current = row.Current
	inst.Message = row.Message
	inst.OutputRef = row.OutputRef
	inst.CreatedAt = row.CreatedAt.UTC()
	inst.UpdatedAt = row.UpdatedAt.UTC()

	fields := []struct {
		src string
		dst any
	}{
		{row.Steps, &inst.Steps},
		{row.Inputs, &inst.Inputs},
		{row.Results, &inst.Results},
		{row.Base, &inst.Base},
		{row.Overrides, &inst.Overrides},
		{row.RetryCounts, &inst.RetryCounts},
		{row.Pending, &inst.Pending},
		{row.Feedback, &inst.Feedback},
	}
	for _, f := range fields {
		if err := decodeJSON(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance %s: %w", row.ID, err)
		}
	}
	return inst, nil
}

// Create inserts a new instance.
func (s *Store) Create(ctx context.Context, inst *domain.Instance) error {
	row, err := toRow(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO instances (` + instanceColumns + `) VALUES (:id, :intent, :status, :current_step,
	:message, :steps, :inputs, :results, :base, :overrides, :retry_counts, :pending, :feedback,
	:output_ref, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	if err := s.writeHistory(ctx, tx, inst); err != nil {
		return err
	}
	return tx.Commit()
}

// Get loads an instance and its patch history.
func (s *Store) Get(ctx context.Context, id string) (*domain.Instance, error) {
	var row instanceRow
	query := s.dialect.Rebind(`SELECT ` + instanceColumns + ` FROM instances WHERE id = ?`)
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "instance", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	inst, err := fromRow(&row)
	if err != nil {
		return nil, err
	}

	history, err := s.readHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	inst.History = history
	return inst, nil
}

// Save upserts the instance row and replaces its patch history in one
// transaction.
func (s *Store) Save(ctx context.Context, inst *domain.Instance) error {
	row, err := toRow(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := s.dialect.Upsert("id",
		"status", "current_step", "message", "steps", "inputs", "results", "base",
		"overrides", "retry_counts", "pending", "feedback", "output_ref", "updated_at")
	query := `INSERT INTO instances (` + instanceColumns + `) VALUES (:id, :intent, :status, :current_step,
	:message, :steps, :inputs, :results, :base, :overrides, :retry_counts, :pending, :feedback,
	:output_ref, :created_at, :updated_at) ` + upsert
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM patch_history WHERE instance_id = ?`), inst.ID); err != nil {
		return fmt.Errorf("failed to clear patch history: %w", err)
	}
	if err := s.writeHistory(ctx, tx, inst); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) writeHistory(ctx context.Context, tx *sqlx.Tx, inst *domain.Instance) error {
	query := s.dialect.Rebind(`INSERT INTO patch_history (instance_id, step, seq, patch) VALUES (?, ?, ?, ?)`)
	for step, patches := range inst.History {
		for seq, patch := range patches {
			raw, err := json.Marshal(patch)
			if err != nil {
				return fmt.Errorf("failed to marshal patch: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, inst.ID, step, seq, string(raw)); err != nil {
				return fmt.Errorf("failed to insert patch history: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) readHistory(ctx context.Context, id string) (map[string][]domain.Patch, error) {
	var rows []struct {
		Step  string `db:"step"`
		Patch string `db:"patch"`
	}
	query := s.dialect.Rebind(`SELECT step, patch FROM patch_history WHERE instance_id = ? ORDER BY step, seq`)
	if err := s.db.SelectContext(ctx, &rows, query, id); err != nil {
		return nil, fmt.Errorf("failed to query patch history: %w", err)
	}

	history := make(map[string][]domain.Patch)
	for _, r := range rows {
		var p domain.Patch
		if err := json.Unmarshal([]byte(r.Patch), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal patch: %w", err)
		}
		if p == nil {
			p = domain.Patch{}
		}
		history[r.Step] = append(history[r.Step], p)
	}
	return history, nil
}

// List returns status views, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]domain.StatusView, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []instanceRow
	query := s.dialect.Rebind(`SELECT ` + instanceColumns + ` FROM instances ORDER BY updated_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	views := make([]domain.StatusView, 0, len(rows))
	for i := range rows {
		inst, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		views = append(views, inst.View())
	}
	return views, nil
}

// Status implements ports.StatusSource.
func (s *Store) Status(ctx context.Context, id string) (domain.StatusView, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return domain.StatusView{}, err
	}
	return inst.View(), nil
}

// DeleteFinishedBefore removes completed and failed instances whose last
// update is older than cutoff.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ids []string
	query := s.dialect.Rebind(`SELECT id FROM instances WHERE status IN (?, ?) AND updated_at < ?`)
	if err := tx.SelectContext(ctx, &ids, query,
		string(domain.StatusCompleted), string(domain.StatusFailed), cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("failed to select expired instances: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	for _, stmt := range []string{
		`DELETE FROM patch_history WHERE instance_id IN (?)`,
		`DELETE FROM instances WHERE id IN (?)`,
	} {
		q, args, err := sqlx.In(stmt, ids)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(q), args...); err != nil {
			return nil, fmt.Errorf("failed to delete expired instances: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
