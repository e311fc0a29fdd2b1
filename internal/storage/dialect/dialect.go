// Package dialect abstracts the SQL differences between the supported
// instance stores.
package dialect

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Dialect describes how one database engine spells the handful of
// statements the instance store needs.
type Dialect struct {
	name      string
	driver    string
	bind      int
	timestamp string
	excluded  string
	setup     []string
	columnSQL string
	maxConns  int
}

var (
	// SQLite is served by modernc.org/sqlite. Pragmas are per connection,
	// so the pool is pinned to a single connection; this also keeps
	// ":memory:" databases from splitting across connections.
	SQLite = &Dialect{
		name:      "sqlite",
		driver:    "sqlite",
		bind:      sqlx.QUESTION,
		timestamp: "TIMESTAMP",
		excluded:  "excluded",
		setup: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		},
		columnSQL: `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		maxConns:  1,
	}

	// Postgres is served by the pgx stdlib driver.
	Postgres = &Dialect{
		name:      "postgres",
		driver:    "pgx",
		bind:      sqlx.DOLLAR,
		timestamp: "TIMESTAMP WITH TIME ZONE",
		excluded:  "EXCLUDED",
		columnSQL: `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?`,
	}
)

// FromDriverName returns the dialect for a configured driver name.
func FromDriverName(driverName string) (*Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

func (d *Dialect) Name() string { return d.name }

// DriverName is the database/sql driver to open.
func (d *Dialect) DriverName() string { return d.driver }

// Rebind rewrites ? placeholders into the engine's bind style.
func (d *Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.bind, query)
}

func (d *Dialect) TimestampType() string { return d.timestamp }

// SetupStatements run once right after the database is opened.
func (d *Dialect) SetupStatements() []string { return d.setup }

// ColumnExistsQuery counts columns matching (table, column).
func (d *Dialect) ColumnExistsQuery() string { return d.Rebind(d.columnSQL) }

// MaxOpenConns is the pool limit to apply; zero leaves it unbounded.
func (d *Dialect) MaxOpenConns() int { return d.maxConns }

// Upsert builds the ON CONFLICT tail for an insert keyed on key. With no
// columns the conflicting row is left alone.
func (d *Dialect) Upsert(key string, columns ...string) string {
	if len(columns) == 0 {
		return "ON CONFLICT (" + key + ") DO NOTHING"
	}
	sets := make([]string, 0, len(columns))
	for _, col := range columns {
		sets = append(sets, col+" = "+d.excluded+"."+col)
	}
	return "ON CONFLICT (" + key + ") DO UPDATE SET " + strings.Join(sets, ", ")
}
