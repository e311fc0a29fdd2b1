package dialect

import (
	"testing"
)

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		want       *Dialect
		wantErr    bool
	}{
		{"sqlite", SQLite, false},
		{"SQLite3", SQLite, false},
		{"postgres", Postgres, false},
		{"pgx", Postgres, false},
		{"mysql", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != tt.want {
				t.Errorf("FromDriverName() = %v, want %v", d, tt.want)
			}
		})
	}

	if SQLite.DriverName() != "sqlite" || Postgres.DriverName() != "pgx" {
		t.Errorf("driver names = %s/%s", SQLite.DriverName(), Postgres.DriverName())
	}
}

func TestRebind(t *testing.T) {
	const q = "DELETE FROM patch_history WHERE instance_id = ? AND step = ?"

	if got := SQLite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind() = %q", got)
	}
	want := "DELETE FROM patch_history WHERE instance_id = $1 AND step = $2"
	if got := Postgres.Rebind(q); got != want {
		t.Errorf("postgres Rebind() = %q, want %q", got, want)
	}
	if got := Postgres.ColumnExistsQuery(); got != `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2` {
		t.Errorf("postgres ColumnExistsQuery() = %q", got)
	}
}

func TestUpsert(t *testing.T) {
	tests := []struct {
		name    string
		dialect *Dialect
		cols    []string
		want    string
	}{
		{"sqlite nothing", SQLite, nil, "ON CONFLICT (id) DO NOTHING"},
		{"sqlite update", SQLite, []string{"status", "updated_at"}, "ON CONFLICT (id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at"},
		{"postgres update", Postgres, []string{"status"}, "ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.Upsert("id", tt.cols...); got != tt.want {
				t.Errorf("Upsert() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnectionSetup(t *testing.T) {
	if len(SQLite.SetupStatements()) == 0 || SQLite.MaxOpenConns() != 1 {
		t.Errorf("sqlite setup = %v, max conns = %d", SQLite.SetupStatements(), SQLite.MaxOpenConns())
	}
	if Postgres.SetupStatements() != nil || Postgres.MaxOpenConns() != 0 {
		t.Errorf("postgres setup = %v, max conns = %d", Postgres.SetupStatements(), Postgres.MaxOpenConns())
	}
}
