package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// conflict classifies a failed insert into the events table.
type conflict int

const (
	noConflict conflict = iota
	versionTaken
	eventIDTaken
)

// Dialect holds what differs between the supported databases. Queries are
// written with ? placeholders and rebound per dialect.
type Dialect struct {
	name   string
	driver string
	schema string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	// collate makes text ordering bytewise, matching Go string order.
	collate string

	classify   func(error) conflict
	getVersion func(ctx context.Context, db *sql.DB) (int, error)
	setVersion func(ctx context.Context, db *sql.DB, v int) error
}

// Name returns the dialect name: sqlite or postgres.
func (d Dialect) Name() string { return d.name }

// String implements fmt.Stringer.
func (d Dialect) String() string { return d.name }

// SQLite is the dialect for github.com/mattn/go-sqlite3.
var SQLite = Dialect{
	name:     "sqlite",
	driver:   "sqlite3",
	schema:   sqliteSchema,
	classify: classifySQLite,
	getVersion: func(ctx context.Context, db *sql.DB) (int, error) {
		var v int
		err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
		return v, err
	},
	setVersion: func(ctx context.Context, db *sql.DB, v int) error {
		_, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v))
		return err
	},
}

// Postgres is the dialect for github.com/lib/pq.
var Postgres = Dialect{
	name:     "postgres",
	driver:   "postgres",
	schema:   postgresSchema,
	numbered: true,
	collate:  ` COLLATE "C"`,
	classify: classifyPostgres,
	getVersion: func(ctx context.Context, db *sql.DB) (int, error) {
		var v int
		err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
		return v, err
	},
	setVersion: func(ctx context.Context, db *sql.DB, v int) error {
		_, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ($1)", v)
		return err
	},
}

// DialectFor returns the dialect for a configured driver name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
	}
}

// rebind rewrites ? placeholders for the dialect. Queries in this package
// never contain a literal question mark.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func classifySQLite(err error) conflict {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return noConflict
	}
	switch {
	case se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return versionTaken
	case se.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(se.Error(), "events.event_id"):
		return eventIDTaken
	}
	return noConflict
}

func classifyPostgres(err error) conflict {
	var pe *pq.Error
	if !errors.As(err, &pe) || pe.Code != "23505" {
		return noConflict
	}
	switch pe.Constraint {
	case "events_pkey":
		return versionTaken
	case "events_event_id_key":
		return eventIDTaken
	}
	return noConflict
}
