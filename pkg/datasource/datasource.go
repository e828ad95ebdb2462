// Package datasource opens bun SQL handles for postgres or embedded sqlite.
package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"

	logx "github.com/tanpawarit/argo-agent/pkg/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver       string        `split_words:"true" default:"sqlite"`
	DSN          string        `envconfig:"DSN" required:"true"`
	MaxOpenConns int           `split_words:"true" default:"4"`
	PingTimeout  time.Duration `split_words:"true" default:"5s"`
	LogQueries   bool          `split_words:"true" default:"false"`
}

func (c Config) Validate() error {
	switch normalizeDriver(c.Driver) {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("dsn is required")
	}
	return nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pg":
		return DriverPostgres
	case "sqlite", "sqlite3":
		return DriverSQLite
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

// Open connects and pings. sqlite handles are limited to one connection
// since sqlite serializes writers anyway.
func Open(ctx context.Context, cfg Config) (*bun.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var db *bun.DB
	switch normalizeDriver(cfg.Driver) {
	case DriverPostgres:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
		if cfg.MaxOpenConns > 0 {
			sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	case DriverSQLite:
		sqldb, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	db.AddQueryHook(NewQueryHook(logx.Component("datasource"), cfg.LogQueries))

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", normalizeDriver(cfg.Driver), err)
	}

	return db, nil
}

// SQLiteDSN builds a modernc sqlite DSN for a database file.
func SQLiteDSN(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

func IsPostgres(db bun.IDB) bool {
	return db.Dialect().Name() == dialect.PG
}

// QueryHook logs failed queries at warn and, when verbose, every query at debug.
type QueryHook struct {
	logger  zerolog.Logger
	verbose bool
}

var _ bun.QueryHook = (*QueryHook)(nil)

func NewQueryHook(logger zerolog.Logger, verbose bool) *QueryHook {
	return &QueryHook{logger: logger, verbose: verbose}
}

func (h *QueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	elapsed := time.Since(event.StartTime)
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		h.logger.Warn().
			Err(event.Err).
			Str("operation", event.Operation()).
			Dur("elapsed", elapsed).
			Msg("query failed")
		return
	}
	if !h.verbose {
		return
	}
	h.logger.Debug().
		Str("operation", event.Operation()).
		Str("query", event.Query).
		Dur("elapsed", elapsed).
		Msg("query")
}
