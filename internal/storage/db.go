// Package storage is the Storage Gateway: typed access to the relational
// store (GORM over sqlite or postgres) and, via the kv package, the
// key/value broker. It owns connection setup, migrations, and the
// read/write split used when a read replica is configured for HA.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required. Registers itself as
	// "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the configuration required to open the relational store.
// Driver defaults to "sqlite" if left empty.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	ReadDSN  string // optional replica DSN; empty disables the read split
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Gateway wraps the primary (read/write) and, when configured, a read-only
// replica connection. Callers that only read (the Auto-Scaler's metric
// queries, the Job Router's rule refresh) should prefer Reader so that an
// HA deployment can shed load from the primary.
type Gateway struct {
	db     *gorm.DB
	reader *gorm.DB
}

// Writer returns the primary read/write connection.
func (g *Gateway) Writer() *gorm.DB { return g.db }

// Reader returns the replica connection if one is configured, otherwise the
// primary connection.
func (g *Gateway) Reader() *gorm.DB {
	if g.reader != nil {
		return g.reader
	}
	return g.db
}

// WithTransaction runs fn inside a GORM transaction against the primary
// connection. Any invariant that crosses rows (assigning a runner to a job,
// transitioning a job and releasing its runner together) must go through
// this so the write is atomic.
func (g *Gateway) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.db.WithContext(ctx).Transaction(fn)
}

// New opens the relational store, applies pending migrations against the
// primary, and optionally opens a read replica. Migrations are never run
// against the replica.
func New(cfg Config) (*Gateway, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("storage: logger is required")
	}

	db, drvName, err := open(cfg.Driver, cfg.DSN, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open primary: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get sql.DB: %w", err)
	}
	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("storage: migrations failed: %w", err)
	}

	gw := &Gateway{db: db}

	if cfg.ReadDSN != "" {
		reader, _, err := open(cfg.Driver, cfg.ReadDSN, cfg)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to open read replica: %w", err)
		}
		gw.reader = reader
	}

	return gw, nil
}

func open(driver, dsn string, cfg Config) (*gorm.DB, string, error) {
	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	switch driver {
	case "sqlite", "":
		sqlDB, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open sqlite: %w", err)
		}
		// SQLite supports only one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, "", fmt.Errorf("failed to initialize gorm with sqlite: %w", err)
		}
		return database, "sqlite", nil

	case "postgres":
		database, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open postgres: %w", err)
		}
		sqlDB, err := database.DB()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return database, "postgres", nil

	default:
		return nil, "", fmt.Errorf("unsupported driver %q, use \"sqlite\" or \"postgres\"", driver)
	}
}

// Ping verifies that the primary connection is still alive.
func (g *Gateway) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return fmt.Errorf("storage: failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("database migrations applied successfully")
	return nil
}
