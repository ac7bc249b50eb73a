// Package console is the control plane: it fans job dispatches out to
// comets, consumes the event bus into relational history, sweeps stale
// instances while holding the leader lease, and serves the operator HTTP
// API.
package console

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// DBConfig selects and opens the console database. Driver defaults to
// "sqlite".
type DBConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// OpenDB opens the database and migrates the console schema.
func OpenDB(cfg DBConfig) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("console: logger is required")
	}
	gormCfg := &gorm.Config{Logger: newGormLogger(cfg.Logger)}

	var (
		database *gorm.DB
		err      error
	)
	switch cfg.Driver {
	case "sqlite", "":
		// Open through database/sql with the modernc driver, then hand the
		// connection to GORM so it does not reach for go-sqlite3.
		sqlDB, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("console: open sqlite: %w", err)
		}
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("console: init gorm sqlite: %w", err)
		}

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("console: open postgres: %w", err)
		}
		sqlDB, err := database.DB()
		if err != nil {
			return nil, fmt.Errorf("console: sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)

	default:
		return nil, fmt.Errorf("console: unsupported driver %q", cfg.Driver)
	}

	if err := database.AutoMigrate(&Instance{}, &JobScheduleHistory{}, &JobExecHistory{}); err != nil {
		return nil, fmt.Errorf("console: migrate: %w", err)
	}
	return database, nil
}

func newGormLogger(log *zap.Logger) gormlogger.Interface {
	return &gormZap{log: log.Named("gorm"), level: gormlogger.Warn}
}

// gormZap routes GORM's internal logging through zap. Only errors and slow
// queries surface at the default level.
type gormZap struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

func (l *gormZap) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormZap) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZap) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZap) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZap) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		q, rows := fc()
		l.log.Error("query failed", zap.String("sql", q), zap.Int64("rows", rows), zap.Error(err))
	case elapsed > 200*time.Millisecond:
		q, rows := fc()
		l.log.Warn("slow query", zap.String("sql", q), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	}
}
