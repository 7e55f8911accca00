// Package postgres provides relational database connection management and gorm repositories.
// PostgreSQL runs through a pgx connection pool; sqlite is supported for single-node and test setups.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/logger"
)

// DBConnection owns the gorm handle and, for PostgreSQL, the underlying pgx pool.
type DBConnection struct {
	db     *gorm.DB
	pool   *pgxpool.Pool
	config *config.DatabaseConfig
	logger logger.Logger
}

// NewDBConnection opens the configured database and performs an initial health check.
func NewDBConnection(ctx context.Context, cfg *config.DatabaseConfig, log logger.Logger) (*DBConnection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	log = log.WithComponent("Database")
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	conn := &DBConnection{config: cfg, logger: log}
	switch cfg.Driver {
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.GetDSN()), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		conn.db = db
	default:
		poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
		if err != nil {
			log.Error(ctx, "Failed to parse database connection string", err)
			return nil, fmt.Errorf("parse database dsn: %w", err)
		}
		poolConfig.MaxConns = int32(cfg.MaxConns)
		poolConfig.MinConns = int32(cfg.MinConns)
		poolConfig.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime) * time.Minute
		poolConfig.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleTime) * time.Minute

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
		if err != nil {
			log.Error(ctx, "Failed to create database connection pool", err)
			return nil, fmt.Errorf("create pgx pool: %w", err)
		}

		db, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), gormCfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("open gorm over pgx: %w", err)
		}
		conn.db = db
		conn.pool = pool
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info(ctx, "Database connection initialized",
		logger.String("driver", cfg.Driver),
		logger.Int("max_conns", cfg.MaxConns),
	)
	return conn, nil
}

// NewDBConnectionFromGorm wraps an already opened gorm handle.
func NewDBConnectionFromGorm(db *gorm.DB, log logger.Logger) *DBConnection {
	return &DBConnection{db: db, config: &config.DatabaseConfig{Driver: db.Dialector.Name()}, logger: log}
}

// DB returns the gorm handle used by repositories.
func (c *DBConnection) DB() *gorm.DB {
	return c.db
}

// Migrate creates or updates the tables owned by the gate.
func (c *DBConnection) Migrate(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(&models.ApiKeyInfo{}, &models.AuditEvent{})
}

// Ping verifies database connectivity and responsiveness.
func (c *DBConnection) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startTime := time.Now()
	if c.pool != nil {
		if err := c.pool.Ping(pingCtx); err != nil {
			c.logger.Error(ctx, "Database ping failed", err)
			return fmt.Errorf("database ping: %w", err)
		}
	} else {
		sqlDB, err := c.db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(pingCtx); err != nil {
			c.logger.Error(ctx, "Database ping failed", err)
			return fmt.Errorf("database ping: %w", err)
		}
	}

	if latency := time.Since(startTime); latency > 100*time.Millisecond {
		c.logger.Warn(ctx, "High database latency detected",
			logger.Int64("latency_ms", latency.Milliseconds()),
			logger.Int("threshold_ms", 100),
		)
	}
	return nil
}

// HealthCheck pings and reports pool statistics where available.
func (c *DBConnection) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	info := map[string]interface{}{"status": "healthy", "driver": c.config.Driver}
	if c.pool != nil {
		stats := c.pool.Stat()
		info["total_connections"] = stats.TotalConns()
		info["idle_connections"] = stats.IdleConns()
		info["acquired_connections"] = stats.AcquiredConns()
		if stats.IdleConns() == 0 && stats.TotalConns() >= int32(c.config.MaxConns) {
			info["warning"] = "connection_pool_near_limit"
		}
	}
	return info, nil
}

// Close releases the database handles.
func (c *DBConnection) Close() {
	if sqlDB, err := c.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
}
