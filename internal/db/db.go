// Package db is the MySQL persistence layer: schema bootstrap, the call
// store and the agent directory.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/logging"
)

type DB struct {
	*sql.DB
	log logrus.FieldLogger
}

// New wraps an open handle.
func New(sqlDB *sql.DB, log logrus.FieldLogger) *DB {
	return &DB{DB: sqlDB, log: logging.Component(log, "db")}
}

// Open connects to the database named in dsn and checks it is reachable.
func Open(ctx context.Context, dsn string, log logrus.FieldLogger) (*DB, error) {
	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(sqlDB, log), nil
}

// Initialize creates the database named in dsn if needed, connects to it
// and creates the tables.
func Initialize(ctx context.Context, dsn string, log logrus.FieldLogger) (*DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("invalid DSN: no database name")
	}

	// connect without a database first so it can be created
	dbName := cfg.DBName
	cfg.DBName = ""
	tempDB, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	_, err = tempDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName))
	tempDB.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	d, err := Open(ctx, dsn, log)
	if err != nil {
		return nil, err
	}
	if err := d.CreateTables(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	d.log.WithField("database", dbName).Info("database initialized")
	return d, nil
}

// CreateTables creates every table that does not exist yet.
func (d *DB) CreateTables(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		external_call_id VARCHAR(64) NOT NULL,
		source ENUM('realtime', 'detail', 'merged') NOT NULL,
		state VARCHAR(20),
		direction VARCHAR(10),
		caller_number VARCHAR(64),
		called_number VARCHAR(64),
		dialled_number VARCHAR(64),
		agent_id BIGINT NULL,
		agent_name VARCHAR(100),
		agent_extension VARCHAR(20),
		hunt_group VARCHAR(100),
		start_time DATETIME(3) NULL,
		end_time DATETIME(3) NULL,
		duration INT DEFAULT 0,
		connected_duration INT DEFAULT 0,
		ring_duration INT DEFAULT 0,
		hold_duration INT DEFAULT 0,
		park_duration INT DEFAULT 0,
		is_internal BOOLEAN DEFAULT FALSE,
		matched BOOLEAN DEFAULT FALSE,
		continuation BOOLEAN DEFAULT FALSE,
		account VARCHAR(64),
		auth_code VARCHAR(64),
		call_charge DECIMAL(10,2) DEFAULT 0,
		currency VARCHAR(8),
		call_units INT DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY unique_external_call (external_call_id),
		INDEX idx_start_time (start_time),
		INDEX idx_agent_extension (agent_extension),
		INDEX idx_matched (matched)
	)`,

	`CREATE TABLE IF NOT EXISTS call_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		call_id BIGINT NULL,
		external_call_id VARCHAR(64) NOT NULL,
		event_type ENUM('initiated', 'ringing', 'answered', 'held', 'completed') NOT NULL,
		state VARCHAR(20),
		agent_extension VARCHAR(20),
		occurred_at DATETIME(3) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_call_id (call_id),
		INDEX idx_external_call (external_call_id)
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		extension VARCHAR(20) UNIQUE NOT NULL,
		name VARCHAR(100) NOT NULL,
		active BOOLEAN DEFAULT TRUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_active (active)
	)`,

	`CREATE TABLE IF NOT EXISTS agent_states (
		extension VARCHAR(20) PRIMARY KEY,
		agent_id BIGINT NULL,
		state VARCHAR(20) NOT NULL,
		external_call_id VARCHAR(64),
		updated_at DATETIME(3) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS group_stats (
		group_name VARCHAR(100) PRIMARY KEY,
		total_calls BIGINT DEFAULT 0,
		answered_calls BIGINT DEFAULT 0,
		abandoned_calls BIGINT DEFAULT 0,
		avg_ring_seconds DECIMAL(10,2) DEFAULT 0,
		avg_talk_seconds DECIMAL(10,2) DEFAULT 0,
		last_call_time DATETIME(3) NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`,
}
