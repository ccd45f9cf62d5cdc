// Package database opens the PostgreSQL connection pool shared by the fanout
// channel.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSearchPath is the schema every pooled connection resolves names in.
const DefaultSearchPath = "sync"

// Config describes the pool.
type Config struct {
	ConnString string
	SearchPath string
	MinConns   int
	MaxConns   int
}

// ParseConfig builds a pool configuration with the search path pinned on
// every connection the pool opens.
func ParseConfig(cfg Config) (*pgxpool.Config, error) {
	if cfg.ConnString == "" {
		return nil, errors.New("connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	searchPath := cfg.SearchPath
	if searchPath == "" {
		searchPath = DefaultSearchPath
	}
	poolCfg.ConnConfig.RuntimeParams["search_path"] = searchPath

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if poolCfg.MinConns > poolCfg.MaxConns {
		poolCfg.MinConns = poolCfg.MaxConns
	}

	return poolCfg, nil
}

// Connect creates the pool and verifies the database answers.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := ParseConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the first schema of searchPath if it does not exist,
// so tables created later land in it.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, searchPath string) error {
	schema := strings.TrimSpace(strings.Split(searchPath, ",")[0])
	if schema == "" {
		schema = DefaultSearchPath
	}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}
