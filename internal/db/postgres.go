// Package db opens the Postgres pool behind the relational record store.
package db

import (
	"context"
	"fmt"
	"time"

	"taxdesk/pkg/types"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const pingTimeout = 5 * time.Second

// Connect builds a pool for config.DatabaseURL. Tables resolve in
// config.DatabaseSchema unless the URL already pins a search_path. A server
// that cannot be reached is reported as types.ErrStoreUnavailable.
func Connect(ctx context.Context, config *types.Config, logger *logrus.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	params := poolConfig.ConnConfig.RuntimeParams
	if _, ok := params["search_path"]; !ok && config.DatabaseSchema != "" {
		params["search_path"] = config.DatabaseSchema
	}
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = "taxdesk"
	}

	if config.DatabaseMaxConns > 0 {
		poolConfig.MaxConns = config.DatabaseMaxConns
	}
	poolConfig.MaxConnIdleTime = 15 * time.Minute
	poolConfig.MaxConnLifetime = 45 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w: %v", types.ErrStoreUnavailable, err)
	}

	logger.WithFields(logrus.Fields{
		"host":      poolConfig.ConnConfig.Host,
		"database":  poolConfig.ConnConfig.Database,
		"schema":    params["search_path"],
		"max_conns": poolConfig.MaxConns,
	}).Info("connected to postgres")

	return pool, nil
}
