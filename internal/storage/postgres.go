package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	logx "outreach/pkg/logx"
)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	// Closing the *sql.DB does not close the pool it wraps.
	st := &pgStore{sqlStore: sqlStore{db: stdlib.OpenDBFromPool(pool), d: postgresDialect, log: log}, pool: pool}
	if err := st.migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Info("postgres store opened", logx.String("host", pcfg.ConnConfig.Host))
	return st, nil
}

type pgStore struct {
	sqlStore
	pool *pgxpool.Pool
}

func (s *pgStore) Close() error {
	err := s.sqlStore.Close()
	s.pool.Close()
	return err
}
