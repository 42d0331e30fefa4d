package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marmos91/canbridge/internal/logger"
)

// statementTimeout bounds every SQL round-trip per spec.md §5.
const statementTimeout = 10 * time.Second

// SQLStore owns the Ingest Pipeline's exclusive connection to the
// configured stored procedure (spec.md §6's "SQL-store contract").
type SQLStore struct {
	dsn          string
	functionName string

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewSQLStore constructs a disconnected SQLStore. Call Connect before use.
func NewSQLStore(dsn, functionName string) *SQLStore {
	return &SQLStore{dsn: dsn, functionName: functionName}
}

// Connect establishes a fresh connection pool, applying the statement
// timeout as a runtime parameter and verifying reachability with a Ping.
// It is a no-op if already connected.
func (s *SQLStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}

	poolConfig, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return fmt.Errorf("ingest: parse dsn: %w", err)
	}
	poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
		fmt.Sprintf("%dms", statementTimeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("ingest: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("ingest: ping: %w", err)
	}

	s.pool = pool
	logger.Info("ingest SQL connection established")
	return nil
}

// Connected reports whether a live pool is currently held.
func (s *SQLStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool != nil
}

// Close tears down the pool, if any, marking the store disconnected.
func (s *SQLStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return
	}
	s.pool.Close()
	s.pool = nil
}

// WriteBatch commits batch inside one transaction, invoking the
// configured stored procedure once per entry, per spec.md §6's
// 9-argument signature: (timestamp, extended, fd, id, id_hex, dlc,
// payload, bus, direction). id_hex is always NULL (spec.md §9).
func (s *SQLStore) WriteBatch(ctx context.Context, batch []Entry) error {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return fmt.Errorf("ingest: write batch: not connected")
	}

	writeCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	tx, err := pool.Begin(writeCtx)
	if err != nil {
		return fmt.Errorf("ingest: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(writeCtx) }()

	query := fmt.Sprintf("SELECT %s($1, $2, $3, $4, $5, $6, $7, $8, $9)", s.functionName)
	for _, e := range batch {
		_, err := tx.Exec(writeCtx, query,
			e.Timestamp, e.Extended, e.FD, e.ArbitrationID, nil, e.DLC,
			e.Payload, e.Bus, e.Direction,
		)
		if err != nil {
			return fmt.Errorf("ingest: exec stored procedure: %w", err)
		}
	}

	if err := tx.Commit(writeCtx); err != nil {
		return fmt.Errorf("ingest: commit: %w", err)
	}
	return nil
}

// Heartbeat issues an empty commit to keep the transaction machinery warm
// when no entries have arrived within the flush interval.
func (s *SQLStore) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return fmt.Errorf("ingest: heartbeat: not connected")
	}

	hbCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	tx, err := pool.Begin(hbCtx)
	if err != nil {
		return fmt.Errorf("ingest: heartbeat begin: %w", err)
	}
	defer func() { _ = tx.Rollback(hbCtx) }()

	return tx.Commit(hbCtx)
}
