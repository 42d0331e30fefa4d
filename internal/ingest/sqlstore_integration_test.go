//go:build integration

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startTestPostgres launches an ephemeral Postgres container and installs a
// stored procedure matching spec.md §6's 9-argument ingest signature, then
// returns a DSN ready for SQLStore.Connect.
func startTestPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("canbridge_test"),
		postgres.WithUsername("canbridge"),
		postgres.WithPassword("canbridge"),
		testcontainers.WithWaitStrategyAndDeadline(2*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec(ctx, `
		CREATE OR REPLACE FUNCTION ingest_frame(
			p_timestamp timestamptz,
			p_extended boolean,
			p_fd boolean,
			p_arbitration_id bigint,
			p_id_hex text,
			p_dlc smallint,
			p_payload bytea,
			p_bus int,
			p_direction text
		) RETURNS void AS $$
		BEGIN
			-- no-op: this test only verifies the round-trip invocation succeeds
		END;
		$$ LANGUAGE plpgsql;
	`)
	require.NoError(t, err)

	return dsn
}

func TestSQLStoreConnectAndWriteBatch(t *testing.T) {
	dsn := startTestPostgres(t)

	store := NewSQLStore(dsn, "ingest_frame")
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, store.Connect(ctx))
	require.True(t, store.Connected())

	batch := []Entry{
		{
			Timestamp:     time.Now(),
			Extended:      false,
			FD:            false,
			ArbitrationID: 0x123,
			DLC:           8,
			Payload:       []byte{1, 2, 3, 4, 5, 6, 7, 8},
			Bus:           0,
			Direction:     "rx",
		},
		{
			Timestamp:     time.Now(),
			Extended:      true,
			FD:            true,
			ArbitrationID: 0x1ABCDEF,
			DLC:           12,
			Payload:       make([]byte, 16),
			Bus:           1,
			Direction:     "tx",
		},
	}

	require.NoError(t, store.WriteBatch(ctx, batch))
	require.NoError(t, store.Heartbeat(ctx))
}
