package dcb

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Shared suite state, initialized in BeforeSuite.
var (
	ctx       context.Context
	container testcontainers.Container
	dsn       string
	pool      *pgxpool.Pool
	store     EventStore
)

// toJSON marshals a struct to JSON bytes, panicking on error (for test convenience)
func toJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal to JSON: %v", err))
	}
	return data
}

// generateRandomPassword creates a random password string
func generateRandomPassword(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes)[:length], nil
}

// setupPostgresContainer creates and configures a Postgres test container,
// returning a pool plus the DSN for the listener and lock connections.
func setupPostgresContainer(ctx context.Context) (*pgxpool.Pool, string, testcontainers.Container, error) {
	password, err := generateRandomPassword(16)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to generate password: %w", err)
	}

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17.5-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": password,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", nil, err
	}

	host, err := postgresC.Host(ctx)
	if err != nil {
		return nil, "", nil, err
	}

	port, err := postgresC.MappedPort(ctx, "5432")
	if err != nil {
		return nil, "", nil, err
	}

	connString := fmt.Sprintf("postgres://postgres:%s@%s:%s/postgres?sslmode=disable", password, host, port.Port())
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, "", nil, err
	}
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe

	p, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, "", nil, err
	}

	return p, connString, postgresC, nil
}

// truncateAll resets the event log and checkpoints between tests.
func truncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, "TRUNCATE TABLE events RESTART IDENTITY CASCADE"); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, "TRUNCATE TABLE projection_checkpoints")
	return err
}

// newTestPool opens an extra pool on the suite database, e.g. the projection
// manager's own pool.
func newTestPool(ctx context.Context) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}

// drainAll collects a stream to a slice.
func drainAll(it EventIterator) ([]StoredEvent, error) {
	defer it.Close()
	var events []StoredEvent
	for it.Next() {
		events = append(events, it.Event())
	}
	return events, it.Err()
}
