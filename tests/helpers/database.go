package helpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lwhitby/sift/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	User     = "postgres"
	Password = "postgres"
	DBName   = "SIFT_TEST_DB"
)

var (
	pgMu        sync.Mutex
	pgContainer testcontainers.Container
	pgHost      string
	pgPort      string
)

// RequireDatabase spawns (or reuses) a Postgres container for the test
// binary, connects via the database manager (which runs the embedded
// migrations) and returns the sqlx handle. Tests sharing the container
// must tolerate each other's rows or clean up after themselves.
func RequireDatabase(t *testing.T) *sqlx.DB {
	pgMu.Lock()
	defer pgMu.Unlock()

	ctx := context.Background()
	if pgContainer == nil {
		container, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
			postgres.WithDatabase(DBName),
			postgres.WithUsername(User),
			postgres.WithPassword(Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %s", err)
		}

		host, err := container.Host(ctx)
		if err != nil {
			t.Fatalf("failed to resolve postgres container host: %s", err)
		}

		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			t.Fatalf("failed to resolve postgres container port: %s", err)
		}

		pgContainer = container
		pgHost = host
		pgPort = port.Port()
	}

	manager := database.New()
	if err := manager.Connect(database.DatabaseConfig{
		User:     User,
		Password: Password,
		Name:     DBName,
		Host:     pgHost,
		Port:     pgPort,
	}); err != nil {
		t.Fatalf("failed to connect to test database: %s", err)
	}

	db := manager.GetSqlxDb()
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// TruncateAll clears every Sift table so a test starts from a blank
// catalog and queue.
func TruncateAll(t *testing.T, db *sqlx.DB) {
	tables := []string{"jobs", "parses", "file_tags", "file_metadata", "approval_batches", "files", "processor_configs", "settings"}
	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			t.Fatalf("failed to clear table %s: %s", table, err)
		}
	}

	if _, err := db.Exec(`UPDATE broker_state SET value='false' WHERE key='paused'`); err != nil {
		t.Fatalf("failed to reset broker state: %s", err)
	}
}
