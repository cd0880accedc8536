// Package pgtest starts a throwaway PostgreSQL container with the
// marketplace schema applied, plus raw-SQL seed helpers.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/safar/go-sql-marketplace/internal/database"
	"github.com/safar/go-sql-marketplace/migrations"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// New returns a migrated database, closed when t finishes. It skips the
// test under -short.
func New(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(30)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
	})

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := database.Migrate(ctx, db, migrations.FS, "up"); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db
}

func SeedUser(t *testing.T, db *sql.DB, role string) string {
	t.Helper()

	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO users (id, email, name, role) VALUES ($1, $2, $3, $4)`,
		id, id+"@example.com", "user "+id[:8], role)
	if err != nil {
		t.Fatalf("Seed user: %v", err)
	}
	return id
}

// SeedStore creates a seller and their store, returning (storeID, ownerID).
func SeedStore(t *testing.T, db *sql.DB) (string, string) {
	t.Helper()

	ownerID := SeedUser(t, db, "SELLER")
	storeID := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO stores (id, owner_user_id, name) VALUES ($1, $2, $3)`,
		storeID, ownerID, "store "+storeID[:8])
	if err != nil {
		t.Fatalf("Seed store: %v", err)
	}
	return storeID, ownerID
}

func SeedProduct(t *testing.T, db *sql.DB, storeID, price string, stock int) string {
	t.Helper()

	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO products (id, store_id, sku, name, price, stock_quantity)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, storeID, "SKU-"+id[:8], "product "+id[:8], decimal.RequireFromString(price), stock)
	if err != nil {
		t.Fatalf("Seed product: %v", err)
	}
	return id
}

func SeedPromotion(t *testing.T, db *sql.DB, code, percentage string, expiresOn time.Time) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO promotions (id, code, percentage, expires_on) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), code, decimal.RequireFromString(percentage), expiresOn.Format("2006-01-02"))
	if err != nil {
		t.Fatalf("Seed promotion: %v", err)
	}
}

func Stock(t *testing.T, db *sql.DB, productID string) int {
	t.Helper()

	var stock int
	if err := db.QueryRow(`SELECT stock_quantity FROM products WHERE id = $1`, productID).Scan(&stock); err != nil {
		t.Fatalf("Read stock: %v", err)
	}
	return stock
}

func Count(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()

	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}
