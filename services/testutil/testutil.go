package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "vgx"),
		getEnv("POSTGRES_PASSWORD", "vgx"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "vgx_trading"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// ApplySchema executes a migration file against the pool.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := pool.Exec(ctx, string(raw)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"DELETE FROM audit_logs",
		"DELETE FROM item_reservations",
		"UPDATE unique_tokens SET reserved = FALSE, reserved_for_trade = NULL",
		"DELETE FROM trades",
		"DELETE FROM unique_tokens",
		"DELETE FROM item_stock",
		"DELETE FROM currency_transactions",
		"DELETE FROM currency_balances",
		"DELETE FROM users WHERE id NOT IN ('00000000-0000-0000-0000-000000000001','00000000-0000-0000-0000-000000000002')",
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
