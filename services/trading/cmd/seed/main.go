package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/currency"
	"github.com/AfshinJalili/vgx/services/trading/internal/items"
	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	goldID int64 = 1
	gemsID int64 = 2
	oldID  int64 = 3

	potionID int64 = 1
	oreID    int64 = 2
	bladeID  int64 = 3
	capeID   int64 = 4
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func main() {
	env := getEnv("VGX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: VGX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("VGX_DB_USER", "vgx"),
		getEnv("VGX_DB_PASSWORD", "vgx"),
		getEnv("VGX_DB_HOST", "localhost"),
		getEnv("VGX_DB_PORT", "5432"),
		getEnv("VGX_DB_NAME", "vgx"),
		getEnv("VGX_DB_SSLMODE", "disable"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")
	if err := seed(ctx, storage.NewPostgres(pool), os.Getenv("SEED_TESTDATA") == "1"); err != nil {
		log.Fatalf("seed: %v", err)
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("  demo user:   %s\n", demoUserID)
	fmt.Printf("  trader user: %s\n", traderUserID)
}

// seed is idempotent: rerunning it does not double balances or stock.
func seed(ctx context.Context, store storage.Store, withTestData bool) error {
	steps := []struct {
		name string
		fn   func(context.Context, storage.Tx) error
	}{
		{"users", seedUsers},
		{"currencies", seedCurrencies},
		{"item definitions", seedItemDefinitions},
		{"tokens", seedTokens},
		{"stock", seedStock},
		{"balances", seedBalances},
	}
	if withTestData {
		steps = append(steps, struct {
			name string
			fn   func(context.Context, storage.Tx) error
		}{"test data", seedTestData})
	}

	for _, step := range steps {
		if err := store.WithTx(ctx, func(tx storage.Tx) error { return step.fn(ctx, tx) }); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		fmt.Printf("✓ %s seeded\n", step.name)
	}
	return nil
}

func seedUsers(ctx context.Context, tx storage.Tx) error {
	for _, u := range []storage.User{
		{ID: demoUserID, Username: "demo"},
		{ID: traderUserID, Username: "trader"},
	} {
		if err := tx.InsertUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func seedCurrencies(ctx context.Context, tx storage.Tx) error {
	for _, c := range []storage.Currency{
		{ID: goldID, Code: "GLD", Name: "Gold", DecimalPlaces: 2, ExchangeRate: decimal.NewFromInt(1), Active: true},
		{ID: gemsID, Code: "GEM", Name: "Gems", DecimalPlaces: 0, ExchangeRate: decimal.NewFromInt(10), Active: true},
		{ID: oldID, Code: "OLD", Name: "Retired Coin", DecimalPlaces: 2, ExchangeRate: decimal.RequireFromString("0.1"), Active: false},
	} {
		if err := tx.UpsertCurrency(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func seedItemDefinitions(ctx context.Context, tx storage.Tx) error {
	for _, def := range []storage.ItemDefinition{
		{ID: potionID, Name: "Health Potion", ItemType: "consumable", Rarity: "common", Tradeable: true, Stackable: true, MaxStack: 99},
		{ID: oreID, Name: "Iron Ore", ItemType: "material", Rarity: "uncommon", Tradeable: true, Stackable: true, MaxStack: 999},
		{ID: bladeID, Name: "Dragon Blade", ItemType: "equipment", Rarity: "legendary", Tradeable: true},
		{ID: capeID, Name: "Founder's Cape", ItemType: "cosmetic", Rarity: "epic", Tradeable: false, Stackable: true, MaxStack: 1},
	} {
		if err := tx.UpsertItemDefinition(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

func seedTokens(ctx context.Context, tx storage.Tx) error {
	for _, tok := range []storage.UniqueToken{
		{ID: 1001, ItemID: bladeID, OwnerID: demoUserID, OriginalOwnerID: demoUserID, Rarity: "legendary", Tradeable: true, UpgradeLevel: 2},
		{ID: 1002, ItemID: bladeID, OwnerID: traderUserID, OriginalOwnerID: traderUserID, Rarity: "epic", Tradeable: true},
		{ID: 1003, ItemID: bladeID, OwnerID: demoUserID, OriginalOwnerID: demoUserID, Rarity: "mythic", Tradeable: false},
	} {
		if err := tx.InsertToken(ctx, tok); err != nil && !errors.Is(err, storage.ErrDuplicate) {
			return err
		}
	}
	return nil
}

func seedStock(ctx context.Context, tx storage.Tx) error {
	ledger := items.New(nil)
	for _, s := range []struct {
		user uuid.UUID
		item int64
		qty  int64
	}{
		{demoUserID, potionID, 20},
		{demoUserID, oreID, 150},
		{demoUserID, capeID, 1},
		{traderUserID, potionID, 5},
		{traderUserID, oreID, 40},
	} {
		current, err := ledger.GetQuantity(ctx, tx, s.user, s.item)
		if err != nil {
			return err
		}
		if current > 0 {
			continue
		}
		if err := ledger.Add(ctx, tx, s.user, s.item, s.qty); err != nil {
			return err
		}
	}
	return nil
}

func seedBalances(ctx context.Context, tx storage.Tx) error {
	ledger := currency.New(nil)
	ref := currency.Reference{Reason: "seed", Type: "seed"}
	for _, b := range []struct {
		user     uuid.UUID
		currency int64
		amount   string
	}{
		{demoUserID, goldID, "1000"},
		{demoUserID, gemsID, "50"},
		{traderUserID, goldID, "2500.50"},
		{traderUserID, gemsID, "10"},
	} {
		current, err := ledger.GetBalance(ctx, tx, b.user, b.currency)
		if err != nil {
			return err
		}
		if current.IsPositive() {
			continue
		}
		if _, err := ledger.Credit(ctx, tx, b.user, b.currency, decimal.RequireFromString(b.amount), ref); err != nil {
			return err
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
