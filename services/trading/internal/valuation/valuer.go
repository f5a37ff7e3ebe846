// Package valuation computes the advisory value snapshot stored with each trade.
package valuation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
)

const defaultCacheSize = 1024

var rarityValues = map[string]int64{
	"common":    10,
	"uncommon":  25,
	"rare":      100,
	"epic":      500,
	"legendary": 2500,
	"mythic":    10000,
}

var typeMultipliers = map[string]decimal.Decimal{
	"consumable":  decimal.RequireFromString("0.5"),
	"material":    decimal.RequireFromString("0.75"),
	"equipment":   decimal.RequireFromString("1.5"),
	"cosmetic":    decimal.RequireFromString("1.25"),
	"collectible": decimal.NewFromInt(2),
}

var upgradeStep = decimal.RequireFromString("0.2")

type cachedEntry struct {
	value    any
	cachedAt time.Time
}

// Valuer prices bundles. Catalog rows are cached; token rows are always read fresh.
type Valuer struct {
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func New(cacheSize int, ttl time.Duration) (*Valuer, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create valuation cache: %w", err)
	}
	return &Valuer{cache: cache, ttl: ttl, now: time.Now}, nil
}

// RarityValue returns the tier value, treating unknown rarities as common.
func RarityValue(rarity string) decimal.Decimal {
	if v, ok := rarityValues[strings.ToLower(rarity)]; ok {
		return decimal.NewFromInt(v)
	}
	return decimal.NewFromInt(rarityValues["common"])
}

func TypeMultiplier(itemType string) decimal.Decimal {
	if m, ok := typeMultipliers[strings.ToLower(itemType)]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

func TokenValue(tok storage.UniqueToken) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(upgradeStep.Mul(decimal.NewFromInt(int64(tok.UpgradeLevel))))
	return RarityValue(tok.Rarity).Mul(factor)
}

func ItemValue(def storage.ItemDefinition, qty int64) decimal.Decimal {
	return RarityValue(def.Rarity).Mul(TypeMultiplier(def.ItemType)).Mul(decimal.NewFromInt(qty))
}

func (v *Valuer) Value(ctx context.Context, tx storage.Tx, bundle storage.Bundle) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, id := range bundle.Tokens {
		tok, err := tx.GetToken(ctx, id)
		if err != nil {
			return decimal.Zero, fmt.Errorf("value token %d: %w", id, err)
		}
		total = total.Add(TokenValue(tok))
	}
	for _, line := range bundle.Items {
		def, err := v.itemDefinition(ctx, tx, line.ItemID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("value item %d: %w", line.ItemID, err)
		}
		total = total.Add(ItemValue(def, line.Quantity))
	}
	for _, line := range bundle.Currencies {
		cur, err := v.currency(ctx, tx, line.CurrencyID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("value currency %d: %w", line.CurrencyID, err)
		}
		total = total.Add(line.Amount.Mul(cur.ExchangeRate))
	}
	return total.Round(4), nil
}

func (v *Valuer) itemDefinition(ctx context.Context, tx storage.Tx, id int64) (storage.ItemDefinition, error) {
	key := fmt.Sprintf("item:%d", id)
	if cached, ok := v.lookup(key); ok {
		return cached.(storage.ItemDefinition), nil
	}
	def, err := tx.GetItemDefinition(ctx, id)
	if err != nil {
		return storage.ItemDefinition{}, err
	}
	v.cache.Add(key, cachedEntry{value: def, cachedAt: v.now()})
	return def, nil
}

func (v *Valuer) currency(ctx context.Context, tx storage.Tx, id int64) (storage.Currency, error) {
	key := fmt.Sprintf("currency:%d", id)
	if cached, ok := v.lookup(key); ok {
		return cached.(storage.Currency), nil
	}
	cur, err := tx.GetCurrency(ctx, id)
	if err != nil {
		return storage.Currency{}, err
	}
	v.cache.Add(key, cachedEntry{value: cur, cachedAt: v.now()})
	return cur, nil
}

func (v *Valuer) lookup(key string) (any, bool) {
	raw, ok := v.cache.Get(key)
	if !ok {
		return nil, false
	}
	entry := raw.(cachedEntry)
	if v.ttl > 0 && v.now().Sub(entry.cachedAt) > v.ttl {
		v.cache.Remove(key)
		return nil, false
	}
	return entry.value, true
}
