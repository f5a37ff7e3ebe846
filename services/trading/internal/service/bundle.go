package service

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	maxBundleLines   = 50
	maxMessageLength = 500
)

// normalizeBundle merges repeated item and currency lines and rejects malformed ones.
// Currency amounts are rounded later, once the currency's precision is known.
func normalizeBundle(b storage.Bundle) (storage.Bundle, error) {
	var out storage.Bundle

	itemQty := map[int64]int64{}
	for _, line := range b.Items {
		if line.ItemID <= 0 {
			return storage.Bundle{}, fmt.Errorf("%w: item_id must be positive", ErrInvalidBundle)
		}
		if line.Quantity <= 0 {
			return storage.Bundle{}, fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidBundle, line.ItemID)
		}
		itemQty[line.ItemID] += line.Quantity
	}
	for id, qty := range itemQty {
		out.Items = append(out.Items, storage.ItemLine{ItemID: id, Quantity: qty})
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].ItemID < out.Items[j].ItemID })

	seen := map[int64]bool{}
	for _, id := range b.Tokens {
		if id <= 0 {
			return storage.Bundle{}, fmt.Errorf("%w: token_id must be positive", ErrInvalidBundle)
		}
		if seen[id] {
			return storage.Bundle{}, fmt.Errorf("%w: token %d listed twice", ErrInvalidBundle, id)
		}
		seen[id] = true
		out.Tokens = append(out.Tokens, id)
	}
	sort.Slice(out.Tokens, func(i, j int) bool { return out.Tokens[i] < out.Tokens[j] })

	amounts := map[int64]decimal.Decimal{}
	for _, line := range b.Currencies {
		if line.CurrencyID <= 0 {
			return storage.Bundle{}, fmt.Errorf("%w: currency_id must be positive", ErrInvalidBundle)
		}
		if !line.Amount.IsPositive() {
			return storage.Bundle{}, fmt.Errorf("%w: currency %d amount %s", storage.ErrInvalidAmount, line.CurrencyID, line.Amount.String())
		}
		amounts[line.CurrencyID] = amounts[line.CurrencyID].Add(line.Amount)
	}
	for id, amt := range amounts {
		out.Currencies = append(out.Currencies, storage.CurrencyLine{CurrencyID: id, Amount: amt})
	}
	sort.Slice(out.Currencies, func(i, j int) bool { return out.Currencies[i].CurrencyID < out.Currencies[j].CurrencyID })

	if out.Lines() > maxBundleLines {
		return storage.Bundle{}, fmt.Errorf("%w: at most %d lines per side", ErrInvalidBundle, maxBundleLines)
	}
	return out, nil
}

// sanitizeText trims, strips control characters and caps the length in runes.
func sanitizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\n') {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxMessageLength {
		s = string([]rune(s)[:maxMessageLength])
	}
	return s
}
