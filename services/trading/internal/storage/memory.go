package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type balanceKey struct {
	user     uuid.UUID
	currency int64
}

type stockKey struct {
	user uuid.UUID
	item int64
}

type memState struct {
	users        map[uuid.UUID]User
	currencies   map[int64]Currency
	balances     map[balanceKey]CurrencyBalance
	transactions []CurrencyTransaction
	items        map[int64]ItemDefinition
	stock        map[stockKey]int64
	reservations map[uuid.UUID]ItemReservation
	tokens       map[int64]UniqueToken
	trades       map[uuid.UUID]Trade
	audits       []AuditLog
}

func newMemState() *memState {
	return &memState{
		users:        map[uuid.UUID]User{},
		currencies:   map[int64]Currency{},
		balances:     map[balanceKey]CurrencyBalance{},
		items:        map[int64]ItemDefinition{},
		stock:        map[stockKey]int64{},
		reservations: map[uuid.UUID]ItemReservation{},
		tokens:       map[int64]UniqueToken{},
		trades:       map[uuid.UUID]Trade{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:        make(map[uuid.UUID]User, len(s.users)),
		currencies:   make(map[int64]Currency, len(s.currencies)),
		balances:     make(map[balanceKey]CurrencyBalance, len(s.balances)),
		transactions: append([]CurrencyTransaction(nil), s.transactions...),
		items:        make(map[int64]ItemDefinition, len(s.items)),
		stock:        make(map[stockKey]int64, len(s.stock)),
		reservations: make(map[uuid.UUID]ItemReservation, len(s.reservations)),
		tokens:       make(map[int64]UniqueToken, len(s.tokens)),
		trades:       make(map[uuid.UUID]Trade, len(s.trades)),
		audits:       append([]AuditLog(nil), s.audits...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.currencies {
		c.currencies[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.trades {
		c.trades[k] = v
	}
	return c
}

// MemoryStore keeps everything in process. Transactions are serialized and run against a
// private copy of the state that replaces the live state only on success.
// WithTx must not be called from inside fn.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemory() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&memTx{st: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// AuditLogs returns a copy of every persisted audit row.
func (s *MemoryStore) AuditLogs() []AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditLog(nil), s.state.audits...)
}

type memTx struct {
	st *memState
}

func (t *memTx) InsertUser(_ context.Context, user User) error {
	if user.Status == "" {
		user.Status = "active"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	t.st.users[user.ID] = user
	return nil
}

func (t *memTx) UserExists(_ context.Context, id uuid.UUID) (bool, error) {
	u, ok := t.st.users[id]
	return ok && u.Status == "active", nil
}

func (t *memTx) UpsertCurrency(_ context.Context, c Currency) error {
	if c.DecimalPlaces < 0 || c.DecimalPlaces > 4 {
		return fmt.Errorf("decimal_places out of range: %d", c.DecimalPlaces)
	}
	t.st.currencies[c.ID] = c
	return nil
}

func (t *memTx) GetCurrency(_ context.Context, id int64) (Currency, error) {
	c, ok := t.st.currencies[id]
	if !ok {
		return Currency{}, ErrNotFound
	}
	return c, nil
}

func (t *memTx) GetBalanceForUpdate(ctx context.Context, userID uuid.UUID, currencyID int64) (CurrencyBalance, error) {
	return t.GetBalance(ctx, userID, currencyID)
}

func (t *memTx) GetBalance(_ context.Context, userID uuid.UUID, currencyID int64) (CurrencyBalance, error) {
	b, ok := t.st.balances[balanceKey{userID, currencyID}]
	if !ok {
		return CurrencyBalance{
			UserID:      userID,
			CurrencyID:  currencyID,
			Balance:     decimal.Zero,
			TotalEarned: decimal.Zero,
			TotalSpent:  decimal.Zero,
		}, nil
	}
	return b, nil
}

func (t *memTx) ListBalances(_ context.Context, userID uuid.UUID) ([]CurrencyBalance, error) {
	var out []CurrencyBalance
	for k, b := range t.st.balances {
		if k.user == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrencyID < out[j].CurrencyID })
	return out, nil
}

func (t *memTx) SaveBalance(_ context.Context, b CurrencyBalance) error {
	if b.Balance.IsNegative() {
		return ErrInsufficientFunds
	}
	if _, ok := t.st.users[b.UserID]; !ok {
		return fmt.Errorf("balance for unknown user %s: %w", b.UserID, ErrNotFound)
	}
	if _, ok := t.st.currencies[b.CurrencyID]; !ok {
		return fmt.Errorf("balance for unknown currency %d: %w", b.CurrencyID, ErrNotFound)
	}
	t.st.balances[balanceKey{b.UserID, b.CurrencyID}] = b
	return nil
}

func (t *memTx) InsertCurrencyTransaction(_ context.Context, txn CurrencyTransaction) error {
	t.st.transactions = append(t.st.transactions, txn)
	return nil
}

func (t *memTx) ListCurrencyTransactions(_ context.Context, userID uuid.UUID, currencyID int64, filter TransactionFilter) ([]CurrencyTransaction, string, error) {
	limit := clampLimit(filter.Limit)
	var matched []CurrencyTransaction
	for _, txn := range t.st.transactions {
		if txn.UserID == userID && txn.CurrencyID == currencyID {
			matched = append(matched, txn)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return newerThan(matched[i].CreatedAt, matched[i].ID.String(), matched[j].CreatedAt, matched[j].ID.String())
	})
	matched, err := afterCursor(matched, filter.Cursor, func(txn CurrencyTransaction) (time.Time, string) {
		return txn.CreatedAt, txn.ID.String()
	})
	if err != nil {
		return nil, "", err
	}
	var next string
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		next = encodeCursor(last.CreatedAt, last.ID.String())
	}
	return matched, next, nil
}

func (t *memTx) UpsertItemDefinition(_ context.Context, def ItemDefinition) error {
	t.st.items[def.ID] = def
	return nil
}

func (t *memTx) GetItemDefinition(_ context.Context, id int64) (ItemDefinition, error) {
	def, ok := t.st.items[id]
	if !ok {
		return ItemDefinition{}, ErrNotFound
	}
	return def, nil
}

func (t *memTx) GetStock(_ context.Context, userID uuid.UUID, itemID int64) (int64, error) {
	return t.st.stock[stockKey{userID, itemID}], nil
}

func (t *memTx) GetStockForUpdate(ctx context.Context, userID uuid.UUID, itemID int64) (int64, error) {
	return t.GetStock(ctx, userID, itemID)
}

func (t *memTx) SetStock(_ context.Context, userID uuid.UUID, itemID int64, quantity int64) error {
	if quantity < 0 {
		return ErrInsufficientQuantity
	}
	key := stockKey{userID, itemID}
	if quantity == 0 {
		delete(t.st.stock, key)
		return nil
	}
	if _, ok := t.st.items[itemID]; !ok {
		return fmt.Errorf("stock for unknown item %d: %w", itemID, ErrNotFound)
	}
	t.st.stock[key] = quantity
	return nil
}

func (t *memTx) InsertItemReservation(_ context.Context, res ItemReservation) error {
	if _, ok := t.st.trades[res.TradeID]; !ok {
		return fmt.Errorf("reservation for unknown trade %s: %w", res.TradeID, ErrNotFound)
	}
	t.st.reservations[res.ID] = res
	return nil
}

func (t *memTx) SumItemReservations(_ context.Context, userID uuid.UUID, itemID int64, excludeTrade uuid.UUID) (int64, error) {
	var total int64
	for _, res := range t.st.reservations {
		if res.UserID == userID && res.ItemID == itemID && res.TradeID != excludeTrade {
			total += res.Quantity
		}
	}
	return total, nil
}

func (t *memTx) DeleteItemReservationsByTrade(_ context.Context, tradeID uuid.UUID) (int64, error) {
	var n int64
	for id, res := range t.st.reservations {
		if res.TradeID == tradeID {
			delete(t.st.reservations, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertToken(_ context.Context, token UniqueToken) error {
	if _, ok := t.st.tokens[token.ID]; ok {
		return ErrDuplicate
	}
	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = time.Now().UTC()
	}
	t.st.tokens[token.ID] = token
	return nil
}

func (t *memTx) GetToken(_ context.Context, id int64) (UniqueToken, error) {
	tok, ok := t.st.tokens[id]
	if !ok {
		return UniqueToken{}, ErrNotFound
	}
	return tok, nil
}

func (t *memTx) GetTokenForUpdate(ctx context.Context, id int64) (UniqueToken, error) {
	return t.GetToken(ctx, id)
}

func (t *memTx) SaveToken(_ context.Context, token UniqueToken) error {
	if _, ok := t.st.tokens[token.ID]; !ok {
		return ErrNotFound
	}
	t.st.tokens[token.ID] = token
	return nil
}

func (t *memTx) ReleaseTokensByTrade(_ context.Context, tradeID uuid.UUID) (int64, error) {
	var n int64
	now := time.Now().UTC()
	for id, tok := range t.st.tokens {
		if tok.ReservedForTrade != nil && *tok.ReservedForTrade == tradeID {
			tok.Reserved = false
			tok.ReservedForTrade = nil
			tok.UpdatedAt = now
			t.st.tokens[id] = tok
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertTrade(_ context.Context, trade Trade) error {
	if trade.RequesterID == trade.RecipientID {
		return fmt.Errorf("trade between the same user")
	}
	if _, ok := t.st.trades[trade.ID]; ok {
		return ErrDuplicate
	}
	if trade.Status == TradeStatusPending {
		key := pairKey(trade.RequesterID, trade.RecipientID)
		for _, existing := range t.st.trades {
			if existing.Status == TradeStatusPending && pairKey(existing.RequesterID, existing.RecipientID) == key {
				return ErrDuplicate
			}
		}
	}
	t.st.trades[trade.ID] = trade
	return nil
}

func (t *memTx) GetTrade(_ context.Context, id uuid.UUID) (Trade, error) {
	trade, ok := t.st.trades[id]
	if !ok {
		return Trade{}, ErrNotFound
	}
	return trade, nil
}

func (t *memTx) GetTradeForUpdate(ctx context.Context, id uuid.UUID) (Trade, error) {
	return t.GetTrade(ctx, id)
}

func (t *memTx) UpdateTradeStatus(_ context.Context, id uuid.UUID, change StatusChange) (Trade, error) {
	trade, ok := t.st.trades[id]
	if !ok {
		return Trade{}, ErrNotFound
	}
	if trade.Status != change.From {
		return Trade{}, fmt.Errorf("%w: trade is %s", ErrStatusConflict, trade.Status)
	}
	trade.Status = change.To
	trade.UpdatedAt = change.At
	if change.To == TradeStatusCompleted {
		at := change.At
		trade.CompletedAt = &at
	}
	if change.DeclineReason != "" {
		trade.DeclineReason = change.DeclineReason
	}
	t.st.trades[id] = trade
	return trade, nil
}

func (t *memTx) FindPendingBetween(_ context.Context, a, b uuid.UUID) (Trade, error) {
	key := pairKey(a, b)
	for _, trade := range t.st.trades {
		if trade.Status == TradeStatusPending && pairKey(trade.RequesterID, trade.RecipientID) == key {
			return trade, nil
		}
	}
	return Trade{}, ErrNotFound
}

func (t *memTx) ListTrades(_ context.Context, userID uuid.UUID, filter TradeFilter) ([]Trade, string, error) {
	limit := clampLimit(filter.Limit)
	var matched []Trade
	for _, trade := range t.st.trades {
		if !trade.IsParticipant(userID) {
			continue
		}
		if filter.Status != "" && trade.Status != filter.Status {
			continue
		}
		matched = append(matched, trade)
	}
	sort.Slice(matched, func(i, j int) bool {
		return newerThan(matched[i].CreatedAt, matched[i].ID.String(), matched[j].CreatedAt, matched[j].ID.String())
	})
	matched, err := afterCursor(matched, filter.Cursor, func(trade Trade) (time.Time, string) {
		return trade.CreatedAt, trade.ID.String()
	})
	if err != nil {
		return nil, "", err
	}
	var next string
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		next = encodeCursor(last.CreatedAt, last.ID.String())
	}
	return matched, next, nil
}

func (t *memTx) ClaimExpiredPending(_ context.Context, now time.Time, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = maxPageSize
	}
	var expired []Trade
	for _, trade := range t.st.trades {
		if trade.Status == TradeStatusPending && trade.ExpiresAt.Before(now) {
			expired = append(expired, trade)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (t *memTx) InsertAudit(_ context.Context, log AuditLog) error {
	t.st.audits = append(t.st.audits, log)
	return nil
}

// newerThan orders by (created_at, id) descending.
func newerThan(at time.Time, id string, bt time.Time, bid string) bool {
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return strings.Compare(id, bid) > 0
}

func afterCursor[T any](sorted []T, cursor string, key func(T) (time.Time, string)) ([]T, error) {
	if cursor == "" {
		return sorted, nil
	}
	ts, id, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	for i, v := range sorted {
		at, vid := key(v)
		if newerThan(ts, id, at, vid) {
			return sorted[i:], nil
		}
	}
	return nil, nil
}
