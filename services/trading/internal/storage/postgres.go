package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertUser(ctx context.Context, user User) error {
	status := user.Status
	if status == "" {
		status = "active"
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO users (id, username, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, status = EXCLUDED.status
	`, user.ID, user.Username, status, createdAt)
	return err
}

func (t *pgTx) UserExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND status = 'active')`, id).Scan(&exists)
	return exists, err
}

func (t *pgTx) UpsertCurrency(ctx context.Context, c Currency) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO currencies (id, code, name, decimal_places, exchange_rate, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			decimal_places = EXCLUDED.decimal_places,
			exchange_rate = EXCLUDED.exchange_rate,
			active = EXCLUDED.active
	`, c.ID, c.Code, c.Name, c.DecimalPlaces, c.ExchangeRate.String(), c.Active)
	return err
}

func (t *pgTx) GetCurrency(ctx context.Context, id int64) (Currency, error) {
	var c Currency
	var rate string
	err := t.tx.QueryRow(ctx, `
		SELECT id, code, name, decimal_places, exchange_rate::text, active
		FROM currencies
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Code, &c.Name, &c.DecimalPlaces, &rate, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Currency{}, ErrNotFound
		}
		return Currency{}, err
	}
	c.ExchangeRate, err = decimal.NewFromString(rate)
	if err != nil {
		return Currency{}, fmt.Errorf("parse exchange rate: %w", err)
	}
	return c, nil
}

const balanceColumns = `user_id, currency_id, balance::text, total_earned::text, total_spent::text, last_transaction_at`

// GetBalanceForUpdate materializes a zero row first so a user's first credit has a row to lock.
func (t *pgTx) GetBalanceForUpdate(ctx context.Context, userID uuid.UUID, currencyID int64) (CurrencyBalance, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO currency_balances (user_id, currency_id, balance, total_earned, total_spent)
		VALUES ($1, $2, 0, 0, 0)
		ON CONFLICT (user_id, currency_id) DO NOTHING
	`, userID, currencyID)
	if err != nil {
		return CurrencyBalance{}, err
	}
	return t.getBalance(ctx, `SELECT `+balanceColumns+` FROM currency_balances WHERE user_id = $1 AND currency_id = $2 FOR UPDATE`, userID, currencyID)
}

func (t *pgTx) GetBalance(ctx context.Context, userID uuid.UUID, currencyID int64) (CurrencyBalance, error) {
	return t.getBalance(ctx, `SELECT `+balanceColumns+` FROM currency_balances WHERE user_id = $1 AND currency_id = $2`, userID, currencyID)
}

func (t *pgTx) getBalance(ctx context.Context, query string, userID uuid.UUID, currencyID int64) (CurrencyBalance, error) {
	bal, err := scanBalance(t.tx.QueryRow(ctx, query, userID, currencyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CurrencyBalance{
				UserID:      userID,
				CurrencyID:  currencyID,
				Balance:     decimal.Zero,
				TotalEarned: decimal.Zero,
				TotalSpent:  decimal.Zero,
			}, nil
		}
		return CurrencyBalance{}, err
	}
	return bal, nil
}

func (t *pgTx) ListBalances(ctx context.Context, userID uuid.UUID) ([]CurrencyBalance, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+balanceColumns+` FROM currency_balances WHERE user_id = $1 ORDER BY currency_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []CurrencyBalance
	for rows.Next() {
		bal, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}

func (t *pgTx) SaveBalance(ctx context.Context, b CurrencyBalance) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO currency_balances (user_id, currency_id, balance, total_earned, total_spent, last_transaction_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, currency_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			total_earned = EXCLUDED.total_earned,
			total_spent = EXCLUDED.total_spent,
			last_transaction_at = EXCLUDED.last_transaction_at
	`, b.UserID, b.CurrencyID, b.Balance.String(), b.TotalEarned.String(), b.TotalSpent.String(), b.LastTransactionAt)
	return err
}

func (t *pgTx) InsertCurrencyTransaction(ctx context.Context, txn CurrencyTransaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO currency_transactions (id, user_id, currency_id, amount, type, reason, reference_type, reference_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, txn.ID, txn.UserID, txn.CurrencyID, txn.Amount.String(), txn.Type, txn.Reason, txn.ReferenceType, txn.ReferenceID, txn.BalanceAfter.String(), txn.CreatedAt)
	return err
}

func (t *pgTx) ListCurrencyTransactions(ctx context.Context, userID uuid.UUID, currencyID int64, filter TransactionFilter) ([]CurrencyTransaction, string, error) {
	limit := clampLimit(filter.Limit)
	query := `
		SELECT id, user_id, currency_id, amount::text, type, reason, reference_type, reference_id, balance_after::text, created_at
		FROM currency_transactions
		WHERE user_id = $1 AND currency_id = $2
	`
	args := []any{userID, currencyID}
	idx := 3
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		cursorID, err := uuid.Parse(id)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", idx, idx+1)
		args = append(args, ts, cursorID)
		idx += 2
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit+1)

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	txns := make([]CurrencyTransaction, 0, limit)
	for rows.Next() {
		var txn CurrencyTransaction
		var amount, after string
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.CurrencyID, &amount, &txn.Type, &txn.Reason, &txn.ReferenceType, &txn.ReferenceID, &after, &txn.CreatedAt); err != nil {
			return nil, "", err
		}
		if txn.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, "", fmt.Errorf("parse amount: %w", err)
		}
		if txn.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, "", fmt.Errorf("parse balance_after: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(txns) > limit {
		txns = txns[:limit]
		last := txns[len(txns)-1]
		next = encodeCursor(last.CreatedAt, last.ID.String())
	}
	return txns, next, nil
}

func (t *pgTx) UpsertItemDefinition(ctx context.Context, def ItemDefinition) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO item_definitions (id, name, item_type, rarity, tradeable, stackable, max_stack)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			item_type = EXCLUDED.item_type,
			rarity = EXCLUDED.rarity,
			tradeable = EXCLUDED.tradeable,
			stackable = EXCLUDED.stackable,
			max_stack = EXCLUDED.max_stack
	`, def.ID, def.Name, def.ItemType, def.Rarity, def.Tradeable, def.Stackable, def.MaxStack)
	return err
}

func (t *pgTx) GetItemDefinition(ctx context.Context, id int64) (ItemDefinition, error) {
	var def ItemDefinition
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, item_type, rarity, tradeable, stackable, max_stack
		FROM item_definitions
		WHERE id = $1
	`, id).Scan(&def.ID, &def.Name, &def.ItemType, &def.Rarity, &def.Tradeable, &def.Stackable, &def.MaxStack)
	if errors.Is(err, pgx.ErrNoRows) {
		return ItemDefinition{}, ErrNotFound
	}
	return def, err
}

func (t *pgTx) GetStock(ctx context.Context, userID uuid.UUID, itemID int64) (int64, error) {
	return t.getStock(ctx, `SELECT quantity FROM item_stock WHERE user_id = $1 AND item_id = $2`, userID, itemID)
}

// GetStockForUpdate takes a transaction-scoped advisory lock on (user, item) before reading.
// Stock rows are deleted at zero, so a row lock alone would not cover a user's first add.
func (t *pgTx) GetStockForUpdate(ctx context.Context, userID uuid.UUID, itemID int64) (int64, error) {
	key := fmt.Sprintf("item_stock:%s:%d", userID, itemID)
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	if err != nil {
		return 0, fmt.Errorf("lock stock: %w", err)
	}
	return t.getStock(ctx, `SELECT quantity FROM item_stock WHERE user_id = $1 AND item_id = $2 FOR UPDATE`, userID, itemID)
}

func (t *pgTx) getStock(ctx context.Context, query string, userID uuid.UUID, itemID int64) (int64, error) {
	var qty int64
	if err := t.tx.QueryRow(ctx, query, userID, itemID).Scan(&qty); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

func (t *pgTx) SetStock(ctx context.Context, userID uuid.UUID, itemID int64, quantity int64) error {
	if quantity < 0 {
		return ErrInsufficientQuantity
	}
	if quantity == 0 {
		_, err := t.tx.Exec(ctx, `DELETE FROM item_stock WHERE user_id = $1 AND item_id = $2`, userID, itemID)
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO item_stock (user_id, item_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, item_id) DO UPDATE SET quantity = EXCLUDED.quantity
	`, userID, itemID, quantity)
	return err
}

func (t *pgTx) InsertItemReservation(ctx context.Context, res ItemReservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO item_reservations (id, trade_id, user_id, item_id, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, res.ID, res.TradeID, res.UserID, res.ItemID, res.Quantity, res.CreatedAt)
	return err
}

func (t *pgTx) SumItemReservations(ctx context.Context, userID uuid.UUID, itemID int64, excludeTrade uuid.UUID) (int64, error) {
	var total int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM item_reservations
		WHERE user_id = $1 AND item_id = $2 AND trade_id <> $3
	`, userID, itemID, excludeTrade).Scan(&total)
	return total, err
}

func (t *pgTx) DeleteItemReservationsByTrade(ctx context.Context, tradeID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM item_reservations WHERE trade_id = $1`, tradeID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const tokenColumns = `id, item_id, owner_id, original_owner_id, rarity, tradeable, upgrade_level, reserved, reserved_for_trade, updated_at`

func (t *pgTx) InsertToken(ctx context.Context, token UniqueToken) error {
	updatedAt := token.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO unique_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, token.ID, token.ItemID, token.OwnerID, token.OriginalOwnerID, token.Rarity, token.Tradeable, token.UpgradeLevel, token.Reserved, token.ReservedForTrade, updatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetToken(ctx context.Context, id int64) (UniqueToken, error) {
	return scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM unique_tokens WHERE id = $1`, id))
}

func (t *pgTx) GetTokenForUpdate(ctx context.Context, id int64) (UniqueToken, error) {
	return scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM unique_tokens WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SaveToken(ctx context.Context, token UniqueToken) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE unique_tokens
		SET owner_id = $2, tradeable = $3, upgrade_level = $4, reserved = $5, reserved_for_trade = $6, updated_at = $7
		WHERE id = $1
	`, token.ID, token.OwnerID, token.Tradeable, token.UpgradeLevel, token.Reserved, token.ReservedForTrade, token.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ReleaseTokensByTrade(ctx context.Context, tradeID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE unique_tokens
		SET reserved = FALSE, reserved_for_trade = NULL, updated_at = now()
		WHERE reserved_for_trade = $1
	`, tradeID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const tradeColumns = `id, requester_id, recipient_id, requester_offer, recipient_offer, requester_value::text, recipient_value::text,
	status, message, decline_reason, expires_at, created_at, updated_at, completed_at`

func (t *pgTx) InsertTrade(ctx context.Context, trade Trade) error {
	requesterOffer, err := json.Marshal(trade.RequesterOffer)
	if err != nil {
		return fmt.Errorf("marshal requester offer: %w", err)
	}
	recipientOffer, err := json.Marshal(trade.RecipientOffer)
	if err != nil {
		return fmt.Errorf("marshal recipient offer: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO trades (id, requester_id, recipient_id, requester_offer, recipient_offer, bundle_version,
			requester_value, recipient_value, status, message, decline_reason, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, trade.ID, trade.RequesterID, trade.RecipientID, requesterOffer, recipientOffer, BundleVersion,
		trade.RequesterValue.String(), trade.RecipientValue.String(), string(trade.Status), trade.Message, trade.DeclineReason,
		trade.ExpiresAt, trade.CreatedAt, trade.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetTrade(ctx context.Context, id uuid.UUID) (Trade, error) {
	return scanTrade(t.tx.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
}

func (t *pgTx) GetTradeForUpdate(ctx context.Context, id uuid.UUID) (Trade, error) {
	return scanTrade(t.tx.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateTradeStatus(ctx context.Context, id uuid.UUID, change StatusChange) (Trade, error) {
	var completedAt *time.Time
	if change.To == TradeStatusCompleted {
		at := change.At
		completedAt = &at
	}
	trade, err := scanTrade(t.tx.QueryRow(ctx, `
		UPDATE trades
		SET status = $3, updated_at = $4, completed_at = COALESCE($5, completed_at),
			decline_reason = CASE WHEN $6 = '' THEN decline_reason ELSE $6 END
		WHERE id = $1 AND status = $2
		RETURNING `+tradeColumns,
		id, string(change.From), string(change.To), change.At, completedAt, change.DeclineReason))
	if err == nil {
		return trade, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Trade{}, err
	}

	var current string
	if err := t.tx.QueryRow(ctx, `SELECT status FROM trades WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Trade{}, ErrNotFound
		}
		return Trade{}, err
	}
	return Trade{}, fmt.Errorf("%w: trade is %s", ErrStatusConflict, current)
}

func (t *pgTx) FindPendingBetween(ctx context.Context, a, b uuid.UUID) (Trade, error) {
	return scanTrade(t.tx.QueryRow(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'pending'
		  AND ((requester_id = $1 AND recipient_id = $2) OR (requester_id = $2 AND recipient_id = $1))
		LIMIT 1
	`, a, b))
}

func (t *pgTx) ListTrades(ctx context.Context, userID uuid.UUID, filter TradeFilter) ([]Trade, string, error) {
	limit := clampLimit(filter.Limit)
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE (requester_id = $1 OR recipient_id = $1)`
	args := []any{userID}
	idx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(filter.Status))
		idx++
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		cursorID, err := uuid.Parse(id)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", idx, idx+1)
		args = append(args, ts, cursorID)
		idx += 2
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit+1)

	trades, err := t.queryTrades(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	var next string
	if len(trades) > limit {
		trades = trades[:limit]
		last := trades[len(trades)-1]
		next = encodeCursor(last.CreatedAt, last.ID.String())
	}
	return trades, next, nil
}

func (t *pgTx) ClaimExpiredPending(ctx context.Context, now time.Time, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = maxPageSize
	}
	return t.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
}

func (t *pgTx) queryTrades(ctx context.Context, query string, args ...any) ([]Trade, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func (t *pgTx) InsertAudit(ctx context.Context, log AuditLog) error {
	metadata := log.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, log.ID, log.ActorID, log.Action, log.EntityType, log.EntityID, raw, log.CreatedAt)
	return err
}

func scanBalance(row pgx.Row) (CurrencyBalance, error) {
	var b CurrencyBalance
	var balance, earned, spent string
	if err := row.Scan(&b.UserID, &b.CurrencyID, &balance, &earned, &spent, &b.LastTransactionAt); err != nil {
		return CurrencyBalance{}, err
	}
	var err error
	if b.Balance, err = decimal.NewFromString(balance); err != nil {
		return CurrencyBalance{}, fmt.Errorf("parse balance: %w", err)
	}
	if b.TotalEarned, err = decimal.NewFromString(earned); err != nil {
		return CurrencyBalance{}, fmt.Errorf("parse total_earned: %w", err)
	}
	if b.TotalSpent, err = decimal.NewFromString(spent); err != nil {
		return CurrencyBalance{}, fmt.Errorf("parse total_spent: %w", err)
	}
	return b, nil
}

func scanToken(row pgx.Row) (UniqueToken, error) {
	var tok UniqueToken
	err := row.Scan(&tok.ID, &tok.ItemID, &tok.OwnerID, &tok.OriginalOwnerID, &tok.Rarity, &tok.Tradeable,
		&tok.UpgradeLevel, &tok.Reserved, &tok.ReservedForTrade, &tok.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return UniqueToken{}, ErrNotFound
	}
	return tok, err
}

func scanTrade(row pgx.Row) (Trade, error) {
	var trade Trade
	var requesterOffer, recipientOffer []byte
	var requesterValue, recipientValue, status string
	err := row.Scan(&trade.ID, &trade.RequesterID, &trade.RecipientID, &requesterOffer, &recipientOffer,
		&requesterValue, &recipientValue, &status, &trade.Message, &trade.DeclineReason,
		&trade.ExpiresAt, &trade.CreatedAt, &trade.UpdatedAt, &trade.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Trade{}, ErrNotFound
		}
		return Trade{}, err
	}
	trade.Status = TradeStatus(status)
	if err := json.Unmarshal(requesterOffer, &trade.RequesterOffer); err != nil {
		return Trade{}, fmt.Errorf("decode requester offer: %w", err)
	}
	if err := json.Unmarshal(recipientOffer, &trade.RecipientOffer); err != nil {
		return Trade{}, fmt.Errorf("decode recipient offer: %w", err)
	}
	if trade.RequesterValue, err = decimal.NewFromString(requesterValue); err != nil {
		return Trade{}, fmt.Errorf("parse requester value: %w", err)
	}
	if trade.RecipientValue, err = decimal.NewFromString(recipientValue); err != nil {
		return Trade{}, fmt.Errorf("parse recipient value: %w", err)
	}
	return trade, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
