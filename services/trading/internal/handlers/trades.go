package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/vgx/libs/auth"
	"github.com/AfshinJalili/vgx/libs/httpmiddleware"
	"github.com/AfshinJalili/vgx/services/trading/internal/service"
	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TradeService interface {
	CreateTrade(ctx context.Context, input service.CreateTradeInput) (storage.Trade, error)
	AcceptTrade(ctx context.Context, input service.RespondInput) (storage.Trade, error)
	DeclineTrade(ctx context.Context, input service.RespondInput) (storage.Trade, error)
	CancelTrade(ctx context.Context, input service.RespondInput) (storage.Trade, error)
	GetTrade(ctx context.Context, userID, tradeID uuid.UUID) (storage.Trade, error)
	ListTrades(ctx context.Context, userID uuid.UUID, filter storage.TradeFilter) ([]storage.Trade, string, error)
	GetBalances(ctx context.Context, userID uuid.UUID) ([]storage.CurrencyBalance, error)
	GetTransactions(ctx context.Context, userID uuid.UUID, currencyID int64, filter storage.TransactionFilter) ([]storage.CurrencyTransaction, string, error)
}

type Handler struct {
	Service TradeService
	Logger  *slog.Logger
}

type itemLine struct {
	ItemID   int64 `json:"item_id"`
	Quantity int64 `json:"quantity"`
}

type tokenLine struct {
	TokenID int64 `json:"token_id"`
}

type currencyLine struct {
	CurrencyID int64  `json:"currency_id"`
	Amount     string `json:"amount"`
}

type bundlePayload struct {
	Items      []itemLine     `json:"items"`
	Tokens     []tokenLine    `json:"tokens"`
	Currencies []currencyLine `json:"currencies"`
}

type createTradeRequest struct {
	RecipientID string        `json:"recipient_id"`
	Message     string        `json:"message"`
	Offer       bundlePayload `json:"offer"`
	Request     bundlePayload `json:"request"`
}

type declineRequest struct {
	Reason string `json:"reason"`
}

type tradeItem struct {
	TradeID       string        `json:"trade_id"`
	RequesterID   string        `json:"requester_id"`
	RecipientID   string        `json:"recipient_id"`
	Status        string        `json:"status"`
	Message       string        `json:"message,omitempty"`
	DeclineReason string        `json:"decline_reason,omitempty"`
	Offer         bundlePayload `json:"offer"`
	Request       bundlePayload `json:"request"`
	OfferValue    string        `json:"offer_value"`
	RequestValue  string        `json:"request_value"`
	ExpiresAt     string        `json:"expires_at"`
	CreatedAt     string        `json:"created_at"`
	UpdatedAt     string        `json:"updated_at"`
	CompletedAt   *string       `json:"completed_at,omitempty"`
}

type listTradesResponse struct {
	Trades     []tradeItem `json:"trades"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type balanceItem struct {
	CurrencyID  int64  `json:"currency_id"`
	Balance     string `json:"balance"`
	TotalEarned string `json:"total_earned"`
	TotalSpent  string `json:"total_spent"`
}

type transactionItem struct {
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Type          string `json:"type"`
	Reason        string `json:"reason"`
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	BalanceAfter  string `json:"balance_after"`
	CreatedAt     string `json:"created_at"`
}

type listTransactionsResponse struct {
	Transactions []transactionItem `json:"transactions"`
	NextCursor   string            `json:"next_cursor,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(svc TradeService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, verifier *auth.Verifier) {
	group := r.Group("/", auth.Middleware(verifier))
	group.POST("/trades", h.CreateTrade)
	group.GET("/trades", h.ListTrades)
	group.GET("/trades/:id", h.GetTrade)
	group.POST("/trades/:id/accept", h.AcceptTrade)
	group.POST("/trades/:id/decline", h.DeclineTrade)
	group.POST("/trades/:id/cancel", h.CancelTrade)
	group.GET("/balances", h.GetBalances)
	group.GET("/balances/:currency_id/transactions", h.GetTransactions)
}

func (h *Handler) CreateTrade(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	recipientID, err := parseUUIDParam(req.RecipientID)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid recipient_id")
		return
	}
	offer, err := req.Offer.toBundle()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "offer: "+err.Error())
		return
	}
	request, err := req.Request.toBundle()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "request: "+err.Error())
		return
	}

	trade, err := h.Service.CreateTrade(c.Request.Context(), service.CreateTradeInput{
		RequesterID:   userID,
		RecipientID:   recipientID,
		Offer:         offer,
		Request:       request,
		Message:       req.Message,
		CorrelationID: httpmiddleware.RequestIDFromContext(c),
	})
	if err != nil {
		h.writeServiceError(c, "create trade failed", err)
		return
	}
	c.JSON(http.StatusCreated, tradeToItem(trade))
}

func (h *Handler) ListTrades(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	filter := storage.TradeFilter{
		Status: storage.TradeStatus(strings.ToLower(strings.TrimSpace(c.Query("status")))),
		Cursor: strings.TrimSpace(c.Query("cursor")),
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	filter.Limit = limit

	trades, next, err := h.Service.ListTrades(c.Request.Context(), userID, filter)
	if err != nil {
		h.writeServiceError(c, "list trades failed", err)
		return
	}
	out := make([]tradeItem, 0, len(trades))
	for _, trade := range trades {
		out = append(out, tradeToItem(trade))
	}
	c.JSON(http.StatusOK, listTradesResponse{Trades: out, NextCursor: next})
}

func (h *Handler) GetTrade(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	tradeID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id")
		return
	}

	trade, err := h.Service.GetTrade(c.Request.Context(), userID, tradeID)
	if err != nil {
		h.writeServiceError(c, "get trade failed", err)
		return
	}
	c.JSON(http.StatusOK, tradeToItem(trade))
}

func (h *Handler) AcceptTrade(c *gin.Context) {
	h.respond(c, "accept trade failed", h.Service.AcceptTrade)
}

func (h *Handler) DeclineTrade(c *gin.Context) {
	h.respond(c, "decline trade failed", h.Service.DeclineTrade)
}

func (h *Handler) CancelTrade(c *gin.Context) {
	h.respond(c, "cancel trade failed", h.Service.CancelTrade)
}

func (h *Handler) respond(c *gin.Context, failure string, action func(context.Context, service.RespondInput) (storage.Trade, error)) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	tradeID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id")
		return
	}

	// the body is optional; only decline reads a reason from it
	var req declineRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
			return
		}
	}

	trade, err := action(c.Request.Context(), service.RespondInput{
		TradeID:       tradeID,
		ActorID:       userID,
		Reason:        req.Reason,
		CorrelationID: httpmiddleware.RequestIDFromContext(c),
	})
	if err != nil {
		h.writeServiceError(c, failure, err)
		return
	}
	c.JSON(http.StatusOK, tradeToItem(trade))
}

func (h *Handler) GetBalances(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	balances, err := h.Service.GetBalances(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, "get balances failed", err)
		return
	}
	out := make([]balanceItem, 0, len(balances))
	for _, b := range balances {
		out = append(out, balanceItem{
			CurrencyID:  b.CurrencyID,
			Balance:     b.Balance.String(),
			TotalEarned: b.TotalEarned.String(),
			TotalSpent:  b.TotalSpent.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"balances": out})
}

func (h *Handler) GetTransactions(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	currencyID, err := strconv.ParseInt(strings.TrimSpace(c.Param("currency_id")), 10, 64)
	if err != nil || currencyID <= 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid currency_id")
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	txns, next, err := h.Service.GetTransactions(c.Request.Context(), userID, currencyID, storage.TransactionFilter{
		Cursor: strings.TrimSpace(c.Query("cursor")),
		Limit:  limit,
	})
	if err != nil {
		h.writeServiceError(c, "get transactions failed", err)
		return
	}
	out := make([]transactionItem, 0, len(txns))
	for _, txn := range txns {
		out = append(out, transactionItem{
			TransactionID: txn.ID.String(),
			Amount:        txn.Amount.String(),
			Type:          txn.Type,
			Reason:        txn.Reason,
			ReferenceType: txn.ReferenceType,
			ReferenceID:   txn.ReferenceID,
			BalanceAfter:  txn.BalanceAfter.String(),
			CreatedAt:     txn.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, listTransactionsResponse{Transactions: out, NextCursor: next})
}

func (b bundlePayload) toBundle() (storage.Bundle, error) {
	var out storage.Bundle
	for _, line := range b.Items {
		out.Items = append(out.Items, storage.ItemLine{ItemID: line.ItemID, Quantity: line.Quantity})
	}
	for _, line := range b.Tokens {
		out.Tokens = append(out.Tokens, line.TokenID)
	}
	for _, line := range b.Currencies {
		amount, err := decimal.NewFromString(strings.TrimSpace(line.Amount))
		if err != nil {
			return storage.Bundle{}, errors.New("invalid amount for currency " + strconv.FormatInt(line.CurrencyID, 10))
		}
		out.Currencies = append(out.Currencies, storage.CurrencyLine{CurrencyID: line.CurrencyID, Amount: amount})
	}
	return out, nil
}

func bundleToPayload(b storage.Bundle) bundlePayload {
	out := bundlePayload{
		Items:      make([]itemLine, 0, len(b.Items)),
		Tokens:     make([]tokenLine, 0, len(b.Tokens)),
		Currencies: make([]currencyLine, 0, len(b.Currencies)),
	}
	for _, line := range b.Items {
		out.Items = append(out.Items, itemLine{ItemID: line.ItemID, Quantity: line.Quantity})
	}
	for _, id := range b.Tokens {
		out.Tokens = append(out.Tokens, tokenLine{TokenID: id})
	}
	for _, line := range b.Currencies {
		out.Currencies = append(out.Currencies, currencyLine{CurrencyID: line.CurrencyID, Amount: line.Amount.String()})
	}
	return out
}

func tradeToItem(trade storage.Trade) tradeItem {
	item := tradeItem{
		TradeID:       trade.ID.String(),
		RequesterID:   trade.RequesterID.String(),
		RecipientID:   trade.RecipientID.String(),
		Status:        string(trade.Status),
		Message:       trade.Message,
		DeclineReason: trade.DeclineReason,
		Offer:         bundleToPayload(trade.RequesterOffer),
		Request:       bundleToPayload(trade.RecipientOffer),
		OfferValue:    trade.RequesterValue.String(),
		RequestValue:  trade.RecipientValue.String(),
		ExpiresAt:     trade.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:     trade.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     trade.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if trade.CompletedAt != nil {
		val := trade.CompletedAt.UTC().Format(time.RFC3339)
		item.CompletedAt = &val
	}
	return item
}

// statusForCode maps engine error codes onto HTTP. Unlisted business codes are 400.
func statusForCode(code string) int {
	switch code {
	case "PERMISSION_DENIED":
		return http.StatusForbidden
	case "TRADE_NOT_FOUND":
		return http.StatusNotFound
	case "TRADE_EXISTS", "INVALID_STATUS":
		return http.StatusConflict
	case "TRADE_EXPIRED":
		return http.StatusGone
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	case "INTERNAL_ERROR":
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func (h *Handler) writeServiceError(c *gin.Context, failure string, err error) {
	code := service.ErrorCode(err)
	status := statusForCode(code)

	message := err.Error()
	switch code {
	case "INTERNAL_ERROR":
		h.Logger.Error(failure, "error", err, "request_id", httpmiddleware.RequestIDFromContext(c))
		message = "internal error"
	case "SETTLEMENT_FAILED":
		message = service.ErrSettlementFailed.Error()
	case "RATE_LIMITED":
		var rl *service.RateLimitedError
		if errors.As(err, &rl) {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		}
	}
	writeError(c, status, code, message)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

func parseLimit(c *gin.Context) (int, bool) {
	limitStr := strings.TrimSpace(c.Query("limit"))
	if limitStr == "" {
		return 0, true
	}
	n, err := strconv.Atoi(limitStr)
	if err != nil || n < 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
		return 0, false
	}
	return n, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}
