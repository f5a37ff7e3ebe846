package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest       = "INVALID_REQUEST"
	ErrorCodeUnauthorized         = "UNAUTHORIZED"
	ErrorCodeSelfTrade            = "SELF_TRADE"
	ErrorCodeInvalidUsers         = "INVALID_USERS"
	ErrorCodeEmptyOffer           = "EMPTY_OFFER"
	ErrorCodeEmptyRequest         = "EMPTY_REQUEST"
	ErrorCodeInsufficientItems    = "INSUFFICIENT_ITEMS"
	ErrorCodeInsufficientCurrency = "INSUFFICIENT_CURRENCY"
	ErrorCodeNonTradeable         = "NON_TRADEABLE"
	ErrorCodeInvalidNFT           = "INVALID_NFT"
	ErrorCodeItemUnavailable      = "ITEM_UNAVAILABLE"
	ErrorCodeCurrencyUnavailable  = "CURRENCY_UNAVAILABLE"
	ErrorCodeInvalidAmount        = "INVALID_AMOUNT"
	ErrorCodeSettlementFailed     = "SETTLEMENT_FAILED"
	ErrorCodePermissionDenied     = "PERMISSION_DENIED"
	ErrorCodeTradeNotFound        = "TRADE_NOT_FOUND"
	ErrorCodeTradeExists          = "TRADE_EXISTS"
	ErrorCodeInvalidStatus        = "INVALID_STATUS"
	ErrorCodeTradeExpired         = "TRADE_EXPIRED"
	ErrorCodeRateLimited          = "RATE_LIMITED"
	ErrorCodeInternalError        = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if want := getHTTPStatusForErrorCode(expectedCode); resp.Code != want {
		t.Fatalf("expected status %d, got %d (body %s)", want, resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d (body %s)", expectedStatus, resp.Code, resp.Body.String())
	}
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodePermissionDenied:
		return http.StatusForbidden
	case ErrorCodeTradeNotFound:
		return http.StatusNotFound
	case ErrorCodeTradeExists, ErrorCodeInvalidStatus:
		return http.StatusConflict
	case ErrorCodeTradeExpired:
		return http.StatusGone
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
