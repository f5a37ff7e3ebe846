package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testIssuer = "vgx-auth"

type tokenParams struct {
	subject string
	issuer  string
	roles   []string
	expires time.Duration
	secret  []byte
}

func signToken(t *testing.T, params tokenParams) string {
	t.Helper()
	if params.secret == nil {
		params.secret = []byte("secret")
	}
	if params.expires == 0 {
		params.expires = time.Hour
	}
	now := time.Now()
	claims := Claims{
		Roles: params.roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    params.issuer,
			Subject:   params.subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(params.expires)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(params.secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validParams() tokenParams {
	return tokenParams{subject: uuid.NewString(), issuer: testIssuer, roles: []string{"player"}}
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(NewVerifier([]byte("secret"), WithIssuer(testIssuer), WithRole("player"))))
	r.GET("/me", func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID.String()})
	})
	return r
}

func call(r *gin.Engine, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	if w := call(newRouter(), ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	if w := call(newRouter(), signToken(t, validParams())); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMiddlewareRejectsInvalidTokens(t *testing.T) {
	cases := map[string]func(*tokenParams){
		"non uuid subject": func(s *tokenParams) { s.subject = "user-123" },
		"wrong secret":     func(s *tokenParams) { s.secret = []byte("other") },
		"wrong issuer":     func(s *tokenParams) { s.issuer = "someone-else" },
		"expired":          func(s *tokenParams) { s.expires = -time.Hour },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			params := validParams()
			mutate(&params)
			if w := call(newRouter(), signToken(t, params)); w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestMiddlewareRequiresRole(t *testing.T) {
	params := validParams()
	params.roles = []string{"support"}
	if w := call(newRouter(), signToken(t, params)); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestVerifierWithoutIssuerOrRole(t *testing.T) {
	params := validParams()
	params.issuer = ""
	params.roles = nil
	claims, err := NewVerifier([]byte("secret")).Verify(signToken(t, params))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id, err := claims.UserID(); err != nil || id.String() != params.subject {
		t.Fatalf("unexpected subject %v (%v)", id, err)
	}
}

func TestExtractBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for header, want := range cases {
		if got := ExtractBearer(header); got != want {
			t.Fatalf("ExtractBearer(%q) = %q, want %q", header, got, want)
		}
	}
}
