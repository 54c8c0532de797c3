package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/identity"
	"goldpos/backend/internal/service"
	"goldpos/backend/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newTestAPI(t *testing.T) (*API, *identity.TokenManager) {
	t.Helper()
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s := memory.New()
	s.PutProduct(domain.Product{ID: "ring", Code: "RG-1", Weight: dec("5"), KaratType: "22K", CategoryType: "ring", MakingChargesApplicable: true, Active: true})
	s.PutRate(domain.VersionedRate{ID: "gold-22k", Kind: domain.RateKindGold, ScopeKey: "22K", Value: dec("3000"), ValueKind: domain.ValueFixedPerUnit, EffectiveFrom: start, IsCurrent: true})
	s.PutRate(domain.VersionedRate{ID: "mc-ring", Kind: domain.RateKindMakingCharge, ScopeKey: "ring", Value: dec("10"), ValueKind: domain.ValuePercentage, EffectiveFrom: start, IsCurrent: true})
	s.PutRate(domain.VersionedRate{ID: "tax-14", Kind: domain.RateKindTax, ScopeKey: "VAT", Value: dec("14"), ValueKind: domain.ValuePercentage, Mandatory: true, EffectiveFrom: start, IsCurrent: true})
	require.NoError(t, s.SeedStock("b1", "ring", 2, start))
	s.PutUser(domain.UserAccount{ID: "cashier", BranchID: "b1", Role: domain.RoleCashier, PasswordHash: mustHash(t, "cashier-pass"), Active: true})
	s.PutUser(domain.UserAccount{ID: "manager", BranchID: "b1", Role: domain.RoleManager, PasswordHash: mustHash(t, "manager-pass"), ApprovalPINHash: mustHash(t, "739154"), Active: true})

	logger, _ := logtest.NewNullLogger()
	tokens := identity.NewTokenManager(testSecret, time.Hour)
	auth := identity.NewAuthenticator(s, tokens, logger)
	svc := service.New(s, service.Options{
		DefaultBranchID: "b1",
		Approvals:       auth,
		Retry:           service.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:          logger,
	})
	return New(svc, auth, tokens, "http://127.0.0.1:3000", logger), tokens
}

func bearer(t *testing.T, tokens *identity.TokenManager, id, role string) string {
	t.Helper()
	token, _, err := tokens.Issue(domain.Actor{ID: id, BranchID: "b1", Role: role})
	require.NoError(t, err)
	return "Bearer " + token
}

func do(t *testing.T, h http.Handler, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.7:51000"
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func ringSale(qty int, amount string) map[string]any {
	return map[string]any{
		"branch_id": "b1",
		"items":     []map[string]any{{"product_id": "ring", "quantity": qty}},
		"payment":   map[string]any{"method": "cash", "amount": amount},
	}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	rr := do(t, api.Handler(), http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeBody(t, rr)["ok"])
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "http://127.0.0.1:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoginIssuesUsableToken(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rr := do(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"user_id": "cashier", "password": "cashier-pass"})
	require.Equal(t, http.StatusOK, rr.Code)
	token, _ := decodeBody(t, rr)["access_token"].(string)
	require.NotEmpty(t, token)

	quote := do(t, h, http.MethodPost, "/api/v1/quotes", "Bearer "+token, map[string]any{"product_id": "ring", "quantity": 2})
	require.Equal(t, http.StatusOK, quote.Code)
	assert.Equal(t, "37620", decodeBody(t, quote)["final_total"])
}

func TestLoginRateLimit(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	for i := 0; i < 5; i++ {
		rr := do(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"user_id": "cashier", "password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"user_id": "cashier", "password": "cashier-pass"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	api, tokens := newTestAPI(t)
	body := `{"branch_id":"` + strings.Repeat("x", 1<<20) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", strings.NewReader(body))
	req.Header.Set("Authorization", bearer(t, tokens, "cashier", domain.RoleCashier))
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	api, tokens := newTestAPI(t)
	rr := do(t, api.Handler(), http.MethodPost, "/api/v1/quotes", bearer(t, tokens, "cashier", domain.RoleCashier),
		map[string]any{"product_id": "ring", "quantity": 1, "price": "1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	api, tokens := newTestAPI(t)
	h := api.Handler()
	cashier := bearer(t, tokens, "cashier", domain.RoleCashier)

	rr := do(t, h, http.MethodPost, "/api/v1/sales", "", ringSale(1, "20000"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/v1/sales", cashier, ringSale(3, "60000"))
	require.Equal(t, http.StatusConflict, rr.Code)
	failed := decodeBody(t, rr)
	assert.Equal(t, false, failed["success"])
	assert.Equal(t, domain.CodeInsufficientStock, failed["error"].(map[string]any)["code"])

	rr = do(t, h, http.MethodPost, "/api/v1/sales", cashier, ringSale(2, "40000"))
	require.Equal(t, http.StatusCreated, rr.Code)
	sold := decodeBody(t, rr)
	assert.Equal(t, true, sold["success"])
	assert.Equal(t, "37620", sold["amount_due"])
	assert.Equal(t, "2380", sold["change_given"])
	id := sold["transaction_id"].(string)

	rr = do(t, h, http.MethodGet, "/api/v1/transactions/"+id, cashier, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(domain.TxStatusCompleted), decodeBody(t, rr)["effective_status"])

	rr = do(t, h, http.MethodPost, "/api/v1/transactions/"+id+"/reverse", cashier,
		map[string]string{"reason": "wrong item", "approver_id": "manager", "approver_pin": "000000"})
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, domain.CodeApprovalRequired, decodeBody(t, rr)["error"].(map[string]any)["code"])

	rr = do(t, h, http.MethodPost, "/api/v1/transactions/"+id+"/reverse", cashier,
		map[string]string{"reason": "wrong item", "approver_id": "manager", "approver_pin": "739154"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/transactions/"+id, cashier, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(domain.TxStatusReversed), decodeBody(t, rr)["effective_status"])

	rr = do(t, h, http.MethodGet, "/api/v1/transactions/missing", cashier, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRoleChecks(t *testing.T) {
	api, tokens := newTestAPI(t)
	h := api.Handler()
	update := map[string]any{"updates": []map[string]any{{"kind": "gold", "scope_key": "22K", "value": "3100", "value_kind": "fixed_per_unit"}}}

	rr := do(t, h, http.MethodPost, "/api/v1/rates", bearer(t, tokens, "cashier", domain.RoleCashier), update)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/audit-logs", bearer(t, tokens, "manager", domain.RoleManager), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/inventory/ring/reconcile?branch_id=b1", bearer(t, tokens, "manager", domain.RoleManager), nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusForCodes(t *testing.T) {
	cases := map[error]int{
		domain.ErrInvalidRequest:         http.StatusBadRequest,
		domain.ErrNotFound:               http.StatusNotFound,
		domain.ErrApprovalRequired:       http.StatusForbidden,
		domain.ErrInsufficientStock:      http.StatusConflict,
		domain.ErrVoidWindowClosed:       http.StatusConflict,
		domain.ErrAlreadyReversed:        http.StatusConflict,
		domain.ErrRateUnavailable:        http.StatusUnprocessableEntity,
		domain.ErrPaymentMismatch:        http.StatusUnprocessableEntity,
		domain.ErrTransientPersistence:   http.StatusServiceUnavailable,
		domain.ErrInvalidStateTransition: http.StatusConflict,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestAttemptLimiterWindow(t *testing.T) {
	l := newAttemptLimiter(2, time.Minute)
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	k := attemptKey{scope: "login", subject: "cashier", origin: "10.0.0.7"}

	assert.True(t, l.Allow(k))
	assert.True(t, l.Allow(k))
	assert.False(t, l.Allow(k))
	assert.True(t, l.Allow(attemptKey{scope: "login", subject: "manager", origin: "10.0.0.7"}))

	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow(k))
}

func TestAttemptKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "[::ffff:10.0.0.7]:51000"
	assert.Equal(t,
		attemptKey{scope: "login", subject: "cashier", origin: "10.0.0.7"},
		loginKey(domain.LoginRequest{UserID: " Cashier "}, req))

	a := approvalKey(domain.Actor{ID: "cashier", BranchID: "b1"}, "Manager")
	b := approvalKey(domain.Actor{ID: "cashier", BranchID: "b2"}, "manager")
	assert.Equal(t, "manager", a.subject)
	assert.NotEqual(t, a, b)
}

func TestLoginLockoutIsPerAccount(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	for i := 0; i < 5; i++ {
		rr := do(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"user_id": "cashier", "password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"user_id": "CASHIER", "password": "cashier-pass"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"user_id": "manager", "password": "manager-pass"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestApproverPinAttemptsArePerActor(t *testing.T) {
	api, tokens := newTestAPI(t)
	h := api.Handler()
	cashier := bearer(t, tokens, "cashier", domain.RoleCashier)

	rr := do(t, h, http.MethodPost, "/api/v1/sales", cashier, ringSale(1, "20000"))
	require.Equal(t, http.StatusCreated, rr.Code)
	path := "/api/v1/transactions/" + decodeBody(t, rr)["transaction_id"].(string) + "/reverse"
	wrong := map[string]string{"reason": "wrong item", "approver_id": "manager", "approver_pin": "000000"}

	for i := 0; i < 8; i++ {
		rr = do(t, h, http.MethodPost, path, cashier, wrong)
		require.Equal(t, http.StatusForbidden, rr.Code)
	}
	rr = do(t, h, http.MethodPost, path, cashier, wrong)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	other := bearer(t, tokens, "cashier-2", domain.RoleCashier)
	rr = do(t, h, http.MethodPost, path, other, wrong)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
