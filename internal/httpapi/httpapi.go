package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/identity"
	"goldpos/backend/internal/service"
)

var (
	writers  = []string{domain.RoleCashier, domain.RoleManager, domain.RoleAdmin}
	managers = []string{domain.RoleManager, domain.RoleAdmin}
	admins   = []string{domain.RoleAdmin}
)

// API is a thin JSON adapter over the service. The acting user always comes
// from the bearer token, never from the request body.
type API struct {
	service       *service.Service
	auth          *identity.Authenticator
	tokens        *identity.TokenManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	logger        logrus.FieldLogger
}

func New(svc *service.Service, auth *identity.Authenticator, tokens *identity.TokenManager, allowedOrigin string, logger logrus.FieldLogger) *API {
	return &API{
		service:       svc,
		auth:          auth,
		tokens:        tokens,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		logger:        logger,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("POST /api/v1/quotes", a.requireAuth(a.handleQuote, writers...))
	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleSale, writers...))
	mux.HandleFunc("POST /api/v1/returns", a.requireAuth(a.handleReturn, writers...))
	mux.HandleFunc("POST /api/v1/repairs", a.requireAuth(a.handleRepair, writers...))

	mux.HandleFunc("GET /api/v1/transactions/{id}", a.requireAuth(a.handleGetTransaction, writers...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/complete", a.requireAuth(a.handleComplete, writers...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/void", a.requireAuth(a.handleVoid, writers...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/reverse", a.requireAuth(a.handleReverse, writers...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/cancel", a.requireAuth(a.handleCancel, writers...))

	mux.HandleFunc("GET /api/v1/inventory/{productID}", a.requireAuth(a.handleGetInventory, writers...))
	mux.HandleFunc("GET /api/v1/inventory/{productID}/movements", a.requireAuth(a.handleMovements, managers...))
	mux.HandleFunc("GET /api/v1/inventory/{productID}/reconcile", a.requireAuth(a.handleReconcile, managers...))
	mux.HandleFunc("POST /api/v1/inventory/adjustments", a.requireAuth(a.handleAdjust, managers...))
	mux.HandleFunc("POST /api/v1/inventory/transfers", a.requireAuth(a.handleTransfer, managers...))

	mux.HandleFunc("POST /api/v1/rates", a.requireAuth(a.handleUpdateRates, admins...))
	mux.HandleFunc("GET /api/v1/rates/history", a.requireAuth(a.handleRateHistory, managers...))
	mux.HandleFunc("GET /api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, admins...))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.tokens.Parse(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(identity.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func actorID(r *http.Request) string {
	return requestActor(r).ID
}

func requestActor(r *http.Request) domain.Actor {
	actor, _ := identity.FromContext(r.Context())
	return actor
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.loginLimiter.Allow(loginKey(req, r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			a.writeError(w, http.StatusUnauthorized, identity.ErrInvalidCredentials)
			return
		}
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req domain.QuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	breakdown, err := a.service.PriceQuote(r.Context(), req)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (a *API) handleSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	result, err := a.service.CommitSale(r.Context(), req, actorID(r))
	a.writeResult(w, http.StatusCreated, result, err)
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.CreateReturn(r.Context(), req, actorID(r))
	a.writeResult(w, http.StatusCreated, result, err)
}

func (a *API) handleRepair(w http.ResponseWriter, r *http.Request) {
	var req domain.RepairRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.CreateRepair(r.Context(), req, actorID(r))
	a.writeResult(w, http.StatusCreated, result, err)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := a.service.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction":      t,
		"effective_status": t.EffectiveStatus(),
	})
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req domain.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TransactionID = r.PathValue("id")
	result, err := a.service.CompleteTransaction(r.Context(), req, actorID(r))
	a.writeResult(w, http.StatusOK, result, err)
}

func (a *API) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ApproverID != "" && !a.pinLimiter.Allow(approvalKey(requestActor(r), req.ApproverID)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many approver pin attempts"))
		return
	}
	req.TransactionID = r.PathValue("id")
	result, err := a.service.VoidTransaction(r.Context(), req, actorID(r))
	a.writeResult(w, http.StatusOK, result, err)
}

func (a *API) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req domain.ReverseRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow(approvalKey(requestActor(r), req.ApproverID)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many approver pin attempts"))
		return
	}
	req.TransactionID = r.PathValue("id")
	result, err := a.service.ReverseTransaction(r.Context(), req, actorID(r))
	a.writeResult(w, http.StatusCreated, result, err)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TransactionID = r.PathValue("id")
	result, err := a.service.CancelTransaction(r.Context(), req, actorID(r))
	a.writeResult(w, http.StatusOK, result, err)
}

func (a *API) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	rec, err := a.service.GetInventory(r.Context(), r.PathValue("productID"), r.URL.Query().Get("branch_id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := a.service.ListMovements(r.Context(), r.PathValue("productID"), r.URL.Query().Get("branch_id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, movements)
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	check, err := a.service.Reconcile(r.Context(), r.PathValue("productID"), r.URL.Query().Get("branch_id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (a *API) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := a.service.Adjust(r.Context(), req, actorID(r))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	ref, err := a.service.Transfer(r.Context(), req, actorID(r))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"reference_number": ref})
}

func (a *API) handleUpdateRates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []domain.RateUpdate `json:"updates"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.UpdateRates(r.Context(), req.Updates, actorID(r))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	history, err := a.service.ListRateHistory(r.Context(), domain.RateKind(q.Get("kind")), q.Get("scope_key"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), q.Get("entity_type"), q.Get("entity_id"), parsePositiveLimit(q.Get("limit"), 100, 500))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.WithFields(logrus.Fields{
			"module":   "httpapi",
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(startedAt).String(),
		}).Debug("request served")
	})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch domain.ErrorCode(err) {
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeApprovalRequired:
		return http.StatusForbidden
	case domain.CodeInsufficientStock, domain.CodeInvalidState, domain.CodeVoidWindowClosed, domain.CodeAlreadyReversed:
		return http.StatusConflict
	case domain.CodeRateUnavailable, domain.CodePaymentMismatch:
		return http.StatusUnprocessableEntity
	case domain.CodeTransientPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeResult(w http.ResponseWriter, okStatus int, result domain.TransactionResult, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			a.logger.WithField("module", "httpapi").WithError(err).Error("operation failed")
			result.Error = &domain.ResultError{Code: domain.ErrorCode(err), Message: "internal server error"}
		}
		writeJSON(w, status, result)
		return
	}
	if result.Duplicate {
		okStatus = http.StatusOK
	}
	writeJSON(w, okStatus, result)
}

func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	a.writeError(w, statusFor(err), err)
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the detail goes to the log.
	msg := err.Error()
	if status >= 500 {
		a.logger.WithFields(logrus.Fields{"module": "httpapi", "status": status}).WithError(err).Error("internal error")
		msg = "internal server error"
	}
	body := map[string]any{"error": msg}
	if code := domain.ErrorCode(err); code != domain.CodeInternal {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && parsed > 0 {
		limit = parsed
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
