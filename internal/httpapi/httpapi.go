package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/domain"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/logger"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/service"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/xid"
)

type Options struct {
	AllowedOrigin string
	Logger        *logger.Logger
	// Gatherer backs GET /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	log           *logger.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	validate      *validator.Validate
	gatherer      prometheus.Gatherer
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		log:           log,
		allowedOrigin: opts.AllowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		validate:      newValidator(),
		gatherer:      opts.Gatherer,
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	manager := domain.RoleManager

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleListProducts))
	mux.HandleFunc("POST /api/v1/products", a.requireAuth(a.handleCreateProduct, manager))
	mux.HandleFunc("GET /api/v1/products/{id}", a.requireAuth(a.handleGetProduct))
	mux.HandleFunc("PATCH /api/v1/products/{id}", a.requireAuth(a.handleUpdateProduct, manager))
	mux.HandleFunc("GET /api/v1/products/{id}/movements", a.requireAuth(a.handleListMovements))
	mux.HandleFunc("POST /api/v1/products/{id}/movements", a.requireAuth(a.handleAdjustStock, manager))

	mux.HandleFunc("POST /api/v1/registers/open", a.requireAuth(a.handleRegisterOpen))
	mux.HandleFunc("GET /api/v1/registers/current", a.requireAuth(a.handleRegisterCurrent))
	mux.HandleFunc("GET /api/v1/registers", a.requireAuth(a.handleRegisterHistory, manager))
	mux.HandleFunc("POST /api/v1/registers/{id}/transactions", a.requireAuth(a.handleCashTransaction))
	mux.HandleFunc("GET /api/v1/registers/{id}/transactions", a.requireAuth(a.handleListCashTransactions))
	mux.HandleFunc("POST /api/v1/registers/{id}/close", a.requireAuth(a.handleRegisterClose))
	mux.HandleFunc("GET /api/v1/registers/{id}/summary", a.requireAuth(a.handleRegisterSummary))
	mux.HandleFunc("GET /api/v1/registers/{id}/sales", a.requireAuth(a.handleListRegisterSales))

	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleCommitSale))
	mux.HandleFunc("GET /api/v1/sales/{id}", a.requireAuth(a.handleGetSale))

	mux.HandleFunc("GET /api/v1/reports/low-stock", a.requireAuth(a.handleLowStock))
	mux.HandleFunc("GET /api/v1/reports/stock-audit/{productId}", a.requireAuth(a.handleStockAudit, manager))
	mux.HandleFunc("GET /api/v1/reports/sales", a.requireAuth(a.handleSalesSummary, manager))

	mux.HandleFunc("GET /api/v1/employees", a.requireAuth(a.handleListEmployees, manager))
	mux.HandleFunc("POST /api/v1/employees", a.requireAuth(a.handleCreateEmployee, manager))
	mux.HandleFunc("PATCH /api/v1/employees/{id}", a.requireAuth(a.handleUpdateEmployee, manager))

	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...domain.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, r, apperror.New(apperror.KindUnauthorized, "missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			a.writeError(w, r, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, r, apperror.New(apperror.KindForbidden, "forbidden role"))
			return
		}

		ctx := a.log.WithEmployeeID(r.Context(), actor.EmployeeID)
		next(w, r.WithContext(service.WithActor(ctx, actor)))
	}
}

func isRoleAllowed(role domain.Role, allowed []domain.Role) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many login attempts", "code": "RATE_LIMITED"})
		return
	}

	var req domain.LoginRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Catalog.

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := a.service.ListMovements(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAdjustRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	movement, err := a.service.AdjustStock(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"movement": movement})
}

// Cash register.

func (a *API) handleRegisterOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterOpenRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	session, err := a.service.OpenRegister(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"register": session})
}

func (a *API) handleRegisterCurrent(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.CurrentRegister(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"register": session, "expected_amount": session.ExpectedAmount()})
}

func (a *API) handleRegisterHistory(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	sessions, err := a.service.ListRegisters(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registers": sessions})
}

func (a *API) handleCashTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.CashTransactionRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	txn, err := a.service.RecordCashTransaction(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": txn})
}

func (a *API) handleListCashTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := a.service.ListCashTransactions(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

func (a *API) handleRegisterClose(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterCloseRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	summary, err := a.service.CloseRegister(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (a *API) handleRegisterSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.CashSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// Sales.

func (a *API) handleCommitSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	sale, err := a.service.CommitSale(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if sale.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"sale": sale})
}

func (a *API) handleListRegisterSales(w http.ResponseWriter, r *http.Request) {
	sales, err := a.service.ListSales(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

// Reports.

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.LowStock(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleStockAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := a.service.StockAudit(r.Context(), r.PathValue("productId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": audit})
}

func (a *API) handleSalesSummary(w http.ResponseWriter, r *http.Request) {
	registerID := strings.TrimSpace(r.URL.Query().Get("register_id"))
	if registerID == "" {
		a.writeError(w, r, apperror.New(apperror.KindValidation, "register_id is required"))
		return
	}
	summary, err := a.service.SalesSummary(r.Context(), registerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// Employees.

func (a *API) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := a.service.ListEmployees(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"employees": employees})
}

func (a *API) handleCreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req domain.EmployeeCreateRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	employee, err := a.service.CreateEmployee(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"employee": employee})
}

func (a *API) handleUpdateEmployee(w http.ResponseWriter, r *http.Request) {
	var req domain.EmployeeUpdateRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	employee, err := a.service.SetEmployeeActive(r.Context(), r.PathValue("id"), *req.Active)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"employee": employee})
}

// Middleware.

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" || len(requestID) > 64 {
			requestID = xid.New("req")
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := a.log.WithRequestID(r.Context(), requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		a.log.Info(a.log.WithFields(ctx, map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(startedAt).Milliseconds(),
		}), "http request")
	})
}

// Helpers.

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// decode reads a JSON body and validates it against its struct tags.
func (a *API) decode(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if typed := apperror.As(err); typed != nil {
			return typed
		}
		return apperror.Wrap(apperror.KindValidation, err, "invalid JSON body")
	}
	if err := a.validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			parts := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return apperror.New(apperror.KindValidation, strings.Join(parts, "; "))
		}
		return apperror.Wrap(apperror.KindValidation, err, "invalid request")
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeError maps an error onto its kind's status. Server-side failures get
// a generic message; the cause goes to the log only.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperror.KindOf(err)
	meta := apperror.MetadataFor(kind)

	body := map[string]any{"code": kind, "retryable": meta.Retryable}
	if meta.HTTPStatus >= http.StatusInternalServerError {
		a.log.Error(r.Context(), "request failed", err)
		body["error"] = meta.PublicMessage
	} else {
		body["error"] = err.Error()
		if typed := apperror.As(err); typed != nil {
			body["error"] = typed.Message()
			if kind == apperror.KindInsufficientStock {
				body["product_id"] = typed.ProductID()
				body["shortfall"] = typed.Shortfall()
			}
		}
	}
	writeJSON(w, meta.HTTPStatus, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
