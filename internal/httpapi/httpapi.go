package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pimutpos/backend/internal/domain"
	"pimutpos/backend/internal/payment"
	"pimutpos/backend/internal/service"
	"pimutpos/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *ipLimiter
	log           *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		// five attempts, then one more every twelve seconds
		loginLimiter: newIPLimiter(rate.Every(12*time.Second), 5),
		log:          log.Named("http"),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(a.secureHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", errors.New("method not allowed"))
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin, domain.RoleCashier, domain.RoleAssistant))
			r.Get("/products", a.handleListProducts)
			r.Get("/products/low-stock", a.handleLowStock)
			r.Get("/products/low-stock/alerts", a.handleLowStockAlerts)
			r.Get("/products/barcode/{barcode}", a.handleProductByBarcode)
			r.Get("/products/{id}", a.handleGetProduct)
			r.Post("/products/{id}/price-check", a.handlePriceCheck)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin, domain.RoleCashier))
			r.Post("/sales", a.handleCheckout)
			r.Get("/sales/{id}", a.handleGetSale)
			r.Post("/payments/mpesa", a.handleStartPayment)
			r.Get("/payments/mpesa/{id}", a.handlePollPayment)
			r.Delete("/payments/mpesa/{id}", a.handleCancelPayment)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))
			r.Put("/products/{id}/min-price", a.handleSetMinPrice)
			r.Put("/products/{id}/threshold", a.handleSetThreshold)
			r.Put("/products/{id}/stock", a.handleSetStock)
			r.Post("/products/{id}/write-off", a.handleWriteOff)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err)
				return
			}

			if !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, "forbidden", errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
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

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", time.Since(startedAt)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	switch {
	case errors.Is(err, errInvalidCredentials), errors.Is(err, errInactiveAccount):
		a.log.Info("login rejected", zap.String("username", req.Username), zap.String("client", clientKey(r)))
		writeError(w, http.StatusUnauthorized, "unauthorized", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, string(domain.KindInternal), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleProductByBarcode(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProductByBarcode(r.Context(), chi.URLParam(r, "barcode"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.LowStock(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleLowStockAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": a.service.LowStockAlerts()})
}

func (a *API) handlePriceCheck(w http.ResponseWriter, r *http.Request) {
	var req domain.PriceCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err)
		return
	}

	resp, err := a.service.CheckLinePrice(r.Context(), chi.URLParam(r, "id"), req.Price)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSetMinPrice(w http.ResponseWriter, r *http.Request) {
	var req domain.MinPriceUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err)
		return
	}

	product, err := a.service.SetMinPrice(r.Context(), chi.URLParam(r, "id"), req.MinPrice)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req domain.ThresholdUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err)
		return
	}

	product, err := a.service.SetLowStockThreshold(r.Context(), chi.URLParam(r, "id"), req.LowStockThreshold)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleSetStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err)
		return
	}

	product, err := a.service.SetStock(r.Context(), chi.URLParam(r, "id"), *req.Stock)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleWriteOff(w http.ResponseWriter, r *http.Request) {
	var req domain.StockWriteOffRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err)
		return
	}

	product, err := a.service.AdjustStock(r.Context(), chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err)
		return
	}

	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleStartPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.MobilePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err)
		return
	}

	session, err := a.service.StartMobilePayment(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

func (a *API) handlePollPayment(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.PollMobilePayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.CancelMobilePayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("field %s failed %s validation", fe.Namespace(), fe.Tag())
		}
		return err
	}
	return nil
}

// statusFor maps core errors to HTTP status codes and wire error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, payment.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	}

	kind := domain.KindOf(err)
	switch kind {
	case domain.KindEmptyCart, domain.KindInvalidRequest:
		return http.StatusBadRequest, string(kind)
	case domain.KindProductNotFound:
		return http.StatusNotFound, string(kind)
	case domain.KindInsufficientStock:
		return http.StatusConflict, string(kind)
	case domain.KindPriceBelowFloor:
		return http.StatusUnprocessableEntity, string(kind)
	case domain.KindGateway:
		return http.StatusBadGateway, string(kind)
	case domain.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, status, code, err)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	// 5xx bodies never carry driver or gateway detail.
	msg := err.Error()
	if status >= 500 {
		zap.L().Error("request failed", zap.Int("status", status), zap.String("code", code), zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
