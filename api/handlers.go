/*
handlers.go - HTTP API handlers for the loyalty ledger

PURPOSE:
  Exposes the loyalty Service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the domain layer.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                    Create (or fetch) a rider account
    GET    /api/accounts/status?email=      Points, tier, discounts
    GET    /api/accounts/{id}/transactions  Ledger history

  Registration flow:
    POST   /api/registrations/completed     Credit a paid registration
    POST   /api/referrals/redeem            Redeem a referral code

  Checkout:
    GET    /api/discounts/{code}            Validate a discount code
    POST   /api/discounts/{code}/redeem     Consume a discount code

  Public:
    GET    /api/leaderboard?limit=          Current half-year leaderboard

  Admin:
    POST   /api/admin/adjustments           Manual points correction

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the Service (which validates)
  3. Serialize response
  4. Map errors with statusFor

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown account or code
  - 409: Discount already used or expired
  - 503: Transient storage failure or busy account (safe to retry)
  - 500: Invariant violations and unexpected errors

SECURITY NOTE:
  No authentication. Admin routes must sit behind the site's admin auth.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *loyalty.Service
	Logger  *slog.Logger

	// Ping checks storage health for /healthz. Optional.
	Ping func(ctx context.Context) error

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler for service.
func NewHandler(service *loyalty.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger}
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// CreateAccount returns 201 for a new account and 200 for an existing one.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct, created, err := h.Service.EnsureAccount(r.Context(), loyalty.AccountInput{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to create account", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAccountDTO(acct))
}

func (h *Handler) GetAccountStatus(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if strings.TrimSpace(email) == "" {
		writeError(w, http.StatusBadRequest, "email query parameter is required", nil)
		return
	}

	status, err := h.Service.GetAccountStatus(r.Context(), email)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load account status", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountStatusDTO(status))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := loyalty.AccountID(chi.URLParam(r, "id"))

	txs, err := h.Service.Transactions(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load transactions", err)
		return
	}

	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// REGISTRATION FLOW
// =============================================================================

// RegistrationCompleted credits a paid registration. A referral code sent
// with the registration is redeemed in the same request; a rejected
// referral does not fail the registration.
func (h *Handler) RegistrationCompleted(w http.ResponseWriter, r *http.Request) {
	var req RegistrationCompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	res, err := h.Service.OnClinicRegistrationCompleted(ctx, loyalty.Registration{
		Email:          req.Email,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		RegistrationID: req.RegistrationID,
		Points:         req.Points,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to record registration", err)
		return
	}

	resp := RegistrationResultDTO{LedgerResultDTO: toLedgerResultDTO(res)}
	if strings.TrimSpace(req.ReferralCode) != "" {
		// Only a rider's first clinic entry can carry a referral.
		var (
			ref loyalty.Result
			err error = loyalty.ErrReferralNotEligible
		)
		if res.Balances.ClinicEntries == 1 {
			ref, err = h.Service.OnNewAccountFirstEntry(ctx, req.Email, req.ReferralCode)
		}
		resp.Referral = &ReferralResultDTO{Granted: ref.Applied}
		if err != nil {
			resp.Referral.Error = err.Error()
			h.Logger.Warn("referral redemption rejected",
				"registration_id", req.RegistrationID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RedeemReferral(w http.ResponseWriter, r *http.Request) {
	var req RedeemReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.ReferralCode) == "" {
		writeError(w, http.StatusBadRequest, "referral_code is required", nil)
		return
	}

	res, err := h.Service.OnNewAccountFirstEntry(r.Context(), req.Email, req.ReferralCode)
	if err != nil {
		h.writeDomainError(w, r, "Failed to redeem referral", err)
		return
	}
	writeJSON(w, http.StatusOK, ReferralResultDTO{Granted: res.Applied})
}

// =============================================================================
// LEADERBOARD
// =============================================================================

func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	entries, period, err := h.Service.GetLeaderboard(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, LeaderboardDTO{Period: toPeriodDTO(period), Entries: entries})
}

// =============================================================================
// DISCOUNT CODES
// =============================================================================

func (h *Handler) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.ValidateDiscountCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to validate discount code", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountValidationDTO(v))
}

func (h *Handler) RedeemDiscount(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.RedeemDiscountCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to redeem discount code", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountDTO(d))
}

// =============================================================================
// ADMIN
// =============================================================================

// CreateAdjustment applies a manual correction. Supplying reference_id
// makes the call safe to retry.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ledger := h.Service.Ledger()
	var (
		res loyalty.Result
		err error
	)
	if req.ReferenceID != "" {
		res, err = ledger.ManualAdjustmentRef(r.Context(), loyalty.AccountID(req.AccountID), req.ReferenceID, req.Delta, req.Reason)
	} else {
		res, err = ledger.ManualAdjustment(r.Context(), loyalty.AccountID(req.AccountID), req.Delta, req.Reason)
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to apply adjustment", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerResultDTO(res))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a loyalty error to a status and machine-readable code.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "path", r.URL.Path, "status", status, "error", err)
	}
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	switch {
	case loyalty.IsInvariantViolation(err):
		return http.StatusInternalServerError, "invariant_violation"
	case loyalty.IsRetryable(err):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, loyalty.ErrDiscountAlreadyUsed):
		return http.StatusConflict, loyalty.ReasonAlreadyUsed
	case errors.Is(err, loyalty.ErrDiscountExpired):
		return http.StatusConflict, loyalty.ReasonExpired
	case errors.Is(err, loyalty.ErrUnknownDiscountCode):
		return http.StatusNotFound, loyalty.ReasonUnknownCode
	case loyalty.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case loyalty.IsValidation(err):
		return http.StatusBadRequest, "invalid"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
