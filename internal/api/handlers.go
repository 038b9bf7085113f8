/**
 * @description
 * This file contains the HTTP handlers for the booking-service's payment endpoints.
 * Handlers parse incoming requests, call the application services, and write the
 * HTTP response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/shopspring/decimal: Money in request bodies.
 * - internal/app, internal/domain: Service logic, models, and error kinds.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playhive/booking-service/internal/app"
	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/pkg/logging"
)

const (
	maxRequestBodyBytes = 1 << 20
	// Gateways keep webhook payloads small; anything larger is not a real delivery.
	maxWebhookBodyBytes = 64 << 10
)

// PaymentAPI is the card payment surface the handlers call.
type PaymentAPI interface {
	CreatePaymentIntent(ctx context.Context, caller domain.Caller, input app.CreateIntentInput) (*app.PaymentIntentResult, error)
	ConfirmPayment(ctx context.Context, caller domain.Caller, intentID string) (*app.ConfirmResult, error)
	Refund(ctx context.Context, caller domain.Caller, paymentID uuid.UUID, input app.RefundInput) (*app.RefundOutcome, error)
	ManualRefund(ctx context.Context, caller domain.Caller, paymentID uuid.UUID, input app.RefundInput) (*app.RefundOutcome, error)
}

// TFCAPI is the Tax-Free Childcare surface the handlers call.
type TFCAPI interface {
	CreateTFCBooking(ctx context.Context, caller domain.Caller, input app.CreateTFCInput) (*app.TFCBookingResult, error)
	ConfirmTFCPayment(ctx context.Context, caller domain.Caller, bookingID uuid.UUID) (*domain.Booking, error)
	MarkPartPaid(ctx context.Context, caller domain.Caller, bookingID uuid.UUID, amountReceived decimal.Decimal) (*domain.Booking, error)
	CancelUnpaidTFCBooking(ctx context.Context, caller domain.Caller, bookingID uuid.UUID, reason string) (*domain.Booking, error)
	TriggerExpirySweep(ctx context.Context, caller domain.Caller) (app.SweepResult, error)
	ConvertToCredit(ctx context.Context, caller domain.Caller, bookingID uuid.UUID) (*app.CreditConversion, error)
	BulkConfirmTFCPayments(ctx context.Context, caller domain.Caller, bookingIDs []uuid.UUID) (app.BulkResult, error)
}

// WebhookAPI applies gateway webhook deliveries.
type WebhookAPI interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) error
}

// Handlers holds the application services that handlers will use.
type Handlers struct {
	payments PaymentAPI
	tfc      TFCAPI
	webhooks WebhookAPI
	logger   logging.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(payments PaymentAPI, tfc TFCAPI, webhooks WebhookAPI, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handlers{payments: payments, tfc: tfc, webhooks: webhooks, logger: logger}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

type createIntentRequest struct {
	BookingID string          `json:"bookingId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

// CreatePaymentIntentHandler handles POST /payments/create-intent.
func (h *Handlers) CreatePaymentIntentHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createIntentRequest
	if !h.decode(w, r, &req) {
		return
	}
	bookingID, err := parseUUID("bookingId", req.BookingID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	result, err := h.payments.CreatePaymentIntent(r.Context(), caller, app.CreateIntentInput{
		BookingID: bookingID,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ConfirmPaymentHandler handles POST /payments/confirm.
func (h *Handlers) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.payments.ConfirmPayment(r.Context(), caller, req.PaymentIntentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RefundHandler handles POST /payments/{id}/refund.
func (h *Handlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	h.refund(w, r, h.payments.Refund)
}

// ManualRefundHandler handles POST /payments/{id}/manual-refund.
func (h *Handlers) ManualRefundHandler(w http.ResponseWriter, r *http.Request) {
	h.refund(w, r, h.payments.ManualRefund)
}

type refundFunc func(ctx context.Context, caller domain.Caller, paymentID uuid.UUID, input app.RefundInput) (*app.RefundOutcome, error)

func (h *Handlers) refund(w http.ResponseWriter, r *http.Request, fn refundFunc) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	paymentID, err := parseUUID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req refundRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	outcome, err := fn(r.Context(), caller, paymentID, app.RefundInput{Amount: req.Amount, Reason: req.Reason})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// WebhookHandler handles POST /payments/webhook. The body must reach the
// verifier byte-for-byte, so it is read raw.
func (h *Handlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := readLimited(w, r, maxWebhookBodyBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unable to read request body", Code: "ValidationError"})
		return
	}

	if err := h.webhooks.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func readLimited(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required", Code: "Unauthorized"})
		return domain.Caller{}, false
	}
	return caller, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: "ValidationError"})
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *Handlers) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: "ValidationError"})
		return false
	}
	return true
}

func parseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, domain.NewValidationError(field, "must be a valid UUID")
	}
	return id, nil
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGateway):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrInvalidSignature), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithFields(logging.Fields{
			"component": "api",
			"method":    r.Method,
			"path":      r.URL.Path,
		}).WithError(err).Error("request failed")
		writeJSON(w, status, errorResponse{Error: "internal server error", Code: "InternalError"})
		return
	}

	resp := errorResponse{Error: err.Error(), Code: domain.ErrorCode(err)}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		resp.Field = validation.Field
	}
	writeJSON(w, status, resp)
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
