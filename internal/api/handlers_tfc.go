package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playhive/booking-service/internal/app"
)

type createTFCRequest struct {
	BookingID  string          `json:"bookingId"`
	Amount     decimal.Decimal `json:"amount"`
	VenueID    string          `json:"venueId"`
	HoldPeriod int             `json:"holdPeriod"`
}

type partPaidRequest struct {
	AmountReceived decimal.Decimal `json:"amountReceived"`
}

type cancelTFCRequest struct {
	Reason string `json:"reason"`
}

type bulkConfirmRequest struct {
	BookingIDs []string `json:"bookingIds"`
}

type tfcBookingResponse struct {
	BookingID     string `json:"bookingId"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
}

// CreateTFCBookingHandler handles POST /tfc/create.
func (h *Handlers) CreateTFCBookingHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createTFCRequest
	if !h.decode(w, r, &req) {
		return
	}
	bookingID, err := parseUUID("bookingId", req.BookingID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	venueID, err := parseUUID("venueId", req.VenueID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	result, err := h.tfc.CreateTFCBooking(r.Context(), caller, app.CreateTFCInput{
		BookingID:      bookingID,
		Amount:         req.Amount,
		VenueID:        venueID,
		HoldPeriodDays: req.HoldPeriod,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ConfirmTFCHandler handles POST /tfc/confirm/{id}.
func (h *Handlers) ConfirmTFCHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	bookingID, err := parseUUID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	booking, err := h.tfc.ConfirmTFCPayment(r.Context(), caller, bookingID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tfcBookingResponse{
		BookingID:     booking.ID.String(),
		Status:        string(booking.Status),
		PaymentStatus: string(booking.PaymentStatus),
	})
}

// PartPaidHandler handles POST /tfc/part-paid/{id}.
func (h *Handlers) PartPaidHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	bookingID, err := parseUUID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req partPaidRequest
	if !h.decode(w, r, &req) {
		return
	}

	booking, err := h.tfc.MarkPartPaid(r.Context(), caller, bookingID, req.AmountReceived)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tfcBookingResponse{
		BookingID:     booking.ID.String(),
		Status:        string(booking.Status),
		PaymentStatus: string(booking.PaymentStatus),
	})
}

// CancelTFCHandler handles POST /tfc/cancel/{id}.
func (h *Handlers) CancelTFCHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	bookingID, err := parseUUID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req cancelTFCRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	booking, err := h.tfc.CancelUnpaidTFCBooking(r.Context(), caller, bookingID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tfcBookingResponse{
		BookingID:     booking.ID.String(),
		Status:        string(booking.Status),
		PaymentStatus: string(booking.PaymentStatus),
	})
}

// ProcessExpiredHandler handles POST /tfc/process-expired.
func (h *Handlers) ProcessExpiredHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	result, err := h.tfc.TriggerExpirySweep(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ConvertToCreditHandler handles POST /tfc/convert-to-credit/{id}.
func (h *Handlers) ConvertToCreditHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	bookingID, err := parseUUID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	conversion, err := h.tfc.ConvertToCredit(r.Context(), caller, bookingID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversion)
}

// BulkConfirmHandler handles POST /tfc/bulk-confirm.
func (h *Handlers) BulkConfirmHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req bulkConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	ids := make([]uuid.UUID, 0, len(req.BookingIDs))
	for _, raw := range req.BookingIDs {
		id, err := parseUUID("bookingIds", raw)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		ids = append(ids, id)
	}

	result, err := h.tfc.BulkConfirmTFCPayments(r.Context(), caller, ids)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
