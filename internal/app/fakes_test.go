package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/internal/store"
)

// memoryRepository mirrors the guarded-update semantics of the Postgres store.
// The mutex stands in for row-level atomicity of a single UPDATE.
type memoryRepository struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]*domain.Booking
	payments map[uuid.UUID]*domain.Payment
	credits  []*domain.WalletCredit

	// afterFindExpired runs after the sweep selects candidates, outside the lock.
	afterFindExpired func()
	// attachErr fails the next AttachExternalIntent call.
	attachErr error
}

var _ store.Repository = (*memoryRepository)(nil)

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		bookings: make(map[uuid.UUID]*domain.Booking),
		payments: make(map[uuid.UUID]*domain.Payment),
	}
}

func copyBooking(b *domain.Booking) *domain.Booking {
	c := *b
	if b.TFC != nil {
		tfc := *b.TFC
		c.TFC = &tfc
	}
	return &c
}

func copyPayment(p *domain.Payment) *domain.Payment {
	c := *p
	return &c
}

func appendNote(notes, note string) string {
	if note == "" {
		return notes
	}
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}

func (r *memoryRepository) addBooking(b *domain.Booking) *domain.Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	r.bookings[b.ID] = copyBooking(b)
	return b
}

func (r *memoryRepository) addPayment(p *domain.Payment) *domain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.payments[p.ID] = copyPayment(p)
	return p
}

func (r *memoryRepository) booking(id uuid.UUID) *domain.Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyBooking(r.bookings[id])
}

func (r *memoryRepository) payment(id uuid.UUID) *domain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyPayment(r.payments[id])
}

func (r *memoryRepository) creditCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.credits)
}

func (r *memoryRepository) FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[bookingID]
	if !ok {
		return nil, store.ErrBookingNotFound
	}
	return copyBooking(b), nil
}

func (r *memoryRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (r *memoryRepository) FindPaymentByExternalIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.IntentID() == intentID {
			return copyPayment(p), nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (r *memoryRepository) activePayment(bookingID uuid.UUID) *domain.Payment {
	for _, p := range r.payments {
		if p.BookingID == bookingID && p.IsActive &&
			(p.Status == domain.PaymentPending || p.Status == domain.PaymentCompleted) {
			return p
		}
	}
	return nil
}

func (r *memoryRepository) FindActivePaymentByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.activePayment(bookingID); p != nil {
		return copyPayment(p), nil
	}
	return nil, store.ErrPaymentNotFound
}

func (r *memoryRepository) FindCreditBySource(ctx context.Context, source domain.WalletCreditSource, sourceID uuid.UUID) (*domain.WalletCredit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.credits {
		if c.Source == source && c.SourceID == sourceID {
			credit := *c
			return &credit, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memoryRepository) ReservePayment(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activePayment(payment.BookingID) != nil {
		return store.ErrActivePaymentExists
	}
	now := time.Now().UTC()
	payment.Status = domain.PaymentPending
	payment.IsActive = true
	payment.CreatedAt = now
	payment.UpdatedAt = now
	r.payments[payment.ID] = copyPayment(payment)
	return nil
}

func (r *memoryRepository) AttachExternalIntent(ctx context.Context, paymentID uuid.UUID, intentID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.attachErr; err != nil {
		r.attachErr = nil
		return nil, err
	}
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	if p.ExternalIntentID != nil {
		return nil, store.ErrIntentAlreadySet
	}
	for _, other := range r.payments {
		if other.IntentID() == intentID {
			return nil, store.ErrIntentAlreadySet
		}
	}
	p.ExternalIntentID = &intentID
	return copyPayment(p), nil
}

func (r *memoryRepository) CompletePayment(ctx context.Context, paymentID uuid.UUID, completedAt time.Time) (*domain.PaymentSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	if p.Status != domain.PaymentPending {
		return nil, store.ErrStatusConflict
	}
	p.Status = domain.PaymentCompleted
	p.CompletedAt = &completedAt

	settlement := &domain.PaymentSettlement{Payment: copyPayment(p)}
	b := r.bookings[p.BookingID]
	if b.Status == domain.BookingPending {
		b.Status = domain.BookingConfirmed
		b.PaymentStatus = domain.BookingPaid
		settlement.BookingUpdated = true
	}
	settlement.Booking = copyBooking(b)
	return settlement, nil
}

func (r *memoryRepository) FailPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	if p.Status != domain.PaymentPending {
		return nil, store.ErrStatusConflict
	}
	p.Status = domain.PaymentFailed
	if reason != "" {
		p.FailureReason = &reason
	}
	return copyPayment(p), nil
}

func (r *memoryRepository) RefundPayment(ctx context.Context, params store.RefundPaymentParams) (*domain.PaymentSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[params.PaymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	if p.Status != domain.PaymentCompleted {
		return nil, store.ErrStatusConflict
	}
	amount := params.Amount
	refundID := params.RefundID
	refundedAt := params.RefundedAt
	p.Status = domain.PaymentRefunded
	p.RefundedAmount = &amount
	p.RefundID = &refundID
	p.RefundedAt = &refundedAt

	settlement := &domain.PaymentSettlement{Payment: copyPayment(p), BookingUpdated: true}
	b := r.bookings[p.BookingID]
	if p.IsFullRefund(amount) {
		if b.Status == domain.BookingConfirmed {
			b.Status = domain.BookingCancelled
			b.PaymentStatus = domain.BookingRefunded
			b.Notes = appendNote(b.Notes, params.Note)
		} else {
			settlement.BookingUpdated = false
		}
	} else {
		b.Notes = appendNote(b.Notes, params.Note)
	}
	settlement.Booking = copyBooking(b)
	return settlement, nil
}

func (r *memoryRepository) TransitionBooking(ctx context.Context, bookingID uuid.UUID, t store.BookingTransition) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[bookingID]
	if !ok {
		return nil, store.ErrBookingNotFound
	}
	matches := false
	for _, from := range t.From {
		if b.Status == from {
			matches = true
		}
	}
	if !matches {
		return nil, store.ErrStatusConflict
	}
	if t.Method != "" && b.PaymentMethod != t.Method {
		return nil, store.ErrStatusConflict
	}
	if t.DeadlineBefore != nil && (b.TFC == nil || !b.TFC.Deadline.Before(*t.DeadlineBefore)) {
		return nil, store.ErrStatusConflict
	}
	b.Status = t.To
	if t.PaymentStatus != "" {
		b.PaymentStatus = t.PaymentStatus
	}
	b.Notes = appendNote(b.Notes, t.Note)
	return copyBooking(b), nil
}

func (r *memoryRepository) AttachTFCDetails(ctx context.Context, bookingID uuid.UUID, details domain.TFCDetails, note string) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.bookings {
		if other.TFC != nil && other.TFC.Reference == details.Reference {
			return nil, store.ErrDuplicateReference
		}
	}
	b, ok := r.bookings[bookingID]
	if !ok {
		return nil, store.ErrBookingNotFound
	}
	if b.Status != domain.BookingPending || b.PaymentMethod != domain.PaymentMethodTFC || b.TFC != nil {
		return nil, store.ErrStatusConflict
	}
	tfc := details
	b.TFC = &tfc
	b.Notes = appendNote(b.Notes, note)
	return copyBooking(b), nil
}

func (r *memoryRepository) FindExpiredTFCBookings(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	r.mu.Lock()
	var out []domain.Booking
	for _, b := range r.bookings {
		if b.PaymentMethod == domain.PaymentMethodTFC && b.Status == domain.BookingPending &&
			b.TFC != nil && b.TFC.Deadline.Before(now) {
			out = append(out, *copyBooking(b))
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TFC.Deadline.Before(out[j].TFC.Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if r.afterFindExpired != nil {
		r.afterFindExpired()
	}
	return out, nil
}

func (r *memoryRepository) ConvertBookingToCredit(ctx context.Context, bookingID uuid.UUID, credit *domain.WalletCredit, note string) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[bookingID]
	if !ok {
		return nil, store.ErrBookingNotFound
	}
	if b.Status != domain.BookingPending || b.PaymentMethod != domain.PaymentMethodTFC {
		return nil, store.ErrStatusConflict
	}
	for _, c := range r.credits {
		if c.Source == credit.Source && c.SourceID == credit.SourceID {
			return nil, store.ErrCreditAlreadyIssued
		}
	}
	b.Status = domain.BookingCancelled
	b.PaymentStatus = domain.BookingRefunded
	b.Notes = appendNote(b.Notes, note)
	stored := *credit
	r.credits = append(r.credits, &stored)
	return copyBooking(b), nil
}

// fakeGateway records calls and returns scripted outcomes. With
// awaitingConfirmation set, lookups report requires_confirmation and only
// Confirm moves the intent to confirmStatus.
type fakeGateway struct {
	mu                   sync.Mutex
	createErr            error
	confirmStatus        domain.IntentStatus
	confirmErr           error
	awaitingConfirmation bool
	refundErr            error
	onRefund             func(req domain.RefundRequest)

	created  []domain.IntentRequest
	lookups  int
	confirms int
	refunds  []domain.RefundRequest
}

func (g *fakeGateway) CreateIntent(ctx context.Context, req domain.IntentRequest) (*domain.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, req)
	id := "pi_" + req.PaymentID.String()
	return &domain.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       domain.IntentRequiresAction,
		Amount:       req.Amount,
		Currency:     req.Currency,
	}, nil
}

func (g *fakeGateway) scripted(intentID string) *domain.Intent {
	status := g.confirmStatus
	if status == "" {
		status = domain.IntentSucceeded
	}
	intent := &domain.Intent{ID: intentID, Status: status}
	if status.IsFailure() {
		intent.FailureReason = "card_declined"
	}
	return intent
}

func (g *fakeGateway) GetStatus(ctx context.Context, intentID string) (*domain.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	if g.awaitingConfirmation {
		return &domain.Intent{ID: intentID, Status: domain.IntentRequiresConfirmation}, nil
	}
	return g.scripted(intentID), nil
}

func (g *fakeGateway) Confirm(ctx context.Context, intentID string) (*domain.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirms++
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	g.awaitingConfirmation = false
	return g.scripted(intentID), nil
}

func (g *fakeGateway) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	g.mu.Lock()
	if g.refundErr != nil {
		g.mu.Unlock()
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	hook := g.onRefund
	g.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return &domain.RefundResult{ID: "re_" + req.PaymentID.String()[:8], Amount: req.Amount, Status: "succeeded"}, nil
}

type stubVenues struct {
	account string
	err     error
}

func (s stubVenues) PayoutAccount(ctx context.Context, venueID uuid.UUID) (string, error) {
	return s.account, s.err
}

type stubVerifier struct {
	event domain.GatewayEvent
	err   error
}

func (s stubVerifier) VerifyWebhook(payload []byte, signature string) (domain.GatewayEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.event, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func parentCaller() domain.Caller {
	return domain.Caller{UserID: uuid.New(), Role: domain.RoleParent}
}

func staffCaller() domain.Caller {
	return domain.Caller{UserID: uuid.New(), Role: domain.RoleStaff}
}

func cardBooking(parentID uuid.UUID, amount string) *domain.Booking {
	return &domain.Booking{
		ID:            uuid.New(),
		ParentID:      parentID,
		ChildID:       uuid.New(),
		ActivityID:    uuid.New(),
		VenueID:       uuid.New(),
		Amount:        money(amount),
		Currency:      "GBP",
		Status:        domain.BookingPending,
		PaymentMethod: domain.PaymentMethodCard,
		PaymentStatus: domain.BookingUnpaid,
	}
}

func tfcBooking(parentID uuid.UUID, amount string) *domain.Booking {
	b := cardBooking(parentID, amount)
	b.PaymentMethod = domain.PaymentMethodTFC
	return b
}
