package app

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhive/booking-service/internal/domain"
	"github.com/playhive/booking-service/internal/store"
)

var tfcReferencePattern = regexp.MustCompile(`^TFC-[ABCDEFGHJKLMNPQRSTUVWXYZ2-9]{8}$`)

type tfcFixture struct {
	repo     *memoryRepository
	notifier *recordingNotifier
	clock    *testClock
	manager  *TFCManager
}

func newTFCFixture(t *testing.T) *tfcFixture {
	t.Helper()
	f := &tfcFixture{
		repo:     newMemoryRepository(),
		notifier: &recordingNotifier{},
		clock:    newTestClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.manager = NewTFCManager(TFCDeps{
		Repo:     f.repo,
		Notifier: f.notifier,
		Clock:    f.clock.Now,
	}, TFCConfig{
		DefaultHoldDays: 5,
		Instructions:    "Pay %s with reference %s by %s.",
		SweepBatchSize:  100,
		CreditValidity:  365 * 24 * time.Hour,
	})
	return f
}

// openTFCBooking seeds a pending TFC booking with its reference already issued.
func (f *tfcFixture) openTFCBooking(t *testing.T, amount string) *domain.Booking {
	t.Helper()
	parent := parentCaller()
	booking := f.repo.addBooking(tfcBooking(parent.UserID, amount))
	_, err := f.manager.CreateTFCBooking(context.Background(), parent, CreateTFCInput{
		BookingID: booking.ID,
		Amount:    booking.Amount,
		VenueID:   booking.VenueID,
	})
	require.NoError(t, err)
	f.notifier.events = nil
	return f.repo.booking(booking.ID)
}

func TestGenerateTFCReference(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ref, err := generateTFCReference()
		require.NoError(t, err)
		require.Regexp(t, tfcReferencePattern, ref)
		seen[ref] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestCreateTFCBooking(t *testing.T) {
	f := newTFCFixture(t)
	parent := parentCaller()
	booking := f.repo.addBooking(tfcBooking(parent.UserID, "42.50"))

	result, err := f.manager.CreateTFCBooking(context.Background(), parent, CreateTFCInput{
		BookingID: booking.ID,
		Amount:    money("42.50"),
		VenueID:   booking.VenueID,
	})
	require.NoError(t, err)

	assert.Regexp(t, tfcReferencePattern, result.Reference)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 5), result.Deadline)
	assert.Contains(t, result.Instructions, result.Reference)
	assert.Contains(t, result.Instructions, "£42.50")

	stored := f.repo.booking(booking.ID)
	require.NotNil(t, stored.TFC)
	assert.Equal(t, result.Reference, stored.TFC.Reference)
	assert.Equal(t, domain.BookingPending, stored.Status)
	assert.Equal(t, []string{domain.EventTFCBookingCreated}, f.notifier.types())

	_, err = f.manager.CreateTFCBooking(context.Background(), parent, CreateTFCInput{
		BookingID: booking.ID,
		Amount:    money("42.50"),
		VenueID:   booking.VenueID,
	})
	require.ErrorIs(t, err, domain.ErrInvalidBookingState)
	assert.Equal(t, result.Reference, f.repo.booking(booking.ID).TFC.Reference, "reference is created once")
}

func TestCreateTFCBooking_Validation(t *testing.T) {
	parent := parentCaller()
	tests := []struct {
		name    string
		caller  domain.Caller
		mutate  func(b *domain.Booking, in *CreateTFCInput)
		wantErr error
	}{
		{name: "amount mismatch", caller: parent, mutate: func(_ *domain.Booking, in *CreateTFCInput) { in.Amount = money("40.00") }, wantErr: domain.ErrValidation},
		{name: "venue mismatch", caller: parent, mutate: func(_ *domain.Booking, in *CreateTFCInput) { in.VenueID = uuid.New() }, wantErr: domain.ErrValidation},
		{name: "hold period too long", caller: parent, mutate: func(_ *domain.Booking, in *CreateTFCInput) { in.HoldPeriodDays = 31 }, wantErr: domain.ErrValidation},
		{name: "negative hold period", caller: parent, mutate: func(_ *domain.Booking, in *CreateTFCInput) { in.HoldPeriodDays = -1 }, wantErr: domain.ErrValidation},
		{name: "card booking", caller: parent, mutate: func(b *domain.Booking, _ *CreateTFCInput) { b.PaymentMethod = domain.PaymentMethodCard }, wantErr: domain.ErrInvalidState},
		{name: "other parent", caller: parentCaller(), mutate: func(*domain.Booking, *CreateTFCInput) {}, wantErr: domain.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTFCFixture(t)
			booking := tfcBooking(parent.UserID, "42.50")
			input := CreateTFCInput{BookingID: booking.ID, Amount: booking.Amount, VenueID: booking.VenueID}
			tt.mutate(booking, &input)
			f.repo.addBooking(booking)

			_, err := f.manager.CreateTFCBooking(context.Background(), tt.caller, input)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, f.repo.booking(booking.ID).TFC)
		})
	}
}

func TestCreateTFCBooking_RegeneratesOnReferenceCollision(t *testing.T) {
	f := newTFCFixture(t)
	taken := f.openTFCBooking(t, "10.00")

	refs := []string{taken.TFC.Reference, "TFC-ABCDEFGH"}
	calls := 0
	f.manager.reference = func() (string, error) {
		ref := refs[calls]
		calls++
		return ref, nil
	}

	parent := parentCaller()
	booking := f.repo.addBooking(tfcBooking(parent.UserID, "10.00"))
	result, err := f.manager.CreateTFCBooking(context.Background(), parent, CreateTFCInput{
		BookingID:      booking.ID,
		Amount:         booking.Amount,
		VenueID:        booking.VenueID,
		HoldPeriodDays: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "TFC-ABCDEFGH", result.Reference)
	assert.Equal(t, 2, calls)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 10), result.Deadline)
}

func TestCreateTFCBooking_GivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newTFCFixture(t)
	taken := f.openTFCBooking(t, "10.00")
	f.manager.reference = func() (string, error) { return taken.TFC.Reference, nil }

	parent := parentCaller()
	booking := f.repo.addBooking(tfcBooking(parent.UserID, "10.00"))
	_, err := f.manager.CreateTFCBooking(context.Background(), parent, CreateTFCInput{BookingID: booking.ID, Amount: booking.Amount, VenueID: booking.VenueID})
	require.ErrorIs(t, err, store.ErrDuplicateReference)
}

func TestConfirmTFCPayment(t *testing.T) {
	f := newTFCFixture(t)
	booking := f.openTFCBooking(t, "42.50")

	_, err := f.manager.ConfirmTFCPayment(context.Background(), parentCaller(), booking.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	staff := staffCaller()
	confirmed, err := f.manager.ConfirmTFCPayment(context.Background(), staff, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, confirmed.Status)
	assert.Equal(t, domain.BookingPaid, confirmed.PaymentStatus)
	assert.Contains(t, confirmed.Notes, "confirmed by staff "+staff.UserID.String())
	assert.Equal(t, []string{domain.EventBookingConfirmed}, f.notifier.types())

	_, err = f.manager.ConfirmTFCPayment(context.Background(), staff, booking.ID)
	require.ErrorIs(t, err, domain.ErrInvalidBookingState)

	_, err = f.manager.ConfirmTFCPayment(context.Background(), staff, uuid.New())
	require.ErrorIs(t, err, domain.ErrBookingNotFound)
}

func TestConfirmTFCPayment_RejectsCardBookings(t *testing.T) {
	f := newTFCFixture(t)
	booking := f.repo.addBooking(cardBooking(uuid.New(), "25.00"))

	_, err := f.manager.ConfirmTFCPayment(context.Background(), staffCaller(), booking.ID)
	require.ErrorIs(t, err, domain.ErrInvalidBookingState)
	assert.Equal(t, domain.BookingPending, f.repo.booking(booking.ID).Status)
}

func TestMarkPartPaidThenConfirm(t *testing.T) {
	f := newTFCFixture(t)
	booking := f.openTFCBooking(t, "40.00")
	staff := staffCaller()

	_, err := f.manager.MarkPartPaid(context.Background(), staff, booking.ID, money("40.00"))
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.manager.MarkPartPaid(context.Background(), staff, booking.ID, money("0"))
	require.ErrorIs(t, err, domain.ErrValidation)

	partPaid, err := f.manager.MarkPartPaid(context.Background(), staff, booking.ID, money("15.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.BookingPartPaid, partPaid.Status)
	assert.Equal(t, domain.BookingPaymentPartPaid, partPaid.PaymentStatus)
	assert.Contains(t, partPaid.Notes, "15.00 received, 25.00 outstanding")

	_, err = f.manager.MarkPartPaid(context.Background(), staff, booking.ID, money("5.00"))
	require.ErrorIs(t, err, domain.ErrInvalidBookingState)

	confirmed, err := f.manager.ConfirmTFCPayment(context.Background(), staff, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, confirmed.Status)
	assert.Equal(t, []string{domain.EventTFCPartPaid, domain.EventBookingConfirmed}, f.notifier.types())
}

func TestCancelUnpaidTFCBooking(t *testing.T) {
	f := newTFCFixture(t)
	staff := staffCaller()
	booking := f.openTFCBooking(t, "40.00")
	_, err := f.manager.MarkPartPaid(context.Background(), staff, booking.ID, money("10.00"))
	require.NoError(t, err)

	cancelled, err := f.manager.CancelUnpaidTFCBooking(context.Background(), staff, booking.ID, "parent withdrew")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, cancelled.Status)
	assert.Contains(t, cancelled.Notes, "parent withdrew")

	_, err = f.manager.CancelUnpaidTFCBooking(context.Background(), staff, booking.ID, "")
	require.ErrorIs(t, err, domain.ErrInvalidBookingState)

	confirmed := f.openTFCBooking(t, "40.00")
	_, err = f.manager.ConfirmTFCPayment(context.Background(), staff, confirmed.ID)
	require.NoError(t, err)
	_, err = f.manager.CancelUnpaidTFCBooking(context.Background(), staff, confirmed.ID, "")
	require.ErrorIs(t, err, domain.ErrInvalidBookingState)
}

// A TFC booking created with the default hold period and left unpaid for six
// days is released by the sweep.
func TestProcessExpiredTFCBookings_ExpiresAfterDeadline(t *testing.T) {
	f := newTFCFixture(t)
	booking := f.openTFCBooking(t, "42.50")
	untouched := f.openTFCBooking(t, "20.00")
	_, err := f.manager.ConfirmTFCPayment(context.Background(), staffCaller(), untouched.ID)
	require.NoError(t, err)
	f.notifier.events = nil

	f.clock.Advance(4 * 24 * time.Hour)
	result, err := f.manager.ProcessExpiredTFCBookings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)

	f.clock.Advance(2 * 24 * time.Hour)
	result, err = f.manager.ProcessExpiredTFCBookings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Cancelled: 1}, result)

	stored := f.repo.booking(booking.ID)
	assert.Equal(t, domain.BookingCancelled, stored.Status)
	assert.Contains(t, stored.Notes, "expired: payment deadline "+booking.TFC.Deadline.Format(time.RFC3339)+" passed")
	assert.Equal(t, domain.BookingConfirmed, f.repo.booking(untouched.ID).Status)
	assert.Equal(t, []string{domain.EventTFCExpired}, f.notifier.types())

	result, err = f.manager.ProcessExpiredTFCBookings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result, "a second sweep finds nothing")
}

func TestProcessExpiredTFCBookings_SkipsBookingConfirmedMidSweep(t *testing.T) {
	f := newTFCFixture(t)
	racing := f.openTFCBooking(t, "42.50")
	expiring := f.openTFCBooking(t, "30.00")
	f.clock.Advance(6 * 24 * time.Hour)

	staff := staffCaller()
	f.repo.afterFindExpired = func() {
		f.repo.afterFindExpired = nil
		_, err := f.manager.ConfirmTFCPayment(context.Background(), staff, racing.ID)
		require.NoError(t, err)
	}

	result, err := f.manager.ProcessExpiredTFCBookings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Cancelled: 1, Skipped: 1}, result)
	assert.Equal(t, domain.BookingConfirmed, f.repo.booking(racing.ID).Status)
	assert.Equal(t, domain.BookingCancelled, f.repo.booking(expiring.ID).Status)
}

type failingTransitionRepo struct {
	*memoryRepository
	failFor uuid.UUID
}

func (r *failingTransitionRepo) TransitionBooking(ctx context.Context, bookingID uuid.UUID, t store.BookingTransition) (*domain.Booking, error) {
	if bookingID == r.failFor {
		return nil, errors.New("connection reset")
	}
	return r.memoryRepository.TransitionBooking(ctx, bookingID, t)
}

func TestProcessExpiredTFCBookings_PerItemErrorsDoNotAbort(t *testing.T) {
	f := newTFCFixture(t)
	broken := f.openTFCBooking(t, "10.00")
	fine := f.openTFCBooking(t, "11.00")
	f.clock.Advance(6 * 24 * time.Hour)

	manager := NewTFCManager(TFCDeps{
		Repo:  &failingTransitionRepo{memoryRepository: f.repo, failFor: broken.ID},
		Clock: f.clock.Now,
	}, TFCConfig{})

	result, err := manager.ProcessExpiredTFCBookings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Cancelled: 1, Failed: 1}, result)
	assert.Equal(t, domain.BookingCancelled, f.repo.booking(fine.ID).Status)
	assert.Equal(t, domain.BookingPending, f.repo.booking(broken.ID).Status)
}

func TestTriggerExpirySweep_RequiresCapability(t *testing.T) {
	f := newTFCFixture(t)
	_, err := f.manager.TriggerExpirySweep(context.Background(), parentCaller())
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.manager.TriggerExpirySweep(context.Background(), domain.Caller{UserID: uuid.New(), Role: domain.RoleAdmin})
	require.NoError(t, err)
}

func TestConvertToCredit(t *testing.T) {
	f := newTFCFixture(t)
	booking := f.openTFCBooking(t, "42.50")

	conversion, err := f.manager.ConvertToCredit(context.Background(), staffCaller(), booking.ID)
	require.NoError(t, err)

	credit := conversion.Credit
	assert.True(t, credit.Amount.Equal(money("42.50")))
	assert.Equal(t, booking.ParentID, credit.ParentID)
	assert.Equal(t, booking.VenueID, credit.ProviderID)
	assert.Equal(t, domain.CreditTypeRefund, credit.Type)
	assert.Equal(t, domain.CreditSourceTFCConversion, credit.Source)
	assert.Equal(t, f.clock.Now().Add(365*24*time.Hour), credit.ExpiresAt)

	stored := f.repo.booking(booking.ID)
	assert.Equal(t, domain.BookingCancelled, stored.Status)
	assert.Equal(t, domain.BookingRefunded, stored.PaymentStatus)
	assert.Contains(t, stored.Notes, credit.ID.String())

	found, err := f.repo.FindCreditBySource(context.Background(), domain.CreditSourceTFCConversion, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.ID, found.ID)
	assert.Equal(t, []string{domain.EventWalletCreditIssued, domain.EventBookingCancelled}, f.notifier.types())

	_, err = f.manager.ConvertToCredit(context.Background(), staffCaller(), booking.ID)
	require.ErrorIs(t, err, domain.ErrInvalidBookingState)
	assert.Equal(t, 1, f.repo.creditCount())
}

func TestConvertToCredit_RejectsPartPaid(t *testing.T) {
	f := newTFCFixture(t)
	staff := staffCaller()
	booking := f.openTFCBooking(t, "42.50")
	_, err := f.manager.MarkPartPaid(context.Background(), staff, booking.ID, money("2.50"))
	require.NoError(t, err)

	_, err = f.manager.ConvertToCredit(context.Background(), staff, booking.ID)
	require.ErrorIs(t, err, domain.ErrInvalidBookingState)
	assert.Equal(t, 0, f.repo.creditCount())
}

func TestCancelAndConvertRace_ExactlyOneWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newTFCFixture(t)
		booking := f.openTFCBooking(t, "42.50")
		staff := staffCaller()

		var (
			wg         sync.WaitGroup
			cancelErr  error
			convertErr error
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = f.manager.CancelUnpaidTFCBooking(context.Background(), staff, booking.ID, "no funds")
		}()
		go func() {
			defer wg.Done()
			<-start
			_, convertErr = f.manager.ConvertToCredit(context.Background(), staff, booking.ID)
		}()
		close(start)
		wg.Wait()

		if (cancelErr == nil) == (convertErr == nil) {
			t.Fatalf("expected exactly one winner, got cancel=%v convert=%v", cancelErr, convertErr)
		}
		loser := cancelErr
		if loser == nil {
			loser = convertErr
		}
		require.ErrorIs(t, loser, domain.ErrInvalidState)

		wantCredits := 0
		if convertErr == nil {
			wantCredits = 1
		}
		require.Equal(t, wantCredits, f.repo.creditCount())
		require.Equal(t, domain.BookingCancelled, f.repo.booking(booking.ID).Status)
	}
}

func TestBulkConfirmTFCPayments(t *testing.T) {
	f := newTFCFixture(t)
	first := f.openTFCBooking(t, "10.00")
	second := f.openTFCBooking(t, "20.00")
	card := f.repo.addBooking(cardBooking(uuid.New(), "30.00"))
	missing := uuid.New()

	_, err := f.manager.BulkConfirmTFCPayments(context.Background(), parentCaller(), []uuid.UUID{first.ID})
	require.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, domain.BookingPending, f.repo.booking(first.ID).Status)

	_, err = f.manager.BulkConfirmTFCPayments(context.Background(), staffCaller(), nil)
	require.ErrorIs(t, err, domain.ErrValidation)

	result, err := f.manager.BulkConfirmTFCPayments(context.Background(), staffCaller(),
		[]uuid.UUID{first.ID, card.ID, second.ID, first.ID, missing})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Failures, 2)
	assert.Equal(t, card.ID, result.Failures[0].BookingID)
	assert.Equal(t, "InvalidBookingState", result.Failures[0].Code)
	assert.Equal(t, missing, result.Failures[1].BookingID)
	assert.Equal(t, "BookingNotFound", result.Failures[1].Code)

	assert.Equal(t, domain.BookingConfirmed, f.repo.booking(first.ID).Status)
	assert.Equal(t, domain.BookingConfirmed, f.repo.booking(second.ID).Status)
}
