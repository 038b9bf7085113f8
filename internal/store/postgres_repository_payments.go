package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/playhive/booking-service/internal/domain"
)

const paymentColumns = `
	id, booking_id, external_intent_id, amount, currency, status,
	completed_at, refunded_at, refund_id, refunded_amount, failure_reason,
	is_active, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p              domain.Payment
		refundedAmount decimal.NullDecimal
	)
	err := row.Scan(
		&p.ID,
		&p.BookingID,
		&p.ExternalIntentID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.CompletedAt,
		&p.RefundedAt,
		&p.RefundID,
		&refundedAmount,
		&p.FailureReason,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if refundedAmount.Valid {
		amount := refundedAmount.Decimal
		p.RefundedAmount = &amount
	}
	return &p, nil
}

func (r *PostgresRepository) findPayment(ctx context.Context, q queryer, where string, arg any) (*domain.Payment, error) {
	payment, err := scanPayment(q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// FindPaymentByID retrieves a payment by its primary key.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return r.findPayment(ctx, r.db, "id = $1", paymentID)
}

// FindPaymentByExternalIntentID resolves the payment a gateway intent belongs to.
func (r *PostgresRepository) FindPaymentByExternalIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	return r.findPayment(ctx, r.db, "external_intent_id = $1", intentID)
}

// FindActivePaymentByBookingID returns the pending or completed payment blocking a new attempt.
func (r *PostgresRepository) FindActivePaymentByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.Payment, error) {
	return r.findPayment(ctx, r.db,
		"booking_id = $1 AND is_active AND status IN ('pending', 'completed') ORDER BY created_at DESC LIMIT 1",
		bookingID)
}

// ReservePayment inserts a pending payment before the gateway is called. The
// partial unique index on active payments rejects a concurrent second attempt.
func (r *PostgresRepository) ReservePayment(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, booking_id, amount, currency, status, is_active)
		VALUES ($1, $2, $3, $4, 'pending', TRUE)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, payment.ID, payment.BookingID, payment.Amount, payment.Currency).
		Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "payments_one_active_per_booking") {
			return ErrActivePaymentExists
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	payment.Status = domain.PaymentPending
	payment.IsActive = true
	return nil
}

// AttachExternalIntent records the gateway intent id. It is written at most once.
func (r *PostgresRepository) AttachExternalIntent(ctx context.Context, paymentID uuid.UUID, intentID string) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET external_intent_id = $2, updated_at = NOW()
		WHERE id = $1 AND external_intent_id IS NULL
		RETURNING ` + paymentColumns

	payment, err := scanPayment(r.db.QueryRow(ctx, query, paymentID, intentID))
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isUniqueViolation(err, "") {
			return nil, ErrIntentAlreadySet
		}
		return nil, err
	}
	if _, findErr := r.FindPaymentByID(ctx, paymentID); findErr != nil {
		return nil, findErr
	}
	return nil, ErrIntentAlreadySet
}

// CompletePayment moves a pending payment to completed and confirms its booking
// in one transaction. A booking that already left pending is reported through
// BookingUpdated rather than failing, since the funds were captured regardless.
func (r *PostgresRepository) CompletePayment(ctx context.Context, paymentID uuid.UUID, completedAt time.Time) (*domain.PaymentSettlement, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	updatePayment := `
		UPDATE payments
		SET status = 'completed', completed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + paymentColumns

	payment, err := scanPayment(tx.QueryRow(ctx, updatePayment, paymentID, completedAt))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("complete payment: %w", err)
		}
		if _, findErr := r.findPayment(ctx, tx, "id = $1", paymentID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrStatusConflict
	}

	confirmBooking := `
		UPDATE bookings
		SET status = 'confirmed', payment_status = 'paid', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + bookingColumns

	settlement := &domain.PaymentSettlement{Payment: payment, BookingUpdated: true}
	settlement.Booking, err = scanBooking(tx.QueryRow(ctx, confirmBooking, payment.BookingID))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("confirm booking: %w", err)
		}
		settlement.BookingUpdated = false
		if settlement.Booking, err = findBooking(ctx, tx, payment.BookingID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit payment completion: %w", err)
	}
	return settlement, nil
}

// FailPayment moves a pending payment to failed. The booking is left pending.
func (r *PostgresRepository) FailPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET status = 'failed', failure_reason = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + paymentColumns

	payment, err := scanPayment(r.db.QueryRow(ctx, query, paymentID, reason))
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, findErr := r.FindPaymentByID(ctx, paymentID); findErr != nil {
		return nil, findErr
	}
	return nil, ErrStatusConflict
}

// RefundPayment records a refund against a completed payment. A full refund
// cancels a confirmed booking; a partial refund keeps it confirmed and appends
// the note.
func (r *PostgresRepository) RefundPayment(ctx context.Context, params RefundPaymentParams) (*domain.PaymentSettlement, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	updatePayment := `
		UPDATE payments
		SET status = 'refunded',
		    refunded_at = $2,
		    refund_id = NULLIF($3, ''),
		    refunded_amount = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'completed'
		RETURNING ` + paymentColumns

	payment, err := scanPayment(tx.QueryRow(ctx, updatePayment, params.PaymentID, params.RefundedAt, params.RefundID, params.Amount))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("refund payment: %w", err)
		}
		if _, findErr := r.findPayment(ctx, tx, "id = $1", params.PaymentID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrStatusConflict
	}

	var bookingQuery string
	if payment.IsFullRefund(params.Amount) {
		bookingQuery = `
			UPDATE bookings
			SET status = 'cancelled',
			    payment_status = 'refunded',
			    notes = ` + appendNoteSQL(2) + `,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'confirmed'
			RETURNING ` + bookingColumns
	} else {
		bookingQuery = `
			UPDATE bookings
			SET notes = ` + appendNoteSQL(2) + `, updated_at = NOW()
			WHERE id = $1
			RETURNING ` + bookingColumns
	}

	settlement := &domain.PaymentSettlement{Payment: payment, BookingUpdated: true}
	settlement.Booking, err = scanBooking(tx.QueryRow(ctx, bookingQuery, payment.BookingID, params.Note))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("settle booking after refund: %w", err)
		}
		settlement.BookingUpdated = false
		if settlement.Booking, err = findBooking(ctx, tx, payment.BookingID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit refund: %w", err)
	}
	return settlement, nil
}
