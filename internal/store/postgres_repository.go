/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * bookings, the TFC extension and wallet credits. Card payment queries live in
 * postgres_repository_payments.go.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Money columns are NUMERIC(12,2).
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/playhive/booking-service/internal/domain"
)

const uniqueViolationCode = "23505"

const bookingColumns = `
	id, parent_id, child_id, activity_id, venue_id, amount, currency,
	status, payment_method, payment_status,
	tfc_reference, tfc_deadline, tfc_instructions, notes,
	created_at, updated_at`

// appendNoteSQL appends the text parameter at the given position to the notes
// column, separated by a newline. Empty notes leave the column untouched.
func appendNoteSQL(param int) string {
	return fmt.Sprintf(`CASE
		WHEN $%[1]d::text = '' THEN notes
		WHEN notes = '' THEN $%[1]d::text
		ELSE notes || E'\n' || $%[1]d::text
	END`, param)
}

// DB is the part of *pgxpool.Pool the repository uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// queryer is satisfied by both the pool and an open transaction.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b            domain.Booking
		reference    *string
		deadline     *time.Time
		instructions *string
	)
	err := row.Scan(
		&b.ID,
		&b.ParentID,
		&b.ChildID,
		&b.ActivityID,
		&b.VenueID,
		&b.Amount,
		&b.Currency,
		&b.Status,
		&b.PaymentMethod,
		&b.PaymentStatus,
		&reference,
		&deadline,
		&instructions,
		&b.Notes,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reference != nil {
		b.TFC = &domain.TFCDetails{Reference: *reference}
		if deadline != nil {
			b.TFC.Deadline = *deadline
		}
		if instructions != nil {
			b.TFC.Instructions = *instructions
		}
	}
	return &b, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolationCode {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func bookingStatusStrings(statuses []domain.BookingStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func findBooking(ctx context.Context, q queryer, bookingID uuid.UUID) (*domain.Booking, error) {
	booking, err := scanBooking(q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return booking, nil
}

// FindBookingByID retrieves a booking with its TFC extension.
func (r *PostgresRepository) FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	return findBooking(ctx, r.db, bookingID)
}

// buildBookingTransition renders the guarded UPDATE for a transition. Exposed to
// tests through the package so the guard clauses can be asserted without a database.
func buildBookingTransition(bookingID uuid.UUID, t BookingTransition) (string, []any) {
	args := []any{bookingID, bookingStatusStrings(t.From), string(t.To), t.Note}
	set := []string{
		"status = $3",
		"notes = " + appendNoteSQL(4),
		"updated_at = NOW()",
	}
	where := []string{"id = $1", "status = ANY($2::text[])"}

	if t.PaymentStatus != "" {
		args = append(args, string(t.PaymentStatus))
		set = append(set, fmt.Sprintf("payment_status = $%d", len(args)))
	}
	if t.Method != "" {
		args = append(args, string(t.Method))
		where = append(where, fmt.Sprintf("payment_method = $%d", len(args)))
	}
	if t.DeadlineBefore != nil {
		args = append(args, *t.DeadlineBefore)
		where = append(where, fmt.Sprintf("tfc_deadline IS NOT NULL AND tfc_deadline < $%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE bookings SET %s WHERE %s RETURNING %s`,
		strings.Join(set, ", "), strings.Join(where, " AND "), bookingColumns)
	return query, args
}

// TransitionBooking applies a guarded status change and returns the updated row.
// ErrStatusConflict is returned when the booking exists but did not match the guard.
func (r *PostgresRepository) TransitionBooking(ctx context.Context, bookingID uuid.UUID, t BookingTransition) (*domain.Booking, error) {
	if len(t.From) == 0 {
		return nil, fmt.Errorf("booking transition to %s has no source states", t.To)
	}
	query, args := buildBookingTransition(bookingID, t)
	booking, err := scanBooking(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return booking, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, findErr := r.FindBookingByID(ctx, bookingID); findErr != nil {
		return nil, findErr
	}
	return nil, ErrStatusConflict
}

// AttachTFCDetails creates the TFC extension on a pending TFC booking. The
// reference is written once; a second call hits the guard.
func (r *PostgresRepository) AttachTFCDetails(ctx context.Context, bookingID uuid.UUID, details domain.TFCDetails, note string) (*domain.Booking, error) {
	query := `
		UPDATE bookings
		SET tfc_reference = $2,
		    tfc_deadline = $3,
		    tfc_instructions = $4,
		    notes = ` + appendNoteSQL(5) + `,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND payment_method = 'tfc'
		  AND tfc_reference IS NULL
		RETURNING ` + bookingColumns

	booking, err := scanBooking(r.db.QueryRow(ctx, query, bookingID, details.Reference, details.Deadline, details.Instructions, note))
	if err == nil {
		return booking, nil
	}
	if isUniqueViolation(err, "bookings_tfc_reference_key") {
		return nil, ErrDuplicateReference
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, findErr := r.FindBookingByID(ctx, bookingID); findErr != nil {
		return nil, findErr
	}
	return nil, ErrStatusConflict
}

// FindExpiredTFCBookings lists pending TFC bookings whose deadline passed before now.
func (r *PostgresRepository) FindExpiredTFCBookings(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE payment_method = 'tfc'
		  AND status = 'pending'
		  AND tfc_deadline IS NOT NULL
		  AND tfc_deadline < $1
		ORDER BY tfc_deadline ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *booking)
	}
	return bookings, rows.Err()
}

// ConvertBookingToCredit cancels a pending TFC booking and issues the wallet credit
// in one transaction. If the booking already left pending nothing is written.
func (r *PostgresRepository) ConvertBookingToCredit(ctx context.Context, bookingID uuid.UUID, credit *domain.WalletCredit, note string) (*domain.Booking, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE bookings
		SET status = 'cancelled',
		    payment_status = 'refunded',
		    notes = ` + appendNoteSQL(2) + `,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND payment_method = 'tfc'
		RETURNING ` + bookingColumns

	booking, err := scanBooking(tx.QueryRow(ctx, query, bookingID, note))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cancel booking for credit: %w", err)
		}
		if _, findErr := findBooking(ctx, tx, bookingID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrStatusConflict
	}

	insertCredit := `
		INSERT INTO wallet_credits (
			id, parent_id, provider_id, amount, type, source, source_id, expires_at, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = tx.Exec(ctx, insertCredit,
		credit.ID,
		credit.ParentID,
		credit.ProviderID,
		credit.Amount,
		string(credit.Type),
		string(credit.Source),
		credit.SourceID,
		credit.ExpiresAt,
		credit.IsActive,
		credit.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "wallet_credits_source_key") {
			return nil, ErrCreditAlreadyIssued
		}
		return nil, fmt.Errorf("insert wallet credit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit credit conversion: %w", err)
	}
	return booking, nil
}

// FindCreditBySource returns the credit issued for an originating record.
func (r *PostgresRepository) FindCreditBySource(ctx context.Context, source domain.WalletCreditSource, sourceID uuid.UUID) (*domain.WalletCredit, error) {
	query := `
		SELECT id, parent_id, provider_id, amount, type, source, source_id, expires_at, is_active, created_at
		FROM wallet_credits
		WHERE source = $1 AND source_id = $2`

	var c domain.WalletCredit
	err := r.db.QueryRow(ctx, query, string(source), sourceID).Scan(
		&c.ID,
		&c.ParentID,
		&c.ProviderID,
		&c.Amount,
		&c.Type,
		&c.Source,
		&c.SourceID,
		&c.ExpiresAt,
		&c.IsActive,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
