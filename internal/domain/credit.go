package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletCreditType string

const (
	CreditTypeRefund      WalletCreditType = "refund"
	CreditTypePromotional WalletCreditType = "promotional"
)

type WalletCreditSource string

const (
	CreditSourceTFCConversion WalletCreditSource = "tfc_conversion"
	CreditSourceManual        WalletCreditSource = "manual"
)

// WalletCredit is store credit a parent can spend at the issuing provider.
type WalletCredit struct {
	ID         uuid.UUID          `json:"id"`
	ParentID   uuid.UUID          `json:"parent_id"`
	ProviderID uuid.UUID          `json:"provider_id"`
	Amount     decimal.Decimal    `json:"amount"`
	Type       WalletCreditType   `json:"type"`
	Source     WalletCreditSource `json:"source"`
	SourceID   uuid.UUID          `json:"source_id"`
	ExpiresAt  time.Time          `json:"expires_at"`
	IsActive   bool               `json:"is_active"`
	CreatedAt  time.Time          `json:"created_at"`
}

// NewTFCConversionCredit builds the credit issued when an unpaid TFC booking is
// converted. The credit is valid for the given period from now.
func NewTFCConversionCredit(booking *Booking, now time.Time, validity time.Duration) (*WalletCredit, error) {
	if !booking.Amount.IsPositive() {
		return nil, NewValidationError("amount", "credit amount must be greater than zero")
	}
	return &WalletCredit{
		ID:         uuid.New(),
		ParentID:   booking.ParentID,
		ProviderID: booking.VenueID,
		Amount:     booking.Amount,
		Type:       CreditTypeRefund,
		Source:     CreditSourceTFCConversion,
		SourceID:   booking.ID,
		ExpiresAt:  now.Add(validity),
		IsActive:   true,
		CreatedAt:  now,
	}, nil
}
