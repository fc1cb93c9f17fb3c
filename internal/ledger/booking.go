// Package ledger implements the booking aggregation and wallet balance
// rules. Types here are pure state machines; the settlement store keeps
// their persisted form in lock-step inside one transaction.
package ledger

import (
	"fmt"
	"time"

	"staypay/internal/common/money"
)

// CommissionRateBP is the platform's cut in basis points, applied once
// per booking when the accumulated total first reaches the required
// amount.
const CommissionRateBP = 1250 // 12.5%

// BookingEntry accumulates successful collections for one booking and
// tracks whether the commission has fired.
type BookingEntry struct {
	BookingID         string      `json:"booking_id"`
	RecipientID       string      `json:"recipient_id"`
	Accumulated       money.Money `json:"accumulated_amount"`
	Required          money.Money `json:"required_amount"`
	CommissionAmount  money.Money `json:"commission_amount"`
	CommissionApplied bool        `json:"commission_applied"`
	AppliedReceipts   []string    `json:"applied_receipts"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// NewBookingEntry seeds the entry for a booking's first successful
// collection. requiredAmount is the booking total, fetched once.
func NewBookingEntry(bookingID, recipientID string, requiredAmount money.Money) *BookingEntry {
	now := time.Now()
	return &BookingEntry{
		BookingID:   bookingID,
		RecipientID: recipientID,
		Accumulated: money.Zero(requiredAmount.Currency),
		Required:    requiredAmount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CollectionOutcome reports what one applied collection changed.
type CollectionOutcome struct {
	Duplicate bool
	// NewCommission is true only on the call where the accumulated total
	// first reached the required amount.
	NewCommission bool
	Commission    money.Money
	Accumulated   money.Money
	// Complete reports whether the booking is fully paid after this
	// application; drives the booking's partial/paid status.
	Complete bool
}

// ApplyCollection folds one successful collection into the entry.
// A receipt already applied is a no-op; the commission fires exactly
// once, computed on the full accumulated total at the crossing instant,
// and never re-fires on later overpayment. A zero or unknown required
// amount never triggers commission.
func (e *BookingEntry) ApplyCollection(amount money.Money, receipt string) (CollectionOutcome, error) {
	if receipt == "" {
		return CollectionOutcome{}, fmt.Errorf("collection for booking %s has no receipt", e.BookingID)
	}
	for _, r := range e.AppliedReceipts {
		if r == receipt {
			return CollectionOutcome{
				Duplicate:   true,
				Accumulated: e.Accumulated,
				Complete:    e.complete(),
			}, nil
		}
	}

	acc, err := e.Accumulated.Add(amount)
	if err != nil {
		return CollectionOutcome{}, fmt.Errorf("accumulating booking %s: %w", e.BookingID, err)
	}
	e.Accumulated = acc
	e.AppliedReceipts = append(e.AppliedReceipts, receipt)
	e.UpdatedAt = time.Now()

	out := CollectionOutcome{Accumulated: e.Accumulated}
	if !e.CommissionApplied && e.Required.IsPositive() && e.Accumulated.GTE(e.Required) {
		e.CommissionApplied = true
		e.CommissionAmount = e.Accumulated.Percentage(CommissionRateBP)
		out.NewCommission = true
		out.Commission = e.CommissionAmount
	}
	out.Complete = e.complete()
	return out, nil
}

func (e *BookingEntry) complete() bool {
	return e.Required.IsPositive() && e.Accumulated.GTE(e.Required)
}

// HasReceipt reports whether a receipt has already been folded in.
func (e *BookingEntry) HasReceipt(receipt string) bool {
	for _, r := range e.AppliedReceipts {
		if r == receipt {
			return true
		}
	}
	return false
}
