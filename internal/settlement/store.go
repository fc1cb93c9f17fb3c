package settlement

import (
	"context"

	"github.com/jackc/pgx/v5"

	"staypay/internal/common/money"
	"staypay/internal/intent"
	"staypay/internal/ledger"
)

// TxRunner provides the atomic transaction every callback is processed
// inside. Implemented by database.DB.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// IntentStore is the intent surface the orchestrator needs.
type IntentStore interface {
	intent.DisbursementFinder

	FindCollectionTx(ctx context.Context, tx pgx.Tx, checkoutRequestID, merchantRequestID string) (*intent.PaymentIntent, error)
	FindByReceiptTx(ctx context.Context, tx pgx.Tx, kind intent.Kind, receipt string) (*intent.PaymentIntent, error)
	AlreadySettledTx(ctx context.Context, tx pgx.Tx, kind intent.Kind, receipt string) (bool, error)
	MarkTerminalTx(ctx context.Context, tx pgx.Tx, i *intent.PaymentIntent) error
	InsertOrphanTx(ctx context.Context, tx pgx.Tx, o *intent.PaymentIntent) error
}

// LedgerStore is the booking-aggregate and wallet surface. Booking
// entry mutations happen under a row lock taken by LockBookingEntryTx;
// wallet mutations are single atomic upsert-increment statements whose
// semantics mirror ledger.Wallet.
type LedgerStore interface {
	// LockBookingEntryTx loads the booking's ledger entry FOR UPDATE,
	// returning database.ErrNotFound when no collection has settled yet.
	LockBookingEntryTx(ctx context.Context, tx pgx.Tx, bookingID string) (*ledger.BookingEntry, error)
	CreateBookingEntryTx(ctx context.Context, tx pgx.Tx, e *ledger.BookingEntry) error
	SaveBookingEntryTx(ctx context.Context, tx pgx.Tx, e *ledger.BookingEntry) error

	// BookingTotalTx fetches the booking's host and required total, used
	// once to seed a new ledger entry.
	BookingTotalTx(ctx context.Context, tx pgx.Tx, bookingID string) (recipientID string, total money.Money, err error)
	UpdateBookingPaymentTx(ctx context.Context, tx pgx.Tx, bookingID string, status BookingPaymentStatus, receipt string) error

	CreditWalletTx(ctx context.Context, tx pgx.Tx, ownerID string, role ledger.Role, amount money.Money) error
	DebitWalletTx(ctx context.Context, tx pgx.Tx, ownerID string, role ledger.Role, amount money.Money) error
	ApplyCommissionTx(ctx context.Context, tx pgx.Tx, platformID, hostID string, commission money.Money) error
}

// BookingPaymentStatus is the booking's payment progress as reported to
// the marketplace.
type BookingPaymentStatus string

const (
	BookingPaymentPartial BookingPaymentStatus = "partial"
	BookingPaymentPaid    BookingPaymentStatus = "paid"
)
