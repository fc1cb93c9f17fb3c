package settlement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"staypay/internal/common/database"
	"staypay/internal/common/money"
	"staypay/internal/ledger"
)

// PostgresLedgerStore implements LedgerStore. Wallet mutations are
// single upsert-increment statements with GREATEST clamping so the
// database enforces the same never-negative rule as ledger.Wallet.
type PostgresLedgerStore struct {
	db *database.DB
}

// NewPostgresLedgerStore creates the store.
func NewPostgresLedgerStore(db *database.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

const bookingEntryColumns = `booking_id, recipient_id, accumulated_minor, required_minor, currency,
	   commission_minor, commission_applied, applied_receipts, created_at, updated_at`

// LockBookingEntryTx loads the booking entry FOR UPDATE. The row lock
// serializes concurrent callbacks for the same booking so the
// read-increment-compare-write in ApplyCollection is atomic.
func (s *PostgresLedgerStore) LockBookingEntryTx(ctx context.Context, tx pgx.Tx, bookingID string) (*ledger.BookingEntry, error) {
	query := `SELECT ` + bookingEntryColumns + `
		FROM booking_ledger_entries WHERE booking_id = $1 FOR UPDATE`

	var e ledger.BookingEntry
	var currency string
	err := tx.QueryRow(ctx, query, bookingID).Scan(
		&e.BookingID, &e.RecipientID, &e.Accumulated.AmountMinor, &e.Required.AmountMinor, &currency,
		&e.CommissionAmount.AmountMinor, &e.CommissionApplied, &e.AppliedReceipts, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking booking entry: %w", err)
	}
	cur := money.Currency(currency)
	e.Accumulated.Currency = cur
	e.Required.Currency = cur
	e.CommissionAmount.Currency = cur
	return &e, nil
}

// CreateBookingEntryTx inserts the booking's first ledger entry. The
// primary key on booking_id turns a concurrent first-collection race
// into a unique violation; the loser's transaction aborts and its
// re-delivery takes the lock path.
func (s *PostgresLedgerStore) CreateBookingEntryTx(ctx context.Context, tx pgx.Tx, e *ledger.BookingEntry) error {
	query := `
		INSERT INTO booking_ledger_entries (` + bookingEntryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := tx.Exec(ctx, query,
		e.BookingID, e.RecipientID, e.Accumulated.AmountMinor, e.Required.AmountMinor, e.Accumulated.Currency,
		e.CommissionAmount.AmountMinor, e.CommissionApplied, e.AppliedReceipts, e.CreatedAt, e.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting booking entry: %w", err)
	}
	return nil
}

// SaveBookingEntryTx persists a locked entry's new state.
func (s *PostgresLedgerStore) SaveBookingEntryTx(ctx context.Context, tx pgx.Tx, e *ledger.BookingEntry) error {
	query := `
		UPDATE booking_ledger_entries
		SET accumulated_minor = $2, commission_minor = $3, commission_applied = $4,
		    applied_receipts = $5, updated_at = $6
		WHERE booking_id = $1
	`
	tag, err := tx.Exec(ctx, query,
		e.BookingID, e.Accumulated.AmountMinor, e.CommissionAmount.AmountMinor, e.CommissionApplied,
		e.AppliedReceipts, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating booking entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// BookingTotalTx fetches the host and required total for a booking.
func (s *PostgresLedgerStore) BookingTotalTx(ctx context.Context, tx pgx.Tx, bookingID string) (string, money.Money, error) {
	query := `SELECT host_id, total_amount_minor, currency FROM bookings WHERE id = $1`

	var recipientID string
	var total money.Money
	var currency string
	err := tx.QueryRow(ctx, query, bookingID).Scan(&recipientID, &total.AmountMinor, &currency)
	if err == pgx.ErrNoRows {
		return "", money.Money{}, database.ErrNotFound
	}
	if err != nil {
		return "", money.Money{}, fmt.Errorf("fetching booking total: %w", err)
	}
	total.Currency = money.Currency(currency)
	return recipientID, total, nil
}

// UpdateBookingPaymentTx records the booking's payment progress and the
// settling receipt. An unknown booking id is tolerated: the aggregate
// already holds the money.
func (s *PostgresLedgerStore) UpdateBookingPaymentTx(ctx context.Context, tx pgx.Tx, bookingID string, status BookingPaymentStatus, receipt string) error {
	query := `
		UPDATE bookings
		SET payment_status = $2, settled_receipt = $3, updated_at = now()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, bookingID, status, receipt); err != nil {
		return fmt.Errorf("updating booking payment status: %w", err)
	}
	return nil
}

// CreditWalletTx applies a collection credit as one upsert-increment.
// The platform row also gains payable balance, mirroring
// ledger.Wallet.Credit.
func (s *PostgresLedgerStore) CreditWalletTx(ctx context.Context, tx pgx.Tx, ownerID string, role ledger.Role, amount money.Money) error {
	query := `
		INSERT INTO wallet_accounts (owner_id, role, currency, balance_minor, payable_balance_minor,
		                             total_commission_minor, withdrawn_total_minor, created_at, updated_at)
		VALUES ($1, $2, $3, $4, CASE WHEN $2 = 'PLATFORM' THEN $4 ELSE 0 END, 0, 0, now(), now())
		ON CONFLICT (owner_id) DO UPDATE SET
			balance_minor = wallet_accounts.balance_minor + $4,
			payable_balance_minor = wallet_accounts.payable_balance_minor +
				CASE WHEN wallet_accounts.role = 'PLATFORM' THEN $4 ELSE 0 END,
			updated_at = now()
	`
	if _, err := tx.Exec(ctx, query, ownerID, role, amount.Currency, amount.AmountMinor); err != nil {
		return fmt.Errorf("crediting wallet %s: %w", ownerID, err)
	}
	return nil
}

// DebitWalletTx applies a disbursement debit, clamped at zero. A host
// row additionally counts the withdrawal, mirroring ledger.Wallet.Debit.
func (s *PostgresLedgerStore) DebitWalletTx(ctx context.Context, tx pgx.Tx, ownerID string, role ledger.Role, amount money.Money) error {
	query := `
		INSERT INTO wallet_accounts (owner_id, role, currency, balance_minor, payable_balance_minor,
		                             total_commission_minor, withdrawn_total_minor, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, CASE WHEN $2 = 'HOST' THEN $4 ELSE 0 END, now(), now())
		ON CONFLICT (owner_id) DO UPDATE SET
			balance_minor = GREATEST(wallet_accounts.balance_minor - $4, 0),
			payable_balance_minor = CASE WHEN wallet_accounts.role = 'PLATFORM'
				THEN GREATEST(wallet_accounts.payable_balance_minor - $4, 0)
				ELSE wallet_accounts.payable_balance_minor END,
			withdrawn_total_minor = wallet_accounts.withdrawn_total_minor +
				CASE WHEN wallet_accounts.role = 'HOST' THEN $4 ELSE 0 END,
			updated_at = now()
	`
	if _, err := tx.Exec(ctx, query, ownerID, role, amount.Currency, amount.AmountMinor); err != nil {
		return fmt.Errorf("debiting wallet %s: %w", ownerID, err)
	}
	return nil
}

// ApplyCommissionTx books the commission on both sides, mirroring
// ledger.Wallet.ApplyCommission. Runs only inside the transaction that
// flipped commission_applied, so it executes at most once per booking.
func (s *PostgresLedgerStore) ApplyCommissionTx(ctx context.Context, tx pgx.Tx, platformID, hostID string, commission money.Money) error {
	platformQuery := `
		INSERT INTO wallet_accounts (owner_id, role, currency, balance_minor, payable_balance_minor,
		                             total_commission_minor, withdrawn_total_minor, created_at, updated_at)
		VALUES ($1, 'PLATFORM', $2, 0, 0, $3, 0, now(), now())
		ON CONFLICT (owner_id) DO UPDATE SET
			total_commission_minor = wallet_accounts.total_commission_minor + $3,
			payable_balance_minor = GREATEST(wallet_accounts.payable_balance_minor - $3, 0),
			updated_at = now()
	`
	if _, err := tx.Exec(ctx, platformQuery, platformID, commission.Currency, commission.AmountMinor); err != nil {
		return fmt.Errorf("applying commission to platform wallet: %w", err)
	}

	hostQuery := `
		INSERT INTO wallet_accounts (owner_id, role, currency, balance_minor, payable_balance_minor,
		                             total_commission_minor, withdrawn_total_minor, created_at, updated_at)
		VALUES ($1, 'HOST', $2, 0, 0, 0, 0, now(), now())
		ON CONFLICT (owner_id) DO UPDATE SET
			balance_minor = GREATEST(wallet_accounts.balance_minor - $3, 0),
			updated_at = now()
	`
	if _, err := tx.Exec(ctx, hostQuery, hostID, commission.Currency, commission.AmountMinor); err != nil {
		return fmt.Errorf("applying commission to host wallet %s: %w", hostID, err)
	}
	return nil
}

// GetWallet returns one owner's balances for the query surface.
func (s *PostgresLedgerStore) GetWallet(ctx context.Context, ownerID string) (*ledger.Wallet, error) {
	query := `
		SELECT owner_id, role, currency, balance_minor, payable_balance_minor,
		       total_commission_minor, withdrawn_total_minor, created_at, updated_at
		FROM wallet_accounts WHERE owner_id = $1
	`
	var w ledger.Wallet
	var currency string
	err := s.db.QueryRow(ctx, query, ownerID).Scan(
		&w.OwnerID, &w.Role, &currency, &w.Balance.AmountMinor, &w.PayableBalance.AmountMinor,
		&w.TotalCommission.AmountMinor, &w.WithdrawnTotal.AmountMinor, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching wallet: %w", err)
	}
	cur := money.Currency(currency)
	w.Balance.Currency = cur
	w.PayableBalance.Currency = cur
	w.TotalCommission.Currency = cur
	w.WithdrawnTotal.Currency = cur
	return &w, nil
}

// GetBookingEntry returns a booking's aggregate for the query surface.
func (s *PostgresLedgerStore) GetBookingEntry(ctx context.Context, bookingID string) (*ledger.BookingEntry, error) {
	query := `SELECT ` + bookingEntryColumns + ` FROM booking_ledger_entries WHERE booking_id = $1`

	var e ledger.BookingEntry
	var currency string
	err := s.db.QueryRow(ctx, query, bookingID).Scan(
		&e.BookingID, &e.RecipientID, &e.Accumulated.AmountMinor, &e.Required.AmountMinor, &currency,
		&e.CommissionAmount.AmountMinor, &e.CommissionApplied, &e.AppliedReceipts, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching booking entry: %w", err)
	}
	cur := money.Currency(currency)
	e.Accumulated.Currency = cur
	e.Required.Currency = cur
	e.CommissionAmount.Currency = cur
	return &e, nil
}
