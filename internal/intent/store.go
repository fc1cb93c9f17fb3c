package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"staypay/internal/common/database"
	"staypay/internal/common/money"
	"staypay/internal/gateway"
)

const intentColumns = `id, kind, subject_id, booking_id, amount_minor, currency, phone,
	   merchant_request_id, checkout_request_id,
	   originator_conversation_id, conversation_id,
	   terminal_receipt, result_code, result_description,
	   status, created_at, updated_at, completed_at`

// PostgresStore persists payment intents.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a PostgreSQL intent store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new pending intent.
func (s *PostgresStore) Create(ctx context.Context, i *PaymentIntent) error {
	return s.insert(ctx, s.db, i)
}

// CreateTx inserts an intent inside the caller's transaction.
func (s *PostgresStore) CreateTx(ctx context.Context, tx pgx.Tx, i *PaymentIntent) error {
	return s.insert(ctx, tx, i)
}

func (s *PostgresStore) insert(ctx context.Context, q database.Querier, i *PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (` + intentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := q.Exec(ctx, query,
		i.ID, i.Kind, i.SubjectID, nullStr(i.BookingID), i.Amount.AmountMinor, i.Amount.Currency, i.Phone,
		nullStr(i.MerchantRequestID), nullStr(i.CheckoutRequestID),
		nullStr(i.OriginatorConversationID), nullStr(i.ConversationID),
		nullStr(i.TerminalReceipt), i.ResultCode, nullStr(i.ResultDescription),
		i.Status, i.CreatedAt, i.UpdatedAt, i.CompletedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting intent: %w", err)
	}
	return nil
}

// GetByID fetches a single intent.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	return scanIntent(s.db.QueryRow(ctx, query, id))
}

// FindCollectionTx looks up a pending-or-terminal collection intent by
// its correlation keys: checkout request id first, then the merchant
// request id fallback the gateway's inconsistent payloads require.
func (s *PostgresStore) FindCollectionTx(ctx context.Context, tx pgx.Tx, checkoutRequestID, merchantRequestID string) (*PaymentIntent, error) {
	if checkoutRequestID != "" {
		i, err := s.findOneTx(ctx, tx, `kind = $1 AND checkout_request_id = $2`, KindCollection, checkoutRequestID)
		if err == nil || !database.IsNotFound(err) {
			return i, err
		}
	}
	if merchantRequestID != "" {
		return s.findOneTx(ctx, tx, `kind = $1 AND merchant_request_id = $2`, KindCollection, merchantRequestID)
	}
	return nil, database.ErrNotFound
}

// ByOriginatorConversationIDTx implements DisbursementFinder.
func (s *PostgresStore) ByOriginatorConversationIDTx(ctx context.Context, tx pgx.Tx, id string) (*PaymentIntent, error) {
	return s.findOneTx(ctx, tx, `kind IN ($1, $2) AND originator_conversation_id = $3`, KindDisbursement, KindRefund, id)
}

// ByConversationIDTx implements DisbursementFinder.
func (s *PostgresStore) ByConversationIDTx(ctx context.Context, tx pgx.Tx, id string) (*PaymentIntent, error) {
	return s.findOneTx(ctx, tx, `kind IN ($1, $2) AND conversation_id = $3`, KindDisbursement, KindRefund, id)
}

// PendingOutboundByPhoneAmountTx implements DisbursementFinder's
// last-resort strategy. Restricted to pending outbound intents so a
// settled payout can never be rematched.
func (s *PostgresStore) PendingOutboundByPhoneAmountTx(ctx context.Context, tx pgx.Tx, phone string, amountMinor int64) (*PaymentIntent, error) {
	return s.findOneTx(ctx, tx,
		`kind IN ($1, $2) AND status = $3 AND phone = $4 AND amount_minor = $5`,
		KindDisbursement, KindRefund, StatusPending, phone, amountMinor)
}

func (s *PostgresStore) findOneTx(ctx context.Context, tx pgx.Tx, where string, args ...any) (*PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE ` + where + `
		ORDER BY created_at ASC LIMIT 1`
	return scanIntent(tx.QueryRow(ctx, query, args...))
}

// FindByReceiptTx looks up the intent that already carries a terminal
// receipt, used to return the prior outcome on duplicate delivery.
func (s *PostgresStore) FindByReceiptTx(ctx context.Context, tx pgx.Tx, kind Kind, receipt string) (*PaymentIntent, error) {
	kinds := []any{kind}
	where := `kind = $1 AND terminal_receipt = $2`
	if kind.Outbound() {
		// Disbursements and refunds share the receipt namespace.
		kinds = []any{KindDisbursement, KindRefund}
		where = `kind IN ($1, $2) AND terminal_receipt = $3`
	}
	return s.findOneTx(ctx, tx, where, append(kinds, receipt)...)
}

// AlreadySettledTx reports whether a terminal receipt has been
// committed on any intent of the kind. Advisory only; the unique index
// on (kind, terminal_receipt) is the transactional guarantee.
func (s *PostgresStore) AlreadySettledTx(ctx context.Context, tx pgx.Tx, kind Kind, receipt string) (bool, error) {
	if receipt == "" {
		return false, nil
	}
	_, err := s.FindByReceiptTx(ctx, tx, kind, receipt)
	if database.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkTerminalTx persists the intent's terminal state. The status guard
// makes the update a no-op if another transaction already settled it;
// the unique receipt index turns racing duplicates into
// database.ErrAlreadyExists.
func (s *PostgresStore) MarkTerminalTx(ctx context.Context, tx pgx.Tx, i *PaymentIntent) error {
	query := `
		UPDATE payment_intents
		SET status = $2, terminal_receipt = $3, result_code = $4,
		    result_description = $5, completed_at = $6, updated_at = $7
		WHERE id = $1 AND status = $8
	`
	tag, err := tx.Exec(ctx, query,
		i.ID, i.Status, nullStr(i.TerminalReceipt), i.ResultCode,
		nullStr(i.ResultDescription), i.CompletedAt, i.UpdatedAt, StatusPending)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("marking intent terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrConflict
	}
	return nil
}

// InsertOrphanTx records an unmatched callback as an audit row. A
// duplicate receipt is reported as database.ErrAlreadyExists so the
// caller can treat a replayed orphan as settled noise.
func (s *PostgresStore) InsertOrphanTx(ctx context.Context, tx pgx.Tx, o *PaymentIntent) error {
	return s.insert(ctx, tx, o)
}

// NewCollectionOrphan builds the audit record for a collection result
// that matched no intent.
func NewCollectionOrphan(res *gateway.CollectionResult) *PaymentIntent {
	now := time.Now()
	code := res.ResultCode
	return &PaymentIntent{
		ID:                ulid.Make().String(),
		Kind:              KindCollection,
		SubjectID:         "unmatched",
		Amount:            res.Amount,
		Phone:             res.Phone,
		MerchantRequestID: res.MerchantRequestID,
		CheckoutRequestID: res.CheckoutRequestID,
		TerminalReceipt:   res.Receipt,
		ResultCode:        &code,
		ResultDescription: res.ResultDesc,
		Status:            StatusUnmatched,
		CreatedAt:         now,
		UpdatedAt:         now,
		CompletedAt:       res.CompletedAt,
	}
}

// NewDisbursementOrphan builds the audit record for a disbursement
// result that matched no intent.
func NewDisbursementOrphan(res *gateway.DisbursementResult) *PaymentIntent {
	now := time.Now()
	code := res.ResultCode
	return &PaymentIntent{
		ID:                       ulid.Make().String(),
		Kind:                     KindDisbursement,
		SubjectID:                "unmatched",
		Amount:                   res.Amount,
		Phone:                    PhoneFromRecipientName(res.RecipientName),
		OriginatorConversationID: res.OriginatorConversationID,
		ConversationID:           res.ConversationID,
		TerminalReceipt:          res.Receipt,
		ResultCode:               &code,
		ResultDescription:        res.ResultDesc,
		Status:                   StatusUnmatched,
		CreatedAt:                now,
		UpdatedAt:                now,
		CompletedAt:              res.CompletedAt,
	}
}

// ListByBooking returns every intent attached to a booking, oldest
// first. Consumed by the payment status query surface.
func (s *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents
		WHERE booking_id = $1 ORDER BY created_at ASC`
	rows, err := s.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, fmt.Errorf("listing intents: %w", err)
	}
	defer rows.Close()

	var out []*PaymentIntent
	for rows.Next() {
		i, err := scanIntentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func scanIntent(row pgx.Row) (*PaymentIntent, error) {
	return scanIntentFrom(row.Scan)
}

func scanIntentRows(rows pgx.Rows) (*PaymentIntent, error) {
	return scanIntentFrom(rows.Scan)
}

func scanIntentFrom(scan func(...any) error) (*PaymentIntent, error) {
	var i PaymentIntent
	var bookingID, merchantReqID, checkoutReqID *string
	var origConvID, convID, receipt, resultDesc *string
	var currency string

	err := scan(
		&i.ID, &i.Kind, &i.SubjectID, &bookingID, &i.Amount.AmountMinor, &currency, &i.Phone,
		&merchantReqID, &checkoutReqID,
		&origConvID, &convID,
		&receipt, &i.ResultCode, &resultDesc,
		&i.Status, &i.CreatedAt, &i.UpdatedAt, &i.CompletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning intent: %w", err)
	}

	i.Amount.Currency = money.Currency(currency)
	if bookingID != nil {
		i.BookingID = *bookingID
	}
	if merchantReqID != nil {
		i.MerchantRequestID = *merchantReqID
	}
	if checkoutReqID != nil {
		i.CheckoutRequestID = *checkoutReqID
	}
	if origConvID != nil {
		i.OriginatorConversationID = *origConvID
	}
	if convID != nil {
		i.ConversationID = *convID
	}
	if receipt != nil {
		i.TerminalReceipt = *receipt
	}
	if resultDesc != nil {
		i.ResultDescription = *resultDesc
	}
	return &i, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
