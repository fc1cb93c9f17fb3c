// Package intent holds the durable record of every outbound collection,
// disbursement and refund request together with the correlation keys the
// gateway's asynchronous results are matched against.
package intent

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"staypay/internal/common/money"
)

// Kind distinguishes the direction and purpose of a payment intent.
type Kind string

const (
	KindCollection   Kind = "COLLECTION"
	KindDisbursement Kind = "DISBURSEMENT"
	KindRefund       Kind = "REFUND"
)

// Status is the intent lifecycle state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSettled Status = "SETTLED"
	StatusFailed  Status = "FAILED"
	// StatusUnmatched marks an orphan audit record built from a callback
	// that matched no pending intent. Kept for manual reconciliation.
	StatusUnmatched Status = "UNMATCHED"
)

// Outbound reports whether the kind moves money from the platform out
// to a recipient.
func (k Kind) Outbound() bool {
	return k == KindDisbursement || k == KindRefund
}

// PaymentIntent records one outbound payment request and, eventually,
// its single terminal result.
type PaymentIntent struct {
	ID        string      `json:"id"`
	Kind      Kind        `json:"kind"`
	SubjectID string      `json:"subject_id"`
	BookingID string      `json:"booking_id,omitempty"`
	Amount    money.Money `json:"amount"`
	Phone     string      `json:"phone"`

	// Collection correlation keys.
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`

	// Disbursement/refund correlation keys.
	OriginatorConversationID string `json:"originator_conversation_id,omitempty"`
	ConversationID           string `json:"conversation_id,omitempty"`

	TerminalReceipt   string `json:"terminal_receipt,omitempty"`
	ResultCode        *int   `json:"result_code,omitempty"`
	ResultDescription string `json:"result_description,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewCollection creates a pending collection intent. The correlation
// keys come from the gateway's synchronous push acceptance.
func NewCollection(subjectID, bookingID string, amount money.Money, phone, merchantRequestID, checkoutRequestID string) (*PaymentIntent, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("collection intent requires a subject")
	}
	if bookingID == "" {
		return nil, fmt.Errorf("collection intent requires a booking")
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("collection intent requires a positive amount")
	}
	if checkoutRequestID == "" && merchantRequestID == "" {
		return nil, fmt.Errorf("collection intent requires a correlation key")
	}
	now := time.Now()
	return &PaymentIntent{
		ID:                ulid.Make().String(),
		Kind:              KindCollection,
		SubjectID:         subjectID,
		BookingID:         bookingID,
		Amount:            amount,
		Phone:             phone,
		MerchantRequestID: merchantRequestID,
		CheckoutRequestID: checkoutRequestID,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// NewOutbound creates a pending disbursement or refund intent. The
// booking may be empty; payouts are not always booking-scoped.
func NewOutbound(kind Kind, subjectID, bookingID string, amount money.Money, phone, originatorConversationID, conversationID string) (*PaymentIntent, error) {
	if !kind.Outbound() {
		return nil, fmt.Errorf("kind %s is not an outbound intent", kind)
	}
	if subjectID == "" {
		return nil, fmt.Errorf("%s intent requires a subject", kind)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%s intent requires a positive amount", kind)
	}
	if originatorConversationID == "" && conversationID == "" {
		return nil, fmt.Errorf("%s intent requires a correlation key", kind)
	}
	now := time.Now()
	return &PaymentIntent{
		ID:                       ulid.Make().String(),
		Kind:                     kind,
		SubjectID:                subjectID,
		BookingID:                bookingID,
		Amount:                   amount,
		Phone:                    phone,
		OriginatorConversationID: originatorConversationID,
		ConversationID:           conversationID,
		Status:                   StatusPending,
		CreatedAt:                now,
		UpdatedAt:                now,
	}, nil
}

// TerminalResult carries the fields of the single terminal update.
type TerminalResult struct {
	Receipt     string
	Code        int
	Description string
	CompletedAt *time.Time
}

// MarkSettled applies the success terminal transition. Only a pending
// intent may settle; everything else is a duplicate delivery.
func (i *PaymentIntent) MarkSettled(res TerminalResult) error {
	if i.Status != StatusPending {
		return fmt.Errorf("intent %s is %s, not pending", i.ID, i.Status)
	}
	code := res.Code
	i.Status = StatusSettled
	i.TerminalReceipt = res.Receipt
	i.ResultCode = &code
	i.ResultDescription = res.Description
	i.CompletedAt = res.CompletedAt
	i.UpdatedAt = time.Now()
	return nil
}

// MarkFailed applies the failure terminal transition. The ledger is
// never touched on failure; the intent is the audit record.
func (i *PaymentIntent) MarkFailed(code int, description string) error {
	if i.Status != StatusPending {
		return fmt.Errorf("intent %s is %s, not pending", i.ID, i.Status)
	}
	i.Status = StatusFailed
	i.ResultCode = &code
	i.ResultDescription = description
	i.UpdatedAt = time.Now()
	return nil
}
