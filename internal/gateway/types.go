// Package gateway normalizes the mobile-money gateway's request and
// result payloads and holds the outbound client for initiating them.
package gateway

import (
	"time"

	"staypay/internal/common/money"
)

// ResultCodeOK is the gateway's success result code.
const ResultCodeOK = 0

// CollectionResult is the normalized outcome of an STK collection push.
// Amount, Receipt, Phone and CompletedAt are only present on success;
// the gateway omits callback metadata entirely on failure.
type CollectionResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            money.Money
	Receipt           string
	Phone             string
	CompletedAt       *time.Time
}

// OK reports whether the gateway settled the collection.
func (r *CollectionResult) OK() bool { return r.ResultCode == ResultCodeOK }

// DisbursementResult is the normalized outcome of a B2C payout or refund.
type DisbursementResult struct {
	OriginatorConversationID string
	ConversationID           string
	TransactionID            string
	ResultCode               int
	ResultDesc               string
	Amount                   money.Money
	Receipt                  string
	RecipientName            string
	RecipientRegistered      bool
	ChargesPaidFunds         money.Money
	CompletedAt              *time.Time
}

// OK reports whether the gateway settled the disbursement.
func (r *DisbursementResult) OK() bool { return r.ResultCode == ResultCodeOK }

// ResultCodeInfo describes a known STK push result code.
type ResultCodeInfo struct {
	Message string
}

// stkResultCodes maps gateway STK result codes to operator-readable
// messages. Unknown codes fall through to the gateway's own ResultDesc.
var stkResultCodes = map[int]ResultCodeInfo{
	0:    {Message: "Success"},
	1:    {Message: "Insufficient funds"},
	1001: {Message: "Subscriber busy or session conflict"},
	1019: {Message: "Transaction expired"},
	1025: {Message: "System error / message too long"},
	1032: {Message: "Request cancelled by user"},
	1037: {Message: "DS timeout: user cannot be reached"},
	9999: {Message: "Unknown push error"},
}

// ResultCodeMessage returns the operator-readable message for an STK
// result code, falling back to the gateway-provided description.
func ResultCodeMessage(code int, resultDesc string) string {
	if info, ok := stkResultCodes[code]; ok {
		return info.Message
	}
	if resultDesc != "" {
		return resultDesc
	}
	return "Unknown result"
}
