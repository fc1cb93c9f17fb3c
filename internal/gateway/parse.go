package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"staypay/internal/common/money"
)

// STKCallbackEnvelope is the raw webhook body the gateway posts for an
// STK collection result.
type STKCallbackEnvelope struct {
	Body struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback is the inner STK result payload. CallbackMetadata is only
// present when the push succeeded.
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata"`
}

// CallbackMetadata carries the success details as a list of named items.
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem is a single name/value pair in callback metadata. Values
// arrive as either JSON numbers or strings depending on the field.
type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ResultParameter is a single entry in a B2C result. Unlike STK
// callback metadata, B2C results label entries with "Key", not "Name".
type ResultParameter struct {
	Key   string          `json:"Key"`
	Value json.RawMessage `json:"Value"`
}

// B2CResultEnvelope is the raw webhook body the gateway posts for a B2C
// disbursement result.
type B2CResultEnvelope struct {
	Result *B2CResult `json:"Result"`
}

// B2CResult is the inner B2C result payload.
type B2CResult struct {
	ResultType               int    `json:"ResultType"`
	ResultCode               int    `json:"ResultCode"`
	ResultDesc               string `json:"ResultDesc"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
	TransactionID            string `json:"TransactionID"`
	ResultParameters         *struct {
		ResultParameter []ResultParameter `json:"ResultParameter"`
	} `json:"ResultParameters"`
}

// ParseCollectionResult decodes a raw STK callback body into the
// normalized result. It fails only on malformed JSON or a missing
// stkCallback block; a failed push is a valid, parseable result.
func ParseCollectionResult(body []byte) (*CollectionResult, error) {
	var env STKCallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding stk callback: %w", err)
	}
	cb := env.Body.STKCallback
	if cb == nil {
		return nil, fmt.Errorf("stk callback missing Body.stkCallback")
	}

	res := &CollectionResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil {
		return res, nil
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			amt, err := valueAmount(item.Value)
			if err != nil {
				return nil, fmt.Errorf("stk callback Amount: %w", err)
			}
			res.Amount = amt
		case "MpesaReceiptNumber":
			res.Receipt = valueString(item.Value)
		case "PhoneNumber":
			res.Phone = NormalizePhone(valueString(item.Value))
		case "TransactionDate":
			if t, err := ParseGatewayTime(valueString(item.Value)); err == nil {
				res.CompletedAt = &t
			}
		}
	}
	return res, nil
}

// ParseDisbursementResult decodes a raw B2C result body into the
// normalized result.
func ParseDisbursementResult(body []byte) (*DisbursementResult, error) {
	var env B2CResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding b2c result: %w", err)
	}
	r := env.Result
	if r == nil {
		return nil, fmt.Errorf("b2c result missing Result")
	}

	res := &DisbursementResult{
		OriginatorConversationID: r.OriginatorConversationID,
		ConversationID:           r.ConversationID,
		TransactionID:            r.TransactionID,
		ResultCode:               r.ResultCode,
		ResultDesc:               r.ResultDesc,
		Receipt:                  r.TransactionID,
	}
	if r.ResultParameters == nil {
		return res, nil
	}
	for _, p := range r.ResultParameters.ResultParameter {
		switch p.Key {
		case "TransactionAmount":
			amt, err := valueAmount(p.Value)
			if err != nil {
				return nil, fmt.Errorf("b2c result TransactionAmount: %w", err)
			}
			res.Amount = amt
		case "TransactionReceipt":
			res.Receipt = valueString(p.Value)
		case "ReceiverPartyPublicName":
			res.RecipientName = valueString(p.Value)
		case "B2CRecipientIsRegisteredCustomer":
			res.RecipientRegistered = strings.EqualFold(valueString(p.Value), "Y")
		case "B2CChargesPaidAccountAvailableFunds":
			if amt, err := valueAmount(p.Value); err == nil {
				res.ChargesPaidFunds = amt
			}
		case "TransactionCompletedDateTime":
			if t, err := ParseGatewayTime(valueString(p.Value)); err == nil {
				res.CompletedAt = &t
			}
		}
	}
	return res, nil
}

// ParseAccountBalanceResult decodes an account balance result body into
// per-account balances. The gateway packs them into one string value:
// accounts separated by "&", fields by "|", with the name first and the
// current balance third.
func ParseAccountBalanceResult(body []byte) (map[string]money.Money, error) {
	var env B2CResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding balance result: %w", err)
	}
	r := env.Result
	if r == nil {
		return nil, fmt.Errorf("balance result missing Result")
	}
	accounts := map[string]money.Money{}
	if r.ResultParameters == nil {
		return accounts, nil
	}
	for _, p := range r.ResultParameters.ResultParameter {
		if p.Key != "AccountBalance" {
			continue
		}
		for _, part := range strings.Split(valueString(p.Value), "&") {
			fields := strings.Split(part, "|")
			if len(fields) < 3 {
				continue
			}
			name := strings.TrimSpace(fields[0])
			if name == "" {
				continue
			}
			major, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
			if err != nil {
				continue
			}
			accounts[name] = money.FromMajor(major, money.KES)
		}
	}
	return accounts, nil
}

// valueString renders a metadata value as a string regardless of
// whether the gateway sent it as a JSON number or string.
func valueString(value json.RawMessage) string {
	if len(value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(value, &n); err == nil {
		return n.String()
	}
	return strings.Trim(string(value), `"`)
}

// valueAmount parses a metadata value as a KES amount. The gateway
// sends amounts as JSON numbers, occasionally as quoted strings.
func valueAmount(value json.RawMessage) (money.Money, error) {
	raw := valueString(value)
	if raw == "" {
		return money.Money{}, fmt.Errorf("empty amount")
	}
	major, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return money.Money{}, fmt.Errorf("parsing amount %q: %w", raw, err)
	}
	return money.FromMajor(major, money.KES), nil
}

// gateway timestamp layouts, in the order they are tried. Collections
// use a compact 14-digit form; disbursements use a dotted form.
var gatewayTimeLayouts = []string{
	"20060102150405",
	"02.01.2006 15:04:05",
	time.RFC3339,
}

// ParseGatewayTime parses the gateway's timestamp formats.
func ParseGatewayTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range gatewayTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized gateway timestamp %q", s)
}

// NormalizePhone converts a subscriber number to international form:
// a leading 0 becomes the 254 country prefix, a leading + is stripped.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") {
		return "254" + phone[1:]
	}
	return phone
}
