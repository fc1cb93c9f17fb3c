package gateway

import (
	"testing"
	"time"

	"staypay/internal/common/money"
)

const successSTKBody = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 4000.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const failedSTKBody = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestParseCollectionResult_Success(t *testing.T) {
	res, err := ParseCollectionResult([]byte(successSTKBody))
	if err != nil {
		t.Fatalf("ParseCollectionResult: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected success, got result code %d", res.ResultCode)
	}
	if res.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Errorf("checkout request id = %q", res.CheckoutRequestID)
	}
	if res.Receipt != "NLJ7RT61SV" {
		t.Errorf("receipt = %q", res.Receipt)
	}
	if want := money.FromMajor(4000, money.KES); !res.Amount.Equal(want) {
		t.Errorf("amount = %+v, want %+v", res.Amount, want)
	}
	if res.Phone != "254708374149" {
		t.Errorf("phone = %q", res.Phone)
	}
	if res.CompletedAt == nil {
		t.Fatal("expected completed at")
	}
	want := time.Date(2019, 12, 19, 10, 21, 15, 0, time.UTC)
	if !res.CompletedAt.Equal(want) {
		t.Errorf("completed at = %v, want %v", res.CompletedAt, want)
	}
}

func TestParseCollectionResult_Failure(t *testing.T) {
	res, err := ParseCollectionResult([]byte(failedSTKBody))
	if err != nil {
		t.Fatalf("ParseCollectionResult: %v", err)
	}
	if res.OK() {
		t.Fatal("expected failure result")
	}
	if res.ResultCode != 1032 {
		t.Errorf("result code = %d", res.ResultCode)
	}
	if res.Receipt != "" || !res.Amount.IsZero() {
		t.Errorf("failure result carried metadata: receipt=%q amount=%+v", res.Receipt, res.Amount)
	}
}

func TestParseCollectionResult_Malformed(t *testing.T) {
	if _, err := ParseCollectionResult([]byte(`{"Body": {}}`)); err == nil {
		t.Error("expected error for missing stkCallback")
	}
	if _, err := ParseCollectionResult([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed body")
	}
}

const successB2CBody = `{
  "Result": {
    "ResultType": 0,
    "ResultCode": 0,
    "ResultDesc": "The service request is processed successfully.",
    "OriginatorConversationID": "10571-7910404-1",
    "ConversationID": "AG_20191219_00004e48cf7e3533f581",
    "TransactionID": "NLJ41HAY6Q",
    "ResultParameters": {
      "ResultParameter": [
        {"Key": "TransactionAmount", "Value": 8750},
        {"Key": "TransactionReceipt", "Value": "NLJ41HAY6Q"},
        {"Key": "B2CRecipientIsRegisteredCustomer", "Value": "Y"},
        {"Key": "ReceiverPartyPublicName", "Value": "254708374149 - John Doe"},
        {"Key": "TransactionCompletedDateTime", "Value": "19.12.2019 11:45:50"}
      ]
    }
  }
}`

func TestParseDisbursementResult_Success(t *testing.T) {
	res, err := ParseDisbursementResult([]byte(successB2CBody))
	if err != nil {
		t.Fatalf("ParseDisbursementResult: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected success, got code %d", res.ResultCode)
	}
	if res.OriginatorConversationID != "10571-7910404-1" {
		t.Errorf("originator conversation id = %q", res.OriginatorConversationID)
	}
	if res.ConversationID != "AG_20191219_00004e48cf7e3533f581" {
		t.Errorf("conversation id = %q", res.ConversationID)
	}
	if res.Receipt != "NLJ41HAY6Q" {
		t.Errorf("receipt = %q", res.Receipt)
	}
	if want := money.FromMajor(8750, money.KES); !res.Amount.Equal(want) {
		t.Errorf("amount = %+v, want %+v", res.Amount, want)
	}
	if !res.RecipientRegistered {
		t.Error("expected registered recipient")
	}
	if res.RecipientName != "254708374149 - John Doe" {
		t.Errorf("recipient name = %q", res.RecipientName)
	}
	if res.CompletedAt == nil {
		t.Fatal("expected completed at")
	}
	want := time.Date(2019, 12, 19, 11, 45, 50, 0, time.UTC)
	if !res.CompletedAt.Equal(want) {
		t.Errorf("completed at = %v, want %v", res.CompletedAt, want)
	}
}

func TestParseDisbursementResult_FailureFallsBackToTransactionID(t *testing.T) {
	body := `{"Result": {"ResultCode": 2001, "ResultDesc": "The initiator information is invalid.",
		"OriginatorConversationID": "10571-7910404-1", "ConversationID": "AG_x", "TransactionID": "NLJ0000000"}}`
	res, err := ParseDisbursementResult([]byte(body))
	if err != nil {
		t.Fatalf("ParseDisbursementResult: %v", err)
	}
	if res.OK() {
		t.Fatal("expected failure result")
	}
	if res.Receipt != "NLJ0000000" {
		t.Errorf("receipt = %q, want transaction id fallback", res.Receipt)
	}
}

func TestParseAccountBalanceResult(t *testing.T) {
	body := `{"Result":{"ResultType":0,"ResultCode":0,"ResultDesc":"success",
		"ResultParameters":{"ResultParameter":[
			{"Key":"AccountBalance","Value":"Working Account|KES|700000.00|700000.00|0.00|0.00&Utility Account|KES|2500.50|2500.50|0.00|0.00"},
			{"Key":"BOCompletedTime","Value":20191219113000}]}}}`
	accounts, err := ParseAccountBalanceResult([]byte(body))
	if err != nil {
		t.Fatalf("ParseAccountBalanceResult: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts = %v", accounts)
	}
	if want := money.FromMajor(700000, money.KES); !accounts["Working Account"].Equal(want) {
		t.Errorf("working account = %+v", accounts["Working Account"])
	}
	if want := money.FromMajor(2500.50, money.KES); !accounts["Utility Account"].Equal(want) {
		t.Errorf("utility account = %+v", accounts["Utility Account"])
	}

	if _, err := ParseAccountBalanceResult([]byte(`{}`)); err == nil {
		t.Error("expected error for missing Result")
	}
}

func TestParseGatewayTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"20191219102115", time.Date(2019, 12, 19, 10, 21, 15, 0, time.UTC)},
		{"19.12.2019 11:45:50", time.Date(2019, 12, 19, 11, 45, 50, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := ParseGatewayTime(tc.in)
		if err != nil {
			t.Errorf("ParseGatewayTime(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParseGatewayTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseGatewayTime("yesterday"); err == nil {
		t.Error("expected error for unrecognized timestamp")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct{ in, want string }{
		{"0708374149", "254708374149"},
		{"254708374149", "254708374149"},
		{"+254708374149", "254708374149"},
		{" 0712345678 ", "254712345678"},
	}
	for _, tc := range tests {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResultCodeMessage(t *testing.T) {
	if got := ResultCodeMessage(1032, ""); got != "Request cancelled by user" {
		t.Errorf("message for 1032 = %q", got)
	}
	if got := ResultCodeMessage(4242, "weird gateway state"); got != "weird gateway state" {
		t.Errorf("unknown code should fall back to desc, got %q", got)
	}
	if got := ResultCodeMessage(4242, ""); got != "Unknown result" {
		t.Errorf("unknown code with no desc = %q", got)
	}
}
