package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"staypay/internal/common/api"
	"staypay/internal/common/database"
	"staypay/internal/common/money"
	"staypay/internal/gateway"
	"staypay/internal/initiate"
	"staypay/internal/intent"
	"staypay/internal/ledger"
	"staypay/internal/settlement"
)

type fakeReconciler struct {
	outcome settlement.Outcome
	err     error
	lastCol *gateway.CollectionResult
}

func (f *fakeReconciler) ProcessCollectionResult(_ context.Context, res *gateway.CollectionResult) (settlement.Outcome, error) {
	f.lastCol = res
	return f.outcome, f.err
}

func (f *fakeReconciler) ProcessDisbursementResult(context.Context, *gateway.DisbursementResult) (settlement.Outcome, error) {
	return f.outcome, f.err
}

type fakeInitiator struct {
	intent *intent.PaymentIntent
	err    error
}

func (f *fakeInitiator) Collect(context.Context, initiate.CollectionRequest) (*intent.PaymentIntent, error) {
	return f.intent, f.err
}
func (f *fakeInitiator) Payout(context.Context, initiate.PayoutRequest) (*intent.PaymentIntent, error) {
	return f.intent, f.err
}
func (f *fakeInitiator) Refund(context.Context, initiate.PayoutRequest) (*intent.PaymentIntent, error) {
	return f.intent, f.err
}

type fakeQueries struct {
	entry  *ledger.BookingEntry
	wallet *ledger.Wallet
}

func (f *fakeQueries) GetBookingEntry(_ context.Context, id string) (*ledger.BookingEntry, error) {
	if f.entry == nil || f.entry.BookingID != id {
		return nil, database.ErrNotFound
	}
	return f.entry, nil
}

func (f *fakeQueries) GetWallet(_ context.Context, ownerID string) (*ledger.Wallet, error) {
	if f.wallet == nil || f.wallet.OwnerID != ownerID {
		return nil, database.ErrNotFound
	}
	return f.wallet, nil
}

type fakeGateway struct {
	stk          *gateway.STKQueryResponse
	query        *gateway.QueryResponse
	err          error
	lastCheckout string
	lastTxID     string
}

func (f *fakeGateway) STKQuery(_ context.Context, checkoutRequestID string) (*gateway.STKQueryResponse, error) {
	f.lastCheckout = checkoutRequestID
	return f.stk, f.err
}

func (f *fakeGateway) AccountBalance(context.Context) (*gateway.QueryResponse, error) {
	return f.query, f.err
}

func (f *fakeGateway) TransactionStatus(_ context.Context, transactionID, _ string) (*gateway.QueryResponse, error) {
	f.lastTxID = transactionID
	return f.query, f.err
}

func serve(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) api.Ack {
	t.Helper()
	var ack api.Ack
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decoding ack: %v (body %s)", err, rec.Body.String())
	}
	return ack
}

const stkBody = `{"Body":{"stkCallback":{"MerchantRequestID":"mr-1","CheckoutRequestID":"cr-1",
	"ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[
	{"Name":"Amount","Value":4000},{"Name":"MpesaReceiptNumber","Value":"RCP-A"},
	{"Name":"PhoneNumber","Value":254708374149}]}}}}`

func TestCollectionCallbackAck(t *testing.T) {
	rec := &fakeReconciler{outcome: settlement.Outcome{Status: "settled", Settled: true, Message: "collection settled"}}
	h := NewHandler(rec, &fakeInitiator{}, &fakeQueries{}, &fakeGateway{}, slog.Default())

	w := serve(h, http.MethodPost, "/webhooks/collections", stkBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	ack := decodeAck(t, w)
	if !ack.Settled || ack.Message != "collection settled" {
		t.Errorf("ack = %+v", ack)
	}
	if rec.lastCol == nil || rec.lastCol.Receipt != "RCP-A" {
		t.Errorf("parsed result = %+v", rec.lastCol)
	}
}

func TestWebhooksNever4xx(t *testing.T) {
	cases := []struct {
		name       string
		reconciler *fakeReconciler
		path       string
		body       string
	}{
		{"malformed collection body", &fakeReconciler{}, "/webhooks/collections", `not json`},
		{"missing stkCallback", &fakeReconciler{}, "/webhooks/collections", `{"Body":{}}`},
		{"ledger failure", &fakeReconciler{err: errors.New("deadlock detected")}, "/webhooks/collections", stkBody},
		{"malformed disbursement body", &fakeReconciler{}, "/webhooks/disbursements", `{`},
		{"disbursement ledger failure", &fakeReconciler{err: errors.New("connection lost")},
			"/webhooks/disbursements", `{"Result":{"ResultCode":0,"TransactionID":"NLJ1"}}`},
		{"timeout callback", &fakeReconciler{}, "/webhooks/disbursements/timeout", `{"anything":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(tc.reconciler, &fakeInitiator{}, &fakeQueries{}, &fakeGateway{}, slog.Default())
			w := serve(h, http.MethodPost, tc.path, tc.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, webhooks must always ack 200", w.Code)
			}
		})
	}
}

func TestLedgerErrorReportedInAckBody(t *testing.T) {
	h := NewHandler(&fakeReconciler{err: errors.New("deadlock detected")}, &fakeInitiator{}, &fakeQueries{}, &fakeGateway{}, slog.Default())

	w := serve(h, http.MethodPost, "/webhooks/collections", stkBody)
	ack := decodeAck(t, w)
	if ack.Settled {
		t.Error("ack must not claim settlement on ledger failure")
	}
	if ack.LedgerError == "" {
		t.Error("ledger error missing from ack body")
	}
}

func TestInitiateCollection(t *testing.T) {
	seeded, err := intent.NewCollection("guest-1", "booking-1", money.FromMajor(4000, money.KES), "254708374149", "mr-1", "cr-1")
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(&fakeReconciler{}, &fakeInitiator{intent: seeded}, &fakeQueries{}, &fakeGateway{}, slog.Default())

	w := serve(h, http.MethodPost, "/payments/collections",
		`{"guest_id":"guest-1","booking_id":"booking-1","amount":4000,"phone":"0708374149"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	// Validation failures are client errors, unlike webhook acks.
	w = serve(h, http.MethodPost, "/payments/collections", `{"guest_id":"guest-1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("validation status = %d", w.Code)
	}
}

func TestInitiatePayoutGatewayDown(t *testing.T) {
	h := NewHandler(&fakeReconciler{}, &fakeInitiator{err: errors.New("gateway unreachable")}, &fakeQueries{}, &fakeGateway{}, slog.Default())

	w := serve(h, http.MethodPost, "/payments/payouts",
		`{"subject_id":"host-1","amount":8750,"phone":"254708374149"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d", w.Code)
	}
}

func TestSTKQueryEndpoint(t *testing.T) {
	gw := &fakeGateway{stk: &gateway.STKQueryResponse{
		ResponseCode: "0", CheckoutRequestID: "cr-1", ResultCode: "1032", ResultDesc: "Request cancelled by user",
	}}
	h := NewHandler(&fakeReconciler{}, &fakeInitiator{}, &fakeQueries{}, gw, slog.Default())

	w := serve(h, http.MethodPost, "/gateway/stk-query", `{"checkout_request_id":"cr-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if gw.lastCheckout != "cr-1" {
		t.Errorf("queried checkout id = %q", gw.lastCheckout)
	}
	var resp struct {
		Data gateway.STKQueryResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.ResultCode != "1032" {
		t.Errorf("result code = %q", resp.Data.ResultCode)
	}

	w = serve(h, http.MethodPost, "/gateway/stk-query", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing checkout id status = %d", w.Code)
	}
}

func TestTransactionStatusEndpoint(t *testing.T) {
	gw := &fakeGateway{query: &gateway.QueryResponse{ResponseCode: "0", ConversationID: "AG_1"}}
	h := NewHandler(&fakeReconciler{}, &fakeInitiator{}, &fakeQueries{}, gw, slog.Default())

	w := serve(h, http.MethodPost, "/gateway/transaction-status",
		`{"transaction_id":"NLJ41HAY6Q","originator_conversation_id":"10571-7910404-1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if gw.lastTxID != "NLJ41HAY6Q" {
		t.Errorf("queried transaction id = %q", gw.lastTxID)
	}
}

func TestAccountBalanceRoundTrip(t *testing.T) {
	gw := &fakeGateway{query: &gateway.QueryResponse{ResponseCode: "0"}}
	h := NewHandler(&fakeReconciler{}, &fakeInitiator{}, &fakeQueries{}, gw, slog.Default())

	w := serve(h, http.MethodPost, "/gateway/balance", ``)
	if w.Code != http.StatusAccepted {
		t.Fatalf("request status = %d", w.Code)
	}

	// The gateway later posts the balances to the result webhook.
	balanceBody := `{"Result":{"ResultCode":0,"ResultParameters":{"ResultParameter":[
		{"Key":"AccountBalance","Value":"Working Account|KES|700000.00|700000.00|0.00|0.00&Utility Account|KES|0.00|0.00|0.00|0.00"}]}}}`
	w = serve(h, http.MethodPost, "/webhooks/balance", balanceBody)
	if w.Code != http.StatusOK {
		t.Fatalf("result webhook status = %d", w.Code)
	}
	ack := decodeAck(t, w)
	if ack.Code != 0 {
		t.Errorf("ack = %+v", ack)
	}
}

func TestGatewayQueryFailureIs502(t *testing.T) {
	gw := &fakeGateway{err: errors.New("gateway unreachable")}
	h := NewHandler(&fakeReconciler{}, &fakeInitiator{}, &fakeQueries{}, gw, slog.Default())

	w := serve(h, http.MethodPost, "/gateway/stk-query", `{"checkout_request_id":"cr-1"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("stk query status = %d", w.Code)
	}
	w = serve(h, http.MethodPost, "/gateway/balance", ``)
	if w.Code != http.StatusBadGateway {
		t.Errorf("balance status = %d", w.Code)
	}
}

func TestBookingPaymentStatus(t *testing.T) {
	entry := ledger.NewBookingEntry("booking-1", "host-1", money.FromMajor(10000, money.KES))
	if _, err := entry.ApplyCollection(money.FromMajor(4000, money.KES), "RCP-A"); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(&fakeReconciler{}, &fakeInitiator{}, &fakeQueries{entry: entry}, &fakeGateway{}, slog.Default())

	w := serve(h, http.MethodGet, "/bookings/booking-1/payment-status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data BookingPaymentStatusResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Complete || resp.Data.CommissionApplied {
		t.Errorf("response = %+v", resp.Data)
	}
	if resp.Data.Receipts != 1 {
		t.Errorf("receipts = %d", resp.Data.Receipts)
	}

	w = serve(h, http.MethodGet, "/bookings/unknown/payment-status", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown booking status = %d", w.Code)
	}
}

func TestWalletBalance(t *testing.T) {
	wallet := ledger.NewWallet("host-1", ledger.RoleHost, money.KES)
	if err := wallet.Credit(money.FromMajor(8750, money.KES)); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(&fakeReconciler{}, &fakeInitiator{}, &fakeQueries{wallet: wallet}, &fakeGateway{}, slog.Default())

	w := serve(h, http.MethodGet, "/wallets/host-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data ledger.Wallet `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Data.Balance.Equal(money.FromMajor(8750, money.KES)) {
		t.Errorf("balance = %+v", resp.Data.Balance)
	}

	w = serve(h, http.MethodGet, "/wallets/unknown", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown wallet status = %d", w.Code)
	}
}
