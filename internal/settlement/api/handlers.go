// Package api exposes the settlement HTTP surface: gateway webhooks,
// payment initiation and the booking/wallet query endpoints.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"staypay/internal/common/api"
	"staypay/internal/common/database"
	"staypay/internal/gateway"
	"staypay/internal/initiate"
	"staypay/internal/intent"
	"staypay/internal/ledger"
	"staypay/internal/settlement"
)

// Reconciler is the settlement orchestrator surface.
type Reconciler interface {
	ProcessCollectionResult(ctx context.Context, res *gateway.CollectionResult) (settlement.Outcome, error)
	ProcessDisbursementResult(ctx context.Context, res *gateway.DisbursementResult) (settlement.Outcome, error)
}

// Initiator starts collections, payouts and refunds.
type Initiator interface {
	Collect(ctx context.Context, req initiate.CollectionRequest) (*intent.PaymentIntent, error)
	Payout(ctx context.Context, req initiate.PayoutRequest) (*intent.PaymentIntent, error)
	Refund(ctx context.Context, req initiate.PayoutRequest) (*intent.PaymentIntent, error)
}

// QueryStore serves the read-only reporting surface.
type QueryStore interface {
	GetBookingEntry(ctx context.Context, bookingID string) (*ledger.BookingEntry, error)
	GetWallet(ctx context.Context, ownerID string) (*ledger.Wallet, error)
}

// GatewayQuerier issues status and balance queries against the gateway.
type GatewayQuerier interface {
	STKQuery(ctx context.Context, checkoutRequestID string) (*gateway.STKQueryResponse, error)
	AccountBalance(ctx context.Context) (*gateway.QueryResponse, error)
	TransactionStatus(ctx context.Context, transactionID, originatorConversationID string) (*gateway.QueryResponse, error)
}

// Handler handles settlement HTTP requests.
type Handler struct {
	reconciler Reconciler
	initiator  Initiator
	queries    QueryStore
	gateway    GatewayQuerier
	logger     *slog.Logger
}

// NewHandler creates a settlement handler.
func NewHandler(reconciler Reconciler, initiator Initiator, queries QueryStore, gw GatewayQuerier, logger *slog.Logger) *Handler {
	return &Handler{reconciler: reconciler, initiator: initiator, queries: queries, gateway: gw, logger: logger}
}

// Routes returns the settlement routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Gateway result webhooks. These always return 200: a 4xx/5xx would
	// make the gateway retry and storm the orphan audit path.
	r.Post("/webhooks/collections", h.CollectionCallback)
	r.Post("/webhooks/disbursements", h.DisbursementCallback)
	r.Post("/webhooks/disbursements/timeout", h.DisbursementTimeout)
	r.Post("/webhooks/balance", h.BalanceResult)
	r.Post("/webhooks/balance/timeout", h.QueryTimeout)
	r.Post("/webhooks/transaction-status", h.TransactionStatusResult)
	r.Post("/webhooks/transaction-status/timeout", h.QueryTimeout)

	// Initiation.
	r.Post("/payments/collections", h.InitiateCollection)
	r.Post("/payments/payouts", h.InitiatePayout)
	r.Post("/payments/refunds", h.InitiateRefund)

	// Query surface.
	r.Get("/bookings/{id}/payment-status", h.BookingPaymentStatus)
	r.Get("/wallets/{ownerID}", h.WalletBalance)

	// Gateway status queries, for payments whose callback never arrived.
	r.Post("/gateway/stk-query", h.STKQuery)
	r.Post("/gateway/balance", h.RequestAccountBalance)
	r.Post("/gateway/transaction-status", h.RequestTransactionStatus)

	return r
}

// CollectionCallback handles POST /webhooks/collections.
func (h *Handler) CollectionCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.WriteAck(w, api.Ack{Code: 1, Message: "unreadable body"})
		return
	}

	res, err := gateway.ParseCollectionResult(body)
	if err != nil {
		h.logger.Warn("malformed collection callback", "error", err)
		api.WriteAck(w, api.Ack{Code: 1, Message: "malformed payload recorded"})
		return
	}

	out, err := h.reconciler.ProcessCollectionResult(r.Context(), res)
	if err != nil {
		// The transaction aborted; the gateway gets an affirmative ack
		// and its re-delivery is caught by the idempotency guard.
		api.WriteAck(w, api.Ack{Code: 1, Message: "processing failed", LedgerError: err.Error()})
		return
	}
	api.WriteAck(w, api.Ack{Settled: out.Settled, Code: out.Code, Message: out.Message})
}

// DisbursementCallback handles POST /webhooks/disbursements.
func (h *Handler) DisbursementCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.WriteAck(w, api.Ack{Code: 1, Message: "unreadable body"})
		return
	}

	res, err := gateway.ParseDisbursementResult(body)
	if err != nil {
		h.logger.Warn("malformed disbursement callback", "error", err)
		api.WriteAck(w, api.Ack{Code: 1, Message: "malformed payload recorded"})
		return
	}

	out, err := h.reconciler.ProcessDisbursementResult(r.Context(), res)
	if err != nil {
		api.WriteAck(w, api.Ack{Code: 1, Message: "processing failed", LedgerError: err.Error()})
		return
	}
	api.WriteAck(w, api.Ack{Settled: out.Settled, Code: out.Code, Message: out.Message})
}

// DisbursementTimeout handles POST /webhooks/disbursements/timeout.
// The gateway posts here when a payout request expired in its queue;
// the result callback with the actual failure code follows separately.
func (h *Handler) DisbursementTimeout(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.logger.Warn("disbursement queue timeout", "body", string(body))
	api.WriteAck(w, api.Ack{Code: 0, Message: "timeout recorded"})
}

// BalanceResult handles POST /webhooks/balance. Balances are reported
// for operator visibility only; nothing in the ledger moves.
func (h *Handler) BalanceResult(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.WriteAck(w, api.Ack{Code: 1, Message: "unreadable body"})
		return
	}

	accounts, err := gateway.ParseAccountBalanceResult(body)
	if err != nil {
		h.logger.Warn("malformed balance result", "error", err)
		api.WriteAck(w, api.Ack{Code: 1, Message: "malformed payload recorded"})
		return
	}
	for name, balance := range accounts {
		h.logger.Info("gateway account balance", "account", name, "balance", balance.String())
	}
	api.WriteAck(w, api.Ack{Code: 0, Message: "balance recorded"})
}

// TransactionStatusResult handles POST /webhooks/transaction-status.
// The gateway re-delivers the transaction outcome in the same shape as
// a disbursement result, so it goes through the reconciler; the
// idempotency guard absorbs anything already settled.
func (h *Handler) TransactionStatusResult(w http.ResponseWriter, r *http.Request) {
	h.DisbursementCallback(w, r)
}

// QueryTimeout handles the queue timeout webhooks for balance and
// transaction status queries.
func (h *Handler) QueryTimeout(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.logger.Warn("gateway query queue timeout", "body", string(body))
	api.WriteAck(w, api.Ack{Code: 0, Message: "timeout recorded"})
}

// STKQueryRequest asks for the status of an earlier collection push.
type STKQueryRequest struct {
	CheckoutRequestID string `json:"checkout_request_id" validate:"required"`
}

// STKQuery handles POST /gateway/stk-query.
func (h *Handler) STKQuery(w http.ResponseWriter, r *http.Request) {
	var req STKQueryRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	resp, err := h.gateway.STKQuery(r.Context(), req.CheckoutRequestID)
	if err != nil {
		h.logger.Error("stk query failed", "checkout_request_id", req.CheckoutRequestID, "error", err)
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayError, "status query failed")
		return
	}
	api.WriteData(w, http.StatusOK, resp)
}

// RequestAccountBalance handles POST /gateway/balance. The balances
// arrive asynchronously on the balance webhook.
func (h *Handler) RequestAccountBalance(w http.ResponseWriter, r *http.Request) {
	resp, err := h.gateway.AccountBalance(r.Context())
	if err != nil {
		h.logger.Error("account balance query failed", "error", err)
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayError, "balance query failed")
		return
	}
	api.WriteData(w, http.StatusAccepted, resp)
}

// TransactionStatusRequest asks the gateway to re-deliver a
// disbursement outcome.
type TransactionStatusRequest struct {
	TransactionID            string `json:"transaction_id" validate:"required"`
	OriginatorConversationID string `json:"originator_conversation_id" validate:"required"`
}

// RequestTransactionStatus handles POST /gateway/transaction-status.
func (h *Handler) RequestTransactionStatus(w http.ResponseWriter, r *http.Request) {
	var req TransactionStatusRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	resp, err := h.gateway.TransactionStatus(r.Context(), req.TransactionID, req.OriginatorConversationID)
	if err != nil {
		h.logger.Error("transaction status query failed", "transaction_id", req.TransactionID, "error", err)
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayError, "status query failed")
		return
	}
	api.WriteData(w, http.StatusAccepted, resp)
}

// InitiateCollection handles POST /payments/collections.
func (h *Handler) InitiateCollection(w http.ResponseWriter, r *http.Request) {
	var req initiate.CollectionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	i, err := h.initiator.Collect(r.Context(), req)
	if err != nil {
		h.logger.Error("collection initiation failed", "booking_id", req.BookingID, "error", err)
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayError, "collection could not be initiated")
		return
	}
	api.WriteData(w, http.StatusCreated, i)
}

// InitiatePayout handles POST /payments/payouts.
func (h *Handler) InitiatePayout(w http.ResponseWriter, r *http.Request) {
	h.initiateOutbound(w, r, h.initiator.Payout)
}

// InitiateRefund handles POST /payments/refunds.
func (h *Handler) InitiateRefund(w http.ResponseWriter, r *http.Request) {
	h.initiateOutbound(w, r, h.initiator.Refund)
}

func (h *Handler) initiateOutbound(w http.ResponseWriter, r *http.Request, start func(context.Context, initiate.PayoutRequest) (*intent.PaymentIntent, error)) {
	var req initiate.PayoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	i, err := start(r.Context(), req)
	if err != nil {
		h.logger.Error("outbound initiation failed", "subject_id", req.SubjectID, "error", err)
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayError, "payment could not be initiated")
		return
	}
	api.WriteData(w, http.StatusCreated, i)
}

// BookingPaymentStatusResponse reports a booking's payment progress.
type BookingPaymentStatusResponse struct {
	BookingID         string `json:"booking_id"`
	Accumulated       string `json:"accumulated"`
	Required          string `json:"required"`
	Complete          bool   `json:"complete"`
	CommissionApplied bool   `json:"commission_applied"`
	Commission        string `json:"commission,omitempty"`
	Receipts          int    `json:"receipts"`
}

// BookingPaymentStatus handles GET /bookings/{id}/payment-status.
func (h *Handler) BookingPaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "booking ID required")
		return
	}

	entry, err := h.queries.GetBookingEntry(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "no payments recorded for booking")
			return
		}
		api.InternalError(w, "failed to load payment status")
		return
	}

	resp := BookingPaymentStatusResponse{
		BookingID:         entry.BookingID,
		Accumulated:       entry.Accumulated.String(),
		Required:          entry.Required.String(),
		Complete:          entry.Required.IsPositive() && entry.Accumulated.GTE(entry.Required),
		CommissionApplied: entry.CommissionApplied,
		Receipts:          len(entry.AppliedReceipts),
	}
	if entry.CommissionApplied {
		resp.Commission = entry.CommissionAmount.String()
	}
	api.WriteData(w, http.StatusOK, resp)
}

// WalletBalance handles GET /wallets/{ownerID}.
func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	if ownerID == "" {
		api.BadRequest(w, "owner ID required")
		return
	}

	wallet, err := h.queries.GetWallet(r.Context(), ownerID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "wallet not found")
			return
		}
		api.InternalError(w, "failed to load wallet")
		return
	}
	api.WriteData(w, http.StatusOK, wallet)
}
