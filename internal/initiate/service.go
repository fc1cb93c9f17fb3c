// Package initiate drives the outbound side: it asks the gateway to
// start collections and payouts and records the pending intent the
// settlement engine will later reconcile against.
package initiate

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/oklog/ulid/v2"

	"staypay/internal/common/money"
	"staypay/internal/gateway"
	"staypay/internal/intent"
)

// Gateway is the outbound surface of the mobile-money client.
type Gateway interface {
	STKPush(ctx context.Context, req gateway.STKPushRequest) (*gateway.STKPushResponse, error)
	B2CPayment(ctx context.Context, req gateway.B2CRequest) (*gateway.B2CResponse, error)
}

// IntentStore persists the pending intent after the gateway accepts.
type IntentStore interface {
	Create(ctx context.Context, i *intent.PaymentIntent) error
}

// Service initiates collections, payouts and refunds.
type Service struct {
	gateway Gateway
	intents IntentStore
	logger  *slog.Logger
}

// NewService creates the initiation service.
func NewService(gw Gateway, intents IntentStore, logger *slog.Logger) *Service {
	return &Service{gateway: gw, intents: intents, logger: logger}
}

// CollectionRequest asks a guest's handset to approve a payment.
type CollectionRequest struct {
	GuestID     string  `json:"guest_id" validate:"required"`
	BookingID   string  `json:"booking_id" validate:"required"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	Phone       string  `json:"phone" validate:"required,min=9"`
	Description string  `json:"description"`
}

// Collect pushes an STK request and records the pending intent. The
// gateway's correlation ids are the keys the callback is matched by.
func (s *Service) Collect(ctx context.Context, req CollectionRequest) (*intent.PaymentIntent, error) {
	amount := money.FromMajor(req.Amount, money.KES)
	phone := gateway.NormalizePhone(req.Phone)

	push, err := s.gateway.STKPush(ctx, gateway.STKPushRequest{
		Phone:       phone,
		AmountMajor: wholeMajor(amount),
		AccountRef:  req.BookingID,
		Description: req.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("initiating collection: %w", err)
	}

	i, err := intent.NewCollection(req.GuestID, req.BookingID, amount, phone,
		push.MerchantRequestID, push.CheckoutRequestID)
	if err != nil {
		return nil, err
	}
	if err := s.intents.Create(ctx, i); err != nil {
		return nil, fmt.Errorf("recording collection intent: %w", err)
	}

	s.logger.Info("collection initiated",
		"intent_id", i.ID,
		"booking_id", req.BookingID,
		"checkout_request_id", push.CheckoutRequestID,
	)
	return i, nil
}

// PayoutRequest moves held funds out to a host, or money back to a
// guest when kind is refund.
type PayoutRequest struct {
	SubjectID string  `json:"subject_id" validate:"required"`
	BookingID string  `json:"booking_id"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
	Phone     string  `json:"phone" validate:"required,min=9"`
	Remarks   string  `json:"remarks"`
}

// Payout initiates a host disbursement.
func (s *Service) Payout(ctx context.Context, req PayoutRequest) (*intent.PaymentIntent, error) {
	return s.outbound(ctx, intent.KindDisbursement, req)
}

// Refund initiates a guest refund.
func (s *Service) Refund(ctx context.Context, req PayoutRequest) (*intent.PaymentIntent, error) {
	return s.outbound(ctx, intent.KindRefund, req)
}

func (s *Service) outbound(ctx context.Context, kind intent.Kind, req PayoutRequest) (*intent.PaymentIntent, error) {
	amount := money.FromMajor(req.Amount, money.KES)
	phone := gateway.NormalizePhone(req.Phone)
	originatorID := ulid.Make().String()

	remarks := req.Remarks
	if remarks == "" {
		remarks = string(kind)
	}
	resp, err := s.gateway.B2CPayment(ctx, gateway.B2CRequest{
		OriginatorConversationID: originatorID,
		Phone:                    phone,
		AmountMajor:              wholeMajor(amount),
		CommandID:                "BusinessPayment",
		Remarks:                  remarks,
		Occasion:                 req.BookingID,
	})
	if err != nil {
		return nil, fmt.Errorf("initiating %s: %w", kind, err)
	}

	i, err := intent.NewOutbound(kind, req.SubjectID, req.BookingID, amount, phone,
		originatorID, resp.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.intents.Create(ctx, i); err != nil {
		return nil, fmt.Errorf("recording %s intent: %w", kind, err)
	}

	s.logger.Info("outbound payment initiated",
		"intent_id", i.ID,
		"kind", kind,
		"originator_conversation_id", originatorID,
		"conversation_id", resp.ConversationID,
	)
	return i, nil
}

// wholeMajor rounds to whole currency units; the gateway rejects
// fractional amounts on initiation.
func wholeMajor(m money.Money) int64 {
	return int64(math.Round(m.ToMajor()))
}
