package intent

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"staypay/internal/common/database"
	"staypay/internal/gateway"
)

// DisbursementFinder is the lookup surface the matcher needs. All
// lookups run in the caller's transaction.
type DisbursementFinder interface {
	ByOriginatorConversationIDTx(ctx context.Context, tx pgx.Tx, id string) (*PaymentIntent, error)
	ByConversationIDTx(ctx context.Context, tx pgx.Tx, id string) (*PaymentIntent, error)
	// PendingOutboundByPhoneAmountTx matches only intents still PENDING,
	// of an outbound kind, with the exact phone and minor amount.
	PendingOutboundByPhoneAmountTx(ctx context.Context, tx pgx.Tx, phone string, amountMinor int64) (*PaymentIntent, error)
}

// matchStrategy is one ranked attempt at correlating a disbursement
// result to its intent.
type matchStrategy struct {
	name string
	find func(ctx context.Context, tx pgx.Tx, f DisbursementFinder, res *gateway.DisbursementResult) (*PaymentIntent, error)
}

// disbursementStrategies are tried in order; first hit wins. The
// phone/amount strategy is a last-resort heuristic: it only considers
// pending outbound intents and still carries a mismatch risk when two
// identical payouts to the same number are in flight.
var disbursementStrategies = []matchStrategy{
	{
		name: "originator_conversation_id",
		find: func(ctx context.Context, tx pgx.Tx, f DisbursementFinder, res *gateway.DisbursementResult) (*PaymentIntent, error) {
			if res.OriginatorConversationID == "" {
				return nil, database.ErrNotFound
			}
			return f.ByOriginatorConversationIDTx(ctx, tx, res.OriginatorConversationID)
		},
	},
	{
		name: "conversation_id",
		find: func(ctx context.Context, tx pgx.Tx, f DisbursementFinder, res *gateway.DisbursementResult) (*PaymentIntent, error) {
			if res.ConversationID == "" {
				return nil, database.ErrNotFound
			}
			return f.ByConversationIDTx(ctx, tx, res.ConversationID)
		},
	},
	{
		name: "phone_amount",
		find: func(ctx context.Context, tx pgx.Tx, f DisbursementFinder, res *gateway.DisbursementResult) (*PaymentIntent, error) {
			phone := PhoneFromRecipientName(res.RecipientName)
			if phone == "" || res.Amount.IsZero() {
				return nil, database.ErrNotFound
			}
			return f.PendingOutboundByPhoneAmountTx(ctx, tx, phone, res.Amount.AmountMinor)
		},
	},
}

// MatchDisbursement correlates a disbursement result to its intent by
// trying the ranked strategies. It returns the winning strategy's name
// for audit logging, or database.ErrNotFound when nothing matched.
func MatchDisbursement(ctx context.Context, tx pgx.Tx, f DisbursementFinder, res *gateway.DisbursementResult) (*PaymentIntent, string, error) {
	for _, s := range disbursementStrategies {
		found, err := s.find(ctx, tx, f, res)
		switch {
		case err == nil:
			return found, s.name, nil
		case database.IsNotFound(err):
			continue
		default:
			return nil, s.name, err
		}
	}
	return nil, "", database.ErrNotFound
}

// PhoneFromRecipientName extracts the subscriber number from the
// gateway's "254708374149 - John Doe" recipient form. Returns empty
// when the leading token is not a plausible number.
func PhoneFromRecipientName(name string) string {
	head, _, _ := strings.Cut(strings.TrimSpace(name), " - ")
	head = gateway.NormalizePhone(head)
	if len(head) < 9 {
		return ""
	}
	for _, r := range head {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return head
}
