// Package settlement implements the reconciliation orchestrator: the
// transaction boundary that ties intent matching, idempotency, booking
// aggregation, wallet mutation and booking status into one atomic unit
// per gateway callback.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"staypay/internal/common/database"
	"staypay/internal/common/metrics"
	"staypay/internal/common/money"
	"staypay/internal/gateway"
	"staypay/internal/intent"
	"staypay/internal/ledger"
)

// Outcome is the reconciliation result reported back to the webhook
// layer. The gateway is always acked affirmatively; Outcome feeds the
// ack body.
type Outcome struct {
	Status  string `json:"status"` // settled | failed | duplicate | unmatched
	Settled bool   `json:"settled"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Service is the reconciliation orchestrator. Every callback is
// processed inside exactly one database transaction; events and metrics
// are emitted only after commit.
type Service struct {
	tx      TxRunner
	intents IntentStore
	ledger  LedgerStore
	events  EventPublisher
	logger  *slog.Logger

	platformAccountID string
}

// NewService creates the orchestrator. A missing platform account id is
// a configuration fault: commission and disbursement accounting cannot
// function without it, so construction fails loudly instead of letting
// those paths silently skip.
func NewService(tx TxRunner, intents IntentStore, ledgerStore LedgerStore, events EventPublisher, platformAccountID string, logger *slog.Logger) (*Service, error) {
	if platformAccountID == "" {
		return nil, fmt.Errorf("settlement: platform account id is not configured")
	}
	return &Service{
		tx:                tx,
		intents:           intents,
		ledger:            ledgerStore,
		events:            events,
		logger:            logger,
		platformAccountID: platformAccountID,
	}, nil
}

func duplicateOutcome(i *intent.PaymentIntent) Outcome {
	code := 0
	if i.ResultCode != nil {
		code = *i.ResultCode
	}
	return Outcome{
		Status:  "duplicate",
		Settled: i.Status == intent.StatusSettled,
		Code:    code,
		Message: "duplicate delivery, prior outcome returned",
	}
}

// ProcessCollectionResult reconciles one STK collection callback.
func (s *Service) ProcessCollectionResult(ctx context.Context, res *gateway.CollectionResult) (Outcome, error) {
	start := time.Now()
	var (
		out        Outcome
		commEvent  *commissionAppliedData
		collTotals ledger.CollectionOutcome
		bookingID  string
		intentID   string
	)

	err := s.tx.WithTx(ctx, func(tx pgx.Tx) error {
		commEvent = nil

		found, err := s.intents.FindCollectionTx(ctx, tx, res.CheckoutRequestID, res.MerchantRequestID)
		if database.IsNotFound(err) {
			return s.recordCollectionOrphan(ctx, tx, res, &out)
		}
		if err != nil {
			return err
		}
		intentID, bookingID = found.ID, found.BookingID

		if found.Status != intent.StatusPending {
			out = duplicateOutcome(found)
			return nil
		}

		if !res.OK() {
			msg := gateway.ResultCodeMessage(res.ResultCode, res.ResultDesc)
			if err := found.MarkFailed(res.ResultCode, msg); err != nil {
				return err
			}
			if err := s.intents.MarkTerminalTx(ctx, tx, found); err != nil {
				return err
			}
			out = Outcome{Status: "failed", Code: res.ResultCode, Message: msg}
			return nil
		}

		// Transactional idempotency: the advisory read catches most
		// replays, the unique receipt index catches the racing ones.
		dup, err := s.intents.AlreadySettledTx(ctx, tx, intent.KindCollection, res.Receipt)
		if err != nil {
			return err
		}
		if dup {
			out = Outcome{Status: "duplicate", Settled: true, Message: "receipt already settled"}
			return nil
		}

		if err := found.MarkSettled(intent.TerminalResult{
			Receipt:     res.Receipt,
			Code:        res.ResultCode,
			Description: res.ResultDesc,
			CompletedAt: res.CompletedAt,
		}); err != nil {
			return err
		}
		if err := s.intents.MarkTerminalTx(ctx, tx, found); err != nil {
			if errors.Is(err, database.ErrAlreadyExists) || errors.Is(err, database.ErrConflict) {
				out = Outcome{Status: "duplicate", Settled: true, Message: "receipt already settled"}
				return nil
			}
			return err
		}

		entry, created, err := s.lockOrSeedEntry(ctx, tx, found)
		if err != nil {
			return err
		}

		applied, err := entry.ApplyCollection(res.Amount, res.Receipt)
		if err != nil {
			return err
		}
		if applied.Duplicate {
			out = Outcome{Status: "duplicate", Settled: true, Message: "receipt already aggregated"}
			return nil
		}
		collTotals = applied

		if created {
			err = s.ledger.CreateBookingEntryTx(ctx, tx, entry)
		} else {
			err = s.ledger.SaveBookingEntryTx(ctx, tx, entry)
		}
		if err != nil {
			return err
		}

		if err := s.ledger.CreditWalletTx(ctx, tx, s.platformAccountID, ledger.RolePlatform, res.Amount); err != nil {
			return err
		}
		// Entries seeded for an unknown booking have no recipient; the
		// funds stay on the platform wallet until repaired.
		if entry.RecipientID != "" {
			if err := s.ledger.CreditWalletTx(ctx, tx, entry.RecipientID, ledger.RoleHost, res.Amount); err != nil {
				return err
			}
		}
		if applied.NewCommission {
			if err := s.ledger.ApplyCommissionTx(ctx, tx, s.platformAccountID, entry.RecipientID, applied.Commission); err != nil {
				return err
			}
			commEvent = &commissionAppliedData{
				RecipientID: entry.RecipientID,
				Commission:  applied.Commission,
				Accumulated: applied.Accumulated,
			}
		}

		status := BookingPaymentPartial
		if applied.Complete {
			status = BookingPaymentPaid
		}
		if err := s.ledger.UpdateBookingPaymentTx(ctx, tx, found.BookingID, status, res.Receipt); err != nil {
			return err
		}

		out = Outcome{Status: "settled", Settled: true, Message: "collection settled"}
		return nil
	})

	metrics.ReconcileDuration.WithLabelValues(string(intent.KindCollection)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues(string(intent.KindCollection), metrics.OutcomeError).Inc()
		s.logger.Error("collection reconciliation failed",
			"checkout_request_id", res.CheckoutRequestID,
			"receipt", res.Receipt,
			"error", err,
		)
		return Outcome{}, err
	}
	metrics.CallbacksTotal.WithLabelValues(string(intent.KindCollection), out.Status).Inc()

	s.logger.Info("collection callback processed",
		"intent_id", intentID,
		"booking_id", bookingID,
		"receipt", res.Receipt,
		"outcome", out.Status,
	)

	switch out.Status {
	case "settled":
		s.publish(ctx, SubjectCollectionSettled, intentID, bookingID, collectionSettledData{
			Receipt:     res.Receipt,
			Amount:      res.Amount,
			Accumulated: collTotals.Accumulated,
			Complete:    collTotals.Complete,
		})
		if commEvent != nil {
			metrics.CommissionsApplied.Inc()
			s.publish(ctx, SubjectCommissionApplied, intentID, bookingID, *commEvent)
		}
	case "failed":
		s.publish(ctx, SubjectCollectionFailed, intentID, bookingID, resultFailedData{
			Code:        out.Code,
			Description: out.Message,
		})
	case "unmatched":
		s.publish(ctx, SubjectOrphanRecorded, "", "", orphanRecordedData{
			Kind:    string(intent.KindCollection),
			Receipt: res.Receipt,
			Amount:  res.Amount,
		})
	}
	return out, nil
}

// lockOrSeedEntry row-locks the booking's ledger entry, creating it on
// the booking's first settled collection with the required total seeded
// from the booking record.
func (s *Service) lockOrSeedEntry(ctx context.Context, tx pgx.Tx, found *intent.PaymentIntent) (*ledger.BookingEntry, bool, error) {
	entry, err := s.ledger.LockBookingEntryTx(ctx, tx, found.BookingID)
	if err == nil {
		return entry, false, nil
	}
	if !database.IsNotFound(err) {
		return nil, false, err
	}

	recipientID, total, err := s.ledger.BookingTotalTx(ctx, tx, found.BookingID)
	if database.IsNotFound(err) {
		// Unknown booking: aggregate anyway with a zero required total and
		// no recipient. The money stays on the platform wallet until the
		// entry is repaired by hand; commission can never fire.
		s.logger.Warn("settling collection for unknown booking", "booking_id", found.BookingID)
		recipientID, total = "", money.Zero(found.Amount.Currency)
	} else if err != nil {
		return nil, false, err
	}
	return ledger.NewBookingEntry(found.BookingID, recipientID, total), true, nil
}

func (s *Service) recordCollectionOrphan(ctx context.Context, tx pgx.Tx, res *gateway.CollectionResult, out *Outcome) error {
	orphan := intent.NewCollectionOrphan(res)
	err := s.intents.InsertOrphanTx(ctx, tx, orphan)
	if err != nil && !errors.Is(err, database.ErrAlreadyExists) {
		return err
	}
	s.logger.Warn("unmatched collection callback recorded",
		"merchant_request_id", res.MerchantRequestID,
		"checkout_request_id", res.CheckoutRequestID,
		"receipt", res.Receipt,
	)
	*out = Outcome{Status: "unmatched", Code: res.ResultCode, Message: "no matching intent, recorded for manual reconciliation"}
	return nil
}

// ProcessDisbursementResult reconciles one B2C payout or refund
// callback.
func (s *Service) ProcessDisbursementResult(ctx context.Context, res *gateway.DisbursementResult) (Outcome, error) {
	start := time.Now()
	var (
		out      Outcome
		kind     = intent.KindDisbursement
		intentID string
	)

	err := s.tx.WithTx(ctx, func(tx pgx.Tx) error {
		found, strategy, err := intent.MatchDisbursement(ctx, tx, s.intents, res)
		if database.IsNotFound(err) {
			return s.recordDisbursementOrphan(ctx, tx, res, &out)
		}
		if err != nil {
			return err
		}
		kind, intentID = found.Kind, found.ID
		if strategy == "phone_amount" {
			s.logger.Warn("disbursement matched by last-resort heuristic",
				"intent_id", found.ID,
				"phone", found.Phone,
			)
		}

		if found.Status != intent.StatusPending {
			out = duplicateOutcome(found)
			return nil
		}

		if !res.OK() {
			if err := found.MarkFailed(res.ResultCode, res.ResultDesc); err != nil {
				return err
			}
			if err := s.intents.MarkTerminalTx(ctx, tx, found); err != nil {
				return err
			}
			out = Outcome{Status: "failed", Code: res.ResultCode, Message: res.ResultDesc}
			return nil
		}

		dup, err := s.intents.AlreadySettledTx(ctx, tx, found.Kind, res.Receipt)
		if err != nil {
			return err
		}
		if dup {
			out = Outcome{Status: "duplicate", Settled: true, Message: "receipt already settled"}
			return nil
		}

		if err := found.MarkSettled(intent.TerminalResult{
			Receipt:     res.Receipt,
			Code:        res.ResultCode,
			Description: res.ResultDesc,
			CompletedAt: res.CompletedAt,
		}); err != nil {
			return err
		}
		if err := s.intents.MarkTerminalTx(ctx, tx, found); err != nil {
			if errors.Is(err, database.ErrAlreadyExists) || errors.Is(err, database.ErrConflict) {
				out = Outcome{Status: "duplicate", Settled: true, Message: "receipt already settled"}
				return nil
			}
			return err
		}

		amount := res.Amount
		if amount.IsZero() {
			amount = found.Amount
		}
		if err := s.ledger.DebitWalletTx(ctx, tx, s.platformAccountID, ledger.RolePlatform, amount); err != nil {
			return err
		}
		// A payout reduces the host's held balance; a refund returns
		// guest money and only moves platform funds.
		if found.Kind == intent.KindDisbursement {
			if err := s.ledger.DebitWalletTx(ctx, tx, found.SubjectID, ledger.RoleHost, amount); err != nil {
				return err
			}
		}

		out = Outcome{Status: "settled", Settled: true, Message: fmt.Sprintf("%s settled", found.Kind)}
		return nil
	})

	metrics.ReconcileDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues(string(kind), metrics.OutcomeError).Inc()
		s.logger.Error("disbursement reconciliation failed",
			"originator_conversation_id", res.OriginatorConversationID,
			"transaction_id", res.TransactionID,
			"error", err,
		)
		return Outcome{}, err
	}
	metrics.CallbacksTotal.WithLabelValues(string(kind), out.Status).Inc()

	s.logger.Info("disbursement callback processed",
		"intent_id", intentID,
		"transaction_id", res.TransactionID,
		"outcome", out.Status,
	)

	switch out.Status {
	case "settled":
		s.publish(ctx, SubjectDisbursementSettled, intentID, "", disbursementSettledData{
			Receipt: res.Receipt,
			Amount:  res.Amount,
			Kind:    string(kind),
		})
	case "failed":
		s.publish(ctx, SubjectDisbursementFailed, intentID, "", resultFailedData{
			Code:        out.Code,
			Description: out.Message,
		})
	case "unmatched":
		s.publish(ctx, SubjectOrphanRecorded, "", "", orphanRecordedData{
			Kind:    string(intent.KindDisbursement),
			Receipt: res.Receipt,
			Amount:  res.Amount,
		})
	}
	return out, nil
}

func (s *Service) recordDisbursementOrphan(ctx context.Context, tx pgx.Tx, res *gateway.DisbursementResult, out *Outcome) error {
	orphan := intent.NewDisbursementOrphan(res)
	err := s.intents.InsertOrphanTx(ctx, tx, orphan)
	if err != nil && !errors.Is(err, database.ErrAlreadyExists) {
		return err
	}
	s.logger.Warn("unmatched disbursement callback recorded",
		"originator_conversation_id", res.OriginatorConversationID,
		"conversation_id", res.ConversationID,
		"transaction_id", res.TransactionID,
	)
	*out = Outcome{Status: "unmatched", Code: res.ResultCode, Message: "no matching intent, recorded for manual reconciliation"}
	return nil
}
