package ledger

import (
	"fmt"
	"time"

	"staypay/internal/common/money"
)

// Role distinguishes the platform account from recipient accounts.
type Role string

const (
	RolePlatform Role = "PLATFORM"
	RoleHost     Role = "HOST"
)

// Wallet is the balance state for one owner. PayableBalance and
// TotalCommission are platform-only; WithdrawnTotal is host-only.
// Balances are clamped at zero on every mutation rather than allowed
// to go negative, accepting drift over operational breakage.
type Wallet struct {
	OwnerID         string      `json:"owner_id"`
	Role            Role        `json:"role"`
	Balance         money.Money `json:"balance"`
	PayableBalance  money.Money `json:"payable_balance"`
	TotalCommission money.Money `json:"total_commission"`
	WithdrawnTotal  money.Money `json:"withdrawn_total"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// NewWallet creates a zero-balance wallet. Wallets are created lazily
// on first credit or debit.
func NewWallet(ownerID string, role Role, currency money.Currency) *Wallet {
	now := time.Now()
	return &Wallet{
		OwnerID:         ownerID,
		Role:            role,
		Balance:         money.Zero(currency),
		PayableBalance:  money.Zero(currency),
		TotalCommission: money.Zero(currency),
		WithdrawnTotal:  money.Zero(currency),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Credit applies a successful collection. The platform wallet gains
// both balance and payable balance; a host wallet gains balance held
// pending payout.
func (w *Wallet) Credit(amount money.Money) error {
	bal, err := w.Balance.Add(amount)
	if err != nil {
		return fmt.Errorf("crediting wallet %s: %w", w.OwnerID, err)
	}
	w.Balance = bal
	if w.Role == RolePlatform {
		payable, err := w.PayableBalance.Add(amount)
		if err != nil {
			return fmt.Errorf("crediting wallet %s: %w", w.OwnerID, err)
		}
		w.PayableBalance = payable
	}
	w.UpdatedAt = time.Now()
	return nil
}

// Debit applies a successful disbursement or refund. All balances are
// clamped at zero; a host wallet additionally counts the withdrawal.
func (w *Wallet) Debit(amount money.Money) error {
	if w.Balance.Currency != amount.Currency {
		return fmt.Errorf("debiting wallet %s: %w", w.OwnerID, money.ErrCurrencyMismatch)
	}
	w.Balance = w.Balance.SubClamped(amount)
	switch w.Role {
	case RolePlatform:
		w.PayableBalance = w.PayableBalance.SubClamped(amount)
	case RoleHost:
		withdrawn, err := w.WithdrawnTotal.Add(amount)
		if err != nil {
			return fmt.Errorf("debiting wallet %s: %w", w.OwnerID, err)
		}
		w.WithdrawnTotal = withdrawn
	}
	w.UpdatedAt = time.Now()
	return nil
}

// ApplyCommission books the platform's cut. On the platform wallet the
// commission accrues and comes out of the payable balance; on the host
// wallet it comes out of the held balance.
func (w *Wallet) ApplyCommission(commission money.Money) error {
	if w.Balance.Currency != commission.Currency {
		return fmt.Errorf("commission on wallet %s: %w", w.OwnerID, money.ErrCurrencyMismatch)
	}
	switch w.Role {
	case RolePlatform:
		total, err := w.TotalCommission.Add(commission)
		if err != nil {
			return fmt.Errorf("commission on wallet %s: %w", w.OwnerID, err)
		}
		w.TotalCommission = total
		w.PayableBalance = w.PayableBalance.SubClamped(commission)
	case RoleHost:
		w.Balance = w.Balance.SubClamped(commission)
	default:
		return fmt.Errorf("commission on wallet %s: unknown role %s", w.OwnerID, w.Role)
	}
	w.UpdatedAt = time.Now()
	return nil
}
