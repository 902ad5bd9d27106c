package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type WalletTrxType string

const (
	WalletTrxEarning          WalletTrxType = "earning"
	WalletTrxTaskEarning      WalletTrxType = "task_earning"
	WalletTrxOfferwallEarning WalletTrxType = "offerwall_earning"
	WalletTrxBonus            WalletTrxType = "bonus"
	WalletTrxSpend            WalletTrxType = "spend"
	WalletTrxEscrowFund       WalletTrxType = "escrow_fund"
	WalletTrxEscrowRelease    WalletTrxType = "escrow_release"
	WalletTrxPlatformFee      WalletTrxType = "platform_fee"
	WalletTrxRefund           WalletTrxType = "refund"
	WalletTrxWithdrawal       WalletTrxType = "withdrawal"
)

func (t WalletTrxType) Valid() bool {
	switch t {
	case WalletTrxEarning, WalletTrxTaskEarning, WalletTrxOfferwallEarning, WalletTrxBonus,
		WalletTrxSpend, WalletTrxEscrowFund, WalletTrxEscrowRelease, WalletTrxPlatformFee,
		WalletTrxRefund, WalletTrxWithdrawal:
		return true
	}
	return false
}

type WalletTrxStatus string

const (
	WalletTrxPending   WalletTrxStatus = "pending"
	WalletTrxCompleted WalletTrxStatus = "completed"
	WalletTrxFailed    WalletTrxStatus = "failed"
)

// BalanceBucket names the wallet balance a transaction's BalanceBefore/BalanceAfter refer to.
type BalanceBucket string

const (
	BucketAvailable BalanceBucket = "available"
	BucketEscrow    BalanceBucket = "escrow"
)

const (
	RefTypeEscrow              = "escrow"
	RefTypeExternalTransaction = "external_transaction"
)

// WalletTransaction is one immutable ledger entry. BalanceAfter = BalanceBefore + Amount.
type WalletTransaction struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	WalletID      uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_wallet_sequence,priority:1" json:"wallet_id"`
	UserID        uuid.UUID         `gorm:"type:uuid;index;not null" json:"user_id"`
	Sequence      int64             `gorm:"not null;uniqueIndex:idx_wallet_sequence,priority:2" json:"sequence"`
	Bucket        BalanceBucket     `gorm:"type:varchar(16);not null;default:'available'" json:"bucket"`
	Type          WalletTrxType     `gorm:"type:varchar(32);not null;index" json:"type"`
	Amount        decimal.Decimal   `gorm:"type:numeric(20,2);not null" json:"amount"`
	BalanceBefore decimal.Decimal   `gorm:"type:numeric(20,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal   `gorm:"type:numeric(20,2);not null" json:"balance_after"`
	Status        WalletTrxStatus   `gorm:"type:varchar(20);not null;default:'completed'" json:"status"`
	Description   string            `gorm:"type:text" json:"description"`
	ReferenceID   string            `gorm:"type:varchar(100);index" json:"reference_id,omitempty"`
	ReferenceType string            `gorm:"type:varchar(50)" json:"reference_type,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (t *WalletTransaction) BeforeCreate(tx *gorm.DB) (err error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return
}

// Effect is the change this entry makes to the wallet's (available, escrow) balances.
// Escrow funding and escrow refunds are recorded on the available bucket and mirror
// into the escrow bucket.
func (t *WalletTransaction) Effect() (available, escrow decimal.Decimal) {
	if t.Bucket == BucketEscrow {
		return decimal.Zero, t.Amount
	}
	switch {
	case t.Type == WalletTrxEscrowFund:
		return t.Amount, t.Amount.Neg()
	case t.Type == WalletTrxRefund && t.ReferenceType == RefTypeEscrow:
		return t.Amount, t.Amount.Neg()
	}
	return t.Amount, decimal.Zero
}

// Replay rebuilds (available, escrow) from a wallet's transactions in sequence order,
// starting from zero. Entries that are not completed are skipped.
func Replay(txs []WalletTransaction) (available, escrow decimal.Decimal) {
	for i := range txs {
		if txs[i].Status != WalletTrxCompleted {
			continue
		}
		da, de := txs[i].Effect()
		available = available.Add(da)
		escrow = escrow.Add(de)
	}
	return available, escrow
}
