package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Wallet is a user's balance container. Balances are only changed inside a ledger
// operation, never directly.
type Wallet struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	AvailableBalance decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0;check:available_balance >= 0" json:"available_balance"`
	EscrowBalance    decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0;check:escrow_balance >= 0" json:"escrow_balance"`
	PendingBalance   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0;check:pending_balance >= 0" json:"pending_balance"`
	LifetimeEarnings decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"lifetime_earnings"`
	LifetimeSpending decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"lifetime_spending"`
	Currency         string          `gorm:"type:varchar(3);not null;default:'NGN'" json:"currency"`

	// LastSequence is the sequence number of the wallet's latest transaction.
	LastSequence int64 `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w *Wallet) BeforeCreate(tx *gorm.DB) (err error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return
}

// NextSequence reserves the next transaction sequence number.
func (w *Wallet) NextSequence() int64 {
	w.LastSequence++
	return w.LastSequence
}
