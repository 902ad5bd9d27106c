package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type EscrowStatus string

const (
	EscrowHeld              EscrowStatus = "held"
	EscrowPartiallyReleased EscrowStatus = "partially_released"
	EscrowReleased          EscrowStatus = "released"
	EscrowRefunded          EscrowStatus = "refunded"
)

// Terminal reports whether no further release or refund may happen.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// Escrow is the set of funds reserved against one work item with TotalSlots fillable units.
type Escrow struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	PayerID          uuid.UUID       `gorm:"type:uuid;index;not null" json:"payer_id"`
	WorkItemID       string          `gorm:"type:varchar(100);uniqueIndex;not null" json:"work_item_id"`
	TotalAmount      decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"total_amount"`
	PlatformFeeRate  decimal.Decimal `gorm:"type:numeric(6,4);not null;default:0" json:"platform_fee_rate"`
	PlatformFee      decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"platform_fee"`
	AmountPerSlot    decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount_per_slot"`
	TotalSlots       int             `gorm:"not null" json:"total_slots"`
	ReleasedSlots    int             `gorm:"not null;default:0" json:"released_slots"`
	PlatformFeeTaken decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"platform_fee_taken"`
	RefundedAmount   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"refunded_amount"`
	Status           EscrowStatus    `gorm:"type:varchar(24);not null;default:'held';index" json:"status"`
	RefundReason     string          `gorm:"type:text" json:"refund_reason,omitempty"`
	ReleasedAt       *time.Time      `json:"released_at,omitempty"`
	RefundedAt       *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (e *Escrow) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return
}

// Outstanding is what is still sitting in the payer's escrow bucket for this escrow.
func (e *Escrow) Outstanding() decimal.Decimal {
	if e.Status.Terminal() {
		return decimal.Zero
	}
	released := e.AmountPerSlot.Mul(decimal.NewFromInt(int64(e.ReleasedSlots)))
	return e.TotalAmount.Sub(released)
}
