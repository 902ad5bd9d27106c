package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ExternalTrxStatus string

const (
	ExternalTrxPending   ExternalTrxStatus = "pending"
	ExternalTrxCompleted ExternalTrxStatus = "completed"
	ExternalTrxFailed    ExternalTrxStatus = "failed"
)

type VerificationStatus string

const (
	Verified   VerificationStatus = "verified"
	Unverified VerificationStatus = "unverified"
)

// ExternalTransaction is one provider-sourced earning event. (ProviderID, ExternalTransactionID)
// is the idempotency key.
type ExternalTransaction struct {
	ID                    uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	ProviderID            string             `gorm:"type:varchar(64);not null;uniqueIndex:idx_provider_external,priority:1;index:idx_provider_status,priority:1" json:"provider_id"`
	ExternalTransactionID string             `gorm:"type:varchar(191);not null;uniqueIndex:idx_provider_external,priority:2" json:"external_transaction_id"`
	UserID                uuid.UUID          `gorm:"type:uuid;not null;index" json:"user_id"`
	OfferName             string             `gorm:"type:varchar(255)" json:"offer_name"`
	OfferCategory         string             `gorm:"type:varchar(64);default:'general'" json:"offer_category"`
	OriginalAmount        decimal.Decimal    `gorm:"type:numeric(20,4);not null" json:"original_amount"`
	OriginalCurrency      string             `gorm:"type:varchar(3);not null" json:"original_currency"`
	ConvertedAmount       decimal.Decimal    `gorm:"type:numeric(20,2);not null" json:"converted_amount"`
	SettlementCurrency    string             `gorm:"type:varchar(3);not null" json:"settlement_currency"`
	CommissionRate        decimal.Decimal    `gorm:"type:numeric(6,4);not null" json:"commission_rate"`
	CommissionAmount      decimal.Decimal    `gorm:"type:numeric(20,2);not null" json:"commission_amount"`
	UserEarnings          decimal.Decimal    `gorm:"type:numeric(20,2);not null" json:"user_earnings"`
	Status                ExternalTrxStatus  `gorm:"type:varchar(20);not null;default:'pending';index:idx_provider_status,priority:2" json:"status"`
	VerificationStatus    VerificationStatus `gorm:"type:varchar(20);not null" json:"verification_status"`
	VerificationMethod    VerificationMethod `gorm:"type:varchar(20)" json:"verification_method"`
	FailureReason         string             `gorm:"type:text" json:"failure_reason,omitempty"`
	LedgerTransactionID   *uuid.UUID         `gorm:"type:uuid" json:"ledger_transaction_id,omitempty"`
	Attempts              int                `gorm:"not null;default:0" json:"attempts"`
	RawPayload            datatypes.JSONMap  `json:"raw_payload"`
	IPAddress             string             `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent             string             `gorm:"type:text" json:"user_agent,omitempty"`
	ProcessedAt           *time.Time         `json:"processed_at,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

func (t *ExternalTransaction) BeforeCreate(tx *gorm.DB) (err error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return
}
