package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ProviderStatus string

const (
	ProviderActive   ProviderStatus = "active"
	ProviderInactive ProviderStatus = "inactive"
	ProviderDisabled ProviderStatus = "disabled"
)

type ProviderCategory string

const (
	ProviderOfferWall      ProviderCategory = "offer_wall"
	ProviderPaymentGateway ProviderCategory = "payment_gateway"
)

// VerificationMethod selects how a provider's postbacks are authenticated.
// The empty value means "first configured method wins" (signature, hash, IP allow-list).
type VerificationMethod string

const (
	VerifyAuto        VerificationMethod = ""
	VerifySignature   VerificationMethod = "signature"
	VerifyHash        VerificationMethod = "hash"
	VerifyIPAllowList VerificationMethod = "ip_allowlist"
	VerifyNone        VerificationMethod = "none"
)

func (m VerificationMethod) Valid() bool {
	switch m {
	case VerifyAuto, VerifySignature, VerifyHash, VerifyIPAllowList, VerifyNone:
		return true
	}
	return false
}

type Provider struct {
	ID                  uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	ProviderID          string                      `gorm:"type:varchar(64);uniqueIndex;not null" json:"provider_id"`
	Name                string                      `gorm:"type:varchar(128);not null" json:"name"`
	Category            ProviderCategory            `gorm:"type:varchar(32);not null;default:'offer_wall'" json:"category"`
	Status              ProviderStatus              `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	CommissionRate      decimal.Decimal             `gorm:"type:numeric(6,4);not null" json:"commission_rate"`
	Verification        VerificationMethod          `gorm:"type:varchar(20)" json:"verification"`
	SecretKey           string                      `gorm:"type:text" json:"-"`
	IPAllowList         datatypes.JSONSlice[string] `json:"ip_allow_list"`
	SupportedCurrencies datatypes.JSONSlice[string] `json:"supported_currencies"`
	OfferWallURL        string                      `gorm:"type:text" json:"offer_wall_url"`
	PublisherID         string                      `gorm:"type:varchar(128)" json:"publisher_id"`
	// FieldMap renames canonical postback fields (user_id, transaction_id, ...) to the
	// names this provider sends.
	FieldMap            datatypes.JSONMap `json:"field_map,omitempty"`
	RequireVerification bool              `gorm:"not null;default:false" json:"require_verification"`

	TasksSynced      int64           `gorm:"not null;default:0" json:"tasks_synced"`
	TotalCompletions int64           `gorm:"not null;default:0" json:"total_completions"`
	TotalRevenue     decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"total_revenue"`
	TotalCommission  decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"total_commission"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Provider) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return
}

func (p *Provider) HasSecret() bool { return p.SecretKey != "" }
