// Package provider keeps the configuration of external offer-wall and payment providers
// and authenticates their postbacks.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/apperrors"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/store"
)

// ChangedChannel carries the id of a provider whose configuration changed.
const ChangedChannel = "providers:changed"

type snapshot struct {
	byID     map[string]models.Provider
	loadedAt time.Time
}

// Registry serves provider configuration from an immutable in-memory snapshot that is
// swapped whole on every reload, so readers never take a lock.
type Registry struct {
	Store store.Store
	Redis *redis.Client
	Log   logrus.FieldLogger

	snap atomic.Pointer[snapshot]
}

func NewRegistry(st store.Store, rdb *redis.Client, log logrus.FieldLogger) *Registry {
	r := &Registry{Store: st, Redis: rdb, Log: log}
	r.snap.Store(&snapshot{byID: map[string]models.Provider{}})
	return r
}

type ProviderInput struct {
	ProviderID     string                    `json:"provider_id"`
	Name           string                    `json:"name"`
	Category       models.ProviderCategory   `json:"category"`
	Status         models.ProviderStatus     `json:"status"`
	CommissionRate decimal.Decimal           `json:"commission_rate"`
	Verification   models.VerificationMethod `json:"verification"`
	// SecretKey nil keeps the stored secret.
	SecretKey           *string           `json:"secret_key"`
	IPAllowList         []string          `json:"ip_allow_list"`
	SupportedCurrencies []string          `json:"supported_currencies"`
	OfferWallURL        string            `json:"offer_wall_url"`
	PublisherID         string            `json:"publisher_id"`
	FieldMap            map[string]string `json:"field_map"`
	RequireVerification bool              `json:"require_verification"`
}

// Load replaces the snapshot with every provider in the store.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.Store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	byID := make(map[string]models.Provider, len(list))
	for _, p := range list {
		byID[p.ProviderID] = p
	}
	r.snap.Store(&snapshot{byID: byID, loadedAt: time.Now()})
	return nil
}

// Get returns an active provider. A provider missing from the snapshot is looked up in
// the store, so one created by another process is found before the next reload.
func (r *Registry) Get(ctx context.Context, providerID string) (*models.Provider, error) {
	const op = "provider.Get"
	p, ok := r.snap.Load().byID[providerID]
	if !ok {
		stored, err := r.Store.GetProvider(ctx, providerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.New(apperrors.ProviderNotFound, op, fmt.Sprintf("provider %s not configured", providerID))
		}
		if err != nil {
			return nil, apperrors.NewInternal(op, err)
		}
		if err := r.Load(ctx); err != nil {
			r.log().WithError(err).Warn("provider snapshot reload failed")
		}
		p = *stored
	}
	if p.Status != models.ProviderActive {
		return nil, apperrors.New(apperrors.ProviderDisabled, op, fmt.Sprintf("provider %s is %s", providerID, p.Status))
	}
	return &p, nil
}

func (r *Registry) List(ctx context.Context) ([]models.Provider, error) {
	list, err := r.Store.ListProviders(ctx)
	if err != nil {
		return nil, apperrors.NewInternal("provider.List", err)
	}
	return list, nil
}

// Upsert creates or replaces a provider's configuration and makes it visible to every
// process.
func (r *Registry) Upsert(ctx context.Context, in ProviderInput) (*models.Provider, error) {
	const op = "provider.Upsert"
	in.ProviderID = strings.ToLower(strings.TrimSpace(in.ProviderID))
	if in.ProviderID == "" {
		return nil, apperrors.New(apperrors.InvalidInput, op, "provider id is required")
	}
	if in.CommissionRate.IsNegative() || in.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, apperrors.New(apperrors.InvalidInput, op, "commission rate must be between 0 and 1")
	}
	if !in.Verification.Valid() {
		return nil, apperrors.New(apperrors.InvalidInput, op, fmt.Sprintf("unknown verification method %q", in.Verification))
	}
	if err := ValidateAllowList(in.IPAllowList); err != nil {
		return nil, err
	}
	if in.OfferWallURL != "" {
		if u, err := url.Parse(in.OfferWallURL); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, apperrors.New(apperrors.InvalidInput, op, "offer wall url must be absolute")
		}
	}
	switch in.Status {
	case "":
		in.Status = models.ProviderActive
	case models.ProviderActive, models.ProviderInactive, models.ProviderDisabled:
	default:
		return nil, apperrors.New(apperrors.InvalidInput, op, fmt.Sprintf("unknown status %q", in.Status))
	}
	if in.Category == "" {
		in.Category = models.ProviderOfferWall
	}

	p, err := r.Store.GetProvider(ctx, in.ProviderID)
	if errors.Is(err, store.ErrNotFound) {
		p = &models.Provider{ID: uuid.New(), ProviderID: in.ProviderID}
	} else if err != nil {
		return nil, apperrors.NewInternal(op, err)
	}

	p.Name = in.Name
	if p.Name == "" {
		p.Name = in.ProviderID
	}
	p.Category = in.Category
	p.Status = in.Status
	p.CommissionRate = in.CommissionRate
	p.Verification = in.Verification
	if in.SecretKey != nil {
		p.SecretKey = *in.SecretKey
	}
	p.IPAllowList = datatypes.JSONSlice[string](in.IPAllowList)
	p.SupportedCurrencies = datatypes.JSONSlice[string](upper(in.SupportedCurrencies))
	p.OfferWallURL = in.OfferWallURL
	p.PublisherID = in.PublisherID
	p.FieldMap = nil
	if len(in.FieldMap) > 0 {
		p.FieldMap = datatypes.JSONMap{}
		for k, v := range in.FieldMap {
			p.FieldMap[k] = v
		}
	}
	p.RequireVerification = in.RequireVerification

	if err := r.Store.SaveProvider(ctx, p); err != nil {
		return nil, apperrors.NewInternal(op, err)
	}
	r.changed(ctx, p.ProviderID)
	r.log().WithFields(logrus.Fields{
		"provider_id":     p.ProviderID,
		"status":          p.Status,
		"commission_rate": p.CommissionRate,
		"verification":    p.Verification,
	}).Info("provider configuration saved")
	return p, nil
}

// Disable stops a provider's postbacks from being accepted.
func (r *Registry) Disable(ctx context.Context, providerID string) (*models.Provider, error) {
	const op = "provider.Disable"
	p, err := r.Store.GetProvider(ctx, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.New(apperrors.ProviderNotFound, op, fmt.Sprintf("provider %s not configured", providerID))
	}
	if err != nil {
		return nil, apperrors.NewInternal(op, err)
	}
	p.Status = models.ProviderDisabled
	if err := r.Store.SaveProvider(ctx, p); err != nil {
		return nil, apperrors.NewInternal(op, err)
	}
	r.changed(ctx, providerID)
	r.log().WithField("provider_id", providerID).Warn("provider disabled")
	return p, nil
}

// RecordCompletion adds one completed postback to the provider's cumulative metrics.
func (r *Registry) RecordCompletion(ctx context.Context, providerID string, revenue, commission decimal.Decimal) error {
	if err := r.Store.IncrementProviderMetrics(ctx, providerID, revenue, commission); err != nil {
		return fmt.Errorf("record completion for %s: %w", providerID, err)
	}
	return nil
}

// Watch reloads the snapshot whenever any process announces a change. It returns when
// ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.Redis == nil {
		<-ctx.Done()
		return nil
	}
	sub := r.Redis.Subscribe(ctx, ChangedChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ChangedChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.Load(ctx); err != nil {
				r.log().WithError(err).WithField("provider_id", msg.Payload).Error("provider reload failed")
				continue
			}
			r.log().WithField("provider_id", msg.Payload).Debug("provider snapshot reloaded")
		}
	}
}

// TrackingURL builds the user's offer wall link. The user id is sent as both user_id
// and subid since providers differ in which one they echo back.
func (r *Registry) TrackingURL(ctx context.Context, providerID string, userID uuid.UUID) (string, error) {
	const op = "provider.TrackingURL"
	p, err := r.Get(ctx, providerID)
	if err != nil {
		return "", err
	}
	if p.OfferWallURL == "" {
		return "", apperrors.New(apperrors.InvalidInput, op, fmt.Sprintf("provider %s has no offer wall", providerID))
	}
	u, err := url.Parse(p.OfferWallURL)
	if err != nil {
		return "", apperrors.NewInternal(op, err)
	}
	q := u.Query()
	q.Set("user_id", userID.String())
	q.Set("subid", userID.String())
	if p.PublisherID != "" {
		q.Set("publisher_id", p.PublisherID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PostbackURL is the callback template to paste into the provider's dashboard.
func PostbackURL(baseURL, providerID string) string {
	return strings.TrimRight(baseURL, "/") + "/api/postback/" + providerID +
		"?user_id={subid}&transaction_id={transaction_id}&amount={amount}&currency={currency}&offer_name={offer_name}&signature={signature}"
}

func (r *Registry) changed(ctx context.Context, providerID string) {
	if err := r.Load(ctx); err != nil {
		r.log().WithError(err).Warn("provider snapshot reload failed")
	}
	if r.Redis == nil {
		return
	}
	if err := r.Redis.Publish(ctx, ChangedChannel, providerID).Err(); err != nil {
		r.log().WithError(err).WithField("provider_id", providerID).Warn("provider change not published")
	}
}

func (r *Registry) log() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

func upper(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SupportsCurrency reports whether p accepts payouts in cur. An empty list accepts any.
func SupportsCurrency(p *models.Provider, cur string) bool {
	if len(p.SupportedCurrencies) == 0 {
		return true
	}
	cur = strings.ToUpper(strings.TrimSpace(cur))
	for _, c := range p.SupportedCurrencies {
		if c == cur {
			return true
		}
	}
	return false
}
