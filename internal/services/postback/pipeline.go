// Package postback turns verified provider callbacks into exactly one ledger credit each.
package postback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/apperrors"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/metrics"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/currency"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/fraud"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/provider"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/wallet"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/store"
)

type Outcome string

const (
	Completed Outcome = "completed"
	Duplicate Outcome = "duplicate"
	Blocked   Outcome = "blocked"
	Rejected  Outcome = "rejected"
	Failed    Outcome = "failed"
)

// Postback is one inbound provider callback. Amount is kept as sent so signatures can be
// checked over the exact text.
type Postback struct {
	ProviderID    string
	UserID        string
	TransactionID string
	Amount        string
	Currency      string
	OfferName     string
	OfferCategory string
	Signature     string
	Hash          string
	IP            string
	UserAgent     string
	Raw           map[string]interface{}
}

type Result struct {
	Success       bool             `json:"success"`
	Message       string           `json:"message"`
	TransactionID string           `json:"transactionId,omitempty"`
	UserEarnings  *decimal.Decimal `json:"userEarnings,omitempty"`
	Error         string           `json:"error,omitempty"`

	Outcome   Outcome `json:"-"`
	Duplicate bool    `json:"-"`
}

// Notifier is told about completed earnings. Delivery is best effort.
type Notifier interface {
	NotifyEarning(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, offerName string)
}

type Options struct {
	SettlementCurrency string
	// AllowUnverified accepts postbacks from providers with no usable verification
	// credential, unless the provider itself requires verification.
	AllowUnverified   bool
	ConversionTimeout time.Duration
	NotifyTimeout     time.Duration
	// PendingGrace is how long a row may stay pending before the retry sweep
	// treats its credit as abandoned.
	PendingGrace time.Duration
}

type Pipeline struct {
	Store     store.Store
	Wallets   *wallet.WalletService
	Providers *provider.Registry
	Fraud     *fraud.Gate
	Currency  currency.Converter
	Notifier  Notifier
	Log       logrus.FieldLogger
	Metrics   *metrics.Metrics
	Options   Options
}

func NewPipeline(st store.Store, wallets *wallet.WalletService, providers *provider.Registry, gate *fraud.Gate,
	conv currency.Converter, log logrus.FieldLogger, m *metrics.Metrics, opts Options) *Pipeline {
	if opts.SettlementCurrency == "" {
		opts.SettlementCurrency = "NGN"
	}
	if opts.ConversionTimeout <= 0 {
		opts.ConversionTimeout = 5 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 2 * time.Second
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = 5 * time.Minute
	}
	return &Pipeline{
		Store:     st,
		Wallets:   wallets,
		Providers: providers,
		Fraud:     gate,
		Currency:  conv,
		Log:       log,
		Metrics:   m,
		Options:   opts,
	}
}

// Process runs one postback to a terminal state. Errors are returned for postbacks that
// were not recorded. A recorded postback whose credit failed is reported through a Result
// with Outcome Failed and a nil error; the row stays for RetryCredit.
func (p *Pipeline) Process(ctx context.Context, pb Postback) (Result, error) {
	start := time.Now()
	res, err := p.process(ctx, pb)
	if err != nil {
		res = Result{Success: false, Message: apperrors.MessageOf(err), Error: string(apperrors.KindOf(err)), Outcome: outcomeOf(err)}
	}
	if p.Metrics != nil {
		p.Metrics.Postbacks.WithLabelValues(pb.ProviderID, string(res.Outcome)).Inc()
		p.Metrics.PostbackDuration.WithLabelValues(string(res.Outcome)).Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (p *Pipeline) process(ctx context.Context, pb Postback) (Result, error) {
	const op = "postback.Process"
	pb.ProviderID = strings.ToLower(strings.TrimSpace(pb.ProviderID))
	pb.Currency = strings.ToUpper(strings.TrimSpace(pb.Currency))
	log := p.log().WithFields(logrus.Fields{
		"provider_id":             pb.ProviderID,
		"external_transaction_id": pb.TransactionID,
		"user_id":                 pb.UserID,
	})

	if pb.ProviderID == "" || pb.UserID == "" || pb.TransactionID == "" || pb.Amount == "" || pb.Currency == "" {
		return Result{}, apperrors.New(apperrors.InvalidInput, op, "user_id, transaction_id, amount and currency are required")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(pb.Amount))
	if err != nil {
		return Result{}, apperrors.New(apperrors.InvalidAmount, op, "amount is not a number")
	}

	if p.Fraud != nil {
		v := p.Fraud.Evaluate(ctx, fraud.Event{
			UserID:                pb.UserID,
			ProviderID:            pb.ProviderID,
			ExternalTransactionID: pb.TransactionID,
			Amount:                amount,
			Currency:              pb.Currency,
			IP:                    pb.IP,
		})
		if v.Blocked() {
			return Result{}, apperrors.New(apperrors.FraudBlocked, op, "transaction blocked: "+v.Reason())
		}
	}

	userID, err := uuid.Parse(pb.UserID)
	if err != nil {
		return Result{}, apperrors.New(apperrors.UserNotFound, op, "user not found")
	}
	exists, err := p.Store.UserExists(ctx, userID)
	if err != nil {
		return Result{}, apperrors.NewInternal(op, err)
	}
	if !exists {
		return Result{}, apperrors.New(apperrors.UserNotFound, op, "user not found")
	}

	prov, err := p.Providers.Get(ctx, pb.ProviderID)
	if err != nil {
		return Result{}, err
	}
	if !provider.SupportsCurrency(prov, pb.Currency) {
		return Result{}, apperrors.New(apperrors.UnsupportedCurrency, op, fmt.Sprintf("currency %s not supported by %s", pb.Currency, prov.ProviderID))
	}

	verification, err := provider.Verify(prov, provider.Payload{
		UserID:        pb.UserID,
		TransactionID: pb.TransactionID,
		Amount:        pb.Amount,
		Currency:      pb.Currency,
		Signature:     pb.Signature,
		Hash:          pb.Hash,
		IP:            pb.IP,
	})
	if err != nil {
		log.WithError(err).Warn("postback verification failed")
		return Result{}, err
	}
	if !verification.Verified {
		if !p.Options.AllowUnverified || prov.RequireVerification {
			return Result{}, apperrors.New(apperrors.VerificationFailed, op, "provider requires a verified postback")
		}
		log.Warn("accepting unverified postback")
		if p.Metrics != nil {
			p.Metrics.Unverified.WithLabelValues(prov.ProviderID).Inc()
		}
	}

	existing, err := p.Store.GetExternalTransaction(ctx, prov.ProviderID, pb.TransactionID)
	if err == nil {
		log.Info("duplicate postback")
		return p.redelivered(ctx, existing)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Result{}, apperrors.NewInternal(op, err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.Options.ConversionTimeout)
	converted, err := p.Currency.Convert(cctx, amount, pb.Currency, p.Options.SettlementCurrency)
	cancel()
	if err != nil {
		if apperrors.KindOf(err) != apperrors.ConversionFailed {
			err = apperrors.Wrap(apperrors.ConversionFailed, op, "currency conversion failed", err)
		}
		log.WithError(err).Error("postback conversion failed")
		return Result{}, err
	}
	converted = converted.Round(2)
	commission, earnings := Split(converted, prov.CommissionRate)
	if !earnings.IsPositive() {
		return Result{}, apperrors.New(apperrors.InvalidAmount, op, "earnings after commission must be greater than zero")
	}

	status := models.Unverified
	if verification.Verified {
		status = models.Verified
	}
	x := &models.ExternalTransaction{
		ProviderID:            prov.ProviderID,
		ExternalTransactionID: pb.TransactionID,
		UserID:                userID,
		OfferName:             pb.OfferName,
		OfferCategory:         pb.OfferCategory,
		OriginalAmount:        amount,
		OriginalCurrency:      pb.Currency,
		ConvertedAmount:       converted,
		SettlementCurrency:    p.Options.SettlementCurrency,
		CommissionRate:        prov.CommissionRate,
		CommissionAmount:      commission,
		UserEarnings:          earnings,
		Status:                models.ExternalTrxPending,
		VerificationStatus:    status,
		VerificationMethod:    verification.Method,
		RawPayload:            pb.Raw,
		IPAddress:             pb.IP,
		UserAgent:             pb.UserAgent,
	}
	if x.OfferCategory == "" {
		x.OfferCategory = "general"
	}
	if err := p.Store.CreateExternalTransaction(ctx, x); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			winner, gerr := p.Store.GetExternalTransaction(ctx, prov.ProviderID, pb.TransactionID)
			if gerr != nil {
				return Result{}, apperrors.NewInternal(op, gerr)
			}
			log.Info("concurrent duplicate postback")
			return p.redelivered(ctx, winner)
		}
		return Result{}, apperrors.NewInternal(op, err)
	}

	return p.credit(ctx, x.ID)
}

// redelivered answers a repeated postback. A row still pending was never credited, or
// is being credited right now; credit serializes on the row lock either way.
func (p *Pipeline) redelivered(ctx context.Context, x *models.ExternalTransaction) (Result, error) {
	if x.Status == models.ExternalTrxPending {
		return p.credit(ctx, x.ID)
	}
	return resultOf(x, true), nil
}

// Split returns commission = round2(converted × rate) and the user's share of the rest.
func Split(converted, rate decimal.Decimal) (commission, earnings decimal.Decimal) {
	commission = converted.Mul(rate).Round(2)
	return commission, converted.Sub(commission)
}

// credit applies a recorded row's earnings to the ledger and completes the row in the
// same unit of work. On failure the row is marked failed with the reason.
func (p *Pipeline) credit(ctx context.Context, id uuid.UUID) (Result, error) {
	const op = "postback.credit"
	var (
		x       *models.ExternalTransaction
		w       *models.Wallet
		already bool
	)
	err := p.Store.Atomic(ctx, func(tx store.Tx) error {
		row, err := tx.LockExternalTransaction(ctx, id)
		if err != nil {
			return err
		}
		x = row
		if row.Status == models.ExternalTrxCompleted {
			already = true
			return nil
		}
		wlt, trx, err := p.Wallets.CreditTx(ctx, tx, wallet.CreditRequest{
			UserID:        row.UserID,
			Amount:        row.UserEarnings,
			Type:          models.WalletTrxOfferwallEarning,
			Description:   description(row),
			ReferenceID:   row.ID.String(),
			ReferenceType: models.RefTypeExternalTransaction,
			Metadata: map[string]interface{}{
				"provider_id":             row.ProviderID,
				"external_transaction_id": row.ExternalTransactionID,
				"original_amount":         row.OriginalAmount.String(),
				"original_currency":       row.OriginalCurrency,
				"commission":              row.CommissionAmount.String(),
			},
		})
		if err != nil {
			return err
		}
		now := time.Now()
		row.Status = models.ExternalTrxCompleted
		row.LedgerTransactionID = &trx.ID
		row.ProcessedAt = &now
		row.FailureReason = ""
		row.Attempts++
		if err := tx.SaveExternalTransaction(ctx, row); err != nil {
			return err
		}
		w = wlt
		return nil
	})
	if errors.Is(err, store.ErrNotFound) && x == nil {
		return Result{}, apperrors.New(apperrors.TransactionNotFound, op, "external transaction not found")
	}
	if err != nil {
		return p.fail(ctx, id, err), nil
	}
	if already {
		return resultOf(x, true), nil
	}

	p.afterCredit(ctx, x, w)
	return resultOf(x, false), nil
}

func (p *Pipeline) fail(ctx context.Context, id uuid.UUID, cause error) Result {
	log := p.log().WithField("external_id", id).WithError(cause)
	// The request context may be the reason the credit failed.
	ctx = context.WithoutCancel(ctx)
	x, err := p.Store.GetExternalTransactionByID(ctx, id)
	if err != nil {
		log.WithField("lookup_error", err).Error("postback credit failed and row could not be loaded")
		return Result{Message: "credit failed", Error: string(apperrors.KindOf(cause)), Outcome: Failed, TransactionID: id.String()}
	}
	x.Status = models.ExternalTrxFailed
	x.FailureReason = cause.Error()
	x.Attempts++
	if err := p.Store.SaveExternalTransaction(ctx, x); err != nil {
		log.WithField("save_error", err).Error("postback failure could not be recorded")
	}
	log.WithFields(logrus.Fields{
		"provider_id":             x.ProviderID,
		"external_transaction_id": x.ExternalTransactionID,
		"attempts":                x.Attempts,
	}).Error("postback recorded but credit failed")
	return resultOf(x, false)
}

// afterCredit runs the side effects of a completed credit. None of them can undo it.
func (p *Pipeline) afterCredit(ctx context.Context, x *models.ExternalTransaction, w *models.Wallet) {
	log := p.log().WithFields(logrus.Fields{
		"provider_id":             x.ProviderID,
		"external_transaction_id": x.ExternalTransactionID,
		"user_id":                 x.UserID,
		"user_earnings":           x.UserEarnings,
	})
	if p.Providers != nil {
		if err := p.Providers.RecordCompletion(ctx, x.ProviderID, x.ConvertedAmount, x.CommissionAmount); err != nil {
			log.WithError(err).Warn("provider metrics not updated")
		}
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Options.NotifyTimeout)
	defer cancel()
	if p.Wallets != nil {
		p.Wallets.Notify(nctx, w)
	}
	if p.Notifier != nil {
		p.Notifier.NotifyEarning(nctx, x.UserID, x.UserEarnings, x.OfferName)
	}
	log.Info("postback credited")
}

// RetryCredit re-runs the credit step of a recorded postback with its recorded earnings.
func (p *Pipeline) RetryCredit(ctx context.Context, id uuid.UUID) (Result, error) {
	res, err := p.credit(ctx, id)
	if err == nil && p.Metrics != nil {
		p.Metrics.Postbacks.WithLabelValues("retry", string(res.Outcome)).Inc()
	}
	return res, err
}

// RetryFailed retries up to limit failed rows, plus rows left pending longer than
// PendingGrace, and returns how many were credited.
func (p *Pipeline) RetryFailed(ctx context.Context, limit int) (int, error) {
	const op = "postback.RetryFailed"
	rows, err := p.Store.ListExternalTransactions(ctx, store.ExternalTransactionFilter{
		Status: models.ExternalTrxFailed,
		Limit:  limit,
	})
	if err != nil {
		return 0, apperrors.NewInternal(op, err)
	}
	if limit <= 0 || len(rows) < limit {
		stale, err := p.Store.ListExternalTransactions(ctx, store.ExternalTransactionFilter{
			Status:        models.ExternalTrxPending,
			UpdatedBefore: time.Now().Add(-p.Options.PendingGrace),
			Limit:         limit - len(rows),
		})
		if err != nil {
			return 0, apperrors.NewInternal(op, err)
		}
		rows = append(rows, stale...)
	}
	credited := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		res, err := p.RetryCredit(ctx, row.ID)
		if err == nil && res.Success {
			credited++
		}
	}
	return credited, nil
}

func (p *Pipeline) Get(ctx context.Context, providerID, externalID string) (*models.ExternalTransaction, error) {
	x, err := p.Store.GetExternalTransaction(ctx, strings.ToLower(providerID), externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.New(apperrors.TransactionNotFound, "postback.Get", "external transaction not found")
	}
	if err != nil {
		return nil, apperrors.NewInternal("postback.Get", err)
	}
	return x, nil
}

func (p *Pipeline) List(ctx context.Context, status models.ExternalTrxStatus, limit int) ([]models.ExternalTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	list, err := p.Store.ListExternalTransactions(ctx, store.ExternalTransactionFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, apperrors.NewInternal("postback.List", err)
	}
	return list, nil
}

func resultOf(x *models.ExternalTransaction, duplicate bool) Result {
	earnings := x.UserEarnings
	res := Result{TransactionID: x.ID.String(), UserEarnings: &earnings, Duplicate: duplicate}
	switch x.Status {
	case models.ExternalTrxCompleted:
		res.Success = true
		res.Message = "Transaction processed successfully"
		res.Outcome = Completed
	case models.ExternalTrxPending:
		res.Success = true
		res.Message = "Transaction is being processed"
		res.Outcome = Completed
	default:
		res.Message = "Transaction recorded but credit failed"
		res.Error = x.FailureReason
		res.Outcome = Failed
	}
	if duplicate && res.Success {
		res.Outcome = Duplicate
		res.Message = "Transaction already processed"
	}
	return res
}

func outcomeOf(err error) Outcome {
	switch apperrors.KindOf(err) {
	case apperrors.FraudBlocked:
		return Blocked
	case apperrors.ConversionFailed, apperrors.Internal:
		return Failed
	}
	return Rejected
}

func description(x *models.ExternalTransaction) string {
	if x.OfferName != "" {
		return fmt.Sprintf("%s: %s", x.ProviderID, x.OfferName)
	}
	return "Offer completed via " + x.ProviderID
}

func (p *Pipeline) log() logrus.FieldLogger {
	if p.Log == nil {
		return logrus.StandardLogger()
	}
	return p.Log
}
