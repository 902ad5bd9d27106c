package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/apperrors"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/metrics"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Notifier receives the committed wallet state after a balance change.
type Notifier interface {
	NotifyWallet(ctx context.Context, userID uuid.UUID, w models.Wallet)
}

type WalletService struct {
	Store    store.Store
	Log      logrus.FieldLogger
	Metrics  *metrics.Metrics
	Notifier Notifier
	// Currency is assigned to wallets created without one.
	Currency string
}

func NewWalletService(st store.Store, log logrus.FieldLogger, m *metrics.Metrics) *WalletService {
	return &WalletService{Store: st, Log: log, Metrics: m, Currency: "NGN"}
}

type CreditRequest struct {
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Type          models.WalletTrxType
	Description   string
	ReferenceID   string
	ReferenceType string
	Metadata      map[string]interface{}
}

type DebitRequest = CreditRequest

// Types open to plain credits and debits. Escrow funding, releases and platform fees
// only move through the escrow manager via ApplyEntry.
var (
	creditTypes = map[models.WalletTrxType]bool{
		models.WalletTrxEarning:          true,
		models.WalletTrxTaskEarning:      true,
		models.WalletTrxOfferwallEarning: true,
		models.WalletTrxBonus:            true,
		models.WalletTrxRefund:           true,
	}
	debitTypes = map[models.WalletTrxType]bool{
		models.WalletTrxSpend:      true,
		models.WalletTrxWithdrawal: true,
	}
)

func checkType(op string, typ models.WalletTrxType, allowed map[models.WalletTrxType]bool, refType string) error {
	if !typ.Valid() {
		return apperrors.New(apperrors.InvalidInput, op, fmt.Sprintf("unknown transaction type %q", typ))
	}
	if !allowed[typ] {
		return apperrors.New(apperrors.InvalidInput, op, fmt.Sprintf("transaction type %q is not allowed here", typ))
	}
	// An escrow refund would drain the escrow bucket.
	if refType == models.RefTypeEscrow {
		return apperrors.New(apperrors.InvalidInput, op, "escrow movements go through the escrow manager")
	}
	return nil
}

// Entry is one signed movement on a locked wallet.
type Entry struct {
	Bucket        models.BalanceBucket
	Type          models.WalletTrxType
	Amount        decimal.Decimal
	Description   string
	ReferenceID   string
	ReferenceType string
	Metadata      map[string]interface{}
}

type Balance struct {
	AvailableBalance decimal.Decimal `json:"available_balance"`
	EscrowBalance    decimal.Decimal `json:"escrow_balance"`
	PendingBalance   decimal.Decimal `json:"pending_balance"`
	LifetimeEarnings decimal.Decimal `json:"lifetime_earnings"`
	LifetimeSpending decimal.Decimal `json:"lifetime_spending"`
	Currency         string          `json:"currency"`
}

type History struct {
	Transactions []models.WalletTransaction `json:"transactions"`
	Total        int64                      `json:"total"`
	Page         int                        `json:"page"`
	Limit        int                        `json:"limit"`
	Pages        int                        `json:"pages"`
}

type Reconciliation struct {
	UserID            uuid.UUID       `json:"user_id"`
	Transactions      int             `json:"transactions"`
	StoredAvailable   decimal.Decimal `json:"stored_available"`
	ReplayedAvailable decimal.Decimal `json:"replayed_available"`
	StoredEscrow      decimal.Decimal `json:"stored_escrow"`
	ReplayedEscrow    decimal.Decimal `json:"replayed_escrow"`
	Consistent        bool            `json:"consistent"`
}

// ValidateAmount accepts positive amounts with at most two decimal places.
func ValidateAmount(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperrors.New(apperrors.InvalidAmount, op, "amount must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(2)) {
		return apperrors.New(apperrors.InvalidAmount, op, "amount has more than two decimal places")
	}
	return nil
}

// CreateWallet returns the user's wallet, creating an empty one when none exists.
func (s *WalletService) CreateWallet(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	if currency == "" {
		currency = s.Currency
	}
	var out *models.Wallet
	err := s.Store.Atomic(ctx, func(tx store.Tx) error {
		w, err := tx.GetWallet(ctx, userID)
		if err == nil {
			out = w
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		w = &models.Wallet{UserID: userID, Currency: currency}
		if err := tx.CreateWallet(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		return s.Store.GetWallet(ctx, userID)
	}
	if err != nil {
		return nil, apperrors.NewInternal("wallet.CreateWallet", err)
	}
	return out, nil
}

// Credit increases the user's available balance and lifetime earnings in one unit of work.
func (s *WalletService) Credit(ctx context.Context, req CreditRequest) (*models.Wallet, *models.WalletTransaction, error) {
	var (
		w   *models.Wallet
		trx *models.WalletTransaction
	)
	err := s.Store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		w, trx, err = s.CreditTx(ctx, tx, req)
		return err
	})
	s.observe("credit", err)
	if err != nil {
		return nil, nil, err
	}
	s.notify(ctx, w)
	return w, trx, nil
}

// Debit decreases the user's available balance. Nothing is applied when the balance
// does not cover the amount.
func (s *WalletService) Debit(ctx context.Context, req DebitRequest) (*models.Wallet, *models.WalletTransaction, error) {
	var (
		w   *models.Wallet
		trx *models.WalletTransaction
	)
	err := s.Store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		w, trx, err = s.DebitTx(ctx, tx, req)
		return err
	})
	s.observe("debit", err)
	if err != nil {
		return nil, nil, err
	}
	s.notify(ctx, w)
	return w, trx, nil
}

// CreditTx is Credit inside the caller's unit of work.
func (s *WalletService) CreditTx(ctx context.Context, tx store.Tx, req CreditRequest) (*models.Wallet, *models.WalletTransaction, error) {
	const op = "wallet.Credit"
	if err := ValidateAmount(op, req.Amount); err != nil {
		return nil, nil, err
	}
	typ := req.Type
	if typ == "" {
		typ = models.WalletTrxEarning
	}
	if err := checkType(op, typ, creditTypes, req.ReferenceType); err != nil {
		return nil, nil, err
	}

	w, err := LockWallet(ctx, tx, op, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	w.LifetimeEarnings = w.LifetimeEarnings.Add(req.Amount)

	trx, err := ApplyEntry(ctx, tx, w, Entry{
		Bucket:        models.BucketAvailable,
		Type:          typ,
		Amount:        req.Amount,
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return nil, nil, err
	}
	return w, trx, nil
}

// DebitTx is Debit inside the caller's unit of work.
func (s *WalletService) DebitTx(ctx context.Context, tx store.Tx, req DebitRequest) (*models.Wallet, *models.WalletTransaction, error) {
	const op = "wallet.Debit"
	if err := ValidateAmount(op, req.Amount); err != nil {
		return nil, nil, err
	}
	typ := req.Type
	if typ == "" {
		typ = models.WalletTrxSpend
	}
	if err := checkType(op, typ, debitTypes, req.ReferenceType); err != nil {
		return nil, nil, err
	}

	w, err := LockWallet(ctx, tx, op, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	w.LifetimeSpending = w.LifetimeSpending.Add(req.Amount)

	trx, err := ApplyEntry(ctx, tx, w, Entry{
		Bucket:        models.BucketAvailable,
		Type:          typ,
		Amount:        req.Amount.Neg(),
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return nil, nil, err
	}
	return w, trx, nil
}

// LockWallet loads the user's wallet under a row lock and maps a missing row to WalletNotFound.
func LockWallet(ctx context.Context, tx store.Tx, op string, userID uuid.UUID) (*models.Wallet, error) {
	w, err := tx.LockWallet(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.New(apperrors.WalletNotFound, op, fmt.Sprintf("wallet not found for user %s", userID))
	}
	if err != nil {
		return nil, apperrors.NewInternal(op, err)
	}
	return w, nil
}

// ApplyEntry applies e to a wallet already locked in tx, saves the wallet and appends the
// transaction with the next sequence number. A movement that would take any balance
// below zero fails with InsufficientBalance and changes nothing.
func ApplyEntry(ctx context.Context, tx store.Tx, w *models.Wallet, e Entry) (*models.WalletTransaction, error) {
	const op = "wallet.ApplyEntry"
	now := time.Now()

	trx := &models.WalletTransaction{
		WalletID:      w.ID,
		UserID:        w.UserID,
		Bucket:        e.Bucket,
		Type:          e.Type,
		Amount:        e.Amount,
		Status:        models.WalletTrxCompleted,
		Description:   e.Description,
		ReferenceID:   e.ReferenceID,
		ReferenceType: e.ReferenceType,
		Metadata:      e.Metadata,
		CompletedAt:   &now,
	}
	if trx.Bucket == "" {
		trx.Bucket = models.BucketAvailable
	}

	da, de := trx.Effect()
	available := w.AvailableBalance.Add(da)
	escrow := w.EscrowBalance.Add(de)
	if available.IsNegative() || escrow.IsNegative() {
		return nil, apperrors.New(apperrors.InsufficientBalance, op,
			fmt.Sprintf("available %s, escrow %s, movement %s", w.AvailableBalance, w.EscrowBalance, e.Amount))
	}

	if trx.Bucket == models.BucketEscrow {
		trx.BalanceBefore, trx.BalanceAfter = w.EscrowBalance, escrow
	} else {
		trx.BalanceBefore, trx.BalanceAfter = w.AvailableBalance, available
	}
	w.AvailableBalance = available
	w.EscrowBalance = escrow
	trx.Sequence = w.NextSequence()

	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, apperrors.NewInternal(op, err)
	}
	if err := tx.CreateTransaction(ctx, trx); err != nil {
		return nil, apperrors.NewInternal(op, err)
	}
	return trx, nil
}

func (s *WalletService) GetBalance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	w, err := s.Store.GetWallet(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Balance{}, apperrors.New(apperrors.WalletNotFound, "wallet.GetBalance", "wallet not found")
	}
	if err != nil {
		return Balance{}, apperrors.NewInternal("wallet.GetBalance", err)
	}
	return Balance{
		AvailableBalance: w.AvailableBalance,
		EscrowBalance:    w.EscrowBalance,
		PendingBalance:   w.PendingBalance,
		LifetimeEarnings: w.LifetimeEarnings,
		LifetimeSpending: w.LifetimeSpending,
		Currency:         w.Currency,
	}, nil
}

// GetTransactionHistory pages through the user's transactions, newest first.
func (s *WalletService) GetTransactionHistory(ctx context.Context, userID uuid.UUID, page, limit int, typ models.WalletTrxType) (History, error) {
	const op = "wallet.GetTransactionHistory"
	if typ != "" && !typ.Valid() {
		return History{}, apperrors.New(apperrors.InvalidInput, op, fmt.Sprintf("unknown transaction type %q", typ))
	}
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}

	list, total, err := s.Store.ListTransactions(ctx, store.TransactionFilter{
		UserID: userID,
		Type:   typ,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return History{}, apperrors.NewInternal(op, err)
	}
	if list == nil {
		list = []models.WalletTransaction{}
	}
	return History{
		Transactions: list,
		Total:        total,
		Page:         page,
		Limit:        limit,
		Pages:        int((total + int64(limit) - 1) / int64(limit)),
	}, nil
}

// Reconcile replays the wallet's log from zero and compares it with the stored balances.
func (s *WalletService) Reconcile(ctx context.Context, userID uuid.UUID) (Reconciliation, error) {
	const op = "wallet.Reconcile"
	var rec Reconciliation
	err := s.Store.Atomic(ctx, func(tx store.Tx) error {
		w, err := LockWallet(ctx, tx, op, userID)
		if err != nil {
			return err
		}
		txs, err := tx.WalletTransactions(ctx, w.ID)
		if err != nil {
			return apperrors.NewInternal(op, err)
		}
		available, escrow := models.Replay(txs)
		rec = Reconciliation{
			UserID:            userID,
			Transactions:      len(txs),
			StoredAvailable:   w.AvailableBalance,
			ReplayedAvailable: available,
			StoredEscrow:      w.EscrowBalance,
			ReplayedEscrow:    escrow,
			Consistent:        available.Equal(w.AvailableBalance) && escrow.Equal(w.EscrowBalance),
		}
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if !rec.Consistent && s.Log != nil {
		s.Log.WithFields(logrus.Fields{
			"user_id":            userID,
			"stored_available":   rec.StoredAvailable,
			"replayed_available": rec.ReplayedAvailable,
			"stored_escrow":      rec.StoredEscrow,
			"replayed_escrow":    rec.ReplayedEscrow,
		}).Error("wallet balance does not match its transaction log")
	}
	return rec, nil
}

// Notify pushes the committed wallet to the notifier, if any. Callers that compose
// CreditTx into their own unit of work call it after commit.
func (s *WalletService) Notify(ctx context.Context, w *models.Wallet) {
	s.notify(ctx, w)
}

func (s *WalletService) notify(ctx context.Context, w *models.Wallet) {
	if s.Notifier == nil || w == nil {
		return
	}
	s.Notifier.NotifyWallet(ctx, w.UserID, *w)
}

func (s *WalletService) observe(op string, err error) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.LedgerOps.WithLabelValues(op, metrics.Result(err)).Inc()
}
