// Package store is the persistence boundary of the ledger. Every balance-affecting
// operation runs inside Store.Atomic, which is the unit of work: the balance read, the
// balance write and the transaction-log append either all commit or all roll back.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
)

var (
	ErrNotFound  = errors.New("store: record not found")
	ErrDuplicate = errors.New("store: duplicate key")
)

type TransactionFilter struct {
	UserID uuid.UUID
	Type   models.WalletTrxType
	Offset int
	Limit  int
}

// ExternalTransactionFilter selects external transactions, oldest first.
type ExternalTransactionFilter struct {
	Status models.ExternalTrxStatus
	// UpdatedBefore keeps only rows last written before it when set.
	UpdatedBefore time.Time
	Limit         int
}

// Tx is the set of operations available both inside and outside a unit of work.
// Lock* methods take a row lock when called inside Atomic.
type Tx interface {
	UserExists(ctx context.Context, userID uuid.UUID) (bool, error)
	CreateUser(ctx context.Context, u *models.User) error

	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	LockWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	CreateWallet(ctx context.Context, w *models.Wallet) error
	SaveWallet(ctx context.Context, w *models.Wallet) error

	CreateTransaction(ctx context.Context, t *models.WalletTransaction) error
	ListTransactions(ctx context.Context, f TransactionFilter) ([]models.WalletTransaction, int64, error)
	// WalletTransactions returns every transaction of a wallet in ascending sequence order.
	WalletTransactions(ctx context.Context, walletID uuid.UUID) ([]models.WalletTransaction, error)

	GetEscrow(ctx context.Context, workItemID string) (*models.Escrow, error)
	LockEscrow(ctx context.Context, workItemID string) (*models.Escrow, error)
	CreateEscrow(ctx context.Context, e *models.Escrow) error
	SaveEscrow(ctx context.Context, e *models.Escrow) error

	// CreateExternalTransaction returns ErrDuplicate when (ProviderID, ExternalTransactionID)
	// already exists.
	CreateExternalTransaction(ctx context.Context, t *models.ExternalTransaction) error
	GetExternalTransaction(ctx context.Context, providerID, externalID string) (*models.ExternalTransaction, error)
	GetExternalTransactionByID(ctx context.Context, id uuid.UUID) (*models.ExternalTransaction, error)
	LockExternalTransaction(ctx context.Context, id uuid.UUID) (*models.ExternalTransaction, error)
	SaveExternalTransaction(ctx context.Context, t *models.ExternalTransaction) error
	ListExternalTransactions(ctx context.Context, f ExternalTransactionFilter) ([]models.ExternalTransaction, error)

	ListProviders(ctx context.Context) ([]models.Provider, error)
	GetProvider(ctx context.Context, providerID string) (*models.Provider, error)
	SaveProvider(ctx context.Context, p *models.Provider) error
	IncrementProviderMetrics(ctx context.Context, providerID string, revenue, commission decimal.Decimal) error
}

type Store interface {
	Tx
	// Atomic runs fn in a single database transaction. A non-nil error from fn rolls
	// everything back and is returned unchanged.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}
