package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
)

// Gorm is the postgres-backed Store. The *gorm.DB must be opened with TranslateError
// so unique violations surface as gorm.ErrDuplicatedKey.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Gorm{db: tx})
	})
}

func (g *Gorm) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&n).Error
	return n > 0, err
}

func (g *Gorm) CreateUser(ctx context.Context, u *models.User) error {
	return translate(g.db.WithContext(ctx).Create(u).Error)
}

func (g *Gorm) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	if err := g.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (g *Gorm) LockWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := g.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&w).Error
	if err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (g *Gorm) CreateWallet(ctx context.Context, w *models.Wallet) error {
	return translate(g.db.WithContext(ctx).Create(w).Error)
}

func (g *Gorm) SaveWallet(ctx context.Context, w *models.Wallet) error {
	return g.db.WithContext(ctx).Save(w).Error
}

func (g *Gorm) CreateTransaction(ctx context.Context, t *models.WalletTransaction) error {
	return translate(g.db.WithContext(ctx).Create(t).Error)
}

func (g *Gorm) ListTransactions(ctx context.Context, f TransactionFilter) ([]models.WalletTransaction, int64, error) {
	q := g.db.WithContext(ctx).Model(&models.WalletTransaction{}).Where("user_id = ?", f.UserID)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []models.WalletTransaction
	err := q.Order("sequence DESC").
		Offset(f.Offset).Limit(f.Limit).
		Find(&list).Error
	return list, total, err
}

func (g *Gorm) WalletTransactions(ctx context.Context, walletID uuid.UUID) ([]models.WalletTransaction, error) {
	var list []models.WalletTransaction
	err := g.db.WithContext(ctx).Where("wallet_id = ?", walletID).Order("sequence ASC").Find(&list).Error
	return list, err
}

func (g *Gorm) GetEscrow(ctx context.Context, workItemID string) (*models.Escrow, error) {
	var e models.Escrow
	if err := g.db.WithContext(ctx).Where("work_item_id = ?", workItemID).First(&e).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (g *Gorm) LockEscrow(ctx context.Context, workItemID string) (*models.Escrow, error) {
	var e models.Escrow
	err := g.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("work_item_id = ?", workItemID).
		First(&e).Error
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (g *Gorm) CreateEscrow(ctx context.Context, e *models.Escrow) error {
	return translate(g.db.WithContext(ctx).Create(e).Error)
}

func (g *Gorm) SaveEscrow(ctx context.Context, e *models.Escrow) error {
	return g.db.WithContext(ctx).Save(e).Error
}

func (g *Gorm) CreateExternalTransaction(ctx context.Context, t *models.ExternalTransaction) error {
	return translate(g.db.WithContext(ctx).Create(t).Error)
}

func (g *Gorm) GetExternalTransaction(ctx context.Context, providerID, externalID string) (*models.ExternalTransaction, error) {
	var t models.ExternalTransaction
	err := g.db.WithContext(ctx).
		Where("provider_id = ? AND external_transaction_id = ?", providerID, externalID).
		First(&t).Error
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (g *Gorm) GetExternalTransactionByID(ctx context.Context, id uuid.UUID) (*models.ExternalTransaction, error) {
	var t models.ExternalTransaction
	if err := g.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (g *Gorm) LockExternalTransaction(ctx context.Context, id uuid.UUID) (*models.ExternalTransaction, error) {
	var t models.ExternalTransaction
	err := g.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&t, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (g *Gorm) SaveExternalTransaction(ctx context.Context, t *models.ExternalTransaction) error {
	return g.db.WithContext(ctx).Save(t).Error
}

func (g *Gorm) ListExternalTransactions(ctx context.Context, f ExternalTransactionFilter) ([]models.ExternalTransaction, error) {
	q := g.db.WithContext(ctx).Model(&models.ExternalTransaction{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var list []models.ExternalTransaction
	err := q.Order("created_at ASC").Find(&list).Error
	return list, err
}

func (g *Gorm) ListProviders(ctx context.Context) ([]models.Provider, error) {
	var list []models.Provider
	err := g.db.WithContext(ctx).Order("provider_id ASC").Find(&list).Error
	return list, err
}

func (g *Gorm) GetProvider(ctx context.Context, providerID string) (*models.Provider, error) {
	var p models.Provider
	if err := g.db.WithContext(ctx).Where("provider_id = ?", providerID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (g *Gorm) SaveProvider(ctx context.Context, p *models.Provider) error {
	return translate(g.db.WithContext(ctx).Save(p).Error)
}

func (g *Gorm) IncrementProviderMetrics(ctx context.Context, providerID string, revenue, commission decimal.Decimal) error {
	result := g.db.WithContext(ctx).Model(&models.Provider{}).
		Where("provider_id = ?", providerID).
		Updates(map[string]interface{}{
			"total_completions": gorm.Expr("total_completions + 1"),
			"total_revenue":     gorm.Expr("total_revenue + ?", revenue),
			"total_commission":  gorm.Expr("total_commission + ?", commission),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}
