package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
)

type memState struct {
	users     map[uuid.UUID]models.User
	wallets   map[uuid.UUID]models.Wallet // keyed by user id
	txs       []models.WalletTransaction
	escrows   map[string]models.Escrow
	ext       map[uuid.UUID]models.ExternalTransaction
	extKeys   map[string]uuid.UUID
	extOrder  []uuid.UUID
	providers map[string]models.Provider
}

func newMemState() *memState {
	return &memState{
		users:     map[uuid.UUID]models.User{},
		wallets:   map[uuid.UUID]models.Wallet{},
		escrows:   map[string]models.Escrow{},
		ext:       map[uuid.UUID]models.ExternalTransaction{},
		extKeys:   map[string]uuid.UUID{},
		providers: map[string]models.Provider{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:     make(map[uuid.UUID]models.User, len(s.users)),
		wallets:   make(map[uuid.UUID]models.Wallet, len(s.wallets)),
		txs:       append([]models.WalletTransaction(nil), s.txs...),
		escrows:   make(map[string]models.Escrow, len(s.escrows)),
		ext:       make(map[uuid.UUID]models.ExternalTransaction, len(s.ext)),
		extKeys:   make(map[string]uuid.UUID, len(s.extKeys)),
		extOrder:  append([]uuid.UUID(nil), s.extOrder...),
		providers: make(map[string]models.Provider, len(s.providers)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.ext {
		c.ext[k] = v
	}
	for k, v := range s.extKeys {
		c.extKeys[k] = v
	}
	for k, v := range s.providers {
		c.providers[k] = v
	}
	return c
}

// Memory is an in-process Store. Units of work are serialized by a single mutex and
// run against a copy of the state that replaces the live state only when fn succeeds.
type Memory struct {
	memTx
	mu sync.Mutex
}

func NewMemory() *Memory {
	m := &Memory{}
	m.memTx = memTx{st: newMemState(), mu: &m.mu}
	return m
}

func (m *Memory) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	*m.st = *work
	return nil
}

// memTx operates on one state. mu is nil inside Atomic, where the caller already
// holds the lock.
type memTx struct {
	st *memState
	mu *sync.Mutex
}

func (t *memTx) lock() func() {
	if t.mu == nil {
		return func() {}
	}
	t.mu.Lock()
	return t.mu.Unlock
}

func extKey(providerID, externalID string) string {
	return providerID + "\x00" + externalID
}

func (t *memTx) UserExists(_ context.Context, userID uuid.UUID) (bool, error) {
	defer t.lock()()
	_, ok := t.st.users[userID]
	return ok, nil
}

func (t *memTx) CreateUser(_ context.Context, u *models.User) error {
	defer t.lock()()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if _, ok := t.st.users[u.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range t.st.users {
		if existing.Email != "" && existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	t.st.users[u.ID] = *u
	return nil
}

func (t *memTx) GetWallet(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	defer t.lock()()
	w, ok := t.st.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (t *memTx) LockWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return t.GetWallet(ctx, userID)
}

func (t *memTx) CreateWallet(_ context.Context, w *models.Wallet) error {
	defer t.lock()()
	if _, ok := t.st.wallets[w.UserID]; ok {
		return ErrDuplicate
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	t.st.wallets[w.UserID] = *w
	return nil
}

func (t *memTx) SaveWallet(_ context.Context, w *models.Wallet) error {
	defer t.lock()()
	w.UpdatedAt = time.Now()
	t.st.wallets[w.UserID] = *w
	return nil
}

func (t *memTx) CreateTransaction(_ context.Context, trx *models.WalletTransaction) error {
	defer t.lock()()
	for _, existing := range t.st.txs {
		if existing.WalletID == trx.WalletID && existing.Sequence == trx.Sequence {
			return ErrDuplicate
		}
	}
	if trx.ID == uuid.Nil {
		trx.ID = uuid.New()
	}
	if trx.CreatedAt.IsZero() {
		trx.CreatedAt = time.Now()
	}
	t.st.txs = append(t.st.txs, *trx)
	return nil
}

func (t *memTx) ListTransactions(_ context.Context, f TransactionFilter) ([]models.WalletTransaction, int64, error) {
	defer t.lock()()
	var matched []models.WalletTransaction
	for i := len(t.st.txs) - 1; i >= 0; i-- {
		trx := t.st.txs[i]
		if trx.UserID != f.UserID {
			continue
		}
		if f.Type != "" && trx.Type != f.Type {
			continue
		}
		matched = append(matched, trx)
	}
	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []models.WalletTransaction{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (t *memTx) WalletTransactions(_ context.Context, walletID uuid.UUID) ([]models.WalletTransaction, error) {
	defer t.lock()()
	var list []models.WalletTransaction
	for _, trx := range t.st.txs {
		if trx.WalletID == walletID {
			list = append(list, trx)
		}
	}
	return list, nil
}

func (t *memTx) GetEscrow(_ context.Context, workItemID string) (*models.Escrow, error) {
	defer t.lock()()
	e, ok := t.st.escrows[workItemID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (t *memTx) LockEscrow(ctx context.Context, workItemID string) (*models.Escrow, error) {
	return t.GetEscrow(ctx, workItemID)
}

func (t *memTx) CreateEscrow(_ context.Context, e *models.Escrow) error {
	defer t.lock()()
	if _, ok := t.st.escrows[e.WorkItemID]; ok {
		return ErrDuplicate
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	t.st.escrows[e.WorkItemID] = *e
	return nil
}

func (t *memTx) SaveEscrow(_ context.Context, e *models.Escrow) error {
	defer t.lock()()
	e.UpdatedAt = time.Now()
	t.st.escrows[e.WorkItemID] = *e
	return nil
}

func (t *memTx) CreateExternalTransaction(_ context.Context, x *models.ExternalTransaction) error {
	defer t.lock()()
	key := extKey(x.ProviderID, x.ExternalTransactionID)
	if _, ok := t.st.extKeys[key]; ok {
		return ErrDuplicate
	}
	if x.ID == uuid.Nil {
		x.ID = uuid.New()
	}
	now := time.Now()
	x.CreatedAt, x.UpdatedAt = now, now
	t.st.ext[x.ID] = *x
	t.st.extKeys[key] = x.ID
	t.st.extOrder = append(t.st.extOrder, x.ID)
	return nil
}

func (t *memTx) GetExternalTransaction(_ context.Context, providerID, externalID string) (*models.ExternalTransaction, error) {
	defer t.lock()()
	id, ok := t.st.extKeys[extKey(providerID, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	x := t.st.ext[id]
	return &x, nil
}

func (t *memTx) GetExternalTransactionByID(_ context.Context, id uuid.UUID) (*models.ExternalTransaction, error) {
	defer t.lock()()
	x, ok := t.st.ext[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &x, nil
}

func (t *memTx) LockExternalTransaction(ctx context.Context, id uuid.UUID) (*models.ExternalTransaction, error) {
	return t.GetExternalTransactionByID(ctx, id)
}

func (t *memTx) SaveExternalTransaction(_ context.Context, x *models.ExternalTransaction) error {
	defer t.lock()()
	if _, ok := t.st.ext[x.ID]; !ok {
		return ErrNotFound
	}
	x.UpdatedAt = time.Now()
	t.st.ext[x.ID] = *x
	return nil
}

func (t *memTx) ListExternalTransactions(_ context.Context, f ExternalTransactionFilter) ([]models.ExternalTransaction, error) {
	defer t.lock()()
	var list []models.ExternalTransaction
	for _, id := range t.st.extOrder {
		x := t.st.ext[id]
		if f.Status != "" && x.Status != f.Status {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !x.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		list = append(list, x)
		if f.Limit > 0 && len(list) == f.Limit {
			break
		}
	}
	return list, nil
}

func (t *memTx) ListProviders(_ context.Context) ([]models.Provider, error) {
	defer t.lock()()
	list := make([]models.Provider, 0, len(t.st.providers))
	for _, p := range t.st.providers {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ProviderID < list[j].ProviderID })
	return list, nil
}

func (t *memTx) GetProvider(_ context.Context, providerID string) (*models.Provider, error) {
	defer t.lock()()
	p, ok := t.st.providers[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) SaveProvider(_ context.Context, p *models.Provider) error {
	defer t.lock()()
	now := time.Now()
	if existing, ok := t.st.providers[p.ProviderID]; ok {
		if p.ID != uuid.Nil && p.ID != existing.ID {
			return ErrDuplicate
		}
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	t.st.providers[p.ProviderID] = *p
	return nil
}

func (t *memTx) IncrementProviderMetrics(_ context.Context, providerID string, revenue, commission decimal.Decimal) error {
	defer t.lock()()
	p, ok := t.st.providers[providerID]
	if !ok {
		return ErrNotFound
	}
	p.TotalCompletions++
	p.TotalRevenue = p.TotalRevenue.Add(revenue)
	p.TotalCommission = p.TotalCommission.Add(commission)
	t.st.providers[providerID] = p
	return nil
}
