package postback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/apperrors"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/config"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/logger"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/metrics"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/currency"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/fraud"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/provider"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/wallet"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/store"
)

const secret = "cpagrip-secret"

type earning struct {
	userID uuid.UUID
	amount decimal.Decimal
	offer  string
}

type recordingNotifier struct {
	mu       sync.Mutex
	earnings []earning
}

func (n *recordingNotifier) NotifyEarning(_ context.Context, userID uuid.UUID, amount decimal.Decimal, offer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.earnings = append(n.earnings, earning{userID, amount, offer})
}

type fixture struct {
	st       *store.Memory
	wallets  *wallet.WalletService
	registry *provider.Registry
	metrics  *metrics.Metrics
	notifier *recordingNotifier
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	m := metrics.New()
	log := logger.Discard()

	ws := wallet.NewWalletService(st, log, m)
	reg := provider.NewRegistry(st, nil, log)
	key := secret
	_, err := reg.Upsert(ctx, provider.ProviderInput{
		ProviderID:     "cpagrip",
		CommissionRate: decimal.RequireFromString("0.2"),
		SecretKey:      &key,
	})
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, provider.ProviderInput{ProviderID: "open", CommissionRate: decimal.RequireFromString("0.1")})
	require.NoError(t, err)

	gate := fraud.NewGate(fraud.NewMemoryCounter(), config.Fraud{
		VelocityWindow: time.Hour,
		VelocityLimit:  1000,
		AmountFlag:     decimal.NewFromInt(100_000),
		AmountBlock:    decimal.NewFromInt(1_000_000),
		FlagScore:      30,
		BlockScore:     70,
	}, log, m)
	fx := currency.NewCurrencyService(map[string]decimal.Decimal{"GHS:NGN": decimal.NewFromInt(80)}, nil, "", log)

	n := &recordingNotifier{}
	p := NewPipeline(st, ws, reg, gate, fx, log, m, Options{SettlementCurrency: "NGN", AllowUnverified: true})
	p.Notifier = n
	return &fixture{st: st, wallets: ws, registry: reg, metrics: m, notifier: n, pipeline: p}
}

func (f *fixture) user(t *testing.T, withWallet bool) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	u := &models.User{ID: uuid.New(), Name: "earner", Email: uuid.NewString() + "@example.com", Role: models.RoleUser}
	require.NoError(t, f.st.CreateUser(ctx, u))
	if withWallet {
		_, err := f.wallets.CreateWallet(ctx, u.ID, "NGN")
		require.NoError(t, err)
	}
	return u.ID
}

func (f *fixture) available(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := f.wallets.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b.AvailableBalance
}

func signed(userID uuid.UUID, txID, amount, cur string) Postback {
	uid := userID.String()
	return Postback{
		ProviderID:    "cpagrip",
		UserID:        uid,
		TransactionID: txID,
		Amount:        amount,
		Currency:      cur,
		OfferName:     "Install app",
		Signature:     provider.Sign(secret, fmt.Sprintf("%s:%s:%s:%s", uid, txID, amount, cur)),
	}
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestProcess_ConvertsAndSplitsCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, true)

	res, err := f.pipeline.Process(ctx, signed(uid, "T-100", "500", "GHS"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, Completed, res.Outcome)
	require.NotNil(t, res.UserEarnings)
	assert.True(t, res.UserEarnings.Equal(dec("32000")))

	x, err := f.pipeline.Get(ctx, "cpagrip", "T-100")
	require.NoError(t, err)
	assert.Equal(t, models.ExternalTrxCompleted, x.Status)
	assert.True(t, x.ConvertedAmount.Equal(dec("40000")))
	assert.True(t, x.CommissionAmount.Equal(dec("8000")))
	assert.Equal(t, models.Verified, x.VerificationStatus)
	assert.Equal(t, models.VerifySignature, x.VerificationMethod)
	require.NotNil(t, x.LedgerTransactionID)
	assert.Equal(t, 1, x.Attempts)

	assert.True(t, f.available(t, uid).Equal(dec("32000")))

	prov, err := f.st.GetProvider(ctx, "cpagrip")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prov.TotalCompletions)
	assert.True(t, prov.TotalCommission.Equal(dec("8000")))

	require.Len(t, f.notifier.earnings, 1)
	assert.Equal(t, uid, f.notifier.earnings[0].userID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Postbacks.WithLabelValues("cpagrip", "completed")))

	h, err := f.wallets.GetTransactionHistory(ctx, uid, 1, 10, "")
	require.NoError(t, err)
	require.Len(t, h.Transactions, 1)
	assert.Equal(t, models.WalletTrxOfferwallEarning, h.Transactions[0].Type)
	assert.Equal(t, models.RefTypeExternalTransaction, h.Transactions[0].ReferenceType)
	assert.Equal(t, x.ID.String(), h.Transactions[0].ReferenceID)
}

func TestProcess_BadSignatureChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, true)

	pb := signed(uid, "T-1", "500", "GHS")
	pb.Signature = provider.Sign("wrong", "anything")
	res, err := f.pipeline.Process(ctx, pb)
	assert.ErrorIs(t, err, apperrors.ErrVerificationFailed)
	assert.False(t, res.Success)
	assert.Equal(t, Rejected, res.Outcome)

	assert.True(t, f.available(t, uid).IsZero())
	_, err = f.pipeline.Get(ctx, "cpagrip", "T-1")
	assert.ErrorIs(t, err, apperrors.ErrTransactionNotFound)
	h, err := f.wallets.GetTransactionHistory(ctx, uid, 1, 10, "")
	require.NoError(t, err)
	assert.Empty(t, h.Transactions)
}

func TestProcess_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, true)
	pb := signed(uid, "T-7", "500", "GHS")

	first, err := f.pipeline.Process(ctx, pb)
	require.NoError(t, err)
	second, err := f.pipeline.Process(ctx, pb)
	require.NoError(t, err)

	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Equal(t, Duplicate, second.Outcome)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, first.UserEarnings.Equal(*second.UserEarnings))
	assert.True(t, f.available(t, uid).Equal(dec("32000")))

	rows, err := f.pipeline.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestProcess_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, true)
	pb := signed(uid, "T-race", "500", "GHS")

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.pipeline.Process(ctx, pb)
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		assert.True(t, r.Success)
		if !r.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.True(t, f.available(t, uid).Equal(dec("32000")))

	rec, err := f.wallets.Reconcile(ctx, uid)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, 1, rec.Transactions)
}

func TestProcess_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, true)

	cases := map[string]struct {
		pb   Postback
		want error
	}{
		"unknown user":     {signed(uuid.New(), "T-a", "500", "GHS"), apperrors.ErrUserNotFound},
		"malformed user":   {Postback{ProviderID: "open", UserID: "nope", TransactionID: "T-b", Amount: "1", Currency: "NGN"}, apperrors.ErrUserNotFound},
		"unknown provider": {Postback{ProviderID: "ghost", UserID: uid.String(), TransactionID: "T-c", Amount: "1", Currency: "NGN"}, apperrors.ErrProviderNotFound},
		"missing fields":   {Postback{ProviderID: "open", UserID: uid.String()}, apperrors.ErrInvalidInput},
		"bad amount":       {Postback{ProviderID: "open", UserID: uid.String(), TransactionID: "T-d", Amount: "ten", Currency: "NGN"}, apperrors.ErrInvalidAmount},
		"no rate":          {Postback{ProviderID: "open", UserID: uid.String(), TransactionID: "T-e", Amount: "10", Currency: "EUR"}, apperrors.ErrConversionFailed},
		"fraud block":      {Postback{ProviderID: "open", UserID: uid.String(), TransactionID: "T-f", Amount: "5000000", Currency: "NGN"}, apperrors.ErrFraudBlocked},
		"zero amount":      {Postback{ProviderID: "open", UserID: uid.String(), TransactionID: "T-g", Amount: "0", Currency: "NGN"}, apperrors.ErrFraudBlocked},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := f.pipeline.Process(ctx, tc.pb)
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, res.Success)
		})
	}

	rows, err := f.pipeline.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.True(t, f.available(t, uid).IsZero())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Postbacks.WithLabelValues("open", "blocked")))
}

func TestProcess_UnsupportedCurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, true)
	_, err := f.registry.Upsert(ctx, provider.ProviderInput{
		ProviderID:          "usdonly",
		CommissionRate:      dec("0.1"),
		SupportedCurrencies: []string{"USD"},
	})
	require.NoError(t, err)

	_, err = f.pipeline.Process(ctx, Postback{ProviderID: "usdonly", UserID: uid.String(), TransactionID: "T", Amount: "1", Currency: "GHS"})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedCurrency)
}

func TestProcess_UnverifiedPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, true)
	pb := Postback{ProviderID: "open", UserID: uid.String(), TransactionID: "U-1", Amount: "100", Currency: "NGN"}

	res, err := f.pipeline.Process(ctx, pb)
	require.NoError(t, err)
	assert.True(t, res.Success)
	x, err := f.pipeline.Get(ctx, "open", "U-1")
	require.NoError(t, err)
	assert.Equal(t, models.Unverified, x.VerificationStatus)
	assert.True(t, x.UserEarnings.Equal(dec("90")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Unverified.WithLabelValues("open")))

	f.pipeline.Options.AllowUnverified = false
	pb.TransactionID = "U-2"
	_, err = f.pipeline.Process(ctx, pb)
	assert.ErrorIs(t, err, apperrors.ErrVerificationFailed)

	f.pipeline.Options.AllowUnverified = true
	_, err = f.registry.Upsert(ctx, provider.ProviderInput{ProviderID: "open", CommissionRate: dec("0.1"), RequireVerification: true})
	require.NoError(t, err)
	pb.TransactionID = "U-3"
	_, err = f.pipeline.Process(ctx, pb)
	assert.ErrorIs(t, err, apperrors.ErrVerificationFailed)
}

func TestProcess_CreditFailureKeepsRowForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, false)

	res, err := f.pipeline.Process(ctx, signed(uid, "T-9", "500", "GHS"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, Failed, res.Outcome)
	assert.NotEmpty(t, res.TransactionID)

	x, err := f.pipeline.Get(ctx, "cpagrip", "T-9")
	require.NoError(t, err)
	assert.Equal(t, models.ExternalTrxFailed, x.Status)
	assert.Contains(t, x.FailureReason, string(apperrors.WalletNotFound))
	assert.Nil(t, x.LedgerTransactionID)

	// A redelivery reports the recorded failure without a second row.
	again, err := f.pipeline.Process(ctx, signed(uid, "T-9", "500", "GHS"))
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Equal(t, x.ID.String(), again.TransactionID)

	_, err = f.wallets.CreateWallet(ctx, uid, "NGN")
	require.NoError(t, err)
	credited, err := f.pipeline.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)
	assert.True(t, f.available(t, uid).Equal(dec("32000")))

	x, err = f.pipeline.Get(ctx, "cpagrip", "T-9")
	require.NoError(t, err)
	assert.Equal(t, models.ExternalTrxCompleted, x.Status)
	assert.Empty(t, x.FailureReason)
	assert.Equal(t, 2, x.Attempts)

	// Retrying a completed row is a no-op.
	res, err = f.pipeline.RetryCredit(ctx, x.ID)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, f.available(t, uid).Equal(dec("32000")))

	_, err = f.pipeline.RetryCredit(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrTransactionNotFound)
}

func TestProcess_AbandonedPendingRowIsCredited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, true)

	// Rows recorded before a crash, never credited.
	for _, id := range []string{"crash-1", "crash-2"} {
		require.NoError(t, f.st.CreateExternalTransaction(ctx, &models.ExternalTransaction{
			ProviderID:            "cpagrip",
			ExternalTransactionID: id,
			UserID:                uid,
			OriginalAmount:        dec("500"),
			OriginalCurrency:      "GHS",
			ConvertedAmount:       dec("40000"),
			SettlementCurrency:    "NGN",
			CommissionRate:        dec("0.2"),
			CommissionAmount:      dec("8000"),
			UserEarnings:          dec("32000"),
			Status:                models.ExternalTrxPending,
		}))
	}

	// The provider's redelivery finishes the credit.
	res, err := f.pipeline.Process(ctx, signed(uid, "crash-2", "500", "GHS"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, Completed, res.Outcome)
	assert.False(t, res.Duplicate)
	assert.True(t, f.available(t, uid).Equal(dec("32000")))

	// Fresh pending rows belong to an in-flight request.
	credited, err := f.pipeline.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, credited)

	f.pipeline.Options.PendingGrace = time.Millisecond
	time.Sleep(10 * time.Millisecond)
	credited, err = f.pipeline.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)
	assert.True(t, f.available(t, uid).Equal(dec("64000")))

	for _, id := range []string{"crash-1", "crash-2"} {
		x, err := f.pipeline.Get(ctx, "cpagrip", id)
		require.NoError(t, err)
		assert.Equal(t, models.ExternalTrxCompleted, x.Status, id)
		assert.NotNil(t, x.LedgerTransactionID, id)

		res, err := f.pipeline.Process(ctx, signed(uid, id, "500", "GHS"))
		require.NoError(t, err)
		assert.Equal(t, Duplicate, res.Outcome, id)
	}
	assert.True(t, f.available(t, uid).Equal(dec("64000")))

	rec, err := f.wallets.Reconcile(ctx, uid)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, 2, rec.Transactions)
}

func TestSplit(t *testing.T) {
	c, e := Split(dec("40000"), dec("0.2"))
	assert.True(t, c.Equal(dec("8000")))
	assert.True(t, e.Equal(dec("32000")))

	c, e = Split(dec("10.01"), dec("0.15"))
	assert.True(t, c.Equal(dec("1.5")))
	assert.True(t, e.Equal(dec("8.51")))
}
