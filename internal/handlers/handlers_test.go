package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/config"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/logger"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/metrics"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/middleware"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/realtime"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/currency"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/escrow"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/fraud"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/postback"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/provider"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/wallet"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/store"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/utils"
)

const (
	jwtSecret  = "jwt-secret"
	serviceKey = "svc-key"
	cpaSecret  = "cpa-secret"
)

type server struct {
	app      *fiber.App
	st       *store.Memory
	wallets  *wallet.WalletService
	registry *provider.Registry
}

func newServer(t *testing.T) *server {
	t.Helper()
	return newServerBehind(t, nil)
}

// newServerBehind builds the app trusting X-Forwarded-For from the given proxies.
func newServerBehind(t *testing.T, trustedProxies []string) *server {
	t.Helper()
	ctx := context.Background()
	log := logger.Discard()
	m := metrics.New()
	st := store.NewMemory()

	ws := wallet.NewWalletService(st, log, m)
	reg := provider.NewRegistry(st, nil, log)
	key := cpaSecret
	_, err := reg.Upsert(ctx, provider.ProviderInput{
		ProviderID:     "cpagrip",
		CommissionRate: decimal.RequireFromString("0.2"),
		SecretKey:      &key,
		OfferWallURL:   "https://www.cpagrip.com/show.php?id=1",
	})
	require.NoError(t, err)

	gate := fraud.NewGate(fraud.NewMemoryCounter(), config.Fraud{
		VelocityWindow: time.Hour, VelocityLimit: 1000,
		AmountFlag: decimal.NewFromInt(100_000), AmountBlock: decimal.NewFromInt(1_000_000),
		FlagScore: 30, BlockScore: 70,
	}, log, m)
	fx := currency.NewCurrencyService(map[string]decimal.Decimal{"GHS:NGN": decimal.NewFromInt(80)}, nil, "", log)
	hub := realtime.NewHub(nil, log)
	ws.Notifier = hub
	pipeline := postback.NewPipeline(st, ws, reg, gate, fx, log, m, postback.Options{SettlementCurrency: "NGN", AllowUnverified: true})
	pipeline.Notifier = hub

	hash, err := bcrypt.GenerateFromPassword([]byte(serviceKey), bcrypt.MinCost)
	require.NoError(t, err)

	app := fiber.New(AppConfig(trustedProxies))
	Routes{
		Postback:       NewPostbackHandler(pipeline, reg),
		Wallet:         NewWalletHandler(ws, reg),
		Escrow:         NewEscrowHandler(escrow.NewEscrowService(st, ws, log, m)),
		Admin:          NewAdminHandler(reg, pipeline, "https://api.example.com"),
		System:         NewSystemHandler(hub, map[string]Pinger{"store": func(context.Context) error { return nil }}),
		JWTSecret:      jwtSecret,
		ServiceKeyHash: string(hash),
		Limiter:        middleware.NewRateLimiter(1000, 1000),
		Metrics:        m.Handler(),
	}.Register(app)

	return &server{app: app, st: st, wallets: ws, registry: reg}
}

func (s *server) user(t *testing.T, withWallet bool) uuid.UUID {
	t.Helper()
	u := &models.User{ID: uuid.New(), Name: "u", Email: uuid.NewString() + "@example.com", Role: models.RoleUser}
	require.NoError(t, s.st.CreateUser(context.Background(), u))
	if withWallet {
		_, err := s.wallets.CreateWallet(context.Background(), u.ID, "NGN")
		require.NoError(t, err)
	}
	return u.ID
}

func bearer(t *testing.T, uid uuid.UUID, role string) string {
	t.Helper()
	tok, err := utils.SignJWT(jwtSecret, uid.String(), role, 5)
	require.NoError(t, err)
	return "Bearer " + tok
}

type response struct {
	status int
	body   map[string]interface{}
}

func (s *server) do(t *testing.T, req *http.Request) response {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := response{status: resp.StatusCode, body: map[string]interface{}{}}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out.body))
	}
	return out
}

func jsonRequest(method, target string, body interface{}) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, target, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func internalRequest(method, target string, body interface{}) *http.Request {
	req := jsonRequest(method, target, body)
	req.Header.Set(middleware.ServiceKeyHeader, serviceKey)
	return req
}

func postbackQuery(uid uuid.UUID, txID, amount, cur, secret string) string {
	q := url.Values{}
	q.Set("user_id", uid.String())
	q.Set("transaction_id", txID)
	q.Set("amount", amount)
	q.Set("currency", cur)
	q.Set("offer_name", "Install app")
	q.Set("signature", provider.Sign(secret, fmt.Sprintf("%s:%s:%s:%s", uid, txID, amount, cur)))
	return q.Encode()
}

func TestPostback_GetQuery(t *testing.T) {
	s := newServer(t)
	uid := s.user(t, true)

	res := s.do(t, httptest.NewRequest(http.MethodGet, "/api/postback/cpagrip?"+postbackQuery(uid, "T1", "500", "GHS", cpaSecret)+"&hash=0cc175b9c0f1b6a831c399e269772661", nil))
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, true, res.body["success"])

	x, err := s.st.GetExternalTransaction(context.Background(), "cpagrip", "T1")
	require.NoError(t, err)
	assert.NotContains(t, x.RawPayload, "signature")
	assert.NotContains(t, x.RawPayload, "hash")
	assert.Equal(t, "T1", x.RawPayload["transaction_id"])
	assert.Equal(t, "32000", res.body["userEarnings"])
	assert.NotEmpty(t, res.body["transactionId"])

	// Redelivery is acknowledged without a second credit.
	res = s.do(t, httptest.NewRequest(http.MethodGet, "/api/postback/cpagrip?"+postbackQuery(uid, "T1", "500", "GHS", cpaSecret), nil))
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "Transaction already processed", res.body["message"])

	b, err := s.wallets.GetBalance(context.Background(), uid)
	require.NoError(t, err)
	assert.True(t, b.AvailableBalance.Equal(decimal.NewFromInt(32000)))
}

func TestPostback_FormAndJSON(t *testing.T) {
	s := newServer(t)
	uid := s.user(t, true)

	req := httptest.NewRequest(http.MethodPost, "/api/postback/cpagrip", strings.NewReader(postbackQuery(uid, "F1", "1.50", "GHS", cpaSecret)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res := s.do(t, req)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "96", res.body["userEarnings"])

	// A provider with its own field names, sending the amount as a JSON number.
	key := "ogads-secret"
	_, err := s.registry.Upsert(context.Background(), provider.ProviderInput{
		ProviderID:     "ogads",
		CommissionRate: decimal.RequireFromString("0.1"),
		SecretKey:      &key,
		FieldMap:       map[string]string{"user_id": "player.id", "transaction_id": "lead_id"},
	})
	require.NoError(t, err)
	raw := fmt.Sprintf(`{"player":{"id":%q},"lead_id":"L-9","amount":1.50,"currency":"GHS","signature":%q}`,
		uid, provider.Sign(key, fmt.Sprintf("%s:L-9:1.50:GHS", uid)))
	req = httptest.NewRequest(http.MethodPost, "/api/postback/ogads", strings.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	res = s.do(t, req)
	assert.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, "108", res.body["userEarnings"])

	x, err := s.st.GetExternalTransaction(context.Background(), "ogads", "L-9")
	require.NoError(t, err)
	assert.NotContains(t, x.RawPayload, "signature")
	assert.Equal(t, "L-9", x.RawPayload["lead_id"])
}

func TestPostback_ForwardedForTrustedOnlyFromProxies(t *testing.T) {
	allowList := func(t *testing.T, s *server) {
		t.Helper()
		_, err := s.registry.Upsert(context.Background(), provider.ProviderInput{
			ProviderID:          "ipwall",
			CommissionRate:      decimal.RequireFromString("0.2"),
			Verification:        models.VerifyIPAllowList,
			IPAllowList:         []string{"203.0.113.5"},
			RequireVerification: true,
		})
		require.NoError(t, err)
	}
	forwarded := func(uid uuid.UUID, txID string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/postback/ipwall?user_id=%s&transaction_id=%s&amount=1&currency=GHS", uid, txID), nil)
		req.Header.Set(fiber.HeaderXForwardedFor, "203.0.113.5")
		return req
	}

	t.Run("untrusted client", func(t *testing.T) {
		s := newServerBehind(t, []string{"10.0.0.1"})
		allowList(t, s)
		uid := s.user(t, true)

		res := s.do(t, forwarded(uid, "X1"))
		assert.Equal(t, http.StatusUnauthorized, res.status)
		assert.Equal(t, "VERIFICATION_FAILED", res.body["error"])

		b, err := s.wallets.GetBalance(context.Background(), uid)
		require.NoError(t, err)
		assert.True(t, b.AvailableBalance.IsZero())
	})

	t.Run("no proxies configured", func(t *testing.T) {
		s := newServer(t)
		allowList(t, s)
		uid := s.user(t, true)

		res := s.do(t, forwarded(uid, "X2"))
		assert.Equal(t, http.StatusUnauthorized, res.status)
	})

	t.Run("trusted proxy", func(t *testing.T) {
		// app.Test connections come from 0.0.0.0.
		s := newServerBehind(t, []string{"0.0.0.0"})
		allowList(t, s)
		uid := s.user(t, true)

		res := s.do(t, forwarded(uid, "X3"))
		assert.Equal(t, http.StatusOK, res.status, res.body)
		assert.Equal(t, "64", res.body["userEarnings"])
	})
}

func TestPostback_Statuses(t *testing.T) {
	s := newServer(t)
	uid := s.user(t, true)
	noWallet := s.user(t, false)

	cases := []struct {
		name   string
		target string
		status int
		kind   string
	}{
		{"bad signature", "/api/postback/cpagrip?" + postbackQuery(uid, "S1", "500", "GHS", "wrong"), http.StatusUnauthorized, "VERIFICATION_FAILED"},
		{"unknown user", "/api/postback/cpagrip?" + postbackQuery(uuid.New(), "S2", "500", "GHS", cpaSecret), http.StatusNotFound, "USER_NOT_FOUND"},
		{"unknown provider", "/api/postback/nobody?" + postbackQuery(uid, "S3", "500", "GHS", cpaSecret), http.StatusNotFound, "PROVIDER_NOT_FOUND"},
		{"missing fields", "/api/postback/cpagrip?user_id=" + uid.String(), http.StatusBadRequest, "INVALID_INPUT"},
		{"no rate", "/api/postback/cpagrip?" + postbackQuery(uid, "S4", "5", "EUR", cpaSecret), http.StatusServiceUnavailable, "CONVERSION_FAILED"},
		{"fraud", "/api/postback/cpagrip?" + postbackQuery(uid, "S5", "9000000", "GHS", cpaSecret), http.StatusForbidden, "FRAUD_DETECTED"},
		{"credit failed", "/api/postback/cpagrip?" + postbackQuery(noWallet, "S6", "500", "GHS", cpaSecret), http.StatusAccepted, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := s.do(t, httptest.NewRequest(http.MethodGet, tc.target, nil))
			assert.Equal(t, tc.status, res.status)
			assert.Equal(t, false, res.body["success"])
			if tc.kind != "" {
				assert.Equal(t, tc.kind, res.body["error"])
			}
		})
	}
}

func TestWalletEndpoints(t *testing.T) {
	s := newServer(t)
	uid := s.user(t, true)
	s.do(t, httptest.NewRequest(http.MethodGet, "/api/postback/cpagrip?"+postbackQuery(uid, "W1", "500", "GHS", cpaSecret), nil))

	req := httptest.NewRequest(http.MethodGet, "/api/wallet/balance", nil)
	req.Header.Set("Authorization", bearer(t, uid, "user"))
	res := s.do(t, req)
	require.Equal(t, http.StatusOK, res.status)
	data := res.body["data"].(map[string]interface{})
	assert.Equal(t, "32000", data["available_balance"])

	req = httptest.NewRequest(http.MethodGet, "/api/wallet/transactions?limit=5", nil)
	req.Header.Set("Authorization", bearer(t, uid, "user"))
	res = s.do(t, req)
	require.Equal(t, http.StatusOK, res.status)
	hist := res.body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), hist["total"])

	req = httptest.NewRequest(http.MethodGet, "/api/wallet/transactions?type=bogus", nil)
	req.Header.Set("Authorization", bearer(t, uid, "user"))
	assert.Equal(t, http.StatusBadRequest, s.do(t, req).status)

	req = httptest.NewRequest(http.MethodGet, "/api/offerwalls/cpagrip/url", nil)
	req.Header.Set("Authorization", bearer(t, uid, "user"))
	res = s.do(t, req)
	require.Equal(t, http.StatusOK, res.status)
	assert.Contains(t, res.body["data"].(map[string]interface{})["url"], "subid="+uid.String())

	assert.Equal(t, http.StatusUnauthorized, s.do(t, httptest.NewRequest(http.MethodGet, "/api/wallet/balance", nil)).status)
}

func TestAdminEndpoints(t *testing.T) {
	s := newServer(t)
	admin := uuid.New()
	uid := s.user(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/providers", nil)
	req.Header.Set("Authorization", bearer(t, uid, "user"))
	assert.Equal(t, http.StatusForbidden, s.do(t, req).status)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/providers", nil)
	req.Header.Set("Authorization", bearer(t, admin, "admin"))
	res := s.do(t, req)
	require.Equal(t, http.StatusOK, res.status)
	list := res.body["data"].([]interface{})
	require.Len(t, list, 1)
	p := list[0].(map[string]interface{})
	assert.Equal(t, true, p["has_secret"])
	assert.NotContains(t, p, "secret_key")
	assert.Contains(t, p["postback_url"], "https://api.example.com/api/postback/cpagrip")

	req = jsonRequest(http.MethodPut, "/api/admin/providers/adgate", map[string]interface{}{"commission_rate": "0.3"})
	req.Header.Set("Authorization", bearer(t, admin, "admin"))
	assert.Equal(t, http.StatusOK, s.do(t, req).status)

	req = jsonRequest(http.MethodPut, "/api/admin/providers/adgate", map[string]interface{}{"commission_rate": "3"})
	req.Header.Set("Authorization", bearer(t, admin, "admin"))
	assert.Equal(t, http.StatusBadRequest, s.do(t, req).status)

	// A postback whose credit failed can be retried once the wallet exists.
	res = s.do(t, httptest.NewRequest(http.MethodGet, "/api/postback/cpagrip?"+postbackQuery(uid, "R1", "500", "GHS", cpaSecret), nil))
	require.Equal(t, http.StatusAccepted, res.status)
	id := res.body["transactionId"].(string)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/external-transactions?status=failed", nil)
	req.Header.Set("Authorization", bearer(t, admin, "admin"))
	res = s.do(t, req)
	require.Equal(t, http.StatusOK, res.status)
	assert.Len(t, res.body["data"], 1)

	_, err := s.wallets.CreateWallet(context.Background(), uid, "NGN")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/admin/external-transactions/"+id+"/retry", nil)
	req.Header.Set("Authorization", bearer(t, admin, "admin"))
	res = s.do(t, req)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, true, res.body["success"])

	req = httptest.NewRequest(http.MethodGet, "/api/admin/wallets/"+uid.String()+"/reconcile", nil)
	req.Header.Set("Authorization", bearer(t, admin, "admin"))
	res = s.do(t, req)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, true, res.body["data"].(map[string]interface{})["consistent"])

	req = httptest.NewRequest(http.MethodPost, "/api/admin/providers/adgate/disable", nil)
	req.Header.Set("Authorization", bearer(t, admin, "admin"))
	assert.Equal(t, http.StatusOK, s.do(t, req).status)
}

func TestInternalEscrowFlow(t *testing.T) {
	s := newServer(t)
	payer, payee := uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{payer, payee} {
		res := s.do(t, internalRequest(http.MethodPost, "/internal/wallets", map[string]interface{}{"user_id": id}))
		require.Equal(t, http.StatusCreated, res.status)
	}
	res := s.do(t, internalRequest(http.MethodPost, "/internal/wallets/"+payer.String()+"/credit",
		map[string]interface{}{"amount": "10000", "type": "bonus"}))
	require.Equal(t, http.StatusOK, res.status)

	res = s.do(t, internalRequest(http.MethodPost, "/internal/escrows", map[string]interface{}{
		"payer_id": payer, "work_item_id": "task-1", "total_amount": "10000", "total_slots": 10, "platform_fee_rate": "0.10",
	}))
	require.Equal(t, http.StatusCreated, res.status, res.body)
	assert.Equal(t, "900", res.body["data"].(map[string]interface{})["amount_per_slot"])

	res = s.do(t, internalRequest(http.MethodPost, "/internal/escrows", map[string]interface{}{
		"payer_id": payer, "work_item_id": "task-1", "total_amount": "1", "total_slots": 1,
	}))
	assert.Equal(t, http.StatusConflict, res.status)

	for i := 0; i < 3; i++ {
		res = s.do(t, internalRequest(http.MethodPost, "/internal/escrows/task-1/release",
			map[string]interface{}{"payee_id": payee, "submission_id": fmt.Sprintf("sub-%d", i)}))
		require.Equal(t, http.StatusOK, res.status, res.body)
	}

	// Escrow balances cannot be moved through the plain wallet endpoints.
	res = s.do(t, internalRequest(http.MethodPost, "/internal/wallets/"+payer.String()+"/credit",
		map[string]interface{}{"amount": "2700", "type": "escrow_fund"}))
	assert.Equal(t, http.StatusBadRequest, res.status)
	res = s.do(t, internalRequest(http.MethodPost, "/internal/wallets/"+payer.String()+"/credit",
		map[string]interface{}{"amount": "100", "type": "refund", "reference_type": "escrow"}))
	assert.Equal(t, http.StatusBadRequest, res.status)
	res = s.do(t, internalRequest(http.MethodPost, "/internal/wallets/"+payer.String()+"/debit",
		map[string]interface{}{"amount": "100", "type": "escrow_fund"}))
	assert.Equal(t, http.StatusBadRequest, res.status)

	res = s.do(t, internalRequest(http.MethodGet, "/internal/escrows/task-1", nil))
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, string(models.EscrowPartiallyReleased), res.body["data"].(map[string]interface{})["status"])

	res = s.do(t, internalRequest(http.MethodPost, "/internal/escrows/task-1/refund", map[string]interface{}{"reason": "cancelled"}))
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "7000", res.body["data"].(map[string]interface{})["refunded_amount"])

	res = s.do(t, internalRequest(http.MethodPost, "/internal/escrows/task-1/refund", nil))
	assert.Equal(t, http.StatusConflict, res.status)
	assert.Equal(t, "ESCROW_ALREADY_TERMINAL", res.body["error"])

	res = s.do(t, internalRequest(http.MethodPost, "/internal/wallets/"+payee.String()+"/debit",
		map[string]interface{}{"amount": "999999"}))
	assert.Equal(t, http.StatusConflict, res.status)

	req := jsonRequest(http.MethodPost, "/internal/wallets", map[string]interface{}{"user_id": uuid.New()})
	assert.Equal(t, http.StatusUnauthorized, s.do(t, req).status)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	res := s.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, res.status)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	down := NewSystemHandler(nil, map[string]Pinger{"redis": func(context.Context) error { return errors.New("down") }})
	app := fiber.New()
	app.Get("/healthz", down.Healthz)
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
