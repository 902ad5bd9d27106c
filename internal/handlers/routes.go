package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/middleware"
)

// AppConfig builds the fiber config. X-Forwarded-For is only read from the
// listed proxies; with none configured the socket address is the client IP.
func AppConfig(trustedProxies []string) fiber.Config {
	cfg := fiber.Config{
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	if len(trustedProxies) > 0 {
		cfg.ProxyHeader = fiber.HeaderXForwardedFor
		cfg.EnableTrustedProxyCheck = true
		cfg.TrustedProxies = trustedProxies
	}
	return cfg
}

type Routes struct {
	Postback *PostbackHandler
	Wallet   *WalletHandler
	Escrow   *EscrowHandler
	Admin    *AdminHandler
	System   *SystemHandler

	JWTSecret      string
	ServiceKeyHash string
	Limiter        *middleware.RateLimiter
	Metrics        http.Handler
}

func (r Routes) Register(app *fiber.App) {
	app.Get("/healthz", r.System.Healthz)
	if r.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(r.Metrics))
	}

	api := app.Group("/api")

	// public webhook
	webhook := []fiber.Handler{r.Postback.Receive}
	if r.Limiter != nil {
		webhook = append([]fiber.Handler{middleware.PostbackRateLimit(r.Limiter)}, webhook...)
	}
	api.Get("/postback/:providerId", webhook...)
	api.Post("/postback/:providerId", webhook...)

	// protected (JWT)
	protected := api.Group("/",
		middleware.JWT(r.JWTSecret),
		middleware.AttachJWTLocals(),
	)
	protected.Get("/wallet/balance", r.Wallet.Balance)
	protected.Get("/wallet/transactions", r.Wallet.Transactions)
	protected.Get("/offerwalls/:providerId/url", r.Wallet.OfferwallURL)

	// admin only
	admin := protected.Group("/admin", middleware.RequireRoles("admin"))
	admin.Get("/providers", r.Admin.ListProviders)
	admin.Put("/providers/:providerId", r.Admin.UpsertProvider)
	admin.Post("/providers/:providerId/disable", r.Admin.DisableProvider)
	admin.Get("/external-transactions", r.Admin.ListExternalTransactions)
	admin.Post("/external-transactions/:id/retry", r.Admin.RetryExternalTransaction)
	admin.Get("/wallets/:userId/reconcile", r.Wallet.Reconcile)

	// internal collaborators
	internal := app.Group("/internal", middleware.ServiceKey(r.ServiceKeyHash))
	internal.Post("/wallets", r.Wallet.Create)
	internal.Post("/wallets/:userId/credit", r.Wallet.Credit)
	internal.Post("/wallets/:userId/debit", r.Wallet.Debit)
	internal.Post("/escrows", r.Escrow.Create)
	internal.Get("/escrows/:workItemId", r.Escrow.Get)
	internal.Post("/escrows/:workItemId/release", r.Escrow.Release)
	internal.Post("/escrows/:workItemId/refund", r.Escrow.Refund)

	app.Get("/ws/wallet",
		UpgradeOnly,
		middleware.JWT(r.JWTSecret),
		middleware.AttachJWTLocals(),
		websocket.New(r.System.WalletSocket),
	)
}
