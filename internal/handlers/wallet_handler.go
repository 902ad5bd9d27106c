package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/middleware"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/provider"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/wallet"
)

type WalletHandler struct {
	Wallets   *wallet.WalletService
	Providers *provider.Registry
}

func NewWalletHandler(ws *wallet.WalletService, providers *provider.Registry) *WalletHandler {
	return &WalletHandler{Wallets: ws, Providers: providers}
}

type createWalletRequest struct {
	UserID   uuid.UUID `json:"user_id"`
	Currency string    `json:"currency"`
}

type movementRequest struct {
	Amount        decimal.Decimal        `json:"amount"`
	Type          models.WalletTrxType   `json:"type"`
	Description   string                 `json:"description"`
	ReferenceID   string                 `json:"reference_id"`
	ReferenceType string                 `json:"reference_type"`
	Metadata      map[string]interface{} `json:"metadata"`
}

func (h *WalletHandler) Balance(c *fiber.Ctx) error {
	uid, found := middleware.UserID(c)
	if !found {
		return fiber.ErrUnauthorized
	}
	b, err := h.Wallets.GetBalance(c.UserContext(), uid)
	if err != nil {
		return fail(c, err)
	}
	return success(c, b)
}

// Transactions lists the caller's ledger entries, newest first.
func (h *WalletHandler) Transactions(c *fiber.Ctx) error {
	uid, found := middleware.UserID(c)
	if !found {
		return fiber.ErrUnauthorized
	}
	typ := models.WalletTrxType(c.Query("type"))
	if typ != "" && !typ.Valid() {
		return badRequest(c, "Unknown transaction type")
	}
	hist, err := h.Wallets.GetTransactionHistory(c.UserContext(), uid, queryInt(c, "page", 1), queryInt(c, "limit", 20), typ)
	if err != nil {
		return fail(c, err)
	}
	return success(c, hist)
}

func (h *WalletHandler) OfferwallURL(c *fiber.Ctx) error {
	uid, found := middleware.UserID(c)
	if !found {
		return fiber.ErrUnauthorized
	}
	u, err := h.Providers.TrackingURL(c.UserContext(), c.Params("providerId"), uid)
	if err != nil {
		return fail(c, err)
	}
	return success(c, fiber.Map{"url": u})
}

// Reconcile replays a wallet's log against its stored balances.
func (h *WalletHandler) Reconcile(c *fiber.Ctx) error {
	uid, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return badRequest(c, "Invalid user id")
	}
	rec, err := h.Wallets.Reconcile(c.UserContext(), uid)
	if err != nil {
		return fail(c, err)
	}
	return success(c, rec)
}

func (h *WalletHandler) Create(c *fiber.Ctx) error {
	var req createWalletRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == uuid.Nil {
		return badRequest(c, "user_id is required")
	}
	w, err := h.Wallets.CreateWallet(c.UserContext(), req.UserID, req.Currency)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": w})
}

func (h *WalletHandler) Credit(c *fiber.Ctx) error {
	return h.move(c, h.Wallets.Credit)
}

func (h *WalletHandler) Debit(c *fiber.Ctx) error {
	return h.move(c, h.Wallets.Debit)
}

func (h *WalletHandler) move(c *fiber.Ctx, apply func(ctx context.Context, req wallet.CreditRequest) (*models.Wallet, *models.WalletTransaction, error)) error {
	uid, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return badRequest(c, "Invalid user id")
	}
	var req movementRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	w, trx, err := apply(c.UserContext(), wallet.CreditRequest{
		UserID:        uid,
		Amount:        req.Amount,
		Type:          req.Type,
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return fail(c, err)
	}
	return success(c, fiber.Map{"wallet": w, "transaction": trx})
}
