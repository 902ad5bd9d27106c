package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/models"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/postback"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/provider"
)

type AdminHandler struct {
	Providers *provider.Registry
	Pipeline  *postback.Pipeline
	// BaseURL is this service's public address, used to render postback URLs.
	BaseURL string
}

func NewAdminHandler(providers *provider.Registry, p *postback.Pipeline, baseURL string) *AdminHandler {
	return &AdminHandler{Providers: providers, Pipeline: p, BaseURL: baseURL}
}

type providerView struct {
	models.Provider
	HasSecret   bool   `json:"has_secret"`
	PostbackURL string `json:"postback_url"`
}

func (h *AdminHandler) view(p models.Provider) providerView {
	return providerView{Provider: p, HasSecret: p.HasSecret(), PostbackURL: provider.PostbackURL(h.BaseURL, p.ProviderID)}
}

func (h *AdminHandler) ListProviders(c *fiber.Ctx) error {
	list, err := h.Providers.List(c.UserContext())
	if err != nil {
		return fail(c, err)
	}
	out := make([]providerView, 0, len(list))
	for _, p := range list {
		out = append(out, h.view(p))
	}
	return success(c, out)
}

// UpsertProvider creates or replaces a provider. Omitting secret_key keeps the stored one.
func (h *AdminHandler) UpsertProvider(c *fiber.Ctx) error {
	var in provider.ProviderInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Invalid request")
	}
	in.ProviderID = c.Params("providerId")
	p, err := h.Providers.Upsert(c.UserContext(), in)
	if err != nil {
		return fail(c, err)
	}
	return success(c, h.view(*p))
}

func (h *AdminHandler) DisableProvider(c *fiber.Ctx) error {
	p, err := h.Providers.Disable(c.UserContext(), c.Params("providerId"))
	if err != nil {
		return fail(c, err)
	}
	return success(c, h.view(*p))
}

func (h *AdminHandler) ListExternalTransactions(c *fiber.Ctx) error {
	status := models.ExternalTrxStatus(c.Query("status"))
	switch status {
	case "", models.ExternalTrxPending, models.ExternalTrxCompleted, models.ExternalTrxFailed:
	default:
		return badRequest(c, "Unknown status")
	}
	list, err := h.Pipeline.List(c.UserContext(), status, queryInt(c, "limit", 100))
	if err != nil {
		return fail(c, err)
	}
	return success(c, list)
}

// RetryExternalTransaction re-runs the ledger credit of a recorded postback.
func (h *AdminHandler) RetryExternalTransaction(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid transaction id")
	}
	res, err := h.Pipeline.RetryCredit(c.UserContext(), id)
	if err != nil {
		return fail(c, err)
	}
	status := fiber.StatusOK
	if res.Outcome == postback.Failed {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(res)
}
