package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/escrow"
)

type EscrowHandler struct {
	Escrows *escrow.EscrowService
}

func NewEscrowHandler(es *escrow.EscrowService) *EscrowHandler {
	return &EscrowHandler{Escrows: es}
}

type releaseRequest struct {
	PayeeID      uuid.UUID `json:"payee_id"`
	SubmissionID string    `json:"submission_id"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (h *EscrowHandler) Create(c *fiber.Ctx) error {
	var req escrow.HoldRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request")
	}
	e, err := h.Escrows.Hold(c.UserContext(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": e})
}

func (h *EscrowHandler) Get(c *fiber.Ctx) error {
	e, err := h.Escrows.Get(c.UserContext(), c.Params("workItemId"))
	if err != nil {
		return fail(c, err)
	}
	return success(c, e)
}

// Release pays one slot to the payee.
func (h *EscrowHandler) Release(c *fiber.Ctx) error {
	var req releaseRequest
	if err := c.BodyParser(&req); err != nil || req.PayeeID == uuid.Nil {
		return badRequest(c, "payee_id is required")
	}
	res, err := h.Escrows.ReleaseOne(c.UserContext(), escrow.ReleaseRequest{
		WorkItemID:   c.Params("workItemId"),
		PayeeID:      req.PayeeID,
		SubmissionID: req.SubmissionID,
	})
	if err != nil {
		return fail(c, err)
	}
	return success(c, res)
}

func (h *EscrowHandler) Refund(c *fiber.Ctx) error {
	var req refundRequest
	_ = c.BodyParser(&req)
	amount, err := h.Escrows.RefundRemainder(c.UserContext(), c.Params("workItemId"), req.Reason)
	if err != nil {
		return fail(c, err)
	}
	return success(c, fiber.Map{"refunded_amount": amount})
}
