package handlers

import (
	"net/http"

	"parametric-service/internal/models"
	"parametric-service/internal/services"
	"parametric-service/internal/utils"

	"github.com/gofiber/fiber/v3"
)

type TreasuryHandler struct {
	ledger     *services.TreasuryLedger
	settlement *services.PremiumSettlement
}

func NewTreasuryHandler(ledger *services.TreasuryLedger, settlement *services.PremiumSettlement) *TreasuryHandler {
	return &TreasuryHandler{ledger: ledger, settlement: settlement}
}

func (h *TreasuryHandler) Register(router fiber.Router) {
	treasuryGroup := router.Group("/treasury")

	// Premium collection
	treasuryGroup.Post("/premiums", h.ReceivePremium) // POST /treasury/premiums
	treasuryGroup.Post("/settle", h.SettlePremium)    // POST /treasury/settle

	// Payouts
	treasuryGroup.Post("/disburse", h.Disburse) // POST /treasury/disburse

	// Administration
	adminGroup := treasuryGroup.Group("/admin")
	adminGroup.Post("/withdraw-fees", h.WithdrawFees)           // POST /treasury/admin/withdraw-fees
	adminGroup.Put("/fee-rate", h.SetFeeRate)                   // PUT /treasury/admin/fee-rate
	adminGroup.Post("/pause", h.Pause)                          // POST /treasury/admin/pause
	adminGroup.Post("/unpause", h.Unpause)                      // POST /treasury/admin/unpause
	adminGroup.Post("/emergency-withdraw", h.EmergencyWithdraw) // POST /treasury/admin/emergency-withdraw
	adminGroup.Post("/fund", h.Fund)                            // POST /treasury/admin/fund

	// Reads
	treasuryGroup.Get("/summary", h.Summary) // GET /treasury/summary
	treasuryGroup.Get("/audit", h.Audit)     // GET /treasury/audit?limit=
}

func (h *TreasuryHandler) ReceivePremium(c fiber.Ctx) error {
	var req models.ReceivePremiumRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	receipt, err := h.ledger.ReceivePremium(c.Context(), callerFrom(c), req.PolicyID, req.Gross, req.Payer)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(receipt))
}

// SettlePremium credits the premium and activates the policy atomically.
func (h *TreasuryHandler) SettlePremium(c fiber.Ctx) error {
	var req models.ReceivePremiumRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	receipt, err := h.settlement.Settle(c.Context(), callerFrom(c), req.PolicyID, req.Gross, req.Payer)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(receipt))
}

func (h *TreasuryHandler) Disburse(c fiber.Ctx) error {
	var req models.DisburseRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.ledger.Disburse(c.Context(), callerFrom(c), req.PolicyID, req.Amount); err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(req))
}

func (h *TreasuryHandler) WithdrawFees(c fiber.Ctx) error {
	var req models.RecipientRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	amount, err := h.ledger.WithdrawFees(c.Context(), callerFrom(c), req.Recipient)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(models.FeesWithdrawnResponse{
		Recipient: req.Recipient,
		Amount:    amount,
	}))
}

func (h *TreasuryHandler) SetFeeRate(c fiber.Ctx) error {
	var req models.FeeRateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.ledger.SetFeeRate(c.Context(), callerFrom(c), req.FeeRate); err != nil {
		return writeError(c, err)
	}
	return h.Summary(c)
}

func (h *TreasuryHandler) Pause(c fiber.Ctx) error {
	if err := h.ledger.Pause(c.Context(), callerFrom(c)); err != nil {
		return writeError(c, err)
	}
	return h.Summary(c)
}

func (h *TreasuryHandler) Unpause(c fiber.Ctx) error {
	if err := h.ledger.Unpause(c.Context(), callerFrom(c)); err != nil {
		return writeError(c, err)
	}
	return h.Summary(c)
}

func (h *TreasuryHandler) EmergencyWithdraw(c fiber.Ctx) error {
	var req models.RecipientRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	amount, err := h.ledger.EmergencyWithdraw(c.Context(), callerFrom(c), req.Recipient)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(models.FeesWithdrawnResponse{
		Recipient: req.Recipient,
		Amount:    amount,
	}))
}

func (h *TreasuryHandler) Fund(c fiber.Ctx) error {
	var req models.CapitalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.ledger.Fund(c.Context(), callerFrom(c), req.Amount, req.From); err != nil {
		return writeError(c, err)
	}
	return h.Summary(c)
}

func (h *TreasuryHandler) Summary(c fiber.Ctx) error {
	summary, err := h.ledger.Summary(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(summary))
}

// Audit exposes actor identities, so it needs the read-all capability.
func (h *TreasuryHandler) Audit(c fiber.Ctx) error {
	caller := callerFrom(c)
	if !caller.Can(models.CapReadAll) {
		return writeError(c, services.ErrForbidden.With("caller", caller.ID, "capability", string(models.CapReadAll)))
	}
	records, err := h.ledger.RecentAudit(c.Context(), queryLimit(c, 50, 500))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(fiber.Map{
		"records": records,
		"count":   len(records),
	}))
}
