package handlers

import (
	"net/http"

	"parametric-service/internal/models"
	"parametric-service/internal/services"
	"parametric-service/internal/utils"

	"github.com/gofiber/fiber/v3"
)

type ReportHandler struct {
	validator *services.ClaimValidator
	limiter   *SourceRateLimiter
}

func NewReportHandler(validator *services.ClaimValidator, limiter *SourceRateLimiter) *ReportHandler {
	return &ReportHandler{validator: validator, limiter: limiter}
}

func (h *ReportHandler) Register(router fiber.Router) {
	reportGroup := router.Group("/reports")

	var limit fiber.Handler = func(c fiber.Ctx) error { return c.Next() }
	if h.limiter != nil {
		limit = h.limiter.Middleware()
	}
	reportGroup.Post("/submit", limit, h.SubmitReport)   // POST /reports/submit
	reportGroup.Post("/preview", limit, h.PreviewReport) // POST /reports/preview

	reportGroup.Get("/policy/:policy_id", h.GetReport) // GET /reports/policy/:policy_id
}

func bindReport(c fiber.Ctx, req *models.SubmitReportRequest) string {
	if err := c.Bind().JSON(req); err != nil {
		return "Invalid request body"
	}
	return ""
}

func (h *ReportHandler) SubmitReport(c fiber.Ctx) error {
	var req models.SubmitReportRequest
	if msg := bindReport(c, &req); msg != "" {
		return badRequest(c, msg)
	}

	ctx := services.WithTransport(c.Context(), "http")
	receipt, err := h.validator.SubmitDamageReport(ctx, callerFrom(c), req.Report, req.Provenance)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(receipt))
}

func (h *ReportHandler) PreviewReport(c fiber.Ctx) error {
	var req models.SubmitReportRequest
	if msg := bindReport(c, &req); msg != "" {
		return badRequest(c, msg)
	}

	preview, err := h.validator.ValidateOnly(c.Context(), callerFrom(c), req.Report, req.Provenance)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(preview))
}

func (h *ReportHandler) GetReport(c fiber.Ctx) error {
	id, ok := parsePolicyID(c, "policy_id")
	if !ok {
		return badRequest(c, "Invalid policy ID")
	}
	report, err := h.validator.GetReport(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(report))
}
