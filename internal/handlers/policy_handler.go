package handlers

import (
	"context"
	"net/http"

	"parametric-service/internal/models"
	"parametric-service/internal/services"
	"parametric-service/internal/utils"

	"github.com/gofiber/fiber/v3"
)

type PolicyHandler struct {
	registry *services.PolicyRegistry
}

func NewPolicyHandler(registry *services.PolicyRegistry) *PolicyHandler {
	return &PolicyHandler{registry: registry}
}

func (h *PolicyHandler) Register(router fiber.Router) {
	policyGroup := router.Group("/policies")

	policyGroup.Post("/create", h.CreatePolicy)                  // POST /policies/create
	policyGroup.Post("/activate/:id", h.ActivatePolicy)          // POST /policies/activate/:id
	policyGroup.Post("/cancel/:id", h.CancelPolicy)              // POST /policies/cancel/:id
	policyGroup.Post("/expire/:id", h.ExpirePolicy)              // POST /policies/expire/:id
	policyGroup.Post("/sweep-expired", h.SweepExpired)           // POST /policies/sweep-expired?limit=
	policyGroup.Get("/detail/:id", h.GetPolicy)                  // GET /policies/detail/:id
	policyGroup.Get("/is-active/:id", h.IsActive)                // GET /policies/is-active/:id
	policyGroup.Get("/farmer/:farmer", h.GetFarmerPolicies)      // GET /policies/farmer/:farmer
	policyGroup.Get("/farmer/:farmer/claims", h.GetFarmerClaims) // GET /policies/farmer/:farmer/claims
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func (h *PolicyHandler) CreatePolicy(c fiber.Ctx) error {
	var req models.CreatePolicyRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	policy, err := h.registry.CreatePolicy(c.Context(), callerFrom(c), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(utils.CreateSuccessResponse(models.CreatePolicyResponse{
		PolicyID: policy.ID,
		EndDate:  policy.EndDate,
	}))
}

func (h *PolicyHandler) ActivatePolicy(c fiber.Ctx) error {
	return h.transition(c, h.registry.ActivatePolicy)
}

func (h *PolicyHandler) CancelPolicy(c fiber.Ctx) error {
	return h.transition(c, h.registry.CancelPolicy)
}

func (h *PolicyHandler) ExpirePolicy(c fiber.Ctx) error {
	return h.transition(c, h.registry.ExpirePolicy)
}

func (h *PolicyHandler) transition(c fiber.Ctx, op func(ctx context.Context, caller models.Caller, id uint64) error) error {
	id, ok := parsePolicyID(c, "id")
	if !ok {
		return badRequest(c, "Invalid policy ID")
	}
	if err := op(c.Context(), callerFrom(c), id); err != nil {
		return writeError(c, err)
	}
	view, err := h.registry.GetPolicy(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(view))
}

func (h *PolicyHandler) SweepExpired(c fiber.Ctx) error {
	n, err := h.registry.SweepExpired(c.Context(), callerFrom(c), queryLimit(c, 500, 5000))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(fiber.Map{"expired": n}))
}

// ============================================================================
// QUERIES
// ============================================================================

func (h *PolicyHandler) GetPolicy(c fiber.Ctx) error {
	id, ok := parsePolicyID(c, "id")
	if !ok {
		return badRequest(c, "Invalid policy ID")
	}
	view, err := h.registry.GetPolicy(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(view))
}

func (h *PolicyHandler) IsActive(c fiber.Ctx) error {
	id, ok := parsePolicyID(c, "id")
	if !ok {
		return badRequest(c, "Invalid policy ID")
	}
	active, err := h.registry.IsActive(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(fiber.Map{
		"policy_id": id,
		"is_active": active,
	}))
}

func (h *PolicyHandler) GetFarmerPolicies(c fiber.Ctx) error {
	farmer := c.Params("farmer")
	policies, err := h.registry.GetFarmerPolicies(c.Context(), farmer)
	if err != nil {
		return writeError(c, err)
	}
	active, err := h.registry.GetFarmerActiveCount(c.Context(), farmer)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(models.FarmerPoliciesResponse{
		Farmer:      farmer,
		Policies:    policies,
		ActiveCount: active,
	}))
}

func (h *PolicyHandler) GetFarmerClaims(c fiber.Ctx) error {
	farmer := c.Params("farmer")
	bucket := h.registry.CurrentYearBucket()
	count, err := h.registry.GetFarmerClaimCount(c.Context(), farmer, bucket)
	if err != nil {
		return writeError(c, err)
	}
	canClaim, err := h.registry.CanFarmerClaim(c.Context(), farmer)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(utils.CreateSuccessResponse(models.FarmerClaimsResponse{
		Farmer:     farmer,
		YearBucket: bucket,
		ClaimCount: count,
		CanClaim:   canClaim,
	}))
}
