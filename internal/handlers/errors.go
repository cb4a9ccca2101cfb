package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"parametric-service/internal/services"
	"parametric-service/internal/utils"

	"github.com/gofiber/fiber/v3"
)

var kindStatus = map[services.ErrorKind]int{
	services.KindValidation:    http.StatusBadRequest,
	services.KindPrecondition:  http.StatusConflict,
	services.KindReserve:       http.StatusUnprocessableEntity,
	services.KindAuthorization: http.StatusForbidden,
	services.KindHalted:        http.StatusLocked,
	services.KindNotFound:      http.StatusNotFound,
}

// writeError maps a service error onto the response. Untyped errors are
// logged and reported without detail.
func writeError(c fiber.Ctx, err error) error {
	e, ok := services.AsError(err)
	if !ok || e.Kind == services.KindInternal {
		slog.Error("Request failed", "method", c.Method(), "path", c.Path(), "error", err)
		return c.Status(http.StatusInternalServerError).JSON(
			utils.CreateErrorResponse(services.ErrInternal.Code, "Internal server error"))
	}
	status, found := kindStatus[e.Kind]
	if !found {
		status = http.StatusBadRequest
	}
	return c.Status(status).JSON(utils.CreateDetailedErrorResponse(e.Code, e.Message, e.Fields))
}

func badRequest(c fiber.Ctx, message string) error {
	return c.Status(http.StatusBadRequest).JSON(
		utils.CreateErrorResponse(services.ErrInvalidRequest.Code, message))
}

func parsePolicyID(c fiber.Ctx, param string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Params(param), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func queryLimit(c fiber.Ctx, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
