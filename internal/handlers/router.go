package handlers

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const APIPrefix = "policy/protected/api/v2"

// Routes groups the handlers mounted behind bearer authentication.
type Routes struct {
	Auth     *Authenticator
	Policy   *PolicyHandler
	Report   *ReportHandler
	Treasury *TreasuryHandler
	Gatherer prometheus.Gatherer
	// Checks run on every health probe; any error reports the service unhealthy.
	Checks map[string]func() error
}

func (r Routes) Register(app *fiber.App) {
	app.Get("/checkhealth", func(c fiber.Ctx) error {
		for name, check := range r.Checks {
			if err := check(); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).SendString(name + ": " + err.Error())
			}
		}
		return c.Status(fiber.StatusOK).SendString("Parametric service is healthy")
	})
	if r.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(r.Gatherer, promhttp.HandlerOpts{})))
	}

	protectedGr := app.Group(APIPrefix, r.Auth.Middleware())
	r.Policy.Register(protectedGr)
	r.Report.Register(protectedGr)
	r.Treasury.Register(protectedGr)
}
