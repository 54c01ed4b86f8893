package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-hold-checkout/internal/handler"
	"github.com/iliyamo/ticket-hold-checkout/internal/middleware"
	"github.com/iliyamo/ticket-hold-checkout/internal/utils"
)

// RegisterRoutes registers the unauthenticated health check.
func RegisterRoutes(e *echo.Echo, checks map[string]handler.Check) {
	e.GET("/healthz", handler.Health(checks))
}

// RegisterCatalog registers the public catalog routes under /v1.  Only
// the static ticket-type read goes through the response cache;
// availability changes with every hold.
func RegisterCatalog(e *echo.Echo, h *handler.CatalogHandler, cache echo.MiddlewareFunc) {
	g := e.Group("/v1/events/:event_id/dates/:date_key/ticket-types/:type")
	g.GET("", h.GetTicketType, cache)
	g.GET("/availability", h.Availability)
}

// RegisterCheckout registers the buyer checkout routes.  All of them
// require a valid JWT with the CUSTOMER role and are rate limited per
// buyer.
func RegisterCheckout(e *echo.Echo, h *handler.CheckoutHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group(
		"/v1/checkouts",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.BuyerRole),
		limiter,
	)
	g.POST("", h.Start)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Cancel)
	g.POST("/:id/confirm", h.Confirm)
}

// RegisterPayments registers the gateway callback.  It carries no JWT;
// the handler verifies the gateway signature instead.
func RegisterPayments(e *echo.Echo, h *handler.PaymentHandler) {
	e.POST("/v1/payments/notifications", h.Notify)
}
