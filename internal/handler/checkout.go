package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-hold-checkout/internal/middleware"
	"github.com/iliyamo/ticket-hold-checkout/internal/model"
	"github.com/iliyamo/ticket-hold-checkout/internal/payment"
	"github.com/iliyamo/ticket-hold-checkout/internal/service"
)

// CheckoutHandler exposes the buyer's checkout flow.  Every route sits
// behind JWTAuth, so the buyer id always comes from the token.
type CheckoutHandler struct {
	Checkouts  *service.CheckoutOrchestrator
	GatewayURL string
}

// NewCheckoutHandler wires the handler.  gatewayURL is where the client
// posts the signed payment form.
func NewCheckoutHandler(checkouts *service.CheckoutOrchestrator, gatewayURL string) *CheckoutHandler {
	if checkouts == nil {
		panic("nil orchestrator passed to NewCheckoutHandler")
	}
	return &CheckoutHandler{Checkouts: checkouts, GatewayURL: gatewayURL}
}

// Start handles POST /v1/checkouts.  It returns 201 with the held
// checkout.  A failed reservation still returns the checkout (in state
// FAILED) next to the error.
func (h *CheckoutHandler) Start(c echo.Context) error {
	var in service.StartInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if in.EventID == "" || in.DateKey == "" || in.TicketType == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "event_id, date_key and ticket_type are required"})
	}
	co, err := h.Checkouts.Start(c.Request().Context(), middleware.BuyerID(c), in)
	if err != nil {
		return writeError(c, err, withCheckout(co))
	}
	return c.JSON(http.StatusCreated, co)
}

// Get handles GET /v1/checkouts/:id.
func (h *CheckoutHandler) Get(c echo.Context) error {
	co, err := h.Checkouts.Get(c.Param("id"), middleware.BuyerID(c))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, h.view(co))
}

// Cancel handles DELETE /v1/checkouts/:id.
func (h *CheckoutHandler) Cancel(c echo.Context) error {
	co, err := h.Checkouts.Cancel(c.Request().Context(), c.Param("id"), middleware.BuyerID(c))
	if err != nil {
		return writeError(c, err, withCheckout(co))
	}
	return c.JSON(http.StatusOK, co)
}

type confirmRequest struct {
	Buyers []model.BuyerDetail `json:"buyers"`
}

// Confirm handles POST /v1/checkouts/:id/confirm.  On success the
// response carries the order and the form the client posts to the
// payment gateway.  Invalid buyer records return 422 and leave the
// checkout held.
func (h *CheckoutHandler) Confirm(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	co, err := h.Checkouts.Submit(c.Request().Context(), c.Param("id"), middleware.BuyerID(c), req.Buyers)
	if err != nil {
		return writeError(c, err, withCheckout(co))
	}
	return c.JSON(http.StatusOK, h.view(co))
}

// checkoutView adds the gateway form to checkouts awaiting payment.
type checkoutView struct {
	model.Checkout
	Payment *paymentForm `json:"payment,omitempty"`
}

type paymentForm struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

func (h *CheckoutHandler) view(co model.Checkout) checkoutView {
	v := checkoutView{Checkout: co}
	if co.State == model.CheckoutPendingPayment && co.Order != nil {
		fields := map[string]string{}
		for k, vals := range payment.FormFields(co.Order.SignedPaymentRequest) {
			fields[k] = vals[0]
		}
		v.Payment = &paymentForm{URL: h.GatewayURL, Fields: fields}
	}
	return v
}

func withCheckout(co model.Checkout) echo.Map {
	if co.ID == "" {
		return nil
	}
	return echo.Map{"checkout": co}
}
