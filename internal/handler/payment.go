package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/ticket-hold-checkout/internal/payment"
	"github.com/iliyamo/ticket-hold-checkout/internal/service"
)

// PaymentHandler receives the gateway's server-to-server callbacks.  It
// is not behind JWTAuth; the signature is the authentication.
type PaymentHandler struct {
	Checkouts *service.CheckoutOrchestrator
}

func NewPaymentHandler(checkouts *service.CheckoutOrchestrator) *PaymentHandler {
	return &PaymentHandler{Checkouts: checkouts}
}

// Notify handles POST /v1/payments/notifications.  The gateway posts an
// urlencoded form; JSON is accepted too.
func (h *PaymentHandler) Notify(c echo.Context) error {
	var n payment.Notification
	if err := c.Bind(&n); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid notification"})
	}
	if n.MerchantParameters == "" || n.Signature == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Ds_MerchantParameters and Ds_Signature are required"})
	}
	status, err := h.Checkouts.HandlePaymentNotification(c.Request().Context(), n)
	if err != nil {
		c.Logger().Warnj(log.JSON{"event": "payment_notification_failed", "error": err.Error()})
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, echo.Map{"payment_status": status})
}
