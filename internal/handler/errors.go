package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	var (
		ve *model.ValidationError
		te *model.TransientStoreError
		se *model.SignatureError
	)
	switch {
	case errors.Is(err, model.ErrInsufficientCapacity),
		errors.Is(err, model.ErrActiveHoldExists),
		errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, model.ErrReservationExpiredOrMissing):
		return http.StatusGone
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTicketTypeNotFound),
		errors.Is(err, model.ErrCheckoutNotFound),
		errors.Is(err, model.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotificationRejected):
		return http.StatusBadRequest
	case errors.As(err, &te):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error": message[, "field_error": ...]} plus
// any extra fields.  Server-side failures are logged.
func writeError(c echo.Context, err error, extra echo.Map) error {
	code := statusFor(err)
	body := echo.Map{"error": model.UserMessage(err)}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body["field_error"] = ve
	}
	for k, v := range extra {
		body[k] = v
	}
	if code >= http.StatusInternalServerError {
		c.Logger().Errorj(log.JSON{"event": "request_failed", "path": c.Path(), "status": code, "error": err.Error()})
	}
	return c.JSON(code, body)
}
