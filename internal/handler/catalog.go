package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-hold-checkout/internal/service"
)

// CatalogHandler serves ticket types and their live availability.  Both
// routes are public.
type CatalogHandler struct {
	Catalog      service.EventCatalog
	Reservations *service.ReservationManager
}

func NewCatalogHandler(catalog service.EventCatalog, reservations *service.ReservationManager) *CatalogHandler {
	return &CatalogHandler{Catalog: catalog, Reservations: reservations}
}

// GetTicketType handles GET /v1/events/:event_id/dates/:date_key/ticket-types/:type.
// The response is static catalog data; availability has its own route
// so this one can be cached.
func (h *CatalogHandler) GetTicketType(c echo.Context) error {
	tt, err := h.Catalog.GetTicketType(c.Request().Context(), c.Param("event_id"), c.Param("date_key"), c.Param("type"))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, ticketTypeView{
		ID:             tt.ID(),
		EventID:        tt.EventID,
		DateKey:        tt.DateKey,
		Name:           tt.Name,
		UnitPriceCents: tt.UnitPriceCents,
		TotalCapacity:  tt.TotalCapacity,
		Description:    tt.Description,
	})
}

type ticketTypeView struct {
	ID             string `json:"id"`
	EventID        string `json:"event_id"`
	DateKey        string `json:"date_key"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCapacity  int    `json:"total_capacity"`
	Description    string `json:"description"`
}

// Availability handles GET .../ticket-types/:type/availability.  Holds
// that expired but have not been swept yet count as available.
func (h *CatalogHandler) Availability(c echo.Context) error {
	ctx := c.Request().Context()
	tt, err := h.Catalog.GetTicketType(ctx, c.Param("event_id"), c.Param("date_key"), c.Param("type"))
	if err != nil {
		return writeError(c, err, nil)
	}
	if err := h.Reservations.Init(ctx, tt); err != nil {
		return writeError(c, err, nil)
	}
	n, err := h.Reservations.Available(ctx, tt.ID())
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"ticket_type_id":     tt.ID(),
		"total_capacity":     tt.TotalCapacity,
		"available_capacity": n,
	})
}
