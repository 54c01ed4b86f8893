package handler // declare the package name; contains HTTP handlers

import (
	"context"  // bounds each dependency check
	"net/http" // status codes
	"time"     // check timeout

	"github.com/labstack/echo/v4" // echo is the web framework used for this project
)

// Check pings one dependency.
type Check func(ctx context.Context) error

// Health returns a health-check endpoint for load balancers.  It answers
// 200 "ok" when every check passes and 503 naming the first failing
// dependency otherwise.  With no checks it always reports ok.
func Health(checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(ctx); err != nil {
				return c.String(http.StatusServiceUnavailable, name+" unavailable")
			}
		}
		return c.String(http.StatusOK, "ok")
	}
}
