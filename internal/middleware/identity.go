package middleware

import "github.com/labstack/echo/v4"

// BuyerID returns the buyer set by JWTAuth, or "" on unauthenticated
// routes.
func BuyerID(c echo.Context) string {
	if s, ok := c.Get(CtxBuyerID).(string); ok {
		return s
	}
	return ""
}

// rateSubject names the caller for rate limiting: the buyer when known,
// "anon" otherwise.
func rateSubject(c echo.Context) string {
	if id := BuyerID(c); id != "" {
		return id
	}
	return "anon"
}
