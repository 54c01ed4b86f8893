package middleware // package middleware holds the echo middleware shared by the HTTP routes

import (
	"net/http" // HTTP status codes for responses
	"strings"  // prefix checks on the Authorization header

	"github.com/golang-jwt/jwt/v5" // parses and validates buyer tokens
	"github.com/labstack/echo/v4"  // middleware signatures
)

// Context keys set by JWTAuth.
const (
	CtxBuyerID = "buyer_id"
	CtxRole    = "role"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// issued by the identity provider and puts the buyer id (the "sub" claim)
// and the role claim into the request context.  Tokens must be HS256 and
// unexpired; jwt.Parse checks exp for us.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			sub, err := claims.GetSubject()
			if err != nil || sub == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token has no subject"})
			}
			role, _ := claims["role"].(string)

			c.Set(CtxBuyerID, sub)
			c.Set(CtxRole, role)
			return next(c)
		}
	}
}
