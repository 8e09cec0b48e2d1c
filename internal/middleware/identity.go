package middleware

// identity.go resolves the caller's user id.  Authentication happens in
// front of this service; the gateway forwards the authenticated user in the
// X-User-ID header and handlers read it back from the echo context.

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	HeaderUserID     = "X-User-ID"
	HeaderQueueToken = "X-Queue-Token"

	ctxUserID = "user_id"
)

// Identity parses X-User-ID into the context.  Requests without a valid id
// are rejected with 401.
func Identity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := strconv.ParseUint(c.Request().Header.Get(HeaderUserID), 10, 64)
			if err != nil || id == 0 {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing or invalid " + HeaderUserID})
			}
			c.Set(ctxUserID, id)
			return next(c)
		}
	}
}

// UserID returns the id stored by Identity, or false when the route was not
// behind it.
func UserID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(ctxUserID).(uint64)
	return id, ok && id != 0
}

// userKey is the user part of rate-limit keys.
func userKey(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	if h := c.Request().Header.Get(HeaderUserID); h != "" {
		return h
	}
	return "anon"
}
