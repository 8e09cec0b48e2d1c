package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// TokenGuard is the admission check applied before protected operations.
type TokenGuard interface {
	Guard(ctx context.Context, userID, scheduleID uint64, tokenID string, next func(ctx context.Context) error) error
}

// ErrorRenderer writes a domain error as an HTTP response.
type ErrorRenderer func(c echo.Context, err error) error

// QueueToken admits the request only when X-Queue-Token names an ACTIVE
// token of the caller for the schedule in the :id path parameter.  It must
// run after Identity.  Rejections are rendered with render.
func QueueToken(guard TokenGuard, render ErrorRenderer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, ok := UserID(c)
			if !ok {
				return echo.ErrUnauthorized
			}
			scheduleID, err := strconv.ParseUint(c.Param("id"), 10, 64)
			if err != nil || scheduleID == 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid schedule id")
			}
			tokenID := c.Request().Header.Get(HeaderQueueToken)
			if tokenID == "" {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "missing " + HeaderQueueToken})
			}

			// next's error is the handler's own response path; keep it apart
			// from a guard rejection.
			var handlerErr error
			called := false
			err = guard.Guard(c.Request().Context(), userID, scheduleID, tokenID, func(ctx context.Context) error {
				called = true
				c.SetRequest(c.Request().WithContext(ctx))
				handlerErr = next(c)
				return nil
			})
			if !called {
				return render(c, err)
			}
			return handlerErr
		}
	}
}
