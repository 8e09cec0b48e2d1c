// Package router wires HTTP routes to handlers and middleware.
package router

import (
	"database/sql"
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-reservation/internal/config"
	"github.com/iliyamo/ticket-reservation/internal/handler"
	"github.com/iliyamo/ticket-reservation/internal/middleware"
	"github.com/iliyamo/ticket-reservation/internal/outbox"
	"github.com/iliyamo/ticket-reservation/internal/service"
)

// Deps carries everything the routes need.  Redis may be nil; rate
// limiting then stays in process and caching is disabled.
type Deps struct {
	DB           *sql.DB
	Redis        *redis.Client
	RateLimit    config.RateLimitConfig
	Cache        config.CacheConfig
	LocalLimits  *middleware.LocalStore
	Inventory    *service.Inventory
	Admission    *service.Admission
	Reservations *service.Reservations
	Payments     *service.Payments
	Ledger       *service.Ledger
	Relay        *outbox.Relay
	Logger       *slog.Logger
}

// New builds an echo instance with every route registered.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	Register(e, d)
	return e
}

// Register installs the global middleware and all routes on e.
func Register(e *echo.Echo, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.WarnContext(c.Request().Context(), "request", append(attrs, "err", v.Error)...)
				return nil
			}
			logger.InfoContext(c.Request().Context(), "request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", handler.Health(d.DB))

	schedules := handler.NewScheduleHandler(d.Inventory)
	tokens := handler.NewTokenHandler(d.Admission)
	reservations := handler.NewReservationHandler(d.Reservations, d.Payments)
	points := handler.NewPointHandler(d.Ledger)
	admin := handler.NewAdminHandler(d.Relay)

	v1 := e.Group("/v1",
		middleware.Identity(),
		middleware.NewTokenBucket(d.RateLimit, d.Redis, d.LocalLimits, logger),
	)

	v1.POST("/schedules", schedules.Create)
	v1.GET("/schedules/:id/seats", schedules.Seats, middleware.NewRedisCache(d.Cache, d.Redis, logger))

	v1.POST("/schedules/:id/tokens", tokens.Issue)
	v1.POST("/schedules/:id/tokens/activate", tokens.Activate)
	v1.GET("/schedules/:id/tokens/:token", tokens.Status)

	guarded := middleware.QueueToken(d.Admission, handler.RenderError)
	v1.POST("/schedules/:id/reservations", reservations.Create, guarded)
	v1.POST("/schedules/:id/reservations/:rid/payment", reservations.Pay, guarded)

	v1.GET("/reservations/:id", reservations.Get)
	v1.DELETE("/reservations/:id", reservations.Cancel)
	v1.GET("/my-reservations", reservations.List)

	v1.GET("/points", points.Balance)
	v1.POST("/points/charge", points.Charge)
	v1.GET("/points/history", points.History)

	v1.GET("/admin/outbox/failed", admin.FailedOutbox)
	v1.POST("/admin/outbox/:id/requeue", admin.RequeueOutbox)
}
