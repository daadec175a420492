// Package operator serves the HTTP operator API: record status, approval
// decisions, cancellation and the metrics endpoint.
package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/events"
	"github.com/lucasnoah/recdeploy/internal/metrics"
	"github.com/lucasnoah/recdeploy/internal/record"
	"github.com/lucasnoah/recdeploy/internal/safety"
)

// Canceller stops an in-flight run. *orchestrator.Orchestrator implements it.
type Canceller interface {
	Cancel(id, by string) error
}

// Explainer renders a record's explanation.
type Explainer func(*record.DeploymentRecord) string

// Deps are what the server reads and writes. Events, Metrics and
// Canceller are optional; without a Canceller cancel requests are only
// persisted.
type Deps struct {
	Store     *record.Store
	Signals   *safety.SignalStore
	Events    *events.Log
	Metrics   *metrics.Metrics
	Canceller Canceller
	Explain   Explainer
	Logger    *zap.Logger
}

// Server is the operator API.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
}

type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i any) error {
	if err := rv.v.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s failed on '%s' validation", fe.Field(), fe.Tag()))
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// NewServer creates the operator API. jwtSecret must be set.
func NewServer(deps Deps, jwtSecret string) (*Server, error) {
	if deps.Store == nil || deps.Signals == nil {
		return nil, errors.New("operator server requires a record store and signal store")
	}
	if jwtSecret == "" {
		return nil, errors.New("operator.jwt_secret is required to serve the operator API")
	}
	if deps.Explain == nil {
		deps.Explain = func(r *record.DeploymentRecord) string { return r.Explanation }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("operator")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New()}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, deps: deps, logger: logger}
	s.routes([]byte(jwtSecret))
	return s, nil
}

func (s *Server) routes(secret []byte) {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1", jwtAuth(secret))
	v1.GET("/records", s.handleList)
	v1.GET("/records/:id", s.handleGet)
	v1.GET("/records/:id/events", s.handleEvents)
	v1.POST("/records/:id/approve", s.handleDecision(safety.DecisionApprove))
	v1.POST("/records/:id/reject", s.handleDecision(safety.DecisionReject))
	v1.POST("/records/:id/cancel", s.handleCancel)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting operator api", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
