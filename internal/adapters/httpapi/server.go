// Package httpapi exposes the review workflow over HTTP with echo. The
// acting user arrives in the X-Scanqa-User header, set by the upstream
// authentication layer.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scanqa/internal/core"
	scanerrors "scanqa/internal/errors"
	"scanqa/internal/evaluation"
	"scanqa/internal/logging"
	"scanqa/internal/reconcile"
	"scanqa/internal/review"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-Scanqa-User"

const userKey = "scanqa.user"

// Jobs schedules evaluations. *evaluation.Worker implements it.
type Jobs interface {
	Dispatch(ctx context.Context, batch evaluation.Batch) (evaluation.Job, error)
	DispatchFrame(ctx context.Context, frameID string) (evaluation.Job, error)
	GetJob(id string) (evaluation.Job, bool)
}

// Dependencies are the components behind the routes.
type Dependencies struct {
	Service   *core.Service
	Reviews   *review.Manager
	Reconcile *reconcile.Engine
	Jobs      Jobs
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server wraps the echo instance serving the API.
type Server struct {
	echo   *echo.Echo
	deps   Dependencies
	logger *slog.Logger
}

// New builds the server and registers every route.
func New(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.ForService("http")
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{echo: e, deps: deps, logger: logger}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api/v1", s.requireUser)
	api.POST("/experiments/:id/lock", s.lockExperiment)
	api.DELETE("/experiments/:id/lock", s.unlockExperiment)
	api.POST("/scan-decisions", s.createDecision)

	api.POST("/projects/:id/import", s.importProject)
	api.POST("/projects/:id/export", s.exportProject)
	api.POST("/import", s.importGlobal)
	api.POST("/export", s.exportGlobal)
	api.GET("/projects/:id/status", s.projectStatus)
	api.PUT("/projects/:id/groups/:group", s.updateGroup)

	api.POST("/evaluations", s.dispatchEvaluations)
	api.POST("/frames/:id/evaluate", s.evaluateFrame)
	api.GET("/evaluations/jobs/:id", s.getJob)
	return s
}

// Handler returns the root handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	resp := ErrorResponse{Error: string(scanerrors.CategoryOf(err)), Message: err.Error(), Code: scanerrors.HTTPStatus(err)}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		resp.Code = he.Code
		resp.Error = http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			resp.Message = msg
		}
	}
	if resp.Code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	if err := c.JSON(resp.Code, resp); err != nil {
		s.logger.Warn("write error response", "error", err)
	}
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		s.logger.Debug("request", "method", c.Request().Method, "path", c.Path(), "user", c.Request().Header.Get(UserHeader))
		return err
	}
}

func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(UserHeader)
		if id == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+UserHeader+" header")
		}
		user, err := s.deps.Service.GetUser(c.Request().Context(), id)
		if err != nil {
			if scanerrors.IsNotFound(err) {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown user")
			}
			return err
		}
		c.Set(userKey, user)
		return next(c)
	}
}
