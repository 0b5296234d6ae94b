// Package api exposes the REST surface of the daemon: CRUD for sensors,
// actions, and flows, flow execution, the command queue, and device metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/droidsense/droidsense/pkg/droidsense/cmdqueue"
	"github.com/droidsense/droidsense/pkg/droidsense/identity"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/droidsense/monitor"
	"github.com/droidsense/droidsense/pkg/droidsense/store"
	"github.com/droidsense/droidsense/pkg/util"
)

// FlowScheduler is the slice of the scheduler the API needs.
type FlowScheduler interface {
	Enqueue(f *model.Flow) error
	Cancel(flowID string) bool
	GetQueueDepth(stableID string) int
	Running(stableID string) (string, bool)
}

// MetricsSource supplies per-device performance snapshots.
type MetricsSource interface {
	GetMetrics(stableID string) monitor.DeviceMetrics
}

// DeviceCommander runs direct device operations for online devices. Distinct
// from the durable command queue, which only replays while reconnecting.
type DeviceCommander interface {
	Tap(ctx context.Context, stableID string, x, y int) error
	Screenshot(ctx context.Context, stableID string) ([]byte, error)
}

// Server wires the HTTP handlers to the core components.
type Server struct {
	echo      *echo.Echo
	resolver  *identity.Resolver
	sensors   *store.SensorStore
	actions   *store.ActionStore
	flows     *store.FlowStore
	history   *store.HistoryStore
	queue     *cmdqueue.Queue
	scheduler FlowScheduler
	metrics   MetricsSource
	commander DeviceCommander
}

// Options carries the optional Server knobs.
type Options struct {
	// RateLimit is requests per second; 0 disables the limiter.
	RateLimit float64
	BodyLimit string

	// Commander enables the direct device endpoints (tap, screenshot).
	Commander DeviceCommander
}

// NewServer builds the echo instance with the standard middleware stack and
// registers all routes. scheduler and metrics may be nil in read-only
// deployments; their routes then return 503.
func NewServer(resolver *identity.Resolver, sensors *store.SensorStore, actions *store.ActionStore,
	flows *store.FlowStore, history *store.HistoryStore, queue *cmdqueue.Queue,
	scheduler FlowScheduler, metrics MetricsSource, opts Options) *Server {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if opts.BodyLimit == "" {
		opts.BodyLimit = "1M"
	}
	e.Use(middleware.BodyLimit(opts.BodyLimit))
	if opts.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(opts.RateLimit),
		)))
	}

	s := &Server{
		echo:      e,
		resolver:  resolver,
		sensors:   sensors,
		actions:   actions,
		flows:     flows,
		history:   history,
		queue:     queue,
		scheduler: scheduler,
		metrics:   metrics,
		commander: opts.Commander,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.health)

	api := e.Group("/api")
	api.GET("/devices", s.listDevices)
	api.GET("/devices/:device/metrics", s.deviceMetrics)
	api.POST("/devices/:device/tap", s.deviceTap)
	api.GET("/devices/:device/screenshot", s.deviceScreenshot)

	api.GET("/sensors", s.listSensors)
	api.POST("/sensors", s.createSensor)
	api.GET("/sensors/:id", s.getSensor)
	api.PUT("/sensors/:id", s.updateSensor)
	api.DELETE("/sensors/:id", s.deleteSensor)

	api.GET("/actions", s.listActions)
	api.POST("/actions", s.createAction)
	api.GET("/actions/:id", s.getAction)
	api.PUT("/actions/:id", s.updateAction)
	api.DELETE("/actions/:id", s.deleteAction)

	api.GET("/flows", s.listFlows)
	api.POST("/flows", s.createFlow)
	api.GET("/flows/:id", s.getFlow)
	api.PUT("/flows/:id", s.updateFlow)
	api.DELETE("/flows/:id", s.deleteFlow)
	api.POST("/flows/:id/run", s.runFlow)
	api.POST("/flows/:id/cancel", s.cancelFlow)
	api.GET("/flows/:id/history", s.flowHistory)

	api.GET("/services/queue", s.listQueued)
	api.GET("/services/stats", s.queueStats)
	api.POST("/services/command", s.enqueueCommand)
	api.GET("/services/audit", s.auditTrail)
}

// Handler returns the underlying http.Handler, used by tests and by the
// daemon's http.Server.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	util.Infof("API listening on %s", addr)
	err := s.echo.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondErr maps the error taxonomy onto HTTP status codes.
func respondErr(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, util.ErrValidationFailed):
		status = http.StatusBadRequest
	case errors.Is(err, util.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, util.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, util.ErrDeviceOffline),
		errors.Is(err, util.ErrNotConnected),
		errors.Is(err, util.ErrTransport),
		errors.Is(err, util.ErrQueueOverflow):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
