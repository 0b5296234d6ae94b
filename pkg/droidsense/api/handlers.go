package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/droidsense/droidsense/pkg/audit"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

// auditEvent builds an audit event attributed to the calling HTTP client.
func auditEvent(c echo.Context, device, op string) *audit.Event {
	return audit.NewEvent(c.RealIP(), device, op).
		WithRequest(c.RealIP(), c.Response().Header().Get(echo.HeaderXRequestID))
}

// device extracts the required ?device= query parameter. Accepts either a
// stable id or a connection id; the stores resolve both.
func deviceParam(c echo.Context) (string, error) {
	dev := c.QueryParam("device")
	if dev == "" {
		return "", util.NewValidationError("device query parameter is required")
	}
	return dev, nil
}

func (s *Server) listDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.resolver.Devices())
}

func (s *Server) deviceMetrics(c echo.Context) error {
	if s.metrics == nil {
		return respondErr(c, util.NewTransportError("", "metrics", util.ErrNotConnected))
	}
	return c.JSON(http.StatusOK, s.metrics.GetMetrics(c.Param("device")))
}

type tapRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (s *Server) deviceTap(c echo.Context) error {
	if s.commander == nil {
		return respondErr(c, util.NewTransportError("", "tap", util.ErrNotConnected))
	}
	var req tapRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, util.NewValidationError("malformed tap body"))
	}
	dev := c.Param("device")
	err := s.commander.Tap(c.Request().Context(), dev, req.X, req.Y)

	ev := auditEvent(c, s.resolver.Resolve(dev), audit.OpDeviceTap).
		WithDetail("x", strconv.Itoa(req.X)).
		WithDetail("y", strconv.Itoa(req.Y))
	if err != nil {
		audit.Log(ev.WithError(err))
		return respondErr(c, err)
	}
	audit.Log(ev.WithSuccess())
	return c.NoContent(http.StatusOK)
}

func (s *Server) deviceScreenshot(c echo.Context) error {
	if s.commander == nil {
		return respondErr(c, util.NewTransportError("", "screenshot", util.ErrNotConnected))
	}
	png, err := s.commander.Screenshot(c.Request().Context(), c.Param("device"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

// --- sensors ---

func (s *Server) listSensors(c echo.Context) error {
	dev, err := deviceParam(c)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, s.sensors.GetAll(dev))
}

func (s *Server) createSensor(c echo.Context) error {
	var sensor model.Sensor
	if err := c.Bind(&sensor); err != nil {
		return respondErr(c, util.NewValidationError("malformed sensor body"))
	}
	if err := s.sensors.Add(&sensor); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, &sensor)
}

func (s *Server) getSensor(c echo.Context) error {
	dev, err := deviceParam(c)
	if err != nil {
		return respondErr(c, err)
	}
	sensor, err := s.sensors.Get(dev, c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, sensor)
}

func (s *Server) updateSensor(c echo.Context) error {
	var sensor model.Sensor
	if err := c.Bind(&sensor); err != nil {
		return respondErr(c, util.NewValidationError("malformed sensor body"))
	}
	sensor.SensorID = c.Param("id")
	if err := s.sensors.Update(sensor.StableDeviceID, &sensor); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, &sensor)
}

func (s *Server) deleteSensor(c echo.Context) error {
	dev, err := deviceParam(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := s.sensors.Delete(dev, c.Param("id")); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// --- actions ---

func (s *Server) listActions(c echo.Context) error {
	dev, err := deviceParam(c)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, s.actions.GetAll(dev))
}

func (s *Server) createAction(c echo.Context) error {
	var action model.Action
	if err := c.Bind(&action); err != nil {
		return respondErr(c, util.NewValidationError("malformed action body"))
	}
	if err := s.actions.Add(&action); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, &action)
}

func (s *Server) getAction(c echo.Context) error {
	dev, err := deviceParam(c)
	if err != nil {
		return respondErr(c, err)
	}
	action, err := s.actions.Get(dev, c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, action)
}

func (s *Server) updateAction(c echo.Context) error {
	var action model.Action
	if err := c.Bind(&action); err != nil {
		return respondErr(c, util.NewValidationError("malformed action body"))
	}
	action.ActionID = c.Param("id")
	if err := s.actions.Update(action.StableDeviceID, &action); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, &action)
}

func (s *Server) deleteAction(c echo.Context) error {
	dev, err := deviceParam(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := s.actions.Delete(dev, c.Param("id")); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// --- flows ---

func (s *Server) listFlows(c echo.Context) error {
	dev, err := deviceParam(c)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, s.flows.GetAll(dev))
}

func (s *Server) createFlow(c echo.Context) error {
	var flow model.Flow
	if err := c.Bind(&flow); err != nil {
		return respondErr(c, util.NewValidationError("malformed flow body"))
	}
	if err := s.flows.Add(&flow); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, &flow)
}

func (s *Server) getFlow(c echo.Context) error {
	flow, err := s.flows.Find(c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, flow)
}

func (s *Server) updateFlow(c echo.Context) error {
	var flow model.Flow
	if err := c.Bind(&flow); err != nil {
		return respondErr(c, util.NewValidationError("malformed flow body"))
	}
	flow.FlowID = c.Param("id")
	if err := s.flows.Update(flow.StableDeviceID, &flow); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, &flow)
}

func (s *Server) deleteFlow(c echo.Context) error {
	dev, err := deviceParam(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := s.flows.Delete(dev, c.Param("id")); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

type runResponse struct {
	Queued     bool   `json:"queued"`
	FlowID     string `json:"flow_id"`
	QueueDepth int    `json:"queue_depth"`
}

// runFlow enqueues a flow for immediate execution. The scheduler coalesces a
// duplicate of an already-pending flow, so repeated POSTs are safe.
func (s *Server) runFlow(c echo.Context) error {
	if s.scheduler == nil {
		return respondErr(c, util.NewTransportError("", "run", util.ErrNotConnected))
	}
	flow, err := s.flows.Find(c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	ev := auditEvent(c, flow.StableDeviceID, audit.OpFlowRun).WithFlow(flow.FlowID)
	if err := s.scheduler.Enqueue(flow); err != nil {
		audit.Log(ev.WithError(err))
		return respondErr(c, err)
	}
	audit.Log(ev.WithSuccess())
	return c.JSON(http.StatusOK, runResponse{
		Queued:     true,
		FlowID:     flow.FlowID,
		QueueDepth: s.scheduler.GetQueueDepth(flow.StableDeviceID),
	})
}

func (s *Server) cancelFlow(c echo.Context) error {
	if s.scheduler == nil {
		return respondErr(c, util.NewTransportError("", "cancel", util.ErrNotConnected))
	}
	flowID := c.Param("id")
	if !s.scheduler.Cancel(flowID) {
		return respondErr(c, util.NewNotFoundError("pending flow", flowID))
	}
	audit.Log(auditEvent(c, "", audit.OpFlowCancel).WithFlow(flowID).WithSuccess())
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) flowHistory(c echo.Context) error {
	n := 20
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return respondErr(c, util.NewValidationError("limit must be a positive integer"))
		}
		n = parsed
	}
	return c.JSON(http.StatusOK, s.history.Recent(c.Param("id"), n))
}

// --- services (command queue) ---

func (s *Server) listQueued(c echo.Context) error {
	dev, err := deviceParam(c)
	if err != nil {
		return respondErr(c, err)
	}
	pending, err := s.queue.GetPending(dev)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, pending)
}

func (s *Server) queueStats(c echo.Context) error {
	stats, err := s.queue.Stats()
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

type commandRequest struct {
	TargetStableID string            `json:"target_stable_id"`
	CommandType    model.CommandType `json:"command_type"`
	Payload        map[string]string `json:"payload,omitempty"`
	Priority       int               `json:"priority"`
	TTLSeconds     int               `json:"ttl_seconds,omitempty"`
}

func (s *Server) enqueueCommand(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, util.NewValidationError("malformed command body"))
	}
	var v util.ValidationBuilder
	v.Add(req.TargetStableID != "", "target_stable_id is required")
	v.Add(req.CommandType != "", "command_type is required")
	v.Add(req.Priority >= 0 && req.Priority <= 3, "priority must be in [0,3]")
	if err := v.Build(); err != nil {
		return respondErr(c, err)
	}

	id, err := s.queue.Enqueue(req.TargetStableID, req.CommandType, req.Payload,
		req.Priority, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"command_id": id})
}

// auditTrail exposes the daemon's audit log. Filters are optional; the
// device filter accepts a connection id and resolves it to the stable id.
func (s *Server) auditTrail(c echo.Context) error {
	filter := audit.Filter{
		Operation:   c.QueryParam("operation"),
		Actor:       c.QueryParam("actor"),
		FlowID:      c.QueryParam("flow"),
		FailureOnly: c.QueryParam("failures") == "true",
		Limit:       50,
	}
	if dev := c.QueryParam("device"); dev != "" {
		filter.Device = s.resolver.Resolve(dev)
	}
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return respondErr(c, util.NewValidationError("limit must be a positive integer"))
		}
		filter.Limit = parsed
	}

	events, err := audit.Query(filter)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, events)
}
