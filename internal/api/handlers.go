package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/gin-gonic/gin"
)

// sseKeepAlive is the interval of comment pings on idle event streams.
const sseKeepAlive = 15 * time.Second

type startSessionRequest struct {
	SessionID       string     `json:"session_id" binding:"required"`
	Address         string     `json:"address" binding:"required"`
	DurationSeconds int        `json:"duration_seconds"`
	Deadline        *time.Time `json:"deadline"`
}

type extendSessionRequest struct {
	AdditionalSeconds int        `json:"additional_seconds"`
	Deadline          *time.Time `json:"deadline"`
}

type keyRequest struct {
	Keycode int `json:"keycode" binding:"required"`
}

type controlRequest struct {
	Action string `json:"action" binding:"required"`
}

// statusFor maps an error kind to the HTTP status reported to callers.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case "":
		return http.StatusOK
	case models.KindInvalidRequest:
		return http.StatusBadRequest
	case models.KindSessionNotFound:
		return http.StatusNotFound
	case models.KindDuplicateSession:
		return http.StatusConflict
	case models.KindDeviceUnreachable, models.KindDaemonUnreachable:
		return http.StatusBadGateway
	case models.KindCommandTimedOut:
		return http.StatusGatewayTimeout
	case models.KindCommandFailed, models.KindAllFallbacksExhausted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.requestTimeout)
}

func respondError(c *gin.Context, err error) {
	kind := models.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusOK {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request format",
		"details": err.Error(),
		"kind":    models.KindInvalidRequest,
	})
}

func respondAction(c *gin.Context, res models.ActionResult) {
	c.JSON(statusFor(res.ErrorKind), res)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(s.controller.ListSessions()),
		"time":     time.Now().UTC(),
	})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions := s.controller.ListSessions()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.controller.GetSession(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) startSession(c *gin.Context) {
	var request startSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindError(c, err)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	var (
		session models.Session
		err     error
	)
	if request.Deadline != nil {
		session, err = s.controller.StartSessionUntil(ctx, request.SessionID, request.Address, *request.Deadline)
	} else {
		session, err = s.controller.StartSession(ctx, request.SessionID, request.Address, request.DurationSeconds)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) extendSession(c *gin.Context) {
	var request extendSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindError(c, err)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	var (
		session models.Session
		err     error
	)
	if request.Deadline != nil {
		session, err = s.controller.ExtendSessionUntil(ctx, c.Param("id"), *request.Deadline)
	} else {
		session, err = s.controller.ExtendSession(ctx, c.Param("id"), request.AdditionalSeconds)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) cancelSession(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	id := c.Param("id")
	_, cancelled := s.controller.CancelSession(ctx, id)
	c.JSON(http.StatusOK, gin.H{"session_id": id, "cancelled": cancelled})
}

func (s *Server) triggerTimeout(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.controller.TriggerImmediateTimeout(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondAction(c, res)
}

func (s *Server) listDevices(c *gin.Context) {
	devices := s.controller.Devices()
	c.JSON(http.StatusOK, gin.H{"devices": devices, "total": len(devices)})
}

func (s *Server) deviceStatus(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	status, err := s.controller.DeviceStatus(ctx, c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) connectDevice(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	respondAction(c, s.controller.Connect(ctx, c.Param("address")))
}

func (s *Server) switchInput(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	respondAction(c, s.controller.SwitchInput(ctx, c.Param("address")))
}

func (s *Server) playTimeout(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	respondAction(c, s.controller.PlayTimeoutMedia(ctx, c.Param("address")))
}

func (s *Server) sendKey(c *gin.Context) {
	var request keyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindError(c, err)
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	respondAction(c, s.controller.SendKey(ctx, c.Param("address"), request.Keycode))
}

func (s *Server) sendControl(c *gin.Context) {
	var request controlRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindError(c, err)
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	respondAction(c, s.controller.SendControl(ctx, c.Param("address"), request.Action))
}

func (s *Server) fleetStatus(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	c.JSON(http.StatusOK, s.controller.GetFleetStatus(ctx, c.QueryArray("address")))
}

func (s *Server) daemonStatus(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	c.JSON(http.StatusOK, s.controller.DaemonStatus(ctx))
}

func (s *Server) restartDaemon(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	respondAction(c, s.controller.RestartDaemon(ctx))
}

// events streams session events as server-sent events until the client goes away or the server stops.
func (s *Server) events(c *gin.Context) {
	if s.broker == nil {
		respondError(c, errors.New("event stream is disabled"))
		return
	}

	events, unsubscribe := s.broker.Subscribe(c.Query("session_id"))
	defer unsubscribe()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"session_id": c.Query("session_id")})
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		case <-s.streams.Done():
			return false
		}
	})
}
