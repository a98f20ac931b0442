package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/agentcloud/agentcloud/internal/db"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type createMachineRequest struct {
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
}

func (s *Server) createMachine(c echo.Context) error {
	var req createMachineRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid projectId"})
	}

	m, err := s.service.Create(c.Request().Context(), projectID, req.Name, req.Provider)
	if err != nil {
		if errors.Is(err, db.ErrActiveConflict) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "project not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	s.wakeDispatcher()
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) listMachines(c echo.Context) error {
	projectID, err := uuid.Parse(c.QueryParam("projectId"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "projectId query parameter required"})
	}

	machines, err := s.store.ListMachines(c.Request().Context(), projectID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if machines == nil {
		machines = []db.Machine{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"machines": machines})
}

func (s *Server) getMachine(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid machine id"})
	}

	m, err := s.store.GetMachine(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "machine not found"})
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) archiveMachine(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid machine id"})
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetMachine(ctx, id); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "machine not found"})
	}

	m, err := s.service.Archive(ctx, id)
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, m)
}

type daemonStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) reportDaemonStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid machine id"})
	}

	var req daemonStatusRequest
	if err := c.Bind(&req); err != nil || req.Status == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "status required"})
	}

	m, err := s.service.DaemonReport(c.Request().Context(), id, req.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "machine not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	// A ready report may have enqueued the readiness check.
	s.wakeDispatcher()
	return c.JSON(http.StatusOK, m)
}

func (s *Server) pushEnv(c echo.Context) error {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid project id"})
	}

	pushed, skipped, err := s.service.PushToActive(c.Request().Context(), projectID)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error":   err.Error(),
			"pushed":  pushed,
			"skipped": skipped,
		})
	}
	return c.JSON(http.StatusOK, map[string]int{"pushed": pushed, "skipped": skipped})
}

// machineEvents streams daemon status updates over a websocket.
func (s *Server) machineEvents(c echo.Context) error {
	if s.registry == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "status registry not configured"})
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	updates, cancel := s.registry.Watch()
	defer cancel()

	// Snapshot first so the client does not start blind.
	for _, entry := range s.registry.All() {
		if err := ws.WriteJSON(entry); err != nil {
			return nil
		}
	}

	// Surface client disconnects; the read loop fails when the peer goes away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case entry, ok := <-updates:
			if !ok {
				return nil
			}
			if err := ws.WriteJSON(entry); err != nil {
				return nil
			}
		case <-done:
			return nil
		}
	}
}

// machineTokenMiddleware authenticates machine callbacks with the JWT
// injected at provision time. The token's machine id must match the path.
func (s *Server) machineTokenMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing machine token"})
		}

		claims, err := s.issuer.ValidateMachineToken(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid machine token"})
		}
		if claims.MachineID.String() != c.Param("id") {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "token not valid for this machine"})
		}

		return next(c)
	}
}
