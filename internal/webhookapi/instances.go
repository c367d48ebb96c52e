package webhookapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/waxline/waxline/internal/domain"
	"github.com/waxline/waxline/internal/runtime"
)

func (s *Server) listInstances(c echo.Context) error {
	insts, err := s.store.ListActive(c.Request().Context())
	if err != nil {
		zap.L().Error("list instances failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "LIST_FAILED", "Failed to list instances", err.Error())
	}
	return ok(c, echo.Map{"instances": insts, "total": len(insts)})
}

func (s *Server) getInstance(c echo.Context) error {
	inst, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "GET_FAILED", "Failed to load instance", err.Error())
	}
	return ok(c, inst)
}

// createInstance registers a record and asks the runtime to start the
// session. The record is created first so early webhook events find it.
func (s *Server) createInstance(c echo.Context) error {
	var payload struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	ctx := c.Request().Context()

	id := s.node.Generate().String()
	name := payload.Name
	if name == "" {
		name = "instance-" + id
	}
	inst := &domain.Instance{
		ID:              id,
		RuntimeID:       id,
		Name:            name,
		ConnectionState: domain.StateIdle,
	}
	if err := s.store.Create(ctx, inst); err != nil {
		zap.L().Error("instance create failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create instance", err.Error())
	}

	if err := s.client.CreateInstance(ctx, id); err != nil {
		zap.L().Warn("runtime create failed, record kept in idle",
			zap.String("instance_id", id), zap.Error(err))
		status := http.StatusInternalServerError
		if runtime.IsTransient(err) {
			status = http.StatusBadGateway
		}
		return fail(c, status, "RUNTIME_CREATE_FAILED", "Runtime did not accept the instance", err.Error())
	}

	if err := s.store.Update(ctx, id, map[string]interface{}{
		"connection_state": domain.StateConnecting,
	}, -1); err != nil {
		zap.L().Error("instance connecting write failed", zap.String("instance_id", id), zap.Error(err))
	}
	inst.ConnectionState = domain.StateConnecting
	return ok(c, inst)
}

// deleteInstance is the only path to the destroyed state: flag intentional,
// drop timers, tear down the runtime session, then mark the record.
func (s *Server) deleteInstance(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	inst, err := s.store.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "GET_FAILED", "Failed to load instance", err.Error())
	}

	if err := s.rec.MarkIntentional(ctx, id); err != nil {
		zap.L().Warn("mark intentional failed during delete",
			zap.String("instance_id", id), zap.Error(err))
	}
	s.registry.Drop(id)

	runtimeID := inst.RuntimeID
	if runtimeID == "" {
		runtimeID = id
	}
	if err := s.client.DeleteInstance(ctx, runtimeID); err != nil {
		// The record is still marked destroyed; reconciliation cleans up a
		// runtime session that survived this call.
		zap.L().Warn("runtime delete failed",
			zap.String("instance_id", id), zap.Error(err))
	}

	if err := s.store.Update(ctx, id, map[string]interface{}{
		"connection_state": domain.StateDestroyed,
		"pairing_payload":  nil,
	}, -1); err != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to mark instance destroyed", err.Error())
	}
	zap.L().Info("instance destroyed", zap.String("instance_id", id))
	return ok(c, echo.Map{"destroyed": true})
}

// getPairing serves the pairing payload, fetching it from the runtime when
// the store has none. Concurrent polls for the same instance share one
// runtime call.
func (s *Server) getPairing(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	inst, err := s.store.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "GET_FAILED", "Failed to load instance", err.Error())
	}

	if inst.ConnectionState == domain.StateQRPending && inst.PairingPayload != nil && *inst.PairingPayload != "" {
		return ok(c, echo.Map{"pairing": *inst.PairingPayload, "state": inst.ConnectionState})
	}

	runtimeID := inst.RuntimeID
	if runtimeID == "" {
		runtimeID = id
	}
	payload, err, _ := s.pairing.Do(id, func() (interface{}, error) {
		return s.client.GetPairingPayload(ctx, runtimeID)
	})
	if err != nil {
		status := http.StatusInternalServerError
		if runtime.IsTransient(err) {
			status = http.StatusBadGateway
		}
		return fail(c, status, "PAIRING_FETCH_FAILED", "Failed to fetch pairing payload", err.Error())
	}
	code, _ := payload.(string)
	return ok(c, echo.Map{"pairing": code, "state": inst.ConnectionState, "has_pairing": code != ""})
}

// postReconnect clears the intentional flag and attempt counter, then hands
// the instance to the reconnection controller.
func (s *Server) postReconnect(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	inst, err := s.store.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "GET_FAILED", "Failed to load instance", err.Error())
	}
	if inst.ConnectionState != domain.StateDisconnected && inst.ConnectionState != domain.StateAuthFailed {
		return fail(c, http.StatusConflict, "NOT_DISCONNECTED", "Instance is not disconnected", inst.ConnectionState)
	}

	fields := map[string]interface{}{
		"intentional_disconnect": false,
		"reconnect_attempts":     0,
	}
	if inst.ConnectionState == domain.StateAuthFailed {
		// Manual recovery from a dead session starts a fresh episode.
		fields["connection_state"] = domain.StateDisconnected
	}
	if err := s.store.Update(ctx, id, fields, -1); err != nil {
		return fail(c, http.StatusInternalServerError, "RECONNECT_FAILED", "Failed to reset instance", err.Error())
	}

	s.rec.OnDisconnect(ctx, id, "manual_reconnect", "")
	return ok(c, echo.Map{"scheduled": true})
}
