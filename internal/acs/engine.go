// Package acs implements the CWMP session engine: the per-request state
// machine that turns CPE-initiated HTTP POSTs into store mutations and
// outbound RPCs. The engine keeps no state between requests; all
// cross-request coordination flows through the store's conditional
// updates.
package acs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tr069-acs/internal/cwmp"
	"tr069-acs/internal/events"
	"tr069-acs/internal/models"
	"tr069-acs/internal/store"
)

// Engine handles the /cwmp endpoint.
type Engine struct {
	store   *store.Store
	hub     *events.Hub
	log     zerolog.Logger
	timeout time.Duration
}

// NewEngine builds the session engine. The hub may be nil when no event
// fan-out is wanted.
func NewEngine(s *store.Store, hub *events.Hub, log zerolog.Logger, timeout time.Duration) *Engine {
	return &Engine{
		store:   s,
		hub:     hub,
		log:     log.With().Str("component", "cwmp").Logger(),
		timeout: timeout,
	}
}

// ServeHTTP is one step of the session state machine. Each CPE POST is
// handled end-to-end by one worker, bounded by the session timeout.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), e.timeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Header().Set("SOAPAction", "")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		e.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("failed to read request body")
		e.emit(w, http.StatusBadRequest, cwmp.NewEmptyEnvelope())
		return
	}

	remoteIP := remoteIP(r)

	// Empty POST: the CPE has nothing more to say; close its session.
	if len(body) == 0 {
		e.handleSessionEnd(ctx, remoteIP)
		e.emit(w, http.StatusOK, cwmp.NewEmptyEnvelope())
		return
	}

	env, err := cwmp.ParseEnvelope(body)
	if err != nil {
		e.log.Warn().Err(err).Str("remote", remoteIP).Msg("malformed envelope")
		e.emit(w, http.StatusBadRequest, cwmp.NewEmptyEnvelope())
		return
	}

	switch env.Method {
	case cwmp.MethodInform:
		e.handleInform(ctx, w, env, remoteIP)
	case cwmp.MethodGetParameterValuesResponse:
		e.handleGetParameterValuesResponse(ctx, w, env, remoteIP)
	case cwmp.MethodSetParameterValuesResponse:
		e.handleTaskAck(ctx, w, remoteIP, models.TaskSetParams)
	case cwmp.MethodRebootResponse:
		e.handleTaskAck(ctx, w, remoteIP, models.TaskReboot)
	case cwmp.MethodFactoryResetResponse:
		e.handleTaskAck(ctx, w, remoteIP, models.TaskFactoryReset)
	case cwmp.MethodTransferComplete:
		e.emit(w, http.StatusOK, cwmp.NewTransferCompleteResponse())
	case cwmp.MethodTransferCompleteResponse:
		e.handleSessionAck(ctx, w, remoteIP)
	case cwmp.MethodFault:
		e.handleFault(ctx, w, env, remoteIP)
	default:
		e.log.Info().Str("method", env.Method).Str("remote", remoteIP).Msg("unhandled CWMP method")
		e.emit(w, http.StatusOK, cwmp.NewEmptyEnvelope())
	}
}

// handleInform runs reconciliation and then dispatch: the response to a
// valid Inform is either the oldest pending task as an RPC request, or
// an InformResponse when the queue is empty or another session already
// holds a task in flight.
func (e *Engine) handleInform(ctx context.Context, w http.ResponseWriter, env *cwmp.Envelope, remoteIP string) {
	inform, err := cwmp.ParseInform(env)
	if err != nil {
		e.log.Warn().Err(err).Str("remote", remoteIP).Msg("malformed inform")
		e.emit(w, http.StatusBadRequest, cwmp.NewEmptyEnvelope())
		return
	}

	device, err := e.reconcile(ctx, inform, remoteIP)
	if err != nil {
		e.log.Error().Err(err).Str("remote", remoteIP).Msg("inform reconciliation failed")
		e.emit(w, http.StatusServiceUnavailable, cwmp.NewEmptyEnvelope())
		return
	}

	e.log.Info().
		Str("device", device.ID).
		Strs("events", inform.Events).
		Int("parameters", len(inform.Parameters)).
		Msg("inform received")

	envelope, err := e.dispatch(ctx, device)
	if err != nil {
		e.log.Error().Err(err).Str("device", device.ID).Msg("task dispatch failed")
		e.emit(w, http.StatusServiceUnavailable, cwmp.NewEmptyEnvelope())
		return
	}
	e.emit(w, http.StatusOK, envelope)
}

// dispatch peeks the oldest pending task and promotes it to sent with a
// conditional update. A lost promotion race means another session just
// took a task for this device and owns the RPC, so the engine falls
// back to InformResponse rather than promoting a second task. An
// already-sent task likewise blocks new dispatch, preserving
// one-outstanding-RPC semantics.
func (e *Engine) dispatch(ctx context.Context, device *models.Device) ([]byte, error) {
	inflight, err := e.store.LatestSentTask(ctx, device.ID, "")
	if err != nil {
		return nil, err
	}
	if inflight != nil {
		return cwmp.NewInformResponse(), nil
	}

	task, err := e.store.PeekPendingTask(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return cwmp.NewInformResponse(), nil
	}

	err = e.store.AdvanceTaskStatus(ctx, task.ID, models.TaskPending, models.TaskSent, nil, "")
	if errors.Is(err, store.ErrConflict) {
		return cwmp.NewInformResponse(), nil
	}
	if err != nil {
		return nil, err
	}

	envelope, err := e.encodeTask(task)
	if err != nil {
		// Undeliverable payload; fail the task so it does not wedge
		// the queue.
		e.log.Warn().Err(err).Int64("task", task.ID).Msg("task payload not encodable")
		if ferr := e.store.AdvanceTaskStatus(ctx, task.ID, models.TaskSent, models.TaskFailed, nil, err.Error()); ferr != nil {
			e.log.Error().Err(ferr).Int64("task", task.ID).Msg("failed to mark task failed")
		}
		return cwmp.NewInformResponse(), nil
	}

	e.recordEvent(ctx, device.ID, models.EventTaskDispatched,
		fmt.Sprintf("task %d (%s) dispatched", task.ID, task.Type))
	e.broadcast(events.Message{Type: "task_dispatched", DeviceID: device.ID, TaskID: task.ID})
	return envelope, nil
}

func (e *Engine) encodeTask(task *models.Task) ([]byte, error) {
	switch task.Type {
	case models.TaskGetParams:
		var p models.GetParamsPayload
		if err := json.Unmarshal(task.Parameters, &p); err != nil || len(p.Names) == 0 {
			return nil, fmt.Errorf("task %d: bad get_params payload", task.ID)
		}
		return cwmp.NewGetParameterValues(p.Names), nil
	case models.TaskSetParams:
		var p models.SetParamsPayload
		if err := json.Unmarshal(task.Parameters, &p); err != nil || len(p.Values) == 0 {
			return nil, fmt.Errorf("task %d: bad set_params payload", task.ID)
		}
		return cwmp.NewSetParameterValues(p.Values), nil
	case models.TaskReboot:
		return cwmp.NewReboot(time.Now()), nil
	case models.TaskFactoryReset:
		return cwmp.NewFactoryReset(), nil
	default:
		return nil, fmt.Errorf("task %d: unsupported type %q", task.ID, task.Type)
	}
}

// handleGetParameterValuesResponse stores the returned parameter list
// and completes the matching sent task.
func (e *Engine) handleGetParameterValuesResponse(ctx context.Context, w http.ResponseWriter, env *cwmp.Envelope, remoteIP string) {
	device, err := e.store.GetDeviceByIP(ctx, remoteIP)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Info().Str("remote", remoteIP).Msg("response from unknown device")
		e.finishSession(ctx, w, "")
		return
	}
	if err != nil {
		e.emit(w, http.StatusServiceUnavailable, cwmp.NewEmptyEnvelope())
		return
	}

	values, err := cwmp.ParseParameterValues(env)
	if err != nil {
		e.log.Warn().Err(err).Str("device", device.ID).Msg("unparseable GetParameterValuesResponse")
		e.finishSession(ctx, w, device.ID)
		return
	}

	now := time.Now()
	for _, v := range values {
		if err := e.store.UpsertParameter(ctx, device.ID, v.Name, v.Value, v.Type, true, now); err != nil {
			e.log.Warn().Err(err).Str("device", device.ID).Str("name", v.Name).Msg("parameter upsert failed")
		}
	}

	result, _ := json.Marshal(map[string]int{"count": len(values)})
	e.completeTask(ctx, device.ID, models.TaskGetParams, result)
	e.finishSession(ctx, w, device.ID)
}

// handleTaskAck completes the most recent sent task of the given type
// for the device behind the remote address.
func (e *Engine) handleTaskAck(ctx context.Context, w http.ResponseWriter, remoteIP string, taskType models.TaskType) {
	device, err := e.store.GetDeviceByIP(ctx, remoteIP)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.emit(w, http.StatusServiceUnavailable, cwmp.NewEmptyEnvelope())
			return
		}
		e.finishSession(ctx, w, "")
		return
	}
	e.completeTask(ctx, device.ID, taskType, nil)
	e.finishSession(ctx, w, device.ID)
}

// handleSessionAck ends the session without touching the task queue.
// No task kind produces a TransferComplete exchange, so an unsolicited
// TransferCompleteResponse must not complete an unrelated task.
func (e *Engine) handleSessionAck(ctx context.Context, w http.ResponseWriter, remoteIP string) {
	device, err := e.store.GetDeviceByIP(ctx, remoteIP)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.emit(w, http.StatusServiceUnavailable, cwmp.NewEmptyEnvelope())
			return
		}
		e.finishSession(ctx, w, "")
		return
	}
	e.finishSession(ctx, w, device.ID)
}

// handleFault fails the in-flight task with the fault payload as the
// task result.
func (e *Engine) handleFault(ctx context.Context, w http.ResponseWriter, env *cwmp.Envelope, remoteIP string) {
	fault := cwmp.ParseFault(env)
	e.log.Warn().Str("remote", remoteIP).Str("code", fault.Code).Str("detail", fault.Detail).Msg("CWMP fault from CPE")

	device, err := e.store.GetDeviceByIP(ctx, remoteIP)
	if err != nil {
		e.finishSession(ctx, w, "")
		return
	}

	task, err := e.store.LatestSentTask(ctx, device.ID, "")
	if err == nil && task != nil {
		result, _ := json.Marshal(map[string]string{"faultCode": fault.Code, "faultString": fault.Detail})
		if err := e.store.AdvanceTaskStatus(ctx, task.ID, models.TaskSent, models.TaskFailed, result, "CWMP fault "+fault.Code); err == nil {
			e.recordEvent(ctx, device.ID, models.EventTaskFailed,
				fmt.Sprintf("task %d failed: fault %s", task.ID, fault.Code))
			e.broadcast(events.Message{Type: "task_failed", DeviceID: device.ID, TaskID: task.ID})
		}
	}
	e.finishSession(ctx, w, device.ID)
}

func (e *Engine) completeTask(ctx context.Context, deviceID string, taskType models.TaskType, result []byte) {
	task, err := e.store.LatestSentTask(ctx, deviceID, taskType)
	if err != nil || task == nil {
		return
	}
	if err := e.store.AdvanceTaskStatus(ctx, task.ID, models.TaskSent, models.TaskCompleted, result, ""); err != nil {
		e.log.Warn().Err(err).Int64("task", task.ID).Msg("task completion lost a race")
		return
	}
	e.log.Info().Int64("task", task.ID).Str("device", deviceID).Str("type", string(task.Type)).Msg("task completed")
	e.recordEvent(ctx, deviceID, models.EventTaskCompleted,
		fmt.Sprintf("task %d (%s) completed", task.ID, task.Type))
	e.broadcast(events.Message{Type: "task_completed", DeviceID: deviceID, TaskID: task.ID})
}

// finishSession emits the empty envelope that ends the transactional
// burst and stamps the session row closed.
func (e *Engine) finishSession(ctx context.Context, w http.ResponseWriter, deviceID string) {
	if deviceID != "" {
		if err := e.store.BumpSession(ctx, deviceID); err != nil {
			e.log.Warn().Err(err).Str("device", deviceID).Msg("session bump failed")
		}
		if err := e.store.CloseOpenSessions(ctx, deviceID, time.Now()); err != nil {
			e.log.Warn().Err(err).Str("device", deviceID).Msg("session close failed")
		}
	}
	e.emit(w, http.StatusOK, cwmp.NewEmptyEnvelope())
}

func (e *Engine) handleSessionEnd(ctx context.Context, remoteIP string) {
	device, err := e.store.GetDeviceByIP(ctx, remoteIP)
	if err != nil {
		return
	}
	if err := e.store.CloseOpenSessions(ctx, device.ID, time.Now()); err != nil {
		e.log.Warn().Err(err).Str("device", device.ID).Msg("session close failed")
	}
}

func (e *Engine) emit(w http.ResponseWriter, status int, envelope []byte) {
	w.WriteHeader(status)
	w.Write(envelope)
}

func (e *Engine) recordEvent(ctx context.Context, deviceID, kind, message string) {
	if err := e.store.AddDeviceEvent(ctx, deviceID, kind, message, time.Now()); err != nil {
		e.log.Warn().Err(err).Str("device", deviceID).Msg("device event not recorded")
	}
}

func (e *Engine) broadcast(msg events.Message) {
	if e.hub != nil {
		e.hub.Broadcast(msg)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
