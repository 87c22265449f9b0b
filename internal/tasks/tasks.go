// Package tasks holds the task-queue semantics shared by the
// management API (producer) and the session engine (consumer). The
// queue itself lives in the store; this package validates payloads and
// shapes them into the tagged-variant form the store persists.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tr069-acs/internal/models"
	"tr069-acs/internal/store"
)

// ErrInvalidPayload is returned when a task request carries a payload
// that does not fit its type.
var ErrInvalidPayload = errors.New("tasks: invalid payload")

// Request is the operator-facing task submission shape.
type Request struct {
	Type       models.TaskType `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Queue validates task submissions and enqueues them as pending.
type Queue struct {
	store *store.Store
}

// NewQueue returns a Queue backed by the given store.
func NewQueue(s *store.Store) *Queue {
	return &Queue{store: s}
}

// Enqueue validates the request and creates a pending task for the
// device. The returned task carries the assigned id and creation time.
func (q *Queue) Enqueue(ctx context.Context, deviceID string, req Request) (*models.Task, error) {
	payload, err := ValidatePayload(req.Type, req.Parameters)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		DeviceID:   deviceID,
		Type:       req.Type,
		Parameters: payload,
	}
	if err := q.store.CreateTask(ctx, task, time.Now()); err != nil {
		return nil, err
	}
	return task, nil
}

// ValidatePayload checks a task payload against its type and returns
// the canonical serialized form. Reboot and factory_reset carry no
// payload; get_params needs a non-empty name list; set_params needs a
// non-empty string-to-string mapping.
func ValidatePayload(taskType models.TaskType, raw json.RawMessage) (json.RawMessage, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, taskType)
	}

	switch taskType {
	case models.TaskGetParams:
		var p models.GetParamsPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if len(p.Names) == 0 {
			return nil, fmt.Errorf("%w: get_params needs at least one parameter name", ErrInvalidPayload)
		}
		for _, name := range p.Names {
			if name == "" {
				return nil, fmt.Errorf("%w: empty parameter name", ErrInvalidPayload)
			}
		}
		return json.Marshal(p)

	case models.TaskSetParams:
		var p models.SetParamsPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if len(p.Values) == 0 {
			return nil, fmt.Errorf("%w: set_params needs at least one value", ErrInvalidPayload)
		}
		for name := range p.Values {
			if name == "" {
				return nil, fmt.Errorf("%w: empty parameter name", ErrInvalidPayload)
			}
		}
		return json.Marshal(p)

	default:
		// reboot, factory_reset: payload must be empty or null
		if len(raw) > 0 && string(raw) != "null" && string(raw) != "{}" {
			return nil, fmt.Errorf("%w: %s takes no parameters", ErrInvalidPayload, taskType)
		}
		return nil, nil
	}
}

// strictUnmarshal rejects payloads with fields of the wrong type
// (e.g. non-string values for set_params).
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing parameters")
	}
	return json.Unmarshal(raw, v)
}
