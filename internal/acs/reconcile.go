package acs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tr069-acs/internal/cwmp"
	"tr069-acs/internal/events"
	"tr069-acs/internal/models"
	"tr069-acs/internal/store"
)

// Parameter name suffixes promoted to device scalar columns.
var promotedFields = map[string]string{
	"SoftwareVersion":      "software_version",
	"HardwareVersion":      "hardware_version",
	"ConnectionRequestURL": "connection_request_url",
}

// reconcile applies an Inform to the store: device upsert, liveness
// touch, parameter merge, session row. Parameters are applied in
// document order; the last occurrence of a duplicated name wins.
func (e *Engine) reconcile(ctx context.Context, inform *cwmp.Inform, remoteIP string) (*models.Device, error) {
	deviceID := models.DeviceID(inform.OUI, inform.ProductClass, inform.SerialNumber)
	now := time.Now()

	_, err := e.store.GetDevice(ctx, deviceID)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		return nil, err
	}

	device := &models.Device{
		ID:           deviceID,
		Manufacturer: inform.Manufacturer,
		OUI:          inform.OUI,
		ProductClass: inform.ProductClass,
		SerialNumber: inform.SerialNumber,
	}
	if err := e.store.UpsertDevice(ctx, device, now); err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	if err := e.store.TouchLiveness(ctx, deviceID, remoteIP, now); err != nil {
		return nil, fmt.Errorf("touch liveness: %w", err)
	}

	for _, param := range inform.Parameters {
		if column, ok := promotedFields[suffix(param.Name)]; ok {
			if err := e.store.SetDeviceField(ctx, deviceID, column, param.Value); err != nil {
				return nil, fmt.Errorf("promote %s: %w", param.Name, err)
			}
		}
		if err := e.store.UpsertParameter(ctx, deviceID, param.Name, param.Value, param.Type, true, now); err != nil {
			return nil, fmt.Errorf("upsert parameter %s: %w", param.Name, err)
		}
	}

	sess := &models.Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		StartedAt:    now,
		Events:       inform.Events,
		MessageCount: 1,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if isNew {
		e.log.Info().Str("device", deviceID).Str("manufacturer", inform.Manufacturer).Msg("new device registered")
		e.recordEvent(ctx, deviceID, models.EventRegistered, "device registered: "+deviceID)
		e.broadcast(events.Message{Type: "device_registered", DeviceID: deviceID})
	}
	e.recordEvent(ctx, deviceID, models.EventInform, "inform: "+strings.Join(inform.Events, " "))
	e.broadcast(events.Message{
		Type:     "device_update",
		DeviceID: deviceID,
		Data:     map[string]any{"online": true, "lastInform": now.UTC()},
	})

	return e.store.GetDevice(ctx, deviceID)
}

// suffix returns the final dotted path component of a parameter name.
func suffix(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}
