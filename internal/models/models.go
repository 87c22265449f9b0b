package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device represents a managed CPE. The ID is the TR-069 identity triple
// joined with "-": OUI-ProductClass-SerialNumber.
type Device struct {
	ID                   string            `json:"id"`
	Manufacturer         string            `json:"manufacturer"`
	OUI                  string            `json:"oui"`
	ProductClass         string            `json:"productClass"`
	SerialNumber         string            `json:"serialNumber"`
	IPAddress            string            `json:"ipAddress"`
	ConnectionRequestURL string            `json:"connectionRequestUrl"`
	SoftwareVersion      string            `json:"softwareVersion"`
	HardwareVersion      string            `json:"hardwareVersion"`
	Online               bool              `json:"online"`
	FirstSeen            time.Time         `json:"firstSeen"`
	LastInform           *time.Time        `json:"lastInform"`
	Tags                 []string          `json:"tags,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// DeviceID joins the identity triple into the store key.
func DeviceID(oui, productClass, serialNumber string) string {
	return fmt.Sprintf("%s-%s-%s", oui, productClass, serialNumber)
}

// Parameter is the last observed value of one data-model path on one device.
type Parameter struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Type      string    `json:"type"`
	Writable  bool      `json:"writable"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Task is an operator-issued instruction pending delivery to a device.
type Task struct {
	ID          int64           `json:"id"`
	DeviceID    string          `json:"deviceId"`
	Type        TaskType        `json:"type"`
	Status      TaskStatus      `json:"status"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// TaskType enumerates the supported management operations.
type TaskType string

const (
	TaskGetParams    TaskType = "get_params"
	TaskSetParams    TaskType = "set_params"
	TaskReboot       TaskType = "reboot"
	TaskFactoryReset TaskType = "factory_reset"
)

// Valid reports whether t is one of the supported task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskGetParams, TaskSetParams, TaskReboot, TaskFactoryReset:
		return true
	}
	return false
}

// TaskStatus tracks the task lifecycle: pending -> sent -> completed|failed.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSent      TaskStatus = "sent"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// GetParamsPayload is the payload for get_params tasks.
type GetParamsPayload struct {
	Names []string `json:"names"`
}

// SetParamsPayload is the payload for set_params tasks.
type SetParamsPayload struct {
	Values map[string]string `json:"values"`
}

// Session records one CPE-ACS transactional burst, opened by an Inform.
type Session struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"deviceId"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Events       []string   `json:"events,omitempty"`
	MessageCount int        `json:"messageCount"`
}

// DeviceEvent is an audit-log entry for a device.
type DeviceEvent struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Device event kinds.
const (
	EventInform         = "inform"
	EventRegistered     = "registered"
	EventTaskDispatched = "task_dispatched"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventOffline        = "offline"
)

// Stats is the counter set served by GET /api/stats.
type Stats struct {
	TotalDevices   int64 `json:"total"`
	OnlineDevices  int64 `json:"online"`
	OfflineDevices int64 `json:"offline"`
	PendingTasks   int64 `json:"pending_tasks"`
}
