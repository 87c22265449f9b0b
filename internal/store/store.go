package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tr069-acs/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// Store errors.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional update matched no row,
	// i.e. the expected current state was not there.
	ErrConflict = errors.New("store: conflict")
)

// Store wraps the SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the SQLite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			manufacturer TEXT,
			oui TEXT NOT NULL,
			product_class TEXT NOT NULL,
			serial_number TEXT NOT NULL,
			ip_address TEXT,
			connection_request_url TEXT,
			software_version TEXT,
			hardware_version TEXT,
			online BOOLEAN DEFAULT 0,
			first_seen DATETIME NOT NULL,
			last_inform DATETIME,
			tags TEXT DEFAULT '[]',
			metadata TEXT DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS parameters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			name TEXT NOT NULL CHECK (length(name) <= 500),
			value TEXT,
			type TEXT DEFAULT 'string',
			writable BOOLEAN DEFAULT 1,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE,
			UNIQUE(device_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parameters_device ON parameters(device_id)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			parameters TEXT,
			result TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_device_status ON tasks(device_id, status, created_at, id)`,
		// At most one task may be in flight per device.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_sent ON tasks(device_id) WHERE status = 'sent'`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			events TEXT DEFAULT '[]',
			message_count INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, started_at)`,

		`CREATE TABLE IF NOT EXISTS device_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_events_device ON device_events(device_id, created_at)`,
	}

	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return err
		}
	}
	return nil
}

// ============== Device Operations ==============

// UpsertDevice inserts the device if absent, setting first_seen, or
// refreshes the identity fields if it already exists.
func (s *Store) UpsertDevice(ctx context.Context, d *models.Device, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, manufacturer, oui, product_class, serial_number, first_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			manufacturer = excluded.manufacturer,
			oui = excluded.oui,
			product_class = excluded.product_class,
			serial_number = excluded.serial_number
	`, d.ID, d.Manufacturer, d.OUI, d.ProductClass, d.SerialNumber, now.UTC())
	return err
}

// TouchLiveness records a successful Inform: last observed IP,
// last_inform timestamp and the online flag.
func (s *Store) TouchLiveness(ctx context.Context, deviceID, ip string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET ip_address = ?, last_inform = ?, online = 1 WHERE id = ?
	`, ip, ts.UTC(), deviceID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotFound)
}

// SetDeviceField promotes an Inform parameter to a device scalar.
// Only the promoted columns are addressable.
func (s *Store) SetDeviceField(ctx context.Context, deviceID, field, value string) error {
	var column string
	switch field {
	case "software_version", "hardware_version", "connection_request_url":
		column = field
	default:
		return fmt.Errorf("store: field %q is not promotable", field)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET `+column+` = ? WHERE id = ?`, value, deviceID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotFound)
}

// GetDevice retrieves a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, deviceColumns+` WHERE id = ?`, id)
	return scanDevice(row)
}

// GetDeviceByIP returns the device most recently seen at the given
// address. Follow-up messages in a CWMP session carry no DeviceId, so
// the engine recovers the device from the transport address.
func (s *Store) GetDeviceByIP(ctx context.Context, ip string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, deviceColumns+`
		WHERE ip_address = ? ORDER BY last_inform DESC LIMIT 1`, ip)
	return scanDevice(row)
}

// ListDevices returns all known devices ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceColumns+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// MarkOffline flips online to false for every device whose last_inform
// is older than the threshold. last_inform itself is never modified.
// Returns the ids of the devices that changed state. The flip and the
// id capture are one statement, so the ids match exactly the rows that
// changed.
func (s *Store) MarkOffline(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE devices SET online = 0
		WHERE online = 1 AND (last_inform IS NULL OR last_inform < ?)
		RETURNING id
	`, olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const deviceColumns = `
	SELECT id, manufacturer, oui, product_class, serial_number,
		   COALESCE(ip_address, ''), COALESCE(connection_request_url, ''),
		   COALESCE(software_version, ''), COALESCE(hardware_version, ''),
		   online, first_seen, last_inform,
		   COALESCE(tags, '[]'), COALESCE(metadata, '{}')
	FROM devices`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var tagsJSON, metaJSON string
	err := row.Scan(
		&d.ID, &d.Manufacturer, &d.OUI, &d.ProductClass, &d.SerialNumber,
		&d.IPAddress, &d.ConnectionRequestURL,
		&d.SoftwareVersion, &d.HardwareVersion,
		&d.Online, &d.FirstSeen, &d.LastInform,
		&tagsJSON, &metaJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(tagsJSON), &d.Tags)
	json.Unmarshal([]byte(metaJSON), &d.Metadata)
	return &d, nil
}

// ============== Parameter Operations ==============

// UpsertParameter stores the latest observed value for (device, name).
// Repeated observations overwrite the value and bump updated_at.
func (s *Store) UpsertParameter(ctx context.Context, deviceID, name, value, paramType string, writable bool, now time.Time) error {
	if paramType == "" {
		paramType = "string"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parameters (device_id, name, value, type, writable, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, name) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			writable = excluded.writable,
			updated_at = excluded.updated_at
	`, deviceID, name, value, paramType, writable, now.UTC())
	return err
}

// GetParameters returns the known parameter snapshot for a device,
// ordered by name.
func (s *Store) GetParameters(ctx context.Context, deviceID string) ([]*models.Parameter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, name, COALESCE(value, ''), COALESCE(type, 'string'), writable, updated_at
		FROM parameters WHERE device_id = ? ORDER BY name
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []*models.Parameter
	for rows.Next() {
		var p models.Parameter
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.Name, &p.Value, &p.Type, &p.Writable, &p.UpdatedAt); err != nil {
			return nil, err
		}
		params = append(params, &p)
	}
	return params, rows.Err()
}

// ============== Task Operations ==============

// CreateTask inserts a new pending task and fills in its id and
// creation timestamp.
func (s *Store) CreateTask(ctx context.Context, task *models.Task, now time.Time) error {
	task.CreatedAt = now.UTC()
	task.Status = models.TaskPending
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (device_id, type, status, parameters, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, task.DeviceID, task.Type, task.Status, string(task.Parameters), task.CreatedAt)
	if err != nil {
		return err
	}
	task.ID, err = res.LastInsertId()
	return err
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, taskColumns+` WHERE id = ?`, id)
	return scanTask(row)
}

// PeekPendingTask returns the oldest pending task for the device,
// ordered by (created_at, id), or nil when the queue is empty.
func (s *Store) PeekPendingTask(ctx context.Context, deviceID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, taskColumns+`
		WHERE device_id = ? AND status = 'pending'
		ORDER BY created_at ASC, id ASC LIMIT 1
	`, deviceID)
	task, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return task, err
}

// LatestSentTask returns the most recently dispatched task of the given
// type for a device, or nil when there is none. An empty type matches
// any task.
func (s *Store) LatestSentTask(ctx context.Context, deviceID string, taskType models.TaskType) (*models.Task, error) {
	var row *sql.Row
	if taskType == "" {
		row = s.db.QueryRowContext(ctx, taskColumns+`
			WHERE device_id = ? AND status = 'sent'
			ORDER BY created_at DESC, id DESC LIMIT 1
		`, deviceID)
	} else {
		row = s.db.QueryRowContext(ctx, taskColumns+`
			WHERE device_id = ? AND status = 'sent' AND type = ?
			ORDER BY created_at DESC, id DESC LIMIT 1
		`, deviceID, taskType)
	}
	task, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return task, err
}

// AdvanceTaskStatus moves a task from one status to another as a single
// conditional update. It fails with ErrConflict when the task is not in
// the expected from status, which serializes dispatch across
// concurrent sessions.
func (s *Store) AdvanceTaskStatus(ctx context.Context, taskID int64, from, to models.TaskStatus, result []byte, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			result = CASE WHEN ? != '' THEN ? ELSE result END,
			error = CASE WHEN ? != '' THEN ? ELSE error END,
			completed_at = CASE WHEN ? IN ('completed', 'failed') THEN ? ELSE completed_at END
		WHERE id = ? AND status = ?
	`, to, string(result), string(result), errMsg, errMsg, to, time.Now().UTC(), taskID, from)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrConflict)
}

// ListTasks returns the task history for a device, newest first.
func (s *Store) ListTasks(ctx context.Context, deviceID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskColumns+`
		WHERE device_id = ? ORDER BY created_at DESC, id DESC
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

const taskColumns = `
	SELECT id, device_id, type, status,
		   COALESCE(parameters, ''), COALESCE(result, ''), COALESCE(error, ''),
		   created_at, completed_at
	FROM tasks`

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var params, result string
	err := row.Scan(&t.ID, &t.DeviceID, &t.Type, &t.Status, &params, &result, &t.Error, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if params != "" {
		t.Parameters = json.RawMessage(params)
	}
	if result != "" {
		t.Result = json.RawMessage(result)
	}
	return &t, nil
}

// ============== Session Operations ==============

// CreateSession opens a session row for an accepted Inform.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	eventsJSON, _ := json.Marshal(sess.Events)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, device_id, started_at, events, message_count)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.DeviceID, sess.StartedAt.UTC(), string(eventsJSON), sess.MessageCount)
	return err
}

// BumpSession increments the exchanged-message counter of the latest
// open session for the device.
func (s *Store) BumpSession(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + 1
		WHERE id = (
			SELECT id FROM sessions WHERE device_id = ? AND ended_at IS NULL
			ORDER BY started_at DESC LIMIT 1
		)
	`, deviceID)
	return err
}

// CloseOpenSessions stamps ended_at on every open session for the
// device. Called when the engine returns an empty body.
func (s *Store) CloseOpenSessions(ctx context.Context, deviceID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ? WHERE device_id = ? AND ended_at IS NULL
	`, ts.UTC(), deviceID)
	return err
}

// ListSessions returns the session history for a device, newest first.
func (s *Store) ListSessions(ctx context.Context, deviceID string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, started_at, ended_at, COALESCE(events, '[]'), message_count
		FROM sessions WHERE device_id = ? ORDER BY started_at DESC
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var sess models.Session
		var eventsJSON string
		if err := rows.Scan(&sess.ID, &sess.DeviceID, &sess.StartedAt, &sess.EndedAt, &eventsJSON, &sess.MessageCount); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(eventsJSON), &sess.Events)
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// ============== Device Event Operations ==============

// AddDeviceEvent appends an audit-log entry for a device.
func (s *Store) AddDeviceEvent(ctx context.Context, deviceID, kind, message string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_events (device_id, kind, message, created_at)
		VALUES (?, ?, ?, ?)
	`, deviceID, kind, message, now.UTC())
	return err
}

// ListDeviceEvents returns the audit log for a device, newest first.
func (s *Store) ListDeviceEvents(ctx context.Context, deviceID string, limit int) ([]*models.DeviceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, kind, COALESCE(message, ''), created_at
		FROM device_events WHERE device_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.DeviceEvent
	for rows.Next() {
		var e models.DeviceEvent
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ============== Stats ==============

// Stats returns the device and task counters for the management API.
func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	var st models.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM devices),
			(SELECT COUNT(*) FROM devices WHERE online = 1),
			(SELECT COUNT(*) FROM devices WHERE online = 0),
			(SELECT COUNT(*) FROM tasks WHERE status = 'pending')
	`).Scan(&st.TotalDevices, &st.OnlineDevices, &st.OfflineDevices, &st.PendingTasks)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func oneRowOr(res sql.Result, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel
	}
	return nil
}
