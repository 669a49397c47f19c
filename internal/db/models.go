package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Scan job statuses. A job only ever moves forward through these.
const (
	ScanJobStatusSubmitted = "submitted"
	ScanJobStatusRunning   = "running"
	ScanJobStatusFailed    = "failed"
	ScanJobStatusCompleted = "completed"
)

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append(JSONB(nil), v...)
		return nil
	case string:
		*j = JSONB([]byte(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// String returns the JSON string.
func (j JSONB) String() string {
	return string(j)
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = append(JSONB(nil), data...)
	return nil
}

// NewJSONB marshals v into a JSONB value. A nil map becomes an empty object.
func NewJSONB(v map[string]interface{}) (JSONB, error) {
	if v == nil {
		return JSONB("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONB value: %w", err)
	}
	return JSONB(data), nil
}

// Map decodes the JSONB value into a generic map.
func (j JSONB) Map() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(j) == 0 || string(j) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(j, &out); err != nil {
		return nil, fmt.Errorf("failed to decode JSONB value: %w", err)
	}
	return out, nil
}

// ScanJob represents one dispatch attempt of a tool against a set of targets.
type ScanJob struct {
	ID               int64          `db:"id" json:"-"`
	JobID            string         `db:"job_id" json:"job_id"`
	Tool             string         `db:"tool" json:"tool"`
	Targets          pq.StringArray `db:"targets" json:"targets"`
	Options          JSONB          `db:"options" json:"options"`
	Status           string         `db:"status" json:"status"`
	DispatcherHandle *string        `db:"dispatcher_handle" json:"dispatcher_handle"`
	ErrorMessage     *string        `db:"error_message" json:"error_message"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// ScanResult represents one reported outcome for one target.
type ScanResult struct {
	ID           int64          `db:"id" json:"id"`
	Target       string         `db:"target" json:"target"`
	ResolvedIPs  pq.StringArray `db:"resolved_ips" json:"resolved_ips"`
	OpenPorts    pq.Int64Array  `db:"open_ports" json:"open_ports"`
	ScanMetadata JSONB          `db:"scan_metadata" json:"scan_metadata"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}
