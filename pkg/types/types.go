package types

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// ReachabilityStatus is the last known reachability state of a Device.
type ReachabilityStatus string

const (
	ReachabilityNever       ReachabilityStatus = "never"
	ReachabilityReachable   ReachabilityStatus = "reachable"
	ReachabilityUnreachable ReachabilityStatus = "unreachable"
)

// Device is a network endpoint that jobs target.
type Device struct {
	ID                     uuid.UUID
	Hostname               string
	Address                string
	Family                 string // device-family driver key, e.g. "ios", "junos"
	Port                   int
	TagIDs                 []uuid.UUID
	LastReachabilityStatus ReachabilityStatus
	LastUpdatedAt          time.Time
}

// Validate checks the Device invariants from the data model: address
// must parse as an IP or DNS name, port must be in 1..65535.
func (d *Device) Validate() error {
	if d.Address == "" {
		return fmt.Errorf("device %s: address is required", d.ID)
	}
	if net.ParseIP(d.Address) == nil {
		// Not an IP literal; accept as a DNS name if it is a syntactically
		// valid hostname. We do not perform a live lookup at validation
		// time since the device may not yet be resolvable.
		if !isValidHostname(d.Address) {
			return fmt.Errorf("device %s: address %q is neither a valid IP nor a valid DNS name", d.ID, d.Address)
		}
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("device %s: port %d out of range 1..65535", d.ID, d.Port)
	}
	return nil
}

func isValidHostname(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// TagType distinguishes tags applied to devices from tags applied to
// credentials, even though both share the same Tag entity shape.
type TagType string

const (
	TagTypeDevice     TagType = "device"
	TagTypeCredential TagType = "credential"
)

// Tag is a labeled grouping applied to devices and credentials.
type Tag struct {
	ID   uuid.UUID
	Name string
	Type TagType
}

// Credential holds an encrypted secret plus ordering and outcome
// counters used by the credential resolver.
type Credential struct {
	ID              uuid.UUID
	Username        string
	EncryptedSecret []byte
	Priority        int
	TagIDs          []uuid.UUID
	SuccessCount    int64
	FailureCount    int64
	LastUsedAt      time.Time
}

// ScheduleKind identifies which of the three schedule descriptor
// shapes a JobDefinition carries.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleOneTime  ScheduleKind = "onetime"
)

// Schedule is the job definition's fire-time descriptor. Exactly the
// field matching Kind is meaningful; the others are zero.
type Schedule struct {
	Kind           ScheduleKind
	IntervalSecs   int64
	CronExpression string
	OneTimeAt      time.Time
	// FireImmediately overrides the interval schedule's "next = now +
	// period at startup" default to fire once at process start.
	FireImmediately bool
}

// Target selects the devices a JobDefinition applies to: either one
// explicit device, or the set of devices whose tags intersect TagIDs.
// Exactly one of DeviceID / TagIDs is set.
type Target struct {
	DeviceID uuid.UUID
	TagIDs   []uuid.UUID
}

func (t Target) IsDevice() bool { return t.DeviceID != uuid.Nil }

// Validate enforces "exactly one of device/tags is set".
func (t Target) Validate() error {
	hasDevice := t.DeviceID != uuid.Nil
	hasTags := len(t.TagIDs) > 0
	if hasDevice == hasTags {
		return fmt.Errorf("target must set exactly one of device id or tag ids")
	}
	return nil
}

// JobDefinition is the persistent blueprint for a recurring or
// one-time unit of work against a target device set.
type JobDefinition struct {
	ID         uuid.UUID
	Name       string
	Type       string // registry key, e.g. "backup", "reachability"
	Target     Target
	Schedule   Schedule
	Enabled    bool
	Parameters map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobRunStatus is the terminal/non-terminal status of a JobRun.
type JobRunStatus string

const (
	JobRunPending                   JobRunStatus = "PENDING"
	JobRunRunning                   JobRunStatus = "RUNNING"
	JobRunCompletedSuccess          JobRunStatus = "COMPLETED_SUCCESS"
	JobRunCompletedPartialFailure   JobRunStatus = "COMPLETED_PARTIAL_FAILURE"
	JobRunCompletedFailure          JobRunStatus = "COMPLETED_FAILURE"
	JobRunCompletedNoDevices        JobRunStatus = "COMPLETED_NO_DEVICES"
	JobRunCompletedNoCredentials    JobRunStatus = "COMPLETED_NO_CREDENTIALS"
	JobRunFailedDispatcherError     JobRunStatus = "FAILED_DISPATCHER_ERROR"
	JobRunFailedUnexpected          JobRunStatus = "FAILED_UNEXPECTED"
)

// IsTerminal reports whether status is one the JobRun never leaves.
func (s JobRunStatus) IsTerminal() bool {
	switch s {
	case JobRunPending, JobRunRunning:
		return false
	default:
		return true
	}
}

// JobRun is one execution instance of a JobDefinition.
type JobRun struct {
	ID              uuid.UUID
	JobDefinitionID uuid.UUID
	Status          JobRunStatus
	StartedAt       time.Time
	CompletedAt     time.Time
	// RestrictToDeviceIDs is set on retry-failed runs to limit the
	// target resolution to a fixed device set rather than re-resolving
	// the job definition's full target.
	RestrictToDeviceIDs []uuid.UUID
	TotalDevices        int
	SucceededDevices    int
	FailedDevices       int
}

// DeviceResultStatus is the per-device outcome status within a run.
type DeviceResultStatus string

const (
	DeviceResultPending   DeviceResultStatus = "PENDING"
	DeviceResultRunning   DeviceResultStatus = "RUNNING"
	DeviceResultCompleted DeviceResultStatus = "COMPLETED"
	DeviceResultFailed    DeviceResultStatus = "FAILED"
)

func (s DeviceResultStatus) IsTerminal() bool {
	return s == DeviceResultCompleted || s == DeviceResultFailed
}

// Well-known per-device failure reasons recorded in DeviceResult.Error.
const (
	ReasonUnreachable     = "unreachable"
	ReasonNoCredentials   = "no_credentials"
	ReasonAuthExhausted   = "auth_exhausted"
	ReasonUnknownJobType  = "unknown_job_type"
	ReasonCancelled       = "cancelled"
	ReasonInterrupted     = "interrupted"
)

// DeviceResult is the per-device outcome within a JobRun.
type DeviceResult struct {
	JobRunID     uuid.UUID
	DeviceID     uuid.UUID
	Status       DeviceResultStatus
	StartedAt    time.Time
	CompletedAt  time.Time
	Payload      map[string]any
	Error        string
	CredentialID *uuid.UUID
}

// LogLevel mirrors the spec's job-log severity scale.
type LogLevel string

const (
	LogDebug    LogLevel = "debug"
	LogInfo     LogLevel = "info"
	LogWarning  LogLevel = "warning"
	LogError    LogLevel = "error"
	LogCritical LogLevel = "critical"
)

// LogCategory classifies which subsystem emitted a JobLogEntry.
type LogCategory string

const (
	CategoryJob        LogCategory = "job"
	CategoryConnection LogCategory = "connection"
	CategoryHandler    LogCategory = "handler"
	CategoryDispatcher LogCategory = "dispatcher"
)

// JobLogEntry is one structured audit line belonging to a JobRun.
type JobLogEntry struct {
	JobRunID  uuid.UUID
	DeviceID  *uuid.UUID
	Sequence  uint64 // monotonically increasing per (JobRunID, DeviceID)
	Timestamp time.Time
	Level     LogLevel
	Category  LogCategory
	Message   string
	Context   map[string]string
}

// ConfigArtifact is the opaque content produced by the backup handler,
// stored once per distinct content hash.
type ConfigArtifact struct {
	ContentHash string
	DeviceID    uuid.UUID
	JobRunID    uuid.UUID
	Bytes       int64
	RetrievedAt time.Time
}
