// Package storage defines the Repository interface the job execution
// core consumes for everything it reads and writes: job definitions,
// job runs, device results, job log entries, credential counters, and
// content-addressed artifact blobs. Two implementations ship in
// subpackages: boltstore (embedded, zero external dependencies) and
// pgstore (PostgreSQL, for multi-instance deployments).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/netraven/netraven/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("storage: not found")

// Repository is the datastore contract spec.md §6 requires of the
// core's environment. Implementations may be SQL-backed or embedded;
// the core only depends on these semantics.
type Repository interface {
	// Job definitions
	ListActiveJobDefinitions(ctx context.Context) ([]*types.JobDefinition, error)
	GetJobDefinition(ctx context.Context, id uuid.UUID) (*types.JobDefinition, error)
	CreateJobDefinition(ctx context.Context, def *types.JobDefinition) error
	UpdateJobDefinition(ctx context.Context, def *types.JobDefinition) error

	// Devices and tags
	GetDevice(ctx context.Context, id uuid.UUID) (*types.Device, error)
	ResolveDevicesForTarget(ctx context.Context, target types.Target) ([]*types.Device, error)
	UpdateDeviceReachability(ctx context.Context, id uuid.UUID, status types.ReachabilityStatus, at time.Time) error

	// Credentials
	ListCredentialsForDevice(ctx context.Context, deviceID uuid.UUID) ([]*types.Credential, error)
	DecryptSecret(ctx context.Context, ciphertext []byte) ([]byte, error)
	RecordCredentialOutcome(ctx context.Context, credentialID uuid.UUID, tagID *uuid.UUID, success bool) error

	// Job runs: CreateJobRun is atomic with the overlap-guard check —
	// it returns created=false (and a nil run) when a RUNNING or
	// PENDING run already exists for jobDefID.
	CreateJobRun(ctx context.Context, jobDefID uuid.UUID, restrictToDeviceIDs []uuid.UUID) (run *types.JobRun, created bool, err error)
	GetJobRun(ctx context.Context, id uuid.UUID) (*types.JobRun, error)
	SetJobRunStatus(ctx context.Context, id uuid.UUID, status types.JobRunStatus, completedAt *time.Time) error
	ListPendingOrRunningJobRunsFor(ctx context.Context, jobDefID uuid.UUID) ([]*types.JobRun, error)
	ListRunningJobRuns(ctx context.Context) ([]*types.JobRun, error)

	// Device results
	UpsertDeviceResult(ctx context.Context, result *types.DeviceResult) error
	ListDeviceResultsForJobRun(ctx context.Context, jobRunID uuid.UUID) ([]*types.DeviceResult, error)

	// Job log
	AppendJobLog(ctx context.Context, entry types.JobLogEntry) error

	// Content-addressed artifact blobs
	PutBlob(ctx context.Context, hash string, data []byte) (stored bool, err error)
	HasBlob(ctx context.Context, hash string) (bool, error)
	GetBlob(ctx context.Context, hash string) ([]byte, error)
	RecordArtifact(ctx context.Context, artifact types.ConfigArtifact) error

	Close() error
}
