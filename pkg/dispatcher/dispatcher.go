// Package dispatcher expands a job run to its target device set, runs
// a bounded-concurrency pipeline per device, and aggregates the
// per-device outcomes into the job run's terminal status.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/netraven/netraven/pkg/credentials"
	"github.com/netraven/netraven/pkg/handlers"
	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/logstream"
	"github.com/netraven/netraven/pkg/metrics"
	"github.com/netraven/netraven/pkg/session"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
)

// Config holds the dispatcher's tunables.
type Config struct {
	MaxConcurrentDevices int
}

// DefaultConfig returns the spec-mandated default of 3 concurrent
// device workers per job run.
func DefaultConfig() Config {
	return Config{MaxConcurrentDevices: 3}
}

var tracer = otel.Tracer("github.com/netraven/netraven/pkg/dispatcher")

// Dispatcher runs job runs to completion against a Repository, a
// handler Registry, a session Opener, and a credential Resolver.
type Dispatcher struct {
	repo      storage.Repository
	registry  *handlers.Registry
	opener    *session.Opener
	resolver  *credentials.Resolver
	hub       *logstream.Hub
	cfg       Config

	mu        sync.Mutex
	cancelled map[uuid.UUID]bool

	logSeq atomic.Uint64
}

// New builds a Dispatcher.
func New(repo storage.Repository, registry *handlers.Registry, opener *session.Opener, resolver *credentials.Resolver, hub *logstream.Hub, cfg Config) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		registry:  registry,
		opener:    opener,
		resolver:  resolver,
		hub:       hub,
		cfg:       cfg,
		cancelled: make(map[uuid.UUID]bool),
	}
}

// Cancel flips the cooperative cancellation flag for runID. Workers
// already in flight for that run observe it at the next pipeline step
// boundary.
func (d *Dispatcher) Cancel(runID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled[runID] = true
}

func (d *Dispatcher) isCancelled(runID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[runID]
}

func (d *Dispatcher) clearCancelled(runID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cancelled, runID)
}

// Dispatch runs run to completion. Precondition: run.Status == PENDING.
func (d *Dispatcher) Dispatch(ctx context.Context, run *types.JobRun) {
	defer d.clearCancelled(run.ID)

	ctx, span := tracer.Start(ctx, "dispatcher.dispatch", trace.WithAttributes(
		attribute.String("job_run_id", run.ID.String()),
	))
	defer span.End()

	def, err := d.repo.GetJobDefinition(ctx, run.JobDefinitionID)
	if err != nil {
		d.fail(ctx, run, "", types.JobRunFailedDispatcherError, fmt.Errorf("load job definition: %w", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "load job definition")
		return
	}

	if err := d.repo.SetJobRunStatus(ctx, run.ID, types.JobRunRunning, nil); err != nil {
		d.fail(ctx, run, def.Type, types.JobRunFailedDispatcherError, fmt.Errorf("transition to running: %w", err))
		span.RecordError(err)
		return
	}
	d.logEvent(run.ID, nil, types.LogInfo, types.CategoryDispatcher, "job run started", nil)

	devices, err := d.resolveDevices(ctx, def, run)
	if err != nil {
		d.fail(ctx, run, def.Type, types.JobRunFailedDispatcherError, fmt.Errorf("resolve devices: %w", err))
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.Int("device_count", len(devices)))

	if len(devices) == 0 {
		d.finalize(ctx, run, def.Type, types.JobRunCompletedNoDevices)
		return
	}

	for _, device := range devices {
		result := &types.DeviceResult{
			JobRunID:  run.ID,
			DeviceID:  device.ID,
			Status:    types.DeviceResultPending,
			StartedAt: time.Now().UTC(),
		}
		if err := d.repo.UpsertDeviceResult(ctx, result); err != nil {
			d.fail(ctx, run, def.Type, types.JobRunFailedDispatcherError, fmt.Errorf("seed device result: %w", err))
			span.RecordError(err)
			return
		}
	}

	outcomes := d.runWorkers(ctx, run, def, devices)
	d.aggregate(ctx, run, def.Type, devices, outcomes)
}

// deviceOutcome is the terminal classification of one device's pipeline run.
type deviceOutcome struct {
	deviceID uuid.UUID
	status   types.DeviceResultStatus
	reason   string
}

func (d *Dispatcher) resolveDevices(ctx context.Context, def *types.JobDefinition, run *types.JobRun) ([]*types.Device, error) {
	if len(run.RestrictToDeviceIDs) > 0 {
		devices := make([]*types.Device, 0, len(run.RestrictToDeviceIDs))
		seen := make(map[uuid.UUID]bool)
		for _, id := range run.RestrictToDeviceIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			device, err := d.repo.GetDevice(ctx, id)
			if err != nil {
				return nil, err
			}
			devices = append(devices, device)
		}
		return devices, nil
	}

	devices, err := d.repo.ResolveDevicesForTarget(ctx, def.Target)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(devices))
	deduped := make([]*types.Device, 0, len(devices))
	for _, device := range devices {
		if seen[device.ID] {
			continue
		}
		seen[device.ID] = true
		deduped = append(deduped, device)
	}
	return deduped, nil
}

func (d *Dispatcher) runWorkers(ctx context.Context, run *types.JobRun, def *types.JobDefinition, devices []*types.Device) []deviceOutcome {
	sem := make(chan struct{}, d.cfg.MaxConcurrentDevices)
	outcomes := make([]deviceOutcome, len(devices))
	var wg sync.WaitGroup

	for i, device := range devices {
		if d.isCancelled(run.ID) {
			outcomes[i] = d.markCancelled(ctx, run, device)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		metrics.ActiveWorkers.Inc()
		go func(i int, device *types.Device) {
			defer wg.Done()
			defer func() { <-sem; metrics.ActiveWorkers.Dec() }()
			outcomes[i] = d.runDeviceWorker(ctx, run, def, device)
		}(i, device)
	}

	wg.Wait()
	return outcomes
}

func (d *Dispatcher) markCancelled(ctx context.Context, run *types.JobRun, device *types.Device) deviceOutcome {
	now := time.Now().UTC()
	result := &types.DeviceResult{
		JobRunID: run.ID, DeviceID: device.ID, Status: types.DeviceResultFailed,
		StartedAt: now, CompletedAt: now, Error: types.ReasonCancelled,
	}
	_ = d.repo.UpsertDeviceResult(ctx, result)
	metrics.DevicesProcessedTotal.WithLabelValues("failed", types.ReasonCancelled).Inc()
	return deviceOutcome{deviceID: device.ID, status: types.DeviceResultFailed, reason: types.ReasonCancelled}
}

// recordReachability persists a reachability handler's probe verdict
// onto the device record even when the device has never been
// reached, per spec.md §9: last_reachability_status reflects the
// probe outcome whether or not any credential is ever consumed.
func (d *Dispatcher) recordReachability(ctx context.Context, deviceID uuid.UUID, payload map[string]any, logEntry func(types.LogLevel, types.LogCategory, string)) {
	status := types.ReachabilityUnreachable
	if icmp, _ := payload["icmp"].(bool); icmp {
		status = types.ReachabilityReachable
	} else if tcp22, _ := payload["tcp_22"].(bool); tcp22 {
		status = types.ReachabilityReachable
	} else if tcp443, _ := payload["tcp_443"].(bool); tcp443 {
		status = types.ReachabilityReachable
	}
	if err := d.repo.UpdateDeviceReachability(ctx, deviceID, status, time.Now().UTC()); err != nil {
		logEntry(types.LogWarning, types.CategoryDispatcher, "failed to record reachability: "+err.Error())
	}
}

// runDeviceWorker executes steps (a)-(h) of the per-device pipeline.
func (d *Dispatcher) runDeviceWorker(ctx context.Context, run *types.JobRun, def *types.JobDefinition, device *types.Device) deviceOutcome {
	ctx, span := tracer.Start(ctx, "dispatcher.device", trace.WithAttributes(
		attribute.String("job_run_id", run.ID.String()),
		attribute.String("device_id", device.ID.String()),
	))
	defer span.End()

	var seq atomic.Uint64
	logEntry := func(level types.LogLevel, category types.LogCategory, msg string) {
		d.logEvent(run.ID, &device.ID, level, category, msg, map[string]string{"sequence": fmt.Sprint(seq.Add(1))})
	}

	startedAt := time.Now().UTC()
	result := &types.DeviceResult{JobRunID: run.ID, DeviceID: device.ID, Status: types.DeviceResultRunning, StartedAt: startedAt}
	if err := d.repo.UpsertDeviceResult(ctx, result); err != nil {
		logEntry(types.LogError, types.CategoryDispatcher, "failed to record running transition: "+err.Error())
	}

	finish := func(status types.DeviceResultStatus, reason string, payload map[string]any, credentialID *uuid.UUID) deviceOutcome {
		result.Status = status
		result.CompletedAt = time.Now().UTC()
		result.Error = reason
		result.Payload = payload
		result.CredentialID = credentialID
		if err := d.repo.UpsertDeviceResult(ctx, result); err != nil {
			logEntry(types.LogError, types.CategoryDispatcher, "failed to record final status: "+err.Error())
		}
		label := "completed"
		if status == types.DeviceResultFailed {
			label = "failed"
		}
		metrics.DevicesProcessedTotal.WithLabelValues(label, reason).Inc()
		if reason != "" {
			span.SetAttributes(attribute.String("reason", reason))
		}
		return deviceOutcome{deviceID: device.ID, status: status, reason: reason}
	}

	handler, ok := d.registry.Get(def.Type)
	if !ok {
		logEntry(types.LogError, types.CategoryDispatcher, "unknown job type "+def.Type)
		return finish(types.DeviceResultFailed, types.ReasonUnknownJobType, nil, nil)
	}

	meta := handler.Metadata()
	if !meta.RequiresSession {
		execTimer := metrics.NewTimer()
		payload, err := handler.Execute(ctx, handlers.ExecRequest{Device: device, Params: def.Parameters})
		execTimer.ObserveDurationVec(metrics.HandlerExecutionDuration, def.Type)
		if err != nil {
			logEntry(types.LogError, types.CategoryHandler, "handler error: "+err.Error())
			return finish(types.DeviceResultFailed, err.Error(), nil, nil)
		}
		if def.Type == handlers.ReachabilityType {
			d.recordReachability(ctx, device.ID, payload, logEntry)
		}
		logEntry(types.LogInfo, types.CategoryHandler, "handler completed")
		return finish(types.DeviceResultCompleted, "", payload, nil)
	}

	if d.isCancelled(run.ID) {
		return finish(types.DeviceResultFailed, types.ReasonCancelled, nil, nil)
	}

	sequence, err := d.resolver.Resolve(ctx, device)
	if err != nil {
		if errors.Is(err, credentials.ErrNoCandidates) {
			logEntry(types.LogWarning, types.CategoryConnection, "no credentials available")
			return finish(types.DeviceResultFailed, types.ReasonNoCredentials, nil, nil)
		}
		logEntry(types.LogError, types.CategoryConnection, "credential resolution error: "+err.Error())
		return finish(types.DeviceResultFailed, err.Error(), nil, nil)
	}

	sess, candidateID, outcome, ok := d.openSession(ctx, sequence, device, logEntry)
	if !ok {
		return finish(outcome.status, outcome.reason, nil, nil)
	}
	defer func() {
		_ = sess.Close()
		logEntry(types.LogInfo, types.CategoryConnection, "disconnected")
	}()

	if d.isCancelled(run.ID) {
		return finish(types.DeviceResultFailed, types.ReasonCancelled, nil, &candidateID)
	}

	execTimer := metrics.NewTimer()
	payload, err := handler.Execute(ctx, handlers.ExecRequest{Device: device, Session: sess, Params: def.Parameters})
	execTimer.ObserveDurationVec(metrics.HandlerExecutionDuration, def.Type)
	if err != nil {
		logEntry(types.LogError, types.CategoryHandler, "handler error: "+err.Error())
		return finish(types.DeviceResultFailed, err.Error(), nil, &candidateID)
	}
	logEntry(types.LogInfo, types.CategoryHandler, "handler completed")
	return finish(types.DeviceResultCompleted, "", payload, &candidateID)
}

// openSession iterates credential candidates per spec step (d)/(e):
// AuthFailed rotates to the next candidate; Unreachable aborts the
// device immediately; exhaustion with only auth failures is
// auth_exhausted.
func (d *Dispatcher) openSession(ctx context.Context, sequence *credentials.Sequence, device *types.Device, logEntry func(types.LogLevel, types.LogCategory, string)) (session.Session, uuid.UUID, deviceOutcome, bool) {
	for {
		candidate, err := sequence.Next(ctx)
		if err != nil {
			var decErr *credentials.DecryptError
			if errors.As(err, &decErr) {
				logEntry(types.LogError, types.CategoryConnection, "credential decrypt failed: "+err.Error())
				continue
			}
			logEntry(types.LogError, types.CategoryConnection, "credential sequence error: "+err.Error())
			return nil, uuid.Nil, deviceOutcome{deviceID: device.ID, status: types.DeviceResultFailed, reason: err.Error()}, false
		}
		if candidate == nil {
			logEntry(types.LogWarning, types.CategoryConnection, "all credentials exhausted")
			return nil, uuid.Nil, deviceOutcome{deviceID: device.ID, status: types.DeviceResultFailed, reason: types.ReasonAuthExhausted}, false
		}

		timer := metrics.NewTimer()
		sess, _, err := d.opener.Open(ctx, device, candidate.Username, candidate.Secret)
		timer.ObserveDuration(metrics.SessionConnectDuration)
		if err == nil {
			_ = candidate.RecordOutcome(ctx, true)
			metrics.CredentialRotationsTotal.WithLabelValues("success").Inc()
			return sess, candidate.CredentialID, deviceOutcome{}, true
		}

		if errors.Is(err, session.ErrUnreachable) {
			logEntry(types.LogWarning, types.CategoryConnection, "device unreachable")
			return nil, uuid.Nil, deviceOutcome{deviceID: device.ID, status: types.DeviceResultFailed, reason: types.ReasonUnreachable}, false
		}
		if errors.Is(err, session.ErrAuthFailed) {
			_ = candidate.RecordOutcome(ctx, false)
			metrics.CredentialRotationsTotal.WithLabelValues("auth_failed").Inc()
			logEntry(types.LogWarning, types.CategoryConnection, "authentication failed, rotating credential")
			continue
		}

		logEntry(types.LogError, types.CategoryConnection, "session open failed: "+err.Error())
		return nil, uuid.Nil, deviceOutcome{deviceID: device.ID, status: types.DeviceResultFailed, reason: err.Error()}, false
	}
}

// aggregate applies the spec's N/S/F aggregation table and stamps the
// run's terminal status.
func (d *Dispatcher) aggregate(ctx context.Context, run *types.JobRun, jobType string, devices []*types.Device, outcomes []deviceOutcome) {
	n := len(devices)
	var succeeded, failed, onlyNoCreds int
	for _, o := range outcomes {
		switch o.status {
		case types.DeviceResultCompleted:
			succeeded++
		case types.DeviceResultFailed:
			failed++
			if o.reason == types.ReasonNoCredentials {
				onlyNoCreds++
			}
		default:
			d.fail(ctx, run, jobType, types.JobRunFailedUnexpected, fmt.Errorf("device %s left in non-terminal status %s", o.deviceID, o.status))
			return
		}
	}

	var status types.JobRunStatus
	switch {
	case n == 0:
		status = types.JobRunCompletedNoDevices
	case succeeded == n:
		status = types.JobRunCompletedSuccess
	case failed == n && onlyNoCreds == n:
		status = types.JobRunCompletedNoCredentials
	case failed == n:
		status = types.JobRunCompletedFailure
	case succeeded > 0 && succeeded < n:
		status = types.JobRunCompletedPartialFailure
	default:
		status = types.JobRunFailedUnexpected
	}

	run.TotalDevices = n
	run.SucceededDevices = succeeded
	run.FailedDevices = failed
	d.finalize(ctx, run, jobType, status)
}

func (d *Dispatcher) finalize(ctx context.Context, run *types.JobRun, jobType string, status types.JobRunStatus) {
	now := time.Now().UTC()
	if err := d.repo.SetJobRunStatus(ctx, run.ID, status, &now); err != nil {
		log.Error(fmt.Sprintf("dispatcher: finalize job run %s: %v", run.ID, err))
	}
	metrics.JobRunsTotal.WithLabelValues(string(status), jobType).Inc()
	d.logEvent(run.ID, nil, types.LogInfo, types.CategoryDispatcher, fmt.Sprintf("job run finished: %s", status), nil)
}

func (d *Dispatcher) fail(ctx context.Context, run *types.JobRun, jobType string, status types.JobRunStatus, err error) {
	now := time.Now().UTC()
	_ = d.repo.SetJobRunStatus(ctx, run.ID, status, &now)
	metrics.JobRunsTotal.WithLabelValues(string(status), jobType).Inc()
	d.logEvent(run.ID, nil, types.LogCritical, types.CategoryDispatcher, "dispatcher error: "+err.Error(), nil)
}

func (d *Dispatcher) logEvent(runID uuid.UUID, deviceID *uuid.UUID, level types.LogLevel, category types.LogCategory, message string, logContext map[string]string) {
	entry := types.JobLogEntry{
		JobRunID:  runID,
		DeviceID:  deviceID,
		Sequence:  d.logSeq.Add(1),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Category:  category,
		Message:   message,
		Context:   logContext,
	}
	if d.hub != nil {
		d.hub.Publish(entry)
	}
	if err := d.repo.AppendJobLog(context.Background(), entry); err != nil {
		log.Error(fmt.Sprintf("dispatcher: append job log: %v", err))
	}
}

// RetryFailed creates a new JobRun restricted to run's FAILED devices.
func (d *Dispatcher) RetryFailed(ctx context.Context, runID uuid.UUID) (*types.JobRun, error) {
	run, err := d.repo.GetJobRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: retry failed: load run: %w", err)
	}
	if !run.Status.IsTerminal() {
		return nil, fmt.Errorf("dispatcher: retry failed: job run %s is not terminal", runID)
	}

	results, err := d.repo.ListDeviceResultsForJobRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: retry failed: list device results: %w", err)
	}
	var failedDevices []uuid.UUID
	for _, r := range results {
		if r.Status == types.DeviceResultFailed {
			failedDevices = append(failedDevices, r.DeviceID)
		}
	}
	if len(failedDevices) == 0 {
		return nil, fmt.Errorf("dispatcher: retry failed: job run %s has no failed devices", runID)
	}

	newRun, created, err := d.repo.CreateJobRun(ctx, run.JobDefinitionID, failedDevices)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: retry failed: create job run: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("dispatcher: retry failed: a run is already active for job definition %s", run.JobDefinitionID)
	}
	return newRun, nil
}
