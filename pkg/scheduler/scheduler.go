// Package scheduler computes fire times for job definitions and hands
// due job runs off to a dispatcher, bounded by a process-wide
// concurrency cap. It owns a single goroutine driven by a command
// channel rather than a shared mutable queue.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/logstream"
	"github.com/netraven/netraven/pkg/metrics"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
)

// Dispatcher is the subset of pkg/dispatcher's Dispatcher the
// scheduler depends on. Kept narrow so tests can supply a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *types.JobRun)
	Cancel(runID uuid.UUID)
}

// Config holds the scheduler's tunables.
type Config struct {
	MaxConcurrentJobRuns int
}

// DefaultConfig returns the spec-mandated default of 8 simultaneous
// RUNNING job runs across the whole process.
func DefaultConfig() Config {
	return Config{MaxConcurrentJobRuns: 8}
}

// cronParser accepts exactly the standard 5-field dialect (minute hour
// day-of-month month day-of-week), in UTC. No seconds field, no
// predefined descriptors like "@hourly".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler is the single owner of the next-fire queue. All queue
// mutation happens on its run goroutine; callers communicate through
// Reload/CancelRun/Shutdown, which enqueue commands rather than
// touching scheduler state directly.
type Scheduler struct {
	repo       storage.Repository
	dispatcher Dispatcher
	hub        *logstream.Hub
	cfg        Config
	logger     zerolog.Logger

	cmdCh  chan any
	stopCh chan struct{}
	doneCh chan struct{}

	sem chan struct{}
	wg  sync.WaitGroup

	// lastFire and nextFire are only ever touched from the run
	// goroutine.
	lastFire map[uuid.UUID]time.Time
	nextFire map[uuid.UUID]time.Time
}

type reloadCmd struct{ defID uuid.UUID }
type cancelCmd struct{ runID uuid.UUID }

// New builds a Scheduler. Start must be called before it fires
// anything.
func New(repo storage.Repository, dispatcher Dispatcher, hub *logstream.Hub, cfg Config) *Scheduler {
	if cfg.MaxConcurrentJobRuns <= 0 {
		cfg.MaxConcurrentJobRuns = DefaultConfig().MaxConcurrentJobRuns
	}
	return &Scheduler{
		repo:       repo,
		dispatcher: dispatcher,
		hub:        hub,
		cfg:        cfg,
		logger:     log.WithComponent("scheduler"),
		cmdCh:      make(chan any, 64),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		sem:        make(chan struct{}, cfg.MaxConcurrentJobRuns),
		lastFire:   make(map[uuid.UUID]time.Time),
		nextFire:   make(map[uuid.UUID]time.Time),
	}
}

// Start recovers any job runs left RUNNING by a prior crash, seeds the
// next-fire queue from the active job definitions, and launches the
// owner goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recoverCrashed(ctx); err != nil {
		return fmt.Errorf("scheduler: recover crashed runs: %w", err)
	}

	defs, err := s.repo.ListActiveJobDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list active job definitions: %w", err)
	}
	now := time.Now().UTC()
	for _, def := range defs {
		s.seed(def, now)
	}

	go s.run(ctx)
	return nil
}

// Shutdown stops the owner goroutine and waits for any in-flight
// Dispatch calls it launched to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	<-s.doneCh

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload tells the scheduler to re-fetch defID and recompute its
// queue entry. Call after creating, updating, enabling, or disabling a
// job definition.
func (s *Scheduler) Reload(defID uuid.UUID) {
	select {
	case s.cmdCh <- reloadCmd{defID: defID}:
	case <-s.stopCh:
	}
}

// CancelRun propagates a cancellation to the dispatcher. The
// scheduler's own queue is unaffected: cancelling a run doesn't change
// when its job definition next fires.
func (s *Scheduler) CancelRun(runID uuid.UUID) {
	s.dispatcher.Cancel(runID)
	select {
	case s.cmdCh <- cancelCmd{runID: runID}:
	case <-s.stopCh:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case cmd := <-s.cmdCh:
			switch c := cmd.(type) {
			case reloadCmd:
				s.handleReload(ctx, c.defID)
			case cancelCmd:
				// Dispatch cancellation already happened in CancelRun;
				// nothing further to do against the fire queue.
			}
			resetTimer(timer, s.untilNext())
		case <-timer.C:
			timerStart := time.Now()
			s.fireDue(ctx)
			metrics.SchedulerFireLoopDuration.Observe(time.Since(timerStart).Seconds())
			resetTimer(timer, s.untilNext())
		}
	}
}

// untilNext returns how long to sleep before the earliest queued
// fire, clamped to a minimum of one second and a maximum of one
// minute so newly Reload-ed definitions are never missed by more than
// a minute even if the queue is momentarily empty.
func (s *Scheduler) untilNext() time.Duration {
	if len(s.nextFire) == 0 {
		return time.Minute
	}
	earliest := time.Time{}
	for _, at := range s.nextFire {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	d := time.Until(earliest)
	if d < time.Second {
		return time.Second
	}
	if d > time.Minute {
		return time.Minute
	}
	return d
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// seed computes def's initial queue entry at startup, honoring
// FireImmediately for interval schedules.
func (s *Scheduler) seed(def *types.JobDefinition, now time.Time) {
	at, err := computeNextFire(def, time.Time{}, now)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_definition_id", def.ID.String()).Msg("skipping job definition with invalid schedule")
		return
	}
	s.nextFire[def.ID] = at
}

func (s *Scheduler) handleReload(ctx context.Context, defID uuid.UUID) {
	def, err := s.repo.GetJobDefinition(ctx, defID)
	if err != nil {
		delete(s.nextFire, defID)
		delete(s.lastFire, defID)
		return
	}
	if !def.Enabled {
		delete(s.nextFire, defID)
		return
	}
	at, err := computeNextFire(def, s.lastFire[defID], time.Now().UTC())
	if err != nil {
		s.logger.Warn().Err(err).Str("job_definition_id", defID.String()).Msg("invalid schedule on reload")
		delete(s.nextFire, defID)
		return
	}
	s.nextFire[defID] = at
}

// fireDue processes every queue entry whose fire time has arrived,
// oldest first. Each is either launched, skipped for overlap, or
// skipped for lack of spare dispatch capacity; skipped entries are
// recomputed from now rather than left to fire immediately again (a
// one-time entry that has not fired yet stays due).
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now().UTC()
	due := make([]uuid.UUID, 0)
	for defID, at := range s.nextFire {
		if !at.After(now) {
			due = append(due, defID)
		}
	}
	sort.Slice(due, func(i, j int) bool { return s.nextFire[due[i]].Before(s.nextFire[due[j]]) })

	for _, defID := range due {
		s.fireOne(ctx, defID, now)
	}
}

func (s *Scheduler) fireOne(ctx context.Context, defID uuid.UUID, now time.Time) {
	def, err := s.repo.GetJobDefinition(ctx, defID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_definition_id", defID.String()).Msg("job definition disappeared, dropping from queue")
		delete(s.nextFire, defID)
		return
	}
	if !def.Enabled {
		delete(s.nextFire, defID)
		return
	}

	existing, err := s.repo.ListPendingOrRunningJobRunsFor(ctx, defID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_definition_id", defID.String()).Msg("checking for overlapping job run")
		s.rescheduleFrom(def, now)
		return
	}
	if len(existing) > 0 {
		metrics.SchedulerOverlapSkipsTotal.WithLabelValues(defID.String()).Inc()
		s.logger.Warn().Str("job_definition_id", defID.String()).Msg("skipping fire: prior run still active")
		s.rescheduleFrom(def, now)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		s.logger.Warn().Str("job_definition_id", defID.String()).Msg("skipping fire: process-wide job run concurrency cap reached")
		s.rescheduleFrom(def, now)
		return
	}

	run, created, err := s.repo.CreateJobRun(ctx, defID, nil)
	if err != nil || !created {
		<-s.sem
		if err != nil {
			s.logger.Error().Err(err).Str("job_definition_id", defID.String()).Msg("creating job run")
		}
		s.rescheduleFrom(def, now)
		return
	}

	s.lastFire[defID] = now
	s.rescheduleFrom(def, now)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.dispatcher.Dispatch(ctx, run)
	}()
}

func (s *Scheduler) rescheduleFrom(def *types.JobDefinition, now time.Time) {
	lastFire := s.lastFire[def.ID]
	if def.Schedule.Kind == types.ScheduleInterval && lastFire.Before(now) {
		// A skipped interval fire restarts its period at now.
		lastFire = now
	}
	at, err := computeNextFire(def, lastFire, now)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_definition_id", def.ID.String()).Msg("schedule became invalid, dropping from queue")
		delete(s.nextFire, def.ID)
		return
	}
	s.nextFire[def.ID] = at
}

// computeNextFire applies spec.md's per-kind fire-time rules.
// lastFire is the zero time when def has never fired in this process.
func computeNextFire(def *types.JobDefinition, lastFire, now time.Time) (time.Time, error) {
	switch def.Schedule.Kind {
	case types.ScheduleInterval:
		if def.Schedule.IntervalSecs <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: interval schedule requires a positive interval")
		}
		period := time.Duration(def.Schedule.IntervalSecs) * time.Second
		if lastFire.IsZero() {
			if def.Schedule.FireImmediately {
				return now, nil
			}
			return now.Add(period), nil
		}
		next := lastFire.Add(period)
		if next.Before(now) {
			next = now
		}
		return next, nil

	case types.ScheduleCron:
		schedule, err := cronParser.Parse(def.Schedule.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: parse cron expression: %w", err)
		}
		return schedule.Next(now).UTC(), nil

	case types.ScheduleOneTime:
		if !lastFire.IsZero() {
			return time.Time{}, fmt.Errorf("scheduler: onetime schedule already fired")
		}
		return def.Schedule.OneTimeAt.UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("scheduler: unknown schedule kind %q", def.Schedule.Kind)
	}
}

// recoverCrashed marks every job run left RUNNING by a prior process
// as FAILED_UNEXPECTED, and every non-terminal DeviceResult under it
// as FAILED/interrupted. It runs once at Start, before the queue is
// seeded or the owner goroutine starts.
func (s *Scheduler) recoverCrashed(ctx context.Context) error {
	runs, err := s.repo.ListRunningJobRuns(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, run := range runs {
		if err := s.repo.SetJobRunStatus(ctx, run.ID, types.JobRunFailedUnexpected, &now); err != nil {
			s.logger.Error().Err(err).Str("job_run_id", run.ID.String()).Msg("marking crashed job run FAILED_UNEXPECTED")
			continue
		}

		results, err := s.repo.ListDeviceResultsForJobRun(ctx, run.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("job_run_id", run.ID.String()).Msg("listing device results for crashed job run")
		}
		for _, result := range results {
			if result.Status.IsTerminal() {
				continue
			}
			result.Status = types.DeviceResultFailed
			result.Error = types.ReasonInterrupted
			result.CompletedAt = now
			if err := s.repo.UpsertDeviceResult(ctx, result); err != nil {
				s.logger.Error().Err(err).Str("job_run_id", run.ID.String()).Str("device_id", result.DeviceID.String()).Msg("marking interrupted device result")
			}
		}

		s.logEvent(run.ID, types.LogCritical, types.CategoryJob, "job run recovered_from_crash: process restarted while run was in progress")
		s.logger.Warn().Str("job_run_id", run.ID.String()).Msg("recovered crashed job run")
	}
	return nil
}

func (s *Scheduler) logEvent(runID uuid.UUID, level types.LogLevel, category types.LogCategory, message string) {
	entry := types.JobLogEntry{
		JobRunID:  runID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Category:  category,
		Message:   message,
	}
	if err := s.repo.AppendJobLog(context.Background(), entry); err != nil {
		s.logger.Error().Err(err).Msg("appending recovery job log entry")
	}
	if s.hub != nil {
		s.hub.Publish(entry)
	}
}
