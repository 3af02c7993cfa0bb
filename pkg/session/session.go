// Package session opens and drives a command session against one
// network device with one credential: a reachability probe, pluggable
// per-device-family authentication, bounded retry on transient
// lower-layer errors, and a circuit breaker per device so a device
// that is down doesn't cost every worker a full dial timeout.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/netraven/netraven/pkg/types"
)

// ErrUnreachable is returned by Open when every reachability probe
// fails; no credential is consumed in that case.
var ErrUnreachable = errors.New("session: device unreachable")

// ErrAuthFailed is returned by Open when the driver authenticates and
// the device rejects the credential. Callers rotate to the next
// candidate rather than retrying.
var ErrAuthFailed = errors.New("session: authentication failed")

// DeviceError wraps a driver-level failure that is neither
// unreachability nor an authentication rejection (a session-layer bug,
// an unexpected protocol error, or a retry-exhausted transient fault).
type DeviceError struct {
	Reason string
	Err    error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("session: %s: %v", e.Reason, e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }

// Session is an open, authenticated connection to one device.
type Session interface {
	// Run executes command and returns its raw text output.
	Run(ctx context.Context, command string) (string, error)
	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// Driver authenticates and opens a Session for one device family.
// Drivers must treat ctx's deadline as the connect timeout and must
// distinguish authentication rejection from other connect failures by
// returning an error that wraps ErrAuthFailed.
type Driver interface {
	Dial(ctx context.Context, device *types.Device, username string, secret []byte) (Session, error)
}

// Registry maps a device family key to the Driver that handles it.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	fallback Driver
}

// NewRegistry returns an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register associates family with d. An empty family registers d as
// the fallback driver used for devices whose family is unset or
// unrecognized.
func (r *Registry) Register(family string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if family == "" {
		r.fallback = d
		return
	}
	r.drivers[family] = d
}

// Get returns the driver for family, falling back to the registry's
// fallback driver if one was registered.
func (r *Registry) Get(family string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.drivers[family]; ok {
		return d, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Config holds the session layer's tunables, sourced from
// session.connect_timeout_seconds, session.command_timeout_seconds,
// and reachability.icmp_timeout_ms.
type Config struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	ICMPTimeout    time.Duration
	ControlPort    int
	ManagementPort int
}

// DefaultConfig returns spec-mandated defaults (30s/30s/1000ms, ports 22/443).
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		CommandTimeout: 30 * time.Second,
		ICMPTimeout:    time.Second,
		ControlPort:    22,
		ManagementPort: 443,
	}
}

const retryBackoff = 2 * time.Second

// Opener probes reachability and drives driver dials through a
// per-device circuit breaker.
type Opener struct {
	registry *Registry
	cfg      Config

	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker
}

// NewOpener builds an Opener over registry using cfg.
func NewOpener(registry *Registry, cfg Config) *Opener {
	return &Opener{registry: registry, cfg: cfg, breakers: make(map[uuid.UUID]*gobreaker.CircuitBreaker)}
}

func (o *Opener) breakerFor(deviceID uuid.UUID) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if b, ok := o.breakers[deviceID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        deviceID.String(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	o.breakers[deviceID] = b
	return b
}

// Open probes device, then authenticates with the given credential via
// the driver registered for device.Family. It returns ErrUnreachable
// (no credential consumed), an error wrapping ErrAuthFailed, or a
// *DeviceError for anything else.
func (o *Opener) Open(ctx context.Context, device *types.Device, username string, secret []byte) (Session, ProbeResult, error) {
	probe := Probe(ctx, device, o.cfg)
	if !probe.Reachable() {
		return nil, probe, ErrUnreachable
	}

	driver, ok := o.registry.Get(device.Family)
	if !ok {
		return nil, probe, &DeviceError{Reason: "no_driver", Err: fmt.Errorf("no driver registered for family %q", device.Family)}
	}

	breaker := o.breakerFor(device.ID)
	session, err := o.dialWithRetry(ctx, breaker, driver, device, username, secret)
	return session, probe, err
}

func (o *Opener) dialWithRetry(ctx context.Context, breaker *gobreaker.CircuitBreaker, driver Driver, device *types.Device, username string, secret []byte) (Session, error) {
	dial := func() (Session, error) {
		dialCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
		defer cancel()
		result, err := breaker.Execute(func() (any, error) {
			return driver.Dial(dialCtx, device, username, secret)
		})
		if err != nil {
			return nil, err
		}
		return result.(Session), nil
	}

	session, err := dial()
	if err == nil {
		return session, nil
	}
	if errors.Is(err, ErrAuthFailed) {
		return nil, err
	}
	if !isTransient(err) {
		return nil, &DeviceError{Reason: "dial_failed", Err: err}
	}

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return nil, &DeviceError{Reason: "dial_failed", Err: ctx.Err()}
	}

	session, err = dial()
	if err == nil {
		return session, nil
	}
	if errors.Is(err, ErrAuthFailed) {
		return nil, err
	}
	return nil, &DeviceError{Reason: "dial_failed", Err: err}
}

// isTransient reports whether err represents a lower-layer fault
// eligible for the single automatic retry (connection reset, timeout)
// as opposed to a permanent protocol/configuration failure.
func isTransient(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
