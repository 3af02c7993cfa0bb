package dispatcher_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netraven/netraven/pkg/credentials"
	"github.com/netraven/netraven/pkg/dispatcher"
	"github.com/netraven/netraven/pkg/handlers"
	"github.com/netraven/netraven/pkg/secretbox"
	"github.com/netraven/netraven/pkg/session"
	"github.com/netraven/netraven/pkg/storage/boltstore"
	"github.com/netraven/netraven/pkg/types"
)

func newTestStoreWithKey(t *testing.T) (*boltstore.Store, []byte) {
	t.Helper()
	key := make([]byte, secretbox.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "test.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, key
}

func seedDevice(t *testing.T, store *boltstore.Store, key []byte, family, password string) *types.Device {
	t.Helper()
	tag := &types.Tag{ID: uuid.New(), Name: "lab", Type: types.TagTypeDevice}
	require.NoError(t, store.PutTag(tag))

	device := &types.Device{ID: uuid.New(), Hostname: "r1", Address: "127.0.0.1", Port: 22, Family: family, TagIDs: []uuid.UUID{tag.ID}}
	require.NoError(t, store.PutDevice(device))

	box, err := secretbox.New(key)
	require.NoError(t, err)
	ciphertext, err := box.Encrypt([]byte(password))
	require.NoError(t, err)

	cred := &types.Credential{ID: uuid.New(), Username: "admin", EncryptedSecret: ciphertext, Priority: 0, TagIDs: []uuid.UUID{tag.ID}}
	require.NoError(t, store.PutCredential(cred))
	return device
}

type stubDriver struct {
	session session.Session
	err     error
}

func (d *stubDriver) Dial(context.Context, *types.Device, string, []byte) (session.Session, error) {
	return d.session, d.err
}

type stubSession struct {
	output string
}

func (s *stubSession) Run(context.Context, string) (string, error) { return s.output, nil }
func (s *stubSession) Close() error                                { return nil }

// listenerPort opens a local TCP listener so reachability probes have
// something real to connect to, independent of sandbox ICMP
// capabilities.
func listenerPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func newOpener(driver session.Driver, controlPort int) *session.Opener {
	registry := session.NewRegistry()
	registry.Register("", driver)
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ICMPTimeout = 100 * time.Millisecond
	cfg.ControlPort = controlPort
	return session.NewOpener(registry, cfg)
}

func TestDispatcher_Dispatch_CompletedSuccess(t *testing.T) {
	store, key := newTestStoreWithKey(t)
	device := seedDevice(t, store, key, "", "hunter2")

	def := &types.JobDefinition{
		ID:      uuid.New(),
		Name:    "backup-lab",
		Type:    "reachability",
		Target:  types.Target{TagIDs: device.TagIDs},
		Enabled: true,
	}
	require.NoError(t, store.CreateJobDefinition(context.Background(), def))

	listener := listenerPort(t)
	registry := handlers.NewRegistry()
	registry.Register(handlers.ReachabilityType, handlers.NewReachabilityHandler(session.Config{
		ConnectTimeout: 100 * time.Millisecond,
		ICMPTimeout:    50 * time.Millisecond,
		ControlPort:    listener,
		ManagementPort: listener,
	}))

	resolver := credentials.NewResolver(store)
	opener := newOpener(&stubDriver{session: &stubSession{}}, listener)
	d := dispatcher.New(store, registry, opener, resolver, nil, dispatcher.DefaultConfig())

	run, created, err := store.CreateJobRun(context.Background(), def.ID, nil)
	require.NoError(t, err)
	require.True(t, created)

	d.Dispatch(context.Background(), run)

	got, err := store.GetJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedSuccess, got.Status)

	updated, err := store.GetDevice(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReachabilityReachable, updated.LastReachabilityStatus)
}

func TestDispatcher_Dispatch_ReachabilityRecordsUnreachableDevice(t *testing.T) {
	store, key := newTestStoreWithKey(t)
	device := seedDevice(t, store, key, "", "hunter2")

	def := &types.JobDefinition{
		ID:      uuid.New(),
		Name:    "probe-lab",
		Type:    "reachability",
		Target:  types.Target{TagIDs: device.TagIDs},
		Enabled: true,
	}
	require.NoError(t, store.CreateJobDefinition(context.Background(), def))

	registry := handlers.NewRegistry()
	registry.Register(handlers.ReachabilityType, handlers.NewReachabilityHandler(session.Config{
		ConnectTimeout: 50 * time.Millisecond,
		ICMPTimeout:    50 * time.Millisecond,
		ControlPort:    1,
		ManagementPort: 2,
	}))

	resolver := credentials.NewResolver(store)
	opener := newOpener(&stubDriver{session: &stubSession{}}, listenerPort(t))
	d := dispatcher.New(store, registry, opener, resolver, nil, dispatcher.DefaultConfig())

	run, created, err := store.CreateJobRun(context.Background(), def.ID, nil)
	require.NoError(t, err)
	require.True(t, created)

	d.Dispatch(context.Background(), run)

	// Ports 1/2 never accept locally, and ICMP is unavailable in this
	// sandbox, so every probe fails: the device has never been reached
	// and its status must still be persisted as unreachable.
	updated, err := store.GetDevice(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReachabilityUnreachable, updated.LastReachabilityStatus)
}

func TestDispatcher_Dispatch_NoDevices(t *testing.T) {
	store, _ := newTestStoreWithKey(t)
	def := &types.JobDefinition{
		ID:      uuid.New(),
		Name:    "orphan",
		Type:    "reachability",
		Target:  types.Target{TagIDs: []uuid.UUID{uuid.New()}},
		Enabled: true,
	}
	require.NoError(t, store.CreateJobDefinition(context.Background(), def))

	registry := handlers.NewRegistry()
	registry.Register("reachability", handlers.NewReachabilityHandler(session.DefaultConfig()))
	resolver := credentials.NewResolver(store)
	opener := newOpener(&stubDriver{session: &stubSession{}}, listenerPort(t))
	d := dispatcher.New(store, registry, opener, resolver, nil, dispatcher.DefaultConfig())

	run, created, err := store.CreateJobRun(context.Background(), def.ID, nil)
	require.NoError(t, err)
	require.True(t, created)

	d.Dispatch(context.Background(), run)

	got, err := store.GetJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedNoDevices, got.Status)
}

func TestDispatcher_Dispatch_UnknownJobType(t *testing.T) {
	store, key := newTestStoreWithKey(t)
	device := seedDevice(t, store, key, "", "hunter2")

	def := &types.JobDefinition{
		ID:      uuid.New(),
		Name:    "mystery",
		Type:    "does_not_exist",
		Target:  types.Target{TagIDs: device.TagIDs},
		Enabled: true,
	}
	require.NoError(t, store.CreateJobDefinition(context.Background(), def))

	registry := handlers.NewRegistry()
	resolver := credentials.NewResolver(store)
	opener := newOpener(&stubDriver{session: &stubSession{}}, listenerPort(t))
	d := dispatcher.New(store, registry, opener, resolver, nil, dispatcher.DefaultConfig())

	run, _, err := store.CreateJobRun(context.Background(), def.ID, nil)
	require.NoError(t, err)

	d.Dispatch(context.Background(), run)

	got, err := store.GetJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedFailure, got.Status)

	results, err := store.ListDeviceResultsForJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.ReasonUnknownJobType, results[0].Error)
}

func TestDispatcher_RetryFailed_RequiresFailedDevices(t *testing.T) {
	store, key := newTestStoreWithKey(t)
	device := seedDevice(t, store, key, "", "hunter2")

	def := &types.JobDefinition{ID: uuid.New(), Name: "d", Type: "reachability", Target: types.Target{TagIDs: device.TagIDs}, Enabled: true}
	require.NoError(t, store.CreateJobDefinition(context.Background(), def))

	registry := handlers.NewRegistry()
	registry.Register("reachability", handlers.NewReachabilityHandler(session.Config{ControlPort: 1, ManagementPort: 2, ConnectTimeout: 50 * time.Millisecond, ICMPTimeout: 50 * time.Millisecond}))
	resolver := credentials.NewResolver(store)
	opener := newOpener(&stubDriver{session: &stubSession{}}, listenerPort(t))
	d := dispatcher.New(store, registry, opener, resolver, nil, dispatcher.DefaultConfig())

	run, _, err := store.CreateJobRun(context.Background(), def.ID, nil)
	require.NoError(t, err)
	d.Dispatch(context.Background(), run)

	_, err = d.RetryFailed(context.Background(), run.ID)
	assert.Error(t, err, "a run with all devices succeeding has nothing to retry")
}

func TestDispatcher_Cancel_StopsNewDevices(t *testing.T) {
	store, key := newTestStoreWithKey(t)
	device := seedDevice(t, store, key, "", "hunter2")

	def := &types.JobDefinition{ID: uuid.New(), Name: "d", Type: "reachability", Target: types.Target{TagIDs: device.TagIDs}, Enabled: true}
	require.NoError(t, store.CreateJobDefinition(context.Background(), def))

	registry := handlers.NewRegistry()
	registry.Register("reachability", handlers.NewReachabilityHandler(session.DefaultConfig()))
	resolver := credentials.NewResolver(store)
	opener := newOpener(&stubDriver{session: &stubSession{}}, listenerPort(t))
	d := dispatcher.New(store, registry, opener, resolver, nil, dispatcher.DefaultConfig())

	run, _, err := store.CreateJobRun(context.Background(), def.ID, nil)
	require.NoError(t, err)

	d.Cancel(run.ID)
	d.Dispatch(context.Background(), run)

	got, err := store.GetJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedFailure, got.Status)

	results, err := store.ListDeviceResultsForJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.ReasonCancelled, results[0].Error)
}

func TestDispatcher_Dispatch_SessionHandlerOpensAndRecordsSuccess(t *testing.T) {
	store, key := newTestStoreWithKey(t)
	device := seedDevice(t, store, key, "", "hunter2")

	def := &types.JobDefinition{
		ID:         uuid.New(),
		Name:       "diagnostics",
		Type:       "command_run",
		Target:     types.Target{TagIDs: device.TagIDs},
		Enabled:    true,
		Parameters: map[string]string{"commands": "show version"},
	}
	require.NoError(t, store.CreateJobDefinition(context.Background(), def))

	registry := handlers.NewRegistry()
	registry.Register("command_run", handlers.NewCommandRunHandler())
	resolver := credentials.NewResolver(store)
	opener := newOpener(&stubDriver{session: &stubSession{output: "Version 1.0"}}, listenerPort(t))
	d := dispatcher.New(store, registry, opener, resolver, nil, dispatcher.DefaultConfig())

	run, _, err := store.CreateJobRun(context.Background(), def.ID, nil)
	require.NoError(t, err)
	d.Dispatch(context.Background(), run)

	got, err := store.GetJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedSuccess, got.Status)

	results, err := store.ListDeviceResultsForJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotNil(t, results[0].CredentialID)

	creds, err := store.ListCredentialsForDevice(context.Background(), device.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, int64(1), creds[0].SuccessCount)
}

func TestDispatcher_Dispatch_SessionHandlerAuthExhausted(t *testing.T) {
	store, key := newTestStoreWithKey(t)
	device := seedDevice(t, store, key, "", "wrong-password")

	def := &types.JobDefinition{
		ID:         uuid.New(),
		Name:       "diagnostics",
		Type:       "command_run",
		Target:     types.Target{TagIDs: device.TagIDs},
		Enabled:    true,
		Parameters: map[string]string{"commands": "show version"},
	}
	require.NoError(t, store.CreateJobDefinition(context.Background(), def))

	registry := handlers.NewRegistry()
	registry.Register("command_run", handlers.NewCommandRunHandler())
	resolver := credentials.NewResolver(store)
	opener := newOpener(&stubDriver{err: fmt.Errorf("%w: bad password", session.ErrAuthFailed)}, listenerPort(t))
	d := dispatcher.New(store, registry, opener, resolver, nil, dispatcher.DefaultConfig())

	run, _, err := store.CreateJobRun(context.Background(), def.ID, nil)
	require.NoError(t, err)
	d.Dispatch(context.Background(), run)

	got, err := store.GetJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunCompletedFailure, got.Status)

	results, err := store.ListDeviceResultsForJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.ReasonAuthExhausted, results[0].Error)

	creds, err := store.ListCredentialsForDevice(context.Background(), device.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, int64(1), creds[0].FailureCount)
}
