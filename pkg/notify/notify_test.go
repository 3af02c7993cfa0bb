package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netraven/netraven/pkg/logstream"
	"github.com/netraven/netraven/pkg/types"
)

type fakeSlackClient struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakeSlackClient) PostMessageContext(_ context.Context, _ string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, "posted")
	return "", "", nil
}

func (f *fakeSlackClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func TestNotifier_PostsCriticalEntries(t *testing.T) {
	hub := logstream.NewHub(nil)
	hub.Start()
	t.Cleanup(hub.Stop)

	client := &fakeSlackClient{}
	n := New(DefaultConfig(), hub)
	n.client = client
	n.Start()
	t.Cleanup(n.Stop)

	hub.Publish(types.JobLogEntry{JobRunID: uuid.New(), Level: types.LogCritical, Message: "job run recovered_from_crash"})

	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestNotifier_IgnoresEntriesBelowMinLevel(t *testing.T) {
	hub := logstream.NewHub(nil)
	hub.Start()
	t.Cleanup(hub.Stop)

	client := &fakeSlackClient{}
	n := New(DefaultConfig(), hub)
	n.client = client
	n.Start()
	t.Cleanup(n.Stop)

	hub.Publish(types.JobLogEntry{JobRunID: uuid.New(), Level: types.LogWarning, Message: "retrying credential"})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, client.count())
}

func TestNotifier_CustomMinLevelLowersThreshold(t *testing.T) {
	hub := logstream.NewHub(nil)
	hub.Start()
	t.Cleanup(hub.Stop)

	client := &fakeSlackClient{}
	n := New(Config{MinLevel: types.LogWarning}, hub)
	n.client = client
	n.Start()
	t.Cleanup(n.Stop)

	hub.Publish(types.JobLogEntry{JobRunID: uuid.New(), Level: types.LogWarning, Message: "retrying credential"})

	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, 10*time.Millisecond)
}
