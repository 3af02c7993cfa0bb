// Package notify subscribes to the job log hub and posts critical-
// severity entries to Slack, so an operator doesn't have to be
// watching the log stream to learn a job run needs attention.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/logstream"
	"github.com/netraven/netraven/pkg/types"
)

// postTimeout bounds how long a single Slack post may block the
// notifier's delivery loop.
const postTimeout = 5 * time.Second

var levelRank = map[types.LogLevel]int{
	types.LogDebug:    0,
	types.LogInfo:     1,
	types.LogWarning:  2,
	types.LogError:    3,
	types.LogCritical: 4,
}

// Config holds the notifier's tunables.
type Config struct {
	Token    string
	Channel  string
	MinLevel types.LogLevel
}

// DefaultConfig only notifies on critical entries, spec.md's baseline.
func DefaultConfig() Config {
	return Config{MinLevel: types.LogCritical}
}

// slackClient is the subset of *slack.Client the notifier uses, kept
// narrow so tests can supply a fake instead of hitting the network.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier subscribes to a Hub and forwards entries at or above
// MinLevel to a Slack channel.
type Notifier struct {
	client   slackClient
	channel  string
	minLevel types.LogLevel
	hub      *logstream.Hub
	sub      logstream.Subscriber
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Notifier. It does not subscribe until Start is called.
func New(cfg Config, hub *logstream.Hub) *Notifier {
	return &Notifier{
		client:   slack.New(cfg.Token),
		channel:  cfg.Channel,
		minLevel: cfg.MinLevel,
		hub:      hub,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start subscribes to the hub and begins the delivery loop.
func (n *Notifier) Start() {
	n.sub = n.hub.Subscribe()
	go n.run()
}

// Stop unsubscribes from the hub and waits for the delivery loop to
// drain.
func (n *Notifier) Stop() {
	close(n.stopCh)
	<-n.doneCh
	n.hub.Unsubscribe(n.sub)
}

func (n *Notifier) run() {
	defer close(n.doneCh)
	for {
		select {
		case <-n.stopCh:
			return
		case entry, ok := <-n.sub:
			if !ok {
				return
			}
			if levelRank[entry.Level] < levelRank[n.minLevel] {
				continue
			}
			if err := n.post(entry); err != nil {
				log.Error(fmt.Sprintf("notify: post to slack: %v", err))
			}
		}
	}
}

func (n *Notifier) post(entry types.JobLogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	text := fmt.Sprintf("[%s] job_run=%s: %s", entry.Level, entry.JobRunID, entry.Message)
	if entry.DeviceID != nil {
		text = fmt.Sprintf("[%s] job_run=%s device=%s: %s", entry.Level, entry.JobRunID, *entry.DeviceID, entry.Message)
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	return err
}
