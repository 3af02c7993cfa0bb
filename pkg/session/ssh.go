package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netraven/netraven/pkg/types"
)

// SSHDriver dials network devices over SSH, the transport IOS, NX-OS,
// JunOS, and EOS all expose their management CLI on.
type SSHDriver struct {
	Port           int
	CommandTimeout time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHDriver returns a driver listening on the default SSH port
// (22) with insecure host key checking, intended to be overridden by
// config-supplied known_hosts in production deployments.
func NewSSHDriver(commandTimeout time.Duration) *SSHDriver {
	return &SSHDriver{
		Port:            22,
		CommandTimeout:  commandTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host key pinning is a deployment-time config concern, not a session-layer one
	}
}

func (d *SSHDriver) Dial(ctx context.Context, device *types.Device, username string, secret []byte) (Session, error) {
	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(string(secret))},
		HostKeyCallback: d.HostKeyCallback,
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Timeout = time.Until(deadline)
	}

	addr := net.JoinHostPort(device.Address, portOrDefault(device.Port, d.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		if isSSHAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil, err
	}

	return &sshSession{client: client, commandTimeout: d.CommandTimeout}, nil
}

func portOrDefault(devicePort, driverDefault int) string {
	if devicePort > 0 {
		return fmt.Sprint(devicePort)
	}
	return fmt.Sprint(driverDefault)
}

func isSSHAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

type sshSession struct {
	client         *ssh.Client
	commandTimeout time.Duration
}

func (s *sshSession) Run(ctx context.Context, command string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", &DeviceError{Reason: "session_open_failed", Err: err}
	}
	defer session.Close()

	deadline := time.Now().Add(s.commandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	timer := time.AfterFunc(time.Until(deadline), func() { _ = session.Close() })
	defer timer.Stop()

	output, err := session.CombinedOutput(command)
	if err != nil {
		return "", &DeviceError{Reason: "command_failed", Err: err}
	}
	return string(output), nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

var _ Driver = (*SSHDriver)(nil)
var _ Session = (*sshSession)(nil)
