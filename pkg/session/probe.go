package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/netraven/netraven/pkg/types"
)

// ProbeResult is the outcome of the three-probe reachability check:
// ICMP echo, TCP connect to the control port, TCP connect to the
// management port.
type ProbeResult struct {
	ICMP       bool
	TCPControl bool
	TCPMgmt    bool
	LatencyMS  int64
	Errors     []string
}

// Reachable reports whether at least one of the three probes succeeded.
func (p ProbeResult) Reachable() bool { return p.ICMP || p.TCPControl || p.TCPMgmt }

// Probe runs all three checks against device and returns as soon as
// all have completed. It never returns an error: individual probe
// failures are recorded in Errors, matching the contract that a probe
// failure is an observation, not a fatal error.
func Probe(ctx context.Context, device *types.Device, cfg Config) ProbeResult {
	start := time.Now()
	var result ProbeResult

	if ok, err := probeTCP(ctx, device.Address, cfg.ControlPort, cfg.ConnectTimeout); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tcp control port: %v", err))
	} else {
		result.TCPControl = ok
	}

	if ok, err := probeTCP(ctx, device.Address, cfg.ManagementPort, cfg.ConnectTimeout); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("tcp management port: %v", err))
	} else {
		result.TCPMgmt = ok
	}

	ok, err := probeICMP(ctx, device.Address, cfg.ICMPTimeout)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("icmp: %v", err))
	} else {
		result.ICMP = ok
	}

	result.LatencyMS = time.Since(start).Milliseconds()
	return result
}

func probeTCP(ctx context.Context, address string, port int, timeout time.Duration) (bool, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, fmt.Sprint(port)))
	if err != nil {
		return false, nil //nolint:nilerr // a failed TCP dial is a negative probe result, not a probe error
	}
	defer conn.Close()
	return true, nil
}

// probeICMP sends a single unprivileged ICMP echo request. Platforms
// that deny unprivileged ICMP sockets (most container runtimes without
// CAP_NET_RAW) return an error here, which Probe records in Errors
// without treating the overall probe as fatal — the TCP probes still
// carry the reachability verdict on such platforms.
func probeICMP(ctx context.Context, address string, timeout time.Duration) (bool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return false, fmt.Errorf("unprivileged icmp unavailable: %w", err)
	}
	defer conn.Close()

	dst, err := net.ResolveIPAddr("ip4", address)
	if err != nil {
		return false, fmt.Errorf("resolve address: %w", err)
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("netraven-probe"),
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("marshal echo request: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > timeout {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: dst.IP}); err != nil {
		return false, fmt.Errorf("write echo request: %w", err)
	}

	reply := make([]byte, 1500)
	n, _, err := conn.ReadFrom(reply)
	if err != nil {
		return false, nil //nolint:nilerr // a timed-out echo reply is a negative probe result
	}
	parsed, err := icmp.ParseMessage(1, reply[:n])
	if err != nil {
		return false, fmt.Errorf("parse echo reply: %w", err)
	}
	return parsed.Type == ipv4.ICMPTypeEchoReply, nil
}
