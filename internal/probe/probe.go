// Package probe answers "is this host up?" with a single bounded
// reachability check. Probes never return errors; anything other than a
// timely reply reads as unreachable.
package probe

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/sakuffo/slotctl/internal/logger"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = time.Second

// Prober reports whether target (an IP address or hostname) answers a
// reachability probe.
type Prober interface {
	Reachable(ctx context.Context, target string) bool
}

// ExecProber shells out to the system ping utility with one packet and a
// one second wait, the same check an operator would run by hand.
type ExecProber struct {
	// Command is the ping binary. Defaults to "ping".
	Command string
	Timeout time.Duration
	Logger  logger.Logger
}

// Reachable implements Prober.
func (p *ExecProber) Reachable(ctx context.Context, target string) bool {
	command := p.Command
	if command == "" {
		command = "ping"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// ping -W takes whole seconds.
	wait := int((timeout + time.Second - 1) / time.Second)

	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, "-c", "1", "-W", strconv.Itoa(wait), target)
	err := cmd.Run()
	if err != nil && p.Logger != nil {
		p.Logger.Debug("%s %s: %v", command, target, err)
	}
	return err == nil
}

// New returns the prober selected by method ("icmp" or "exec").
func New(method string, timeout time.Duration, log logger.Logger) (Prober, error) {
	fallback := &ExecProber{Timeout: timeout, Logger: log}
	switch method {
	case "exec":
		return fallback, nil
	case "icmp", "":
		return NewICMPProber(timeout, log, fallback), nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", method)
	}
}
