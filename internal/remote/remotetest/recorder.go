// Package remotetest provides an in-memory remote.Executor for tests.
package remotetest

import (
	"context"
	"strings"
	"sync"

	"github.com/sakuffo/slotctl/internal/remote"
)

// Call is one recorded Run.
type Call struct {
	User            string
	Host            string
	Command         string
	AllowDisconnect bool
}

// Recorder records every Run and answers with scripted results. It is
// safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	calls []Call

	// Fail maps a host to the error returned for every command on it.
	Fail map[string]error

	// FailCommand maps a command substring to an error, checked after
	// Fail.
	FailCommand map[string]error

	// Output is returned for successful calls.
	Output string

	// OnRun, when set, is called for each call before the result is
	// decided. Tests use it to log ordering against other fakes.
	OnRun func(Call)
}

// Run implements remote.Executor.
func (r *Recorder) Run(ctx context.Context, user, host, command string, opts ...remote.RunOption) (string, error) {
	call := Call{User: user, Host: host, Command: command, AllowDisconnect: allowsDisconnect(opts)}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	onRun := r.OnRun
	r.mu.Unlock()

	if onRun != nil {
		onRun(call)
	}
	if err := ctx.Err(); err != nil {
		return "", &remote.CommandError{Host: host, Command: command, Err: err}
	}
	if err, ok := r.Fail[host]; ok {
		return "", err
	}
	for fragment, err := range r.FailCommand {
		if strings.Contains(command, fragment) {
			return "", err
		}
	}
	return r.Output, nil
}

// Calls returns a copy of the recorded calls in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo returns the recorded calls made against host.
func (r *Recorder) CallsTo(host string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Host == host {
			out = append(out, c)
		}
	}
	return out
}

// Commands returns the recorded commands in order.
func (r *Recorder) Commands() []string {
	var out []string
	for _, c := range r.Calls() {
		out = append(out, c.Command)
	}
	return out
}

func allowsDisconnect(opts []remote.RunOption) bool {
	return remote.ApplyOptions(opts).AllowDisconnect
}
