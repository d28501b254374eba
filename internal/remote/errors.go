package remote

import (
	"errors"
	"fmt"
)

// ErrHostKeyMismatch is wrapped by a ConnectionError when a host presents
// a key different from the one recorded in known_hosts.
var ErrHostKeyMismatch = errors.New("host key mismatch")

// ConnectionError reports that no session could be established with a
// host: the dial failed, the handshake or authentication was rejected, or
// a session channel could not be opened.
type ConnectionError struct {
	User string
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s@%s: %v", e.User, e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports that a command started on the remote host but did
// not exit cleanly.
type CommandError struct {
	Host       string
	Command    string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q on %s failed", e.Command, e.Host)
	if e.ExitStatus != 0 {
		msg += fmt.Sprintf(" with exit status %d", e.ExitStatus)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }
