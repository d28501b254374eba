// Package remote runs single shell commands on cluster hosts over SSH.
//
// Every Run opens its own connection and session and tears both down
// before returning; nothing is pooled between calls.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sakuffo/slotctl/internal/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Executor runs one shell command on a host as a user and returns its
// standard output.
type Executor interface {
	Run(ctx context.Context, user, host, command string, opts ...RunOption) (string, error)
}

// RunOption adjusts a single Run call.
type RunOption func(*RunOptions)

// RunOptions is the resolved set of RunOption values.
type RunOptions struct {
	AllowDisconnect bool
}

// ApplyOptions resolves opts. Executor implementations call it at the top
// of Run.
func ApplyOptions(opts []RunOption) RunOptions {
	var o RunOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AllowDisconnect treats a session that closes without reporting an exit
// status as success. Commands that take the host down, such as a halt,
// routinely end this way.
func AllowDisconnect() RunOption {
	return func(o *RunOptions) { o.AllowDisconnect = true }
}

// Config configures an SSHExecutor.
type Config struct {
	Port           int
	KnownHostsPath string
	IdentityFiles  []string
	ConnectTimeout time.Duration
}

// SSHExecutor is the production Executor.
type SSHExecutor struct {
	config Config
	logger logger.Logger

	// knownHostsMu serialises reads and appends of the known_hosts file
	// so concurrent first contacts do not write duplicate entries.
	knownHostsMu sync.Mutex
}

// NewSSHExecutor creates an executor. Authentication material is read on
// every call, so keys added to the agent later are picked up.
func NewSSHExecutor(cfg Config, log logger.Logger) *SSHExecutor {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSHExecutor{config: cfg, logger: log}
}

// Run implements Executor.
func (e *SSHExecutor) Run(ctx context.Context, user, host, command string, opts ...RunOption) (string, error) {
	o := ApplyOptions(opts)

	client, err := e.dial(ctx, user, host)
	if err != nil {
		return "", &ConnectionError{User: user, Host: host, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", &ConnectionError{User: user, Host: host, Err: fmt.Errorf("opening session: %w", err)}
	}
	defer session.Close()

	// Closing the client unblocks session.Run when ctx ends first.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	e.logger.Debug("Running %q on %s@%s", command, user, host)
	runErr := session.Run(command)
	output := stdout.String()
	e.logger.Info("%s@%s %q: %s", user, host, command, strings.TrimSpace(output))

	if runErr == nil {
		return output, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return output, &CommandError{Host: host, Command: command, Err: ctxErr}
	}

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case errors.As(runErr, &exitErr):
		return output, &CommandError{
			Host:       host,
			Command:    command,
			ExitStatus: exitErr.ExitStatus(),
			Stderr:     strings.TrimSpace(stderr.String()),
			Err:        runErr,
		}
	case errors.As(runErr, &missingErr), errors.Is(runErr, io.EOF):
		if o.AllowDisconnect {
			e.logger.Debug("%s closed the session during %q, treating as success", host, command)
			return output, nil
		}
	}
	return output, &CommandError{
		Host:    host,
		Command: command,
		Stderr:  strings.TrimSpace(stderr.String()),
		Err:     runErr,
	}
}

func (e *SSHExecutor) dial(ctx context.Context, user, host string) (*ssh.Client, error) {
	auth, release, err := e.authMethods()
	if err != nil {
		return nil, err
	}
	defer release()

	addr := net.JoinHostPort(host, strconv.Itoa(e.config.Port))
	clientConfig := &ssh.ClientConfig{
		User:              user,
		Auth:              auth,
		HostKeyCallback:   e.trustOnFirstUse,
		HostKeyAlgorithms: e.knownHostKeyAlgorithms(addr),
		Timeout:           e.config.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: e.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if e.config.ConnectTimeout > 0 {
		conn.SetDeadline(time.Now().Add(e.config.ConnectTimeout))
	}

	// Closing conn aborts a handshake that outlives ctx.
	handshook := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshook:
		}
	}()
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	close(handshook)
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("handshake with %s: %w", addr, ctxErr)
		}
		return nil, err
	}
	if ctx.Err() != nil {
		c.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, ctx.Err())
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// authMethods returns the agent and identity-file methods. release closes
// the agent connection once the handshake is over.
func (e *SSHExecutor) authMethods() (methods []ssh.AuthMethod, release func(), err error) {
	release = func() {}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			release = func() { conn.Close() }
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			e.logger.Debug("ssh-agent at %s unavailable: %v", sock, err)
		}
	}

	var signers []ssh.Signer
	for _, path := range e.config.IdentityFiles {
		key, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				e.logger.Debug("Skipping identity %s: %v", path, err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			e.logger.Debug("Skipping identity %s: %v", path, err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, release, errors.New("no ssh-agent or usable identity file")
	}
	return methods, release, nil
}

// trustOnFirstUse accepts and records keys for hosts absent from
// known_hosts and rejects keys that differ from a recorded one.
func (e *SSHExecutor) trustOnFirstUse(hostname string, remote net.Addr, key ssh.PublicKey) error {
	path := e.config.KnownHostsPath
	if path == "" {
		return errors.New("known_hosts path not configured")
	}

	e.knownHostsMu.Lock()
	defer e.knownHostsMu.Unlock()

	if err := ensureFile(path); err != nil {
		return err
	}
	check, err := knownhosts.New(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	err = check(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w for %s (recorded in %s:%d)", ErrHostKeyMismatch, hostname, keyErr.Want[0].Filename, keyErr.Want[0].Line)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("recording host key for %s: %w", hostname, err)
	}
	e.logger.Warn("Permanently added %s (%s) to %s", hostname, key.Type(), path)
	return nil
}

// knownHostKeyAlgorithms returns the host key algorithms matching the key
// types already recorded for addr, so the server is asked for a key
// known_hosts can vouch for. It returns nil when nothing is recorded,
// leaving the library's default preference in place.
func (e *SSHExecutor) knownHostKeyAlgorithms(addr string) []string {
	path := e.config.KnownHostsPath
	if path == "" {
		return nil
	}

	e.knownHostsMu.Lock()
	check, err := knownhosts.New(path)
	e.knownHostsMu.Unlock()
	if err != nil {
		return nil
	}

	// A key that can never match makes the callback list every recorded
	// key for addr.
	err = check(addr, &net.TCPAddr{IP: net.IPv4zero}, placeholderKey{})
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) || len(keyErr.Want) == 0 {
		return nil
	}

	var algos []string
	seen := make(map[string]bool)
	for _, want := range keyErr.Want {
		for _, algo := range algorithmsForKeyType(want.Key.Type()) {
			if !seen[algo] {
				seen[algo] = true
				algos = append(algos, algo)
			}
		}
	}
	return algos
}

// algorithmsForKeyType maps a known_hosts key type to the signature
// algorithms a server may use to prove it holds that key.
func algorithmsForKeyType(keyType string) []string {
	if keyType == ssh.KeyAlgoRSA {
		return []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}
	}
	return []string{keyType}
}

// placeholderKey is an ssh.PublicKey equal to no real key.
type placeholderKey struct{}

func (placeholderKey) Type() string                        { return "slotctl-placeholder" }
func (placeholderKey) Marshal() []byte                     { return []byte("slotctl-placeholder") }
func (placeholderKey) Verify([]byte, *ssh.Signature) error { return errors.New("placeholder key") }

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return f.Close()
}
