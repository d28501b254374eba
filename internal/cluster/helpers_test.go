package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sakuffo/slotctl/internal/config"
	"github.com/sakuffo/slotctl/internal/gpio"
	"github.com/sakuffo/slotctl/internal/logger"
	"github.com/sakuffo/slotctl/internal/remote/remotetest"
)

type mockLogger struct {
	logger.Logger
}

func (m *mockLogger) Info(format string, v ...interface{})  {}
func (m *mockLogger) Debug(format string, v ...interface{}) {}
func (m *mockLogger) Error(format string, v ...interface{}) {}
func (m *mockLogger) Warn(format string, v ...interface{})  {}
func (m *mockLogger) Fatal(format string, v ...interface{}) {}

// scriptedProber answers from a fixed table of targets and counts probes.
type scriptedProber struct {
	mu     sync.Mutex
	up     map[string]bool
	probed map[string]int
}

func newScriptedProber(up map[string]bool) *scriptedProber {
	if up == nil {
		up = map[string]bool{}
	}
	return &scriptedProber{up: up, probed: map[string]int{}}
}

func (p *scriptedProber) Reachable(_ context.Context, target string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed[target]++
	return p.up[target]
}

func (p *scriptedProber) set(target string, up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up[target] = up
}

func (p *scriptedProber) count(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probed[target]
}

// timeline is an ordered, goroutine-safe log of remote commands and
// waits.
type timeline struct {
	mu     sync.Mutex
	events []string
}

func (tl *timeline) add(s string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.events = append(tl.events, s)
}

func (tl *timeline) snapshot() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.events...)
}

func (tl *timeline) sleeper(label string) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		tl.add(fmt.Sprintf("%s %v", label, d))
		return ctx.Err()
	}
}

var testTopology = config.ClusterConfig{
	Address: "10.0.0.254",
	Nodes: []config.NodeConfig{
		{Hostname: "ctl", Address: "10.0.0.1", Model: "LPI3H", Slot: 1},
		{Hostname: "cm4-0", Address: "10.0.0.2", Model: "CM4", Slot: 2},
		{Hostname: "cm5-0", Address: "10.0.0.3", Model: "CM5", Slot: 3},
	},
}

type harness struct {
	cluster    *Cluster
	rec        *remotetest.Recorder
	prober     *scriptedProber
	timeline   *timeline
	sequencer  *Sequencer
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, topo config.ClusterConfig, up map[string]bool, concurrency int) *harness {
	t.Helper()

	c, err := NewCluster(topo)
	if err != nil {
		t.Fatalf("NewCluster() error = %v", err)
	}

	tl := &timeline{}
	rec := &remotetest.Recorder{
		OnRun: func(call remotetest.Call) { tl.add(call.Host + ": " + call.Command) },
	}
	prober := newScriptedProber(up)
	log := &mockLogger{}

	relay := gpio.NewController(rec, gpio.ControllerConfig{
		User:       "pi",
		Host:       c.Controller().Hostname,
		Chip:       "gpiochip2",
		PulseWidth: time.Second,
	}, log).WithSleeper(tl.sleeper("pulse"))

	seq := NewSequencer(SequencerConfig{
		User:        "pi",
		SettleDelay: 2 * time.Second,
		Timeout:     time.Minute,
	}, prober, relay, rec, log).WithSleeper(tl.sleeper("settle"))

	return &harness{
		cluster:    c,
		rec:        rec,
		prober:     prober,
		timeline:   tl,
		sequencer:  seq,
		dispatcher: NewDispatcher(c, seq, log, concurrency),
	}
}
