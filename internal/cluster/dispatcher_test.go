package cluster

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakuffo/slotctl/internal/config"
	"github.com/sakuffo/slotctl/internal/remote"
	"github.com/sakuffo/slotctl/internal/remote/remotetest"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{in: "all", want: All()},
		{in: "ALL", want: All()},
		{in: " 5 ", want: Slot(5)},
		{in: "1", want: Slot(1)},
		{in: "five", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTarget) {
					t.Errorf("ParseTarget(%q) error = %v, want ErrInvalidTarget", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTarget(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// Boot(all) on {1: controller, 2: CM4 off, 3: CM5 on} asserts line 2 high
// once, leaves slot 3 alone, and never touches slot 1.
func TestBootAllExample(t *testing.T) {
	h := newHarness(t, testTopology, map[string]bool{"10.0.0.3": true}, 1)

	report, err := h.dispatcher.Boot(context.Background(), All())
	if err != nil {
		t.Fatalf("Boot(all) error = %v", err)
	}

	want := []string{"ctl: sudo gpioset gpiochip2 2=1"}
	if got := h.timeline.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("timeline = %v, want %v", got, want)
	}
	if len(report.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(report.Outcomes))
	}
	if o := report.Outcomes[0]; o.Node.Slot != 2 || o.Result != Succeeded {
		t.Errorf("outcome[0] = %v, want slot 2 succeeded", o)
	}
	if o := report.Outcomes[1]; o.Node.Slot != 3 || o.Result != Skipped {
		t.Errorf("outcome[1] = %v, want slot 3 skipped", o)
	}
	if n := h.prober.count("10.0.0.1"); n != 0 {
		t.Errorf("controller probed %d times during boot", n)
	}
	if report.OperationID == "" {
		t.Error("report should carry an operation ID")
	}
	for _, o := range report.Outcomes {
		if o.OperationID != report.OperationID {
			t.Errorf("outcome %v has operation ID %q, want %q", o.Node, o.OperationID, report.OperationID)
		}
	}
}

// Shutdown(3) on a running CM5 halts cm5-0, waits, then pulses line 3.
func TestShutdownSingleExample(t *testing.T) {
	h := newHarness(t, testTopology, map[string]bool{"10.0.0.3": true}, 1)

	report, err := h.dispatcher.Shutdown(context.Background(), Slot(3))
	if err != nil {
		t.Fatalf("Shutdown(3) error = %v", err)
	}
	if report.Failed() || report.Count(Succeeded) != 1 {
		t.Fatalf("unexpected outcomes: %v", report.Outcomes)
	}

	want := []string{
		"cm5-0: sudo shutdown -h now",
		"settle 2s",
		"ctl: sudo gpioset gpiochip2 3=0",
		"pulse 1s",
		"ctl: sudo gpioset gpiochip2 3=1",
	}
	if got := h.timeline.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("timeline = %v, want %v", got, want)
	}
}

func TestControllerIsProtected(t *testing.T) {
	h := newHarness(t, testTopology, map[string]bool{"10.0.0.1": true}, 1)

	for _, op := range []Operation{Boot, Shutdown} {
		report, err := h.dispatcher.Apply(context.Background(), op, Slot(ControllerSlot))
		if !errors.Is(err, ErrControllerProtected) {
			t.Errorf("%s(1) error = %v, want ErrControllerProtected", op, err)
		}
		if report != nil {
			t.Errorf("%s(1) returned a report", op)
		}
	}

	if _, err := h.dispatcher.Shutdown(context.Background(), All()); err != nil {
		t.Fatalf("Shutdown(all) error = %v", err)
	}
	if n := h.prober.count("10.0.0.1"); n != 0 {
		t.Errorf("controller probed %d times", n)
	}
	for _, c := range h.rec.Calls() {
		if strings.HasSuffix(c.Command, " 1=0") || strings.HasSuffix(c.Command, " 1=1") || c.Host == "ctl" && strings.Contains(c.Command, "shutdown") {
			t.Errorf("controller targeted by %q on %s", c.Command, c.Host)
		}
	}
}

func TestUnknownSlot(t *testing.T) {
	h := newHarness(t, testTopology, nil, 1)

	if _, err := h.dispatcher.Boot(context.Background(), Slot(9)); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Boot(9) error = %v, want ErrNodeNotFound", err)
	}
	if _, err := h.dispatcher.Shutdown(context.Background(), Slot(9)); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Shutdown(9) error = %v, want ErrNodeNotFound", err)
	}
	if _, err := h.dispatcher.Status(context.Background(), Slot(9)); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Status(9) error = %v, want ErrNodeNotFound", err)
	}
	if len(h.prober.probed) != 0 || len(h.rec.Calls()) != 0 {
		t.Error("unknown slot must not cause any I/O")
	}
}

// bigTopology has a controller and n CM4 nodes in slots 2..n+1, all up.
func bigTopology(n int) (config.ClusterConfig, map[string]bool) {
	topo := config.ClusterConfig{
		Nodes: []config.NodeConfig{{Hostname: "ctl", Address: "10.0.0.1", Model: "LPI3H", Slot: 1}},
	}
	up := map[string]bool{}
	for i := 0; i < n; i++ {
		slot := i + 2
		addr := fmt.Sprintf("10.0.0.%d", slot)
		topo.Nodes = append(topo.Nodes, config.NodeConfig{
			Hostname: fmt.Sprintf("cm4-%d", i),
			Address:  addr,
			Model:    "CM4",
			Slot:     slot,
		})
		up[addr] = true
	}
	return topo, up
}

func TestBatchFailureIsolation(t *testing.T) {
	for _, concurrency := range []int{1, 0} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			topo, up := bigTopology(5)
			h := newHarness(t, topo, up, concurrency)
			h.rec.Fail = map[string]error{
				"cm4-2": &remote.ConnectionError{User: "pi", Host: "cm4-2", Err: errors.New("timeout")},
			}

			report, err := h.dispatcher.Shutdown(context.Background(), All())
			if err != nil {
				t.Fatalf("Shutdown(all) error = %v", err)
			}
			if got := report.Count(Failed); got != 1 {
				t.Errorf("failed = %d, want 1", got)
			}
			if got := report.Count(Succeeded); got != 4 {
				t.Errorf("succeeded = %d, want 4", got)
			}
			for i, o := range report.Outcomes {
				if o.Node.Slot != i+2 {
					t.Errorf("outcome %d is slot %d, want topology order", i, o.Node.Slot)
				}
			}
			failed := report.Outcomes[2]
			if failed.Node.Hostname != "cm4-2" || FailureKind(failed.Err) != "connection" {
				t.Errorf("failed outcome = %v", failed)
			}
			for i := 0; i < 5; i++ {
				host := fmt.Sprintf("cm4-%d", i)
				if calls := h.rec.CallsTo(host); len(calls) != 1 {
					t.Errorf("%s got %d halt calls, want 1", host, len(calls))
				}
			}
		})
	}
}

// Within one node, halt, settle and relay stay in order even when nodes
// run in parallel.
func TestParallelKeepsPerNodeOrder(t *testing.T) {
	topo, up := bigTopology(6)
	h := newHarness(t, topo, up, 0)

	var mu sync.Mutex
	var events []string
	h.rec.OnRun = func(c remotetest.Call) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, c.Host+": "+c.Command)
	}

	report, err := h.dispatcher.Shutdown(context.Background(), All())
	if err != nil || report.Failed() {
		t.Fatalf("Shutdown(all) = %v, %v", report, err)
	}

	for i := 0; i < 6; i++ {
		slot := i + 2
		halt := indexOf(events, fmt.Sprintf("cm4-%d: sudo shutdown -h now", i))
		relay := indexOf(events, fmt.Sprintf("ctl: sudo gpioset gpiochip2 %d=0", slot))
		if halt < 0 || relay < 0 || halt > relay {
			t.Errorf("slot %d: halt at %d, relay at %d", slot, halt, relay)
		}
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestPoolBound(t *testing.T) {
	topo, up := bigTopology(8)
	h := newHarness(t, topo, up, 3)

	var mu sync.Mutex
	active, peak := 0, 0
	h.sequencer.WithSleeper(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	if _, err := h.dispatcher.Shutdown(context.Background(), All()); err != nil {
		t.Fatal(err)
	}
	if peak > 3 {
		t.Errorf("peak concurrency %d exceeds pool size 3", peak)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, testTopology, map[string]bool{"10.0.0.1": true, "10.0.0.3": true}, 0)

	statuses, err := h.dispatcher.Status(context.Background(), All())
	if err != nil {
		t.Fatalf("Status(all) error = %v", err)
	}
	want := []struct {
		slot  int
		state PowerState
	}{{1, On}, {2, Off}, {3, On}}
	if len(statuses) != len(want) {
		t.Fatalf("got %d statuses, want %d", len(statuses), len(want))
	}
	for i, w := range want {
		if statuses[i].Node.Slot != w.slot || statuses[i].State != w.state {
			t.Errorf("status[%d] = slot %d %v, want slot %d %v",
				i, statuses[i].Node.Slot, statuses[i].State, w.slot, w.state)
		}
	}

	single, err := h.dispatcher.Status(context.Background(), Slot(3))
	if err != nil {
		t.Fatalf("Status(3) error = %v", err)
	}
	if len(single) != 1 || single[0].Node.Hostname != "cm5-0" || single[0].State != On {
		t.Errorf("Status(3) = %+v", single)
	}
	if calls := h.rec.Calls(); len(calls) != 0 {
		t.Errorf("status made remote calls: %v", calls)
	}
}

func TestSubscribeReceivesOutcomes(t *testing.T) {
	h := newHarness(t, testTopology, map[string]bool{"10.0.0.3": true}, 1)
	h.rec.Fail = map[string]error{"ctl": errors.New("gpioset missing")}

	var got []EventType
	h.dispatcher.Subscribe(func(e Event) {
		if e.Outcome == nil || e.Outcome.Node.Slot != e.Node.Slot {
			t.Errorf("event without matching outcome: %+v", e)
		}
		got = append(got, e.Type)
	})

	if _, err := h.dispatcher.Boot(context.Background(), All()); err != nil {
		t.Fatal(err)
	}
	want := []EventType{NodeFailed, NodeSkipped}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestWatchReportsChanges(t *testing.T) {
	h := newHarness(t, testTopology, nil, 1)

	changes := make(chan Event, 16)
	h.dispatcher.Subscribe(func(e Event) {
		if e.Type == PowerChanged {
			changes <- e
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.dispatcher.Watch(ctx, Slot(2), 5*time.Millisecond) }()

	first := <-changes
	if first.Previous != Unknown || first.State != Off || first.Node.Slot != 2 {
		t.Fatalf("first event = %+v, want Unknown -> Off for slot 2", first)
	}

	h.prober.set("10.0.0.2", true)
	select {
	case e := <-changes:
		if e.Previous != Off || e.State != On {
			t.Errorf("change = %v -> %v, want Off -> On", e.Previous, e.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no power change reported")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestWatchUnknownSlot(t *testing.T) {
	h := newHarness(t, testTopology, nil, 1)
	if err := h.dispatcher.Watch(context.Background(), Slot(42), time.Millisecond); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Watch(42) error = %v, want ErrNodeNotFound", err)
	}
}
