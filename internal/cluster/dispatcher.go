package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sakuffo/slotctl/internal/logger"
)

// Target selects the nodes a dispatch acts on: every node, or one slot.
type Target struct {
	all  bool
	slot int
}

// All targets every node.
func All() Target { return Target{all: true} }

// Slot targets a single node.
func Slot(n int) Target { return Target{slot: n} }

// ParseTarget accepts "all" (any case) or a slot number.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		return All(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Target{}, fmt.Errorf("%w %q: want \"all\" or a slot number", ErrInvalidTarget, s)
	}
	return Slot(n), nil
}

// IsAll reports whether t selects every node.
func (t Target) IsAll() bool { return t.all }

// SlotNumber returns the selected slot. It is meaningless when IsAll.
func (t Target) SlotNumber() int { return t.slot }

func (t Target) String() string {
	if t.all {
		return "all"
	}
	return strconv.Itoa(t.slot)
}

// Report collects the outcomes of one dispatch in topology order.
type Report struct {
	OperationID string
	Operation   Operation
	Target      Target
	Outcomes    []Outcome
}

// Count returns how many outcomes ended with r.
func (rep *Report) Count(r Result) int {
	n := 0
	for _, o := range rep.Outcomes {
		if o.Result == r {
			n++
		}
	}
	return n
}

// Failed reports whether any node failed.
func (rep *Report) Failed() bool { return rep.Count(Failed) > 0 }

// NodeStatus is one line of a status query.
type NodeStatus struct {
	Node  Node
	State PowerState
}

// Dispatcher applies power operations to one node or to the whole
// cluster. Failures on one node never stop the others.
type Dispatcher struct {
	cluster     *Cluster
	sequencer   *Sequencer
	logger      logger.Logger
	concurrency int

	mutex       sync.RWMutex
	subscribers []EventFunc
}

// NewDispatcher creates a Dispatcher. concurrency caps how many nodes are
// sequenced at once; zero or less sizes the pool to the number of nodes.
func NewDispatcher(c *Cluster, seq *Sequencer, log logger.Logger, concurrency int) *Dispatcher {
	return &Dispatcher{
		cluster:     c,
		sequencer:   seq,
		logger:      log,
		concurrency: concurrency,
	}
}

// Subscribe adds an event listener. Listeners are called synchronously
// from the goroutine that finished the node, so they must not block.
func (d *Dispatcher) Subscribe(fn EventFunc) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.subscribers = append(d.subscribers, fn)
}

func (d *Dispatcher) notifySubscribers(event Event) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for _, fn := range d.subscribers {
		fn(event)
	}
}

// Boot powers on the targeted nodes.
func (d *Dispatcher) Boot(ctx context.Context, t Target) (*Report, error) {
	return d.Apply(ctx, Boot, t)
}

// Shutdown powers off the targeted nodes.
func (d *Dispatcher) Shutdown(ctx context.Context, t Target) (*Report, error) {
	return d.Apply(ctx, Shutdown, t)
}

// Apply runs op on the nodes selected by t. The returned error covers only
// requests that could not start: an unknown slot or the controller slot.
// Per-node failures are reported in the Report.
func (d *Dispatcher) Apply(ctx context.Context, op Operation, t Target) (*Report, error) {
	nodes, err := d.resolve(t)
	if err != nil {
		d.logger.Error("%s %s rejected: %v", op, t, err)
		return nil, err
	}

	id := uuid.New().String()
	ctx = WithOperationID(ctx, id)
	report := &Report{
		OperationID: id,
		Operation:   op,
		Target:      t,
		Outcomes:    make([]Outcome, len(nodes)),
	}

	d.logger.Info("[%s] Starting %s on %d node(s)", id, op, len(nodes))
	d.forEach(nodes, func(i int, node Node) {
		out := d.sequencer.Run(ctx, op, node)
		report.Outcomes[i] = out
		d.record(out)
	})
	d.logger.Info("[%s] %s finished: %d succeeded, %d skipped, %d failed",
		id, op, report.Count(Succeeded), report.Count(Skipped), report.Count(Failed))

	return report, nil
}

// resolve picks the nodes for a power operation.
func (d *Dispatcher) resolve(t Target) ([]Node, error) {
	if t.IsAll() {
		return d.cluster.Targets(), nil
	}
	if t.slot == ControllerSlot {
		return nil, fmt.Errorf("slot %d: %w", t.slot, ErrControllerProtected)
	}
	node, err := d.cluster.Node(t.slot)
	if err != nil {
		return nil, err
	}
	return []Node{node}, nil
}

func (d *Dispatcher) record(out Outcome) {
	switch out.Result {
	case Skipped:
		d.logger.Info("[%s] Slot %d (%s) is %s, skipping %s",
			out.OperationID, out.Node.Slot, out.Node.Hostname, out.Reason, out.Operation)
	case Succeeded:
		d.logger.Info("[%s] Slot %d (%s) %s complete", out.OperationID, out.Node.Slot, out.Node.Hostname, out.Operation)
	default:
		d.logger.Error("[%s] Slot %d (%s) %s failed at %s [%s]: %v",
			out.OperationID, out.Node.Slot, out.Node.Hostname, out.Operation, out.Stage, FailureKind(out.Err), out.Err)
	}

	o := out
	d.notifySubscribers(Event{
		Type:        eventTypeFor(out.Result),
		OperationID: out.OperationID,
		Node:        out.Node,
		Outcome:     &o,
		Timestamp:   time.Now(),
	})
}

// Status probes the targeted nodes. For All it includes the controller.
// Probe failures read as Off, so the only error is an unknown slot.
func (d *Dispatcher) Status(ctx context.Context, t Target) ([]NodeStatus, error) {
	var nodes []Node
	if t.IsAll() {
		nodes = d.cluster.Nodes()
	} else {
		node, err := d.cluster.Node(t.slot)
		if err != nil {
			d.logger.Error("Status for slot %d: %v", t.slot, err)
			return nil, err
		}
		nodes = []Node{node}
	}

	statuses := make([]NodeStatus, len(nodes))
	d.forEach(nodes, func(i int, node Node) {
		statuses[i] = NodeStatus{Node: node, State: d.sequencer.PowerState(ctx, node)}
	})
	return statuses, nil
}

// forEach calls fn for every node on a pool of at most d.concurrency
// goroutines and waits for all of them. fn receives the node's index so
// results can be stored in topology order.
func (d *Dispatcher) forEach(nodes []Node, fn func(i int, node Node)) {
	workers := d.concurrency
	if workers <= 0 || workers > len(nodes) {
		workers = len(nodes)
	}
	if workers <= 1 {
		for i, node := range nodes {
			fn(i, node)
		}
		return
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, node := range nodes {
		i, node := i, node
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i, node)
		}()
	}
	wg.Wait()
}
