package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/sakuffo/slotctl/internal/clock"
	"github.com/sakuffo/slotctl/internal/gpio"
	"github.com/sakuffo/slotctl/internal/logger"
	"github.com/sakuffo/slotctl/internal/probe"
	"github.com/sakuffo/slotctl/internal/remote"
)

// ShutdownCommand halts a node's operating system.
const ShutdownCommand = "sudo shutdown -h now"

// Operation is a power operation applied to nodes.
type Operation int

const (
	Boot Operation = iota
	Shutdown
)

func (o Operation) String() string {
	if o == Shutdown {
		return "shutdown"
	}
	return "boot"
}

// Result is how one node's sequence ended.
type Result int

const (
	Skipped Result = iota
	Succeeded
	Failed
)

func (r Result) String() string {
	switch r {
	case Skipped:
		return "skipped"
	case Succeeded:
		return "succeeded"
	default:
		return "failed"
	}
}

// Stage is a step of a power sequence. A failed Outcome records the stage
// it failed in; earlier stages are not undone.
type Stage string

const (
	StageStart   Stage = "start"
	StageProbed  Stage = "probed"
	StageHalt    Stage = "halt"
	StageSettle  Stage = "settle"
	StageRelay   Stage = "relay"
	StageDone    Stage = "done"
	StageSkipped Stage = "skip"
)

// Outcome is the result of one sequence run on one node.
type Outcome struct {
	OperationID string
	Operation   Operation
	Node        Node
	Result      Result
	Stage       Stage
	Reason      string
	Err         error
	Started     time.Time
	Duration    time.Duration
}

func (o Outcome) String() string {
	switch o.Result {
	case Skipped:
		return fmt.Sprintf("%s %s: skipped (%s)", o.Operation, o.Node, o.Reason)
	case Succeeded:
		return fmt.Sprintf("%s %s: succeeded in %v", o.Operation, o.Node, o.Duration.Round(time.Millisecond))
	default:
		return fmt.Sprintf("%s %s: failed at %s [%s]: %v", o.Operation, o.Node, o.Stage, FailureKind(o.Err), o.Err)
	}
}

// SequencerConfig holds the fixed timings and identities used by a
// Sequencer.
type SequencerConfig struct {
	// User is the login used on target nodes for the OS shutdown.
	User string

	// SettleDelay separates the OS shutdown request from cutting power.
	SettleDelay time.Duration

	// Timeout bounds a whole sequence on one node. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration
}

// Sequencer runs the boot and shutdown sequences for single nodes.
// A Sequencer holds no per-node state and may run many nodes at once.
type Sequencer struct {
	config SequencerConfig
	prober probe.Prober
	relay  gpio.Relay
	exec   remote.Executor
	logger logger.Logger
	sleep  clock.Sleeper
	now    func() time.Time
}

// NewSequencer creates a Sequencer. relay drives the controller's GPIO
// lines and exec reaches target nodes directly.
func NewSequencer(cfg SequencerConfig, prober probe.Prober, relay gpio.Relay, exec remote.Executor, log logger.Logger) *Sequencer {
	return &Sequencer{
		config: cfg,
		prober: prober,
		relay:  relay,
		exec:   exec,
		logger: log,
		sleep:  clock.Sleep,
		now:    time.Now,
	}
}

// WithSleeper replaces the wait used for the settle delay.
func (s *Sequencer) WithSleeper(sl clock.Sleeper) *Sequencer {
	s.sleep = sl
	return s
}

// PowerState probes node once.
func (s *Sequencer) PowerState(ctx context.Context, node Node) PowerState {
	return StateOf(s.IsPoweredOn(ctx, node))
}

// IsPoweredOn probes node once. A node that does not answer is off.
func (s *Sequencer) IsPoweredOn(ctx context.Context, node Node) bool {
	return s.prober.Reachable(ctx, node.ProbeTarget())
}

// Run applies op to node.
func (s *Sequencer) Run(ctx context.Context, op Operation, node Node) Outcome {
	if op == Shutdown {
		return s.Shutdown(ctx, node)
	}
	return s.Boot(ctx, node)
}

// Boot powers node on unless it already answers probes. Boot does not
// wait for the node to come up.
func (s *Sequencer) Boot(ctx context.Context, node Node) Outcome {
	run := s.begin(ctx, Boot, node)
	defer run.cancel()

	if run.rejected() {
		return run.out
	}
	if s.IsPoweredOn(run.ctx, node) {
		return run.skip("already on")
	}
	run.enter(StageProbed)

	protocol := node.Model.Protocol(s.relay)
	if !node.Model.Supported() {
		return run.fail(protocol.PowerOn(run.ctx, node.Slot))
	}

	run.enter(StageRelay)
	if err := protocol.PowerOn(run.ctx, node.Slot); err != nil {
		return run.fail(err)
	}
	return run.succeed()
}

// Shutdown halts node's OS, waits for the settle delay, then cuts power
// through the controller. Nodes that do not answer probes are skipped.
func (s *Sequencer) Shutdown(ctx context.Context, node Node) Outcome {
	run := s.begin(ctx, Shutdown, node)
	defer run.cancel()

	if run.rejected() {
		return run.out
	}
	if !s.IsPoweredOn(run.ctx, node) {
		return run.skip("already off")
	}
	run.enter(StageProbed)

	protocol := node.Model.Protocol(s.relay)
	if !node.Model.Supported() {
		return run.fail(protocol.PowerOff(run.ctx, node.Slot))
	}

	run.enter(StageHalt)
	if _, err := s.exec.Run(run.ctx, s.config.User, node.Hostname, ShutdownCommand, remote.AllowDisconnect()); err != nil {
		return run.fail(fmt.Errorf("requesting OS shutdown: %w", err))
	}

	run.enter(StageSettle)
	if err := s.sleep(run.ctx, s.config.SettleDelay); err != nil {
		return run.fail(fmt.Errorf("waiting for %s to settle: %w", node.Hostname, err))
	}

	run.enter(StageRelay)
	if err := protocol.PowerOff(run.ctx, node.Slot); err != nil {
		return run.fail(err)
	}
	return run.succeed()
}

// sequenceRun tracks one sequence as it moves through its stages.
type sequenceRun struct {
	s      *Sequencer
	ctx    context.Context
	cancel context.CancelFunc
	out    Outcome
}

func (s *Sequencer) begin(ctx context.Context, op Operation, node Node) *sequenceRun {
	cancel := context.CancelFunc(func() {})
	if s.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
	}
	r := &sequenceRun{
		s:      s,
		ctx:    ctx,
		cancel: cancel,
		out: Outcome{
			OperationID: operationID(ctx),
			Operation:   op,
			Node:        node,
			Stage:       StageStart,
			Started:     s.now(),
		},
	}
	return r
}

// rejected refuses the controller node before any I/O.
func (r *sequenceRun) rejected() bool {
	if !r.out.Node.IsController() {
		return false
	}
	r.fail(fmt.Errorf("slot %d: %w", r.out.Node.Slot, ErrControllerProtected))
	return true
}

func (r *sequenceRun) enter(stage Stage) {
	r.s.logger.Debug("[%s] %s %s: %s -> %s", r.out.OperationID, r.out.Operation, r.out.Node, r.out.Stage, stage)
	r.out.Stage = stage
}

func (r *sequenceRun) skip(reason string) Outcome {
	r.enter(StageSkipped)
	r.out.Result = Skipped
	r.out.Reason = reason
	r.out.Duration = r.s.now().Sub(r.out.Started)
	return r.out
}

func (r *sequenceRun) succeed() Outcome {
	r.enter(StageDone)
	r.out.Result = Succeeded
	r.out.Duration = r.s.now().Sub(r.out.Started)
	return r.out
}

// fail keeps the stage the sequence was in so the outcome shows how far
// it got.
func (r *sequenceRun) fail(err error) Outcome {
	r.out.Result = Failed
	r.out.Err = err
	r.out.Duration = r.s.now().Sub(r.out.Started)
	return r.out
}

type operationIDKey struct{}

// WithOperationID tags ctx with the ID logged for every node touched by
// one dispatch.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, id)
}

func operationID(ctx context.Context) string {
	id, _ := ctx.Value(operationIDKey{}).(string)
	return id
}
