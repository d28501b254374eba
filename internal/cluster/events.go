package cluster

import "time"

// EventType defines the type of cluster event
type EventType int

const (
	// NodeSkipped: the node was already in the requested state.
	NodeSkipped EventType = iota
	// NodeSucceeded: every step of the node's sequence completed.
	NodeSucceeded
	// NodeFailed: a step failed; Outcome.Err says which.
	NodeFailed
	// PowerChanged: a watched node was observed in a new power state.
	PowerChanged
)

func (t EventType) String() string {
	switch t {
	case NodeSkipped:
		return "skipped"
	case NodeSucceeded:
		return "succeeded"
	case NodeFailed:
		return "failed"
	case PowerChanged:
		return "power-changed"
	default:
		return "unknown"
	}
}

// Event reports the end of one node's sequence, or a power change seen
// while watching.
type Event struct {
	Type        EventType
	OperationID string
	Node        Node

	// Outcome is set for NodeSkipped, NodeSucceeded and NodeFailed.
	Outcome *Outcome

	// Previous and State are set for PowerChanged.
	Previous  PowerState
	State     PowerState
	Timestamp time.Time
}

// EventFunc is a callback function type for cluster events
type EventFunc func(event Event)

func eventTypeFor(r Result) EventType {
	switch r {
	case Skipped:
		return NodeSkipped
	case Succeeded:
		return NodeSucceeded
	default:
		return NodeFailed
	}
}
