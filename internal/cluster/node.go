package cluster

import (
	"fmt"
	"strings"

	"github.com/sakuffo/slotctl/internal/gpio"
)

// Model identifies the compute board fitted in a slot.
type Model int

const (
	ModelUnknown Model = iota
	// CM4 boards run while their power line is held high.
	CM4
	// CM5 boards toggle power on each press of their button line.
	CM5
	// LPI3H is the controller board. It has no power line of its own.
	LPI3H
)

var modelNames = map[Model]string{
	ModelUnknown: "unknown",
	CM4:          "CM4",
	CM5:          "CM5",
	LPI3H:        "LPI3H",
}

func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

// ParseModel accepts a model name in any case.
func ParseModel(s string) (Model, error) {
	for m, name := range modelNames {
		if m != ModelUnknown && strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return ModelUnknown, fmt.Errorf("%w %q", ErrUnknownModel, s)
}

// Protocol returns the power protocol for the model, relayed through r.
func (m Model) Protocol(r gpio.Relay) gpio.Protocol {
	switch m {
	case CM4:
		return gpio.LevelDriven{Relay: r}
	case CM5:
		return gpio.PulseDriven{Relay: r}
	default:
		return gpio.Unsupported{Model: m.String()}
	}
}

// Supported reports whether the model has a power protocol.
func (m Model) Supported() bool {
	return m == CM4 || m == CM5
}

// PowerState is the observed power state of a node. It is never stored;
// every query probes again.
type PowerState int

const (
	Unknown PowerState = iota
	On
	Off
)

func (s PowerState) String() string {
	switch s {
	case On:
		return "On"
	case Off:
		return "Off"
	default:
		return "Unknown"
	}
}

// StateOf converts a probe result to a PowerState.
func StateOf(reachable bool) PowerState {
	if reachable {
		return On
	}
	return Off
}

// Node is one compute slot. Nodes are values; the topology never changes
// after it is loaded.
type Node struct {
	Hostname string
	Address  string
	Model    Model
	Slot     int
}

// IsController reports whether n is the controller node.
func (n Node) IsController() bool {
	return n.Slot == ControllerSlot
}

// ProbeTarget is the address reachability probes are sent to.
func (n Node) ProbeTarget() string {
	if n.Address != "" {
		return n.Address
	}
	return n.Hostname
}

func (n Node) String() string {
	return fmt.Sprintf("slot %d (%s, %s)", n.Slot, n.Hostname, n.Model)
}
