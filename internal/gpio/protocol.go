package gpio

import (
	"context"
	"fmt"
)

// Protocol turns power intents into relay actions for one hardware model.
type Protocol interface {
	PowerOn(ctx context.Context, slot int) error
	PowerOff(ctx context.Context, slot int) error
}

// LevelDriven boards follow the line level: high runs, low cuts power.
type LevelDriven struct {
	Relay Relay
}

func (p LevelDriven) PowerOn(ctx context.Context, slot int) error {
	return p.Relay.Assert(ctx, slot, 1)
}

func (p LevelDriven) PowerOff(ctx context.Context, slot int) error {
	return p.Relay.Assert(ctx, slot, 0)
}

// PulseDriven boards toggle on each button press edge, so on and off are
// the same single pulse.
type PulseDriven struct {
	Relay Relay
}

func (p PulseDriven) PowerOn(ctx context.Context, slot int) error {
	return p.Relay.Pulse(ctx, slot)
}

func (p PulseDriven) PowerOff(ctx context.Context, slot int) error {
	return p.Relay.Pulse(ctx, slot)
}

// Unsupported is used for models without a power line.
type Unsupported struct {
	Model string
}

func (p Unsupported) PowerOn(_ context.Context, slot int) error {
	return fmt.Errorf("slot %d: %w %s", slot, ErrUnsupportedModel, p.Model)
}

func (p Unsupported) PowerOff(_ context.Context, slot int) error {
	return fmt.Errorf("slot %d: %w %s", slot, ErrUnsupportedModel, p.Model)
}
