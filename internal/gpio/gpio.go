// Package gpio drives the power buttons of compute slots through the
// controller host. The controller has one GPIO line per slot on a single
// chip, and line N is wired to slot N, so slots are used as line offsets
// directly.
package gpio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sakuffo/slotctl/internal/clock"
	"github.com/sakuffo/slotctl/internal/logger"
	"github.com/sakuffo/slotctl/internal/remote"
)

var (
	ErrInvalidLevel     = errors.New("gpio level must be 0 or 1")
	ErrUnsupportedModel = errors.New("no power control for model")
)

// Relay sets slot lines on the controller.
type Relay interface {
	// Assert drives the line for slot to level and leaves it there.
	Assert(ctx context.Context, slot, level int) error

	// Pulse drives the line low, holds it for the pulse width, then
	// drives it high again: one momentary button press.
	Pulse(ctx context.Context, slot int) error
}

// ControllerConfig addresses the controller host and its GPIO chip.
type ControllerConfig struct {
	User       string
	Host       string
	Chip       string
	PulseWidth time.Duration
}

// Controller is the Relay that runs gpioset on the controller host.
type Controller struct {
	exec   remote.Executor
	config ControllerConfig
	logger logger.Logger
	sleep  clock.Sleeper
}

// NewController creates a Controller. Each Assert opens its own remote
// session.
func NewController(exec remote.Executor, cfg ControllerConfig, log logger.Logger) *Controller {
	if cfg.PulseWidth <= 0 {
		cfg.PulseWidth = time.Second
	}
	return &Controller{
		exec:   exec,
		config: cfg,
		logger: log,
		sleep:  clock.Sleep,
	}
}

// WithSleeper replaces the wait used between the two halves of a pulse.
func (c *Controller) WithSleeper(s clock.Sleeper) *Controller {
	c.sleep = s
	return c
}

// SetCommand returns the shell command that drives slot's line to level.
func SetCommand(chip string, slot, level int) string {
	return fmt.Sprintf("sudo gpioset %s %d=%d", chip, slot, level)
}

// Assert implements Relay.
func (c *Controller) Assert(ctx context.Context, slot, level int) error {
	if level != 0 && level != 1 {
		return fmt.Errorf("slot %d: %w (got %d)", slot, ErrInvalidLevel, level)
	}
	c.logger.Debug("Setting %s line %d to %d via %s", c.config.Chip, slot, level, c.config.Host)
	_, err := c.exec.Run(ctx, c.config.User, c.config.Host, SetCommand(c.config.Chip, slot, level))
	if err != nil {
		return fmt.Errorf("setting line %d to %d: %w", slot, level, err)
	}
	return nil
}

// Pulse implements Relay.
func (c *Controller) Pulse(ctx context.Context, slot int) error {
	if err := c.Assert(ctx, slot, 0); err != nil {
		return err
	}
	if err := c.sleep(ctx, c.config.PulseWidth); err != nil {
		// Leave the button released even when interrupted mid-press.
		c.logger.Warn("Pulse on line %d interrupted, releasing: %v", slot, err)
		if relErr := c.Assert(context.WithoutCancel(ctx), slot, 1); relErr != nil {
			c.logger.Error("Releasing line %d failed: %v", slot, relErr)
		}
		return fmt.Errorf("pulsing line %d: %w", slot, err)
	}
	return c.Assert(ctx, slot, 1)
}
