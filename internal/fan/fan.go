// Package fan sets the controller's thermal zone mode and fan speed
// through sysfs on the controller host.
package fan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sakuffo/slotctl/internal/logger"
	"github.com/sakuffo/slotctl/internal/remote"
)

const (
	MinSpeed = 0
	MaxSpeed = 4
)

var (
	ErrInvalidMode  = errors.New("fan mode must be enabled or disabled")
	ErrInvalidSpeed = errors.New("fan speed out of range")
)

// Mode is the thermal zone mode. Enabled hands the fan to the kernel's
// thermal governor; Disabled lets SetSpeed pin it.
type Mode string

const (
	Enabled  Mode = "enabled"
	Disabled Mode = "disabled"
)

// ParseMode accepts "enabled" or "disabled" in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Enabled, Disabled:
		return m, nil
	}
	return "", fmt.Errorf("%w (got %q)", ErrInvalidMode, s)
}

// Config addresses the controller and its sysfs files.
type Config struct {
	User      string
	Host      string
	ModePath  string
	SpeedPath string
}

// Controller writes fan settings on the controller host.
type Controller struct {
	exec   remote.Executor
	config Config
	logger logger.Logger
}

func NewController(exec remote.Executor, cfg Config, log logger.Logger) *Controller {
	return &Controller{exec: exec, config: cfg, logger: log}
}

// WriteCommand returns the shell command that writes value to a sysfs
// path as root.
func WriteCommand(value, path string) string {
	return fmt.Sprintf("echo %s | sudo tee %s", value, path)
}

// SetMode switches the thermal zone mode.
func (c *Controller) SetMode(ctx context.Context, mode Mode) error {
	if mode != Enabled && mode != Disabled {
		return fmt.Errorf("%w (got %q)", ErrInvalidMode, string(mode))
	}
	c.logger.Info("Setting fan mode to %s on %s", mode, c.config.Host)
	return c.write(ctx, string(mode), c.config.ModePath)
}

// SetSpeed pins the cooling device to a speed between MinSpeed and
// MaxSpeed. The kernel only honours it while the mode is Disabled.
func (c *Controller) SetSpeed(ctx context.Context, speed int) error {
	if speed < MinSpeed || speed > MaxSpeed {
		return fmt.Errorf("%w: %d not in %d..%d", ErrInvalidSpeed, speed, MinSpeed, MaxSpeed)
	}
	c.logger.Info("Setting fan speed to %d on %s", speed, c.config.Host)
	return c.write(ctx, fmt.Sprint(speed), c.config.SpeedPath)
}

func (c *Controller) write(ctx context.Context, value, path string) error {
	out, err := c.exec.Run(ctx, c.config.User, c.config.Host, WriteCommand(value, path))
	if err != nil {
		return fmt.Errorf("writing %s to %s: %w", value, path, err)
	}
	c.logger.Debug("%s now reads %s", path, strings.TrimSpace(out))
	return nil
}
