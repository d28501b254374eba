package cluster

import (
	"context"
	"errors"

	"github.com/sakuffo/slotctl/internal/gpio"
	"github.com/sakuffo/slotctl/internal/remote"
)

var (
	ErrNodeNotFound        = errors.New("node not found")
	ErrControllerProtected = errors.New("controller node cannot be power-cycled")
	ErrUnknownModel        = errors.New("unknown model")
	ErrInvalidTarget       = errors.New("invalid node selector")
)

// FailureKind names the class of err for log lines.
func FailureKind(err error) string {
	var connErr *remote.ConnectionError
	var cmdErr *remote.CommandError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &cmdErr):
		return "command"
	case errors.Is(err, gpio.ErrUnsupportedModel):
		return "unsupported-model"
	case errors.Is(err, ErrNodeNotFound):
		return "not-found"
	case errors.Is(err, ErrControllerProtected):
		return "controller-protected"
	default:
		return "error"
	}
}
