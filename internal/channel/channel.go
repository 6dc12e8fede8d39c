package channel

import (
	"context"

	"github.com/stellarlinkco/ctxkeeper/internal/bus"
)

// Channel delivers bus events to an external destination.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ev bus.Event) error
}
