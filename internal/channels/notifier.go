package channels

import (
	"context"
)

// Notifier pushes lifecycle notifications to an external messaging platform.
type Notifier interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins consuming events. It should block until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
