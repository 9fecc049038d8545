package providers

import (
	"context"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
)

// EventBus defines the interface for publishing and subscribing to events
type EventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, channel string, event *entities.JobEvent) error

	// Subscribe subscribes to events on a channel
	Subscribe(ctx context.Context, channel string) (<-chan *entities.JobEvent, error)

	// Unsubscribe unsubscribes from a channel
	Unsubscribe(ctx context.Context, channel string) error

	// Close closes the event bus and all subscriptions
	Close() error
}

// EventChannel constants for different event types
const (
	// EventChannelScanJobs carries status changes of every scan job
	EventChannelScanJobs = "scan:jobs"

	// EventChannelProjectPrefix is the prefix for project-specific channels
	EventChannelProjectPrefix = "scan:project:"
)

// GetProjectChannel returns the channel name for a specific project
func GetProjectChannel(projectID string) string {
	return EventChannelProjectPrefix + projectID
}
