package core

import (
	"context"

	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

// EventSubscription delivers the live events of a single job until closed.
// The channel is closed when the subscription ends; Close is safe to call
// more than once and from any goroutine.
type EventSubscription interface {
	Events() <-chan model.JobEvent
	Close()
}

// EventFeed carries job events from the worker producing them to whoever is
// watching the job. Delivery is best effort: the job record is the source of
// truth and subscribers that fall behind or disconnect lose nothing durable,
// because reconnecting replays the record.
type EventFeed interface {
	Publish(ctx context.Context, event model.JobEvent) error
	Subscribe(ctx context.Context, jobID string) (EventSubscription, error)
}
