package bus

import (
	"context"

	"github.com/yungbote/omop-automapper/internal/mapping"
)

// Bus fans batch progress events out to every subscriber, across processes
// when backed by redis.
type Bus interface {
	Publish(ctx context.Context, ev mapping.ProgressEvent) error
	StartForwarder(ctx context.Context, onEvent func(ev mapping.ProgressEvent)) error
	Close() error
}
