package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/yungbote/omop-automapper/internal/mapping"
)

// memoryBus delivers events to forwarders inside one process. Publish calls
// the callbacks synchronously.
type memoryBus struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]func(mapping.ProgressEvent)
	closed bool
}

func NewMemoryBus() Bus {
	return &memoryBus{subs: map[int]func(mapping.ProgressEvent){}}
}

func (b *memoryBus) Publish(ctx context.Context, ev mapping.ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}
	for _, fn := range b.subs {
		fn(ev)
	}
	return nil
}

func (b *memoryBus) StartForwarder(ctx context.Context, onEvent func(ev mapping.ProgressEvent)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("memory bus closed")
	}
	id := b.next
	b.next++
	b.subs[id] = onEvent
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = map[int]func(mapping.ProgressEvent){}
	return nil
}
