package bus

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/omop-automapper/internal/mapping"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

func TestMemoryBusFansOut(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var a, c []string
	require.NoError(t, b.StartForwarder(ctx, func(ev mapping.ProgressEvent) { a = append(a, ev.RunID) }))
	require.NoError(t, b.StartForwarder(ctx, func(ev mapping.ProgressEvent) { c = append(c, ev.RunID) }))

	require.NoError(t, b.Publish(context.Background(), mapping.ProgressEvent{RunID: "r1", Total: 2, Done: 1}))
	require.NoError(t, b.Publish(context.Background(), mapping.ProgressEvent{RunID: "r2", Finished: true}))

	if strings.Join(a, ",") != "r1,r2" || strings.Join(c, ",") != "r1,r2" {
		t.Fatalf("delivered: want=r1,r2 got=%v / %v", a, c)
	}
}

func TestMemoryBusForwarderStopsWithContext(t *testing.T) {
	b := NewMemoryBus().(*memoryBus)
	ctx, cancel := context.WithCancel(context.Background())

	n := 0
	require.NoError(t, b.StartForwarder(ctx, func(mapping.ProgressEvent) { n++ }))
	cancel()

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), mapping.ProgressEvent{RunID: "late"}))
	if n != 0 {
		t.Fatalf("events after cancel: want=0 got=%d", n)
	}
}

func TestMemoryBusRejectsAfterClose(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	if err := b.Publish(context.Background(), mapping.ProgressEvent{}); err == nil {
		t.Fatalf("publish after close: want error")
	}
	if err := b.StartForwarder(context.Background(), func(mapping.ProgressEvent) {}); err == nil {
		t.Fatalf("forwarder after close: want error")
	}
	if err := NewMemoryBus().StartForwarder(context.Background(), nil); err == nil {
		t.Fatalf("nil callback: want error")
	}
}

func TestNewRedisBusValidatesConfig(t *testing.T) {
	if _, err := NewRedisBus(nil, RedisConfig{Addr: "localhost:6379"}); err == nil {
		t.Fatalf("nil logger: want error")
	}
	if _, err := NewRedisBus(logger.Nop(), RedisConfig{Addr: "  "}); err == nil {
		t.Fatalf("blank addr: want error")
	}
}

func TestRedisBusChannelPerRun(t *testing.T) {
	b := &redisBus{prefix: "automap.progress"}
	if got := b.channelFor("run-7"); got != "automap.progress.run-7" {
		t.Fatalf("channel: want=automap.progress.run-7 got=%s", got)
	}
	if got := b.channelFor(" "); got != "automap.progress.unknown" {
		t.Fatalf("channel: want=automap.progress.unknown got=%s", got)
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	b, err := NewRedisBus(logger.Nop(), RedisConfig{Addr: addr, Channel: "automap.progress.test"})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan mapping.ProgressEvent, 1)
	require.NoError(t, b.StartForwarder(ctx, func(ev mapping.ProgressEvent) { got <- ev }))
	require.NoError(t, b.Publish(ctx, mapping.ProgressEvent{RunID: "run-1", Total: 3, Done: 3, Finished: true}))

	select {
	case ev := <-got:
		if ev.RunID != "run-1" || !ev.Finished || ev.Done != 3 {
			t.Fatalf("event: want=run-1 finished done=3 got=%+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no event received")
	}
}
