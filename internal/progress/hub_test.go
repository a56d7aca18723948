package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *captureSink) Consume(_ context.Context, events []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

func (c *captureSink) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func validEvent(kind Kind, stage string) Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now().UTC(),
		Kind:  kind,
		Stage: stage,
	}
}

func TestHubDeliversInOrder(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(&HubOptions{Buffer: 16, BatchSize: 4, FlushInterval: 10 * time.Millisecond}, zap.NewNop(), sink)

	hub.Emit(validEvent(KindStageStart, "seasons"))
	hub.Emit(validEvent(KindBatchDone, "seasons"))
	hub.Emit(validEvent(KindStageDone, "seasons"))

	require.NoError(t, hub.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 3)
	require.Equal(t, KindStageStart, got[0].Kind)
	require.Equal(t, KindBatchDone, got[1].Kind)
	require.Equal(t, KindStageDone, got[2].Kind)
	require.True(t, sink.closed)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(nil, zap.NewNop(), sink)

	hub.Emit(Event{Kind: KindBatchDone}) // missing run id and timestamp
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.snapshot())
}

func TestHubCountsBackpressureDrops(t *testing.T) {
	t.Parallel()

	// A sink that blocks until released, so the buffer fills up.
	release := make(chan struct{})
	blocking := &blockingSink{release: release}
	hub := NewHub(&HubOptions{Buffer: 1, BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop(), blocking)

	for i := 0; i < 50; i++ {
		hub.Emit(validEvent(KindBatchDone, "persons"))
	}
	close(release)
	require.NoError(t, hub.Close(context.Background()))
	require.Greater(t, hub.Dropped(), uint64(0))
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Consume(context.Context, []Event) error {
	<-b.release
	return nil
}

func (b *blockingSink) Close(context.Context) error { return nil }

func TestEventValidate(t *testing.T) {
	t.Parallel()

	ev := validEvent(KindRunDone, "")
	require.NoError(t, ev.Validate())

	ev = validEvent(KindBatchDone, "")
	require.Error(t, ev.Validate(), "stage-scoped events need a stage")

	ev = validEvent("BOGUS", "x")
	require.Error(t, ev.Validate())

	ev = validEvent(KindStageDone, "matches")
	ev.Dur = -time.Second
	require.Error(t, ev.Validate())
}
