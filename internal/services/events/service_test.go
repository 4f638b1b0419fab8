package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
)

// recorder collects deliveries and signals each one on a channel so tests can
// wait for the async fan-out goroutines.
type recorder struct {
	mu       sync.Mutex
	received []interfaces.Event
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 16)}
}

func (r *recorder) subscriber() interfaces.RoomSubscriber {
	return func(room string, event interfaces.Event) {
		r.mu.Lock()
		r.received = append(r.received, event)
		r.mu.Unlock()
		r.notify <- struct{}{}
	}
}

func (r *recorder) await(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func (r *recorder) events() []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interfaces.Event, len(r.received))
	copy(out, r.received)
	return out
}

func TestService_PublishFansOutToRoom(t *testing.T) {
	bus := NewService(arbor.NewLogger())

	first := newRecorder()
	second := newRecorder()
	bus.Join("task_1", "client-a", first.subscriber())
	bus.Join("task_1", "client-b", second.subscriber())

	bus.Publish("task_1", interfaces.Event{Name: "task_progress", Payload: 42})

	first.await(t)
	second.await(t)

	require.Len(t, first.events(), 1)
	require.Len(t, second.events(), 1)
	assert.Equal(t, "task_progress", first.events()[0].Name)
	assert.Equal(t, 42, first.events()[0].Payload)
}

func TestService_PublishIsRoomScoped(t *testing.T) {
	bus := NewService(arbor.NewLogger())

	joined := newRecorder()
	other := newRecorder()
	bus.Join("task_1", "client-a", joined.subscriber())
	bus.Join("task_2", "client-b", other.subscriber())

	bus.Publish("task_1", interfaces.Event{Name: "task_finished"})
	joined.await(t)

	assert.Len(t, joined.events(), 1)
	assert.Empty(t, other.events())
}

func TestService_PublishToEmptyRoomIsNoOp(t *testing.T) {
	bus := NewService(arbor.NewLogger())

	// Must not panic or block
	bus.Publish("task_99", interfaces.Event{Name: "task_progress"})
}

func TestService_LeaveStopsDelivery(t *testing.T) {
	bus := NewService(arbor.NewLogger())

	rec := newRecorder()
	bus.Join("task_1", "client-a", rec.subscriber())
	bus.Leave("task_1", "client-a")

	bus.Publish("task_1", interfaces.Event{Name: "task_progress"})

	select {
	case <-rec.notify:
		t.Fatal("subscriber received an event after leaving")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_LeaveAllRemovesEveryRoom(t *testing.T) {
	bus := NewService(arbor.NewLogger())

	rec := newRecorder()
	kept := newRecorder()
	bus.Join("task_1", "client-a", rec.subscriber())
	bus.Join("task_2", "client-a", rec.subscriber())
	bus.Join("task_1", "client-b", kept.subscriber())

	bus.LeaveAll("client-a")

	bus.Publish("task_1", interfaces.Event{Name: "task_progress"})
	bus.Publish("task_2", interfaces.Event{Name: "task_progress"})
	kept.await(t)

	assert.Empty(t, rec.events())
	assert.Len(t, kept.events(), 1)
}

func TestService_CloseDropsSubscriptions(t *testing.T) {
	bus := NewService(arbor.NewLogger())

	rec := newRecorder()
	bus.Join("task_1", "client-a", rec.subscriber())

	require.NoError(t, bus.Close())

	bus.Publish("task_1", interfaces.Event{Name: "task_progress"})

	// Joins after close are ignored too
	bus.Join("task_1", "client-b", rec.subscriber())
	bus.Publish("task_1", interfaces.Event{Name: "task_progress"})

	select {
	case <-rec.notify:
		t.Fatal("subscriber received an event after close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_DeliveryPreservesPublishOrder(t *testing.T) {
	bus := NewService(arbor.NewLogger())

	rec := newRecorder()
	inner := rec.subscriber()
	// A deliberately slow subscriber so interleaved deliveries would surface
	slow := func(room string, event interfaces.Event) {
		time.Sleep(time.Millisecond)
		inner(room, event)
	}
	bus.Join("task_1", "client-a", slow)

	const total = 20
	for i := 0; i < total-1; i++ {
		bus.Publish("task_1", interfaces.Event{Name: "task_progress", Payload: i})
	}
	bus.Publish("task_1", interfaces.Event{Name: "task_finished", Payload: total - 1})

	for i := 0; i < total; i++ {
		rec.await(t)
	}

	got := rec.events()
	require.Len(t, got, total)
	for i, event := range got {
		assert.Equal(t, i, event.Payload)
	}
	assert.Equal(t, "task_finished", got[total-1].Name)
}
