package events

import (
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
)

type delivery struct {
	room  string
	event interfaces.Event
}

// subscriber serializes deliveries to one room member. Events are handed to
// the callback in publish order; a slow callback queues behind itself without
// blocking publishers or other subscribers.
type subscriber struct {
	fn interfaces.RoomSubscriber

	mu       sync.Mutex
	queue    []delivery
	draining bool
}

func (s *subscriber) enqueue(room string, event interfaces.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, delivery{room: room, event: event})
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	go s.drain()
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.fn(next.room, next.event)
	}
}

// Service implements the room-addressed progress bus. Fan-out is best-effort
// with per-subscriber ordering: each room member drains its own queue on a
// single goroutine, so a slow subscriber never blocks a publisher or another
// subscriber, and never observes events out of publish order.
type Service struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*subscriber
	closed bool
	logger arbor.ILogger
}

// NewService creates a new progress bus
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		rooms:  make(map[string]map[string]*subscriber),
		logger: logger,
	}
}

// Join subscribes fn to a room under subscriberID
func (s *Service) Join(room string, subscriberID string, fn interfaces.RoomSubscriber) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	subs, ok := s.rooms[room]
	if !ok {
		subs = make(map[string]*subscriber)
		s.rooms[room] = subs
	}
	subs[subscriberID] = &subscriber{fn: fn}

	s.logger.Debug().
		Str("room", room).
		Str("subscriber_id", subscriberID).
		Int("subscriber_count", len(subs)).
		Msg("Subscriber joined room")
}

// Leave removes the subscriber from a room
func (s *Service) Leave(room string, subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.rooms[room]
	if !ok {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(s.rooms, room)
	}

	s.logger.Debug().
		Str("room", room).
		Str("subscriber_id", subscriberID).
		Msg("Subscriber left room")
}

// LeaveAll removes the subscriber from every room
func (s *Service) LeaveAll(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for room, subs := range s.rooms {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(s.rooms, room)
		}
	}
}

// Publish fans an event out to the room's subscribers
func (s *Service) Publish(room string, event interfaces.Event) {
	s.mu.RLock()
	subs := s.rooms[room]
	members := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		members = append(members, sub)
	}
	s.mu.RUnlock()

	if len(members) == 0 {
		return
	}

	s.logger.Debug().
		Str("room", room).
		Str("event", event.Name).
		Int("subscriber_count", len(members)).
		Msg("Publishing event")

	for _, sub := range members {
		sub.enqueue(room, event)
	}
}

// Close shuts down the bus and drops all subscriptions
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.rooms = make(map[string]map[string]*subscriber)
	return nil
}
