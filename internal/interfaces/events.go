package interfaces

// Event is a named payload published to a room on the progress bus
type Event struct {
	Name    string
	Payload interface{}
}

// RoomSubscriber receives events published to a room the subscriber joined
type RoomSubscriber func(room string, event Event)

// EventService is the room-addressed progress bus. Delivery is best-effort
// fan-out: no persistence, no replay. Publish never blocks on slow
// subscribers.
type EventService interface {
	// Join subscribes fn to a room under subscriberID
	Join(room string, subscriberID string, fn RoomSubscriber)

	// Leave removes the subscriber from a room
	Leave(room string, subscriberID string)

	// LeaveAll removes the subscriber from every room
	LeaveAll(subscriberID string)

	// Publish fans an event out to the room's subscribers
	Publish(room string, event Event)

	// Close shuts down the bus
	Close() error
}
