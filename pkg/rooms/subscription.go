package rooms

import (
	"errors"
	"sync"

	"github.com/aeolun/minichat/pkg/protocol"
)

var (
	// ErrLeft is the end reason of a subscription that left or was cancelled
	ErrLeft = errors.New("left room")
	// ErrEvicted is the end reason of a subscription that fell too far behind
	ErrEvicted = errors.New("evicted from room: subscriber too far behind")
)

// Subscription binds one nickname to one room's topic. Events are buffered
// up to the hub's capacity; Done is closed when the subscription ends.
type Subscription struct {
	room     string
	nickname string
	members  []string
	topic    *topic

	events chan protocol.RoomEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

func newSubscription(t *topic, nickname string, members []string, capacity int) *Subscription {
	return &Subscription{
		room:     t.name,
		nickname: nickname,
		members:  members,
		topic:    t,
		events:   make(chan protocol.RoomEvent, capacity),
		done:     make(chan struct{}),
	}
}

// Room returns the room name
func (s *Subscription) Room() string { return s.room }

// Nickname returns the subscriber identity
func (s *Subscription) Nickname() string { return s.nickname }

// Members returns the members present when the subscription was created,
// in join order, excluding the subscriber itself
func (s *Subscription) Members() []string {
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

// Events yields broadcasts published after the subscription was created
func (s *Subscription) Events() <-chan protocol.RoomEvent { return s.events }

// Done is closed once the subscription has been detached from its room
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended, or nil while it is active
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel detaches the subscription without notifying other members.
// LeaveRoom is the notifying path.
func (s *Subscription) Cancel() {
	s.topic.mu.Lock()
	s.topic.detachLocked(s, ErrLeft)
	s.topic.mu.Unlock()
}

// finish records the end reason and closes Done. Safe to call repeatedly;
// only the first reason is kept.
func (s *Subscription) finish(reason error) {
	s.once.Do(func() {
		s.err = reason
		close(s.done)
	})
}
