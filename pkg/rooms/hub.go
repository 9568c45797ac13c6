package rooms

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aeolun/minichat/pkg/protocol"
)

// Options configures a Hub
type Options struct {
	// Capacity is the per-subscriber event buffer (DefaultCapacity if zero)
	Capacity int
	// Overflow is applied when a subscriber's buffer is full
	Overflow OverflowPolicy
	// Observer receives subscriber, broadcast and overflow notifications
	Observer Observer
}

// Hub is the in-memory Registry. The nickname directory and the room map
// have separate locks, and every room has its own lock, so unrelated
// operations never serialize on each other.
type Hub struct {
	capacity int
	overflow OverflowPolicy
	observer Observer

	usersMu sync.RWMutex
	users   map[string]Inbox

	roomsMu sync.RWMutex
	rooms   map[string]*topic
}

var _ Registry = (*Hub)(nil)

// topic is one room. subs is kept in join order.
type topic struct {
	name string
	mu   sync.Mutex
	subs []*Subscription
}

type overflow struct {
	nickname string
	policy   OverflowPolicy
}

// NewHub creates an empty hub
func NewHub(opts Options) *Hub {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Hub{
		capacity: opts.Capacity,
		overflow: opts.Overflow,
		observer: opts.Observer,
		users:    make(map[string]Inbox),
		rooms:    make(map[string]*topic),
	}
}

// Connect claims a nickname for inbox
func (h *Hub) Connect(nickname string, inbox Inbox) bool {
	if nickname == "" {
		return false
	}

	h.usersMu.Lock()
	defer h.usersMu.Unlock()

	if _, taken := h.users[nickname]; taken {
		return false
	}
	h.users[nickname] = inbox
	return true
}

// Disconnect releases a nickname
func (h *Hub) Disconnect(nickname string) {
	if nickname == "" {
		return
	}

	h.usersMu.Lock()
	delete(h.users, nickname)
	h.usersMu.Unlock()
}

// Online reports whether a nickname is claimed
func (h *Hub) Online(nickname string) bool {
	h.usersMu.RLock()
	defer h.usersMu.RUnlock()

	_, ok := h.users[nickname]
	return ok
}

// Users returns all connected nicknames, sorted
func (h *Hub) Users() []string {
	h.usersMu.RLock()
	users := make([]string, 0, len(h.users))
	for nickname := range h.users {
		users = append(users, nickname)
	}
	h.usersMu.RUnlock()

	sort.Strings(users)
	return users
}

// SendDirect hands a direct message to the target's inbox
func (h *Hub) SendDirect(from, to, content string) error {
	h.usersMu.RLock()
	inbox, ok := h.users[to]
	h.usersMu.RUnlock()

	if !ok || inbox == nil {
		return fmt.Errorf("%w: %s", ErrUserNotFound, to)
	}
	return inbox.DeliverDirect(from, content)
}

// JoinRoom subscribes nickname to room
func (h *Hub) JoinRoom(nickname, room string) (*Subscription, bool) {
	t := h.topicFor(room, true)

	t.mu.Lock()
	if t.indexLocked(nickname) >= 0 {
		t.mu.Unlock()
		return nil, false
	}

	members := t.nicknamesLocked()
	fanout, overflows := h.broadcastLocked(t, protocol.UserJoinedOp(nickname))

	sub := newSubscription(t, nickname, members, h.capacity)
	t.subs = append(t.subs, sub)
	count := len(t.subs)
	t.mu.Unlock()

	h.report(room, fanout, count, overflows)
	return sub, true
}

// LeaveRoom detaches nickname from room and announces the departure
func (h *Hub) LeaveRoom(nickname, room string) error {
	t := h.topicFor(room, false)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotInRoom, room)
	}

	t.mu.Lock()
	idx := t.indexLocked(nickname)
	if idx < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInRoom, room)
	}

	t.detachLocked(t.subs[idx], ErrLeft)
	fanout, overflows := h.broadcastLocked(t, protocol.UserLeftOp(nickname))
	count := len(t.subs)
	t.mu.Unlock()

	h.report(room, fanout, count, overflows)
	return nil
}

// Publish broadcasts op to every member of room
func (h *Hub) Publish(room string, op protocol.RoomOp) error {
	t := h.topicFor(room, false)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}

	t.mu.Lock()
	fanout, overflows := h.broadcastLocked(t, op)
	count := len(t.subs)
	t.mu.Unlock()

	h.report(room, fanout, count, overflows)
	return nil
}

// PublishAs broadcasts op to sub's room while sub is still attached. Once
// the room has announced sub's departure it returns the subscription's end
// reason and nothing is sent.
func (h *Hub) PublishAs(sub *Subscription, op protocol.RoomOp) error {
	t := sub.topic

	t.mu.Lock()
	if err := sub.Err(); err != nil {
		t.mu.Unlock()
		return err
	}
	fanout, overflows := h.broadcastLocked(t, op)
	count := len(t.subs)
	t.mu.Unlock()

	h.report(t.name, fanout, count, overflows)
	return nil
}

// Rooms returns every known room with its members, sorted by name
func (h *Hub) Rooms() []RoomInfo {
	h.roomsMu.RLock()
	topics := make([]*topic, 0, len(h.rooms))
	for _, t := range h.rooms {
		topics = append(topics, t)
	}
	h.roomsMu.RUnlock()

	infos := make([]RoomInfo, 0, len(topics))
	for _, t := range topics {
		t.mu.Lock()
		infos = append(infos, RoomInfo{Name: t.name, Members: t.nicknamesLocked()})
		t.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Members returns the current members of room in join order
func (h *Hub) Members(room string) ([]string, error) {
	t := h.topicFor(room, false)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nicknamesLocked(), nil
}

// topicFor looks up a room, creating it when create is set.
// Rooms are kept once created, even when empty.
func (h *Hub) topicFor(room string, create bool) *topic {
	h.roomsMu.RLock()
	t, ok := h.rooms[room]
	h.roomsMu.RUnlock()
	if ok || !create {
		return t
	}

	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	if t, ok := h.rooms[room]; ok {
		return t
	}
	t = &topic{name: room}
	h.rooms[room] = t
	return t
}

// broadcastLocked delivers op to every subscriber without blocking.
// Subscribers evicted on overflow are announced to the rest with UserLeft;
// that second pass only drops, so eviction never cascades.
func (h *Hub) broadcastLocked(t *topic, op protocol.RoomOp) (int, []overflow) {
	fanout, overflows, evicted := t.sendLocked(protocol.RoomEvent{Room: t.name, Op: op}, h.overflow)

	for _, nickname := range evicted {
		_, dropped, _ := t.sendLocked(protocol.RoomEvent{Room: t.name, Op: protocol.UserLeftOp(nickname)}, OverflowDrop)
		overflows = append(overflows, dropped...)
	}
	return fanout, overflows
}

func (h *Hub) report(room string, fanout, count int, overflows []overflow) {
	h.observer.Broadcast(room, fanout)
	h.observer.RoomSubscribers(room, count)
	for _, o := range overflows {
		h.observer.SubscriberOverflow(room, o.nickname, o.policy)
	}
}

func (t *topic) sendLocked(ev protocol.RoomEvent, policy OverflowPolicy) (fanout int, overflows []overflow, evicted []string) {
	// Iterate over a copy since eviction mutates t.subs
	subs := append([]*Subscription(nil), t.subs...)
	for _, sub := range subs {
		select {
		case sub.events <- ev:
			fanout++
		default:
			overflows = append(overflows, overflow{nickname: sub.nickname, policy: policy})
			if policy == OverflowEvict {
				t.detachLocked(sub, ErrEvicted)
				evicted = append(evicted, sub.nickname)
			}
		}
	}
	return fanout, overflows, evicted
}

func (t *topic) indexLocked(nickname string) int {
	for i, sub := range t.subs {
		if sub.nickname == nickname {
			return i
		}
	}
	return -1
}

func (t *topic) nicknamesLocked() []string {
	out := make([]string, 0, len(t.subs))
	for _, sub := range t.subs {
		out = append(out, sub.nickname)
	}
	return out
}

// detachLocked removes sub from the topic and ends it with reason.
// A subscription that is no longer attached is left untouched.
func (t *topic) detachLocked(sub *Subscription, reason error) {
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			sub.finish(reason)
			return
		}
	}
}
