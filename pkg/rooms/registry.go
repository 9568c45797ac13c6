// Package rooms keeps the process-wide nickname directory and the set of
// named rooms, each a bounded publish/subscribe topic that knows the
// identities of its subscribers.
package rooms

import (
	"errors"

	"github.com/aeolun/minichat/pkg/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotInRoom    = errors.New("not in room")
	ErrUserNotFound = errors.New("user not connected")
)

// Inbox receives direct messages addressed to a connected nickname
type Inbox interface {
	DeliverDirect(from, content string) error
}

// Observer is notified of subscriber changes, broadcasts and overflows.
// Calls are made outside of any registry lock.
type Observer interface {
	RoomSubscribers(room string, count int)
	Broadcast(room string, fanout int)
	SubscriberOverflow(room, nickname string, policy OverflowPolicy)
}

// Registry is the shared state every session talks to
type Registry interface {
	// Connect claims a nickname. It returns false if the nickname is taken.
	Connect(nickname string, inbox Inbox) bool
	// Disconnect releases a nickname. Unknown and empty nicknames are ignored.
	Disconnect(nickname string)
	// Online reports whether a nickname is currently claimed
	Online(nickname string) bool
	// JoinRoom subscribes nickname to room, creating the room if needed.
	// It returns false if nickname is already a member.
	JoinRoom(nickname, room string) (*Subscription, bool)
	// LeaveRoom cancels nickname's subscription and tells the remaining
	// members with a UserLeft event.
	LeaveRoom(nickname, room string) error
	// Publish broadcasts op to every current member of room
	Publish(room string, op protocol.RoomOp) error
	// PublishAs broadcasts op on behalf of a live subscription. It fails
	// with the subscription's end reason once the member has left or been
	// evicted.
	PublishAs(sub *Subscription, op protocol.RoomOp) error
	// SendDirect delivers a direct message to a connected nickname
	SendDirect(from, to, content string) error
}

// RoomInfo is a point-in-time view of a room
type RoomInfo struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type nopObserver struct{}

func (nopObserver) RoomSubscribers(string, int)                       {}
func (nopObserver) Broadcast(string, int)                             {}
func (nopObserver) SubscriberOverflow(string, string, OverflowPolicy) {}
