package server

import (
	"cmp"
	"errors"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/aeolun/minichat/pkg/rooms"
)

var (
	ErrMailboxFull   = errors.New("recipient mailbox full")
	ErrSessionClosed = errors.New("session closed")
)

// Session is one client connection and its per-connection chat state
type Session struct {
	ID        uint64
	Transport string // "tcp", "ssh" or "websocket"
	Conn      net.Conn
	Created   time.Time

	codec   *protocol.ServerCodec
	mailbox chan mailItem
	closed  chan struct{}
	once    sync.Once

	mu       sync.RWMutex // Protects nickname and leaving
	nickname string
	leaving  bool // set at the start of teardown

	// joined is owned by the session goroutine
	joined map[string]*rooms.Subscription
}

var _ rooms.Inbox = (*Session)(nil)

// mailItem is one entry in a session's mailbox. Room items carry the
// subscription they came from so stale ones can be recognised after a leave.
type mailItem struct {
	sub     *rooms.Subscription
	event   protocol.RoomEvent
	evicted bool
	direct  *protocol.DirectMessageResponse
}

func newSession(id uint64, transport string, conn net.Conn, mailboxCapacity int) *Session {
	return &Session{
		ID:        id,
		Transport: transport,
		Conn:      conn,
		Created:   time.Now(),
		codec:     protocol.NewServerCodec(conn),
		mailbox:   make(chan mailItem, mailboxCapacity),
		closed:    make(chan struct{}),
		joined:    make(map[string]*rooms.Subscription),
	}
}

// Nickname returns the claimed nickname, or "" before Connect
func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickname
}

func (s *Session) setNickname(nickname string) {
	s.mu.Lock()
	s.nickname = nickname
	s.mu.Unlock()
}

// Encrypted reports whether the session completed the secure handshake
func (s *Session) Encrypted() bool {
	return s.codec.Encrypted()
}

// DeliverDirect injects a direct message into the mailbox. It never blocks:
// a full mailbox is reported to the sender instead.
// A session that is tearing down refuses with ErrSessionClosed.
func (s *Session) DeliverDirect(from, content string) error {
	item := mailItem{direct: &protocol.DirectMessageResponse{From: from, Content: content}}

	// The read lock orders this against refuseDirect: once teardown has
	// started no further direct message is accepted
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.leaving || s.isClosed() {
		return ErrSessionClosed
	}
	select {
	case s.mailbox <- item:
		return nil
	default:
		return ErrMailboxFull
	}
}

// refuseDirect makes every later DeliverDirect fail
func (s *Session) refuseDirect() {
	s.mu.Lock()
	s.leaving = true
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// enqueue blocks until the mailbox has room or the session closes.
// A blocked forwarder leaves events in its subscription buffer, where the
// room's overflow policy takes over. Nothing is queued after Close.
func (s *Session) enqueue(item mailItem) bool {
	if s.isClosed() {
		return false
	}
	select {
	case s.mailbox <- item:
		return true
	case <-s.closed:
		return false
	}
}

// Close closes the transport and releases goroutines waiting on the session
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.Conn.Close()
	})
	return err
}

// SessionTable indexes live sessions by ID and keeps the session gauges
// current
type SessionTable struct {
	mu       sync.RWMutex
	byID     map[uint64]*Session
	lastID   atomic.Uint64
	capacity int // mailbox size for new sessions
	metrics  *Metrics
}

// NewSessionTable gives each new session a mailbox of mailboxCapacity
// items. metrics may be nil.
func NewSessionTable(mailboxCapacity int, metrics *Metrics) *SessionTable {
	return &SessionTable{
		byID:     make(map[uint64]*Session),
		capacity: max(mailboxCapacity, 1),
		metrics:  metrics,
	}
}

// Add wraps conn in a new session with the next ID
func (t *SessionTable) Add(transport string, conn net.Conn) *Session {
	sess := newSession(t.lastID.Add(1), transport, conn, t.capacity)

	t.mu.Lock()
	t.byID[sess.ID] = sess
	n := len(t.byID)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordActiveSessions(n)
		t.metrics.RecordSessionCreated(transport)
	}
	return sess
}

func (t *SessionTable) Get(id uint64) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.byID[id]
	return sess, ok
}

// List returns a snapshot ordered by ID
func (t *SessionTable) List() []*Session {
	t.mu.RLock()
	list := make([]*Session, 0, len(t.byID))
	for _, sess := range t.byID {
		list = append(list, sess)
	}
	t.mu.RUnlock()

	slices.SortFunc(list, func(a, b *Session) int { return cmp.Compare(a.ID, b.ID) })
	return list
}

// Remove drops the session and closes its transport. Unknown IDs are
// ignored, so teardown may call it more than once.
func (t *SessionTable) Remove(id uint64) {
	t.mu.Lock()
	sess, ok := t.byID[id]
	delete(t.byID, id)
	n := len(t.byID)
	t.mu.Unlock()
	if !ok {
		return
	}

	if t.metrics != nil {
		t.metrics.RecordActiveSessions(n)
		t.metrics.RecordSessionDisconnected()
	}
	sess.Close()
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// CloseAll closes every transport; each session goroutine then runs its
// own teardown and removes itself
func (t *SessionTable) CloseAll() {
	for _, sess := range t.List() {
		sess.Close()
	}
}
