package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"unicode"
	"unicode/utf8"

	"github.com/aeolun/minichat/pkg/handshake"
	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/aeolun/minichat/pkg/rooms"
)

// Error texts sent to clients
const (
	welcomeMessage      = "Welcome"
	msgConnectFirst     = "Please connect first"
	msgAlreadyConnected = "Already connected"
	msgInvalidNickname  = "Invalid username"
	msgNicknameTaken    = "Username already taken"
	msgEncryptionNeeded = "Encryption required: complete the secure handshake before connecting"
	msgInvalidRoom      = "Invalid room name"
	msgAlreadyInRoom    = "User already in channel"
	msgNotInRoom        = "Not in channel"
	msgEmptyMessage     = "Message is empty"
	msgMessageTooLong   = "Message too long"
	msgUserNotFound     = "User not found"
	msgUserBusy         = "User cannot receive messages right now"
	msgMalformed        = "Malformed request"
	msgHandshakeOrder   = "Handshake messages are only accepted first"
)

type inbound struct {
	req protocol.Request
	err error
}

// serveSession runs one connection through handshake, authentication and
// the main loop, then tears it down.
func (s *Server) serveSession(sess *Session) {
	defer s.teardown(sess)

	first, err := sess.codec.Recv()
	if protocol.IsFatal(err) {
		s.logRecvError(sess, err)
		return
	}

	if hello, ok := first.(*protocol.SecureHelloRequest); ok {
		s.countRequest(first)
		if err := handshake.ServerUpgrade(sess.codec, hello); err != nil {
			s.metrics.RecordHandshake(false)
			log.Printf("Session %d: handshake failed: %v", sess.ID, err)
			return
		}
		s.metrics.RecordHandshake(true)
		debugLog.Printf("Session %d: secure channel established", sess.ID)
		first = nil
	}

	requests := make(chan inbound)
	s.wg.Add(1)
	go s.readLoop(sess, requests)

	switch {
	case err != nil:
		if !s.sendError(sess, msgMalformed) {
			return
		}
	case first != nil:
		if !s.handleRequest(sess, first) {
			return
		}
	}

	for {
		select {
		case in, ok := <-requests:
			if !ok {
				return
			}
			if in.err != nil {
				debugLog.Printf("Session %d: %v", sess.ID, in.err)
				if !s.sendError(sess, msgMalformed) {
					return
				}
				continue
			}
			if !s.handleRequest(sess, in.req) {
				return
			}
		case item := <-sess.mailbox:
			if !s.deliver(sess, item) {
				return
			}
		}
	}
}

// readLoop decodes requests until the transport fails. Malformed frames are
// passed on so the session can answer them; fatal errors end the loop.
func (s *Server) readLoop(sess *Session, out chan<- inbound) {
	defer s.wg.Done()
	defer close(out)

	for {
		req, err := sess.codec.Recv()
		if protocol.IsFatal(err) {
			s.logRecvError(sess, err)
			return
		}
		select {
		case out <- inbound{req: req, err: err}:
		case <-sess.closed:
			return
		}
	}
}

func (s *Server) logRecvError(sess *Session, err error) {
	select {
	case <-sess.closed:
		return
	default:
	}

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Printf("Session %d disconnected", sess.ID)
	case errors.Is(err, protocol.ErrDecrypt):
		log.Printf("Session %d: closing after undecryptable frame", sess.ID)
	default:
		log.Printf("Session %d read error: %v", sess.ID, err)
	}
}

// handleRequest dispatches one request. It returns false when the reply
// could not be written and the session must end.
func (s *Server) handleRequest(sess *Session, req protocol.Request) bool {
	s.countRequest(req)

	switch req := req.(type) {
	case *protocol.SecureHelloRequest, *protocol.SharedKeyRequest:
		return s.sendError(sess, msgHandshakeOrder)
	case *protocol.ConnectRequest:
		return s.handleConnect(sess, req)
	}

	nickname := sess.Nickname()
	if nickname == "" {
		return s.sendError(sess, msgConnectFirst)
	}

	switch req := req.(type) {
	case *protocol.JoinRoomRequest:
		return s.handleJoinRoom(sess, nickname, req)
	case *protocol.LeaveRoomRequest:
		return s.handleLeaveRoom(sess, nickname, req)
	case *protocol.SendRequest:
		if req.To.IsRoom() {
			return s.handleSendRoom(sess, nickname, req)
		}
		return s.handleSendUser(sess, nickname, req)
	default:
		return s.sendError(sess, msgMalformed)
	}
}

func (s *Server) handleConnect(sess *Session, req *protocol.ConnectRequest) bool {
	if sess.Nickname() != "" {
		return s.sendError(sess, msgAlreadyConnected)
	}
	if s.config.RequireEncryption && !sess.Encrypted() {
		return s.sendError(sess, msgEncryptionNeeded)
	}
	if !ValidNickname(req.Nickname, s.config.MaxNicknameLength) {
		return s.sendError(sess, msgInvalidNickname)
	}
	if !s.registry.Connect(req.Nickname, sess) {
		return s.sendError(sess, msgNicknameTaken)
	}

	sess.setNickname(req.Nickname)
	log.Printf("Session %d: connected as %s", sess.ID, req.Nickname)
	return s.send(sess, &protocol.ConnectAckResponse{Message: welcomeMessage})
}

func (s *Server) handleJoinRoom(sess *Session, nickname string, req *protocol.JoinRoomRequest) bool {
	if !ValidRoomName(req.Room, s.config.MaxRoomNameLength) {
		return s.sendError(sess, msgInvalidRoom)
	}

	sub, ok := s.registry.JoinRoom(nickname, req.Room)
	if !ok {
		return s.sendError(sess, msgAlreadyInRoom)
	}
	sess.joined[req.Room] = sub

	s.wg.Add(1)
	go s.forward(sess, sub)

	debugLog.Printf("Session %d: %s joined %s", sess.ID, nickname, req.Room)
	return s.send(sess, &protocol.JoinAckResponse{Room: req.Room, Members: sub.Members()})
}

func (s *Server) handleLeaveRoom(sess *Session, nickname string, req *protocol.LeaveRoomRequest) bool {
	if _, ok, reply := s.membership(sess, req.Room); !ok {
		return reply
	}

	// Dropping the entry first makes any queued item from this
	// subscription stale
	delete(sess.joined, req.Room)
	if err := s.registry.LeaveRoom(nickname, req.Room); err != nil {
		debugLog.Printf("Session %d: leave %s: %v", sess.ID, req.Room, err)
	}

	return s.send(sess, &protocol.LeaveAckResponse{Nickname: nickname})
}

func (s *Server) handleSendRoom(sess *Session, nickname string, req *protocol.SendRequest) bool {
	if msg, ok := s.checkContent(req.Content); !ok {
		return s.sendError(sess, msg)
	}
	room := req.To.Name
	sub, ok, reply := s.membership(sess, room)
	if !ok {
		return reply
	}

	event := protocol.RoomEvent{Room: room, Op: protocol.MessageOp(nickname, req.Content)}
	err := s.registry.PublishAs(sub, event.Op)
	switch {
	case errors.Is(err, rooms.ErrEvicted):
		// evicted between the check above and the publish
		return s.dropEvicted(sess, room)
	case err != nil:
		errorLog.Printf("Session %d: publish to %s: %v", sess.ID, room, err)
		delete(sess.joined, room)
		return s.sendError(sess, msgNotInRoom)
	}

	// The sender's copy is the echo; its own broadcast is filtered out
	return s.send(sess, &event)
}

// membership returns the session's live subscription to room. When there
// is none, the error reply has already been written and reply reports
// whether that write succeeded. A subscription the hub has evicted stops
// counting here even if its eviction notice is still queued.
func (s *Server) membership(sess *Session, room string) (sub *rooms.Subscription, ok, reply bool) {
	sub, joined := sess.joined[room]
	if !joined {
		return nil, false, s.sendError(sess, msgNotInRoom)
	}
	if errors.Is(sub.Err(), rooms.ErrEvicted) {
		return nil, false, s.dropEvicted(sess, room)
	}
	return sub, true, true
}

// dropEvicted forgets an evicted room and tells the client. The queued
// eviction item, if any, becomes stale and is discarded.
func (s *Server) dropEvicted(sess *Session, room string) bool {
	delete(sess.joined, room)
	log.Printf("Session %d: removed from %s for falling behind", sess.ID, room)
	return s.sendError(sess, evictedNotice(room))
}

func evictedNotice(room string) string {
	return fmt.Sprintf("Removed from room %s: too far behind", room)
}

func (s *Server) handleSendUser(sess *Session, nickname string, req *protocol.SendRequest) bool {
	if msg, ok := s.checkContent(req.Content); !ok {
		return s.sendError(sess, msg)
	}

	err := s.registry.SendDirect(nickname, req.To.Name, req.Content)
	switch {
	case err == nil:
		s.metrics.RecordDirectMessage("delivered")
		return s.send(sess, &protocol.AckResponse{})
	case errors.Is(err, rooms.ErrUserNotFound), errors.Is(err, ErrSessionClosed):
		s.metrics.RecordDirectMessage("unknown_user")
		return s.sendError(sess, msgUserNotFound)
	default:
		s.metrics.RecordDirectMessage("rejected")
		debugLog.Printf("Session %d: direct message to %s: %v", sess.ID, req.To.Name, err)
		return s.sendError(sess, msgUserBusy)
	}
}

func (s *Server) checkContent(content string) (string, bool) {
	if content == "" {
		return msgEmptyMessage, false
	}
	if len(content) > s.config.MaxMessageLength {
		return msgMessageTooLong, false
	}
	return "", true
}

// deliver writes one mailbox item to the client. Items from a subscription
// the session no longer holds are discarded.
func (s *Server) deliver(sess *Session, item mailItem) bool {
	if item.direct != nil {
		return s.send(sess, item.direct)
	}

	room := item.sub.Room()
	if sess.joined[room] != item.sub {
		return true
	}

	if item.evicted {
		return s.dropEvicted(sess, room)
	}

	event := item.event
	return s.send(sess, &event)
}

// forward moves events from one subscription into the session mailbox,
// skipping the session's own chat messages.
func (s *Server) forward(sess *Session, sub *rooms.Subscription) {
	defer s.wg.Done()

	nickname := sub.Nickname()
	pass := func(ev protocol.RoomEvent) bool {
		if ev.Op.Kind == protocol.OpMessage && ev.Op.From == nickname {
			return true
		}
		return sess.enqueue(mailItem{sub: sub, event: ev})
	}

	for {
		select {
		case ev := <-sub.Events():
			if !pass(ev) {
				return
			}
		case <-sub.Done():
			if !errors.Is(sub.Err(), rooms.ErrEvicted) {
				return
			}
			// Hand over what was buffered before the eviction notice
		drain:
			for {
				select {
				case ev := <-sub.Events():
					if !pass(ev) {
						return
					}
				default:
					break drain
				}
			}
			sess.enqueue(mailItem{sub: sub, evicted: true})
			return
		case <-sess.closed:
			return
		}
	}
}

// teardown releases every room and the nickname, then closes the transport.
// Rooms go first so a reconnecting user with the same nickname can never
// have its fresh memberships removed.
func (s *Server) teardown(sess *Session) {
	// direct messages sent from here on are refused, not silently lost
	sess.refuseDirect()

	if nickname := sess.Nickname(); nickname != "" {
		for room, sub := range sess.joined {
			if err := s.registry.LeaveRoom(nickname, room); err != nil {
				sub.Cancel()
			}
			delete(sess.joined, room)
		}
		s.registry.Disconnect(nickname)
		log.Printf("Session %d: %s left", sess.ID, nickname)
	}

	s.sessions.Remove(sess.ID)
}

func (s *Server) send(sess *Session, resp protocol.Response) bool {
	if err := sess.codec.Send(resp); err != nil {
		debugLog.Printf("Session %d: send %s failed: %v", sess.ID, protocol.TypeName(resp.Type()), err)
		return false
	}
	debugLog.Printf("Session %d → SEND: %s", sess.ID, protocol.TypeName(resp.Type()))
	s.metrics.RecordResponseSent(resp.Type())
	return true
}

func (s *Server) sendError(sess *Session, message string) bool {
	return s.send(sess, &protocol.ErrorResponse{Message: message})
}

func (s *Server) countRequest(req protocol.Request) {
	debugLog.Printf("← RECV: %s", protocol.TypeName(req.Type()))
	s.metrics.RecordRequestReceived(req.Type())
}

// ValidNickname reports whether name is 1..maxLen characters of
// letters, digits, '_', '.' or '-'
func ValidNickname(name string, maxLen int) bool {
	if name == "" || utf8.RuneCountInString(name) > maxLen {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}

// ValidRoomName reports whether name is 1..maxLen characters with no
// whitespace or control characters
func ValidRoomName(name string, maxLen int) bool {
	if name == "" || utf8.RuneCountInString(name) > maxLen {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
