package server

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/minichat/pkg/client"
	"github.com/aeolun/minichat/pkg/protocol"
)

func TestJoinAnnouncesMembers(t *testing.T) {
	srv := newTestServer(t)

	alice, members := joined(t, srv, "alice", "general")
	assert.Empty(t, members)

	_, members = joined(t, srv, "bob", "general")
	assert.Equal(t, []string{"alice"}, members)

	assert.Equal(t, roomEvent("general", protocol.UserJoinedOp("bob")), recv(t, alice))

	_, members = joined(t, srv, "carol", "general")
	assert.Equal(t, []string{"alice", "bob"}, members)
}

func TestSendRoomEchoesOnceAndDelivers(t *testing.T) {
	srv := newTestServer(t)

	alice, _ := joined(t, srv, "alice", "general")
	bob, _ := joined(t, srv, "bob", "general")
	recv(t, alice) // UserJoined(bob)

	require.NoError(t, alice.SendRoom("general", "hi"))
	hi := roomEvent("general", protocol.MessageOp("alice", "hi"))
	assert.Equal(t, hi, recv(t, alice))
	assert.Equal(t, hi, recv(t, bob))

	// alice's next response is bob's message, not a second copy of her own
	require.NoError(t, bob.SendRoom("general", "yo"))
	yo := roomEvent("general", protocol.MessageOp("bob", "yo"))
	assert.Equal(t, yo, recv(t, bob))
	assert.Equal(t, yo, recv(t, alice))
}

func TestAbruptDisconnectReleasesNickname(t *testing.T) {
	srv := newTestServer(t)

	alice, _ := joined(t, srv, "alice", "general")
	bob, _ := joined(t, srv, "bob", "general")
	recv(t, alice)

	require.NoError(t, alice.Close())

	assert.Equal(t, roomEvent("general", protocol.UserLeftOp("alice")), recv(t, bob))

	again := pipeClient(t, srv)
	require.Eventually(t, func() bool {
		_, err := again.Connect("alice")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// the reconnected alice is a fresh member of nothing
	require.NoError(t, again.Join("general"))
	ack := recvAs[*protocol.JoinAckResponse](t, again)
	assert.Equal(t, []string{"bob"}, ack.Members)
}

func TestDuplicateNicknameRejected(t *testing.T) {
	srv := newTestServer(t)
	connected(t, srv, "alice")

	second := pipeClient(t, srv)
	_, err := second.Connect("alice")
	var serverErr *client.ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, msgNicknameTaken, serverErr.Message)

	// still unauthenticated, so a retry with another nickname works
	require.NoError(t, second.Join("general"))
	assert.Equal(t, msgConnectFirst, recvError(t, second))

	_, err = second.Connect("alice2")
	require.NoError(t, err)
}

func TestConnectValidation(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) { cfg.MaxNicknameLength = 8 })
	c := pipeClient(t, srv)

	for _, nickname := range []string{"", "has space", "toolongname", "emoji☺"} {
		_, err := c.Connect(nickname)
		var serverErr *client.ServerError
		require.Truef(t, errors.As(err, &serverErr), "nickname %q", nickname)
		assert.Equal(t, msgInvalidNickname, serverErr.Message)
	}

	_, err := c.Connect("ok_name")
	require.NoError(t, err)

	_, err = c.Connect("other")
	var serverErr *client.ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, msgAlreadyConnected, serverErr.Message)
}

func TestRequestsBeforeConnect(t *testing.T) {
	srv := newTestServer(t)
	c := pipeClient(t, srv)

	require.NoError(t, c.Join("general"))
	assert.Equal(t, msgConnectFirst, recvError(t, c))

	require.NoError(t, c.SendRoom("general", "hi"))
	assert.Equal(t, msgConnectFirst, recvError(t, c))

	require.NoError(t, c.Leave("general"))
	assert.Equal(t, msgConnectFirst, recvError(t, c))
}

func TestJoinValidation(t *testing.T) {
	srv := newTestServer(t)
	c, _ := joined(t, srv, "alice", "general")

	require.NoError(t, c.Join("general"))
	assert.Equal(t, msgAlreadyInRoom, recvError(t, c))

	for _, room := range []string{"", "two words", strings.Repeat("r", 65)} {
		require.NoError(t, c.Join(room))
		assert.Equal(t, msgInvalidRoom, recvError(t, c), room)
	}
}

func TestLeaveRoom(t *testing.T) {
	srv := newTestServer(t)

	alice, _ := joined(t, srv, "alice", "general")
	bob, _ := joined(t, srv, "bob", "general")
	recv(t, alice)

	require.NoError(t, bob.Leave("general"))
	assert.Equal(t, &protocol.LeaveAckResponse{Nickname: "bob"}, recv(t, bob))
	assert.Equal(t, roomEvent("general", protocol.UserLeftOp("bob")), recv(t, alice))

	require.NoError(t, alice.SendRoom("general", "anyone?"))
	recv(t, alice)

	// nothing from general is queued for bob any more
	require.NoError(t, bob.Join("other"))
	ack := recvAs[*protocol.JoinAckResponse](t, bob)
	assert.Equal(t, "other", ack.Room)

	require.NoError(t, bob.SendRoom("general", "hello"))
	assert.Equal(t, msgNotInRoom, recvError(t, bob))

	require.NoError(t, bob.Leave("general"))
	assert.Equal(t, msgNotInRoom, recvError(t, bob))

	// a later joiner does not see bob in general
	_, members := joined(t, srv, "carol", "general")
	assert.Equal(t, []string{"alice"}, members)
}

func TestRejoinAfterLeave(t *testing.T) {
	srv := newTestServer(t)
	alice, _ := joined(t, srv, "alice", "general")

	require.NoError(t, alice.Leave("general"))
	recvAs[*protocol.LeaveAckResponse](t, alice)

	require.NoError(t, alice.Join("general"))
	ack := recvAs[*protocol.JoinAckResponse](t, alice)
	assert.Empty(t, ack.Members)
}

func TestMessageContentLimits(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) { cfg.MaxMessageLength = 10 })
	c, _ := joined(t, srv, "alice", "general")

	require.NoError(t, c.SendRoom("general", ""))
	assert.Equal(t, msgEmptyMessage, recvError(t, c))

	require.NoError(t, c.SendRoom("general", strings.Repeat("x", 11)))
	assert.Equal(t, msgMessageTooLong, recvError(t, c))

	require.NoError(t, c.SendUser("alice", strings.Repeat("x", 11)))
	assert.Equal(t, msgMessageTooLong, recvError(t, c))

	require.NoError(t, c.SendRoom("general", strings.Repeat("x", 10)))
	recvAs[*protocol.RoomEvent](t, c)
}

func TestDirectMessage(t *testing.T) {
	srv := newTestServer(t)
	alice := connected(t, srv, "alice")
	bob := connected(t, srv, "bob")

	require.NoError(t, alice.SendUser("bob", "psst"))
	assert.Equal(t, &protocol.AckResponse{}, recv(t, alice))
	assert.Equal(t, &protocol.DirectMessageResponse{From: "alice", Content: "psst"}, recv(t, bob))

	require.NoError(t, alice.SendUser("nobody", "hello?"))
	assert.Equal(t, msgUserNotFound, recvError(t, alice))
}

func TestDirectMessageToFullMailbox(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) { cfg.MailboxCapacity = 1 })
	alice := connected(t, srv, "alice")
	connected(t, srv, "bob") // never reads

	// one response blocks on bob's pipe, one sits in the mailbox
	var busy bool
	for i := 0; i < 5 && !busy; i++ {
		require.NoError(t, alice.SendUser("bob", "ping"))
		switch resp := recv(t, alice).(type) {
		case *protocol.AckResponse:
		case *protocol.ErrorResponse:
			assert.Equal(t, msgUserBusy, resp.Message)
			busy = true
		default:
			t.Fatalf("unexpected response %T", resp)
		}
	}
	assert.True(t, busy, "mailbox never reported full")
}

func TestSecureAndPlainSessionsShareRooms(t *testing.T) {
	srv := newTestServer(t)

	secure := pipeClient(t, srv)
	require.NoError(t, secure.Handshake())
	assert.True(t, secure.Encrypted())

	_, err := secure.Connect("alice")
	require.NoError(t, err)
	require.NoError(t, secure.Join("general"))
	recvAs[*protocol.JoinAckResponse](t, secure)

	plain, _ := joined(t, srv, "bob", "general")
	recv(t, secure)

	require.NoError(t, secure.SendRoom("general", "sealed"))
	msg := roomEvent("general", protocol.MessageOp("alice", "sealed"))
	assert.Equal(t, msg, recv(t, secure))
	assert.Equal(t, msg, recv(t, plain))
}

func TestRequireEncryption(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) { cfg.RequireEncryption = true })

	plain := pipeClient(t, srv)
	_, err := plain.Connect("alice")
	var serverErr *client.ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, msgEncryptionNeeded, serverErr.Message)

	secure := pipeClient(t, srv)
	require.NoError(t, secure.Handshake())
	_, err = secure.Connect("alice")
	assert.NoError(t, err)
}

func TestHandshakeOnlyFirst(t *testing.T) {
	srv := newTestServer(t)

	c := pipeClient(t, srv)
	require.NoError(t, c.Send(&protocol.SharedKeyRequest{Encrypted: []byte{1, 2, 3}}))
	assert.Equal(t, msgHandshakeOrder, recvError(t, c))

	require.NoError(t, c.Send(&protocol.SecureHelloRequest{PublicKey: make([]byte, 32)}))
	assert.Equal(t, msgHandshakeOrder, recvError(t, c))

	_, err := c.Connect("alice")
	assert.NoError(t, err)
}

func TestBadHandshakeClosesConnection(t *testing.T) {
	srv := newTestServer(t)

	conn := pipeConn(t, srv)
	codec := protocol.NewClientCodec(conn)
	require.NoError(t, codec.Send(&protocol.SecureHelloRequest{PublicKey: []byte{1, 2, 3}}))

	_, err := codec.Recv()
	assert.Error(t, err)
}

func TestMalformedRequestIsRecoverable(t *testing.T) {
	srv := newTestServer(t)

	conn := pipeConn(t, srv)
	codec := protocol.NewClientCodec(conn)

	// first frame and a later frame both get an Error and keep the session
	require.NoError(t, protocol.WriteFrame(conn, []byte{0x7f}))
	resp, err := codec.Recv()
	require.NoError(t, err)
	assert.Equal(t, &protocol.ErrorResponse{Message: msgMalformed}, resp)

	require.NoError(t, protocol.WriteFrame(conn, []byte{protocol.TypeConnect, 0x00}))
	resp, err = codec.Recv()
	require.NoError(t, err)
	assert.Equal(t, &protocol.ErrorResponse{Message: msgMalformed}, resp)

	require.NoError(t, codec.Send(&protocol.ConnectRequest{Nickname: "alice"}))
	resp, err = codec.Recv()
	require.NoError(t, err)
	assert.Equal(t, &protocol.ConnectAckResponse{Message: "Welcome"}, resp)
}

func TestLaggingSubscriberIsEvicted(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.RoomCapacity = 1
		cfg.MailboxCapacity = 1
	})

	alice, _ := joined(t, srv, "alice", "general")
	bob, _ := joined(t, srv, "bob", "general")
	recv(t, alice)

	isEcho := func(resp protocol.Response) bool {
		ev, ok := resp.(*protocol.RoomEvent)
		return ok && ev.Op.Kind == protocol.OpMessage && ev.Op.From == "alice"
	}

	// bob reads nothing while alice floods the room
	for i := 0; i < 10; i++ {
		require.NoError(t, alice.SendRoom("general", "flood"))
		recvUntil(t, alice, 3, isEcho)
	}

	removed := recvUntil(t, bob, 20, func(resp protocol.Response) bool {
		e, ok := resp.(*protocol.ErrorResponse)
		return ok && strings.HasPrefix(e.Message, "Removed from room general")
	})
	require.NotNil(t, removed)

	require.NoError(t, bob.SendRoom("general", "still here?"))
	assert.Equal(t, msgNotInRoom, recvError(t, bob))

	assert.Equal(t, 2, srv.Sessions().Len(), "bob stays connected")
}

func TestEvictedMemberCannotSendBeforeDraining(t *testing.T) {
	srv := newTestServer(t, func(cfg *ServerConfig) {
		cfg.RoomCapacity = 1
		cfg.MailboxCapacity = 1
	})

	alice, _ := joined(t, srv, "alice", "general")
	bob, _ := joined(t, srv, "bob", "general")
	recv(t, alice)

	stillMember := func() bool {
		for _, room := range srv.registry.Rooms() {
			if room.Name == "general" {
				return slices.Contains(room.Members, "bob")
			}
		}
		return false
	}

	// flood until the hub has dropped bob; his eviction notice is still
	// queued behind unread events
	for i := 0; i < 20 && stillMember(); i++ {
		require.NoError(t, alice.SendRoom("general", "flood"))
		recvUntil(t, alice, 3, func(resp protocol.Response) bool {
			ev, ok := resp.(*protocol.RoomEvent)
			return ok && ev.Op.Kind == protocol.OpMessage && ev.Op.From == "alice"
		})
	}
	require.False(t, stillMember(), "bob was never evicted")

	require.NoError(t, bob.SendRoom("general", "ghost"))
	recvUntil(t, bob, 20, func(resp protocol.Response) bool {
		e, ok := resp.(*protocol.ErrorResponse)
		return ok && strings.HasPrefix(e.Message, "Removed from room general")
	})

	// alice must never see bob's message after bob left the room
	require.NoError(t, alice.SendRoom("general", "marker"))
	recvUntil(t, alice, 10, func(resp protocol.Response) bool {
		ev, ok := resp.(*protocol.RoomEvent)
		require.True(t, ok, "unexpected %T", resp)
		require.False(t, ev.Op.Kind == protocol.OpMessage && ev.Op.From == "bob", "non-member message delivered")
		return ev.Op.Kind == protocol.OpMessage && ev.Op.Content == "marker"
	})
}

func TestDirectMessageToLeavingSessionIsRefused(t *testing.T) {
	srv := newTestServer(t)
	alice := connected(t, srv, "alice")
	connected(t, srv, "bob")

	sessions := srv.Sessions().List()
	require.Len(t, sessions, 2)
	bob := sessions[1]
	require.Equal(t, "bob", bob.Nickname())

	// what teardown does first
	bob.refuseDirect()

	require.NoError(t, alice.SendUser("bob", "too late"))
	assert.Equal(t, msgUserNotFound, recvError(t, alice))
}

func TestTeardownLeavesEveryRoom(t *testing.T) {
	srv := newTestServer(t)

	watcher := connected(t, srv, "watcher")
	for _, room := range []string{"a", "b"} {
		require.NoError(t, watcher.Join(room))
		recvAs[*protocol.JoinAckResponse](t, watcher)
	}

	leaver := connected(t, srv, "leaver")
	for _, room := range []string{"a", "b"} {
		require.NoError(t, leaver.Join(room))
		recvAs[*protocol.JoinAckResponse](t, leaver)
		recv(t, watcher)
	}

	require.NoError(t, leaver.Close())

	left := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := recvAs[*protocol.RoomEvent](t, watcher)
		assert.Equal(t, protocol.UserLeftOp("leaver"), ev.Op)
		left[ev.Room] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, left)

	require.Eventually(t, func() bool {
		return srv.Sessions().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestValidNickname(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"alice", true},
		{"A.b-c_9", true},
		{"", false},
		{"with space", false},
		{"semi;colon", false},
		{strings.Repeat("n", 32), true},
		{strings.Repeat("n", 33), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidNickname(tt.name, 32), "%q", tt.name)
	}
}

func TestValidRoomName(t *testing.T) {
	assert.True(t, ValidRoomName("general", 64))
	assert.True(t, ValidRoomName("café-☕", 64))
	assert.False(t, ValidRoomName("", 64))
	assert.False(t, ValidRoomName("tab\there", 64))
	assert.False(t, ValidRoomName("bell\a", 64))
	assert.False(t, ValidRoomName("abc", 2))
}
