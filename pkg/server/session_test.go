package server

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTableLifecycle(t *testing.T) {
	metrics := NewMetrics()
	table := NewSessionTable(4, metrics)

	a, _ := net.Pipe()
	b, _ := net.Pipe()

	first := table.Add("tcp", a)
	second := table.Add("websocket", b)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.activeSessions))

	got, ok := table.Get(second.ID)
	require.True(t, ok)
	assert.Same(t, second, got)

	all := table.List()
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	table.Remove(first.ID)
	table.Remove(first.ID)
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.sessionsDisconnected))

	_, err := a.Write([]byte{1})
	assert.Error(t, err, "removed session's transport is closed")

	table.CloseAll()
	_, err = b.Write([]byte{1})
	assert.Error(t, err)
}

func TestSessionDeliverDirect(t *testing.T) {
	conn, _ := net.Pipe()
	sess := newSession(1, "pipe", conn, 2)

	require.NoError(t, sess.DeliverDirect("alice", "one"))
	require.NoError(t, sess.DeliverDirect("alice", "two"))
	assert.ErrorIs(t, sess.DeliverDirect("alice", "three"), ErrMailboxFull)

	item := <-sess.mailbox
	require.NotNil(t, item.direct)
	assert.Equal(t, "one", item.direct.Content)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.DeliverDirect("alice", "four"), ErrSessionClosed)
	assert.False(t, sess.enqueue(mailItem{}))
}

func TestSessionEnqueueAfterClose(t *testing.T) {
	conn, _ := net.Pipe()
	sess := newSession(1, "pipe", conn, 8)
	require.NoError(t, sess.Close())

	// free mailbox slots must not win over the closed session
	for i := 0; i < 100; i++ {
		require.False(t, sess.enqueue(mailItem{}))
	}
	assert.Empty(t, sess.mailbox)
}

func TestSessionRefusesDirectDuringTeardown(t *testing.T) {
	conn, _ := net.Pipe()
	sess := newSession(1, "pipe", conn, 4)

	require.NoError(t, sess.DeliverDirect("alice", "before"))
	sess.refuseDirect()
	assert.ErrorIs(t, sess.DeliverDirect("alice", "after"), ErrSessionClosed)
	assert.Len(t, sess.mailbox, 1)

	// room traffic is still forwarded until the transport closes
	assert.True(t, sess.enqueue(mailItem{}))
}

func TestSessionNickname(t *testing.T) {
	conn, _ := net.Pipe()
	sess := newSession(1, "pipe", conn, 1)

	assert.Equal(t, "", sess.Nickname())
	sess.setNickname("alice")
	assert.Equal(t, "alice", sess.Nickname())
	assert.False(t, sess.Encrypted())
}
