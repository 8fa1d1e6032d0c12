package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/realtime"
)

func texts(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestSendAndReceive(t *testing.T) {
	store := realtime.NewMemStore()
	defer store.Close()
	ctx := context.Background()

	alice := New(store, "alice", 0)
	bob := New(store, "bob", 0)
	require.NoError(t, alice.Join("room-1"))
	require.NoError(t, bob.Join("room-1"))
	incoming := bob.Subscribe()

	require.NoError(t, alice.Send(ctx, "  hello  ", "Alice"))
	select {
	case msg := <-incoming:
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "Alice", msg.SenderDisplayName)
		assert.NotZero(t, msg.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("bob got nothing")
	}

	require.NoError(t, bob.Send(ctx, "hi", "Bob"))
	require.Eventually(t, func() bool { return len(alice.Messages()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"hello", "hi"}, texts(alice.Messages()))

	// the sender's own echo does not duplicate its local copy
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, alice.Messages(), 2)
	assert.Len(t, bob.Messages(), 2)
}

func TestJoinLoadsHistory(t *testing.T) {
	store := realtime.NewMemStore()
	defer store.Close()
	ctx := context.Background()

	early := New(store, "a", 0)
	require.NoError(t, early.Join("room-h"))
	for _, s := range []string{"one", "two", "three"} {
		require.NoError(t, early.Send(ctx, s, "A"))
	}

	late := New(store, "b", 0)
	require.NoError(t, late.Join("room-h"))
	require.Eventually(t, func() bool { return len(late.Messages()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, texts(late.Messages()))
	assert.Equal(t, "room-h", late.Room())
}

func TestBufferKeepsNewest(t *testing.T) {
	store := realtime.NewMemStore()
	defer store.Close()
	m := New(store, "a", 2)
	require.NoError(t, m.Join("room-b"))
	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, m.Send(context.Background(), s, "A"))
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"2", "3"}, texts(m.Messages()))
	}, time.Second, time.Millisecond)
}

func TestLeaveAndRooms(t *testing.T) {
	store := realtime.NewMemStore()
	defer store.Close()
	ctx := context.Background()
	m := New(store, "a", 0)

	assert.True(t, apperr.IsKind(m.Send(ctx, "x", "A"), apperr.KindState))
	assert.True(t, apperr.IsKind(m.Join("bad/room"), apperr.KindValidation))

	require.NoError(t, m.Join("room-1"))
	require.NoError(t, m.Send(ctx, "in one", "A"))
	require.NoError(t, m.Join("room-2"))
	assert.Empty(t, m.Messages())

	other := New(store, "b", 0)
	require.NoError(t, other.Join("room-1"))
	require.NoError(t, other.Send(ctx, "still one", "B"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, m.Messages())

	m.Leave()
	m.Leave()
	assert.Equal(t, "", m.Room())
}

func TestSendValidation(t *testing.T) {
	store := realtime.NewMemStore()
	defer store.Close()
	m := New(store, "a", 0)
	require.NoError(t, m.Join("room-v"))
	ctx := context.Background()

	assert.True(t, apperr.IsKind(m.Send(ctx, "   ", "A"), apperr.KindValidation))
	assert.True(t, apperr.IsKind(m.Send(ctx, strings.Repeat("x", MaxTextLength+1), "A"), apperr.KindValidation))
	assert.NoError(t, m.Send(ctx, strings.Repeat("é", MaxTextLength), "A"))
}

func TestUnsubscribeAndClose(t *testing.T) {
	store := realtime.NewMemStore()
	defer store.Close()
	m := New(store, "a", 0)
	ch := m.Subscribe()
	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	ch2 := m.Subscribe()
	require.NoError(t, m.Close())
	_, open = <-ch2
	assert.False(t, open)
}

func TestSubscriptionLoss(t *testing.T) {
	store := realtime.NewMemStore()
	defer store.Close()
	m := New(store, "a", 0)
	require.NoError(t, m.Join("room-x"))

	store.RevokeListeners("rooms/room-x", errors.New("revoked"))
	require.Eventually(t, func() bool { return m.Room() == "" }, time.Second, time.Millisecond)
}
