package invite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/realtime"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusAccepted, StatusRejected, StatusMissed, StatusExpired}
	for _, from := range all {
		for _, to := range all {
			want := from == StatusPending && to != StatusPending
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(StatusPending, Status("BOGUS")))
	assert.False(t, Status("BOGUS").Terminal())
}

func TestDecodeDefaults(t *testing.T) {
	inv, err := Decode("p1", "i1", map[string]any{
		"roomId":    "r1",
		"status":    "PENDING",
		"timestamp": int64(42),
	})
	require.NoError(t, err)
	assert.Equal(t, "i1", inv.InvitationID)
	assert.Equal(t, "p1", inv.PriestID)
	assert.Equal(t, DefaultDisplayName, inv.ConfessorDisplayName)
	assert.Equal(t, int64(42), inv.CreatedAt)
	assert.Nil(t, inv.RespondedAt)

	_, err = Decode("p1", "i1", "garbage")
	assert.Error(t, err)
}

func newInvitation(id string) *Invitation {
	return &Invitation{
		InvitationID: id,
		RoomID:       "room-" + id,
		ConfessorID:  "c1",
		PriestID:     "p1",
	}
}

func TestCreateAndTransition(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(5000))
	repo := NewRepository(realtime.NewMemStore(), WithClock(mock))

	inv := newInvitation("i1")
	require.NoError(t, repo.Create(ctx, inv))
	assert.Equal(t, StatusPending, inv.Status)
	assert.Equal(t, DefaultDisplayName, inv.ConfessorDisplayName)

	got, ok, err := repo.Get(ctx, "p1", "i1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "room-i1", got.RoomID)
	assert.Equal(t, StatusPending, got.Status)
	assert.NotZero(t, got.CreatedAt)

	at, err := repo.Transition(ctx, inv, StatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), at)

	got, _, err = repo.Get(ctx, "p1", "i1")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	require.NotNil(t, got.RespondedAt)
	assert.Equal(t, int64(5000), *got.RespondedAt)
	assert.Equal(t, "room-i1", got.RoomID, "roomId is never rewritten")

	// no transition leaves a terminal status
	_, err = repo.Transition(ctx, inv, StatusExpired)
	assert.True(t, apperr.IsKind(err, apperr.KindState))
	got, _, _ = repo.Get(ctx, "p1", "i1")
	assert.Equal(t, StatusAccepted, got.Status)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(realtime.NewMemStore())

	err := repo.Create(ctx, &Invitation{InvitationID: "i", RoomID: "r"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	inv := newInvitation("i2")
	inv.Status = StatusAccepted
	err = repo.Create(ctx, inv)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	require.NoError(t, repo.Create(ctx, newInvitation("i3")))
	err = repo.Create(ctx, newInvitation("i3"))
	assert.True(t, apperr.IsKind(err, apperr.KindState), "ids are never reused")

	_, err = repo.Transition(ctx, newInvitation("i3"), StatusPending)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestTransitionMissingRecord(t *testing.T) {
	repo := NewRepository(realtime.NewMemStore())
	_, err := repo.Transition(context.Background(), newInvitation("gone"), StatusRejected)
	assert.True(t, apperr.IsKind(err, apperr.KindState))
}

func TestTransitionClosedStore(t *testing.T) {
	store := realtime.NewMemStore()
	repo := NewRepository(store)
	inv := newInvitation("i1")
	require.NoError(t, repo.Create(context.Background(), inv))
	require.NoError(t, store.Close())

	_, err := repo.Transition(context.Background(), inv, StatusRejected)
	assert.True(t, apperr.IsKind(err, apperr.KindTransport))
}

func TestWatch(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemStore()
	repo := NewRepository(store)
	inv := newInvitation("i1")
	require.NoError(t, repo.Create(ctx, inv))

	var mu sync.Mutex
	var seen []*Invitation
	sub, err := repo.Watch("p1", "i1", func(got *Invitation, err error) {
		assert.NoError(t, err)
		mu.Lock()
		seen = append(seen, got)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = repo.Transition(ctx, inv, StatusRejected)
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, inv.Path()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StatusPending, seen[0].Status)
	assert.Equal(t, StatusRejected, seen[1].Status)
	assert.Nil(t, seen[2])
}

func TestWatchPriest(t *testing.T) {
	ctx := context.Background()
	now := int64(100)
	store := realtime.NewMemStore(realtime.WithNow(func() time.Time { return time.UnixMilli(now) }))
	repo := NewRepository(store)

	require.NoError(t, repo.Create(ctx, newInvitation("b")))
	require.NoError(t, repo.Create(ctx, newInvitation("a")))

	changes := make(chan Change, 10)
	sub, err := repo.WatchPriest("p1", func(c Change) { changes <- c })
	require.NoError(t, err)
	defer sub.Cancel()

	first, second := <-changes, <-changes
	assert.Equal(t, Added, first.Type)
	assert.Equal(t, "b", first.Invitation.InvitationID, "ordered by creation time")
	assert.Equal(t, "a", second.Invitation.InvitationID)

	_, err = repo.Transition(ctx, first.Invitation, StatusMissed)
	require.NoError(t, err)
	c := <-changes
	assert.Equal(t, Changed, c.Type)
	assert.Equal(t, StatusMissed, c.Invitation.Status)

	store.RevokeListeners(PriestPath("p1"), assert.AnError)
	c = <-changes
	assert.Equal(t, Cancelled, c.Type)
	assert.True(t, apperr.IsKind(c.Err, apperr.KindListen))
	assert.Equal(t, "cancelled", c.Type.String())
}
