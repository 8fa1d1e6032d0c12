package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/storage"
)

// recorder collects events delivered to a handler.
type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.evs...)
}

func (r *recorder) waitLen(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.events()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.events()
}

func fixedClock(start int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(start) }
}

func TestSetGetRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.Set(ctx, "a/b", map[string]any{"x": 1, "y": "two"}))

	v, ok, err := m.Get(ctx, "a/b/x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)

	v, ok, err = m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"b": map[string]any{"x": int64(1), "y": "two"}}, v)

	require.NoError(t, m.Remove(ctx, "a/b/x"))
	require.NoError(t, m.Remove(ctx, "a/b/y"))
	_, ok, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "empty parents are pruned")
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Set(ctx, "n", map[string]any{"k": "v"}))

	v, _, _ := m.Get(ctx, "n")
	v.(map[string]any)["k"] = "mutated"

	again, _, _ := m.Get(ctx, "n/k")
	assert.Equal(t, "v", again)
}

func TestWriteValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	assert.True(t, apperr.IsKind(m.Set(ctx, "", 1), apperr.KindValidation))
	assert.True(t, apperr.IsKind(m.Set(ctx, "a//b", 1), apperr.KindValidation))
	assert.True(t, apperr.IsKind(m.Update(ctx, "a", nil), apperr.KindValidation))
	_, err := m.Push(ctx, "a", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestServerTimestampMonotonic(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore(WithNow(fixedClock(1000)))

	require.NoError(t, m.Set(ctx, "x/1", map[string]any{"timestamp": ServerTimestamp()}))
	require.NoError(t, m.Set(ctx, "x/2", map[string]any{"timestamp": ServerTimestamp()}))

	a, _, _ := m.Get(ctx, "x/1/timestamp")
	b, _, _ := m.Get(ctx, "x/2/timestamp")
	assert.Equal(t, int64(1000), a)
	assert.Equal(t, int64(1001), b)
}

func TestCreateRefusesExisting(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.Create(ctx, "inv/p/i", map[string]any{"status": "PENDING"}))
	err := m.Create(ctx, "inv/p/i", map[string]any{"status": "PENDING"})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestUpdateIf(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Set(ctx, "inv/p/i", map[string]any{"status": "PENDING", "roomId": "r"}))

	cond := Condition{Field: "status", Equals: "PENDING"}
	require.NoError(t, m.UpdateIf(ctx, "inv/p/i", cond, map[string]any{"status": "ACCEPTED"}))

	err := m.UpdateIf(ctx, "inv/p/i", cond, map[string]any{"status": "EXPIRED"})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	err = m.UpdateIf(ctx, "inv/p/missing", cond, map[string]any{"status": "EXPIRED"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	v, _, _ := m.Get(ctx, "inv/p/i")
	assert.Equal(t, map[string]any{"status": "ACCEPTED", "roomId": "r"}, v)
}

func TestPushKeysAreOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	var keys []string
	for i := 0; i < 50; i++ {
		k, err := m.Push(ctx, "rooms/r/signals", map[string]any{"n": i})
		require.NoError(t, err)
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}

func TestValueListener(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Set(ctx, "inv/p/i", map[string]any{"status": "PENDING"}))

	rec := &recorder{}
	sub, err := m.ListenValue("inv/p/i", rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, m.Set(ctx, "other", 1))
	require.NoError(t, m.Update(ctx, "inv/p/i", map[string]any{"status": "ACCEPTED"}))
	require.NoError(t, m.Remove(ctx, "inv/p"))

	evs := rec.waitLen(t, 3)
	require.Len(t, evs, 3, "unrelated writes produce no events")
	assert.Equal(t, "PENDING", evs[0].Value.(map[string]any)["status"])
	assert.True(t, evs[0].Exists)
	assert.Equal(t, "ACCEPTED", evs[1].Value.(map[string]any)["status"])
	assert.False(t, evs[2].Exists)
	assert.Nil(t, evs[2].Value)
}

func TestChildListenerOrderAndEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Set(ctx, "inv/p/b", map[string]any{"timestamp": 20}))
	require.NoError(t, m.Set(ctx, "inv/p/a", map[string]any{"timestamp": 30}))
	require.NoError(t, m.Set(ctx, "inv/p/c", map[string]any{"timestamp": 10}))

	rec := &recorder{}
	sub, err := m.ListenChildren("inv/p", Query{OrderBy: "timestamp"}, rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	evs := rec.waitLen(t, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{evs[0].Key, evs[1].Key, evs[2].Key})
	for _, ev := range evs {
		assert.Equal(t, EventChildAdded, ev.Type)
	}

	require.NoError(t, m.Update(ctx, "inv/p/b", map[string]any{"status": "REJECTED"}))
	require.NoError(t, m.Remove(ctx, "inv/p/a"))
	require.NoError(t, m.Set(ctx, "inv/p/d", map[string]any{"timestamp": 40}))

	evs = rec.waitLen(t, 6)
	assert.Equal(t, EventChildChanged, evs[3].Type)
	assert.Equal(t, "b", evs[3].Key)
	assert.Equal(t, EventChildRemoved, evs[4].Type)
	assert.Equal(t, "a", evs[4].Key)
	assert.Equal(t, EventChildAdded, evs[5].Type)
	assert.Equal(t, "d", evs[5].Key)
}

func TestChildListenerStartAfter(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	k1, _ := m.Push(ctx, "s", "one")
	k2, _ := m.Push(ctx, "s", "two")

	rec := &recorder{}
	sub, err := m.ListenChildren("s", Query{StartAfter: k1}, rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	k3, _ := m.Push(ctx, "s", "three")
	evs := rec.waitLen(t, 2)
	require.Len(t, evs, 2)
	assert.Equal(t, k2, evs[0].Key)
	assert.Equal(t, k3, evs[1].Key)
}

func TestCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	rec := &recorder{}
	sub, err := m.ListenChildren("s", Query{}, rec.handle)
	require.NoError(t, err)

	_, err = m.Push(ctx, "s", 1)
	require.NoError(t, err)
	rec.waitLen(t, 1)

	sub.Cancel()
	sub.Cancel()
	<-sub.Done()

	_, err = m.Push(ctx, "s", 2)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.events(), 1)
}

func TestCancelFromHandler(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	var sub *Subscription
	got := make(chan Event, 4)
	ready := make(chan struct{})
	var err error
	sub, err = m.ListenValue("v", func(ev Event) {
		<-ready
		got <- ev
		sub.Cancel()
	})
	require.NoError(t, err)
	close(ready)

	require.NoError(t, m.Set(ctx, "v", 1))
	<-got
	<-sub.Done()
	assert.Len(t, got, 0)
}

func TestRevokeAndClose(t *testing.T) {
	m := NewMemStore()
	rec := &recorder{}
	_, err := m.ListenChildren("inv/p", Query{}, rec.handle)
	require.NoError(t, err)
	other := &recorder{}
	_, err = m.ListenValue("rooms/r", other.handle)
	require.NoError(t, err)

	cause := errors.New("permission denied")
	assert.Equal(t, 1, m.RevokeListeners("inv", cause))

	evs := rec.waitLen(t, 1)
	assert.Equal(t, EventCancelled, evs[0].Type)
	assert.True(t, apperr.IsKind(evs[0].Err, apperr.KindListen))
	assert.ErrorIs(t, evs[0].Err, cause)

	require.NoError(t, m.Close())
	oevs := other.waitLen(t, 2)
	assert.Equal(t, EventCancelled, oevs[1].Type)

	err = m.Set(context.Background(), "x", 1)
	assert.True(t, apperr.IsKind(err, apperr.KindTransport))
	_, err = m.ListenValue("x", func(Event) {})
	assert.True(t, apperr.IsKind(err, apperr.KindListen))
}

type failingPersister struct {
	fail bool
	rows []storage.TreeRow
}

func (f *failingPersister) PutTree(_ context.Context, rows []storage.TreeRow) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *failingPersister) LoadTree(context.Context) ([]storage.TreeRow, error) {
	return f.rows, nil
}

func TestPersistFailureLeavesTreeUntouched(t *testing.T) {
	ctx := context.Background()
	p := &failingPersister{}
	m := NewMemStore(WithPersister(p))
	require.NoError(t, m.Set(ctx, "a", 1))

	rec := &recorder{}
	sub, err := m.ListenValue("a", rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()
	rec.waitLen(t, 1)

	p.fail = true
	err = m.Set(ctx, "a", 2)
	assert.True(t, apperr.IsKind(err, apperr.KindTransport))

	v, _, _ := m.Get(ctx, "a")
	assert.Equal(t, int64(1), v)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.events(), 1)
}

func TestReloadFromSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	m, err := Open(ctx, db)
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "inv/p/i", map[string]any{"status": "PENDING", "timestamp": ServerTimestamp()}))
	require.NoError(t, m.Update(ctx, "inv/p/i", map[string]any{"status": "ACCEPTED", "priestRespondedTimestamp": int64(5)}))
	_, err = m.Push(ctx, "rooms/r/signals", map[string]any{"type": "OFFER"})
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, "rooms/r"))
	ts, _, _ := m.Get(ctx, "inv/p/i/timestamp")

	again, err := Open(ctx, db)
	require.NoError(t, err)

	v, ok, err := again.Get(ctx, "inv/p/i")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"status":                   "ACCEPTED",
		"timestamp":                ts,
		"priestRespondedTimestamp": int64(5),
	}, v)

	_, ok, _ = again.Get(ctx, "rooms")
	assert.False(t, ok)

	// timestamps keep increasing across a reload
	require.NoError(t, again.Set(ctx, "t", map[string]any{"timestamp": ServerTimestamp()}))
	next, _, _ := again.Get(ctx, "t/timestamp")
	assert.Greater(t, next.(int64), ts.(int64))
}
