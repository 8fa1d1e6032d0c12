package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/storage"
)

var log = logging.Logger("realtime")

// ErrClosed is reported to listeners and callers once the store is closed.
var ErrClosed = errors.New("store closed")

// Persister is the durable backing of a MemStore. *storage.DB satisfies it.
type Persister interface {
	PutTree(ctx context.Context, rows []storage.TreeRow) error
	LoadTree(ctx context.Context) ([]storage.TreeRow, error)
}

// Option configures a MemStore.
type Option func(*MemStore)

// WithPersister writes every change through to p.
func WithPersister(p Persister) Option {
	return func(m *MemStore) { m.persist = p }
}

// WithNow replaces the wall clock used for server timestamps.
func WithNow(now func() time.Time) Option {
	return func(m *MemStore) { m.now = now }
}

// MemStore is the in-process Store. Server timestamps are strictly
// increasing per store.
type MemStore struct {
	persist Persister
	now     func() time.Time

	mu     sync.Mutex
	root   map[string]any
	lastTS int64
	subs   map[*Subscription]struct{}
	closed bool
}

// NewMemStore creates an empty store.
func NewMemStore(opts ...Option) *MemStore {
	m := &MemStore{
		now:  time.Now,
		root: map[string]any{},
		subs: make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open creates a store and replays the persisted tree into it.
func Open(ctx context.Context, p Persister, opts ...Option) (*MemStore, error) {
	m := NewMemStore(append(opts, WithPersister(p))...)
	rows, err := p.LoadTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	for _, row := range rows {
		if row.Value == nil {
			m.removeLocked(row.Path)
			continue
		}
		v, err := decodeValue(row.Value)
		if err != nil {
			log.Warnf("skipping undecodable node %s: %v", row.Path, err)
			continue
		}
		m.setLocked(row.Path, v)
		m.trackTimestamps(v)
	}
	log.Infof("loaded %d tree rows", len(rows))
	return m, nil
}

// trackTimestamps keeps lastTS ahead of any "timestamp" field already stored.
func (m *MemStore) trackTimestamps(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			if k == "timestamp" {
				if n, ok := Int64(c); ok && n > m.lastTS {
					m.lastTS = n
				}
			}
			m.trackTimestamps(c)
		}
	}
}

func (m *MemStore) serverTime() int64 {
	ts := m.now().UnixMilli()
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts
	return ts
}

// Close terminates every subscription with a ListenError. Later calls fail.
func (m *MemStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[*Subscription]struct{})
	m.mu.Unlock()

	for s := range subs {
		s.terminate(apperr.Listen("listen", ErrClosed))
	}
	return nil
}

// RevokeListeners terminates subscriptions at or below prefix with a
// ListenError wrapping cause, the way a permission change would.
func (m *MemStore) RevokeListeners(prefix string, cause error) int {
	m.mu.Lock()
	var hit []*Subscription
	for s := range m.subs {
		if under(s.path, prefix) {
			hit = append(hit, s)
			delete(m.subs, s)
		}
	}
	m.mu.Unlock()

	for _, s := range hit {
		s.terminate(apperr.Listen("listen "+s.path, cause))
	}
	return len(hit)
}

func (m *MemStore) Get(ctx context.Context, path string) (any, bool, error) {
	if err := ValidatePath(path); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, apperr.Transport("get", ErrClosed)
	}
	v := m.getLocked(path)
	return copyValue(v), v != nil, nil
}

func (m *MemStore) Set(ctx context.Context, path string, value any) error {
	if err := mustWritable("set", path); err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return apperr.Validationf("set", "encode %s: %v", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeValueLocked(ctx, "set", path, v)
}

func (m *MemStore) Create(ctx context.Context, path string, value any) error {
	if err := mustWritable("create", path); err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return apperr.Validationf("create", "encode %s: %v", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed && m.getLocked(path) != nil {
		return apperr.Conflictf("create", "%s already exists", path)
	}
	return m.writeValueLocked(ctx, "create", path, v)
}

func (m *MemStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := mustWritable("update", path); err != nil {
		return err
	}
	norm, err := normalizeFields(fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeFieldsLocked(ctx, "update", path, norm)
}

func (m *MemStore) UpdateIf(ctx context.Context, path string, cond Condition, fields map[string]any) error {
	if err := mustWritable("updateIf", path); err != nil {
		return err
	}
	if cond.Field == "" {
		return apperr.Validationf("updateIf", "condition field is required")
	}
	want, err := normalize(cond.Equals)
	if err != nil {
		return apperr.Validationf("updateIf", "encode condition: %v", err)
	}
	norm, err := normalizeFields(fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		node, ok := m.getLocked(path).(map[string]any)
		if !ok {
			return apperr.NotFoundf("updateIf", "%s does not exist", path)
		}
		if got := node[cond.Field]; !equalValues(got, want) {
			return apperr.Conflictf("updateIf", "%s/%s is %v, want %v", path, cond.Field, got, want)
		}
	}
	return m.writeFieldsLocked(ctx, "updateIf", path, norm)
}

func (m *MemStore) Remove(ctx context.Context, path string) error {
	if err := mustWritable("remove", path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(ctx, "remove", path, []storage.TreeRow{{Path: path}}, func() {
		m.removeLocked(path)
	})
}

func (m *MemStore) Push(ctx context.Context, path string, value any) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	v, err := normalize(value)
	if err != nil {
		return "", apperr.Validationf("push", "encode under %s: %v", path, err)
	}
	if v == nil {
		return "", apperr.Validationf("push", "nil value under %s", path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// keys are minted under the lock so key order is write order
	key, err := uuid.NewV7()
	if err != nil {
		return "", apperr.Transport("push", err)
	}
	if err := m.writeValueLocked(ctx, "push", Join(path, key.String()), v); err != nil {
		return "", err
	}
	return key.String(), nil
}

func (m *MemStore) ListenValue(path string, h Handler) (*Subscription, error) {
	return m.listen(path, listenValue, Query{}, h)
}

func (m *MemStore) ListenChildren(path string, q Query, h Handler) (*Subscription, error) {
	return m.listen(path, listenChildren, q, h)
}

func (m *MemStore) listen(path string, kind listenKind, q Query, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, apperr.Validationf("listen", "handler is required")
	}
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, apperr.Listen("listen "+path, ErrClosed)
	}

	s := newSubscription(path, kind, q, h)
	s.setOnCancel(func() {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
	})
	m.subs[s] = struct{}{}

	// The initial snapshot is queued under the lock so it precedes every
	// event of a later write.
	current := m.getLocked(path)
	if kind == listenValue {
		s.enqueue(Event{Type: EventValue, Path: path, Value: copyValue(current), Exists: current != nil})
	} else {
		s.enqueue(childEvents(path, nil, current, q)...)
	}
	return s, nil
}

func (m *MemStore) writeValueLocked(ctx context.Context, op, path string, v any) error {
	if m.closed {
		return apperr.Transport(op, ErrClosed)
	}
	v = resolveSentinels(v, m.serverTime())
	return m.writeLocked(ctx, op, path, []storage.TreeRow{treeRow(path, v)}, func() {
		m.setLocked(path, v)
	})
}

func (m *MemStore) writeFieldsLocked(ctx context.Context, op, path string, fields map[string]any) error {
	if m.closed {
		return apperr.Transport(op, ErrClosed)
	}
	ts := m.serverTime()
	rows := make([]storage.TreeRow, 0, len(fields))
	for k, v := range fields {
		fields[k] = resolveSentinels(v, ts)
		rows = append(rows, treeRow(Join(path, k), fields[k]))
	}
	return m.writeLocked(ctx, op, path, rows, func() {
		for k, v := range fields {
			m.setLocked(Join(path, k), v)
		}
	})
}

// writeLocked persists rows, then runs mutate and notifies listeners whose
// view of the tree changed.
func (m *MemStore) writeLocked(ctx context.Context, op, path string, rows []storage.TreeRow, mutate func()) error {
	if m.closed {
		return apperr.Transport(op, ErrClosed)
	}
	if m.persist != nil {
		if err := m.persist.PutTree(ctx, rows); err != nil {
			log.Errorf("%s %s: persist failed: %v", op, path, err)
			return apperr.Transport(op, err)
		}
	}

	type snap struct {
		sub    *Subscription
		before any
	}
	var snaps []snap
	for s := range m.subs {
		if related(s.path, path) {
			snaps = append(snaps, snap{s, copyValue(m.getLocked(s.path))})
		}
	}

	mutate()

	for _, sn := range snaps {
		after := m.getLocked(sn.sub.path)
		if sn.sub.kind == listenValue {
			if !equalValues(sn.before, after) {
				sn.sub.enqueue(Event{Type: EventValue, Path: sn.sub.path, Value: copyValue(after), Exists: after != nil})
			}
			continue
		}
		sn.sub.enqueue(childEvents(sn.sub.path, sn.before, after, sn.sub.query)...)
	}
	return nil
}

func normalizeFields(fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return nil, apperr.Validationf("update", "no fields")
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if err := ValidatePath(k); err != nil || k == "" {
			return nil, apperr.Validationf("update", "invalid field %q", k)
		}
		n, err := normalize(v)
		if err != nil {
			return nil, apperr.Validationf("update", "encode %s: %v", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func treeRow(path string, v any) storage.TreeRow {
	if v == nil {
		return storage.TreeRow{Path: path}
	}
	b, err := json.Marshal(v)
	if err != nil {
		// normalized values always encode
		panic(fmt.Sprintf("realtime: encode %s: %v", path, err))
	}
	return storage.TreeRow{Path: path, Value: b}
}

// childEvents diffs the children of two values of the same path.
func childEvents(path string, before, after any, q Query) []Event {
	bm, _ := before.(map[string]any)
	am, _ := after.(map[string]any)

	var removed, changed, added []child
	for k, bv := range bm {
		if !q.admits(k) {
			continue
		}
		av, ok := am[k]
		switch {
		case !ok:
			removed = append(removed, child{k, bv})
		case !equalValues(bv, av):
			changed = append(changed, child{k, av})
		}
	}
	for k, av := range am {
		if _, ok := bm[k]; !ok && q.admits(k) {
			added = append(added, child{k, av})
		}
	}

	var evs []Event
	emit := func(cs []child, t EventType) {
		sortChildren(cs, q.OrderBy)
		for _, c := range cs {
			evs = append(evs, Event{Type: t, Path: Join(path, c.key), Key: c.key, Value: copyValue(c.value), Exists: t != EventChildRemoved})
		}
	}
	emit(removed, EventChildRemoved)
	emit(changed, EventChildChanged)
	emit(added, EventChildAdded)
	return evs
}

func (m *MemStore) getLocked(path string) any {
	var cur any = m.root
	for _, seg := range splitPath(path) {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = node[seg]
		if !ok {
			return nil
		}
	}
	if node, ok := cur.(map[string]any); ok && len(node) == 0 {
		return nil
	}
	return cur
}

func (m *MemStore) setLocked(path string, v any) {
	if nm, ok := v.(map[string]any); v == nil || (ok && len(nm) == 0) {
		m.removeLocked(path)
		return
	}
	segs := splitPath(path)
	node := m.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[seg] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = v
}

// removeLocked deletes path and prunes ancestors left empty.
func (m *MemStore) removeLocked(path string) {
	segs := splitPath(path)
	if len(segs) == 0 {
		m.root = map[string]any{}
		return
	}
	chain := []map[string]any{m.root}
	node := m.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			return
		}
		chain = append(chain, next)
		node = next
	}
	delete(node, segs[len(segs)-1])
	for i := len(chain) - 1; i > 0; i-- {
		if len(chain[i]) != 0 {
			break
		}
		delete(chain[i-1], segs[i-1])
	}
}
