package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

type listenKind int

const (
	listenAppend listenKind = iota
	listenRemove
	listenValue
)

type listener struct {
	id     uint64
	kind   listenKind
	path   string
	segs   []string
	closed atomic.Bool

	onAppend AppendFunc
	onRemove RemoveFunc
	onValue  ValueFunc
}

// MemStore is an in-memory IEventStore. The tree is copy-on-write, so every
// committed root is an immutable snapshot. An optional Persister makes commits
// durable; a commit the persister rejects is not applied.
type MemStore struct {
	sync.Mutex

	root      any
	online    bool
	closed    bool
	nextId    uint64
	listeners map[uint64]*listener

	persister  Persister
	dispatcher *Dispatcher
}

// NewMemStore creates a store, loading its initial tree from p when p is not nil.
func NewMemStore(ctx context.Context, p Persister) (*MemStore, error) {
	s := &MemStore{
		online:     true,
		listeners:  make(map[uint64]*listener),
		persister:  p,
		dispatcher: NewDispatcher(),
	}
	if p != nil {
		root, err := p.Load(ctx)
		if err != nil {
			s.dispatcher.Close()
			return nil, fmt.Errorf("load persisted tree: %w", err)
		}
		s.root = root
	}
	return s, nil
}

// Close stops listener delivery and closes the persister.
func (s *MemStore) Close() error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil
	}
	s.closed = true
	for _, l := range s.listeners {
		l.closed.Store(true)
	}
	s.listeners = nil
	s.Unlock()

	s.dispatcher.Close()
	if s.persister != nil {
		return s.persister.Close()
	}
	return nil
}

// Drain waits until every notification queued so far has been delivered.
func (s *MemStore) Drain() {
	s.dispatcher.Drain()
}

// SetOnline simulates losing and regaining the link to the store. While offline
// reads and writes fail with ErrStoreUnavailable. Going back online redelivers
// every child to append listeners and the current value to value listeners,
// as push stores do after a reconnect.
func (s *MemStore) SetOnline(online bool) {
	s.Lock()
	defer s.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	glog.V(5).Infof("memstore: online=%v", online)
	if !online {
		return
	}
	for _, l := range s.sortedListeners() {
		s.replay(l)
	}
}

func (s *MemStore) checkUsable() error {
	if s.closed {
		return ErrClosed
	}
	if !s.online {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *MemStore) Append(ctx context.Context, path string, value any) (string, error) {
	if value == nil {
		return "", fmt.Errorf("%w: append nil", ErrInvalidValue)
	}
	id := uuid.NewString()
	if err := s.Commit(ctx, []Change{{Path: JoinPath(path, id), Value: value}}); err != nil {
		return "", err
	}
	return id, nil
}

func (s *MemStore) Set(ctx context.Context, path string, value any) error {
	return s.Commit(ctx, []Change{{Path: path, Value: value}})
}

func (s *MemStore) Remove(ctx context.Context, path string) error {
	return s.Commit(ctx, []Change{{Path: path}})
}

func (s *MemStore) Update(ctx context.Context, path string, fields map[string]any) error {
	changes, err := UpdateChanges(path, fields)
	if err != nil {
		return err
	}
	return s.Commit(ctx, changes)
}

// UpdateChanges expands an Update call into its change batch, rejecting
// fields where one path is an ancestor of another.
func UpdateChanges(path string, fields map[string]any) ([]Change, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changes := make([]Change, 0, len(keys))
	seen := make([][]string, 0, len(keys))
	for _, k := range keys {
		full := JoinPath(path, k)
		segs, err := SplitPath(full)
		if err != nil {
			return nil, err
		}
		for _, prev := range seen {
			if isAncestor(prev, segs) || isAncestor(segs, prev) {
				return nil, fmt.Errorf("%w: %q overlaps another updated path", ErrInvalidPath, full)
			}
		}
		seen = append(seen, segs)
		changes = append(changes, Change{Path: full, Value: fields[k]})
	}
	return changes, nil
}

// Commit applies a batch of changes atomically: either all of them are visible
// (and persisted) or none is.
func (s *MemStore) Commit(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	normalized := make([]Change, 0, len(changes))
	segsList := make([][]string, 0, len(changes))
	for _, c := range changes {
		segs, err := SplitPath(c.Path)
		if err != nil {
			return err
		}
		v, err := normalize(c.Value)
		if err != nil {
			return err
		}
		if _, isMap := v.(map[string]any); len(segs) == 0 && v != nil && !isMap {
			return fmt.Errorf("%w: root must be an object", ErrInvalidValue)
		}
		normalized = append(normalized, Change{Path: JoinPath(segs...), Value: v})
		segsList = append(segsList, segs)
	}

	s.Lock()
	defer s.Unlock()
	if err := s.checkUsable(); err != nil {
		return err
	}

	if s.persister != nil {
		if err := s.persister.Apply(ctx, normalized); err != nil {
			glog.Errorf("memstore: persist %d changes error: %v", len(normalized), err)
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	old := s.root
	root := old
	for i, c := range normalized {
		root = setIn(root, segsList[i], c.Value)
	}
	s.root = root

	s.notify(old, root, segsList)
	return nil
}

func (s *MemStore) ReadOnce(ctx context.Context, path string) (Snapshot, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	s.Lock()
	defer s.Unlock()
	if err := s.checkUsable(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{key: lastSeg(segs), value: getIn(s.root, segs)}, nil
}

func (s *MemStore) ListenAppend(path string, fn AppendFunc) (Unsubscribe, error) {
	return s.listen(&listener{kind: listenAppend, path: path, onAppend: fn})
}

func (s *MemStore) ListenRemove(path string, fn RemoveFunc) (Unsubscribe, error) {
	return s.listen(&listener{kind: listenRemove, path: path, onRemove: fn})
}

func (s *MemStore) ListenValue(path string, fn ValueFunc) (Unsubscribe, error) {
	return s.listen(&listener{kind: listenValue, path: path, onValue: fn})
}

func (s *MemStore) listen(l *listener) (Unsubscribe, error) {
	segs, err := SplitPath(l.path)
	if err != nil {
		return nil, err
	}
	l.segs = segs
	l.path = JoinPath(segs...)

	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.nextId++
	l.id = s.nextId
	s.listeners[l.id] = l
	s.replay(l)

	glog.V(5).Infof("memstore: listen #%d kind=%d path=%q", l.id, l.kind, l.path)

	return func() {
		l.closed.Store(true)
		s.Lock()
		delete(s.listeners, l.id)
		s.Unlock()
	}, nil
}

// replay queues the current state for l. Caller holds the lock.
func (s *MemStore) replay(l *listener) {
	current := getIn(s.root, l.segs)
	switch l.kind {
	case listenAppend:
		m, _ := current.(map[string]any)
		for _, k := range childKeys(current) {
			s.postAppend(l, k, m[k])
		}
	case listenValue:
		s.postValue(l, current)
	}
}

// notify queues listener callbacks for the transition old -> root. Caller holds the lock.
func (s *MemStore) notify(old, root any, changed [][]string) {
	for _, l := range s.sortedListeners() {
		if !touches(l.segs, changed) {
			continue
		}
		before := getIn(old, l.segs)
		after := getIn(root, l.segs)
		switch l.kind {
		case listenValue:
			if !reflect.DeepEqual(before, after) {
				s.postValue(l, after)
			}
		case listenAppend:
			bm, _ := before.(map[string]any)
			am, _ := after.(map[string]any)
			for _, k := range childKeys(am) {
				if _, ok := bm[k]; !ok {
					s.postAppend(l, k, am[k])
				}
			}
		case listenRemove:
			bm, _ := before.(map[string]any)
			am, _ := after.(map[string]any)
			for _, k := range childKeys(bm) {
				if _, ok := am[k]; !ok {
					s.postRemove(l, k)
				}
			}
		}
	}
}

func (s *MemStore) postAppend(l *listener, key string, value any) {
	snap := Snapshot{key: key, value: value}
	s.dispatcher.Post(func() {
		if !l.closed.Load() {
			l.onAppend(key, snap)
		}
	})
}

func (s *MemStore) postRemove(l *listener, key string) {
	s.dispatcher.Post(func() {
		if !l.closed.Load() {
			l.onRemove(key)
		}
	})
}

func (s *MemStore) postValue(l *listener, value any) {
	snap := Snapshot{key: lastSeg(l.segs), value: value}
	s.dispatcher.Post(func() {
		if !l.closed.Load() {
			l.onValue(snap)
		}
	})
}

func (s *MemStore) sortedListeners() []*listener {
	out := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// touches reports whether a change at any of changed can affect the value at segs.
func touches(segs []string, changed [][]string) bool {
	for _, c := range changed {
		if isAncestor(segs, c) || isAncestor(c, segs) {
			return true
		}
	}
	return false
}

func lastSeg(segs []string) string {
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}
