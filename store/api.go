package store

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable is returned by writes and reads while the store
	// (or the link to it) is down.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrInvalidPath  = errors.New("invalid path")
	ErrInvalidValue = errors.New("invalid value")
	ErrClosed       = errors.New("store closed")
)

// AppendFunc receives one child of a listened path: its key and its value.
type AppendFunc func(id string, value Snapshot)

// RemoveFunc receives the key of a removed child.
type RemoveFunc func(id string)

// ValueFunc receives the whole value of a listened path.
type ValueFunc func(value Snapshot)

// Unsubscribe releases a listener registration. Calling it more than once is a no-op.
type Unsubscribe func()

// Change is one path write of a batch. A nil Value removes the path.
type Change struct {
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// IEventStore is the keyed append/listen store the sync engine is built on.
//
// Listener callbacks of one store are delivered sequentially, never concurrently,
// and never from inside a write call. A write returning does not imply the
// corresponding listeners already ran, nor the opposite.
type IEventStore interface {
	// Append adds value as a new child of path under a store-assigned unique key.
	Append(ctx context.Context, path string, value any) (string, error)

	// ListenAppend delivers every existing child of path, then every child added later.
	// Children may be delivered more than once (e.g. after a reconnect).
	ListenAppend(path string, fn AppendFunc) (Unsubscribe, error)

	// ListenRemove delivers the key of every child removed from path.
	ListenRemove(path string, fn RemoveFunc) (Unsubscribe, error)

	// ListenValue delivers the current value of path, then every change of it.
	ListenValue(path string, fn ValueFunc) (Unsubscribe, error)

	// ReadOnce reads the current value of path; a missing path gives a snapshot
	// whose Exists() is false.
	ReadOnce(ctx context.Context, path string) (Snapshot, error)

	// Set replaces the value of path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error

	// Update writes every field of fields below path in one atomic commit.
	// Field keys may be nested relative paths ("a/b/c"); nil values remove.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes path and everything below it.
	Remove(ctx context.Context, path string) error
}

// IReconnectNotifier is implemented by stores whose link can drop and come
// back. Listeners registered again on reconnect replay what exists but miss
// removals made meanwhile, so caches built from them must be rebuilt.
type IReconnectNotifier interface {
	// OnReconnect registers fn, run after each reconnect once every listener
	// is registered again.
	OnReconnect(fn func()) Unsubscribe
}

// Persister keeps the tree of a MemStore durable.
type Persister interface {
	// Load returns the whole persisted tree, nil when empty.
	Load(ctx context.Context) (any, error)

	// Apply persists a batch of normalized changes atomically, in order.
	Apply(ctx context.Context, changes []Change) error

	Close() error
}
