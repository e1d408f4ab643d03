package store

import (
	"encoding/json"
)

// Snapshot is an immutable view of the value at one path.
// Values returned by Value() are shared with the store and must not be modified.
type Snapshot struct {
	key   string
	value any
}

// NewSnapshot wraps a raw value, normalizing it to the tree representation.
func NewSnapshot(key string, value any) (Snapshot, error) {
	v, err := normalize(value)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{key: key, value: v}, nil
}

// Key is the last segment of the snapshot path, "" for the root.
func (s Snapshot) Key() string { return s.key }

func (s Snapshot) Exists() bool { return s.value != nil }

func (s Snapshot) Value() any { return s.value }

// Decode unmarshals the value into v, as encoding/json does.
func (s Snapshot) Decode(v any) error {
	b, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Child returns the snapshot of a relative path below s.
func (s Snapshot) Child(path string) Snapshot {
	segs, err := SplitPath(path)
	if err != nil || len(segs) == 0 {
		return Snapshot{key: s.key, value: nil}
	}
	return Snapshot{key: segs[len(segs)-1], value: getIn(s.value, segs)}
}

// Children returns the direct children of s, ordered by key.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	out := make([]Snapshot, 0, len(m))
	for _, k := range childKeys(m) {
		out = append(out, Snapshot{key: k, value: m[k]})
	}
	return out
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}
