package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const pathSep = "/"

// SplitPath splits a slash separated path into its segments. The root path is
// "" (or "/") and has no segments.
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, pathSep)
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, pathSep)
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// JoinPath joins path segments, ignoring empty ones.
func JoinPath(elems ...string) string {
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		if e = strings.Trim(e, pathSep); e != "" {
			out = append(out, e)
		}
	}
	return strings.Join(out, pathSep)
}

// isAncestor reports whether a is b or one of b's ancestors.
func isAncestor(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// normalize converts value into the tree representation: objects become
// map[string]any, numbers json.Number. Empty objects are pruned to nil.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return decodeJSON(b)
}

func decodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return prune(out), nil
}

func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		if c := prune(child); c == nil {
			delete(m, k)
		} else {
			m[k] = c
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func getIn(node any, segs []string) any {
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}

// setIn returns a copy of node with value stored at segs. Maps along the path are
// copied, everything else is shared, so older roots stay valid snapshots.
func setIn(node any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	m, _ := node.(map[string]any)
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if child := setIn(m[segs[0]], segs[1:], value); child == nil {
		delete(out, segs[0])
	} else {
		out[segs[0]] = child
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func childKeys(node any) []string {
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// flatten maps every leaf below value to its full path and JSON encoding.
func flatten(path string, value any, out map[string][]byte) error {
	if m, ok := value.(map[string]any); ok {
		for k, v := range m {
			if err := flatten(JoinPath(path, k), v, out); err != nil {
				return err
			}
		}
		return nil
	}
	if value == nil {
		return nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	out[path] = b
	return nil
}

// treeBuilder rebuilds a tree from flattened leaves, mutating in place.
type treeBuilder struct {
	root map[string]any
}

func (b *treeBuilder) put(path string, raw []byte) error {
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: leaf at root", ErrInvalidValue)
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return err
	}
	if b.root == nil {
		b.root = make(map[string]any)
	}
	node := b.root
	for _, s := range segs[:len(segs)-1] {
		next, ok := node[s].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[s] = next
		}
		node = next
	}
	if v != nil {
		node[segs[len(segs)-1]] = v
	}
	return nil
}

func (b *treeBuilder) tree() any {
	if b.root == nil {
		return nil
	}
	return prune(b.root)
}

// prefixOf returns the key prefix covering every leaf below path.
// ancestorsOf returns the proper ancestors of path, nearest to the root
// first: "a/b/c" gives "a", "a/b". A write below a scalar leaf replaces it,
// so persisters drop these keys too.
func ancestorsOf(path string) []string {
	segs := strings.Split(strings.Trim(path, pathSep), pathSep)
	if len(segs) < 2 {
		return nil
	}
	out := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], pathSep))
	}
	return out
}

func prefixOf(path string) string {
	if path == "" {
		return ""
	}
	return path + pathSep
}
