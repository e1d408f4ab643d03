package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitPath(t *testing.T) {
	segs, err := SplitPath("/userChats/a/b/")
	assert.NoError(t, err)
	assert.Equal(t, []string{"userChats", "a", "b"}, segs)

	segs, err = SplitPath("")
	assert.NoError(t, err)
	assert.Empty(t, segs)

	for _, bad := range []string{"a//b", "a/b.c", "a/$b", "a/[0]"} {
		_, err := SplitPath(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "a/b/c", JoinPath("a/", "", "/b", "c"))
	assert.Equal(t, "", JoinPath())
}

func TestNormalizePrunesEmptyObjects(t *testing.T) {
	v, err := normalize(map[string]any{
		"a": map[string]any{},
		"b": map[string]any{"c": nil},
		"d": 1700000000123,
	})
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"d": json.Number("1700000000123")}, v)

	v, err = normalize(map[string]any{})
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestSetInCopiesPath(t *testing.T) {
	old := setIn(nil, []string{"a", "b"}, "x")
	root := setIn(old, []string{"a", "c"}, "y")

	assert.Equal(t, "x", getIn(old, []string{"a", "b"}))
	assert.Nil(t, getIn(old, []string{"a", "c"}))
	assert.Equal(t, "y", getIn(root, []string{"a", "c"}))

	root = setIn(root, []string{"a", "b"}, nil)
	root = setIn(root, []string{"a", "c"}, nil)
	assert.Nil(t, root)
}

func TestFlattenAndBuild(t *testing.T) {
	v, err := normalize(map[string]any{
		"u1": map[string]any{"name": "Alice", "age": 30, "tags": []string{"x"}},
		"u2": map[string]any{"name": "Bob"},
	})
	assert.NoError(t, err)

	leaves := make(map[string][]byte)
	assert.NoError(t, flatten("users", v, leaves))
	assert.Len(t, leaves, 4)
	assert.Equal(t, `"Alice"`, string(leaves["users/u1/name"]))
	assert.Equal(t, `["x"]`, string(leaves["users/u1/tags"]))

	var b treeBuilder
	for k, raw := range leaves {
		assert.NoError(t, b.put(k, raw))
	}
	assert.Equal(t, map[string]any{"users": v}, b.tree())
}

func TestUpdateChangesRejectsOverlap(t *testing.T) {
	_, err := UpdateChanges("", map[string]any{"a/b": 1, "a/b/c": 2})
	assert.ErrorIs(t, err, ErrInvalidPath)

	changes, err := UpdateChanges("root", map[string]any{"b": 1, "a/x": nil})
	assert.NoError(t, err)
	assert.Equal(t, []Change{{Path: "root/a/x"}, {Path: "root/b", Value: 1}}, changes)
}

func TestSnapshotDecodeAndChildren(t *testing.T) {
	snap, err := NewSnapshot("m", map[string]any{
		"k2": map[string]any{"text": "b", "timestamp": 2000},
		"k1": map[string]any{"text": "a", "timestamp": 1000},
	})
	assert.NoError(t, err)

	children := snap.Children()
	assert.Len(t, children, 2)
	assert.Equal(t, "k1", children[0].Key())

	var out struct {
		Text      string `json:"text"`
		Timestamp int64  `json:"timestamp"`
	}
	assert.NoError(t, children[1].Decode(&out))
	assert.Equal(t, "b", out.Text)
	assert.Equal(t, int64(2000), out.Timestamp)

	assert.False(t, snap.Child("missing").Exists())
	assert.True(t, snap.Child("k1/text").Exists())
}

func TestAncestorsOf(t *testing.T) {
	assert.Nil(t, ancestorsOf(""))
	assert.Nil(t, ancestorsOf("a"))
	assert.Equal(t, []string{"a", "a/b"}, ancestorsOf("a/b/c"))
	assert.Equal(t, []string{"a"}, ancestorsOf("/a/b/"))
}
