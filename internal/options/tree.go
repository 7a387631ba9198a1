// Package options holds experiment settings as an ordered, nested key/value
// tree that round-trips through YAML and converts to and from a flat
// dotted-key form.
//
// A flat tree such as
//
//	lr:             0.0011
//	dnd.size:       2000
//	dnd.sched.end:  0.0
//
// expands to
//
//	lr: 0.0011
//	dnd:
//	  size: 2000
//	  sched:
//	    end: 0.0
//
// Keys ending in "_" (for example "args_") are ordinary keys and are kept
// verbatim in both forms.
package options

import (
	"fmt"
	"strings"
)

// Sep separates the path components of a flat key.
const Sep = "."

// Tree is an ordered mapping. Values are scalars (string, int, float64,
// bool, nil), []any, or *Tree for nested mappings. The zero value is not
// usable; call New.
type Tree struct {
	keys   []string
	values map[string]any
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{values: map[string]any{}}
}

// Set stores v under key. A new key is appended; an existing key keeps its
// position.
func (t *Tree) Set(key string, v any) {
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = v
}

// Get returns the value stored under key.
func (t *Tree) Get(key string) (any, bool) {
	v, ok := t.values[key]
	return v, ok
}

// GetString returns the value under key when it is a string.
func (t *Tree) GetString(key string) (string, bool) {
	v, ok := t.values[key].(string)
	return v, ok
}

// Delete removes key.
func (t *Tree) Delete(key string) {
	if _, ok := t.values[key]; !ok {
		return
	}
	delete(t.values, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i:i], t.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (t *Tree) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Len returns the number of top-level keys.
func (t *Tree) Len() int { return len(t.keys) }

// Clone returns a deep copy. Slices are copied, scalars shared.
func (t *Tree) Clone() *Tree {
	out := New()
	for _, k := range t.keys {
		out.Set(k, cloneValue(t.values[k]))
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Tree:
		return x.Clone()
	case []any:
		cp := make([]any, len(x))
		for i := range x {
			cp[i] = cloneValue(x[i])
		}
		return cp
	default:
		return v
	}
}

// Map converts the tree into nested map[string]any values.
func (t *Tree) Map() map[string]any {
	out := make(map[string]any, len(t.keys))
	for _, k := range t.keys {
		out[k] = plainValue(t.values[k])
	}
	return out
}

func plainValue(v any) any {
	switch x := v.(type) {
	case *Tree:
		return x.Map()
	case []any:
		cp := make([]any, len(x))
		for i := range x {
			cp[i] = plainValue(x[i])
		}
		return cp
	default:
		return v
	}
}

// Flatten returns a one-level tree whose keys are the dotted paths of every
// leaf: {a: {b: 1}} becomes {"a.b": 1}. Empty nested mappings vanish.
func (t *Tree) Flatten() *Tree {
	out := New()
	t.flattenInto(out, "")
	return out
}

func (t *Tree) flattenInto(out *Tree, prefix string) {
	for _, k := range t.keys {
		key := k
		if prefix != "" {
			key = prefix + Sep + k
		}
		if sub, ok := t.values[k].(*Tree); ok {
			sub.flattenInto(out, key)
			continue
		}
		out.Set(key, cloneValue(t.values[k]))
	}
}

// Expand is the inverse of Flatten. Dotted keys become nested trees; when two
// keys share a prefix the later one updates the earlier subtree recursively.
func Expand(flat *Tree) *Tree {
	out := New()
	for _, k := range flat.keys {
		path := strings.Split(k, Sep)
		out = Overlay(out, nest(path, cloneValue(flat.values[k])))
	}
	return out
}

// nest expands [a b c] and v into {a: {b: {c: v}}}.
func nest(path []string, v any) *Tree {
	leaf := New()
	leaf.Set(path[len(path)-1], v)
	for i := len(path) - 2; i >= 0; i-- {
		parent := New()
		parent.Set(path[i], leaf)
		leaf = parent
	}
	return leaf
}

// Overlay returns a copy of base with every key of top applied on it. When
// both sides hold a nested tree under the same key they are merged
// recursively; otherwise the value from top wins. Keys only in top are
// appended, keys only in base pass through unchanged. Neither input is
// modified.
func Overlay(base, top *Tree) *Tree {
	out := base.Clone()
	for _, k := range top.keys {
		tv := top.values[k]
		if tsub, ok := tv.(*Tree); ok {
			if bsub, ok := out.values[k].(*Tree); ok {
				out.Set(k, Overlay(bsub, tsub))
				continue
			}
		}
		out.Set(k, cloneValue(tv))
	}
	return out
}

// String renders the tree as indented "key: value" lines.
func (t *Tree) String() string {
	var b strings.Builder
	t.write(&b, 0)
	return b.String()
}

func (t *Tree) write(b *strings.Builder, indent int) {
	pad := strings.Repeat(" ", indent)
	for _, k := range t.keys {
		if sub, ok := t.values[k].(*Tree); ok {
			fmt.Fprintf(b, "%s%s:\n", pad, k)
			sub.write(b, indent+2)
			continue
		}
		fmt.Fprintf(b, "%s%s: %v\n", pad, k, t.values[k])
	}
}
