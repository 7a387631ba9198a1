package options

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nestedDoc = `
experiment: breakout
lr: 0.1
epochs: 10
optim:
  name: adam
  args_:
    lr: 0.00025
    eps: 0.01
game: breakout
`

func mustParse(t *testing.T, doc string) *Tree {
	t.Helper()
	tree, err := Parse([]byte(doc))
	require.NoError(t, err)
	return tree
}

func TestParse_KeepsDocumentOrder(t *testing.T) {
	tree := mustParse(t, nestedDoc)

	assert.Equal(t, []string{"experiment", "lr", "epochs", "optim", "game"}, tree.Keys())
	optim, ok := tree.Get("optim")
	require.True(t, ok)
	assert.Equal(t, []string{"name", "args_"}, optim.(*Tree).Keys())
}

func TestParse_Empty(t *testing.T) {
	tree, err := Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Len())
}

func TestParse_RejectsNonMapping(t *testing.T) {
	_, err := Parse([]byte("- a\n- b\n"))
	assert.Error(t, err)
}

func TestFlatten(t *testing.T) {
	flat := mustParse(t, nestedDoc).Flatten()

	assert.Equal(t, []string{
		"experiment", "lr", "epochs", "optim.name", "optim.args_.lr", "optim.args_.eps", "game",
	}, flat.Keys())
	v, _ := flat.Get("optim.args_.eps")
	assert.Equal(t, 0.01, v)
}

func TestExpand_InverseOfFlatten(t *testing.T) {
	tree := mustParse(t, nestedDoc)

	got := Expand(tree.Flatten())

	if diff := cmp.Diff(tree.Map(), got.Map()); diff != "" {
		t.Fatalf("expand(flatten(x)) mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, tree.Keys(), got.Keys())
}

func TestExpand_MergesSharedPrefixes(t *testing.T) {
	flat := New()
	flat.Set("lr", 0.0011)
	flat.Set("dnd.size", 2000)
	flat.Set("dnd.lr", 0.77)
	flat.Set("dnd.sched.end", 0.0)
	flat.Set("dnd.sched.steps", 1000)

	want := map[string]any{
		"lr": 0.0011,
		"dnd": map[string]any{
			"size":  2000,
			"lr":    0.77,
			"sched": map[string]any{"end": 0.0, "steps": 1000},
		},
	}
	if diff := cmp.Diff(want, Expand(flat).Map()); diff != "" {
		t.Fatalf("expand mismatch (-want +got):\n%s", diff)
	}
}

func TestOverlay_Example(t *testing.T) {
	base := mustParse(t, "lr: 0.1\nepochs: 10\n")
	sampled := New()
	sampled.Set("lr", 0.003)

	got := Overlay(base, sampled)

	assert.Equal(t, map[string]any{"lr": 0.003, "epochs": 10}, got.Map())
	assert.Equal(t, []string{"lr", "epochs"}, got.Keys())
	// inputs untouched
	assert.Equal(t, map[string]any{"lr": 0.1, "epochs": 10}, base.Map())
}

func TestOverlay_OnlySampledKeysChange(t *testing.T) {
	base := mustParse(t, nestedDoc).Flatten()
	sampled := New()
	sampled.Set("optim.args_.lr", 5e-05)
	sampled.Set("game", "pong")

	got := Overlay(base, sampled)

	for _, k := range base.Keys() {
		want, _ := base.Get(k)
		if v, ok := sampled.Get(k); ok {
			want = v
		}
		have, ok := got.Get(k)
		require.True(t, ok, k)
		assert.Equal(t, want, have, k)
	}
	assert.Equal(t, base.Len(), got.Len())

	// applying the same assignment twice changes nothing
	assert.Equal(t, got.Map(), Overlay(got, sampled).Map())
}

func TestOverlay_NestedTreesMergeRecursively(t *testing.T) {
	base := mustParse(t, nestedDoc)
	top := mustParse(t, "optim:\n  args_:\n    lr: 0.5\n")

	got := Overlay(base, top).Flatten()

	lr, _ := got.Get("optim.args_.lr")
	eps, _ := got.Get("optim.args_.eps")
	assert.Equal(t, 0.5, lr)
	assert.Equal(t, 0.01, eps)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	tree := mustParse(t, nestedDoc)
	tree.Set("tags", []any{"a", "b"})
	path := filepath.Join(t.TempDir(), "trial_0001", "cfg.yaml")

	require.NoError(t, tree.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(tree.Map(), loaded.Map()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, tree.Keys(), loaded.Keys())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestString(t *testing.T) {
	tree := mustParse(t, "a: 1\nb:\n  c: x\n")
	assert.Equal(t, "a: 1\nb:\n  c: x\n", tree.String())
}

func TestDelete(t *testing.T) {
	tree := mustParse(t, "a: 1\nb: 2\nc: 3\n")
	tree.Delete("b")
	assert.Equal(t, []string{"a", "c"}, tree.Keys())
	tree.Delete("missing")
	assert.Equal(t, 2, tree.Len())
}
