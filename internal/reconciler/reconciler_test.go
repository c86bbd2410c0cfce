package reconciler

import (
	"testing"

	"github.com/livesync/livesync/internal/models"
	"github.com/livesync/livesync/internal/tree"
)

func node(class, name string, props map[string]models.Value, children ...*models.SnapshotNode) *models.SnapshotNode {
	if props == nil {
		props = map[string]models.Value{}
	}
	return &models.SnapshotNode{ClassName: class, Name: name, Properties: props, Children: children}
}

func script(name, source string) *models.SnapshotNode {
	n := node("ModuleScript", name, map[string]models.Value{"Source": models.StringValue(source)})
	n.Metadata.SourcePath = "/src/" + name + ".lua"
	return n
}

// reconcile diffs snap against tr, applies the result and returns the diff.
func reconcile(t *testing.T, tr *tree.Tree, snap *models.SnapshotNode) models.PatchSet {
	t.Helper()
	ps := Diff(tr, snap)
	if len(ps) > 0 {
		if _, err := tr.Apply(ps); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	return ps
}

func idOf(t *testing.T, tr *tree.Tree, names ...string) models.ID {
	t.Helper()
	snap := tr.Snapshot()
	inst, ok := snap.FindByPath(names...)
	if !ok {
		t.Fatalf("no instance at %v", names)
	}
	return inst.ID
}

func kinds(ps models.PatchSet) []models.OpKind {
	out := make([]models.OpKind, len(ps))
	for i, op := range ps {
		out[i] = op.Kind
	}
	return out
}

func TestDiffEmptyTreeAddsRoot(t *testing.T) {
	tr := tree.New()
	snap := node("DataModel", "game", nil, script("A", "a"))

	ps := Diff(tr, snap)
	if len(ps) != 1 || ps[0].Kind != models.OpAdd || ps[0].Parent != 0 || ps[0].Subtree != snap {
		t.Fatalf("Diff = %+v", ps)
	}
}

func TestDiffUnchangedIsEmpty(t *testing.T) {
	tr := tree.New()
	build := func() *models.SnapshotNode {
		return node("DataModel", "game", nil,
			node("Folder", "F", nil, script("A", "a"), script("B", "b")),
		)
	}
	reconcile(t, tr, build())

	if ps := Diff(tr, build()); len(ps) != 0 {
		t.Errorf("identical snapshot produced %+v", ps)
	}
}

func TestDiffPreservesIdentity(t *testing.T) {
	tr := tree.New()
	reconcile(t, tr, node("DataModel", "game", nil,
		node("Folder", "F", nil, script("A", "a"), script("B", "b")),
	))
	rootID := tr.RootID()
	folderID := idOf(t, tr, "F")
	aID := idOf(t, tr, "F", "A")
	bID := idOf(t, tr, "F", "B")

	ps := reconcile(t, tr, node("DataModel", "game", nil,
		node("Folder", "F", nil, script("A", "a"), script("C", "c")),
	))

	if len(ps) != 2 {
		t.Fatalf("Diff = %+v", ps)
	}
	if ps[0].Kind != models.OpRemove || ps[0].ID != bID {
		t.Errorf("op 0 = %+v, want Remove(B)", ps[0])
	}
	if ps[1].Kind != models.OpAdd || ps[1].Parent != folderID || ps[1].Subtree.Name != "C" {
		t.Errorf("op 1 = %+v, want Add(C)", ps[1])
	}
	if tr.RootID() != rootID || idOf(t, tr, "F") != folderID || idOf(t, tr, "F", "A") != aID {
		t.Error("untouched instances changed identity")
	}
}

func TestDiffPropertyChangeIsUpdate(t *testing.T) {
	tr := tree.New()
	reconcile(t, tr, node("DataModel", "game", nil, script("A", "old")))
	aID := idOf(t, tr, "A")

	changed := script("A", "new")
	changed.Properties["Disabled"] = models.BoolValue(true)
	ps := reconcile(t, tr, node("DataModel", "game", nil, changed))

	if len(ps) != 1 || ps[0].Kind != models.OpUpdate || ps[0].ID != aID {
		t.Fatalf("Diff = %+v", ps)
	}
	op := ps[0]
	if op.Name != nil || op.Metadata != nil || len(op.Removed) != 0 {
		t.Errorf("unexpected fields in %+v", op)
	}
	if op.Changed["Source"] != models.StringValue("new") || op.Changed["Disabled"] != models.BoolValue(true) {
		t.Errorf("Changed = %+v", op.Changed)
	}

	// Dropping a property reports it as removed.
	ps = reconcile(t, tr, node("DataModel", "game", nil, script("A", "new")))
	if len(ps) != 1 || len(ps[0].Removed) != 1 || ps[0].Removed[0] != "Disabled" {
		t.Errorf("Diff = %+v", ps)
	}
}

func TestDiffClassChangeReplaces(t *testing.T) {
	tr := tree.New()
	reconcile(t, tr, node("DataModel", "game", nil, script("A", "a")))
	rootID := tr.RootID()
	aID := idOf(t, tr, "A")

	replacement := node("Folder", "A", nil)
	ps := reconcile(t, tr, node("DataModel", "game", nil, replacement))

	if len(ps) != 2 || ps[0].Kind != models.OpRemove || ps[0].ID != aID {
		t.Fatalf("Diff = %+v", ps)
	}
	if ps[1].Kind != models.OpAdd || ps[1].Parent != rootID || ps[1].Subtree != replacement {
		t.Errorf("op 1 = %+v", ps[1])
	}
	if idOf(t, tr, "A") == aID {
		t.Error("class change kept the old id")
	}
}

func TestDiffRootClassChange(t *testing.T) {
	tr := tree.New()
	reconcile(t, tr, node("DataModel", "game", nil))
	rootID := tr.RootID()

	ps := reconcile(t, tr, node("Folder", "game", nil))
	if len(ps) != 2 || ps[0].Kind != models.OpRemove || ps[0].ID != rootID || ps[1].Kind != models.OpAdd || ps[1].Parent != 0 {
		t.Fatalf("Diff = %+v", ps)
	}
	if tr.RootID() == rootID {
		t.Error("root kept its id")
	}
}

func TestDiffOrdering(t *testing.T) {
	tr := tree.New()
	reconcile(t, tr, node("DataModel", "game", nil,
		script("d", "d"), script("b", "b"), script("m", "m"), script("x", "x"),
		node("Folder", "F", nil, script("inner", "1")),
	))

	ps := reconcile(t, tr, node("DataModel", "game", nil,
		script("c", "c"), script("a", "a"), script("m", "changed"),
		node("Folder", "F", nil, script("inner", "2")),
	))

	// Remove b, d, x; Update m; Add a, c; then F's children.
	want := []models.OpKind{
		models.OpRemove, models.OpRemove, models.OpRemove,
		models.OpUpdate,
		models.OpAdd, models.OpAdd,
		models.OpUpdate,
	}
	got := kinds(ps)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	if ps[4].Subtree.Name != "a" || ps[5].Subtree.Name != "c" {
		t.Errorf("adds out of order: %s, %s", ps[4].Subtree.Name, ps[5].Subtree.Name)
	}
}

func TestDiffMatchesBySourcePath(t *testing.T) {
	tr := tree.New()
	declared := script("A", "a")
	reconcile(t, tr, node("DataModel", "game", nil, declared))
	aID := idOf(t, tr, "A")

	// Same source path under a new name keeps the instance and renames it.
	renamed := script("A", "a")
	renamed.Name = "Alias"
	ps := reconcile(t, tr, node("DataModel", "game", nil, renamed))

	if len(ps) != 1 || ps[0].Kind != models.OpUpdate || ps[0].ID != aID || ps[0].Name == nil || *ps[0].Name != "Alias" {
		t.Fatalf("Diff = %+v", ps)
	}
	if idOf(t, tr, "Alias") != aID {
		t.Error("rename lost identity")
	}
}
