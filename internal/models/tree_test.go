package models

import (
	"slices"
	"testing"
)

// snapshotOf builds root > {b, a} with fixed ids.
func snapshotOf() *TreeSnapshot {
	return &TreeSnapshot{
		RootID: 1,
		Instances: map[ID]Instance{
			1: {ID: 1, ClassName: "DataModel", Name: "game", Children: []ID{3, 2}},
			2: {ID: 2, Parent: 1, ClassName: "Folder", Name: "b", Children: []ID{4}},
			3: {ID: 3, Parent: 1, ClassName: "Folder", Name: "a"},
			4: {ID: 4, Parent: 2, ClassName: "StringValue", Name: "leaf",
				Properties: map[string]Value{"Value": StringValue("x")}},
		},
	}
}

func TestTreeSnapshotQueries(t *testing.T) {
	snap := snapshotOf()
	if snap.Count() != 4 {
		t.Errorf("Count = %d", snap.Count())
	}
	if got := snap.Descendants(2); !slices.Equal(got, []ID{2, 4}) {
		t.Errorf("Descendants(2) = %v", got)
	}
	if leaf, ok := snap.FindByPath("b", "leaf"); !ok || leaf.ID != 4 {
		t.Errorf("FindByPath = %+v, %v", leaf, ok)
	}
	if _, ok := snap.FindByPath("b", "missing"); ok {
		t.Error("found a missing path")
	}
}

func TestTreeSnapshotApply(t *testing.T) {
	snap := snapshotOf()
	name := "c"
	ps := PatchSet{
		RemoveOp(2),
		{Kind: OpAdd, Parent: 1, Added: []Instance{
			{ID: 5, Parent: 1, ClassName: "ModuleScript", Name: "0first"},
		}},
		{Kind: OpUpdate, ID: 3, Name: &name, Changed: map[string]Value{"Enabled": BoolValue(true)}},
	}
	if err := snap.Apply(ps); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, ok := snap.Instances[4]; ok {
		t.Error("remove did not cascade")
	}
	root := snap.Instances[1]
	if !slices.Equal(root.Children, []ID{5, 3}) {
		t.Errorf("root children = %v, want [5 3]", root.Children)
	}
	renamed := snap.Instances[3]
	if renamed.Name != "c" || renamed.Properties["Enabled"] != BoolValue(true) {
		t.Errorf("updated = %+v", renamed)
	}
}

func TestTreeSnapshotApplyErrors(t *testing.T) {
	tests := []struct {
		name string
		op   PatchOp
	}{
		{"remove missing", RemoveOp(99)},
		{"update missing", PatchOp{Kind: OpUpdate, ID: 99}},
		{"add without instances", PatchOp{Kind: OpAdd, Parent: 1}},
		{"add under missing parent", PatchOp{Kind: OpAdd, Parent: 99, Added: []Instance{{ID: 7}}}},
		{"unknown kind", PatchOp{Kind: "move"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := snapshotOf().Apply(PatchSet{tt.op}); err == nil {
				t.Error("Apply succeeded")
			}
		})
	}
}

func TestTreeSnapshotEqual(t *testing.T) {
	a, b := snapshotOf(), snapshotOf()
	if !a.Equal(b) {
		t.Fatal("identical snapshots differ")
	}
	leaf := b.Instances[4]
	leaf.Properties = map[string]Value{"Value": StringValue("y")}
	b.Instances[4] = leaf
	if a.Equal(b) {
		t.Error("snapshots with different properties compare equal")
	}
}

func TestPatchSetCounts(t *testing.T) {
	ps := PatchSet{RemoveOp(1), RemoveOp(2), AddOp(3, &SnapshotNode{}), {Kind: OpUpdate, ID: 4}}
	adds, removes, updates := ps.Counts()
	if adds != 1 || removes != 2 || updates != 1 {
		t.Errorf("Counts = %d/%d/%d", adds, removes, updates)
	}
}
