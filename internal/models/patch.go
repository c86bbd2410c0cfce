package models

// OpKind is the kind of a PatchOp.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
	OpUpdate OpKind = "update"
)

// PatchOp is one structural mutation of the instance tree.
//
// Add ops produced by the reconciler carry Subtree; once applied, the tree
// fills Added with the created instances (subtree root first, pre-order)
// so remote subscribers can replay the op without the snapshot.
type PatchOp struct {
	Kind OpKind `json:"kind"`

	// Remove, Update
	ID ID `json:"id,omitempty"`

	// Add
	Parent  ID            `json:"parent,omitempty"`
	Subtree *SnapshotNode `json:"-"`
	Added   []Instance    `json:"added,omitempty"`

	// Update
	Name     *string          `json:"name,omitempty"`
	Changed  map[string]Value `json:"changed,omitempty"`
	Removed  []string         `json:"removed,omitempty"`
	Metadata *Metadata        `json:"metadata,omitempty"`
}

// PatchSet is an ordered batch of ops applied as one atomic unit.
type PatchSet []PatchOp

// AddOp builds an Add of subtree under parent. A zero parent replaces the root.
func AddOp(parent ID, subtree *SnapshotNode) PatchOp {
	return PatchOp{Kind: OpAdd, Parent: parent, Subtree: subtree}
}

// RemoveOp builds a cascading Remove of id.
func RemoveOp(id ID) PatchOp {
	return PatchOp{Kind: OpRemove, ID: id}
}

// Counts returns the number of ops per kind.
func (ps PatchSet) Counts() (adds, removes, updates int) {
	for _, op := range ps {
		switch op.Kind {
		case OpAdd:
			adds++
		case OpRemove:
			removes++
		case OpUpdate:
			updates++
		}
	}
	return adds, removes, updates
}
