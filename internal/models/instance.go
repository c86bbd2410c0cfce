// Package models contains the data types shared by the sync pipeline.
package models

import (
	"maps"
	"slices"
	"strconv"
	"sync/atomic"
)

// ID identifies an instance. Zero means "no instance".
type ID uint64

var lastID atomic.Uint64

// NextID allocates a fresh ID. IDs are never reused within a process.
func NextID() ID {
	return ID(lastID.Add(1))
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// MarshalText renders the id as a decimal string so it can key JSON maps.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(n), nil
}

// Metadata is bookkeeping attached to an instance that is not a property.
type Metadata struct {
	SourcePath    string `json:"sourcePath,omitempty"`
	IgnoreUnknown bool   `json:"ignoreUnknownInstances"`
}

// Instance is one node of the live tree.
type Instance struct {
	ID         ID               `json:"id"`
	Parent     ID               `json:"parent,omitempty"`
	ClassName  string           `json:"className"`
	Name       string           `json:"name"`
	Properties map[string]Value `json:"properties"`
	Children   []ID             `json:"children"`
	Metadata   Metadata         `json:"metadata"`
}

// Clone returns a deep copy that shares no mutable state with i.
func (i Instance) Clone() Instance {
	out := i
	out.Properties = maps.Clone(i.Properties)
	if out.Properties == nil {
		out.Properties = map[string]Value{}
	}
	out.Children = slices.Clone(i.Children)
	if out.Children == nil {
		out.Children = []ID{}
	}
	return out
}

// Equal compares two instances field by field.
func (i Instance) Equal(o Instance) bool {
	return i.ID == o.ID &&
		i.Parent == o.Parent &&
		i.ClassName == o.ClassName &&
		i.Name == o.Name &&
		i.Metadata == o.Metadata &&
		maps.Equal(i.Properties, o.Properties) &&
		slices.Equal(i.Children, o.Children)
}

// SnapshotNode is an id-less instance description produced by the
// snapshot builder. Nodes are never mutated after construction.
type SnapshotNode struct {
	ClassName  string
	Name       string
	Properties map[string]Value
	Children   []*SnapshotNode
	Metadata   Metadata
}

// Count returns the number of nodes in the subtree rooted at n.
func (n *SnapshotNode) Count() int {
	if n == nil {
		return 0
	}
	count := 1
	for _, child := range n.Children {
		count += child.Count()
	}
	return count
}

// Child returns the direct child with the given name.
func (n *SnapshotNode) Child(name string) *SnapshotNode {
	for _, child := range n.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// SortChildren orders ids by instance name, breaking ties by id, which is
// the canonical order of Instance.Children.
func SortChildren(ids []ID, nameOf func(ID) string) {
	slices.SortStableFunc(ids, func(a, b ID) int {
		na, nb := nameOf(a), nameOf(b)
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
}
