package models

import (
	"fmt"
	"maps"
	"slices"
)

// TreeSnapshot is a detached, self-contained copy of an instance tree. It
// is what new subscribers bootstrap from; replaying later PatchSets onto it
// with Apply keeps it current.
type TreeSnapshot struct {
	RootID    ID              `json:"rootInstanceId"`
	Instances map[ID]Instance `json:"instances"`
}

// Count returns the number of instances.
func (t *TreeSnapshot) Count() int {
	return len(t.Instances)
}

// Descendants returns id and every instance below it, pre-order.
func (t *TreeSnapshot) Descendants(id ID) []ID {
	inst, ok := t.Instances[id]
	if !ok {
		return nil
	}
	out := []ID{id}
	for _, child := range inst.Children {
		out = append(out, t.Descendants(child)...)
	}
	return out
}

// FindByPath resolves a chain of names starting below the root.
func (t *TreeSnapshot) FindByPath(names ...string) (Instance, bool) {
	current, ok := t.Instances[t.RootID]
	if !ok {
		return Instance{}, false
	}
	for _, name := range names {
		found := false
		for _, childID := range current.Children {
			child := t.Instances[childID]
			if child.Name == name {
				current, found = child, true
				break
			}
		}
		if !found {
			return Instance{}, false
		}
	}
	return current, true
}

// Equal reports whether both snapshots describe the same tree.
func (t *TreeSnapshot) Equal(o *TreeSnapshot) bool {
	return t.RootID == o.RootID && maps.EqualFunc(t.Instances, o.Instances, Instance.Equal)
}

// Apply replays an applied PatchSet. Add ops must carry Added.
func (t *TreeSnapshot) Apply(ps PatchSet) error {
	if t.Instances == nil {
		t.Instances = make(map[ID]Instance)
	}
	for i, op := range ps {
		var err error
		switch op.Kind {
		case OpAdd:
			err = t.applyAdd(op)
		case OpRemove:
			err = t.applyRemove(op.ID)
		case OpUpdate:
			err = t.applyUpdate(op)
		default:
			err = fmt.Errorf("unknown op kind %q", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

func (t *TreeSnapshot) nameOf(id ID) string {
	return t.Instances[id].Name
}

func (t *TreeSnapshot) applyAdd(op PatchOp) error {
	if len(op.Added) == 0 {
		return fmt.Errorf("add under %d carries no instances", op.Parent)
	}
	for _, inst := range op.Added {
		t.Instances[inst.ID] = inst.Clone()
	}
	top := op.Added[0]
	if op.Parent == 0 {
		t.RootID = top.ID
		return nil
	}
	parent, ok := t.Instances[op.Parent]
	if !ok {
		return fmt.Errorf("add: parent %d not found", op.Parent)
	}
	parent = parent.Clone()
	parent.Children = append(parent.Children, top.ID)
	SortChildren(parent.Children, t.nameOf)
	t.Instances[parent.ID] = parent
	return nil
}

func (t *TreeSnapshot) applyRemove(id ID) error {
	inst, ok := t.Instances[id]
	if !ok {
		return fmt.Errorf("remove: instance %d not found", id)
	}
	for _, d := range t.Descendants(id) {
		delete(t.Instances, d)
	}
	if inst.Parent == 0 {
		if t.RootID == id {
			t.RootID = 0
		}
		return nil
	}
	if parent, ok := t.Instances[inst.Parent]; ok {
		parent = parent.Clone()
		parent.Children = slices.DeleteFunc(parent.Children, func(c ID) bool { return c == id })
		t.Instances[parent.ID] = parent
	}
	return nil
}

func (t *TreeSnapshot) applyUpdate(op PatchOp) error {
	inst, ok := t.Instances[op.ID]
	if !ok {
		return fmt.Errorf("update: instance %d not found", op.ID)
	}
	inst = inst.Clone()
	renamed := op.Name != nil && *op.Name != inst.Name
	ApplyUpdate(&inst, op)
	t.Instances[inst.ID] = inst

	if renamed && inst.Parent != 0 {
		if parent, ok := t.Instances[inst.Parent]; ok {
			parent = parent.Clone()
			SortChildren(parent.Children, t.nameOf)
			t.Instances[parent.ID] = parent
		}
	}
	return nil
}

// ApplyUpdate mutates inst in place with the fields carried by an Update op.
// inst must not be shared with readers.
func ApplyUpdate(inst *Instance, op PatchOp) {
	if op.Name != nil {
		inst.Name = *op.Name
	}
	if inst.Properties == nil {
		inst.Properties = make(map[string]Value)
	}
	for key, value := range op.Changed {
		inst.Properties[key] = value
	}
	for _, key := range op.Removed {
		delete(inst.Properties, key)
	}
	if op.Metadata != nil {
		inst.Metadata = *op.Metadata
	}
}
