// Package tree holds the live, identity-stable instance tree.
package tree

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/livesync/livesync/internal/models"
	"github.com/livesync/livesync/internal/pathmap"
)

var (
	ErrNotFound    = errors.New("instance not found")
	ErrRootExists  = errors.New("tree already has a root")
	ErrEmptyAdd    = errors.New("add carries no subtree")
	ErrUnknownKind = errors.New("unknown patch op kind")
)

// Tree is an arena of instances indexed by id. Stored instances are never
// modified in place: Apply replaces them, so a value handed to a reader
// stays valid.
//
// Reads are safe from any goroutine. Apply is serialized internally and
// makes a whole PatchSet visible at once.
type Tree struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	rootID    models.ID
	instances map[models.ID]*models.Instance
	paths     *pathmap.Table
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{
		instances: make(map[models.ID]*models.Instance),
		paths:     pathmap.New(),
	}
}

// RootID returns the root instance id, zero when the tree is empty.
func (t *Tree) RootID() models.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

// Get returns a copy of the instance.
func (t *Tree) Get(id models.ID) (models.Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.instances[id]
	if !ok {
		return models.Instance{}, false
	}
	return inst.Clone(), true
}

// ChildrenOf returns the ordered child ids of id.
func (t *Tree) ChildrenOf(id models.ID) []models.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.instances[id]
	if !ok {
		return nil
	}
	return slices.Clone(inst.Children)
}

// MetadataOf returns the metadata of id.
func (t *Tree) MetadataOf(id models.ID) (models.Metadata, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.instances[id]
	if !ok {
		return models.Metadata{}, false
	}
	return inst.Metadata, true
}

// Lookup returns the instance currently materialized from path.
func (t *Tree) Lookup(path string) (models.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.paths.Lookup(path)
}

// Len returns the number of instances.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.instances)
}

// Snapshot returns a detached copy of the whole tree.
func (t *Tree) Snapshot() models.TreeSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := models.TreeSnapshot{
		RootID:    t.rootID,
		Instances: make(map[models.ID]models.Instance, len(t.instances)),
	}
	for id, inst := range t.instances {
		out.Instances[id] = inst.Clone()
	}
	return out
}

// Descendants returns id and every instance below it, pre-order.
func (t *Tree) Descendants(id models.ID) []models.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.ID
	var walk func(models.ID)
	walk = func(id models.ID) {
		inst, ok := t.instances[id]
		if !ok {
			return
		}
		out = append(out, id)
		for _, child := range inst.Children {
			walk(child)
		}
	}
	walk(id)
	return out
}

// Apply applies ps atomically: either every op takes effect and readers see
// all of them at once, or an error is returned and nothing changes.
//
// The returned PatchSet is ps with every Add annotated with the instances
// it created, in pre-order, so it can be replayed without the snapshots.
func (t *Tree) Apply(ps models.PatchSet) (models.PatchSet, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.RLock()
	st := &stage{
		base:    t.instances,
		rootID:  t.rootID,
		overlay: make(map[models.ID]*models.Instance),
	}
	applied := make(models.PatchSet, 0, len(ps))
	var err error
	for i, op := range ps {
		var out models.PatchOp
		out, err = st.apply(op)
		if err != nil {
			err = fmt.Errorf("patch op %d (%s): %w", i, op.Kind, err)
			break
		}
		applied = append(applied, out)
	}
	t.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	for id, inst := range st.overlay {
		if inst == nil {
			delete(t.instances, id)
		} else {
			t.instances[id] = inst
		}
	}
	t.rootID = st.rootID
	for _, po := range st.pathOps {
		switch {
		case po.bind:
			t.paths.Bind(po.path, po.id)
		case po.path != "":
			t.paths.Unbind(po.path)
		default:
			t.paths.UnbindID(po.id)
		}
	}
	t.mu.Unlock()

	return applied, nil
}

// pathOp is a deferred path table change: a bind, the release of a path,
// or the release of whatever path an id holds.
type pathOp struct {
	bind bool
	path string
	id   models.ID
}

// stage accumulates the effect of a PatchSet without touching the tree.
// A nil overlay entry marks a removed instance.
type stage struct {
	base    map[models.ID]*models.Instance
	rootID  models.ID
	overlay map[models.ID]*models.Instance
	pathOps []pathOp
}

func (s *stage) get(id models.ID) (*models.Instance, bool) {
	if inst, ok := s.overlay[id]; ok {
		return inst, inst != nil
	}
	inst, ok := s.base[id]
	return inst, ok
}

// mutable returns a private copy of id that may be edited in place.
func (s *stage) mutable(id models.ID) (*models.Instance, bool) {
	if inst, ok := s.overlay[id]; ok {
		return inst, inst != nil
	}
	inst, ok := s.base[id]
	if !ok {
		return nil, false
	}
	c := inst.Clone()
	s.overlay[id] = &c
	return &c, true
}

func (s *stage) nameOf(id models.ID) string {
	if inst, ok := s.get(id); ok {
		return inst.Name
	}
	return ""
}

func (s *stage) apply(op models.PatchOp) (models.PatchOp, error) {
	switch op.Kind {
	case models.OpAdd:
		return s.add(op)
	case models.OpRemove:
		return op, s.remove(op.ID)
	case models.OpUpdate:
		return op, s.update(op)
	}
	return op, fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
}

func (s *stage) add(op models.PatchOp) (models.PatchOp, error) {
	if op.Subtree == nil {
		return op, ErrEmptyAdd
	}

	var parent *models.Instance
	if op.Parent == 0 {
		if _, ok := s.get(s.rootID); ok {
			return op, ErrRootExists
		}
	} else {
		var ok bool
		if parent, ok = s.mutable(op.Parent); !ok {
			return op, fmt.Errorf("%w: parent %d", ErrNotFound, op.Parent)
		}
	}

	var added []models.Instance
	top := s.create(op.Subtree, op.Parent, &added)
	if parent == nil {
		s.rootID = top
	} else {
		parent.Children = append(parent.Children, top)
		models.SortChildren(parent.Children, s.nameOf)
	}

	out := op
	out.Added = added
	return out, nil
}

// create allocates ids for node and its descendants, pre-order.
func (s *stage) create(node *models.SnapshotNode, parent models.ID, added *[]models.Instance) models.ID {
	inst := &models.Instance{
		ID:         models.NextID(),
		Parent:     parent,
		ClassName:  node.ClassName,
		Name:       node.Name,
		Properties: make(map[string]models.Value, len(node.Properties)),
		Children:   make([]models.ID, 0, len(node.Children)),
		Metadata:   node.Metadata,
	}
	for k, v := range node.Properties {
		inst.Properties[k] = v
	}
	s.overlay[inst.ID] = inst
	if inst.Metadata.SourcePath != "" {
		s.pathOps = append(s.pathOps, pathOp{bind: true, path: inst.Metadata.SourcePath, id: inst.ID})
	}

	slot := len(*added)
	*added = append(*added, models.Instance{})
	for _, child := range node.Children {
		inst.Children = append(inst.Children, s.create(child, inst.ID, added))
	}
	models.SortChildren(inst.Children, s.nameOf)
	(*added)[slot] = inst.Clone()
	return inst.ID
}

func (s *stage) remove(id models.ID) error {
	inst, ok := s.get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	if inst.Parent != 0 {
		if parent, ok := s.mutable(inst.Parent); ok {
			parent.Children = slices.DeleteFunc(parent.Children, func(c models.ID) bool { return c == id })
		}
	}
	if id == s.rootID {
		s.rootID = 0
	}

	var drop func(models.ID)
	drop = func(id models.ID) {
		inst, ok := s.get(id)
		if !ok {
			return
		}
		for _, child := range inst.Children {
			drop(child)
		}
		s.overlay[id] = nil
		s.pathOps = append(s.pathOps, pathOp{id: id})
	}
	drop(id)
	return nil
}

func (s *stage) update(op models.PatchOp) error {
	inst, ok := s.mutable(op.ID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, op.ID)
	}

	oldName, oldSource := inst.Name, inst.Metadata.SourcePath
	models.ApplyUpdate(inst, op)

	if inst.Name != oldName && inst.Parent != 0 {
		if parent, ok := s.mutable(inst.Parent); ok {
			models.SortChildren(parent.Children, s.nameOf)
		}
	}
	if inst.Metadata.SourcePath != oldSource {
		if oldSource != "" {
			s.pathOps = append(s.pathOps, pathOp{path: oldSource, id: inst.ID})
		}
		if inst.Metadata.SourcePath != "" {
			s.pathOps = append(s.pathOps, pathOp{bind: true, path: inst.Metadata.SourcePath, id: inst.ID})
		}
	}
	return nil
}
