// Package reconciler computes the PatchSet that turns the live instance tree
// into a freshly built snapshot while keeping instance identities stable.
package reconciler

import (
	"slices"
	"sort"
	"strings"

	"github.com/livesync/livesync/internal/models"
)

// View is the read-only tree access the reconciler needs.
type View interface {
	RootID() models.ID
	Get(id models.ID) (models.Instance, bool)
	Lookup(path string) (models.ID, bool)
}

// Diff returns the ops that make v match snap. A nil or empty result means
// the tree already matches.
//
// Snapshot nodes carry no ids, so identity is recovered structurally: a
// node matches an existing child of the same parent bound to the node's
// source path, or failing that, one with the same name. A matched pair with
// the same class becomes an Update when anything differs; a class change
// becomes a Remove and an Add. Within one parent, Removes come before
// Updates, Updates before Adds, each group ordered by name, and children of
// matched pairs are visited afterwards in name order.
func Diff(v View, snap *models.SnapshotNode) models.PatchSet {
	if snap == nil {
		return nil
	}

	rootID := v.RootID()
	root, ok := v.Get(rootID)
	if !ok {
		return models.PatchSet{models.AddOp(0, snap)}
	}
	if root.ClassName != snap.ClassName {
		return models.PatchSet{models.RemoveOp(rootID), models.AddOp(0, snap)}
	}

	d := &differ{view: v}
	if op, ok := updateOp(root, snap); ok {
		d.ops = append(d.ops, op)
	}
	d.children(root, snap)
	return d.ops
}

type differ struct {
	view View
	ops  models.PatchSet
}

type pair struct {
	inst models.Instance
	snap *models.SnapshotNode
}

func (d *differ) children(parent models.Instance, snap *models.SnapshotNode) {
	existing := make([]models.Instance, 0, len(parent.Children))
	index := make(map[models.ID]int, len(parent.Children))
	for _, id := range parent.Children {
		inst, ok := d.view.Get(id)
		if !ok {
			continue
		}
		index[id] = len(existing)
		existing = append(existing, inst)
	}

	claimed := make([]bool, len(existing))
	var pairs []pair
	var adds []*models.SnapshotNode
	pending := make([]*models.SnapshotNode, 0, len(snap.Children))

	// Source path bindings first: they survive renames.
	for _, child := range snap.Children {
		if child.Metadata.SourcePath != "" {
			if id, ok := d.view.Lookup(child.Metadata.SourcePath); ok {
				if i, ok := index[id]; ok && !claimed[i] && existing[i].ClassName == child.ClassName {
					claimed[i] = true
					pairs = append(pairs, pair{existing[i], child})
					continue
				}
			}
		}
		pending = append(pending, child)
	}

	// Then names. A same-named child of another class is replaced.
	for _, child := range pending {
		match := -1
		for i, inst := range existing {
			if claimed[i] || inst.Name != child.Name {
				continue
			}
			if inst.ClassName == child.ClassName {
				match = i
				break
			}
			if match < 0 {
				match = i
			}
		}
		switch {
		case match < 0:
			adds = append(adds, child)
		case existing[match].ClassName == child.ClassName:
			claimed[match] = true
			pairs = append(pairs, pair{existing[match], child})
		default:
			adds = append(adds, child)
		}
	}

	var removes []models.Instance
	for i, inst := range existing {
		if !claimed[i] {
			removes = append(removes, inst)
		}
	}

	slices.SortStableFunc(removes, func(a, b models.Instance) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return compareID(a.ID, b.ID)
	})
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].snap.Name < pairs[j].snap.Name })
	sort.SliceStable(adds, func(i, j int) bool { return adds[i].Name < adds[j].Name })

	for _, inst := range removes {
		d.ops = append(d.ops, models.RemoveOp(inst.ID))
	}
	for _, p := range pairs {
		if op, ok := updateOp(p.inst, p.snap); ok {
			d.ops = append(d.ops, op)
		}
	}
	for _, child := range adds {
		d.ops = append(d.ops, models.AddOp(parent.ID, child))
	}
	for _, p := range pairs {
		d.children(p.inst, p.snap)
	}
}

// updateOp returns the Update turning inst into snap, if anything differs.
func updateOp(inst models.Instance, snap *models.SnapshotNode) (models.PatchOp, bool) {
	op := models.PatchOp{Kind: models.OpUpdate, ID: inst.ID}

	if inst.Name != snap.Name {
		name := snap.Name
		op.Name = &name
	}
	for key, value := range snap.Properties {
		if old, ok := inst.Properties[key]; !ok || old != value {
			if op.Changed == nil {
				op.Changed = make(map[string]models.Value)
			}
			op.Changed[key] = value
		}
	}
	for key := range inst.Properties {
		if _, ok := snap.Properties[key]; !ok {
			op.Removed = append(op.Removed, key)
		}
	}
	sort.Strings(op.Removed)
	if inst.Metadata != snap.Metadata {
		md := snap.Metadata
		op.Metadata = &md
	}

	changed := op.Name != nil || len(op.Changed) > 0 || len(op.Removed) > 0 || op.Metadata != nil
	return op, changed
}

func compareID(a, b models.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
