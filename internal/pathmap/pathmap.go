// Package pathmap provides a bidirectional map between filesystem paths and
// instance ids.
package pathmap

import "github.com/livesync/livesync/internal/models"

// Table maps each path to at most one live id and each id to at most one
// path. Table is not safe for concurrent use; the instance tree guards it
// and only touches it while committing a patch.
type Table struct {
	byPath map[string]models.ID
	byID   map[models.ID]string
}

// New creates an empty table.
func New() *Table {
	return &Table{
		byPath: make(map[string]models.ID),
		byID:   make(map[models.ID]string),
	}
}

// Bind associates path with id, replacing any previous binding of either.
func (t *Table) Bind(path string, id models.ID) {
	if old, ok := t.byPath[path]; ok {
		delete(t.byID, old)
	}
	if oldPath, ok := t.byID[id]; ok {
		delete(t.byPath, oldPath)
	}
	t.byPath[path] = id
	t.byID[id] = path
}

// Lookup returns the id bound to path.
func (t *Table) Lookup(path string) (models.ID, bool) {
	id, ok := t.byPath[path]
	return id, ok
}

// PathOf returns the path bound to id.
func (t *Table) PathOf(id models.ID) (string, bool) {
	path, ok := t.byID[id]
	return path, ok
}

// Unbind removes the binding for path, if any.
func (t *Table) Unbind(path string) {
	if id, ok := t.byPath[path]; ok {
		delete(t.byID, id)
		delete(t.byPath, path)
	}
}

// UnbindID removes the binding for id, if any.
func (t *Table) UnbindID(id models.ID) {
	if path, ok := t.byID[id]; ok {
		delete(t.byPath, path)
		delete(t.byID, id)
	}
}

// Len returns the number of bindings.
func (t *Table) Len() int {
	return len(t.byPath)
}
