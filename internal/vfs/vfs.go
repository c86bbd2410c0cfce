// Package vfs keeps an in-memory mirror of watched directory trees.
//
// The mirror is the pipeline's only view of disk. It is refreshed by
// re-querying the real filesystem at a path, never by trusting the kind of
// notification that named the path, so duplicated, coalesced or reordered
// notifications converge on the same state.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/livesync/livesync/internal/retry"
)

// ErrNotFound is returned by Read for paths the mirror does not hold.
var ErrNotFound = errors.New("vfs: path not found")

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota + 1
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	}
	return "unknown"
}

// Item is the mirrored state of one path.
type Item struct {
	Path        string
	Kind        Kind
	Content     []byte   // files only
	Fingerprint [32]byte // BLAKE2b-256 of Content
	Children    []string // directories only; sorted absolute paths
}

// Name returns the last element of the item's path.
func (i Item) Name() string {
	return filepath.Base(i.Path)
}

func (i *Item) clone() Item {
	out := *i
	out.Content = slices.Clone(i.Content)
	out.Children = slices.Clone(i.Children)
	return out
}

// Mirror is the in-memory replica of one or more filesystem roots.
//
// Reads are safe from any goroutine. AddRoot, Refresh and Rescan form the
// single writer and must not run concurrently with each other. Disk I/O is
// done without holding the lock; items are replaced, never mutated.
type Mirror struct {
	mu    sync.RWMutex
	roots []string
	items map[string]*Item
}

// New creates an empty mirror.
func New() *Mirror {
	return &Mirror{items: make(map[string]*Item)}
}

// Canonicalize returns the absolute, cleaned form of path.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// Contains reports whether path is root or lies beneath it.
func Contains(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// AddRoot starts mirroring path and loads it recursively. It returns every
// path that entered the mirror.
func (m *Mirror) AddRoot(path string) ([]string, error) {
	root, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if slices.Contains(m.roots, root) {
		m.mu.Unlock()
		return nil, nil
	}
	m.roots = append(m.roots, root)
	sort.Strings(m.roots)
	m.mu.Unlock()

	return m.refresh(root, true)
}

// Roots returns the mirrored roots in sorted order.
func (m *Mirror) Roots() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.roots)
}

// Read returns a copy of the item at path.
func (m *Mirror) Read(path string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[path]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return item.clone(), nil
}

// Len returns the number of mirrored items.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Walk calls fn for path and every item below it, pre-order, directories'
// children in sorted order. Walking stops at the first error fn returns.
func (m *Mirror) Walk(path string, fn func(Item) error) error {
	item, err := m.Read(path)
	if err != nil {
		return err
	}
	if err := fn(item); err != nil {
		return err
	}
	for _, child := range item.Children {
		if err := m.Walk(child, fn); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Refresh re-derives the state of path from disk: directories are re-listed
// (new children loaded recursively, vanished children purged with their
// subtrees), files are re-read and updated only if their fingerprint
// changed, and paths that no longer exist are purged with all descendants.
// Paths outside every root are ignored. The returned paths are exactly the
// items that were created, modified or deleted.
func (m *Mirror) Refresh(path string) ([]string, error) {
	p, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}
	if !m.covered(p) {
		return nil, nil
	}
	return m.refresh(p, false)
}

// Rescan deeply refreshes root, re-listing every directory and re-reading
// every file. Used when notifications may have been lost.
func (m *Mirror) Rescan(root string) ([]string, error) {
	p, err := Canonicalize(root)
	if err != nil {
		return nil, err
	}
	if !m.covered(p) {
		return nil, nil
	}
	return m.refresh(p, true)
}

func (m *Mirror) covered(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, root := range m.roots {
		if Contains(root, path) {
			return true
		}
	}
	return false
}

func (m *Mirror) isRoot(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.roots, path)
}

type changeSet map[string]struct{}

func (c changeSet) add(path string) { c[path] = struct{}{} }

func (c changeSet) sorted() []string {
	out := make([]string, 0, len(c))
	for p := range c {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Mirror) refresh(path string, deep bool) ([]string, error) {
	changes := changeSet{}
	err := m.refreshPath(path, deep, changes)
	return changes.sorted(), err
}

func (m *Mirror) refreshPath(path string, deep bool, changes changeSet) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		m.purge(path, changes)
		m.detach(path, changes)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() && !m.isRoot(path) && isLink(path) {
		m.purge(path, changes)
		m.detach(path, changes)
		return nil
	}

	if handled, err := m.attach(path, changes); handled || err != nil {
		return err
	}

	if info.IsDir() {
		return m.refreshDir(path, deep, changes)
	}
	return m.refreshFile(path, changes)
}

// attach links path into its parent's children set. When the parent itself
// is unknown (its notification was lost), the parent is refreshed instead,
// which loads path as a new child; handled reports that case.
func (m *Mirror) attach(path string, changes changeSet) (handled bool, err error) {
	if m.isRoot(path) {
		return false, nil
	}
	parentPath := filepath.Dir(path)
	parent, ok := m.items[parentPath]
	if !ok || parent.Kind != KindDirectory {
		if !m.covered(parentPath) {
			return false, nil
		}
		return true, m.refreshPath(parentPath, false, changes)
	}
	if _, found := slices.BinarySearch(parent.Children, path); found {
		return false, nil
	}

	updated := *parent
	updated.Children = slices.Clone(parent.Children)
	idx, _ := slices.BinarySearch(updated.Children, path)
	updated.Children = slices.Insert(updated.Children, idx, path)
	m.store(&updated)
	changes.add(parentPath)
	return false, nil
}

// detach drops path from its parent's children set.
func (m *Mirror) detach(path string, changes changeSet) {
	parentPath := filepath.Dir(path)
	parent, ok := m.items[parentPath]
	if !ok || parent.Kind != KindDirectory {
		return
	}
	idx, found := slices.BinarySearch(parent.Children, path)
	if !found {
		return
	}
	updated := *parent
	updated.Children = slices.Delete(slices.Clone(parent.Children), idx, idx+1)
	m.store(&updated)
	changes.add(parentPath)
}

func (m *Mirror) refreshDir(path string, deep bool, changes changeSet) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.purge(path, changes)
			m.detach(path, changes)
			return nil
		}
		return fmt.Errorf("list %s: %w", path, err)
	}

	children := make([]string, 0, len(entries))
	for _, entry := range entries {
		child := filepath.Join(path, entry.Name())
		// Linked directories may lead back into the tree; they are not
		// mirrored. Linked files are read through.
		if entry.Type()&fs.ModeSymlink != 0 {
			if info, err := os.Stat(child); err == nil && info.IsDir() {
				continue
			}
		}
		children = append(children, child)
	}
	sort.Strings(children)

	existing := m.items[path]
	var previous []string
	fresh := existing == nil || existing.Kind != KindDirectory
	if existing != nil && existing.Kind == KindFile {
		m.purge(path, changes)
	}
	if !fresh {
		previous = existing.Children
	}

	if fresh || !slices.Equal(previous, children) {
		m.store(&Item{Path: path, Kind: KindDirectory, Children: children})
		changes.add(path)
	}

	for _, old := range previous {
		if _, found := slices.BinarySearch(children, old); !found {
			m.purge(old, changes)
		}
	}

	var errs []error
	for _, child := range children {
		_, known := slices.BinarySearch(previous, child)
		if known && !deep {
			continue
		}
		// New children are always loaded in full.
		if err := m.refreshPath(child, true, changes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mirror) refreshFile(path string, changes changeSet) error {
	content, err := readFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		m.purge(path, changes)
		m.detach(path, changes)
		return nil
	}
	if err != nil {
		return err
	}

	fingerprint := blake2b.Sum256(content)
	existing := m.items[path]
	if existing != nil && existing.Kind == KindFile && existing.Fingerprint == fingerprint {
		return nil
	}
	if existing != nil && existing.Kind == KindDirectory {
		m.purge(path, changes)
	}
	m.store(&Item{Path: path, Kind: KindFile, Content: content, Fingerprint: fingerprint})
	changes.add(path)
	return nil
}

func isLink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&fs.ModeSymlink != 0
}

// readFile reads path, retrying briefly while an editor may be mid-write.
func readFile(path string) ([]byte, error) {
	content, err := retry.ReadFile(context.Background(), retry.FileRead, path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return content, err
}

func (m *Mirror) store(item *Item) {
	m.mu.Lock()
	m.items[item.Path] = item
	m.mu.Unlock()
}

// purge removes path and its whole subtree from the mirror.
func (m *Mirror) purge(path string, changes changeSet) {
	var doomed []string
	var collect func(p string)
	collect = func(p string) {
		item, ok := m.items[p]
		if !ok {
			return
		}
		doomed = append(doomed, p)
		for _, child := range item.Children {
			collect(child)
		}
	}
	collect(path)
	if len(doomed) == 0 {
		return
	}

	m.mu.Lock()
	for _, p := range doomed {
		delete(m.items, p)
	}
	m.mu.Unlock()
	for _, p := range doomed {
		changes.add(p)
	}
}
