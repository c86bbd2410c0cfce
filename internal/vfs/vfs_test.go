package vfs

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newMirror(t *testing.T, root string) *Mirror {
	t.Helper()
	m := New()
	if _, err := m.AddRoot(root); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	return m
}

func TestAddRootLoadsTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.lua"), "return 1")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "hello")

	m := newMirror(t, root)

	item, err := m.Read(root)
	if err != nil {
		t.Fatalf("Read root: %v", err)
	}
	if item.Kind != KindDirectory {
		t.Fatalf("root kind = %s", item.Kind)
	}
	want := []string{filepath.Join(root, "a.lua"), filepath.Join(root, "sub")}
	if !slices.Equal(item.Children, want) {
		t.Errorf("root children = %v, want %v", item.Children, want)
	}

	file, err := m.Read(filepath.Join(root, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("Read file: %v", err)
	}
	if string(file.Content) != "hello" {
		t.Errorf("content = %q", file.Content)
	}
	if m.Len() != 4 {
		t.Errorf("expected 4 items, got %d", m.Len())
	}
}

func TestRefreshNewFile(t *testing.T) {
	root := t.TempDir()
	m := newMirror(t, root)

	path := filepath.Join(root, "new.lua")
	writeFile(t, path, "print(1)")

	changed, err := m.Refresh(path)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !slices.Contains(changed, path) || !slices.Contains(changed, root) {
		t.Errorf("changed = %v, want file and parent", changed)
	}

	// Applying the same event again changes nothing.
	changed, err = m.Refresh(path)
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("second refresh changed %v", changed)
	}
}

func TestRefreshUnchangedContent(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	writeFile(t, path, "same")
	m := newMirror(t, root)

	writeFile(t, path, "same")
	changed, err := m.Refresh(path)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("rewrite with identical content reported %v", changed)
	}

	writeFile(t, path, "different")
	changed, _ = m.Refresh(path)
	if !slices.Equal(changed, []string{path}) {
		t.Errorf("changed = %v, want [%s]", changed, path)
	}
}

func TestRefreshDeletedDirectoryPurgesSubtree(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "dir")
	writeFile(t, filepath.Join(dir, "x.lua"), "x")
	writeFile(t, filepath.Join(dir, "deep", "y.lua"), "y")
	m := newMirror(t, root)

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	changed, err := m.Refresh(dir)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	for _, p := range []string{dir, filepath.Join(dir, "x.lua"), filepath.Join(dir, "deep", "y.lua")} {
		if _, err := m.Read(p); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s still mirrored", p)
		}
		if !slices.Contains(changed, p) {
			t.Errorf("%s missing from changed set", p)
		}
	}
	rootItem, _ := m.Read(root)
	if len(rootItem.Children) != 0 {
		t.Errorf("root children = %v", rootItem.Children)
	}
}

func TestRefreshParentRelistsChildren(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.lua"), "k")
	writeFile(t, filepath.Join(root, "gone.lua"), "g")
	m := newMirror(t, root)

	os.Remove(filepath.Join(root, "gone.lua"))
	writeFile(t, filepath.Join(root, "fresh", "inner.lua"), "i")

	// A single notification for the directory is enough.
	changed, err := m.Refresh(root)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := m.Read(filepath.Join(root, "gone.lua")); !errors.Is(err, ErrNotFound) {
		t.Error("gone.lua should be purged")
	}
	if _, err := m.Read(filepath.Join(root, "fresh", "inner.lua")); err != nil {
		t.Errorf("fresh/inner.lua not loaded: %v", err)
	}
	if slices.Contains(changed, filepath.Join(root, "keep.lua")) {
		t.Error("untouched file reported as changed")
	}
}

func TestRefreshRecoversLostParent(t *testing.T) {
	root := t.TempDir()
	m := newMirror(t, root)

	nested := filepath.Join(root, "a", "b", "c.lua")
	writeFile(t, nested, "c")

	if _, err := m.Refresh(nested); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	for _, p := range []string{filepath.Join(root, "a"), filepath.Join(root, "a", "b"), nested} {
		if _, err := m.Read(p); err != nil {
			t.Errorf("%s not mirrored: %v", p, err)
		}
	}
}

func TestRefreshKindChange(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "thing")
	writeFile(t, path, "file")
	m := newMirror(t, root)

	os.Remove(path)
	writeFile(t, filepath.Join(path, "child.lua"), "c")

	if _, err := m.Refresh(path); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	item, err := m.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if item.Kind != KindDirectory || len(item.Children) != 1 {
		t.Errorf("item = %+v", item)
	}
}

func TestRefreshOutsideRootsIgnored(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	writeFile(t, filepath.Join(other, "x.lua"), "x")
	m := newMirror(t, root)

	changed, err := m.Refresh(filepath.Join(other, "x.lua"))
	if err != nil || len(changed) != 0 {
		t.Fatalf("Refresh outside roots = %v, %v", changed, err)
	}
}

func TestRescanFindsSilentChanges(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "sub", "a.lua")
	writeFile(t, path, "one")
	m := newMirror(t, root)

	writeFile(t, path, "two")

	// A shallow refresh of the root does not re-read known children.
	changed, _ := m.Refresh(root)
	if slices.Contains(changed, path) {
		t.Fatal("shallow refresh should not re-read known files")
	}

	changed, err := m.Rescan(root)
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if !slices.Equal(changed, []string{path}) {
		t.Errorf("changed = %v", changed)
	}
}

func TestWalkVisitsEveryItem(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.lua"), "a")
	writeFile(t, filepath.Join(root, "d", "b.lua"), "b")
	m := newMirror(t, root)

	var visited []string
	err := m.Walk(root, func(item Item) error {
		visited = append(visited, item.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(visited) != m.Len() {
		t.Errorf("visited %d of %d items", len(visited), m.Len())
	}
}

func TestContains(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/a", "/a", true},
		{"/a", "/a/b", true},
		{"/a", "/ab", false},
		{"/", "/x", true},
		{"/a/b", "/a", false},
	}
	for _, tt := range tests {
		if got := Contains(tt.root, tt.path); got != tt.want {
			t.Errorf("Contains(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
		}
	}
}

func TestLinkedDirectoriesAreNotFollowed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.lua"), "return 1")
	if err := os.Symlink(root, filepath.Join(root, "loop")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "a.lua"), filepath.Join(root, "b.lua")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	m := newMirror(t, root)
	if m.Len() != 3 {
		t.Fatalf("expected root and two files, got %d items", m.Len())
	}
	item, _ := m.Read(root)
	want := []string{filepath.Join(root, "a.lua"), filepath.Join(root, "b.lua")}
	if !slices.Equal(item.Children, want) {
		t.Errorf("root children = %v, want %v", item.Children, want)
	}
	linked, err := m.Read(filepath.Join(root, "b.lua"))
	if err != nil || string(linked.Content) != "return 1" {
		t.Errorf("linked file = %q, %v", linked.Content, err)
	}

	changed, err := m.Refresh(filepath.Join(root, "loop"))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(changed) != 0 || m.Len() != 3 {
		t.Errorf("refreshing the link changed %v, %d items", changed, m.Len())
	}
	if _, err := m.Read(filepath.Join(root, "loop")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read(loop) err = %v, want ErrNotFound", err)
	}
}
