// Package snapshot turns a project description and the filesystem mirror
// into an id-less instance tree.
package snapshot

import (
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/livesync/livesync/internal/models"
	"github.com/livesync/livesync/internal/project"
	"github.com/livesync/livesync/internal/vfs"
)

// Reader is the read side of the filesystem mirror.
type Reader interface {
	Read(path string) (vfs.Item, error)
}

// Policy controls how unmatched files are handled.
type Policy struct {
	// Strict rejects unmatched files with UnknownFileTypeError instead of
	// mirroring them as opaque BinaryStringValue instances.
	Strict bool
}

// Builder builds snapshots. It remembers the node built for every sync
// point so incremental rebuilds only revisit sync points whose paths were
// touched, and the last good decode of every decoded file so a file that
// is briefly malformed while being saved keeps its instance. A Builder is
// not safe for concurrent use.
type Builder struct {
	rules    Rules
	policy   Policy
	cache    map[string]*models.SnapshotNode
	lastGood map[string]*models.SnapshotNode
}

// New creates a builder with the given classification table.
func New(rules Rules, policy Policy) *Builder {
	return &Builder{
		rules:    rules,
		policy:   policy,
		cache:    make(map[string]*models.SnapshotNode),
		lastGood: make(map[string]*models.SnapshotNode),
	}
}

// Build builds the complete snapshot for p, ignoring cached sync points.
// The returned errors are non-fatal: each names one entry that was left
// out. The root is nil only when the root itself could not be built.
func (b *Builder) Build(p *project.Project, fs Reader) (*models.SnapshotNode, []error) {
	clear(b.cache)
	return b.build(p, fs, nil, true)
}

// Rebuild builds the snapshot for p, reusing every cached sync point whose
// path neither contains nor lies beneath any dirty path.
func (b *Builder) Rebuild(p *project.Project, fs Reader, dirty []string) (*models.SnapshotNode, []error) {
	return b.build(p, fs, dirty, false)
}

func (b *Builder) build(p *project.Project, fs Reader, dirty []string, full bool) (*models.SnapshotNode, []error) {
	ps := &pass{
		b:     b,
		fs:    fs,
		dirty: dirty,
		full:  full,
		seen:  make(map[string]bool),
	}
	root := ps.node(p.Tree, p.Name, "/")

	for key := range b.cache {
		if !ps.seen[key] {
			delete(b.cache, key)
		}
	}
	for path := range b.lastGood {
		if _, err := fs.Read(path); err != nil {
			delete(b.lastGood, path)
		}
	}
	return root, ps.errs
}

// pass holds the state of one Build or Rebuild call.
type pass struct {
	b     *Builder
	fs    Reader
	dirty []string
	full  bool
	seen  map[string]bool
	errs  []error
}

func (ps *pass) fail(err error) {
	ps.errs = append(ps.errs, err)
}

func (ps *pass) node(n *project.Node, name, key string) *models.SnapshotNode {
	switch n.Kind {
	case project.KindInstance:
		base := &models.SnapshotNode{
			ClassName:  n.ClassName,
			Name:       name,
			Properties: maps.Clone(n.Properties),
			Metadata:   models.Metadata{IgnoreUnknown: ignoreUnknown(n)},
		}
		if base.Properties == nil {
			base.Properties = map[string]models.Value{}
		}
		return ps.mergeDeclared(base, n.Children, key)

	case project.KindSyncPoint:
		derived := ps.syncPoint(n, name, key)
		if derived == nil {
			return nil
		}
		return ps.mergeDeclared(derived, n.Children, key)
	}
	ps.fail(fmt.Errorf("project node %s has unknown kind %d", key, n.Kind))
	return nil
}

func (ps *pass) syncPoint(n *project.Node, name, key string) *models.SnapshotNode {
	ps.seen[key] = true
	if cached, ok := ps.b.cache[key]; ok && !ps.full && !ps.touched(n.Path) {
		return cached
	}

	node := ps.entry(n.Path)
	if node == nil {
		delete(ps.b.cache, key)
		return nil
	}
	renamed := *node
	renamed.Name = name
	ps.b.cache[key] = &renamed
	return &renamed
}

func (ps *pass) touched(path string) bool {
	for _, d := range ps.dirty {
		if vfs.Contains(path, d) || vfs.Contains(d, path) {
			return true
		}
	}
	return false
}

// mergeDeclared folds project-declared children into base. A declared
// instance whose name and class match an existing child is merged into it,
// with declared properties taking precedence. Any other name collision
// skips the declared child.
func (ps *pass) mergeDeclared(base *models.SnapshotNode, declared map[string]*project.Node, key string) *models.SnapshotNode {
	if len(declared) == 0 {
		return base
	}

	merged := *base
	merged.Children = slices.Clone(base.Children)

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		child := declared[name]
		ck := childKey(key, name)

		idx := slices.IndexFunc(merged.Children, func(c *models.SnapshotNode) bool { return c.Name == name })
		if idx < 0 {
			if node := ps.node(child, name, ck); node != nil {
				merged.Children = append(merged.Children, node)
			}
			continue
		}

		existing := merged.Children[idx]
		if child.Kind != project.KindInstance || child.ClassName != existing.ClassName {
			ps.fail(&ConflictingChildNameError{Parent: label(base), Name: name, Skipped: "project node " + ck})
			continue
		}

		overlaid := *existing
		overlaid.Properties = maps.Clone(existing.Properties)
		if overlaid.Properties == nil {
			overlaid.Properties = map[string]models.Value{}
		}
		maps.Copy(overlaid.Properties, child.Properties)
		if child.IgnoreUnknown != nil {
			overlaid.Metadata.IgnoreUnknown = *child.IgnoreUnknown
		}
		merged.Children[idx] = ps.mergeDeclared(&overlaid, child.Children, ck)
	}

	sortNodes(merged.Children)
	return &merged
}

// entry classifies the mirror item at path.
func (ps *pass) entry(path string) *models.SnapshotNode {
	item, err := ps.fs.Read(path)
	if err != nil {
		ps.fail(fmt.Errorf("read %s: %w", path, err))
		return nil
	}
	return ps.item(item)
}

func (ps *pass) item(item vfs.Item) *models.SnapshotNode {
	if item.Kind == vfs.KindDirectory {
		return ps.directory(item)
	}
	return ps.file(item)
}

func (ps *pass) file(item vfs.Item) *models.SnapshotNode {
	fileName := item.Name()
	rule, name, ok := ps.b.rules.Match(fileName)
	if !ok {
		if ps.b.policy.Strict {
			ps.fail(&UnknownFileTypeError{Path: item.Path})
			return nil
		}
		return &models.SnapshotNode{
			ClassName:  OpaqueClass,
			Name:       fileName,
			Properties: map[string]models.Value{"Value": models.BinaryStringValue(item.Content)},
			Metadata:   models.Metadata{SourcePath: item.Path},
		}
	}
	if name == "" {
		name = fileName
	}

	if rule.Decode != nil {
		decoded, err := rule.Decode(item.Content)
		if err != nil {
			ps.fail(&DecodeError{Path: item.Path, Err: err})
			return ps.b.lastGood[item.Path]
		}
		node := *decoded
		node.Name = name
		node.Metadata.SourcePath = item.Path
		if node.Properties == nil {
			node.Properties = map[string]models.Value{}
		}
		ps.b.lastGood[item.Path] = &node
		return &node
	}

	return &models.SnapshotNode{
		ClassName:  rule.ClassName,
		Name:       name,
		Properties: map[string]models.Value{rule.Property: models.StringValue(string(item.Content))},
		Metadata:   models.Metadata{SourcePath: item.Path},
	}
}

func (ps *pass) directory(item vfs.Item) *models.SnapshotNode {
	node := &models.SnapshotNode{
		ClassName:  DirectoryClass,
		Name:       item.Name(),
		Properties: map[string]models.Value{},
		Metadata:   models.Metadata{SourcePath: item.Path},
	}

	var inits []vfs.Item
	taken := make(map[string]bool)
	for _, childPath := range item.Children {
		child, err := ps.fs.Read(childPath)
		if err != nil {
			ps.fail(fmt.Errorf("read %s: %w", childPath, err))
			continue
		}

		if child.Kind == vfs.KindFile {
			if rule, _, ok := ps.b.rules.Match(child.Name()); ok && rule.Merge == IntoParent {
				inits = append(inits, child)
				continue
			}
		}

		built := ps.item(child)
		if built == nil {
			continue
		}
		if taken[built.Name] {
			ps.fail(&ConflictingChildNameError{Parent: item.Path, Name: built.Name, Skipped: childPath})
			continue
		}
		taken[built.Name] = true
		node.Children = append(node.Children, built)
	}

	if len(inits) > 0 {
		slices.SortStableFunc(inits, func(a, b vfs.Item) int {
			return ps.b.rules.rank(a.Name()) - ps.b.rules.rank(b.Name())
		})
		for _, extra := range inits[1:] {
			ps.fail(&ConflictingChildNameError{Parent: item.Path, Name: node.Name, Skipped: extra.Path})
		}
		rule, _, _ := ps.b.rules.Match(inits[0].Name())
		node.ClassName = rule.ClassName
		node.Properties[rule.Property] = models.StringValue(string(inits[0].Content))
	}

	sortNodes(node.Children)
	return node
}

func ignoreUnknown(n *project.Node) bool {
	if n.IgnoreUnknown != nil {
		return *n.IgnoreUnknown
	}
	return !hasSyncPoint(n)
}

func hasSyncPoint(n *project.Node) bool {
	if n.Kind == project.KindSyncPoint {
		return true
	}
	for _, child := range n.Children {
		if hasSyncPoint(child) {
			return true
		}
	}
	return false
}

func childKey(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func label(n *models.SnapshotNode) string {
	if n.Metadata.SourcePath != "" {
		return n.Metadata.SourcePath
	}
	return n.Name
}
