// Package project loads project descriptions: the static tree that says
// which instances exist and where filesystem content is materialized.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/livesync/livesync/internal/models"
)

// FileName is the conventional project file name looked up by LoadFuzzy.
const FileName = "roblox-project.json"

// ErrNotFound is returned when no project file exists at the location.
var ErrNotFound = errors.New("project file not found")

// ParseError reports a project file that exists but cannot be understood.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse project %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Kind distinguishes the two project node variants.
type Kind int

const (
	KindInstance Kind = iota + 1
	KindSyncPoint
)

func (k Kind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindSyncPoint:
		return "sync point"
	}
	return "unknown"
}

// Node is one entry of the project tree. Instance nodes declare an instance
// directly; SyncPoint nodes materialize the filesystem entry at Path.
type Node struct {
	Kind Kind

	// Instance
	ClassName     string
	Properties    map[string]models.Value
	IgnoreUnknown *bool

	// SyncPoint
	Path string

	Children map[string]*Node
}

// ChildNames returns the node's child names in sorted order.
func (n *Node) ChildNames() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Project is a loaded project description.
type Project struct {
	Name          string
	Tree          *Node
	ServePort     *int
	ServePlaceIDs []int64
	FileLocation  string
}

// SyncPointRef locates a sync point inside the project tree.
type SyncPointRef struct {
	Location []string // names from the root, excluding the root itself
	Path     string
}

// Key returns a stable identifier for the sync point's tree location.
func (r SyncPointRef) Key() string {
	return "/" + strings.Join(r.Location, "/")
}

// SyncPoints lists every sync point in the tree, in depth-first name order.
func (p *Project) SyncPoints() []SyncPointRef {
	var out []SyncPointRef
	var walk func(n *Node, location []string)
	walk = func(n *Node, location []string) {
		if n.Kind == KindSyncPoint {
			out = append(out, SyncPointRef{Location: append([]string(nil), location...), Path: n.Path})
		}
		for _, name := range n.ChildNames() {
			walk(n.Children[name], append(location, name))
		}
	}
	if p.Tree != nil {
		walk(p.Tree, nil)
	}
	return out
}

// LoadExact loads the project file at path.
func LoadExact(path string) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, abs)
		}
		return nil, fmt.Errorf("read project %s: %w", abs, err)
	}
	return Parse(data, abs)
}

// LoadFuzzy accepts either a project file or a directory containing one.
func LoadFuzzy(path string) (*Project, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadExact(filepath.Join(path, FileName))
	}
	return LoadExact(path)
}

type projectFile struct {
	Name          string          `json:"name"`
	Tree          json.RawMessage `json:"tree"`
	ServePort     *int            `json:"servePort"`
	ServePlaceIDs []int64         `json:"servePlaceIds"`
}

// Parse decodes project file contents. fileLocation must be absolute; sync
// point paths are resolved relative to its directory. Comments and trailing
// commas are accepted.
func Parse(data []byte, fileLocation string) (*Project, error) {
	var raw projectFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, &ParseError{Path: fileLocation, Err: err}
	}
	if raw.Name == "" {
		return nil, &ParseError{Path: fileLocation, Err: errors.New("missing \"name\"")}
	}
	if len(raw.Tree) == 0 {
		return nil, &ParseError{Path: fileLocation, Err: errors.New("missing \"tree\"")}
	}

	tree, err := parseNode(raw.Tree, filepath.Dir(fileLocation), "tree")
	if err != nil {
		return nil, &ParseError{Path: fileLocation, Err: err}
	}

	return &Project{
		Name:          raw.Name,
		Tree:          tree,
		ServePort:     raw.ServePort,
		ServePlaceIDs: raw.ServePlaceIDs,
		FileLocation:  fileLocation,
	}, nil
}

func parseNode(data json.RawMessage, baseDir, where string) (*Node, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%s: expected an object: %w", where, err)
	}

	node := &Node{Children: make(map[string]*Node)}

	var className, path string
	if v, ok := fields["$className"]; ok {
		if err := json.Unmarshal(v, &className); err != nil {
			return nil, fmt.Errorf("%s.$className: %w", where, err)
		}
	}
	if v, ok := fields["$path"]; ok {
		if err := json.Unmarshal(v, &path); err != nil {
			return nil, fmt.Errorf("%s.$path: %w", where, err)
		}
	}

	switch {
	case path != "" && className != "":
		return nil, fmt.Errorf("%s: $className and $path are mutually exclusive", where)
	case path != "":
		node.Kind = KindSyncPoint
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, filepath.FromSlash(path))
		}
		node.Path = filepath.Clean(path)
	case className != "":
		node.Kind = KindInstance
		node.ClassName = className
	default:
		return nil, fmt.Errorf("%s: one of $className or $path is required", where)
	}

	if v, ok := fields["$properties"]; ok {
		if node.Kind != KindInstance {
			return nil, fmt.Errorf("%s: $properties requires $className", where)
		}
		var props map[string]json.RawMessage
		if err := json.Unmarshal(v, &props); err != nil {
			return nil, fmt.Errorf("%s.$properties: %w", where, err)
		}
		node.Properties = make(map[string]models.Value, len(props))
		for key, rawValue := range props {
			value, err := models.DecodeValue(rawValue)
			if err != nil {
				return nil, fmt.Errorf("%s.$properties.%s: %w", where, key, err)
			}
			node.Properties[key] = value
		}
	}

	if v, ok := fields["$ignoreUnknownInstances"]; ok {
		var ignore bool
		if err := json.Unmarshal(v, &ignore); err != nil {
			return nil, fmt.Errorf("%s.$ignoreUnknownInstances: %w", where, err)
		}
		node.IgnoreUnknown = &ignore
	}

	for key, value := range fields {
		if strings.HasPrefix(key, "$") {
			switch key {
			case "$className", "$path", "$properties", "$ignoreUnknownInstances":
				continue
			}
			return nil, fmt.Errorf("%s: unknown key %q", where, key)
		}
		child, err := parseNode(value, baseDir, where+"."+key)
		if err != nil {
			return nil, err
		}
		node.Children[key] = child
	}

	return node, nil
}
