package project

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/livesync/livesync/internal/models"
)

func testdataDir(t *testing.T, name string) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	return dir
}

func TestLoadFuzzyEmpty(t *testing.T) {
	p, err := LoadFuzzy(testdataDir(t, "empty"))
	if err != nil {
		t.Fatalf("LoadFuzzy: %v", err)
	}
	if p.Name != "empty" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.Tree.Kind != KindInstance || p.Tree.ClassName != "DataModel" {
		t.Errorf("Tree = %+v", p.Tree)
	}
	if len(p.Tree.Children) != 0 {
		t.Errorf("expected empty root, got %d children", len(p.Tree.Children))
	}
	if p.ServePort != nil || p.ServePlaceIDs != nil {
		t.Errorf("unexpected serve settings: %v %v", p.ServePort, p.ServePlaceIDs)
	}
	want := filepath.Join(testdataDir(t, "empty"), FileName)
	if p.FileLocation != want {
		t.Errorf("FileLocation = %q, want %q", p.FileLocation, want)
	}
}

func TestLoadExactMatchesFuzzy(t *testing.T) {
	dir := testdataDir(t, "empty")
	exact, err := LoadExact(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("LoadExact: %v", err)
	}
	fuzzy, err := LoadFuzzy(dir)
	if err != nil {
		t.Fatalf("LoadFuzzy: %v", err)
	}
	if exact.Name != fuzzy.Name || exact.FileLocation != fuzzy.FileLocation {
		t.Errorf("exact %+v != fuzzy %+v", exact, fuzzy)
	}
}

func TestLoadSingleSyncPoint(t *testing.T) {
	dir := testdataDir(t, "single-sync-point")
	p, err := LoadFuzzy(dir)
	if err != nil {
		t.Fatalf("LoadFuzzy: %v", err)
	}
	if p.ServePort == nil || *p.ServePort != 12345 {
		t.Errorf("ServePort = %v", p.ServePort)
	}
	if len(p.ServePlaceIDs) != 1 || p.ServePlaceIDs[0] != 1234 {
		t.Errorf("ServePlaceIDs = %v", p.ServePlaceIDs)
	}

	foo := p.Tree.Children["ReplicatedStorage"].Children["Foo"]
	if foo == nil || foo.Kind != KindSyncPoint {
		t.Fatalf("Foo = %+v", foo)
	}
	if foo.Path != filepath.Join(dir, "lib") {
		t.Errorf("Foo.Path = %q", foo.Path)
	}

	refs := p.SyncPoints()
	if len(refs) != 1 {
		t.Fatalf("SyncPoints = %v", refs)
	}
	if refs[0].Key() != "/ReplicatedStorage/Foo" {
		t.Errorf("Key = %q", refs[0].Key())
	}
}

func TestLoadProperties(t *testing.T) {
	p, err := LoadFuzzy(testdataDir(t, "test-model"))
	if err != nil {
		t.Fatalf("LoadFuzzy: %v", err)
	}

	want := map[string]models.Value{
		"Enabled": models.BoolValue(true),
		"Speed":   models.NumberValue(16),
		"Label":   models.StringValue("hello"),
		"Tint":    models.Color3Value(1, 0.5, 0),
	}
	for key, value := range want {
		if got := p.Tree.Properties[key]; got != value {
			t.Errorf("%s = %+v, want %+v", key, got, value)
		}
	}
	if p.Tree.IgnoreUnknown == nil || *p.Tree.IgnoreUnknown {
		t.Errorf("IgnoreUnknown = %v", p.Tree.IgnoreUnknown)
	}
	if got := p.Tree.Children["Child"].Properties["Value"]; got != models.StringValue("child") {
		t.Errorf("Child.Value = %+v", got)
	}
}

func TestLoadNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")

	if _, err := LoadFuzzy(missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadFuzzy error = %v, want ErrNotFound", err)
	}
	if _, err := LoadExact(filepath.Join(missing, FileName)); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadExact error = %v, want ErrNotFound", err)
	}

	// A directory without a project file is also not found.
	if _, err := LoadFuzzy(t.TempDir()); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadFuzzy(empty dir) error = %v, want ErrNotFound", err)
	}
}

func TestLoadParseErrors(t *testing.T) {
	tests := []string{"bad-json", "conflicting-keys"}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFuzzy(testdataDir(t, name))
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("error = %v, want *ParseError", err)
			}
		})
	}
}

func TestParseRejectsInvalidNodes(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing name", `{"tree": {"$className": "Folder"}}`},
		{"missing tree", `{"name": "x"}`},
		{"classless node", `{"name": "x", "tree": {}}`},
		{"unknown dollar key", `{"name": "x", "tree": {"$className": "Folder", "$bogus": 1}}`},
		{"properties on sync point", `{"name": "x", "tree": {"$path": "src", "$properties": {}}}`},
		{"bad child", `{"name": "x", "tree": {"$className": "Folder", "A": 3}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "/proj/"+FileName)
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("error = %v, want *ParseError", err)
			}
		})
	}
}

func TestParseAbsoluteSyncPath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "src")
	data := `{"name": "x", "tree": {"$path": ` + quote(abs) + `}}`
	p, err := Parse([]byte(data), "/elsewhere/"+FileName)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Tree.Path != abs {
		t.Errorf("Path = %q, want %q", p.Tree.Path, abs)
	}
	if refs := p.SyncPoints(); len(refs) != 1 || refs[0].Key() != "/" {
		t.Errorf("SyncPoints = %v", refs)
	}
}

func TestLoadFuzzyAcceptsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.project.json")
	if err := os.WriteFile(path, []byte(`{"name": "custom", "tree": {"$className": "Folder"}}`), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p, err := LoadFuzzy(path)
	if err != nil {
		t.Fatalf("LoadFuzzy: %v", err)
	}
	if p.Name != "custom" {
		t.Errorf("Name = %q", p.Name)
	}
}

func quote(s string) string {
	return `"` + filepath.ToSlash(s) + `"`
}
