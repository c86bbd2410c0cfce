package snapshot

import (
	"strings"

	"github.com/livesync/livesync/internal/models"
)

// Merge says how a classified file relates to the directory holding it.
type Merge int

const (
	// Standalone entries become their own instance.
	Standalone Merge = iota
	// IntoParent entries turn the containing directory into an instance of
	// the rule's class instead of a Folder.
	IntoParent
)

// Decoder turns structured file content into an instance subtree. The
// returned node is renamed to the entry's derived name.
type Decoder func(content []byte) (*models.SnapshotNode, error)

// Rule describes how matching files become instances.
type Rule struct {
	// Name matches the whole file name; Suffix matches its end. Exactly one
	// is set. The instance name is the file name minus Suffix.
	Name   string
	Suffix string

	ClassName string
	Property  string // receives the file content as a String value
	Merge     Merge
	Decode    Decoder // replaces ClassName and Property when set
}

// Rules is an ordered classification table.
type Rules []Rule

// DirectoryClass is the class given to directories without an init file.
const DirectoryClass = "Folder"

// OpaqueClass is the class given to unmatched files outside strict mode.
const OpaqueClass = "BinaryStringValue"

// DefaultRules returns the standard classification table.
func DefaultRules() Rules {
	return Rules{
		{Name: "init.server.lua", ClassName: "Script", Property: "Source", Merge: IntoParent},
		{Name: "init.client.lua", ClassName: "LocalScript", Property: "Source", Merge: IntoParent},
		{Name: "init.lua", ClassName: "ModuleScript", Property: "Source", Merge: IntoParent},
		{Suffix: ".server.lua", ClassName: "Script", Property: "Source"},
		{Suffix: ".client.lua", ClassName: "LocalScript", Property: "Source"},
		{Suffix: ".lua", ClassName: "ModuleScript", Property: "Source"},
		{Suffix: ".txt", ClassName: "StringValue", Property: "Value"},
		{Suffix: ".csv", Decode: DecodeLocalizationTable},
		{Suffix: ".model.json", Decode: DecodeModel},
	}
}

// Match finds the rule for a file name. Exact names win over suffixes; among
// suffixes the longest wins, so "a.server.lua" is a Script, not a
// ModuleScript. It returns the instance name the file derives.
func (r Rules) Match(fileName string) (Rule, string, bool) {
	for _, rule := range r {
		if rule.Name != "" && rule.Name == fileName {
			return rule, "", true
		}
	}

	best := -1
	for i, rule := range r {
		if rule.Suffix == "" || !strings.HasSuffix(fileName, rule.Suffix) || len(fileName) == len(rule.Suffix) {
			continue
		}
		if best < 0 || len(rule.Suffix) > len(r[best].Suffix) {
			best = i
		}
	}
	if best < 0 {
		return Rule{}, "", false
	}
	return r[best], strings.TrimSuffix(fileName, r[best].Suffix), true
}

// rank orders IntoParent rules by table position.
func (r Rules) rank(fileName string) int {
	for i, rule := range r {
		if rule.Name == fileName {
			return i
		}
	}
	return len(r)
}
