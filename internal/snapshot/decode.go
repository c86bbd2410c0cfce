package snapshot

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/tidwall/jsonc"

	"github.com/livesync/livesync/internal/models"
)

type modelFile struct {
	Name       string                     `json:"Name"`
	ClassName  string                     `json:"ClassName"`
	Properties map[string]json.RawMessage `json:"Properties"`
	Children   []modelFile                `json:"Children"`
}

// DecodeModel reads a JSON model file describing an instance subtree.
func DecodeModel(content []byte) (*models.SnapshotNode, error) {
	var file modelFile
	if err := json.Unmarshal(jsonc.ToJSON(content), &file); err != nil {
		return nil, err
	}
	return file.node(true)
}

func (m *modelFile) node(top bool) (*models.SnapshotNode, error) {
	if m.ClassName == "" {
		return nil, errors.New("model instance is missing ClassName")
	}
	if !top && m.Name == "" {
		return nil, fmt.Errorf("child %s is missing Name", m.ClassName)
	}

	node := &models.SnapshotNode{
		ClassName:  m.ClassName,
		Name:       m.Name,
		Properties: make(map[string]models.Value, len(m.Properties)),
	}
	for key, raw := range m.Properties {
		value, err := models.DecodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", key, err)
		}
		node.Properties[key] = value
	}
	for i := range m.Children {
		child, err := m.Children[i].node(false)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	sortNodes(node.Children)
	return node, nil
}

type localizationEntry struct {
	Key     string            `json:"key,omitempty"`
	Context string            `json:"context,omitempty"`
	Source  string            `json:"source,omitempty"`
	Example string            `json:"example,omitempty"`
	Values  map[string]string `json:"values"`
}

// DecodeLocalizationTable converts a CSV table into a LocalizationTable
// whose Contents is the JSON list of entries. The header row names the
// Key, Context, Source and Example columns; every other column is a
// locale.
func DecodeLocalizationTable(content []byte) (*models.SnapshotNode, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		header = nil
	} else if err != nil {
		return nil, err
	}

	entries := []localizationEntry{}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		entry := localizationEntry{Values: map[string]string{}}
		empty := true
		for i, field := range record {
			if i >= len(header) || field == "" {
				continue
			}
			empty = false
			switch header[i] {
			case "Key":
				entry.Key = field
			case "Context":
				entry.Context = field
			case "Source":
				entry.Source = field
			case "Example":
				entry.Example = field
			default:
				entry.Values[header[i]] = field
			}
		}
		if !empty {
			entries = append(entries, entry)
		}
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return &models.SnapshotNode{
		ClassName:  "LocalizationTable",
		Properties: map[string]models.Value{"Contents": models.StringValue(string(encoded))},
	}, nil
}

func sortNodes(nodes []*models.SnapshotNode) {
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
}
