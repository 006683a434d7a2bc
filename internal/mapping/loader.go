package mapping

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Issue is a non-fatal problem found while flattening a mapping document.
type Issue struct {
	Path    string
	Message string
}

func (i Issue) String() string { return i.Path + ": " + i.Message }

// entry is one target of a source field in the nested mapping document.
type entry struct {
	OmopTable   string `yaml:"omop_table"`
	OmopField   string `yaml:"omop_field"`
	MappingType string `yaml:"mapping_type"`
	Description string `yaml:"description"`
	Notes       string `yaml:"notes"`
}

// LoadFile reads a nested mapping document (JSON or YAML) and returns the
// indexed rule table. Structural problems inside the document are logged and
// skipped; an unreadable or unparsable file is an error.
func LoadFile(path string, logger zerolog.Logger) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file %s: %w", path, err)
	}
	rules, issues, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse mapping file %s: %w", path, err)
	}
	for _, is := range issues {
		logger.Warn().Str("at", is.Path).Msg(is.Message)
	}

	t := NewTable(rules)
	for _, r := range t.Invalid() {
		logger.Warn().Err(r.Validate()).Msg("mapping rule will be skipped")
	}
	logger.Info().
		Str("path", path).
		Int("rules", t.Len()).
		Int("source_tables", len(t.SourceTables())).
		Int("target_tables", len(t.TargetTables())).
		Msg("loaded mapping")
	return t, nil
}

// Parse flattens `source_table -> source_field -> [entries]` into rules in
// document order. JSON is valid YAML, so both formats share this path, and
// the node API keeps key order, which fixes the order rules fire in.
func Parse(data []byte) ([]Rule, []Issue, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}
	if doc.Kind == 0 {
		return nil, nil, ErrEmptyMapping
	}
	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, nil, ErrEmptyMapping
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("mapping document must be an object keyed by source table, line %d", root.Line)
	}

	var rules []Rule
	var issues []Issue
	for i := 0; i+1 < len(root.Content); i += 2 {
		table := root.Content[i].Value
		fields := root.Content[i+1]
		if fields.Kind != yaml.MappingNode {
			issues = append(issues, Issue{Path: table, Message: "expected an object keyed by source field"})
			continue
		}
		for j := 0; j+1 < len(fields.Content); j += 2 {
			field := fields.Content[j].Value
			path := table + "." + field
			targets := fields.Content[j+1]
			if targets.Kind != yaml.SequenceNode {
				issues = append(issues, Issue{Path: path, Message: "expected a list of targets"})
				continue
			}
			for k, node := range targets.Content {
				if node.Kind != yaml.MappingNode {
					issues = append(issues, Issue{Path: fmt.Sprintf("%s[%d]", path, k), Message: "expected a target object"})
					continue
				}
				var e entry
				if err := node.Decode(&e); err != nil {
					issues = append(issues, Issue{Path: fmt.Sprintf("%s[%d]", path, k), Message: err.Error()})
					continue
				}
				kind, err := ParseKind(e.MappingType)
				if err != nil {
					issues = append(issues, Issue{Path: fmt.Sprintf("%s[%d]", path, k), Message: err.Error()})
				}
				rules = append(rules, Rule{
					SourceTable: table,
					SourceField: field,
					TargetTable: e.OmopTable,
					TargetField: e.OmopField,
					Kind:        kind,
					Description: e.Description,
					Notes:       e.Notes,
				})
			}
		}
	}
	return rules, issues, nil
}
