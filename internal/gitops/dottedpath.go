package gitops

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPath is returned by ParsePath when a dotted path is
// malformed (spec §4.6: empty component, leading/trailing dot, or
// consecutive dots).
var ErrInvalidPath = fmt.Errorf("gitops: invalid dotted path")

// ParsePath splits a dotted path into its components, rejecting the
// malformed shapes named in spec §4.6. Validation happens at load time
// so invalid paths never reach the editor (spec §9 "construction
// failure is the only way to obtain an invalid instance").
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") {
		return nil, fmt.Errorf("%w: %q has a leading or trailing dot", ErrInvalidPath, path)
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("%w: %q has consecutive dots", ErrInvalidPath, path)
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%w: %q has an empty component", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// FieldUpdate is one dotted-path write: set the value at Path to
// Value.
type FieldUpdate struct {
	Path  string
	Value string
}

// SetField applies a single dotted-path write to a parsed yaml.Node
// document root, mutating it in place. Document structure — key
// order, comments, surrounding keys — is preserved to the extent
// yaml.v3's node tree permits (spec §4.6 "document stability is
// required"); only the target leaf scalar changes.
//
// By default every intermediate level must already be a mapping;
// writing through a non-mapping intermediate is an error. createMissing
// auto-creates intermediate mappings instead, for initialisation flows
// (spec §4.6 — "not used for upgrades").
func SetField(root *yaml.Node, path string, value string, createMissing bool) error {
	parts, err := ParsePath(path)
	if err != nil {
		return err
	}

	doc := root
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return fmt.Errorf("gitops: empty document, cannot set %q", path)
		}
		doc = doc.Content[0]
	}

	node, err := descend(doc, parts, createMissing)
	if err != nil {
		return fmt.Errorf("gitops: setting %q: %w", path, err)
	}

	node.SetString(value)
	node.Tag = "!!str"
	node.Style = 0
	return nil
}

// descend walks/creates mapping nodes for every path component except
// the last, then returns the leaf scalar node (creating it if absent).
func descend(mapping *yaml.Node, parts []string, createMissing bool) (*yaml.Node, error) {
	current := mapping
	for i, key := range parts {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("intermediate %q is not a mapping", strings.Join(parts[:i], "."))
		}

		valueNode := findMappingValue(current, key)
		last := i == len(parts)-1

		if valueNode == nil {
			if !createMissing {
				return nil, fmt.Errorf("key %q not found and create_missing is false", strings.Join(parts[:i+1], "."))
			}
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
			if last {
				valueNode = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str"}
			} else {
				valueNode = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			}
			current.Content = append(current.Content, keyNode, valueNode)
		}

		if last {
			return valueNode, nil
		}
		current = valueNode
	}
	return nil, fmt.Errorf("empty path")
}

func findMappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// quoteIfNeeded keeps numeric-looking strings from silently becoming
// YAML numbers on re-encode. It has no callers: SetField forces !!str
// on the leaf instead.
func quoteIfNeeded(value string) string {
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return "'" + value + "'"
	}
	return value
}
