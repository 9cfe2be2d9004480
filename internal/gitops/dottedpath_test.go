package gitops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParsePath(t *testing.T) {
	valid := []string{"spec.version", "a.b.c", "x"}
	for _, p := range valid {
		parts, err := ParsePath(p)
		require.NoErrorf(t, err, "path %q should be valid", p)
		assert.NotEmpty(t, parts)
	}

	invalid := []string{"", ".spec.version", "spec.version.", "spec..version", "spec. .version"}
	for _, p := range invalid {
		_, err := ParsePath(p)
		assert.ErrorIsf(t, err, ErrInvalidPath, "path %q should be invalid", p)
	}
}

func TestSetField_ExistingIntermediates(t *testing.T) {
	doc := mustParse(t, "spec:\n  version: \"1.20.0\"\n  replicas: 3\n")

	err := SetField(doc, "spec.version", "1.21.0", false)
	require.NoError(t, err)

	out := mustMarshal(t, doc)
	assert.Contains(t, out, "version: 1.21.0")
	assert.Contains(t, out, "replicas: 3")
}

func TestSetField_MissingIntermediateWithoutCreateMissingFails(t *testing.T) {
	doc := mustParse(t, "spec:\n  version: \"1.20.0\"\n")

	err := SetField(doc, "spec.nested.field", "x", false)
	assert.Error(t, err)
}

func TestSetField_CreateMissingBuildsIntermediates(t *testing.T) {
	doc := mustParse(t, "spec:\n  version: \"1.20.0\"\n")

	err := SetField(doc, "spec.nested.field", "x", true)
	require.NoError(t, err)

	out := mustMarshal(t, doc)
	assert.Contains(t, out, "nested:")
	assert.Contains(t, out, "field: x")
}

func TestSetField_InvalidPathRejected(t *testing.T) {
	doc := mustParse(t, "spec:\n  version: \"1.20.0\"\n")
	err := SetField(doc, "spec..version", "x", true)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestSetField_PreservesSiblingKeys(t *testing.T) {
	doc := mustParse(t, "a: 1\nspec:\n  version: \"1.20.0\"\nb: 2\n")

	err := SetField(doc, "spec.version", "1.21.0", false)
	require.NoError(t, err)

	out := mustMarshal(t, doc)
	assert.Contains(t, out, "a: 1")
	assert.Contains(t, out, "b: 2")
}

func mustParse(t *testing.T, text string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(text), &doc))
	return &doc
}

func mustMarshal(t *testing.T, doc *yaml.Node) string {
	t.Helper()
	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	return string(out)
}
