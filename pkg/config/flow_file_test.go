package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const salesYAML = `
name: Main line
description: Sales and support
numbers:
  - "+1 555 000 1111"
settings:
  max_steps: 20
  language: en-US
variables:
  - name: attempts
    type: number
    default: 0
nodes:
  - id: start
    kind: start
  - id: menu
    kind: menu
    config:
      prompt: Press 1 for sales, 2 for support
      options: ["1", "2"]
      timeout_seconds: 5
  - id: sales
    kind: play-prompt
    config:
      text: sales
  - id: support
    kind: play-prompt
    config:
      text: support
  - id: hangup
    kind: hang-up
edges:
  - {source: start, discriminator: next, target: menu}
  - {source: menu, discriminator: "1", target: sales}
  - {source: menu, discriminator: "2", target: support}
  - {id: sales-out, source: sales, discriminator: next, target: hangup}
  - {source: support, discriminator: next, target: hangup}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadFlowFile_YAML(t *testing.T) {
	file, err := LoadFlowFile(writeFile(t, "sales.yaml", salesYAML))
	require.NoError(t, err)

	assert.Equal(t, "Main line", file.Name)
	assert.Equal(t, []string{"+1 555 000 1111"}, file.Numbers)
	assert.Equal(t, 20, file.Settings.MaxSteps)
	assert.Equal(t, "en-US", file.Settings.Language)
	require.Len(t, file.Nodes, 5)
	assert.Equal(t, models.KindMenu, file.Nodes[1].Kind)
	require.Len(t, file.Edges, 5)
	assert.Equal(t, "start-next-menu", file.Edges[0].ID)
	assert.Equal(t, "sales-out", file.Edges[3].ID)
	assert.Equal(t, models.VariableNumber, file.Variables[0].Type)

	require.NoError(t, validation.New().ValidateDefinition(&file.Definition))
}

func TestLoadFlowFile_JSON(t *testing.T) {
	content := `{
		"nodes": [
			{"id": "start", "kind": "start"},
			{"id": "bye", "kind": "hang-up"}
		],
		"edges": [{"source": "start", "discriminator": "next", "target": "bye"}]
	}`

	file, err := LoadFlowFile(writeFile(t, "goodbye.json", content))
	require.NoError(t, err)

	assert.Equal(t, "goodbye", file.Name)
	assert.Equal(t, "start-next-bye", file.Edges[0].ID)
	require.NoError(t, validation.New().ValidateDefinition(&file.Definition))
}

func TestLoadFlowFile_InvalidDefinitionStillLoads(t *testing.T) {
	content := `
nodes:
  - id: start
    kind: start
  - id: orphan
    kind: hang-up
`

	file, err := LoadFlowFile(writeFile(t, "broken.yml", content))
	require.NoError(t, err)

	err = validation.New().ValidateDefinition(&file.Definition)

	var validationErr *validation.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.True(t, validationErr.Has(validation.CodeMissingEdge, "start", models.DiscriminatorNext))
	assert.True(t, validationErr.Has(validation.CodeUnreachable, "orphan", ""))
}

func TestLoadFlowFile_Errors(t *testing.T) {
	_, err := LoadFlowFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadFlowFile(writeFile(t, "flow.toml", "nodes = []"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = LoadFlowFile(writeFile(t, "flow.yaml", "nodes: [unclosed"))
	require.ErrorContains(t, err, "failed to parse YAML flow")

	_, err = LoadFlowFile(writeFile(t, "flow.json", `{"nodes": [], "unknown": true}`))
	require.ErrorContains(t, err, "failed to parse JSON flow")

	_, err = ParseFlowFile([]byte("{}"), "xml")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}
