package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData() Data {
	return NewData(
		map[string]any{"name": "Ada", "balance": 12.5, "vip": true, "tier": "gold"},
		map[string]any{"from": "+15551234567", "to": "+15557654321"},
	)
}

func TestRenderString(t *testing.T) {
	t.Parallel()

	result, err := RenderString("Hello {{ .vars.name }}, calling from {{ .call.from }}", testData())
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, calling from +15551234567", result)

	result, err = RenderString("{{ upper .variables.tier }}", testData())
	require.NoError(t, err)
	assert.Equal(t, "GOLD", result)
}

func TestRenderString_MissingVariableFails(t *testing.T) {
	t.Parallel()

	_, err := RenderString("{{ .vars.unknown }}", testData())
	require.Error(t, err)

	_, err = RenderString("{{ .vars.name", testData())
	require.Error(t, err)
}

func TestRender_InfersTypes(t *testing.T) {
	t.Parallel()

	result, err := Render("{{ .vars.balance }}", testData())
	require.NoError(t, err)
	assert.Equal(t, 12.5, result)

	result, err = Render("{{ .vars.vip }}", testData())
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = Render(`{"name": "{{ .vars.name }}"}`, testData())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada"}, result)

	result, err = Render("plain", testData())
	require.NoError(t, err)
	assert.Equal(t, "plain", result)
}

func TestRenderBool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		expr     string
		expected bool
		wantErr  bool
	}{
		{name: "variable", expr: "{{ .vars.vip }}", expected: true},
		{name: "comparison", expr: `{{ eq .vars.tier "silver" }}`, expected: false},
		{name: "numeric comparison", expr: "{{ gt .vars.balance 10.0 }}", expected: true},
		{name: "not boolean", expr: "{{ .vars.name }}", wantErr: true},
		{name: "missing variable", expr: "{{ .vars.nope }}", wantErr: true},
		{name: "type mismatch", expr: "{{ gt .vars.name 1.0 }}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := RenderBool(tt.expr, testData())
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestReferences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		expected []string
	}{
		{name: "none", template: "Welcome", expected: []string{}},
		{name: "field", template: "{{ .vars.name }}", expected: []string{"name"}},
		{name: "alias root", template: "{{ .variables.tier }}", expected: []string{"tier"}},
		{name: "dollar", template: "{{ range .call.items }}{{ $.vars.name }}{{ end }}", expected: []string{"name"}},
		{name: "index", template: `{{ index .vars "balance" }}`, expected: []string{"balance"}},
		{
			name:     "nested control flow",
			template: `{{ if eq .vars.tier "gold" }}{{ .vars.name }}{{ else }}{{ with .vars.vip }}x{{ end }}{{ end }}`,
			expected: []string{"name", "tier", "vip"},
		},
		{name: "pipeline", template: "{{ .vars.name | upper }}", expected: []string{"name"}},
		{name: "call metadata only", template: "{{ .call.from }}", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			refs, err := References(tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, refs)
		})
	}
}

func TestPaths(t *testing.T) {
	t.Parallel()

	paths, err := Paths(`{{ .foo }} {{ .call.bogus }} {{ index .call "from" }} {{ $.vars.name }} {{ .vars.name }}`)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"call"}, {"call", "bogus"}, {"call", "from"}, {"foo"}, {"vars", "name"}}, paths)

	paths, err = Paths("{{ range .vars.items }}{{ .label }}{{ $.call.to }}{{ end }}")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"call", "to"}, {"vars", "items"}}, paths)

	assert.True(t, IsCallField(CallOrganizationID))
	assert.False(t, IsCallField("bogus"))
}

func TestReferences_InvalidTemplate(t *testing.T) {
	t.Parallel()

	_, err := References("{{ .vars.name ")
	require.Error(t, err)
}
