package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableType_Coerce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		typ      VariableType
		input    any
		expected any
		wantErr  bool
	}{
		{name: "string from string", typ: VariableString, input: "abc", expected: "abc"},
		{name: "string from float", typ: VariableString, input: 12.5, expected: "12.5"},
		{name: "string from nil", typ: VariableString, input: nil, expected: ""},
		{name: "number from int", typ: VariableNumber, input: 3, expected: float64(3)},
		{name: "number from string", typ: VariableNumber, input: " 42 ", expected: float64(42)},
		{name: "number from json number", typ: VariableNumber, input: json.Number("7.25"), expected: 7.25},
		{name: "number from bad string", typ: VariableNumber, input: "abc", wantErr: true},
		{name: "number from bool", typ: VariableNumber, input: true, wantErr: true},
		{name: "boolean from string", typ: VariableBoolean, input: "true", expected: true},
		{name: "boolean from bool", typ: VariableBoolean, input: false, expected: false},
		{name: "boolean from number", typ: VariableBoolean, input: 1.0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := tt.typ.Coerce(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrTypeMismatch)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestVariable_Initial(t *testing.T) {
	t.Parallel()

	v, err := Variable{Name: "count", Type: VariableNumber}.Initial()
	require.NoError(t, err)
	assert.Equal(t, float64(0), v)

	v, err = Variable{Name: "vip", Type: VariableBoolean, Default: "true"}.Initial()
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = Variable{Name: "vip", Type: VariableBoolean, Default: "maybe"}.Initial()
	require.Error(t, err)
}

func TestDefinition_CloneIsDeep(t *testing.T) {
	t.Parallel()

	def := &Definition{
		Nodes: []*Node{
			{ID: "menu", Kind: KindMenu, Config: map[string]any{
				"prompt":  "Press 1",
				"options": []any{"1"},
				"nested":  map[string]any{"k": "v"},
			}},
		},
		Edges:     []*Edge{{ID: "e1", Source: "menu", Discriminator: "1", Target: "end"}},
		Variables: []Variable{{Name: "x", Type: VariableString, Default: "a"}},
		Settings:  Settings{MaxSteps: 10},
	}

	clone := def.Clone()
	require.Equal(t, def, clone)

	clone.Nodes[0].Config["prompt"] = "changed"
	clone.Nodes[0].Config["options"].([]any)[0] = "9"
	clone.Nodes[0].Config["nested"].(map[string]any)["k"] = "changed"
	clone.Edges[0].Target = "other"

	assert.Equal(t, "Press 1", def.Nodes[0].Config["prompt"])
	assert.Equal(t, "1", def.Nodes[0].Config["options"].([]any)[0])
	assert.Equal(t, "v", def.Nodes[0].Config["nested"].(map[string]any)["k"])
	assert.Equal(t, "end", def.Edges[0].Target)
	assert.Nil(t, (*Definition)(nil).Clone())
}

func TestNodeKind(t *testing.T) {
	t.Parallel()

	assert.True(t, KindMenu.Valid())
	assert.False(t, NodeKind("loop").Valid())
	assert.True(t, KindHangUp.Terminal())
	assert.True(t, KindTransfer.Terminal())
	assert.False(t, KindMenu.Terminal())
	assert.True(t, KindWebhook.Interactive())
	assert.False(t, KindSetVariable.Interactive())
	assert.True(t, IsDigit("#"))
	assert.False(t, IsDigit("12"))
}

func TestCallSession_CloneAndDuration(t *testing.T) {
	t.Parallel()

	started := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(42 * time.Second)

	session := &CallSession{
		CallID:    "call-1",
		State:     SessionCompleted,
		Variables: map[string]any{"x": "a"},
		Visits:    []Visit{{NodeID: "start"}},
		Pending:   &PendingInput{CommandID: "cmd"},
		StartedAt: started,
		EndedAt:   &ended,
	}

	clone := session.Clone()
	clone.Variables["x"] = "b"
	clone.Visits[0].NodeID = "other"
	clone.Pending.CommandID = "other"

	assert.Equal(t, "a", session.Variables["x"])
	assert.Equal(t, "start", session.Visits[0].NodeID)
	assert.Equal(t, "cmd", session.Pending.CommandID)
	assert.True(t, session.Terminal())
	assert.Equal(t, 42*time.Second, session.Duration())
}

func TestFlow_IsPublished(t *testing.T) {
	t.Parallel()

	flow := &Flow{}
	assert.False(t, flow.IsPublished())

	v := 2
	flow.PublishedVersion = &v
	assert.True(t, flow.IsPublished())

	clone := flow.Clone()
	*clone.PublishedVersion = 3
	assert.Equal(t, 2, *flow.PublishedVersion)
}
