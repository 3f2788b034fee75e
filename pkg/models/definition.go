package models

// Definition is the graph of a flow: nodes, edges, variable declarations and settings.
// It is stored and serialized as a single unit.
type Definition struct {
	Nodes     []*Node    `json:"nodes"     yaml:"nodes"`
	Edges     []*Edge    `json:"edges"     yaml:"edges"`
	Variables []Variable `json:"variables" yaml:"variables"`
	Settings  Settings   `json:"settings"  yaml:"settings"`
}

// Settings are flow-wide execution settings.
type Settings struct {
	// MaxSteps overrides the engine's node traversal limit when greater than zero.
	MaxSteps int    `json:"max_steps,omitempty" yaml:"max_steps" validate:"gte=0"`
	Language string `json:"language,omitempty"  yaml:"language"`
	Voice    string `json:"voice,omitempty"     yaml:"voice"`
}

// Edge is a deterministic transition from Source to Target selected by Discriminator.
type Edge struct {
	ID            string `json:"id"            yaml:"id"`
	Source        string `json:"source"        yaml:"source"`
	Discriminator string `json:"discriminator" yaml:"discriminator"`
	Target        string `json:"target"        yaml:"target"`
}

// Clone returns a deep copy of the definition. Versions are snapshots taken with Clone
// so that later draft edits never reach published content.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}

	clone := &Definition{
		Nodes:     make([]*Node, 0, len(d.Nodes)),
		Edges:     make([]*Edge, 0, len(d.Edges)),
		Variables: make([]Variable, 0, len(d.Variables)),
		Settings:  d.Settings,
	}

	for _, node := range d.Nodes {
		clone.Nodes = append(clone.Nodes, node.Clone())
	}

	for _, edge := range d.Edges {
		if edge == nil {
			clone.Edges = append(clone.Edges, nil)

			continue
		}

		e := *edge
		clone.Edges = append(clone.Edges, &e)
	}

	for _, variable := range d.Variables {
		variable.Default = copyValue(variable.Default)
		clone.Variables = append(clone.Variables, variable)
	}

	return clone
}

func copyMap(original map[string]any) map[string]any {
	if original == nil {
		return nil
	}

	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = copyValue(v)
	}

	return copied
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return copyMap(v)
	case []any:
		copied := make([]any, len(v))
		for i, item := range v {
			copied[i] = copyValue(item)
		}

		return copied
	case []string:
		return append([]string(nil), v...)
	case map[string]string:
		copied := make(map[string]string, len(v))
		for k, s := range v {
			copied[k] = s
		}

		return copied
	default:
		return v
	}
}
