// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/dukex/callflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestNode creates a play-prompt node with default values that can be overridden.
func CreateTestNode(overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{
		ID:        uuid.New().String(),
		Kind:      models.KindPlayPrompt,
		Name:      "Test Node",
		Config:    map[string]any{"text": "hello"},
		PositionX: 100,
		PositionY: 200,
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithID sets the node id.
func WithID(id string) func(*models.Node) {
	return func(n *models.Node) {
		n.ID = id
	}
}

// WithKind sets the node kind.
func WithKind(kind models.NodeKind) func(*models.Node) {
	return func(n *models.Node) {
		n.Kind = kind
	}
}

// WithConfig sets the node configuration.
func WithConfig(config map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Config = config
	}
}

// NewEdge creates an edge with an id derived from its endpoints.
func NewEdge(source, discriminator, target string) *models.Edge {
	return &models.Edge{
		ID:            source + "-" + discriminator + "-" + target,
		Source:        source,
		Discriminator: discriminator,
		Target:        target,
	}
}

// SalesSupportDefinition returns start -> menu(1,2) -> sales|support prompt -> hangup.
func SalesSupportDefinition() *models.Definition {
	return &models.Definition{
		Nodes: []*models.Node{
			{ID: "start", Kind: models.KindStart, Name: "Start"},
			{ID: "menu", Kind: models.KindMenu, Name: "Main menu", Config: map[string]any{
				"prompt":          "Press 1 for sales, 2 for support",
				"options":         []any{"1", "2"},
				"timeout_seconds": 5,
			}},
			{ID: "sales", Kind: models.KindPlayPrompt, Name: "Sales", Config: map[string]any{"text": "sales"}},
			{ID: "support", Kind: models.KindPlayPrompt, Name: "Support", Config: map[string]any{"text": "support"}},
			{ID: "hangup", Kind: models.KindHangUp, Name: "Goodbye"},
		},
		Edges: []*models.Edge{
			{ID: "start-menu", Source: "start", Discriminator: models.DiscriminatorNext, Target: "menu"},
			{ID: "menu-1", Source: "menu", Discriminator: "1", Target: "sales"},
			{ID: "menu-2", Source: "menu", Discriminator: "2", Target: "support"},
			{ID: "sales-hangup", Source: "sales", Discriminator: models.DiscriminatorNext, Target: "hangup"},
			{ID: "support-hangup", Source: "support", Discriminator: models.DiscriminatorNext, Target: "hangup"},
		},
	}
}

// BranchingDefinition returns a flow exercising variables, a condition, a webhook and a transfer:
//
//	start -> set tier -> check(vip?) -true-> transfer(agent)
//	                                 -false-> lookup webhook -success-> greet -> hangup
//	                                                         -error-> hangup
func BranchingDefinition() *models.Definition {
	return &models.Definition{
		Variables: []models.Variable{
			{Name: "tier", Type: models.VariableString, Default: "basic"},
			{Name: "vip", Type: models.VariableBoolean, Default: false},
			{Name: "balance", Type: models.VariableNumber},
		},
		Nodes: []*models.Node{
			{ID: "start", Kind: models.KindStart},
			{ID: "set-tier", Kind: models.KindSetVariable, Config: map[string]any{
				"variable": "vip",
				"value":    `{{ eq .vars.tier "gold" }}`,
			}},
			{ID: "check", Kind: models.KindConditional, Config: map[string]any{
				"expression": "{{ .vars.vip }}",
			}},
			{ID: "agent", Kind: models.KindTransfer, Config: map[string]any{"target": "+15550001111"}},
			{ID: "lookup", Kind: models.KindWebhook, Config: map[string]any{
				"url":    "https://crm.example.com/customers?phone={{ .call.from }}",
				"method": "GET",
				"assign": map[string]any{"balance": "account.balance"},
			}},
			{ID: "greet", Kind: models.KindPlayPrompt, Config: map[string]any{
				"text": "Your balance is {{ .vars.balance }}",
			}},
			{ID: "hangup", Kind: models.KindHangUp},
		},
		Edges: []*models.Edge{
			NewEdge("start", models.DiscriminatorNext, "set-tier"),
			NewEdge("set-tier", models.DiscriminatorNext, "check"),
			NewEdge("check", models.DiscriminatorTrue, "agent"),
			NewEdge("check", models.DiscriminatorFalse, "lookup"),
			NewEdge("lookup", models.DiscriminatorSuccess, "greet"),
			NewEdge("lookup", models.DiscriminatorError, "hangup"),
			NewEdge("greet", models.DiscriminatorNext, "hangup"),
		},
	}
}

// LoopDefinition returns a graph with a cycle between two prompts and no way out.
func LoopDefinition() *models.Definition {
	return &models.Definition{
		Nodes: []*models.Node{
			{ID: "start", Kind: models.KindStart},
			{ID: "a", Kind: models.KindPlayPrompt, Config: map[string]any{"text": "a"}},
			{ID: "b", Kind: models.KindPlayPrompt, Config: map[string]any{"text": "b"}},
		},
		Edges: []*models.Edge{
			NewEdge("start", models.DiscriminatorNext, "a"),
			NewEdge("a", models.DiscriminatorNext, "b"),
			NewEdge("b", models.DiscriminatorNext, "a"),
		},
	}
}

// TestActor returns an actor belonging to organization "org-1".
func TestActor() models.Actor {
	return models.Actor{ID: "user-1", OrganizationID: "org-1"}
}
