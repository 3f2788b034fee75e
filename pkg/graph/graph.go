// Package graph provides the indexed, read-only view of a flow definition used by
// validation and execution. All lookups are by id through hash maps.
package graph

import (
	"fmt"
	"sort"

	"github.com/dukex/callflow/pkg/models"
)

type edgeKey struct {
	source        string
	discriminator string
}

// Graph is an indexed flow definition. It is immutable after New returns.
type Graph struct {
	definition *models.Definition
	nodes      map[string]*models.Node
	configs    map[string]any
	nodeIDs    []string
	outgoing   map[string][]*models.Edge
	edges      map[edgeKey]*models.Edge
	variables  map[string]models.Variable
	starts     []string
}

// New indexes def. It only guarantees referential shape: unique ids, known kinds,
// decodable configs and edges whose endpoints exist. Semantic checks belong to validation.
func New(def *models.Definition) (*Graph, error) {
	if def == nil {
		return nil, &MalformedGraphError{Problems: []string{"definition is nil"}}
	}

	g := &Graph{
		definition: def,
		nodes:      make(map[string]*models.Node, len(def.Nodes)),
		configs:    make(map[string]any, len(def.Nodes)),
		outgoing:   make(map[string][]*models.Edge),
		edges:      make(map[edgeKey]*models.Edge, len(def.Edges)),
		variables:  make(map[string]models.Variable, len(def.Variables)),
	}

	var problems []string

	for i, node := range def.Nodes {
		if node == nil || node.ID == "" {
			problems = append(problems, fmt.Sprintf("node at index %d has no id", i))

			continue
		}

		if _, exists := g.nodes[node.ID]; exists {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", node.ID))

			continue
		}

		if !node.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("node %q has unknown kind %q", node.ID, node.Kind))

			continue
		}

		config, err := DecodeConfig(node)
		if err != nil {
			problems = append(problems, fmt.Sprintf("node %q: %v", node.ID, err))

			continue
		}

		g.nodes[node.ID] = node
		g.configs[node.ID] = config
		g.nodeIDs = append(g.nodeIDs, node.ID)

		if node.Kind == models.KindStart {
			g.starts = append(g.starts, node.ID)
		}
	}

	edgeIDs := make(map[string]bool, len(def.Edges))

	for i, edge := range def.Edges {
		if edge == nil || edge.ID == "" {
			problems = append(problems, fmt.Sprintf("edge at index %d has no id", i))

			continue
		}

		if edgeIDs[edge.ID] {
			problems = append(problems, fmt.Sprintf("duplicate edge id %q", edge.ID))

			continue
		}

		edgeIDs[edge.ID] = true

		if _, ok := g.nodes[edge.Source]; !ok {
			problems = append(problems, fmt.Sprintf("edge %q references missing source node %q", edge.ID, edge.Source))

			continue
		}

		if _, ok := g.nodes[edge.Target]; !ok {
			problems = append(problems, fmt.Sprintf("edge %q references missing target node %q", edge.ID, edge.Target))

			continue
		}

		if edge.Discriminator == "" {
			problems = append(problems, fmt.Sprintf("edge %q has no discriminator", edge.ID))

			continue
		}

		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)

		key := edgeKey{source: edge.Source, discriminator: edge.Discriminator}
		if _, exists := g.edges[key]; !exists {
			g.edges[key] = edge
		}
	}

	for _, variable := range def.Variables {
		if _, exists := g.variables[variable.Name]; !exists {
			g.variables[variable.Name] = variable
		}
	}

	if len(problems) > 0 {
		return nil, &MalformedGraphError{Problems: problems}
	}

	sort.Strings(g.nodeIDs)
	sort.Strings(g.starts)

	return g, nil
}

// Definition returns the definition the graph was built from.
func (g *Graph) Definition() *models.Definition {
	return g.definition
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*models.Node, bool) {
	node, ok := g.nodes[id]

	return node, ok
}

// Config returns the typed configuration of a node, e.g. *models.MenuConfig.
func (g *Graph) Config(id string) any {
	return g.configs[id]
}

// NodeIDs returns all node ids in sorted order.
func (g *Graph) NodeIDs() []string {
	return g.nodeIDs
}

// Edge returns the edge leaving source for discriminator. When a definition carries
// duplicates, the first declared edge wins.
func (g *Graph) Edge(source, discriminator string) (*models.Edge, bool) {
	edge, ok := g.edges[edgeKey{source: source, discriminator: discriminator}]

	return edge, ok
}

// Outgoing returns every edge leaving a node in declaration order, duplicates included.
func (g *Graph) Outgoing(id string) []*models.Edge {
	return g.outgoing[id]
}

// Variable returns a declared variable by name.
func (g *Graph) Variable(name string) (models.Variable, bool) {
	variable, ok := g.variables[name]

	return variable, ok
}

// Variables returns the declared variables in declaration order.
func (g *Graph) Variables() []models.Variable {
	return g.definition.Variables
}

// StartNodes returns the ids of all start nodes, sorted.
func (g *Graph) StartNodes() []string {
	return g.starts
}

// Settings returns the flow's execution settings.
func (g *Graph) Settings() models.Settings {
	return g.definition.Settings
}
