package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/dukex/callflow/pkg/graph"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/template"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

var variableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validator checks graphs for publishability. It is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

// New creates a validator.
func New() *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}

		return name
	})

	return &Validator{validate: validate}
}

// ValidateDefinition indexes def and validates it. Structural corruption is returned as
// a *graph.MalformedGraphError, semantic defects as a *ValidationError.
func (v *Validator) ValidateDefinition(def *models.Definition) error {
	g, err := graph.New(def)
	if err != nil {
		return err
	}

	return v.Validate(g)
}

// Validate collects every publish blocker in g. The result depends only on the graph's
// content, never on declaration order.
func (v *Validator) Validate(g *graph.Graph) error {
	var reasons []Reason

	reasons = append(reasons, v.checkStart(g)...)
	reasons = append(reasons, v.checkReachability(g)...)
	reasons = append(reasons, v.checkVariables(g)...)
	reasons = append(reasons, v.checkSettings(g)...)

	for _, id := range g.NodeIDs() {
		node, _ := g.Node(id)
		config := g.Config(id)

		reasons = append(reasons, v.checkConfig(node, config)...)
		reasons = append(reasons, v.checkEdges(g, node, config)...)
		reasons = append(reasons, v.checkReferences(g, node, config)...)
	}

	if len(reasons) == 0 {
		return nil
	}

	return &ValidationError{Reasons: normalize(reasons)}
}

func (v *Validator) checkStart(g *graph.Graph) []Reason {
	starts := g.StartNodes()

	switch {
	case len(starts) == 0:
		return []Reason{{Code: CodeMissingStart, Detail: "graph has no start node"}}
	case len(starts) > 1:
		reasons := make([]Reason, 0, len(starts))
		for _, id := range starts {
			reasons = append(reasons, Reason{Code: CodeMultipleStart, NodeID: id})
		}

		return reasons
	default:
		return nil
	}
}

// checkReachability walks breadth-first from every start node. Without a start node
// every node would be unreachable, which MissingStart already reports.
func (v *Validator) checkReachability(g *graph.Graph) []Reason {
	starts := g.StartNodes()
	if len(starts) == 0 {
		return nil
	}

	visited := make(map[string]bool, len(g.NodeIDs()))
	queue := append([]string(nil), starts...)

	for _, id := range starts {
		visited[id] = true
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range g.Outgoing(current) {
			if !visited[edge.Target] {
				visited[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}

	var reasons []Reason

	for _, id := range g.NodeIDs() {
		if !visited[id] {
			reasons = append(reasons, Reason{Code: CodeUnreachable, NodeID: id})
		}
	}

	return reasons
}

func (v *Validator) checkVariables(g *graph.Graph) []Reason {
	var reasons []Reason

	seen := map[string]bool{}

	for _, variable := range g.Variables() {
		switch {
		case !variableNamePattern.MatchString(variable.Name):
			reasons = append(reasons, Reason{Code: CodeInvalidVariable, Detail: fmt.Sprintf("variable %q has an invalid name", variable.Name)})

			continue
		case seen[variable.Name]:
			reasons = append(reasons, Reason{Code: CodeInvalidVariable, Detail: fmt.Sprintf("variable %q is declared more than once", variable.Name)})

			continue
		}

		seen[variable.Name] = true

		if !variable.Type.Valid() {
			reasons = append(reasons, Reason{Code: CodeInvalidVariable, Detail: fmt.Sprintf("variable %q has unknown type %q", variable.Name, variable.Type)})

			continue
		}

		if _, err := variable.Initial(); err != nil {
			reasons = append(reasons, Reason{Code: CodeInvalidVariable, Detail: fmt.Sprintf("variable %q default: %v", variable.Name, err)})
		}
	}

	return reasons
}

func (v *Validator) checkSettings(g *graph.Graph) []Reason {
	settings := g.Settings()

	return v.structReasons("", &settings)
}

func (v *Validator) checkConfig(node *models.Node, config any) []Reason {
	reasons := v.structReasons(node.ID, config)

	if webhook, ok := config.(*models.WebhookConfig); ok && len(webhook.ResponseSchema) > 0 {
		_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(webhook.ResponseSchema))
		if err != nil {
			reasons = append(reasons, Reason{Code: CodeInvalidConfig, NodeID: node.ID, Detail: "response_schema: " + err.Error()})
		}
	}

	return reasons
}

func (v *Validator) structReasons(nodeID string, value any) []Reason {
	err := v.validate.Struct(value)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []Reason{{Code: CodeInvalidConfig, NodeID: nodeID, Detail: err.Error()}}
	}

	reasons := make([]Reason, 0, len(fieldErrors))

	for _, fe := range fieldErrors {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}

		reasons = append(reasons, Reason{
			Code:   CodeInvalidConfig,
			NodeID: nodeID,
			Detail: fmt.Sprintf("%s failed on %s", fe.Field(), rule),
		})
	}

	return reasons
}

func (v *Validator) checkEdges(g *graph.Graph, node *models.Node, config any) []Reason {
	var reasons []Reason

	counts := map[string]int{}
	for _, edge := range g.Outgoing(node.ID) {
		counts[edge.Discriminator]++
	}

	allowed := allowedDiscriminators(node.Kind, config)

	for discriminator, n := range counts {
		if n > 1 {
			reasons = append(reasons, Reason{
				Code:          CodeDuplicateEdge,
				NodeID:        node.ID,
				Discriminator: discriminator,
				Detail:        fmt.Sprintf("%d edges", n),
			})
		}

		if !allowed[discriminator] {
			detail := fmt.Sprintf("not valid for %s nodes", node.Kind)
			if node.Kind == models.KindHangUp {
				detail = "hang-up nodes cannot have outgoing edges"
			}

			reasons = append(reasons, Reason{
				Code:          CodeInvalidDiscriminator,
				NodeID:        node.ID,
				Discriminator: discriminator,
				Detail:        detail,
			})
		}
	}

	for _, discriminator := range requiredDiscriminators(node.Kind, config, counts) {
		if counts[discriminator] == 0 {
			reasons = append(reasons, Reason{Code: CodeMissingEdge, NodeID: node.ID, Discriminator: discriminator})
		}
	}

	return reasons
}

func allowedDiscriminators(kind models.NodeKind, config any) map[string]bool {
	set := func(values ...string) map[string]bool {
		m := make(map[string]bool, len(values))
		for _, value := range values {
			m[value] = true
		}

		return m
	}

	switch kind {
	case models.KindStart, models.KindPlayPrompt, models.KindSetVariable:
		return set(models.DiscriminatorNext)
	case models.KindGatherInput:
		return set(models.DiscriminatorNext, models.DiscriminatorTimeout, models.DiscriminatorDefault)
	case models.KindMenu:
		allowed := set(models.DiscriminatorDefault, models.DiscriminatorTimeout)
		if menu, ok := config.(*models.MenuConfig); ok {
			for _, option := range menu.Options {
				allowed[option] = true
			}
		}

		return allowed
	case models.KindConditional:
		return set(models.DiscriminatorTrue, models.DiscriminatorFalse, models.DiscriminatorDefault)
	case models.KindWebhook:
		return set(models.DiscriminatorSuccess, models.DiscriminatorError, models.DiscriminatorDefault)
	case models.KindTransfer:
		return set(models.DiscriminatorAnswered, models.DiscriminatorBusy, models.DiscriminatorNoAnswer,
			models.DiscriminatorFailed, models.DiscriminatorDefault)
	default:
		return set()
	}
}

func requiredDiscriminators(kind models.NodeKind, config any, present map[string]int) []string {
	switch kind {
	case models.KindStart, models.KindPlayPrompt, models.KindSetVariable, models.KindGatherInput:
		return []string{models.DiscriminatorNext}
	case models.KindMenu:
		if menu, ok := config.(*models.MenuConfig); ok {
			return menu.Options
		}

		return nil
	case models.KindConditional:
		if present[models.DiscriminatorDefault] > 0 {
			return nil
		}

		return []string{models.DiscriminatorTrue, models.DiscriminatorFalse}
	case models.KindWebhook:
		if present[models.DiscriminatorDefault] > 0 {
			return []string{models.DiscriminatorSuccess}
		}

		return []string{models.DiscriminatorSuccess, models.DiscriminatorError}
	default:
		return nil
	}
}

func (v *Validator) checkReferences(g *graph.Graph, node *models.Node, config any) []Reason {
	var reasons []Reason

	for _, field := range templateFields(config) {
		if field.value == "" {
			continue
		}

		paths, err := template.Paths(field.value)
		if err != nil {
			reasons = append(reasons, Reason{
				Code:   CodeInvalidConfig,
				NodeID: node.ID,
				Detail: fmt.Sprintf("%s is not a valid template", field.name),
			})

			continue
		}

		for _, path := range paths {
			if reason, ok := checkPath(g, node.ID, field.name, path); !ok {
				reasons = append(reasons, reason)
			}
		}
	}

	for _, name := range assignedVariables(config) {
		if _, ok := g.Variable(name); !ok {
			reasons = append(reasons, Reason{Code: CodeUnknownVariable, NodeID: node.ID, Detail: fmt.Sprintf("variable %q", name)})
		}
	}

	return reasons
}

// checkPath reports whether a template path resolves at runtime. Variables are scalars
// and call metadata is a flat map, so neither can be read any deeper.
func checkPath(g *graph.Graph, nodeID, field string, path []string) (Reason, bool) {
	ref := "." + strings.Join(path, ".")
	root := path[0]

	switch {
	case template.IsVariableRoot(root):
		if len(path) == 1 {
			return Reason{}, true
		}

		if _, ok := g.Variable(path[1]); !ok {
			return Reason{Code: CodeUnknownVariable, NodeID: nodeID, Detail: fmt.Sprintf("variable %q", path[1])}, false
		}
	case root == "call":
		if len(path) == 1 {
			return Reason{}, true
		}

		if !template.IsCallField(path[1]) {
			return Reason{Code: CodeUnknownVariable, NodeID: nodeID, Detail: fmt.Sprintf("call metadata %q", path[1])}, false
		}
	default:
		return Reason{Code: CodeInvalidConfig, NodeID: nodeID, Detail: fmt.Sprintf("%s reads unknown field %s", field, ref)}, false
	}

	if len(path) > 2 {
		return Reason{Code: CodeInvalidConfig, NodeID: nodeID, Detail: fmt.Sprintf("%s reads into scalar value %s", field, ref)}, false
	}

	return Reason{}, true
}

type templateField struct {
	name  string
	value string
}

func templateFields(config any) []templateField {
	switch c := config.(type) {
	case *models.MenuConfig:
		return []templateField{{"prompt", c.Prompt}}
	case *models.GatherInputConfig:
		return []templateField{{"prompt", c.Prompt}}
	case *models.PromptConfig:
		return []templateField{{"text", c.Text}}
	case *models.SetVariableConfig:
		return []templateField{{"value", c.Value}}
	case *models.ConditionConfig:
		return []templateField{{"expression", c.Expression}}
	case *models.TransferConfig:
		return []templateField{{"target", c.Target}, {"caller_id", c.CallerID}}
	case *models.WebhookConfig:
		fields := []templateField{{"url", c.URL}, {"body", c.Body}}
		for key, value := range c.Headers {
			fields = append(fields, templateField{"headers." + key, value})
		}

		return fields
	default:
		return nil
	}
}

// assignedVariables returns variables a node writes to by name rather than through a template.
func assignedVariables(config any) []string {
	switch c := config.(type) {
	case *models.SetVariableConfig:
		if c.Variable != "" {
			return []string{c.Variable}
		}
	case *models.GatherInputConfig:
		if c.StoreAs != "" {
			return []string{c.StoreAs}
		}
	case *models.WebhookConfig:
		names := make([]string, 0, len(c.Assign))
		for name := range c.Assign {
			names = append(names, name)
		}

		return names
	}

	return nil
}

func normalize(reasons []Reason) []Reason {
	seen := make(map[Reason]bool, len(reasons))
	unique := make([]Reason, 0, len(reasons))

	for _, reason := range reasons {
		if !seen[reason] {
			seen[reason] = true
			unique = append(unique, reason)
		}
	}

	sort.Slice(unique, func(i, j int) bool {
		return unique[i].less(unique[j])
	})

	return unique
}
