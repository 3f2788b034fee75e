// Package template provides templating for prompts, conditions and webhook requests.
// Templates use text/template syntax with the call's variables under .vars (or .variables)
// and call metadata under .call.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Data is the root object templates are executed against.
type Data map[string]any

// NewData builds template data from variable bindings and call metadata.
func NewData(variables map[string]any, call map[string]any) Data {
	if variables == nil {
		variables = map[string]any{}
	}

	if call == nil {
		call = map[string]any{}
	}

	return Data{
		"vars":      variables,
		"variables": variables,
		"call":      call,
	}
}

// Call metadata keys available under .call.
const (
	CallID             = "id"
	CallFrom           = "from"
	CallTo             = "to"
	CallFlowID         = "flow_id"
	CallVersion        = "version"
	CallOrganizationID = "organization_id"
)

var callFields = map[string]bool{
	CallID:             true,
	CallFrom:           true,
	CallTo:             true,
	CallFlowID:         true,
	CallVersion:        true,
	CallOrganizationID: true,
}

// IsCallField reports whether name is a key of the .call metadata.
func IsCallField(name string) bool {
	return callFields[name]
}

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"default": func(fallback, value any) any {
		if value == nil || value == "" {
			return fallback
		}

		return value
	},
}

// Parse compiles a template. Missing map keys are execution errors so that a
// reference to an unset value fails instead of rendering "<no value>".
func Parse(templateStr string) (*template.Template, error) {
	tmpl, err := template.New("callflow").Funcs(funcs).Option("missingkey=error").Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return tmpl, nil
}

// RenderString executes a template and returns the trimmed output.
func RenderString(templateStr string, data Data) (string, error) {
	tmpl, err := Parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// Render executes a template and infers a value from the output: JSON objects and
// arrays are decoded, numbers become float64 and booleans bool; anything else is a string.
func Render(templateStr string, data Data) (any, error) {
	result, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderBool executes a condition template. The output must be exactly a boolean literal.
func RenderBool(templateStr string, data Data) (bool, error) {
	result, err := RenderString(templateStr, data)
	if err != nil {
		return false, err
	}

	b, err := strconv.ParseBool(result)
	if err != nil {
		return false, fmt.Errorf("condition '%s' rendered %q, not a boolean", templateStr, result)
	}

	return b, nil
}
