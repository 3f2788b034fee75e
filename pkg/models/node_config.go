package models

// Typed node configurations. Template-bearing fields are rendered with text/template
// against the call's variables ({{ .vars.name }}) and call metadata ({{ .call.from }}).

// StartConfig has no settings; it exists so every kind decodes to a typed value.
type StartConfig struct{}

// MenuConfig plays Prompt and waits for one of Options to be pressed.
type MenuConfig struct {
	Prompt         string   `json:"prompt"          validate:"required"`
	Options        []string `json:"options"         validate:"required,min=1,unique,dive,oneof=0 1 2 3 4 5 6 7 8 9 * #"`
	TimeoutSeconds int      `json:"timeout_seconds" validate:"gte=0,lte=600"`
	MaxRetries     int      `json:"max_retries"     validate:"gte=0,lte=10"`
}

// GatherInputConfig plays Prompt and stores the collected digits into StoreAs.
type GatherInputConfig struct {
	Prompt         string `json:"prompt"          validate:"required"`
	StoreAs        string `json:"store_as"        validate:"required"`
	MaxDigits      int    `json:"max_digits"      validate:"gte=0,lte=64"`
	FinishOnKey    string `json:"finish_on_key"   validate:"omitempty,oneof=* #"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"gte=0,lte=600"`
	MaxRetries     int    `json:"max_retries"     validate:"gte=0,lte=10"`
}

// PromptConfig plays a text-to-speech prompt.
type PromptConfig struct {
	Text     string `json:"text"     validate:"required"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
}

// SetVariableConfig assigns the rendered Value to Variable, coerced to its declared type.
type SetVariableConfig struct {
	Variable string `json:"variable" validate:"required"`
	Value    string `json:"value"`
}

// ConditionConfig branches on Expression, which must render to true or false.
type ConditionConfig struct {
	Expression string `json:"expression" validate:"required"`
}

// TransferConfig hands the call to Target.
type TransferConfig struct {
	Target         string `json:"target"          validate:"required"`
	CallerID       string `json:"caller_id"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"gte=0,lte=600"`
}

// HangUpConfig ends the call.
type HangUpConfig struct {
	Reason string `json:"reason"`
}

// WebhookConfig calls an external HTTP endpoint. Assign maps a declared variable to a
// dotted path inside the JSON response; ResponseSchema optionally validates the response.
type WebhookConfig struct {
	URL            string            `json:"url"             validate:"required"`
	Method         string            `json:"method"          validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	TimeoutSeconds int               `json:"timeout_seconds" validate:"gte=0,lte=120"`
	Assign         map[string]string `json:"assign"`
	ResponseSchema map[string]any    `json:"response_schema"`
}
