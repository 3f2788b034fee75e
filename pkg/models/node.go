package models

// NodeKind is the closed set of node kinds a flow graph may contain.
type NodeKind string

const (
	KindStart       NodeKind = "start"
	KindMenu        NodeKind = "menu"
	KindGatherInput NodeKind = "gather-input"
	KindPlayPrompt  NodeKind = "play-prompt"
	KindSetVariable NodeKind = "set-variable"
	KindConditional NodeKind = "conditional-branch"
	KindTransfer    NodeKind = "transfer"
	KindHangUp      NodeKind = "hang-up"
	KindWebhook     NodeKind = "external-webhook"
)

var nodeKinds = map[NodeKind]bool{
	KindStart:       true,
	KindMenu:        true,
	KindGatherInput: true,
	KindPlayPrompt:  true,
	KindSetVariable: true,
	KindConditional: true,
	KindTransfer:    true,
	KindHangUp:      true,
	KindWebhook:     true,
}

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	return nodeKinds[k]
}

// Terminal kinds may have no outgoing edges.
func (k NodeKind) Terminal() bool {
	return k == KindHangUp || k == KindTransfer
}

// Interactive kinds suspend the session until an external event arrives.
func (k NodeKind) Interactive() bool {
	switch k {
	case KindMenu, KindGatherInput, KindWebhook, KindTransfer:
		return true
	default:
		return false
	}
}

// Node is one step in a call flow. Config holds the kind-specific payload which the
// graph package decodes into the typed configuration for Kind.
type Node struct {
	ID        string         `json:"id"                   yaml:"id"`
	Kind      NodeKind       `json:"kind"                 yaml:"kind"`
	Name      string         `json:"name,omitempty"       yaml:"name"`
	Config    map[string]any `json:"config,omitempty"     yaml:"config"`
	PositionX int            `json:"position_x,omitempty" yaml:"position_x"`
	PositionY int            `json:"position_y,omitempty" yaml:"position_y"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}

	clone := *n
	clone.Config = copyMap(n.Config)

	return &clone
}

// Discriminators select an outgoing edge.
const (
	DiscriminatorNext     = "next"
	DiscriminatorTrue     = "true"
	DiscriminatorFalse    = "false"
	DiscriminatorDefault  = "default"
	DiscriminatorTimeout  = "timeout"
	DiscriminatorSuccess  = "success"
	DiscriminatorError    = "error"
	DiscriminatorAnswered = "answered"
	DiscriminatorBusy     = "busy"
	DiscriminatorNoAnswer = "no-answer"
	DiscriminatorFailed   = "failed"
)

// IsDigit reports whether s is a single DTMF key.
func IsDigit(s string) bool {
	if len(s) != 1 {
		return false
	}

	c := s[0]

	return (c >= '0' && c <= '9') || c == '*' || c == '#'
}
