package graph

import (
	"encoding/json"
	"fmt"

	"github.com/dukex/callflow/pkg/models"
)

// DecodeConfig converts a node's raw configuration into the typed configuration of its kind.
func DecodeConfig(node *models.Node) (any, error) {
	var target any

	switch node.Kind {
	case models.KindStart:
		target = &models.StartConfig{}
	case models.KindMenu:
		target = &models.MenuConfig{}
	case models.KindGatherInput:
		target = &models.GatherInputConfig{}
	case models.KindPlayPrompt:
		target = &models.PromptConfig{}
	case models.KindSetVariable:
		target = &models.SetVariableConfig{}
	case models.KindConditional:
		target = &models.ConditionConfig{}
	case models.KindTransfer:
		target = &models.TransferConfig{}
	case models.KindHangUp:
		target = &models.HangUpConfig{}
	case models.KindWebhook:
		target = &models.WebhookConfig{}
	default:
		return nil, fmt.Errorf("unknown node kind %q", node.Kind)
	}

	if len(node.Config) == 0 {
		return target, nil
	}

	raw, err := json.Marshal(node.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	err = json.Unmarshal(raw, target)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s config: %w", node.Kind, err)
	}

	return target, nil
}
