package mocks

import (
	"context"

	"github.com/dukex/callflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockCommander is a mock implementation of engine.Commander.
type MockCommander struct {
	mock.Mock
}

func (m *MockCommander) Send(ctx context.Context, command *models.Command) error {
	args := m.Called(ctx, command)

	return args.Error(0)
}

// MockWebhookCaller is a mock implementation of telephony.WebhookCaller.
type MockWebhookCaller struct {
	mock.Mock
}

func (m *MockWebhookCaller) Call(ctx context.Context, command *models.Command) *models.WebhookResult {
	args := m.Called(ctx, command)

	result, _ := args.Get(0).(*models.WebhookResult)

	return result
}
