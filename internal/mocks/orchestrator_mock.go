package mocks

import (
	"context"

	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockOrchestrator is a mock implementation of the Orchestrator interface
type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) Connect(ctx context.Context, address string) models.ActionResult {
	return m.Called(ctx, address).Get(0).(models.ActionResult)
}

func (m *MockOrchestrator) SwitchToActiveInput(ctx context.Context, address string) models.ActionResult {
	return m.Called(ctx, address).Get(0).(models.ActionResult)
}

func (m *MockOrchestrator) PlayTimeoutMedia(ctx context.Context, address string) models.ActionResult {
	return m.Called(ctx, address).Get(0).(models.ActionResult)
}

func (m *MockOrchestrator) SendKey(ctx context.Context, address string, keycode int) models.ActionResult {
	return m.Called(ctx, address, keycode).Get(0).(models.ActionResult)
}

func (m *MockOrchestrator) SendControl(ctx context.Context, address, action string) models.ActionResult {
	return m.Called(ctx, address, action).Get(0).(models.ActionResult)
}

func (m *MockOrchestrator) RunTimeoutSequence(ctx context.Context, address string) models.ActionResult {
	return m.Called(ctx, address).Get(0).(models.ActionResult)
}

func (m *MockOrchestrator) RestartDaemon(ctx context.Context) models.ActionResult {
	return m.Called(ctx).Get(0).(models.ActionResult)
}
