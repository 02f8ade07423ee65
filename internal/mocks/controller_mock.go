package mocks

import (
	"context"
	"time"

	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockController is a mock implementation of the HTTP API's Controller interface
type MockController struct {
	mock.Mock
}

func (m *MockController) StartSession(ctx context.Context, id, address string, durationSeconds int) (models.Session, error) {
	args := m.Called(ctx, id, address, durationSeconds)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockController) StartSessionUntil(ctx context.Context, id, address string, deadline time.Time) (models.Session, error) {
	args := m.Called(ctx, id, address, deadline)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockController) ExtendSession(ctx context.Context, id string, additionalSeconds int) (models.Session, error) {
	args := m.Called(ctx, id, additionalSeconds)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockController) ExtendSessionUntil(ctx context.Context, id string, deadline time.Time) (models.Session, error) {
	args := m.Called(ctx, id, deadline)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockController) CancelSession(ctx context.Context, id string) (models.Session, bool) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Session), args.Bool(1)
}

func (m *MockController) TriggerImmediateTimeout(ctx context.Context, id string) (models.ActionResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.ActionResult), args.Error(1)
}

func (m *MockController) GetSession(id string) (models.Session, error) {
	args := m.Called(id)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockController) ListSessions() []models.Session {
	sessions, _ := m.Called().Get(0).([]models.Session)
	return sessions
}

func (m *MockController) SwitchInput(ctx context.Context, address string) models.ActionResult {
	return m.Called(ctx, address).Get(0).(models.ActionResult)
}

func (m *MockController) SendKey(ctx context.Context, address string, keycode int) models.ActionResult {
	return m.Called(ctx, address, keycode).Get(0).(models.ActionResult)
}

func (m *MockController) SendControl(ctx context.Context, address, action string) models.ActionResult {
	return m.Called(ctx, address, action).Get(0).(models.ActionResult)
}

func (m *MockController) PlayTimeoutMedia(ctx context.Context, address string) models.ActionResult {
	return m.Called(ctx, address).Get(0).(models.ActionResult)
}

func (m *MockController) Connect(ctx context.Context, address string) models.ActionResult {
	return m.Called(ctx, address).Get(0).(models.ActionResult)
}

func (m *MockController) RestartDaemon(ctx context.Context) models.ActionResult {
	return m.Called(ctx).Get(0).(models.ActionResult)
}

func (m *MockController) DaemonStatus(ctx context.Context) models.DaemonStatus {
	return m.Called(ctx).Get(0).(models.DaemonStatus)
}

func (m *MockController) Devices() []models.Device {
	devices, _ := m.Called().Get(0).([]models.Device)
	return devices
}

func (m *MockController) DeviceStatus(ctx context.Context, address string) (models.DeviceStatus, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(models.DeviceStatus), args.Error(1)
}

func (m *MockController) GetFleetStatus(ctx context.Context, addresses []string) models.FleetStatus {
	return m.Called(ctx, addresses).Get(0).(models.FleetStatus)
}
