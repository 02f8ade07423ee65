package mocks

import (
	"context"

	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockDeviceLink is a mock implementation of the DeviceLink interface
type MockDeviceLink struct {
	mock.Mock
}

func (m *MockDeviceLink) Connect(ctx context.Context, address string) (models.Device, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(models.Device), args.Error(1)
}

func (m *MockDeviceLink) Verify(ctx context.Context, address string) (bool, error) {
	args := m.Called(ctx, address)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeviceLink) Probe(ctx context.Context, address string) bool {
	args := m.Called(ctx, address)
	return args.Bool(0)
}

func (m *MockDeviceLink) RestartDaemon(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDeviceLink) DaemonStatus(ctx context.Context) models.DaemonStatus {
	args := m.Called(ctx)
	return args.Get(0).(models.DaemonStatus)
}

func (m *MockDeviceLink) Device(address string) (models.Device, bool) {
	args := m.Called(address)
	return args.Get(0).(models.Device), args.Bool(1)
}

func (m *MockDeviceLink) Devices() []models.Device {
	args := m.Called()
	devices, _ := args.Get(0).([]models.Device)
	return devices
}
