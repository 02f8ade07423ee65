package state_managers_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/mocks"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/internal/state_managers"
	"github.com/benmeehan/adb-agent/pkg/file"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSessionStateManager_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sessions.json")
	manager := state_managers.NewSessionStateManager(path, file.NewFileService(), zerolog.Nop())

	sessions, err := manager.Load()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	deadline := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, manager.Save([]models.Session{
		{ID: "s1", Address: "10.0.0.5", Deadline: deadline, State: constants.SessionStateExtended, Extensions: 2},
	}))

	sessions, err = manager.Load()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.True(t, deadline.Equal(sessions[0].Deadline))
	assert.Equal(t, 2, sessions[0].Extensions)

	require.NoError(t, manager.Save(nil))
	sessions, err = manager.Load()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessionStateManager_RejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 9, "sessions": []}`), 0o600))

	manager := state_managers.NewSessionStateManager(path, file.NewFileService(), zerolog.Nop())
	_, err := manager.Load()
	assert.ErrorContains(t, err, "unsupported version 9")
}

func TestSessionStateManager_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":`), 0o600))

	manager := state_managers.NewSessionStateManager(path, file.NewFileService(), zerolog.Nop())
	_, err := manager.Load()
	assert.Error(t, err)
}

func TestSessionStateManager_PropagatesFileErrors(t *testing.T) {
	fileClient := new(mocks.MockFileOperations)
	fileClient.On("IsFileExists", "sessions.json").Return(false, errors.New("permission denied"))
	fileClient.On("WriteJsonFile", "sessions.json", mock.Anything).Return(errors.New("disk full"))

	manager := state_managers.NewSessionStateManager("sessions.json", fileClient, zerolog.Nop())

	_, err := manager.Load()
	assert.ErrorContains(t, err, "permission denied")
	assert.ErrorContains(t, manager.Save([]models.Session{{ID: "s1"}}), "disk full")
	fileClient.AssertExpectations(t)
}
