package state_managers

import (
	"fmt"
	"sync"

	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/pkg/file"
	"github.com/rs/zerolog"
)

// sessionState is the on-disk layout of the session table.
type sessionState struct {
	Version  int              `json:"version"`
	Sessions []models.Session `json:"sessions"`
}

const sessionStateVersion = 1

// SessionStateManager handles file-based persistence of live rental sessions.
type SessionStateManager struct {
	filePath   string
	fileClient file.FileOperations
	logger     zerolog.Logger
	mu         sync.Mutex
}

// NewSessionStateManager initializes a new SessionStateManager
func NewSessionStateManager(filePath string, fileClient file.FileOperations, logger zerolog.Logger) *SessionStateManager {
	return &SessionStateManager{
		filePath:   filePath,
		fileClient: fileClient,
		logger:     logger,
	}
}

// Load reads the saved sessions. A missing file is an empty table.
func (sm *SessionStateManager) Load() ([]models.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	exists, err := sm.fileClient.IsFileExists(sm.filePath)
	if err != nil {
		sm.logger.Error().Err(err).Str("file", sm.filePath).Msg("Failed to stat session state file")
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	var state sessionState
	if err := sm.fileClient.ReadJsonFile(sm.filePath, &state); err != nil {
		sm.logger.Error().Err(err).Str("file", sm.filePath).Msg("Failed to read session state file")
		return nil, fmt.Errorf("read %s: %w", sm.filePath, err)
	}
	if state.Version > sessionStateVersion {
		return nil, fmt.Errorf("session state file %s has unsupported version %d", sm.filePath, state.Version)
	}
	return state.Sessions, nil
}

// Save replaces the saved sessions with sessions.
func (sm *SessionStateManager) Save(sessions []models.Session) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sessions == nil {
		sessions = []models.Session{}
	}
	if err := sm.fileClient.WriteJsonFile(sm.filePath, sessionState{Version: sessionStateVersion, Sessions: sessions}); err != nil {
		sm.logger.Error().Err(err).Str("file", sm.filePath).Msg("Failed to write session state file")
		return err
	}
	sm.logger.Debug().Int("sessions", len(sessions)).Msg("Session state saved")
	return nil
}
