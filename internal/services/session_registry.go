package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/rs/zerolog"
)

// ExpiryFunc runs when a session's deadline passes. It is called at most once per session.
type ExpiryFunc func(ctx context.Context, session models.Session) models.ActionResult

// SessionStore persists the table of live sessions.
type SessionStore interface {
	Load() ([]models.Session, error)
	Save(sessions []models.Session) error
}

type sessionEntry struct {
	session    models.Session
	onExpire   ExpiryFunc
	timer      *clock.Timer
	generation uint64
}

// SessionRegistry is the single owner of rental session timers. Every transition
// (start, extend, cancel, fire) happens under one lock, and a timer only fires when
// its generation still matches the session's, so an extended or cancelled timer
// that already woke up loses the race.
type SessionRegistry struct {
	clock           clock.Clock
	store           SessionStore
	callbackTimeout time.Duration
	logger          zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	closed   bool
	rev      uint64
	wg       sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	persistMu sync.Mutex
	savedRev  uint64
}

// NewSessionRegistry creates an empty registry. store may be nil.
func NewSessionRegistry(clk clock.Clock, store SessionStore, callbackTimeout time.Duration, logger zerolog.Logger) *SessionRegistry {
	if clk == nil {
		clk = clock.New()
	}
	if callbackTimeout <= 0 {
		callbackTimeout = constants.DefaultExpiryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionRegistry{
		clock:           clk,
		store:           store,
		callbackTimeout: callbackTimeout,
		logger:          logger,
		sessions:        make(map[string]*sessionEntry),
		baseCtx:         ctx,
		baseCancel:      cancel,
	}
}

// Start registers a new session that expires at deadline. A deadline already in the
// past fires right away.
func (r *SessionRegistry) Start(id, address string, deadline time.Time, onExpire ExpiryFunc) (models.Session, error) {
	if id == "" || address == "" {
		return models.Session{}, models.NewControlError(models.KindInvalidRequest, "start session", address, errors.New("session id and address are required"))
	}
	if onExpire == nil {
		return models.Session{}, models.NewControlError(models.KindInvalidRequest, "start session", address, errors.New("expiry callback is required"))
	}

	now := r.clock.Now()
	session, err := r.add(models.Session{
		ID:        id,
		Address:   address,
		Deadline:  deadline,
		State:     constants.SessionStateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, onExpire)
	if err != nil {
		return models.Session{}, err
	}

	r.logger.Info().Str("session_id", id).Str("address", address).Time("deadline", deadline).Msg("Session started")
	r.persist()
	return session, nil
}

func (r *SessionRegistry) add(session models.Session, onExpire ExpiryFunc) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return models.Session{}, models.NewControlError(models.KindInvalidRequest, "start session", session.Address, errors.New("session registry is stopped"))
	}
	if _, exists := r.sessions[session.ID]; exists {
		return models.Session{}, &models.ControlError{Kind: models.KindDuplicateSession, Op: "start session", Address: session.Address, Err: fmt.Errorf("session %q", session.ID)}
	}

	entry := &sessionEntry{session: session, onExpire: onExpire}
	r.sessions[session.ID] = entry
	r.armLocked(entry)
	r.rev++
	return entry.session, nil
}

// Extend moves the deadline of a live session to newDeadline, replacing its timer.
func (r *SessionRegistry) Extend(id string, newDeadline time.Time) (models.Session, error) {
	return r.extend(id, func(models.Session) time.Time { return newDeadline })
}

// ExtendBy pushes the deadline of a live session back by additional.
func (r *SessionRegistry) ExtendBy(id string, additional time.Duration) (models.Session, error) {
	if additional <= 0 {
		return models.Session{}, models.NewControlError(models.KindInvalidRequest, "extend session", "", errors.New("extension must be positive"))
	}
	return r.extend(id, func(s models.Session) time.Time { return s.Deadline.Add(additional) })
}

func (r *SessionRegistry) extend(id string, deadline func(models.Session) time.Time) (models.Session, error) {
	r.mu.Lock()
	entry, ok := r.sessions[id]
	if !ok || !entry.session.Live() || r.closed {
		r.mu.Unlock()
		return models.Session{}, &models.ControlError{Kind: models.KindSessionNotFound, Op: "extend session", Err: fmt.Errorf("session %q", id)}
	}

	entry.session.Deadline = deadline(entry.session)
	entry.session.State = constants.SessionStateExtended
	entry.session.Extensions++
	entry.session.UpdatedAt = r.clock.Now()
	r.armLocked(entry)
	r.rev++
	session := entry.session
	r.mu.Unlock()

	r.logger.Info().Str("session_id", id).Time("deadline", session.Deadline).Int("extensions", session.Extensions).Msg("Session extended")
	r.persist()
	return session, nil
}

// Cancel stops the session's timer without running its callback. Cancelling an unknown,
// cancelled or fired session is a no-op; the bool reports whether a live session was cancelled.
func (r *SessionRegistry) Cancel(id string) (models.Session, bool) {
	r.mu.Lock()
	entry, ok := r.sessions[id]
	if !ok || !entry.session.Live() {
		r.mu.Unlock()
		return models.Session{}, false
	}

	r.disarmLocked(entry)
	entry.session.State = constants.SessionStateCancelled
	entry.session.UpdatedAt = r.clock.Now()
	delete(r.sessions, id)
	r.rev++
	session := entry.session
	r.mu.Unlock()

	r.logger.Info().Str("session_id", id).Str("address", session.Address).Msg("Session cancelled")
	r.persist()
	return session, true
}

// FireNow expires a live session immediately and runs its callback synchronously.
func (r *SessionRegistry) FireNow(ctx context.Context, id string) (models.ActionResult, error) {
	r.mu.Lock()
	entry, ok := r.sessions[id]
	if !ok || !entry.session.Live() || r.closed {
		r.mu.Unlock()
		return models.ActionResult{}, &models.ControlError{Kind: models.KindSessionNotFound, Op: "fire session", Err: fmt.Errorf("session %q", id)}
	}
	r.disarmLocked(entry)
	session := r.markFiredLocked(entry)
	r.mu.Unlock()
	defer r.wg.Done()

	r.logger.Warn().Str("session_id", id).Str("address", session.Address).Msg("Session expired manually")
	r.persist()

	ctx, cancel := context.WithTimeout(ctx, r.callbackTimeout)
	defer cancel()
	return r.runCallback(ctx, session, entry.onExpire), nil
}

// Get returns a snapshot of the live session with id.
func (r *SessionRegistry) Get(id string) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return entry.session, true
}

// List returns snapshots of all live sessions ordered by deadline.
func (r *SessionRegistry) List() []models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Restore re-arms the sessions saved in the store. Sessions whose deadline passed while
// the process was down fire immediately.
func (r *SessionRegistry) Restore(onExpire ExpiryFunc) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	saved, err := r.store.Load()
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	restored := 0
	for _, session := range saved {
		if !session.Live() {
			continue
		}
		if _, err := r.add(session, onExpire); err != nil {
			r.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Skipping persisted session")
			continue
		}
		restored++
		r.logger.Info().Str("session_id", session.ID).Time("deadline", session.Deadline).Msg("Session restored")
	}
	r.persist()
	return restored, nil
}

// Stop disarms every timer and waits for running callbacks until ctx is done. Live
// sessions stay in the store so the next process picks them up.
func (r *SessionRegistry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, entry := range r.sessions {
		r.disarmLocked(entry)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.baseCancel()
		return nil
	case <-ctx.Done():
		r.baseCancel()
		return fmt.Errorf("waiting for session callbacks: %w", ctx.Err())
	}
}

// armLocked (re)schedules entry's timer. The caller holds r.mu.
func (r *SessionRegistry) armLocked(entry *sessionEntry) {
	r.disarmLocked(entry)
	generation := entry.generation
	id := entry.session.ID

	delay := entry.session.Deadline.Sub(r.clock.Now())
	if delay <= 0 {
		go r.expire(id, generation)
		return
	}
	entry.timer = r.clock.AfterFunc(delay, func() { r.expire(id, generation) })
}

// disarmLocked stops entry's timer and invalidates any timer that already woke up.
func (r *SessionRegistry) disarmLocked(entry *sessionEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.generation++
}

// markFiredLocked moves entry to the terminal fired state and removes it from the table.
// The caller holds r.mu and must call r.wg.Done once the callback has run.
func (r *SessionRegistry) markFiredLocked(entry *sessionEntry) models.Session {
	now := r.clock.Now()
	entry.session.State = constants.SessionStateFired
	entry.session.FiredAt = &now
	entry.session.UpdatedAt = now
	delete(r.sessions, entry.session.ID)
	r.rev++
	r.wg.Add(1)
	return entry.session
}

func (r *SessionRegistry) expire(id string, generation uint64) {
	r.mu.Lock()
	entry, ok := r.sessions[id]
	if !ok || r.closed || entry.generation != generation || !entry.session.Live() {
		r.mu.Unlock()
		return
	}
	entry.timer = nil
	session := r.markFiredLocked(entry)
	r.mu.Unlock()
	defer r.wg.Done()

	r.logger.Info().Str("session_id", id).Str("address", session.Address).Msg("Session expired")
	r.persist()

	ctx, cancel := context.WithTimeout(r.baseCtx, r.callbackTimeout)
	defer cancel()
	r.runCallback(ctx, session, entry.onExpire)
}

func (r *SessionRegistry) runCallback(ctx context.Context, session models.Session, onExpire ExpiryFunc) (result models.ActionResult) {
	logger := r.logger.With().Str("session_id", session.ID).Str("address", session.Address).Logger()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Recovered from panic in session expiry callback")
			result = models.NewActionResult("session expiry", session.Address)
			result.Fail(models.NewControlError(models.KindCommandFailed, "session expiry", session.Address, fmt.Errorf("panic: %v", rec)))
		}
	}()

	result = onExpire(ctx, session)
	if result.Success {
		logger.Info().Str("outcome", result.Outcome).Msg("Session expiry action completed")
	} else {
		logger.Error().Str("outcome", result.Outcome).Str("error", result.Message).Msg("Session expiry action failed")
	}
	return result
}

func (r *SessionRegistry) snapshotLocked() []models.Session {
	sessions := make([]models.Session, 0, len(r.sessions))
	for _, entry := range r.sessions {
		sessions = append(sessions, entry.session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Deadline.Equal(sessions[j].Deadline) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].Deadline.Before(sessions[j].Deadline)
	})
	return sessions
}

// persist writes the newest session table to the store unless an equal or newer
// revision was already written.
func (r *SessionRegistry) persist() {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	rev := r.rev
	sessions := r.snapshotLocked()
	r.mu.Unlock()

	if rev == r.savedRev {
		return
	}
	if err := r.store.Save(sessions); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist sessions")
		return
	}
	r.savedRev = rev
}
