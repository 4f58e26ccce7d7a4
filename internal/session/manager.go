// ABOUTME: Session lifecycle state machine for conversation sessions
// ABOUTME: Enforces the single-open-session-per-contact invariant and expiry transitions

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whats2want/w2w-gateway/internal/store"
)

// SessionStore defines what the manager needs from storage
type SessionStore interface {
	CreateSession(ctx context.Context, session *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	GetOpenSession(ctx context.Context, contactID string) (*store.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	CloseSession(ctx context.Context, id string, status string, endedAt time.Time, summary string) error
	CloseExpiredSessions(ctx context.Context, cutoff time.Time, endedAt time.Time) (int, error)
}

// Manager owns session lifecycle transitions. All mutations go through the
// store's conditional updates, so concurrent callers can never produce two
// open sessions for one contact or resurrect a closed session.
type Manager struct {
	store            SessionStore
	inactivityWindow time.Duration
	logger           *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

// New creates a session manager. inactivityWindow is the duration of no
// activity after which an open session is swept as timed out.
func New(s SessionStore, inactivityWindow time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:            s,
		inactivityWindow: inactivityWindow,
		logger:           logger.With("component", "session"),
		now:              time.Now,
	}
}

// GetOrCreateActive returns the contact's open session, creating one if none
// is open. Concurrent calls for the same contact are resolved by the store's
// unique open-session index: the loser of the insert race re-reads the
// winner's session.
func (m *Manager) GetOrCreateActive(ctx context.Context, contactID string, businessID *string) (*store.Session, error) {
	session, err := m.store.GetOpenSession(ctx, contactID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up open session: %w", err)
	}

	now := m.now()
	session = &store.Session{
		ID:           uuid.New().String(),
		ContactID:    contactID,
		BusinessID:   businessID,
		StartedAt:    now,
		LastActivity: now,
		Status:       store.SessionStatusOpen,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicateOpenSession) {
			// Another request created the session between our lookup and insert
			existing, lookupErr := m.store.GetOpenSession(ctx, contactID)
			if lookupErr == nil {
				m.logger.Debug("found existing session after race", "session_id", existing.ID)
				return existing, nil
			}
			m.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, fmt.Errorf("looking up session after duplicate: %w", lookupErr)
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.logger.Info("session started", "session_id", session.ID, "contact_id", contactID)
	return session, nil
}

// RefreshActivity advances the session's last-activity timestamp. Refreshing
// an already-closed session is a no-op.
func (m *Manager) RefreshActivity(ctx context.Context, sessionID string) error {
	err := m.store.TouchSession(ctx, sessionID, m.now())
	if errors.Is(err, store.ErrSessionClosed) {
		m.logger.Debug("refresh skipped, session already closed", "session_id", sessionID)
		return nil
	}
	return err
}

// Close transitions an open session to the given closed status with an
// optional summary. Returns store.ErrSessionClosed when the session was
// already closed; the original end time and summary are left untouched.
func (m *Manager) Close(ctx context.Context, sessionID string, status string, summary string) error {
	if err := m.store.CloseSession(ctx, sessionID, status, m.now(), summary); err != nil {
		return err
	}
	m.logger.Info("session closed", "session_id", sessionID, "status", status)
	return nil
}

// SweepExpired closes every open session whose last activity is older than
// the inactivity window, marking each as timed out. Returns the number of
// sessions closed. Safe to run concurrently with message-triggered
// transitions: closing an already-closed session is a no-op.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()
	cutoff := now.Add(-m.inactivityWindow)

	closed, err := m.store.CloseExpiredSessions(ctx, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	if closed > 0 {
		m.logger.Info("closed inactive sessions", "count", closed, "window", m.inactivityWindow)
	}
	return closed, nil
}
