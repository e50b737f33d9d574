package telegram

import (
	"sync"

	"github.com/digkill/lumifybot/internal/models"
)

type SessionState int

const (
	StateStart SessionState = iota
	StateAwaitingConsent
	StateAwaitingPhoto
	StateAwaitingMainStyle
	StateAwaitingSubstyle
	StateGenerating
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateAwaitingPhoto:
		return "awaiting_photo"
	case StateAwaitingMainStyle:
		return "awaiting_main_style"
	case StateAwaitingSubstyle:
		return "awaiting_substyle"
	case StateGenerating:
		return "generating"
	default:
		return "start"
	}
}

// Session is the conversation state of one user. Epoch grows on every
// /start so work launched under an older epoch can tell it is stale.
type Session struct {
	UserID   int64
	ChatID   int64
	State    SessionState
	Image    *models.ImageRef
	Style    models.StyleKey
	Substyle models.SubstyleKey
	Epoch    uint64
}

// reset returns the session to Start and hands back any image it still held.
func (s *Session) reset() *models.ImageRef {
	held := s.Image
	s.State = StateStart
	s.Image = nil
	s.Style = ""
	s.Substyle = ""
	return held
}

type sessionEntry struct {
	mu      sync.Mutex
	session Session
}

// SessionStore owns all sessions. Lock serializes work for one user while
// other users proceed independently.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[int64]*sessionEntry
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[int64]*sessionEntry),
	}
}

func (s *SessionStore) entry(userID int64) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[userID]
	if !ok {
		e = &sessionEntry{session: Session{UserID: userID, State: StateStart}}
		s.sessions[userID] = e
	}
	return e
}

// Lock returns the user's session for mutation. The caller must call the
// returned func exactly once.
func (s *SessionStore) Lock(userID int64) (*Session, func()) {
	e := s.entry(userID)
	e.mu.Lock()
	return &e.session, e.mu.Unlock
}

// Snapshot returns a copy of the user's session.
func (s *SessionStore) Snapshot(userID int64) Session {
	session, unlock := s.Lock(userID)
	defer unlock()
	return *session
}

// IsCurrent reports whether the session is still generating under epoch.
func (s *SessionStore) IsCurrent(userID int64, epoch uint64) bool {
	session, unlock := s.Lock(userID)
	defer unlock()
	return session.Epoch == epoch && session.State == StateGenerating
}
