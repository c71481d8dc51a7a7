// Package session holds the identity of the local user.
package session

import (
	"sync"

	"github.com/starford/draftsync/internal/models"
)

// Session is the current login, if any. Safe for concurrent use.
type Session struct {
	mu       sync.RWMutex
	owner    *models.Owner
	onLogout []func()
}

// New returns a session with nobody logged in.
func New() *Session {
	return &Session{}
}

// Login sets the current identity.
func (s *Session) Login(owner models.Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.owner = &owner
	s.mu.Unlock()
	return nil
}

// Current reports the logged-in identity.
func (s *Session) Current() (models.Owner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.owner == nil {
		return models.Owner{}, false
	}
	return *s.owner, true
}

// Authenticated reports whether someone is logged in.
func (s *Session) Authenticated() bool {
	_, ok := s.Current()
	return ok
}

// OnLogout registers fn to run on Logout, before the identity is cleared.
func (s *Session) OnLogout(fn func()) {
	s.mu.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mu.Unlock()
}

// Logout runs the logout hooks in registration order and clears the identity.
func (s *Session) Logout() {
	s.mu.RLock()
	hooks := append([]func(){}, s.onLogout...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	s.mu.Lock()
	s.owner = nil
	s.mu.Unlock()
}
