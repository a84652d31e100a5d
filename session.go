package pingme

import "sync"

// Session is the process-wide, read-only login context. Logout is the single
// invalidation path: it runs every registered teardown, closing all open
// conversations and their push subscriptions.
type Session struct {
	token  string
	userID string

	mu        sync.Mutex
	nextHook  int
	teardowns map[int]func()
	loggedOut bool
}

// NewSession returns a session for the given token and current user id.
func NewSession(token, userID string) *Session {
	return &Session{token: token, userID: userID, teardowns: make(map[int]func())}
}

func (s *Session) Token() string  { return s.token }
func (s *Session) UserID() string { return s.userID }

// Active reports whether Logout has not been called.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.loggedOut
}

// onLogout registers fn and returns a function that unregisters it. After
// Logout, fn is run immediately.
func (s *Session) onLogout(fn func()) (unregister func()) {
	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	id := s.nextHook
	s.nextHook++
	s.teardowns[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.teardowns, id)
		s.mu.Unlock()
	}
}

// Logout tears down everything registered against the session. Later calls
// are no-ops.
func (s *Session) Logout() {
	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		return
	}
	s.loggedOut = true
	hooks := make([]func(), 0, len(s.teardowns))
	for _, fn := range s.teardowns {
		hooks = append(hooks, fn)
	}
	s.teardowns = make(map[int]func())
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
