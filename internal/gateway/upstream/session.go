package upstream

import "sync"

// Session is the concrete SessionTokens implementation: the API key is
// static configuration, the access token is a runtime value refreshed
// out-of-band (by whatever process owns the broker login flow) and swapped
// in under lock so in-flight requests never read a half-written value.
type Session struct {
	apiKey string

	mu          sync.RWMutex
	accessToken string
}

// NewSession builds a session holder seeded with the configured API key.
func NewSession(apiKey string) *Session {
	return &Session{apiKey: apiKey}
}

// APIKey implements SessionTokens.
func (s *Session) APIKey() string { return s.apiKey }

// AccessToken implements SessionTokens.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// SetAccessToken updates the access token after a (re)login, e.g. from a
// config-reload hook or an operator-triggered refresh.
func (s *Session) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
}
