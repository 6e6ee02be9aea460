package models

import "time"

// Session is the authentication state reported by the auth provider.
type Session struct {
	Valid        bool      `json:"valid"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Live reports whether the session is valid and not expired at now.
func (s *Session) Live(now time.Time) bool {
	return s != nil && s.Valid && now.Before(s.ExpiresAt)
}

// ExpiresWithin reports whether the session expires within d of now.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return s != nil && !now.Add(d).Before(s.ExpiresAt)
}
