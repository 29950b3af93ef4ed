package domain

import "time"

// Session is one authenticated broker session for one account. Sessions are
// immutable: a refresh produces a replacement Session, never a mutation of
// the old one.
type Session struct {
	AccountID       string
	BrokerAccountID int64 // numeric account id assigned by the broker
	AccessToken     string
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// ValidFor reports whether the session's token remains valid for at least
// the given safety margin. A session that expires inside the margin must be
// refreshed before use.
func (s Session) ValidFor(margin time.Duration) bool {
	if s.AccessToken == "" {
		return false
	}
	return time.Until(s.ExpiresAt) > margin
}
