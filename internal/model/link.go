// Package model defines domain entities for the application.
package model

import (
	"time"
)

// Link represents a shortened URL entity. Code is the unique,
// case-sensitive short identifier used in redirect paths.
type Link struct {
	Code         string     `json:"code"`
	Target       string     `json:"target"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	PasswordHash string     `json:"password_hash,omitempty"`
	ClickCount   int64      `json:"click_count"`
}

// ExpiredAt reports whether the link is expired at the given instant.
// A link stops serving the moment now reaches ExpiresAt, so a link whose
// expiry equals now is already expired.
func (l *Link) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// ActiveAt reports whether the link may serve redirects at the given instant.
func (l *Link) ActiveAt(now time.Time) bool {
	return !l.ExpiredAt(now)
}

// TTLAt returns the remaining lifetime at the given instant. The second
// return value is false when the link never expires.
func (l *Link) TTLAt(now time.Time) (time.Duration, bool) {
	if l.ExpiresAt == nil {
		return 0, false
	}
	return l.ExpiresAt.Sub(now), true
}

// HasPassword reports whether the link carries a password hash.
func (l *Link) HasPassword() bool {
	return l.PasswordHash != ""
}
