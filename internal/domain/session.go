package domain

import "time"

// Session binds delegated CRM credentials to an opaque id handed to the client.
type Session struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	AccessToken  string    `gorm:"type:text;not null" json:"access_token"`
	RefreshToken string    `gorm:"type:text" json:"refresh_token"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	EvictAt      time.Time `gorm:"index;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NeedsRefresh reports whether the access token is inside the refresh skew window.
func (s *Session) NeedsRefresh(now time.Time, skew time.Duration) bool {
	return !now.Before(s.ExpiresAt.Add(-skew))
}

// RefreshLease is the row form of a held refresh lock.
type RefreshLease struct {
	SessionID   string    `gorm:"primaryKey;size:64"`
	HolderToken string    `gorm:"size:64;not null"`
	LeaseExpiry time.Time `gorm:"index;not null"`
}

// PendingHandshake is created by /auth and consumed once by the OAuth redirect.
type PendingHandshake struct {
	State        string    `json:"state"`
	SessionID    string    `json:"session_id"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
