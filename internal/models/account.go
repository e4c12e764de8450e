package models

import "time"

// ConnectedAccount is a delegation from a user to one external platform identity.
// Unique per (UserID, Platform, ExternalID).
type ConnectedAccount struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Platform     string     `json:"platform"`
	ExternalID   string     `json:"external_id"`
	DisplayName  string     `json:"display_name"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	AvatarURL    string     `json:"avatar_url,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expired reports whether the access credential has passed its expiry.
func (a ConnectedAccount) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// AuthorizationState binds an OAuth callback to the request that started it.
type AuthorizationState struct {
	Token       string    `json:"token"`
	UserID      string    `json:"user_id"`
	Platform    string    `json:"platform"`
	RedirectURL string    `json:"redirect_url"`
	Verifier    string    `json:"verifier,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
