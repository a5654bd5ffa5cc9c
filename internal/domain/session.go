package domain

import "time"

// OAuthSession holds the state of one in-flight OAuth authorization, keyed by
// the CSRF state parameter. Sessions expire after a few minutes and are
// deleted on callback.
type OAuthSession struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Platform  string    `json:"platform"`
	State     string    `json:"state"`
	ReturnURL string    `json:"return_url"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
