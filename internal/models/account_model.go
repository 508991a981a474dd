package models

import "time"

type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformYoutube   Platform = "youtube"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformInstagram, PlatformFacebook, PlatformYoutube:
		return true
	}
	return false
}

const (
	AccountStatusActive         = "active"
	AccountStatusReauthRequired = "reauth_required"
	AccountStatusDisabled       = "disabled"
)

// Account is a connected platform identity owned by a team. CredentialRef
// holds the AES-GCM encrypted access token written by the connection flow.
type Account struct {
	ID                   int64      `db:"id" json:"id"`
	TeamID               int64      `db:"team_id" json:"team_id"`
	Platform             Platform   `db:"platform" json:"platform"`
	ExternalID           string     `db:"external_id" json:"external_id"`
	AccountName          string     `db:"account_name" json:"account_name"`
	CredentialRef        string     `db:"credential_ref" json:"-"`
	TokenExpiresAt       *time.Time `db:"token_expires_at" json:"token_expires_at,omitempty"`
	AccountStatus        string     `db:"account_status" json:"account_status"`
	StatusReason         string     `db:"status_reason" json:"status_reason,omitempty"`
	LastSuccessfulSyncAt *time.Time `db:"last_successful_sync_at" json:"last_successful_sync_at,omitempty"`
	ConnectedAt          time.Time  `db:"connected_at" json:"connected_at"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// ConnectionTime is when the current credentials were established. Older
// rows without a connected_at value fall back to created_at.
func (a *Account) ConnectionTime() time.Time {
	if a.ConnectedAt.IsZero() {
		return a.CreatedAt
	}
	return a.ConnectedAt
}
