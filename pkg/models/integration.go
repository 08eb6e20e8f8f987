package models

import "time"

// OrgIntegration is an organization-level integration with a provider
// family (for example a Meta app). Some providers require a verified and
// active integration before any channel may begin authorization.
type OrgIntegration struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Family         string            `json:"family"`
	Verified       bool              `json:"verified"`
	Active         bool              `json:"active"`
	Settings       map[string]string `json:"settings,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Usable reports whether channels may authorize against this integration.
func (i *OrgIntegration) Usable() bool {
	return i != nil && i.Verified && i.Active
}
