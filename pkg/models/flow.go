// Package models contains the core data structures for call flows, versions and call sessions.
package models

import "time"

// Flow is an organization's editable call-handling workflow. The draft is owned by the
// editor; PublishedVersion points at the version new calls resolve to.
type Flow struct {
	ID               string      `json:"id"                          validate:"omitempty"`
	OrganizationID   string      `json:"organization_id"             validate:"required"`
	Name             string      `json:"name"                        validate:"required,min=3"`
	Description      string      `json:"description"`
	Draft            *Definition `json:"draft"`
	PublishedVersion *int        `json:"published_version,omitempty"`
	CreatedBy        string      `json:"created_by,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// IsPublished reports whether the flow has an active published version.
func (f *Flow) IsPublished() bool {
	return f.PublishedVersion != nil && *f.PublishedVersion > 0
}

// Clone returns a deep copy of the flow.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}

	clone := *f
	clone.Draft = f.Draft.Clone()

	if f.PublishedVersion != nil {
		v := *f.PublishedVersion
		clone.PublishedVersion = &v
	}

	return &clone
}

// Version is an immutable, numbered snapshot of a flow definition.
type Version struct {
	FlowID         string      `json:"flow_id"`
	OrganizationID string      `json:"organization_id"`
	Number         int         `json:"number"`
	Definition     *Definition `json:"definition"`
	PublishedBy    string      `json:"published_by"`
	RolledBackFrom *int        `json:"rolled_back_from,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Clone returns a deep copy of the version.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}

	clone := *v
	clone.Definition = v.Definition.Clone()

	if v.RolledBackFrom != nil {
		n := *v.RolledBackFrom
		clone.RolledBackFrom = &n
	}

	return &clone
}

// Binding maps a phone number to a flow.
type Binding struct {
	PhoneNumber    string    `json:"phone_number"`
	FlowID         string    `json:"flow_id"`
	OrganizationID string    `json:"organization_id"`
	BoundBy        string    `json:"bound_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Actor is the authenticated identity performing a publish or bind operation.
type Actor struct {
	ID             string `json:"id"              validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`
}
