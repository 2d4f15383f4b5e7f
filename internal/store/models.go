package store

import "time"

type Actor struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Organization struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Project struct {
	ID             string
	OrganizationID string
	Name           string
	Description    string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Document struct {
	ID        string
	ProjectID string
	Title     string
	StatusID  *string
	// LastSequence is the highest revision number ever issued for this
	// document. It never decreases, even when revisions are deleted.
	LastSequence int64
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DocumentStatus is a per-project named status tag documents can carry.
type DocumentStatus struct {
	ID        string
	ProjectID string
	Name      string
	Color     string
	CreatedAt time.Time
}

// Revision is immutable once created. No update path exists; it is only ever
// inserted or deleted.
type Revision struct {
	ID         string
	DocumentID string
	Sequence   int64
	StorageKey string
	ChangeNote string
	CreatedBy  string
	CreatedAt  time.Time
}

type Comment struct {
	ID         string
	RevisionID string
	Body       string
	CreatedBy  string
	CreatedAt  time.Time
}

type Role struct {
	ID        string
	ScopeKind string
	// ScopeID is nil for template roles, which are only used to provision
	// concrete roles and are never consulted at evaluation time.
	ScopeID     *string
	Name        string
	Description string
	CreatedAt   time.Time
}

type Permission struct {
	ID          string
	ScopeKind   string
	Name        string
	Description string
}

type RoleGrant struct {
	ID           string
	RoleID       string
	PermissionID string
}

type Membership struct {
	ID        string
	ActorID   string
	ScopeKind string
	ScopeID   string
	RoleID    string
	CreatedAt time.Time
}

// Invite is a pending, token-redeemable membership offer for an organization
// or project. It is consumed (deleted) on acceptance.
type Invite struct {
	ID        string
	ScopeKind string
	ScopeID   string
	Email     string
	// RoleID nil means the scope's default member template applies on accept.
	RoleID    *string
	Token     string
	CreatedBy string
	CreatedAt time.Time
}

type Share struct {
	ID         string
	DocumentID string
	ActorID    string
	RoleID     *string
	CreatedBy  string
	CreatedAt  time.Time
	// Joined fields for API responses
	ActorName  string
	ActorEmail string
}
