// Package rbac evaluates scope-based permissions. Scopes nest
// organization > project > document, but evaluation is exact-instance:
// holding a role in an organization grants nothing in its projects unless a
// membership exists there too.
package rbac

import "context"

type ScopeKind string

type Permission string

const (
	ScopeOrganization ScopeKind = "organization"
	ScopeProject      ScopeKind = "project"
	ScopeDocument     ScopeKind = "document"
)

const (
	PermUpload           Permission = "upload"
	PermDownload         Permission = "download"
	PermDelete           Permission = "delete"
	PermComment          Permission = "comment"
	PermManageDocuments  Permission = "manage-documents"
	PermManageMembers    Permission = "manage-members"
	PermManageRoles      Permission = "manage-roles"
	PermModerateComments Permission = "moderate-comments"
)

func ValidScope(kind string) bool {
	switch ScopeKind(kind) {
	case ScopeOrganization, ScopeProject, ScopeDocument:
		return true
	default:
		return false
	}
}

func ValidPermission(name string) bool {
	switch Permission(name) {
	case PermUpload, PermDownload, PermDelete, PermComment,
		PermManageDocuments, PermManageMembers, PermManageRoles, PermModerateComments:
		return true
	default:
		return false
	}
}

// Registry is the read surface the evaluator needs from the backing store.
type Registry interface {
	// MembershipRoleID returns the role bound to the actor's membership for
	// the exact scope instance, or "" when no membership exists.
	MembershipRoleID(ctx context.Context, actorID string, scope ScopeKind, scopeID string) (string, error)
	// RoleGrantExists reports whether the role is linked to a permission with
	// the given name scoped to the given kind.
	RoleGrantExists(ctx context.Context, roleID string, scope ScopeKind, perm Permission) (bool, error)
	// ShareRoleID returns the role bound to a document share for the actor,
	// or "" when the actor holds no share or the share carries no role.
	ShareRoleID(ctx context.Context, documentID, actorID string) (string, error)
}

type Evaluator struct {
	registry Registry
}

func NewEvaluator(registry Registry) *Evaluator {
	return &Evaluator{registry: registry}
}

// ResolveRoleID looks up the actor's membership role for the exact scope
// instance. Template roles (no bound instance) are never returned here.
func (e *Evaluator) ResolveRoleID(ctx context.Context, actorID string, scope ScopeKind, scopeID string) (string, error) {
	return e.registry.MembershipRoleID(ctx, actorID, scope, scopeID)
}

// HasPermission is deny-by-default. A missing actor, role, or scope instance
// evaluates to deny rather than an error; only store failures propagate.
func (e *Evaluator) HasPermission(ctx context.Context, actorID string, scope ScopeKind, scopeID string, perm Permission) (bool, error) {
	roleID, err := e.registry.MembershipRoleID(ctx, actorID, scope, scopeID)
	if err != nil {
		return false, err
	}
	if roleID != "" {
		allowed, err := e.registry.RoleGrantExists(ctx, roleID, scope, perm)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}

	if scope != ScopeDocument {
		return false, nil
	}

	shareRoleID, err := e.registry.ShareRoleID(ctx, scopeID, actorID)
	if err != nil {
		return false, err
	}
	if shareRoleID == "" {
		return false, nil
	}
	return e.registry.RoleGrantExists(ctx, shareRoleID, scope, perm)
}
