package app

import (
	"context"
	"strings"
	"time"

	"docledger/api/internal/rbac"
	"docledger/api/internal/store"
	"docledger/api/internal/util"
)

type CreateRoleInput struct {
	ScopeKind      string `json:"scopeKind"`
	ScopeID        string `json:"scopeId"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	TemplateRoleID string `json:"templateRoleId"`
}

type UpsertMemberInput struct {
	ScopeKind string `json:"scopeKind"`
	ScopeID   string `json:"scopeId"`
	ActorID   string `json:"actorId"`
	RoleID    string `json:"roleId"`
}

type ShareDocumentInput struct {
	ActorID string  `json:"actorId"`
	RoleID  *string `json:"roleId"`
}

func (s *Service) ListPermissions(ctx context.Context) ([]map[string]any, error) {
	permissions, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(permissions))
	for _, perm := range permissions {
		items = append(items, map[string]any{
			"id":          perm.ID,
			"scopeKind":   perm.ScopeKind,
			"name":        perm.Name,
			"description": perm.Description,
		})
	}
	return items, nil
}

// requireRoleAdmin gates role administration per scope kind. Document-scope
// roles back shares, so they are managed with the project's manage-documents
// permission rather than a document-level one.
func (s *Service) requireRoleAdmin(ctx context.Context, actorID, scopeKind, scopeID string) error {
	switch rbac.ScopeKind(scopeKind) {
	case rbac.ScopeOrganization:
		return s.requireScopePermission(ctx, actorID, rbac.ScopeOrganization, scopeID, rbac.PermManageRoles)
	case rbac.ScopeProject:
		project, err := s.store.GetProject(ctx, scopeID)
		if err != nil {
			return err
		}
		allowed, err := s.evaluator.HasPermission(ctx, actorID, rbac.ScopeProject, project.ID, rbac.PermManageRoles)
		if err != nil {
			return err
		}
		if !allowed {
			allowed, err = s.evaluator.HasPermission(ctx, actorID, rbac.ScopeOrganization, project.OrganizationID, rbac.PermManageRoles)
			if err != nil {
				return err
			}
		}
		if !allowed {
			return permissionDenied("missing 'manage-roles' permission")
		}
		return nil
	case rbac.ScopeDocument:
		doc, err := s.store.GetDocument(ctx, scopeID)
		if err != nil {
			return err
		}
		return s.requireScopePermission(ctx, actorID, rbac.ScopeProject, doc.ProjectID, rbac.PermManageDocuments)
	default:
		return invalidInput("unknown scope kind", nil)
	}
}

func (s *Service) checkScopeInstanceExists(ctx context.Context, scopeKind, scopeID string) error {
	switch rbac.ScopeKind(scopeKind) {
	case rbac.ScopeOrganization:
		_, err := s.store.GetOrganization(ctx, scopeID)
		return err
	case rbac.ScopeProject:
		_, err := s.store.GetProject(ctx, scopeID)
		return err
	case rbac.ScopeDocument:
		_, err := s.store.GetDocument(ctx, scopeID)
		return err
	default:
		return invalidInput("unknown scope kind", nil)
	}
}

func (s *Service) CreateRole(ctx context.Context, actor Identity, input CreateRoleInput) (map[string]any, error) {
	if !rbac.ValidScope(input.ScopeKind) {
		return nil, invalidInput("unknown scope kind", nil)
	}
	if strings.TrimSpace(input.ScopeID) == "" {
		return nil, invalidInput("scopeId is required", nil)
	}
	if err := s.checkScopeInstanceExists(ctx, input.ScopeKind, input.ScopeID); err != nil {
		return nil, err
	}
	if err := s.requireRoleAdmin(ctx, actor.ActorID, input.ScopeKind, input.ScopeID); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, invalidInput("name is required", nil)
	}

	scopeID := input.ScopeID
	role := store.Role{
		ID:          util.NewID("rol"),
		ScopeKind:   input.ScopeKind,
		ScopeID:     &scopeID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
	}
	if err := s.store.InsertRole(ctx, role); err != nil {
		return nil, err
	}
	if templateID := strings.TrimSpace(input.TemplateRoleID); templateID != "" {
		template, err := s.store.GetRole(ctx, templateID)
		if err != nil {
			return nil, err
		}
		if template.ScopeID != nil {
			return nil, invalidInput("templateRoleId must name a template role", nil)
		}
		if template.ScopeKind != role.ScopeKind {
			return nil, invalidInput("template scope kind does not match", nil)
		}
		if err := s.store.ApplyRoleTemplate(ctx, template.ID, role.ID); err != nil {
			return nil, err
		}
	}
	return s.rolePayload(ctx, role)
}

func (s *Service) ListRoles(ctx context.Context, actor Identity, scopeKind, scopeID string) ([]map[string]any, error) {
	if !rbac.ValidScope(scopeKind) {
		return nil, invalidInput("unknown scope kind", nil)
	}
	if err := s.requireRoleAdmin(ctx, actor.ActorID, scopeKind, scopeID); err != nil {
		return nil, err
	}
	roles, err := s.store.ListRoles(ctx, scopeKind, scopeID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		payload, err := s.rolePayload(ctx, role)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return items, nil
}

// ListRoleTemplates returns the unbound roles usable as provisioning sources.
func (s *Service) ListRoleTemplates(ctx context.Context, scopeKind string) ([]map[string]any, error) {
	if !rbac.ValidScope(scopeKind) {
		return nil, invalidInput("unknown scope kind", nil)
	}
	roles, err := s.store.ListRoles(ctx, scopeKind, "")
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		payload, err := s.rolePayload(ctx, role)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) GetRole(ctx context.Context, actor Identity, roleID string) (map[string]any, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.ScopeID != nil {
		if err := s.requireRoleAdmin(ctx, actor.ActorID, role.ScopeKind, *role.ScopeID); err != nil {
			return nil, err
		}
	}
	return s.rolePayload(ctx, role)
}

// DeleteRole removes the role and everything hanging off it: grants,
// memberships bound to it, and share bindings (shares survive with no role).
func (s *Service) DeleteRole(ctx context.Context, actor Identity, roleID string) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.ScopeID == nil {
		return permissionDenied("template roles cannot be deleted")
	}
	if err := s.requireRoleAdmin(ctx, actor.ActorID, role.ScopeKind, *role.ScopeID); err != nil {
		return err
	}
	return s.store.DeleteRole(ctx, roleID)
}

func (s *Service) AddRoleGrant(ctx context.Context, actor Identity, roleID, permissionID string) (map[string]any, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.ScopeID == nil {
		return nil, permissionDenied("template roles cannot be modified")
	}
	if err := s.requireRoleAdmin(ctx, actor.ActorID, role.ScopeKind, *role.ScopeID); err != nil {
		return nil, err
	}
	permissions, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	var target *store.Permission
	for i := range permissions {
		if permissions[i].ID == permissionID {
			target = &permissions[i]
			break
		}
	}
	if target == nil {
		return nil, notFound("unknown permission")
	}
	if target.ScopeKind != role.ScopeKind {
		return nil, invalidInput("permission scope kind does not match the role", nil)
	}
	if err := s.store.AddRoleGrant(ctx, util.NewID("rp"), roleID, permissionID); err != nil {
		return nil, err
	}
	return s.rolePayload(ctx, role)
}

func (s *Service) RemoveRoleGrant(ctx context.Context, actor Identity, roleID, permissionID string) (map[string]any, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.ScopeID == nil {
		return nil, permissionDenied("template roles cannot be modified")
	}
	if err := s.requireRoleAdmin(ctx, actor.ActorID, role.ScopeKind, *role.ScopeID); err != nil {
		return nil, err
	}
	if err := s.store.RemoveRoleGrant(ctx, roleID, permissionID); err != nil {
		return nil, err
	}
	return s.rolePayload(ctx, role)
}

func (s *Service) rolePayload(ctx context.Context, role store.Role) (map[string]any, error) {
	grants, err := s.store.ListRoleGrants(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	grantItems := make([]map[string]any, 0, len(grants))
	for _, perm := range grants {
		grantItems = append(grantItems, map[string]any{
			"id":   perm.ID,
			"name": perm.Name,
		})
	}
	return map[string]any{
		"id":          role.ID,
		"scopeKind":   role.ScopeKind,
		"scopeId":     role.ScopeID,
		"name":        role.Name,
		"description": role.Description,
		"template":    role.ScopeID == nil,
		"permissions": grantItems,
	}, nil
}

// Memberships

// requireMemberAdmin gates membership administration. Project membership can
// also be managed from the owning organization.
func (s *Service) requireMemberAdmin(ctx context.Context, actorID, scopeKind, scopeID string) error {
	switch rbac.ScopeKind(scopeKind) {
	case rbac.ScopeOrganization:
		return s.requireScopePermission(ctx, actorID, rbac.ScopeOrganization, scopeID, rbac.PermManageMembers)
	case rbac.ScopeProject:
		project, err := s.store.GetProject(ctx, scopeID)
		if err != nil {
			return err
		}
		allowed, err := s.evaluator.HasPermission(ctx, actorID, rbac.ScopeProject, project.ID, rbac.PermManageMembers)
		if err != nil {
			return err
		}
		if !allowed {
			allowed, err = s.evaluator.HasPermission(ctx, actorID, rbac.ScopeOrganization, project.OrganizationID, rbac.PermManageMembers)
			if err != nil {
				return err
			}
		}
		if !allowed {
			return permissionDenied("missing 'manage-members' permission")
		}
		return nil
	case rbac.ScopeDocument:
		doc, err := s.store.GetDocument(ctx, scopeID)
		if err != nil {
			return err
		}
		return s.requireScopePermission(ctx, actorID, rbac.ScopeProject, doc.ProjectID, rbac.PermManageDocuments)
	default:
		return invalidInput("unknown scope kind", nil)
	}
}

func (s *Service) ListMembers(ctx context.Context, actor Identity, scopeKind, scopeID string) ([]map[string]any, error) {
	if !rbac.ValidScope(scopeKind) {
		return nil, invalidInput("unknown scope kind", nil)
	}
	if err := s.checkScopeInstanceExists(ctx, scopeKind, scopeID); err != nil {
		return nil, err
	}
	member, err := s.memberOf(ctx, actor.ActorID, rbac.ScopeKind(scopeKind), scopeID)
	if err != nil {
		return nil, err
	}
	if !member {
		if err := s.requireMemberAdmin(ctx, actor.ActorID, scopeKind, scopeID); err != nil {
			return nil, err
		}
	}
	memberships, err := s.store.ListMemberships(ctx, scopeKind, scopeID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(memberships))
	for _, membership := range memberships {
		payload := membershipPayload(membership)
		if memberActor, err := s.store.GetActor(ctx, membership.ActorID); err == nil {
			payload["actorName"] = memberActor.DisplayName
			payload["actorEmail"] = memberActor.Email
		}
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) UpsertMember(ctx context.Context, actor Identity, input UpsertMemberInput) (map[string]any, error) {
	if !rbac.ValidScope(input.ScopeKind) {
		return nil, invalidInput("unknown scope kind", nil)
	}
	if err := s.checkScopeInstanceExists(ctx, input.ScopeKind, input.ScopeID); err != nil {
		return nil, err
	}
	if err := s.requireMemberAdmin(ctx, actor.ActorID, input.ScopeKind, input.ScopeID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.ActorID) == "" {
		return nil, invalidInput("actorId is required", nil)
	}
	if _, err := s.store.GetActor(ctx, input.ActorID); err != nil {
		return nil, err
	}
	role, err := s.store.GetRole(ctx, input.RoleID)
	if err != nil {
		return nil, err
	}
	if role.ScopeID == nil {
		return nil, invalidInput("template roles cannot be assigned directly", nil)
	}
	if role.ScopeKind != input.ScopeKind || *role.ScopeID != input.ScopeID {
		return nil, invalidInput("role is not bound to this scope instance", nil)
	}
	membership := store.Membership{
		ID:        util.NewID("mem"),
		ActorID:   input.ActorID,
		ScopeKind: input.ScopeKind,
		ScopeID:   input.ScopeID,
		RoleID:    input.RoleID,
	}
	if err := s.store.UpsertMembership(ctx, membership); err != nil {
		return nil, err
	}
	return membershipPayload(membership), nil
}

func (s *Service) RemoveMember(ctx context.Context, actor Identity, membershipID string) error {
	membership, err := s.store.GetMembership(ctx, membershipID)
	if err != nil {
		return err
	}
	if err := s.requireMemberAdmin(ctx, actor.ActorID, membership.ScopeKind, membership.ScopeID); err != nil {
		return err
	}
	return s.store.DeleteMembership(ctx, membershipID)
}

func membershipPayload(membership store.Membership) map[string]any {
	payload := map[string]any{
		"id":        membership.ID,
		"actorId":   membership.ActorID,
		"scopeKind": membership.ScopeKind,
		"scopeId":   membership.ScopeID,
		"roleId":    membership.RoleID,
	}
	if !membership.CreatedAt.IsZero() {
		payload["createdAt"] = membership.CreatedAt.Format(time.RFC3339)
	}
	return payload
}

// Sharing

// ShareDocument grants a single actor access to one document without touching
// project membership. Upserting twice for the same actor replaces the bound
// role instead of stacking grants. A share with no role makes nothing
// reachable until a role is bound later.
func (s *Service) ShareDocument(ctx context.Context, actor Identity, documentID string, input ShareDocumentInput) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeProject, doc.ProjectID, rbac.PermManageDocuments); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.ActorID) == "" {
		return nil, invalidInput("actorId is required", nil)
	}
	if _, err := s.store.GetActor(ctx, input.ActorID); err != nil {
		return nil, err
	}

	roleID := input.RoleID
	if roleID != nil {
		role, err := s.store.GetRole(ctx, *roleID)
		if err != nil {
			return nil, err
		}
		if role.ScopeKind != string(rbac.ScopeDocument) {
			return nil, invalidInput("share roles must be document-scoped", nil)
		}
		if role.ScopeID == nil {
			// Provision a concrete role for this document from the template.
			concrete := store.Role{
				ID:        util.NewID("rol"),
				ScopeKind: string(rbac.ScopeDocument),
				ScopeID:   &doc.ID,
				Name:      role.Name,
			}
			if err := s.store.InsertRole(ctx, concrete); err != nil {
				return nil, err
			}
			if err := s.store.ApplyRoleTemplate(ctx, role.ID, concrete.ID); err != nil {
				return nil, err
			}
			roleID = &concrete.ID
		} else if *role.ScopeID != doc.ID {
			return nil, invalidInput("role is bound to a different document", nil)
		}
	}

	shareID, err := s.store.UpsertShare(ctx, store.Share{
		ID:         util.NewID("shr"),
		DocumentID: documentID,
		ActorID:    input.ActorID,
		RoleID:     roleID,
		CreatedBy:  actor.ActorID,
	})
	if err != nil {
		return nil, err
	}
	// Re-sharing can detach a previously provisioned role; sweep any that
	// nothing references anymore.
	if err := s.store.PruneOrphanDocumentRoles(ctx, documentID); err != nil {
		return nil, err
	}
	share, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	return sharePayload(share), nil
}

func (s *Service) ListShares(ctx context.Context, actor Identity, documentID string) ([]map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireDocumentRead(ctx, actor.ActorID, doc); err != nil {
		return nil, err
	}
	shares, err := s.store.ListShares(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(shares))
	for _, share := range shares {
		items = append(items, sharePayload(share))
	}
	return items, nil
}

// RevokeShare hard-deletes the share. Access already exercised through it is
// not rolled back; the actor simply cannot resolve new operations afterward.
func (s *Service) RevokeShare(ctx context.Context, actor Identity, shareID string) error {
	share, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	doc, err := s.store.GetDocument(ctx, share.DocumentID)
	if err != nil {
		return err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeProject, doc.ProjectID, rbac.PermManageDocuments); err != nil {
		return err
	}
	if err := s.store.DeleteShare(ctx, shareID); err != nil {
		return err
	}
	return s.store.PruneOrphanDocumentRoles(ctx, share.DocumentID)
}

func sharePayload(share store.Share) map[string]any {
	return map[string]any{
		"id":         share.ID,
		"documentId": share.DocumentID,
		"actorId":    share.ActorID,
		"actorName":  share.ActorName,
		"actorEmail": share.ActorEmail,
		"roleId":     share.RoleID,
		"createdBy":  share.CreatedBy,
		"createdAt":  share.CreatedAt.Format(time.RFC3339),
	}
}
