package app

import (
	"context"
	"strings"
	"time"

	"docledger/api/internal/rbac"
	"docledger/api/internal/store"
	"docledger/api/internal/util"
)

type CreateInviteInput struct {
	ScopeKind string  `json:"scopeKind"`
	ScopeID   string  `json:"scopeId"`
	Email     string  `json:"email"`
	RoleID    *string `json:"roleId"`
}

// CreateInvite issues a token-redeemable membership offer for an organization
// or project. Email dispatch is not supported; the caller delivers the token.
func (s *Service) CreateInvite(ctx context.Context, actor Identity, input CreateInviteInput) (map[string]any, error) {
	kind := rbac.ScopeKind(input.ScopeKind)
	if kind != rbac.ScopeOrganization && kind != rbac.ScopeProject {
		return nil, invalidInput("invites apply to organizations and projects only", nil)
	}
	if err := s.checkScopeInstanceExists(ctx, input.ScopeKind, input.ScopeID); err != nil {
		return nil, err
	}
	if err := s.requireMemberAdmin(ctx, actor.ActorID, input.ScopeKind, input.ScopeID); err != nil {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, invalidInput("a valid email is required", nil)
	}

	if input.RoleID != nil {
		role, err := s.store.GetRole(ctx, *input.RoleID)
		if err != nil {
			return nil, err
		}
		if role.ScopeKind != input.ScopeKind {
			return nil, invalidInput("role scope does not match the invite scope", nil)
		}
		// A template role is provisioned at accept time; a concrete role must
		// already be bound to this exact scope instance.
		if role.ScopeID != nil && *role.ScopeID != input.ScopeID {
			return nil, invalidInput("role is bound to a different scope instance", nil)
		}
	}

	invite, err := s.store.InsertInvite(ctx, store.Invite{
		ID:        util.NewID("inv"),
		ScopeKind: input.ScopeKind,
		ScopeID:   input.ScopeID,
		Email:     email,
		RoleID:    input.RoleID,
		Token:     util.NewID(""),
		CreatedBy: actor.ActorID,
	})
	if err != nil {
		return nil, err
	}
	return invitePayload(invite), nil
}

func (s *Service) ListInvites(ctx context.Context, actor Identity, scopeKind, scopeID string) ([]map[string]any, error) {
	if err := s.checkScopeInstanceExists(ctx, scopeKind, scopeID); err != nil {
		return nil, err
	}
	if err := s.requireMemberAdmin(ctx, actor.ActorID, scopeKind, scopeID); err != nil {
		return nil, err
	}
	invites, err := s.store.ListInvites(ctx, scopeKind, scopeID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(invites))
	for _, invite := range invites {
		items = append(items, invitePayload(invite))
	}
	return items, nil
}

func (s *Service) RevokeInvite(ctx context.Context, actor Identity, inviteID string) error {
	invite, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		return err
	}
	if err := s.requireMemberAdmin(ctx, actor.ActorID, invite.ScopeKind, invite.ScopeID); err != nil {
		return err
	}
	return s.store.DeleteInvite(ctx, inviteID)
}

// AcceptInvite redeems a token for the calling actor and consumes the invite.
// Possession of the token is the credential; the invite email is addressing
// metadata, not an identity check.
func (s *Service) AcceptInvite(ctx context.Context, actor Identity, token string) (map[string]any, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, invalidInput("token is required", nil)
	}
	invite, err := s.store.GetInviteByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	roleID, err := s.resolveInviteRole(ctx, invite)
	if err != nil {
		return nil, err
	}

	membership := store.Membership{
		ID:        util.NewID("mem"),
		ActorID:   actor.ActorID,
		ScopeKind: invite.ScopeKind,
		ScopeID:   invite.ScopeID,
		RoleID:    roleID,
	}
	if err := s.store.UpsertMembership(ctx, membership); err != nil {
		return nil, err
	}
	if err := s.store.DeleteInvite(ctx, invite.ID); err != nil {
		return nil, err
	}
	return membershipPayload(membership), nil
}

// resolveInviteRole turns the invite's role into a concrete role id for the
// membership. Template roles (including the defaults for role-less invites)
// are provisioned against the invite's scope instance.
func (s *Service) resolveInviteRole(ctx context.Context, invite store.Invite) (string, error) {
	templateID := ""
	if invite.RoleID == nil {
		if rbac.ScopeKind(invite.ScopeKind) == rbac.ScopeOrganization {
			templateID = orgMemberTemplateRole
		} else {
			templateID = projectViewerTemplateRole
		}
	} else {
		role, err := s.store.GetRole(ctx, *invite.RoleID)
		if err != nil {
			return "", err
		}
		if role.ScopeID != nil {
			return role.ID, nil
		}
		templateID = role.ID
	}

	template, err := s.store.GetRole(ctx, templateID)
	if err != nil {
		return "", err
	}
	concrete := store.Role{
		ID:        util.NewID("rol"),
		ScopeKind: invite.ScopeKind,
		ScopeID:   &invite.ScopeID,
		Name:      template.Name,
	}
	if err := s.store.InsertRole(ctx, concrete); err != nil {
		return "", err
	}
	if err := s.store.ApplyRoleTemplate(ctx, template.ID, concrete.ID); err != nil {
		return "", err
	}
	return concrete.ID, nil
}

func invitePayload(invite store.Invite) map[string]any {
	return map[string]any{
		"id":        invite.ID,
		"scopeKind": invite.ScopeKind,
		"scopeId":   invite.ScopeID,
		"email":     invite.Email,
		"roleId":    invite.RoleID,
		"token":     invite.Token,
		"createdBy": invite.CreatedBy,
		"createdAt": invite.CreatedAt.Format(time.RFC3339),
	}
}
