package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docledger/api/internal/rbac"
)

// MembershipRoleID implements rbac.Registry.
func (s *PostgresStore) MembershipRoleID(ctx context.Context, actorID string, scope rbac.ScopeKind, scopeID string) (string, error) {
	var roleID string
	err := s.db.QueryRowContext(ctx, `
		SELECT role_id FROM memberships
		WHERE actor_id=$1 AND scope_kind=$2 AND scope_id=$3
	`, actorID, string(scope), scopeID).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup membership role: %w", err)
	}
	return roleID, nil
}

// RoleGrantExists implements rbac.Registry.
func (s *PostgresStore) RoleGrantExists(ctx context.Context, roleID string, scope rbac.ScopeKind, perm rbac.Permission) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM role_permissions rp
			JOIN permissions p ON p.id = rp.permission_id
			WHERE rp.role_id=$1 AND p.scope_kind=$2 AND p.name=$3
		)
	`, roleID, string(scope), string(perm)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check role grant: %w", err)
	}
	return exists, nil
}

// ShareRoleID implements rbac.Registry. A share without a bound role grants
// nothing through the evaluator, so it reports as absent here.
func (s *PostgresStore) ShareRoleID(ctx context.Context, documentID, actorID string) (string, error) {
	var roleID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT role_id FROM document_shares
		WHERE document_id=$1 AND actor_id=$2
	`, documentID, actorID).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup share role: %w", err)
	}
	return roleID.String, nil
}

func (s *PostgresStore) ListRoles(ctx context.Context, scopeKind, scopeID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_kind, scope_id, name, COALESCE(description, ''), created_at
		FROM roles
		WHERE scope_kind=$1 AND ($2='' OR scope_id=$2 OR scope_id IS NULL)
		ORDER BY name ASC
	`, scopeKind, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	items := make([]Role, 0)
	for rows.Next() {
		var item Role
		if err := rows.Scan(&item.ID, &item.ScopeKind, &item.ScopeID, &item.Name, &item.Description, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRole(ctx context.Context, roleID string) (Role, error) {
	var item Role
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope_kind, scope_id, name, COALESCE(description, ''), created_at
		FROM roles
		WHERE id=$1
	`, roleID).Scan(&item.ID, &item.ScopeKind, &item.ScopeID, &item.Name, &item.Description, &item.CreatedAt)
	if err != nil {
		return Role{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertRole(ctx context.Context, item Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (id, scope_kind, scope_id, name, description)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	`, item.ID, item.ScopeKind, item.ScopeID, item.Name, item.Description)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRole(ctx context.Context, roleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete role: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []string{
		`DELETE FROM role_permissions WHERE role_id=$1`,
		`DELETE FROM memberships WHERE role_id=$1`,
		`UPDATE document_shares SET role_id=NULL WHERE role_id=$1`,
		`DELETE FROM roles WHERE id=$1`,
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step, roleID); err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete role: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_kind, name, COALESCE(description, '')
		FROM permissions
		ORDER BY scope_kind ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	items := make([]Permission, 0)
	for rows.Next() {
		var item Permission
		if err := rows.Scan(&item.ID, &item.ScopeKind, &item.Name, &item.Description); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListRoleGrants(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.scope_kind, p.name, COALESCE(p.description, '')
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id=$1
		ORDER BY p.name ASC
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("list role grants: %w", err)
	}
	defer rows.Close()

	items := make([]Permission, 0)
	for rows.Next() {
		var item Permission
		if err := rows.Scan(&item.ID, &item.ScopeKind, &item.Name, &item.Description); err != nil {
			return nil, fmt.Errorf("scan role grant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role grants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddRoleGrant(ctx context.Context, grantID, roleID, permissionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_permissions (id, role_id, permission_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`, grantID, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("add role grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveRoleGrant(ctx context.Context, roleID, permissionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM role_permissions WHERE role_id=$1 AND permission_id=$2
	`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("remove role grant: %w", err)
	}
	return nil
}

// ApplyRoleTemplate copies a template role's grant set onto a concrete role.
// This is the only place template roles are read; the evaluator never sees
// them.
func (s *PostgresStore) ApplyRoleTemplate(ctx context.Context, templateRoleID, targetRoleID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_permissions (id, role_id, permission_id)
		SELECT CONCAT('rpg_', MD5(RANDOM()::text || permission_id)), $2, permission_id
		FROM role_permissions
		WHERE role_id=$1
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`, templateRoleID, targetRoleID)
	if err != nil {
		return fmt.Errorf("apply role template: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, scopeKind, scopeID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, scope_kind, scope_id, role_id, created_at
		FROM memberships
		WHERE scope_kind=$1 AND scope_id=$2
		ORDER BY created_at ASC
	`, scopeKind, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.ID, &item.ActorID, &item.ScopeKind, &item.ScopeID, &item.RoleID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, membershipID string) (Membership, error) {
	var item Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT id, actor_id, scope_kind, scope_id, role_id, created_at
		FROM memberships
		WHERE id=$1
	`, membershipID).Scan(&item.ID, &item.ActorID, &item.ScopeKind, &item.ScopeID, &item.RoleID, &item.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	return item, nil
}

// UpsertMembership enforces at most one role per actor per scope instance.
func (s *PostgresStore) UpsertMembership(ctx context.Context, item Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (id, actor_id, scope_kind, scope_id, role_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id, scope_kind, scope_id)
		DO UPDATE SET role_id=EXCLUDED.role_id
	`, item.ID, item.ActorID, item.ScopeKind, item.ScopeID, item.RoleID)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, membershipID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memberships WHERE id=$1`, membershipID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListShares(ctx context.Context, documentID string) ([]Share, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sh.id, sh.document_id, sh.actor_id, sh.role_id, sh.created_by, sh.created_at,
			COALESCE(a.display_name, ''), COALESCE(a.email, '')
		FROM document_shares sh
		LEFT JOIN actors a ON a.id = sh.actor_id
		WHERE sh.document_id=$1
		ORDER BY sh.created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	items := make([]Share, 0)
	for rows.Next() {
		var item Share
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.ActorID, &item.RoleID, &item.CreatedBy, &item.CreatedAt, &item.ActorName, &item.ActorEmail); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetShare(ctx context.Context, shareID string) (Share, error) {
	var item Share
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, actor_id, role_id, created_by, created_at
		FROM document_shares
		WHERE id=$1
	`, shareID).Scan(&item.ID, &item.DocumentID, &item.ActorID, &item.RoleID, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Share{}, err
	}
	return item, nil
}

// UpsertShare is idempotent per (document, actor): a second grant updates the
// role instead of duplicating the share. Returns the surviving share id.
func (s *PostgresStore) UpsertShare(ctx context.Context, item Share) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO document_shares (id, document_id, actor_id, role_id, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, actor_id)
		DO UPDATE SET role_id=EXCLUDED.role_id
		RETURNING id
	`, item.ID, item.DocumentID, item.ActorID, item.RoleID, item.CreatedBy).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert share: %w", err)
	}
	return id, nil
}

// PruneOrphanDocumentRoles removes concrete document-scoped roles for the
// document that no share or membership references anymore, together with
// their grants. Re-sharing an actor with a template provisions a fresh
// concrete role; the one it replaces is cleaned up here.
func (s *PostgresStore) PruneOrphanDocumentRoles(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prune document roles: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const orphaned = `
		scope_kind='document' AND scope_id=$1
		AND NOT EXISTS (SELECT 1 FROM document_shares sh WHERE sh.role_id = roles.id)
		AND NOT EXISTS (SELECT 1 FROM memberships m WHERE m.role_id = roles.id)`

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM role_permissions rp USING roles
		WHERE rp.role_id = roles.id AND `+orphaned, documentID); err != nil {
		return fmt.Errorf("prune document role grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM roles WHERE `+orphaned, documentID); err != nil {
		return fmt.Errorf("prune document roles: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit prune document roles: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteShare(ctx context.Context, shareID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_shares WHERE id=$1`, shareID)
	if err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}
