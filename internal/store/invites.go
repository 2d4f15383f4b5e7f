package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) InsertInvite(ctx context.Context, item Invite) (Invite, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invites (id, scope_kind, scope_id, email, role_id, token, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, item.ID, item.ScopeKind, item.ScopeID, item.Email, item.RoleID, item.Token, item.CreatedBy).Scan(&item.CreatedAt)
	if err != nil {
		return Invite{}, fmt.Errorf("insert invite: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetInvite(ctx context.Context, inviteID string) (Invite, error) {
	var item Invite
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope_kind, scope_id, email, role_id, token, created_by, created_at
		FROM invites
		WHERE id=$1
	`, inviteID).Scan(&item.ID, &item.ScopeKind, &item.ScopeID, &item.Email, &item.RoleID, &item.Token, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Invite{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetInviteByToken(ctx context.Context, token string) (Invite, error) {
	var item Invite
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope_kind, scope_id, email, role_id, token, created_by, created_at
		FROM invites
		WHERE token=$1
	`, token).Scan(&item.ID, &item.ScopeKind, &item.ScopeID, &item.Email, &item.RoleID, &item.Token, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Invite{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListInvites(ctx context.Context, scopeKind, scopeID string) ([]Invite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_kind, scope_id, email, role_id, token, created_by, created_at
		FROM invites
		WHERE scope_kind=$1 AND scope_id=$2
		ORDER BY created_at DESC
	`, scopeKind, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	items := make([]Invite, 0)
	for rows.Next() {
		var item Invite
		if err := rows.Scan(&item.ID, &item.ScopeKind, &item.ScopeID, &item.Email, &item.RoleID, &item.Token, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteInvite(ctx context.Context, inviteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM invites WHERE id=$1`, inviteID)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	return nil
}
