package store

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetActor(ctx context.Context, actorID string) (Actor, error) {
	var item Actor
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at
		FROM actors
		WHERE id=$1
	`, actorID).Scan(&item.ID, &item.DisplayName, &item.Email, &item.CreatedAt)
	if err != nil {
		return Actor{}, err
	}
	return item, nil
}

// EnsureActor records the identity-provider actor on first sight so that
// memberships and shares can join a display name.
func (s *PostgresStore) EnsureActor(ctx context.Context, actorID, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.docledger.dev'))
		ON CONFLICT (id) DO NOTHING
	`, actorID, displayName)
	if err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_by, created_at, updated_at
		FROM organizations
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	items := make([]Organization, 0)
	for rows.Next() {
		var item Organization
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organizations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	var item Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, created_at, updated_at
		FROM organizations
		WHERE id=$1
	`, orgID).Scan(&item.ID, &item.Name, &item.Description, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Organization{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertOrganization(ctx context.Context, item Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, description, created_by)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.Name, item.Description, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOrganization(ctx context.Context, orgID, name, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET name=$2, description=$3, updated_at=NOW()
		WHERE id=$1
	`, orgID, name, description)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	return nil
}

// DeleteOrganizationCascade removes the organization together with its
// projects, documents, revisions, comments, shares, memberships, and bound
// roles. Deletion is explicit and ordered, children first, so a storage
// outage mid-way leaves an inspectable state instead of half a foreign-key
// cascade. It returns the storage keys of every deleted revision so the
// caller can release the blobs.
func (s *PostgresStore) DeleteOrganizationCascade(ctx context.Context, orgID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete organization: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE id=$1)`, orgID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check organization: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	keys, err := collectKeys(ctx, tx, `
		SELECT r.storage_key
		FROM document_revisions r
		JOIN documents d ON d.id = r.document_id
		JOIN projects p ON p.id = d.project_id
		WHERE p.organization_id=$1
	`, orgID)
	if err != nil {
		return nil, err
	}

	steps := []string{
		`DELETE FROM document_comments c USING document_revisions r, documents d, projects p
			WHERE c.revision_id = r.id AND r.document_id = d.id AND d.project_id = p.id AND p.organization_id=$1`,
		`DELETE FROM document_revisions r USING documents d, projects p
			WHERE r.document_id = d.id AND d.project_id = p.id AND p.organization_id=$1`,
		`DELETE FROM document_shares sh USING documents d, projects p
			WHERE sh.document_id = d.id AND d.project_id = p.id AND p.organization_id=$1`,
		`DELETE FROM memberships m USING documents d, projects p
			WHERE m.scope_kind='document' AND m.scope_id = d.id AND d.project_id = p.id AND p.organization_id=$1`,
		`DELETE FROM role_permissions rp USING roles r, documents d, projects p
			WHERE rp.role_id = r.id AND r.scope_kind='document' AND r.scope_id = d.id AND d.project_id = p.id AND p.organization_id=$1`,
		`DELETE FROM roles r USING documents d, projects p
			WHERE r.scope_kind='document' AND r.scope_id = d.id AND d.project_id = p.id AND p.organization_id=$1`,
		`DELETE FROM documents d USING projects p
			WHERE d.project_id = p.id AND p.organization_id=$1`,
		`DELETE FROM document_statuses st USING projects p
			WHERE st.project_id = p.id AND p.organization_id=$1`,
		`DELETE FROM memberships m USING projects p
			WHERE m.scope_kind='project' AND m.scope_id = p.id AND p.organization_id=$1`,
		`DELETE FROM invites i USING projects p
			WHERE i.scope_kind='project' AND i.scope_id = p.id AND p.organization_id=$1`,
		`DELETE FROM role_permissions rp USING roles r, projects p
			WHERE rp.role_id = r.id AND r.scope_kind='project' AND r.scope_id = p.id AND p.organization_id=$1`,
		`DELETE FROM roles r USING projects p
			WHERE r.scope_kind='project' AND r.scope_id = p.id AND p.organization_id=$1`,
		`DELETE FROM projects WHERE organization_id=$1`,
		`DELETE FROM memberships WHERE scope_kind='organization' AND scope_id=$1`,
		`DELETE FROM invites WHERE scope_kind='organization' AND scope_id=$1`,
		`DELETE FROM role_permissions rp USING roles r
			WHERE rp.role_id = r.id AND r.scope_kind='organization' AND r.scope_id=$1`,
		`DELETE FROM roles WHERE scope_kind='organization' AND scope_id=$1`,
		`DELETE FROM organizations WHERE id=$1`,
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step, orgID); err != nil {
			return nil, fmt.Errorf("delete organization cascade: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete organization: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, orgID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, description, created_by, created_at, updated_at
		FROM projects
		WHERE organization_id=$1
		ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.OrganizationID, &item.Name, &item.Description, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, description, created_by, created_at, updated_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.OrganizationID, &item.Name, &item.Description, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, item Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, organization_id, name, description, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.OrganizationID, item.Name, item.Description, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID, name, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2, description=$3, updated_at=NOW()
		WHERE id=$1
	`, projectID, name, description)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// DeleteProjectCascade mirrors DeleteOrganizationCascade one level down.
func (s *PostgresStore) DeleteProjectCascade(ctx context.Context, projectID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM projects WHERE id=$1)`, projectID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check project: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	keys, err := collectKeys(ctx, tx, `
		SELECT r.storage_key
		FROM document_revisions r
		JOIN documents d ON d.id = r.document_id
		WHERE d.project_id=$1
	`, projectID)
	if err != nil {
		return nil, err
	}

	steps := []string{
		`DELETE FROM document_comments c USING document_revisions r, documents d
			WHERE c.revision_id = r.id AND r.document_id = d.id AND d.project_id=$1`,
		`DELETE FROM document_revisions r USING documents d
			WHERE r.document_id = d.id AND d.project_id=$1`,
		`DELETE FROM document_shares sh USING documents d
			WHERE sh.document_id = d.id AND d.project_id=$1`,
		`DELETE FROM memberships m USING documents d
			WHERE m.scope_kind='document' AND m.scope_id = d.id AND d.project_id=$1`,
		`DELETE FROM role_permissions rp USING roles r, documents d
			WHERE rp.role_id = r.id AND r.scope_kind='document' AND r.scope_id = d.id AND d.project_id=$1`,
		`DELETE FROM roles r USING documents d
			WHERE r.scope_kind='document' AND r.scope_id = d.id AND d.project_id=$1`,
		`DELETE FROM documents WHERE project_id=$1`,
		`DELETE FROM document_statuses WHERE project_id=$1`,
		`DELETE FROM memberships WHERE scope_kind='project' AND scope_id=$1`,
		`DELETE FROM invites WHERE scope_kind='project' AND scope_id=$1`,
		`DELETE FROM role_permissions rp USING roles r
			WHERE rp.role_id = r.id AND r.scope_kind='project' AND r.scope_id=$1`,
		`DELETE FROM roles WHERE scope_kind='project' AND scope_id=$1`,
		`DELETE FROM projects WHERE id=$1`,
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step, projectID); err != nil {
			return nil, fmt.Errorf("delete project cascade: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete project: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, projectID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, status_id, last_sequence, created_by, created_at, updated_at
		FROM documents
		WHERE project_id=$1
		ORDER BY updated_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Title, &item.StatusID, &item.LastSequence, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, status_id, last_sequence, created_by, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.ProjectID, &item.Title, &item.StatusID, &item.LastSequence, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, title, status_id, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.ProjectID, item.Title, item.StatusID, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID, title string, statusID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title=$2, status_id=$3, updated_at=NOW()
		WHERE id=$1
	`, documentID, title, statusID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// DeleteDocumentCascade removes the document with its revisions, comments,
// shares, and document-scoped memberships, returning the released storage keys.
func (s *PostgresStore) DeleteDocumentCascade(ctx context.Context, documentID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, documentID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check document: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	keys, err := collectKeys(ctx, tx, `
		SELECT storage_key FROM document_revisions WHERE document_id=$1
	`, documentID)
	if err != nil {
		return nil, err
	}

	steps := []string{
		`DELETE FROM document_comments c USING document_revisions r
			WHERE c.revision_id = r.id AND r.document_id=$1`,
		`DELETE FROM document_revisions WHERE document_id=$1`,
		`DELETE FROM document_shares WHERE document_id=$1`,
		`DELETE FROM memberships WHERE scope_kind='document' AND scope_id=$1`,
		`DELETE FROM role_permissions rp USING roles r
			WHERE rp.role_id = r.id AND r.scope_kind='document' AND r.scope_id=$1`,
		`DELETE FROM roles WHERE scope_kind='document' AND scope_id=$1`,
		`DELETE FROM documents WHERE id=$1`,
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step, documentID); err != nil {
			return nil, fmt.Errorf("delete document cascade: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete document: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) ListDocumentStatuses(ctx context.Context, projectID string) ([]DocumentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, COALESCE(color, ''), created_at
		FROM document_statuses
		WHERE project_id=$1
		ORDER BY name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list document statuses: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentStatus, 0)
	for rows.Next() {
		var item DocumentStatus
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Color, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document status: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document statuses: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocumentStatus(ctx context.Context, statusID string) (DocumentStatus, error) {
	var item DocumentStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, COALESCE(color, ''), created_at
		FROM document_statuses
		WHERE id=$1
	`, statusID).Scan(&item.ID, &item.ProjectID, &item.Name, &item.Color, &item.CreatedAt)
	if err != nil {
		return DocumentStatus{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertDocumentStatus(ctx context.Context, item DocumentStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_statuses (id, project_id, name, color)
		VALUES ($1, $2, $3, NULLIF($4, ''))
	`, item.ID, item.ProjectID, item.Name, item.Color)
	if err != nil {
		return fmt.Errorf("insert document status: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, statusID, name, color string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE document_statuses SET name=$2, color=NULLIF($3, '')
		WHERE id=$1
	`, statusID, name, color)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocumentStatus(ctx context.Context, statusID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status_id=NULL WHERE status_id=$1`, statusID); err != nil {
		return fmt.Errorf("detach status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_statuses WHERE id=$1`, statusID); err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete status: %w", err)
	}
	return nil
}

func collectKeys(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("collect storage keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan storage key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate storage keys: %w", err)
	}
	return keys, nil
}
