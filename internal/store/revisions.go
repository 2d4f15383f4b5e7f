package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertRevision allocates the next sequence number and inserts the revision
// in a single transaction. The UPDATE on documents takes a row lock, so two
// concurrent calls for the same document serialize and can never be handed
// the same number. last_sequence only ever grows: numbers freed by a revert
// or prune are not reissued.
func (s *PostgresStore) InsertRevision(ctx context.Context, item Revision) (Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Revision{}, fmt.Errorf("begin insert revision: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		UPDATE documents
		SET last_sequence = last_sequence + 1, updated_at=NOW()
		WHERE id=$1
		RETURNING last_sequence
	`, item.DocumentID).Scan(&item.Sequence)
	if err != nil {
		return Revision{}, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO document_revisions (id, document_id, sequence, storage_key, change_note, created_by)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING created_at
	`, item.ID, item.DocumentID, item.Sequence, item.StorageKey, item.ChangeNote, item.CreatedBy).Scan(&item.CreatedAt)
	if err != nil {
		return Revision{}, fmt.Errorf("insert revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Revision{}, fmt.Errorf("commit insert revision: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, documentID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, sequence, storage_key, COALESCE(change_note, ''), created_by, created_at
		FROM document_revisions
		WHERE document_id=$1
		ORDER BY sequence DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Sequence, &item.StorageKey, &item.ChangeNote, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, revisionID string) (Revision, error) {
	var item Revision
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, sequence, storage_key, COALESCE(change_note, ''), created_by, created_at
		FROM document_revisions
		WHERE id=$1
	`, revisionID).Scan(&item.ID, &item.DocumentID, &item.Sequence, &item.StorageKey, &item.ChangeNote, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Revision{}, err
	}
	return item, nil
}

// CurrentRevision returns the highest-sequence surviving revision. The
// current pointer is always derived, never stored.
func (s *PostgresStore) CurrentRevision(ctx context.Context, documentID string) (*Revision, error) {
	var item Revision
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, sequence, storage_key, COALESCE(change_note, ''), created_by, created_at
		FROM document_revisions
		WHERE document_id=$1
		ORDER BY sequence DESC
		LIMIT 1
	`, documentID).Scan(&item.ID, &item.DocumentID, &item.Sequence, &item.StorageKey, &item.ChangeNote, &item.CreatedBy, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current revision: %w", err)
	}
	return &item, nil
}

// RevertToRevision deletes every revision of the document with a sequence
// number strictly greater than the target's, making the target current.
// PruneBeforeRevision deletes everything strictly older; the target keeps its
// place and the current pointer does not move. Both serialize against
// concurrent InsertRevision calls by locking the document row first, so a
// revision created mid-operation either lands entirely before the deletion
// scan or waits until after commit. The returned storage keys belong to the
// deleted revisions; releasing the blobs is the caller's concern.
func (s *PostgresStore) RevertToRevision(ctx context.Context, documentID, revisionID string) ([]string, error) {
	return s.trimRevisions(ctx, documentID, revisionID, trimAbove)
}

func (s *PostgresStore) PruneBeforeRevision(ctx context.Context, documentID, revisionID string) ([]string, error) {
	return s.trimRevisions(ctx, documentID, revisionID, trimBelow)
}

type trimDirection int

const (
	trimAbove trimDirection = iota
	trimBelow
)

func (s *PostgresStore) trimRevisions(ctx context.Context, documentID, revisionID string, direction trimDirection) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin trim revisions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSequence int64
	if err := tx.QueryRowContext(ctx, `
		SELECT last_sequence FROM documents WHERE id=$1 FOR UPDATE
	`, documentID).Scan(&lastSequence); err != nil {
		return nil, err
	}

	var target int64
	err = tx.QueryRowContext(ctx, `
		SELECT sequence FROM document_revisions WHERE id=$1 AND document_id=$2
	`, revisionID, documentID).Scan(&target)
	if err != nil {
		return nil, err
	}

	cmp := ">"
	if direction == trimBelow {
		cmp = "<"
	}

	keys, err := collectKeys(ctx, tx, `
		SELECT storage_key FROM document_revisions
		WHERE document_id=$1 AND sequence `+cmp+` $2
	`, documentID, target)
	if err != nil {
		return nil, err
	}

	// Explicit ordered cascade: comments first, then revision rows.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM document_comments c USING document_revisions r
		WHERE c.revision_id = r.id AND r.document_id=$1 AND r.sequence `+cmp+` $2
	`, documentID, target); err != nil {
		return nil, fmt.Errorf("delete trimmed comments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM document_revisions
		WHERE document_id=$1 AND sequence `+cmp+` $2
	`, documentID, target); err != nil {
		return nil, fmt.Errorf("delete trimmed revisions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit trim revisions: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO document_comments (id, revision_id, body, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, item.ID, item.RevisionID, item.Body, item.CreatedBy).Scan(&item.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, revisionID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, revision_id, body, created_by, created_at
		FROM document_comments
		WHERE revision_id=$1
		ORDER BY created_at ASC
	`, revisionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.RevisionID, &item.Body, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, revision_id, body, created_by, created_at
		FROM document_comments
		WHERE id=$1
	`, commentID).Scan(&item.ID, &item.RevisionID, &item.Body, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

// UpdateCommentBody replaces the text only; author and timestamp stay as
// written. No edit history is kept.
func (s *PostgresStore) UpdateCommentBody(ctx context.Context, commentID, body string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE document_comments SET body=$2 WHERE id=$1`, commentID, body)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}
