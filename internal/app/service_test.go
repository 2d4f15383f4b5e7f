package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"docledger/api/internal/config"
	"docledger/api/internal/rbac"
	"docledger/api/internal/store"
)

type fakeStore struct {
	getActorFn              func(context.Context, string) (store.Actor, error)
	getOrganizationFn       func(context.Context, string) (store.Organization, error)
	getProjectFn            func(context.Context, string) (store.Project, error)
	getDocumentFn           func(context.Context, string) (store.Document, error)
	getDocumentStatusFn     func(context.Context, string) (store.DocumentStatus, error)
	insertRevisionFn        func(context.Context, store.Revision) (store.Revision, error)
	listRevisionsFn         func(context.Context, string) ([]store.Revision, error)
	getRevisionFn           func(context.Context, string) (store.Revision, error)
	currentRevisionFn       func(context.Context, string) (*store.Revision, error)
	revertToRevisionFn      func(context.Context, string, string) ([]string, error)
	pruneBeforeRevisionFn   func(context.Context, string, string) ([]string, error)
	deleteDocumentCascadeFn func(context.Context, string) ([]string, error)
	insertCommentFn         func(context.Context, store.Comment) (store.Comment, error)
	getCommentFn            func(context.Context, string) (store.Comment, error)
	updateCommentBodyFn     func(context.Context, string, string) error
	deleteCommentFn         func(context.Context, string) error
	membershipRoleIDFn      func(context.Context, string, rbac.ScopeKind, string) (string, error)
	roleGrantExistsFn       func(context.Context, string, rbac.ScopeKind, rbac.Permission) (bool, error)
	shareRoleIDFn           func(context.Context, string, string) (string, error)
	getRoleFn               func(context.Context, string) (store.Role, error)
	insertRoleFn            func(context.Context, store.Role) error
	applyRoleTemplateFn     func(context.Context, string, string) error
	upsertShareFn           func(context.Context, store.Share) (string, error)
	getShareFn              func(context.Context, string) (store.Share, error)
	upsertMembershipFn      func(context.Context, store.Membership) error
	insertInviteFn          func(context.Context, store.Invite) (store.Invite, error)
	getInviteFn             func(context.Context, string) (store.Invite, error)
	getInviteByTokenFn      func(context.Context, string) (store.Invite, error)
	deleteInviteFn          func(context.Context, string) error
	pruneDocumentRolesFn    func(context.Context, string) error
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetActor(ctx context.Context, actorID string) (store.Actor, error) {
	if f.getActorFn != nil {
		return f.getActorFn(ctx, actorID)
	}
	return store.Actor{ID: actorID, DisplayName: "Actor"}, nil
}
func (f *fakeStore) EnsureActor(context.Context, string, string) error { return nil }

func (f *fakeStore) ListOrganizations(context.Context) ([]store.Organization, error) {
	return nil, nil
}
func (f *fakeStore) GetOrganization(ctx context.Context, orgID string) (store.Organization, error) {
	if f.getOrganizationFn != nil {
		return f.getOrganizationFn(ctx, orgID)
	}
	return store.Organization{ID: orgID, Name: "Org"}, nil
}
func (f *fakeStore) InsertOrganization(context.Context, store.Organization) error { return nil }
func (f *fakeStore) UpdateOrganization(context.Context, string, string, string) error {
	return nil
}
func (f *fakeStore) DeleteOrganizationCascade(context.Context, string) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) ListProjects(context.Context, string) ([]store.Project, error) { return nil, nil }
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{ID: projectID, OrganizationID: "org_1", Name: "Project"}, nil
}
func (f *fakeStore) InsertProject(context.Context, store.Project) error          { return nil }
func (f *fakeStore) UpdateProject(context.Context, string, string, string) error { return nil }
func (f *fakeStore) DeleteProjectCascade(context.Context, string) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) ListDocuments(context.Context, string) ([]store.Document, error) {
	return nil, nil
}
func (f *fakeStore) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, documentID)
	}
	return store.Document{ID: documentID, ProjectID: "prj_1", Title: "Doc"}, nil
}
func (f *fakeStore) InsertDocument(context.Context, store.Document) error { return nil }
func (f *fakeStore) UpdateDocument(context.Context, string, string, *string) error {
	return nil
}
func (f *fakeStore) DeleteDocumentCascade(ctx context.Context, documentID string) ([]string, error) {
	if f.deleteDocumentCascadeFn != nil {
		return f.deleteDocumentCascadeFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) ListDocumentStatuses(context.Context, string) ([]store.DocumentStatus, error) {
	return nil, nil
}
func (f *fakeStore) GetDocumentStatus(ctx context.Context, statusID string) (store.DocumentStatus, error) {
	if f.getDocumentStatusFn != nil {
		return f.getDocumentStatusFn(ctx, statusID)
	}
	return store.DocumentStatus{}, sql.ErrNoRows
}
func (f *fakeStore) InsertDocumentStatus(context.Context, store.DocumentStatus) error { return nil }
func (f *fakeStore) UpdateDocumentStatus(context.Context, string, string, string) error {
	return nil
}
func (f *fakeStore) DeleteDocumentStatus(context.Context, string) error { return nil }

func (f *fakeStore) InsertRevision(ctx context.Context, item store.Revision) (store.Revision, error) {
	if f.insertRevisionFn != nil {
		return f.insertRevisionFn(ctx, item)
	}
	item.Sequence = 1
	item.CreatedAt = time.Now()
	return item, nil
}
func (f *fakeStore) ListRevisions(ctx context.Context, documentID string) ([]store.Revision, error) {
	if f.listRevisionsFn != nil {
		return f.listRevisionsFn(ctx, documentID)
	}
	return nil, nil
}
func (f *fakeStore) GetRevision(ctx context.Context, revisionID string) (store.Revision, error) {
	if f.getRevisionFn != nil {
		return f.getRevisionFn(ctx, revisionID)
	}
	return store.Revision{}, sql.ErrNoRows
}
func (f *fakeStore) CurrentRevision(ctx context.Context, documentID string) (*store.Revision, error) {
	if f.currentRevisionFn != nil {
		return f.currentRevisionFn(ctx, documentID)
	}
	return nil, nil
}
func (f *fakeStore) RevertToRevision(ctx context.Context, documentID, revisionID string) ([]string, error) {
	if f.revertToRevisionFn != nil {
		return f.revertToRevisionFn(ctx, documentID, revisionID)
	}
	return nil, nil
}
func (f *fakeStore) PruneBeforeRevision(ctx context.Context, documentID, revisionID string) ([]string, error) {
	if f.pruneBeforeRevisionFn != nil {
		return f.pruneBeforeRevisionFn(ctx, documentID, revisionID)
	}
	return nil, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, item store.Comment) (store.Comment, error) {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, item)
	}
	item.CreatedAt = time.Now()
	return item, nil
}
func (f *fakeStore) ListComments(context.Context, string) ([]store.Comment, error) {
	return nil, nil
}
func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateCommentBody(ctx context.Context, commentID, body string) error {
	if f.updateCommentBodyFn != nil {
		return f.updateCommentBodyFn(ctx, commentID, body)
	}
	return nil
}
func (f *fakeStore) DeleteComment(ctx context.Context, commentID string) error {
	if f.deleteCommentFn != nil {
		return f.deleteCommentFn(ctx, commentID)
	}
	return nil
}

func (f *fakeStore) MembershipRoleID(ctx context.Context, actorID string, scope rbac.ScopeKind, scopeID string) (string, error) {
	if f.membershipRoleIDFn != nil {
		return f.membershipRoleIDFn(ctx, actorID, scope, scopeID)
	}
	return "", nil
}
func (f *fakeStore) RoleGrantExists(ctx context.Context, roleID string, scope rbac.ScopeKind, perm rbac.Permission) (bool, error) {
	if f.roleGrantExistsFn != nil {
		return f.roleGrantExistsFn(ctx, roleID, scope, perm)
	}
	return false, nil
}
func (f *fakeStore) ShareRoleID(ctx context.Context, documentID, actorID string) (string, error) {
	if f.shareRoleIDFn != nil {
		return f.shareRoleIDFn(ctx, documentID, actorID)
	}
	return "", nil
}

func (f *fakeStore) ListRoles(context.Context, string, string) ([]store.Role, error) {
	return nil, nil
}
func (f *fakeStore) GetRole(ctx context.Context, roleID string) (store.Role, error) {
	if f.getRoleFn != nil {
		return f.getRoleFn(ctx, roleID)
	}
	return store.Role{}, sql.ErrNoRows
}
func (f *fakeStore) InsertRole(ctx context.Context, item store.Role) error {
	if f.insertRoleFn != nil {
		return f.insertRoleFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) DeleteRole(context.Context, string) error { return nil }
func (f *fakeStore) ListPermissions(context.Context) ([]store.Permission, error) {
	return nil, nil
}
func (f *fakeStore) ListRoleGrants(context.Context, string) ([]store.Permission, error) {
	return nil, nil
}
func (f *fakeStore) AddRoleGrant(context.Context, string, string, string) error { return nil }
func (f *fakeStore) RemoveRoleGrant(context.Context, string, string) error      { return nil }
func (f *fakeStore) ApplyRoleTemplate(ctx context.Context, templateRoleID, targetRoleID string) error {
	if f.applyRoleTemplateFn != nil {
		return f.applyRoleTemplateFn(ctx, templateRoleID, targetRoleID)
	}
	return nil
}

func (f *fakeStore) ListMemberships(context.Context, string, string) ([]store.Membership, error) {
	return nil, nil
}
func (f *fakeStore) GetMembership(context.Context, string) (store.Membership, error) {
	return store.Membership{}, sql.ErrNoRows
}
func (f *fakeStore) UpsertMembership(ctx context.Context, item store.Membership) error {
	if f.upsertMembershipFn != nil {
		return f.upsertMembershipFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) DeleteMembership(context.Context, string) error { return nil }

func (f *fakeStore) InsertInvite(ctx context.Context, item store.Invite) (store.Invite, error) {
	if f.insertInviteFn != nil {
		return f.insertInviteFn(ctx, item)
	}
	item.CreatedAt = time.Now()
	return item, nil
}
func (f *fakeStore) GetInvite(ctx context.Context, inviteID string) (store.Invite, error) {
	if f.getInviteFn != nil {
		return f.getInviteFn(ctx, inviteID)
	}
	return store.Invite{}, sql.ErrNoRows
}
func (f *fakeStore) GetInviteByToken(ctx context.Context, token string) (store.Invite, error) {
	if f.getInviteByTokenFn != nil {
		return f.getInviteByTokenFn(ctx, token)
	}
	return store.Invite{}, sql.ErrNoRows
}
func (f *fakeStore) ListInvites(context.Context, string, string) ([]store.Invite, error) {
	return nil, nil
}
func (f *fakeStore) DeleteInvite(ctx context.Context, inviteID string) error {
	if f.deleteInviteFn != nil {
		return f.deleteInviteFn(ctx, inviteID)
	}
	return nil
}

func (f *fakeStore) PruneOrphanDocumentRoles(ctx context.Context, documentID string) error {
	if f.pruneDocumentRolesFn != nil {
		return f.pruneDocumentRolesFn(ctx, documentID)
	}
	return nil
}

func (f *fakeStore) ListShares(context.Context, string) ([]store.Share, error) { return nil, nil }
func (f *fakeStore) GetShare(ctx context.Context, shareID string) (store.Share, error) {
	if f.getShareFn != nil {
		return f.getShareFn(ctx, shareID)
	}
	return store.Share{}, sql.ErrNoRows
}
func (f *fakeStore) UpsertShare(ctx context.Context, item store.Share) (string, error) {
	if f.upsertShareFn != nil {
		return f.upsertShareFn(ctx, item)
	}
	return item.ID, nil
}
func (f *fakeStore) DeleteShare(context.Context, string) error { return nil }

type fakeBlobStore struct {
	putFn    func(context.Context, string, io.Reader, int64, string) error
	released []string
	failKeys map[string]error
}

func (f *fakeBlobStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if f.putFn != nil {
		return f.putFn(ctx, key, reader, size, contentType)
	}
	return nil
}
func (f *fakeBlobStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.example/" + key + "?signed", nil
}
func (f *fakeBlobStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("content of " + key)), nil
}
func (f *fakeBlobStore) Release(ctx context.Context, key string) error {
	if err, ok := f.failKeys[key]; ok {
		return err
	}
	f.released = append(f.released, key)
	return nil
}

type fakeRetryQueue struct {
	enqueued []string
}

func (f *fakeRetryQueue) Enqueue(ctx context.Context, storageKey string) error {
	f.enqueued = append(f.enqueued, storageKey)
	return nil
}

func newTestService(fs *fakeStore, fb *fakeBlobStore, queue retryQueue) *Service {
	return &Service{
		cfg:       config.Config{SignedURLTTL: time.Hour},
		store:     fs,
		blobs:     fb,
		cleanup:   queue,
		evaluator: rbac.NewEvaluator(fs),
	}
}

// grantProject wires the registry funcs so the actor holds a project role
// carrying exactly the given permissions.
func grantProject(fs *fakeStore, actorID, projectID, roleID string, perms ...rbac.Permission) {
	fs.membershipRoleIDFn = func(_ context.Context, actor string, scope rbac.ScopeKind, scopeID string) (string, error) {
		if actor == actorID && scope == rbac.ScopeProject && scopeID == projectID {
			return roleID, nil
		}
		return "", nil
	}
	fs.roleGrantExistsFn = func(_ context.Context, role string, scope rbac.ScopeKind, perm rbac.Permission) (bool, error) {
		if role != roleID {
			return false, nil
		}
		for _, granted := range perms {
			if granted == perm {
				return true, nil
			}
		}
		return false, nil
	}
}

func uploadInput() CreateRevisionInput {
	return CreateRevisionInput{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        4,
		Content:     strings.NewReader("data"),
	}
}

func TestCreateRevisionDeniedWithoutUpload(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	_, err := svc.CreateRevision(context.Background(), Identity{ActorID: "usr_stranger"}, "doc_1", uploadInput())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}
}

func TestCreateRevisionAllowedViaProjectRole(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermUpload, rbac.PermDownload)
	var inserted store.Revision
	fs.insertRevisionFn = func(_ context.Context, item store.Revision) (store.Revision, error) {
		inserted = item
		item.Sequence = 4
		item.CreatedAt = time.Now()
		return item, nil
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	payload, err := svc.CreateRevision(context.Background(), Identity{ActorID: "usr_editor"}, "doc_1", uploadInput())
	if err != nil {
		t.Fatalf("CreateRevision failed: %v", err)
	}
	if payload["sequence"] != int64(4) {
		t.Errorf("expected sequence 4, got %v", payload["sequence"])
	}
	if inserted.CreatedBy != "usr_editor" {
		t.Errorf("expected author usr_editor, got %s", inserted.CreatedBy)
	}
	if !strings.HasPrefix(inserted.StorageKey, "org_1/prj_1/doc_1/") {
		t.Errorf("storage key not namespaced: %q", inserted.StorageKey)
	}
	if !strings.HasSuffix(inserted.StorageKey, ".pdf") {
		t.Errorf("storage key missing extension: %q", inserted.StorageKey)
	}
}

func TestCreateRevisionAllowedViaDocumentShare(t *testing.T) {
	fs := &fakeStore{}
	fs.shareRoleIDFn = func(_ context.Context, documentID, actorID string) (string, error) {
		if documentID == "doc_1" && actorID == "usr_guest" {
			return "rol_doc_editor", nil
		}
		return "", nil
	}
	fs.roleGrantExistsFn = func(_ context.Context, roleID string, scope rbac.ScopeKind, perm rbac.Permission) (bool, error) {
		return roleID == "rol_doc_editor" && scope == rbac.ScopeDocument && perm == rbac.PermUpload, nil
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	if _, err := svc.CreateRevision(context.Background(), Identity{ActorID: "usr_guest"}, "doc_1", uploadInput()); err != nil {
		t.Fatalf("expected share grant to allow upload, got %v", err)
	}
}

func TestCreateRevisionViewerShareCannotUpload(t *testing.T) {
	fs := &fakeStore{}
	fs.shareRoleIDFn = func(context.Context, string, string) (string, error) {
		return "rol_doc_viewer", nil
	}
	fs.roleGrantExistsFn = func(_ context.Context, roleID string, scope rbac.ScopeKind, perm rbac.Permission) (bool, error) {
		return roleID == "rol_doc_viewer" && perm == rbac.PermDownload, nil
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	_, err := svc.CreateRevision(context.Background(), Identity{ActorID: "usr_guest"}, "doc_1", uploadInput())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
		t.Fatalf("viewer share must not grant upload, got %v", err)
	}

	// The same share still allows listing revisions.
	if _, err := svc.ListRevisions(context.Background(), Identity{ActorID: "usr_guest"}, "doc_1"); err != nil {
		t.Fatalf("viewer share should allow listing, got %v", err)
	}
}

func TestCreateRevisionRequiresFilename(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermUpload)
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	input := uploadInput()
	input.Filename = "  "
	_, err := svc.CreateRevision(context.Background(), Identity{ActorID: "usr_editor"}, "doc_1", input)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCreateRevisionStorageFailure(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermUpload)
	fb := &fakeBlobStore{putFn: func(context.Context, string, io.Reader, int64, string) error {
		return errors.New("connection refused")
	}}
	svc := newTestService(fs, fb, nil)

	_, err := svc.CreateRevision(context.Background(), Identity{ActorID: "usr_editor"}, "doc_1", uploadInput())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "STORAGE_UNAVAILABLE" {
		t.Fatalf("expected STORAGE_UNAVAILABLE, got %v", err)
	}
}

func TestCreateRevisionReleasesBlobWhenInsertFails(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermUpload)
	fs.insertRevisionFn = func(context.Context, store.Revision) (store.Revision, error) {
		return store.Revision{}, errors.New("insert revision: boom")
	}
	fb := &fakeBlobStore{}
	svc := newTestService(fs, fb, nil)

	if _, err := svc.CreateRevision(context.Background(), Identity{ActorID: "usr_editor"}, "doc_1", uploadInput()); err == nil {
		t.Fatal("expected error")
	}
	if len(fb.released) != 1 {
		t.Fatalf("expected the orphaned blob to be released, got %v", fb.released)
	}
}

func TestRevertReleasesTrimmedBlobs(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermDelete, rbac.PermDownload)
	fs.revertToRevisionFn = func(_ context.Context, documentID, revisionID string) ([]string, error) {
		if revisionID != "rev_2" {
			t.Errorf("unexpected target revision %s", revisionID)
		}
		return []string{"k3", "k4"}, nil
	}
	fb := &fakeBlobStore{}
	svc := newTestService(fs, fb, nil)

	if _, err := svc.RevertToRevision(context.Background(), Identity{ActorID: "usr_editor"}, "doc_1", "rev_2"); err != nil {
		t.Fatalf("RevertToRevision failed: %v", err)
	}
	if len(fb.released) != 2 {
		t.Fatalf("expected 2 blobs released, got %v", fb.released)
	}
}

func TestRevertQueuesFailedBlobReleases(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermDelete, rbac.PermDownload)
	fs.revertToRevisionFn = func(context.Context, string, string) ([]string, error) {
		return []string{"k3", "k4"}, nil
	}
	fb := &fakeBlobStore{failKeys: map[string]error{"k4": errors.New("storage down")}}
	queue := &fakeRetryQueue{}
	svc := newTestService(fs, fb, queue)

	if _, err := svc.RevertToRevision(context.Background(), Identity{ActorID: "usr_editor"}, "doc_1", "rev_2"); err != nil {
		t.Fatalf("blob release failures must not fail the revert: %v", err)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != "k4" {
		t.Fatalf("expected k4 queued for retry, got %v", queue.enqueued)
	}
}

func TestRevertToUnknownRevisionIsNotFound(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermDelete)
	fs.revertToRevisionFn = func(context.Context, string, string) ([]string, error) {
		return nil, sql.ErrNoRows
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	_, err := svc.RevertToRevision(context.Background(), Identity{ActorID: "usr_editor"}, "doc_1", "rev_pruned")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows to pass through, got %v", err)
	}
	status, code, _, _ := mapError(err)
	if status != 404 || code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND mapping, got %d %s", status, code)
	}
}

func TestPruneRequiresDeletePermission(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_viewer", "prj_1", "rol_viewer", rbac.PermDownload)
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	_, err := svc.PruneBeforeRevision(context.Background(), Identity{ActorID: "usr_viewer"}, "doc_1", "rev_2")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}
}

func TestAddCommentTrimsAndValidates(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermDownload, rbac.PermComment)
	fs.getRevisionFn = func(_ context.Context, revisionID string) (store.Revision, error) {
		return store.Revision{ID: revisionID, DocumentID: "doc_1"}, nil
	}
	var inserted store.Comment
	fs.insertCommentFn = func(_ context.Context, item store.Comment) (store.Comment, error) {
		inserted = item
		item.CreatedAt = time.Now()
		return item, nil
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)
	actor := Identity{ActorID: "usr_editor"}

	if _, err := svc.AddComment(context.Background(), actor, "rev_1", "   \n\t "); err == nil {
		t.Fatal("expected whitespace-only comment to be rejected")
	}
	if _, err := svc.AddComment(context.Background(), actor, "rev_1", "  looks good  "); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if inserted.Body != "looks good" {
		t.Errorf("expected trimmed body, got %q", inserted.Body)
	}
}

func TestEditCommentAuthorOrModerator(t *testing.T) {
	fs := &fakeStore{}
	fs.getCommentFn = func(_ context.Context, commentID string) (store.Comment, error) {
		return store.Comment{ID: commentID, RevisionID: "rev_1", Body: "old", CreatedBy: "usr_author"}, nil
	}
	fs.getRevisionFn = func(_ context.Context, revisionID string) (store.Revision, error) {
		return store.Revision{ID: revisionID, DocumentID: "doc_1"}, nil
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	// A third party without moderate-comments is rejected.
	_, err := svc.EditComment(context.Background(), Identity{ActorID: "usr_other"}, "cmt_1", "new text")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED for non-author, got %v", err)
	}

	// The author may edit.
	if _, err := svc.EditComment(context.Background(), Identity{ActorID: "usr_author"}, "cmt_1", "new text"); err != nil {
		t.Fatalf("author edit failed: %v", err)
	}

	// A project moderator may delete someone else's comment.
	grantProject(fs, "usr_mod", "prj_1", "rol_mod", rbac.PermModerateComments)
	if err := svc.DeleteComment(context.Background(), Identity{ActorID: "usr_mod"}, "cmt_1"); err != nil {
		t.Fatalf("moderator delete failed: %v", err)
	}
}

func TestShareDocumentValidatesRoleScope(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_admin", "prj_1", "rol_admin", rbac.PermManageDocuments)
	projectScope := "prj_1"
	fs.getRoleFn = func(_ context.Context, roleID string) (store.Role, error) {
		return store.Role{ID: roleID, ScopeKind: "project", ScopeID: &projectScope, Name: "editor"}, nil
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	roleID := "rol_project_editor"
	_, err := svc.ShareDocument(context.Background(), Identity{ActorID: "usr_admin"}, "doc_1", ShareDocumentInput{
		ActorID: "usr_guest",
		RoleID:  &roleID,
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for project-scoped role, got %v", err)
	}
}

func TestShareDocumentProvisionsTemplateRole(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_admin", "prj_1", "rol_admin", rbac.PermManageDocuments)
	fs.getRoleFn = func(_ context.Context, roleID string) (store.Role, error) {
		return store.Role{ID: roleID, ScopeKind: "document", Name: "viewer"}, nil
	}
	var provisioned store.Role
	fs.insertRoleFn = func(_ context.Context, item store.Role) error {
		provisioned = item
		return nil
	}
	var applied string
	fs.applyRoleTemplateFn = func(_ context.Context, templateRoleID, targetRoleID string) error {
		applied = templateRoleID
		return nil
	}
	var boundRole *string
	fs.upsertShareFn = func(_ context.Context, item store.Share) (string, error) {
		boundRole = item.RoleID
		return item.ID, nil
	}
	fs.getShareFn = func(_ context.Context, shareID string) (store.Share, error) {
		return store.Share{ID: shareID, DocumentID: "doc_1", ActorID: "usr_guest", RoleID: boundRole}, nil
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	roleID := "rol_tpl_doc_viewer"
	payload, err := svc.ShareDocument(context.Background(), Identity{ActorID: "usr_admin"}, "doc_1", ShareDocumentInput{
		ActorID: "usr_guest",
		RoleID:  &roleID,
	})
	if err != nil {
		t.Fatalf("ShareDocument failed: %v", err)
	}
	if applied != "rol_tpl_doc_viewer" {
		t.Errorf("expected grants copied from the template, applied=%q", applied)
	}
	if provisioned.ScopeID == nil || *provisioned.ScopeID != "doc_1" {
		t.Errorf("expected a concrete role bound to doc_1, got %+v", provisioned)
	}
	if boundRole == nil || *boundRole == "rol_tpl_doc_viewer" {
		t.Errorf("share must bind the provisioned role, not the template")
	}
	if payload["actorId"] != "usr_guest" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestShareDocumentRequiresManageDocuments(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermUpload, rbac.PermDownload)
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	_, err := svc.ShareDocument(context.Background(), Identity{ActorID: "usr_editor"}, "doc_1", ShareDocumentInput{ActorID: "usr_guest"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}
}

func TestShareChangesSweepOrphanedRoles(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_admin", "prj_1", "rol_admin", rbac.PermManageDocuments)
	fs.getRoleFn = func(_ context.Context, roleID string) (store.Role, error) {
		return store.Role{ID: roleID, ScopeKind: "document", Name: "viewer"}, nil
	}
	fs.getShareFn = func(_ context.Context, shareID string) (store.Share, error) {
		return store.Share{ID: shareID, DocumentID: "doc_1", ActorID: "usr_guest"}, nil
	}
	var swept []string
	fs.pruneDocumentRolesFn = func(_ context.Context, documentID string) error {
		swept = append(swept, documentID)
		return nil
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)
	admin := Identity{ActorID: "usr_admin"}

	// Re-sharing the same actor replaces the bound role; the old
	// provisioned role must be swept once nothing references it.
	roleID := "rol_tpl_doc_viewer"
	if _, err := svc.ShareDocument(context.Background(), admin, "doc_1", ShareDocumentInput{ActorID: "usr_guest", RoleID: &roleID}); err != nil {
		t.Fatalf("ShareDocument failed: %v", err)
	}
	if len(swept) != 1 || swept[0] != "doc_1" {
		t.Fatalf("expected one sweep after sharing, got %v", swept)
	}

	if err := svc.RevokeShare(context.Background(), admin, "shr_1"); err != nil {
		t.Fatalf("RevokeShare failed: %v", err)
	}
	if len(swept) != 2 || swept[1] != "doc_1" {
		t.Fatalf("expected a sweep after revoking, got %v", swept)
	}
}

func TestDeleteDocumentReleasesAllBlobs(t *testing.T) {
	fs := &fakeStore{}
	grantProject(fs, "usr_editor", "prj_1", "rol_editor", rbac.PermDelete)
	fs.deleteDocumentCascadeFn = func(context.Context, string) ([]string, error) {
		return []string{"k1", "k2", "k3"}, nil
	}
	fb := &fakeBlobStore{}
	svc := newTestService(fs, fb, nil)

	if err := svc.DeleteDocument(context.Background(), Identity{ActorID: "usr_editor"}, "doc_1"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	if len(fb.released) != 3 {
		t.Fatalf("expected 3 blobs released, got %v", fb.released)
	}
}

func TestRevisionDownloadURLRequiresRead(t *testing.T) {
	fs := &fakeStore{}
	fs.getRevisionFn = func(_ context.Context, revisionID string) (store.Revision, error) {
		return store.Revision{ID: revisionID, DocumentID: "doc_1", StorageKey: "org_1/prj_1/doc_1/a.pdf"}, nil
	}
	svc := newTestService(fs, &fakeBlobStore{}, nil)

	_, err := svc.RevisionDownloadURL(context.Background(), Identity{ActorID: "usr_stranger"}, "rev_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}

	grantProject(fs, "usr_viewer", "prj_1", "rol_viewer", rbac.PermDownload)
	payload, err := svc.RevisionDownloadURL(context.Background(), Identity{ActorID: "usr_viewer"}, "rev_1")
	if err != nil {
		t.Fatalf("RevisionDownloadURL failed: %v", err)
	}
	url, _ := payload["url"].(string)
	if !strings.Contains(url, "org_1/prj_1/doc_1/a.pdf") {
		t.Errorf("unexpected url %q", url)
	}
	if payload["expiresIn"] != int(time.Hour.Seconds()) {
		t.Errorf("unexpected ttl %v", payload["expiresIn"])
	}
}
