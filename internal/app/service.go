package app

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"docledger/api/internal/auth"
	"docledger/api/internal/blob"
	"docledger/api/internal/cleanup"
	"docledger/api/internal/config"
	"docledger/api/internal/rbac"
	"docledger/api/internal/store"
	"docledger/api/internal/util"

	"github.com/jackc/pgx/v5/pgconn"
)

// Identity is the authenticated caller, taken from a bearer token. Tokens are
// issued elsewhere; this service only consumes them.
type Identity struct {
	ActorID string
	Name    string
}

type CreateRevisionInput struct {
	Filename    string
	ContentType string
	ChangeNote  string
	Size        int64
	Content     io.Reader
}

// Template roles copied onto concrete roles at provisioning time. They exist
// with no bound scope instance and are never consulted by the evaluator.
const (
	orgOwnerTemplateRole      = "rol_tpl_org_owner"
	orgMemberTemplateRole     = "rol_tpl_org_member"
	projectEditorTemplateRole = "rol_tpl_prj_editor"
	projectViewerTemplateRole = "rol_tpl_prj_viewer"
)

type dataStore interface {
	Ping(ctx context.Context) error

	GetActor(context.Context, string) (store.Actor, error)
	EnsureActor(context.Context, string, string) error

	ListOrganizations(context.Context) ([]store.Organization, error)
	GetOrganization(context.Context, string) (store.Organization, error)
	InsertOrganization(context.Context, store.Organization) error
	UpdateOrganization(context.Context, string, string, string) error
	DeleteOrganizationCascade(context.Context, string) ([]string, error)

	ListProjects(context.Context, string) ([]store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	InsertProject(context.Context, store.Project) error
	UpdateProject(context.Context, string, string, string) error
	DeleteProjectCascade(context.Context, string) ([]string, error)

	ListDocuments(context.Context, string) ([]store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	InsertDocument(context.Context, store.Document) error
	UpdateDocument(context.Context, string, string, *string) error
	DeleteDocumentCascade(context.Context, string) ([]string, error)

	ListDocumentStatuses(context.Context, string) ([]store.DocumentStatus, error)
	GetDocumentStatus(context.Context, string) (store.DocumentStatus, error)
	InsertDocumentStatus(context.Context, store.DocumentStatus) error
	UpdateDocumentStatus(context.Context, string, string, string) error
	DeleteDocumentStatus(context.Context, string) error

	InsertRevision(context.Context, store.Revision) (store.Revision, error)
	ListRevisions(context.Context, string) ([]store.Revision, error)
	GetRevision(context.Context, string) (store.Revision, error)
	CurrentRevision(context.Context, string) (*store.Revision, error)
	RevertToRevision(context.Context, string, string) ([]string, error)
	PruneBeforeRevision(context.Context, string, string) ([]string, error)

	InsertComment(context.Context, store.Comment) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	GetComment(context.Context, string) (store.Comment, error)
	UpdateCommentBody(context.Context, string, string) error
	DeleteComment(context.Context, string) error

	MembershipRoleID(ctx context.Context, actorID string, scope rbac.ScopeKind, scopeID string) (string, error)
	RoleGrantExists(ctx context.Context, roleID string, scope rbac.ScopeKind, perm rbac.Permission) (bool, error)
	ShareRoleID(ctx context.Context, documentID, actorID string) (string, error)

	ListRoles(context.Context, string, string) ([]store.Role, error)
	GetRole(context.Context, string) (store.Role, error)
	InsertRole(context.Context, store.Role) error
	DeleteRole(context.Context, string) error
	ListPermissions(context.Context) ([]store.Permission, error)
	ListRoleGrants(context.Context, string) ([]store.Permission, error)
	AddRoleGrant(context.Context, string, string, string) error
	RemoveRoleGrant(context.Context, string, string) error
	ApplyRoleTemplate(context.Context, string, string) error

	ListMemberships(context.Context, string, string) ([]store.Membership, error)
	GetMembership(context.Context, string) (store.Membership, error)
	UpsertMembership(context.Context, store.Membership) error
	DeleteMembership(context.Context, string) error

	InsertInvite(context.Context, store.Invite) (store.Invite, error)
	GetInvite(context.Context, string) (store.Invite, error)
	GetInviteByToken(context.Context, string) (store.Invite, error)
	ListInvites(context.Context, string, string) ([]store.Invite, error)
	DeleteInvite(context.Context, string) error

	PruneOrphanDocumentRoles(context.Context, string) error

	ListShares(context.Context, string) ([]store.Share, error)
	GetShare(context.Context, string) (store.Share, error)
	UpsertShare(context.Context, store.Share) (string, error)
	DeleteShare(context.Context, string) error
}

type blobStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Release(ctx context.Context, key string) error
}

type retryQueue interface {
	Enqueue(ctx context.Context, storageKey string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	blobs     blobStore
	cleanup   retryQueue
	evaluator *rbac.Evaluator
}

func New(cfg config.Config, dataStore *store.PostgresStore, blobs *blob.Store, queue *cleanup.Queue) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     dataStore,
		blobs:     blobs,
		evaluator: rbac.NewEvaluator(dataStore),
	}
	if queue != nil {
		svc.cleanup = queue
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// IdentityFromToken parses the bearer token and makes sure the actor is known
// to the directory so shares and memberships can join a display name.
func (s *Service) IdentityFromToken(ctx context.Context, token string) (Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Identity{}, err
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Sub
	}
	if err := s.store.EnsureActor(ctx, claims.Sub, name); err != nil {
		return Identity{}, err
	}
	return Identity{ActorID: claims.Sub, Name: name}, nil
}

// canOnDocument checks the permission against the owning project first, then
// against the document itself, where the evaluator also consults shares.
func (s *Service) canOnDocument(ctx context.Context, actorID string, doc store.Document, perm rbac.Permission) (bool, error) {
	allowed, err := s.evaluator.HasPermission(ctx, actorID, rbac.ScopeProject, doc.ProjectID, perm)
	if err != nil || allowed {
		return allowed, err
	}
	return s.evaluator.HasPermission(ctx, actorID, rbac.ScopeDocument, doc.ID, perm)
}

func (s *Service) requireDocumentPermission(ctx context.Context, actorID string, doc store.Document, perm rbac.Permission) error {
	allowed, err := s.canOnDocument(ctx, actorID, doc, perm)
	if err != nil {
		return err
	}
	if !allowed {
		return permissionDenied("missing '" + string(perm) + "' permission")
	}
	return nil
}

func (s *Service) requireScopePermission(ctx context.Context, actorID string, scope rbac.ScopeKind, scopeID string, perm rbac.Permission) error {
	allowed, err := s.evaluator.HasPermission(ctx, actorID, scope, scopeID, perm)
	if err != nil {
		return err
	}
	if !allowed {
		return permissionDenied("missing '" + string(perm) + "' permission")
	}
	return nil
}

func (s *Service) memberOf(ctx context.Context, actorID string, scope rbac.ScopeKind, scopeID string) (bool, error) {
	roleID, err := s.evaluator.ResolveRoleID(ctx, actorID, scope, scopeID)
	if err != nil {
		return false, err
	}
	return roleID != "", nil
}

// canReadDocument allows either project-level download or a share grant;
// document visibility follows read access.
func (s *Service) requireDocumentRead(ctx context.Context, actorID string, doc store.Document) error {
	return s.requireDocumentPermission(ctx, actorID, doc, rbac.PermDownload)
}

// releaseKeys deletes blobs left behind by committed deletions. Failures never
// surface to the caller; they are logged and handed to the retry queue.
func (s *Service) releaseKeys(keys []string) {
	ctx := context.Background()
	for _, key := range keys {
		if err := s.blobs.Release(ctx, key); err != nil {
			log.Printf("release blob %s: %v", key, err)
			if s.cleanup == nil {
				continue
			}
			if err := s.cleanup.Enqueue(ctx, key); err != nil {
				log.Printf("enqueue blob cleanup %s: %v", key, err)
			}
		}
	}
}

// Organizations

func (s *Service) CreateOrganization(ctx context.Context, actor Identity, name, description string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("name is required", nil)
	}
	org := store.Organization{
		ID:          util.NewID("org"),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   actor.ActorID,
	}
	if err := s.store.InsertOrganization(ctx, org); err != nil {
		return nil, err
	}

	// Creator becomes owner through an ordinary membership; the evaluator has
	// no creator bypass.
	roleID := util.NewID("rol")
	if err := s.store.InsertRole(ctx, store.Role{
		ID:        roleID,
		ScopeKind: string(rbac.ScopeOrganization),
		ScopeID:   &org.ID,
		Name:      "owner",
	}); err != nil {
		return nil, err
	}
	if err := s.store.ApplyRoleTemplate(ctx, orgOwnerTemplateRole, roleID); err != nil {
		return nil, err
	}
	if err := s.store.UpsertMembership(ctx, store.Membership{
		ID:        util.NewID("mem"),
		ActorID:   actor.ActorID,
		ScopeKind: string(rbac.ScopeOrganization),
		ScopeID:   org.ID,
		RoleID:    roleID,
	}); err != nil {
		return nil, err
	}
	return s.organizationPayload(ctx, org)
}

func (s *Service) ListOrganizations(ctx context.Context, actor Identity) ([]map[string]any, error) {
	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(orgs))
	for _, org := range orgs {
		member, err := s.memberOf(ctx, actor.ActorID, rbac.ScopeOrganization, org.ID)
		if err != nil {
			return nil, err
		}
		if !member {
			continue
		}
		payload, err := s.organizationPayload(ctx, org)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) GetOrganization(ctx context.Context, actor Identity, orgID string) (map[string]any, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	member, err := s.memberOf(ctx, actor.ActorID, rbac.ScopeOrganization, org.ID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, permissionDenied("not an organization member")
	}
	return s.organizationPayload(ctx, org)
}

func (s *Service) UpdateOrganization(ctx context.Context, actor Identity, orgID, name, description string) (map[string]any, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeOrganization, org.ID, rbac.PermManageDocuments); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("name is required", nil)
	}
	if err := s.store.UpdateOrganization(ctx, orgID, name, strings.TrimSpace(description)); err != nil {
		return nil, err
	}
	updated, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return s.organizationPayload(ctx, updated)
}

func (s *Service) DeleteOrganization(ctx context.Context, actor Identity, orgID string) error {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeOrganization, org.ID, rbac.PermDelete); err != nil {
		return err
	}
	keys, err := s.store.DeleteOrganizationCascade(ctx, orgID)
	if err != nil {
		return err
	}
	s.releaseKeys(keys)
	return nil
}

func (s *Service) organizationPayload(ctx context.Context, org store.Organization) (map[string]any, error) {
	return map[string]any{
		"id":          org.ID,
		"name":        org.Name,
		"description": org.Description,
		"createdBy":   org.CreatedBy,
		"createdAt":   org.CreatedAt.Format(time.RFC3339),
		"updatedAt":   org.UpdatedAt.Format(time.RFC3339),
	}, nil
}

// Projects

func (s *Service) CreateProject(ctx context.Context, actor Identity, orgID, name, description string) (map[string]any, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeOrganization, org.ID, rbac.PermManageDocuments); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("name is required", nil)
	}
	project := store.Project{
		ID:             util.NewID("prj"),
		OrganizationID: org.ID,
		Name:           name,
		Description:    strings.TrimSpace(description),
		CreatedBy:      actor.ActorID,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}

	roleID := util.NewID("rol")
	if err := s.store.InsertRole(ctx, store.Role{
		ID:        roleID,
		ScopeKind: string(rbac.ScopeProject),
		ScopeID:   &project.ID,
		Name:      "editor",
	}); err != nil {
		return nil, err
	}
	if err := s.store.ApplyRoleTemplate(ctx, projectEditorTemplateRole, roleID); err != nil {
		return nil, err
	}
	if err := s.store.UpsertMembership(ctx, store.Membership{
		ID:        util.NewID("mem"),
		ActorID:   actor.ActorID,
		ScopeKind: string(rbac.ScopeProject),
		ScopeID:   project.ID,
		RoleID:    roleID,
	}); err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) ListProjects(ctx context.Context, actor Identity, orgID string) ([]map[string]any, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	orgMember, err := s.memberOf(ctx, actor.ActorID, rbac.ScopeOrganization, org.ID)
	if err != nil {
		return nil, err
	}
	projects, err := s.store.ListProjects(ctx, orgID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		if !orgMember {
			member, err := s.memberOf(ctx, actor.ActorID, rbac.ScopeProject, project.ID)
			if err != nil {
				return nil, err
			}
			if !member {
				continue
			}
		}
		items = append(items, projectPayload(project))
	}
	return items, nil
}

func (s *Service) GetProject(ctx context.Context, actor Identity, projectID string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	member, err := s.memberOf(ctx, actor.ActorID, rbac.ScopeProject, project.ID)
	if err != nil {
		return nil, err
	}
	if !member {
		member, err = s.memberOf(ctx, actor.ActorID, rbac.ScopeOrganization, project.OrganizationID)
		if err != nil {
			return nil, err
		}
	}
	if !member {
		return nil, permissionDenied("not a project member")
	}
	return projectPayload(project), nil
}

func (s *Service) UpdateProject(ctx context.Context, actor Identity, projectID, name, description string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireProjectAdmin(ctx, actor.ActorID, project, rbac.PermManageDocuments); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("name is required", nil)
	}
	if err := s.store.UpdateProject(ctx, projectID, name, strings.TrimSpace(description)); err != nil {
		return nil, err
	}
	updated, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return projectPayload(updated), nil
}

func (s *Service) DeleteProject(ctx context.Context, actor Identity, projectID string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.requireProjectAdmin(ctx, actor.ActorID, project, rbac.PermDelete); err != nil {
		return err
	}
	keys, err := s.store.DeleteProjectCascade(ctx, projectID)
	if err != nil {
		return err
	}
	s.releaseKeys(keys)
	return nil
}

// requireProjectAdmin accepts the permission on the project itself or on the
// owning organization.
func (s *Service) requireProjectAdmin(ctx context.Context, actorID string, project store.Project, perm rbac.Permission) error {
	allowed, err := s.evaluator.HasPermission(ctx, actorID, rbac.ScopeProject, project.ID, perm)
	if err != nil {
		return err
	}
	if !allowed {
		allowed, err = s.evaluator.HasPermission(ctx, actorID, rbac.ScopeOrganization, project.OrganizationID, perm)
		if err != nil {
			return err
		}
	}
	if !allowed {
		return permissionDenied("missing '" + string(perm) + "' permission")
	}
	return nil
}

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":             project.ID,
		"organizationId": project.OrganizationID,
		"name":           project.Name,
		"description":    project.Description,
		"createdBy":      project.CreatedBy,
		"createdAt":      project.CreatedAt.Format(time.RFC3339),
		"updatedAt":      project.UpdatedAt.Format(time.RFC3339),
	}
}

// Documents

func (s *Service) CreateDocument(ctx context.Context, actor Identity, projectID, title string, statusID *string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeProject, project.ID, rbac.PermManageDocuments); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalidInput("title is required", nil)
	}
	if statusID != nil {
		if err := s.checkStatusBelongsToProject(ctx, *statusID, projectID); err != nil {
			return nil, err
		}
	}
	doc := store.Document{
		ID:        util.NewID("doc"),
		ProjectID: projectID,
		Title:     title,
		StatusID:  statusID,
		CreatedBy: actor.ActorID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	return s.documentPayload(ctx, doc)
}

func (s *Service) ListDocuments(ctx context.Context, actor Identity, projectID string) ([]map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeProject, project.ID, rbac.PermDownload); err != nil {
		return nil, err
	}
	documents, err := s.store.ListDocuments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		payload, err := s.documentPayload(ctx, doc)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) GetDocument(ctx context.Context, actor Identity, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireDocumentRead(ctx, actor.ActorID, doc); err != nil {
		return nil, err
	}
	return s.documentPayload(ctx, doc)
}

func (s *Service) UpdateDocument(ctx context.Context, actor Identity, documentID, title string, statusID *string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeProject, doc.ProjectID, rbac.PermManageDocuments); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = doc.Title
	}
	if statusID != nil && *statusID != "" {
		if err := s.checkStatusBelongsToProject(ctx, *statusID, doc.ProjectID); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateDocument(ctx, documentID, title, statusID); err != nil {
		return nil, err
	}
	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.documentPayload(ctx, updated)
}

func (s *Service) DeleteDocument(ctx context.Context, actor Identity, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.requireTrimPermission(ctx, actor.ActorID, doc); err != nil {
		return err
	}
	keys, err := s.store.DeleteDocumentCascade(ctx, documentID)
	if err != nil {
		return err
	}
	s.releaseKeys(keys)
	return nil
}

func (s *Service) checkStatusBelongsToProject(ctx context.Context, statusID, projectID string) error {
	status, err := s.store.GetDocumentStatus(ctx, statusID)
	if err != nil {
		return err
	}
	if status.ProjectID != projectID {
		return invalidInput("status belongs to a different project", nil)
	}
	return nil
}

func (s *Service) documentPayload(ctx context.Context, doc store.Document) (map[string]any, error) {
	current, err := s.store.CurrentRevision(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"id":        doc.ID,
		"projectId": doc.ProjectID,
		"title":     doc.Title,
		"statusId":  doc.StatusID,
		"createdBy": doc.CreatedBy,
		"createdAt": doc.CreatedAt.Format(time.RFC3339),
		"updatedAt": doc.UpdatedAt.Format(time.RFC3339),
	}
	if current != nil {
		payload["currentRevisionId"] = current.ID
		payload["currentSequence"] = current.Sequence
	} else {
		payload["currentRevisionId"] = nil
		payload["currentSequence"] = int64(0)
	}
	return payload, nil
}

// Document statuses

func (s *Service) CreateDocumentStatus(ctx context.Context, actor Identity, projectID, name, color string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeProject, project.ID, rbac.PermManageDocuments); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("name is required", nil)
	}
	status := store.DocumentStatus{
		ID:        util.NewID("sts"),
		ProjectID: projectID,
		Name:      name,
		Color:     strings.TrimSpace(color),
	}
	if err := s.store.InsertDocumentStatus(ctx, status); err != nil {
		return nil, err
	}
	return statusPayload(status), nil
}

func (s *Service) ListDocumentStatuses(ctx context.Context, actor Identity, projectID string) ([]map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeProject, project.ID, rbac.PermDownload); err != nil {
		return nil, err
	}
	statuses, err := s.store.ListDocumentStatuses(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(statuses))
	for _, status := range statuses {
		items = append(items, statusPayload(status))
	}
	return items, nil
}

func (s *Service) UpdateDocumentStatus(ctx context.Context, actor Identity, statusID, name, color string) (map[string]any, error) {
	status, err := s.store.GetDocumentStatus(ctx, statusID)
	if err != nil {
		return nil, err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeProject, status.ProjectID, rbac.PermManageDocuments); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidInput("name is required", nil)
	}
	if err := s.store.UpdateDocumentStatus(ctx, statusID, name, strings.TrimSpace(color)); err != nil {
		return nil, err
	}
	updated, err := s.store.GetDocumentStatus(ctx, statusID)
	if err != nil {
		return nil, err
	}
	return statusPayload(updated), nil
}

func (s *Service) DeleteDocumentStatus(ctx context.Context, actor Identity, statusID string) error {
	status, err := s.store.GetDocumentStatus(ctx, statusID)
	if err != nil {
		return err
	}
	if err := s.requireScopePermission(ctx, actor.ActorID, rbac.ScopeProject, status.ProjectID, rbac.PermManageDocuments); err != nil {
		return err
	}
	return s.store.DeleteDocumentStatus(ctx, statusID)
}

func statusPayload(status store.DocumentStatus) map[string]any {
	return map[string]any{
		"id":        status.ID,
		"projectId": status.ProjectID,
		"name":      status.Name,
		"color":     status.Color,
	}
}

// Revisions

func (s *Service) CreateRevision(ctx context.Context, actor Identity, documentID string, input CreateRevisionInput) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireDocumentPermission(ctx, actor.ActorID, doc, rbac.PermUpload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Filename) == "" {
		return nil, invalidInput("filename is required", nil)
	}
	if input.Content == nil {
		return nil, invalidInput("file content is required", nil)
	}

	project, err := s.store.GetProject(ctx, doc.ProjectID)
	if err != nil {
		return nil, err
	}
	key := blob.AllocateKey(project.OrganizationID, doc.ProjectID, doc.ID, input.Filename)
	if err := s.blobs.Put(ctx, key, input.Content, input.Size, input.ContentType); err != nil {
		log.Printf("upload blob %s: %v", key, err)
		return nil, storageUnavailable("could not store the uploaded file")
	}

	rev, err := s.insertRevisionWithRetry(ctx, store.Revision{
		ID:         util.NewID("rev"),
		DocumentID: documentID,
		StorageKey: key,
		ChangeNote: strings.TrimSpace(input.ChangeNote),
		CreatedBy:  actor.ActorID,
	})
	if err != nil {
		// The blob is orphaned once the insert fails for good.
		s.releaseKeys([]string{key})
		return nil, err
	}
	return revisionPayload(rev, true), nil
}

const insertRevisionAttempts = 3

// insertRevisionWithRetry retries on serialization and deadlock failures.
// Sequence allocation itself is safe under the document row lock; retries only
// smooth over transaction-level aborts under contention.
func (s *Service) insertRevisionWithRetry(ctx context.Context, item store.Revision) (store.Revision, error) {
	var lastErr error
	for attempt := 0; attempt < insertRevisionAttempts; attempt++ {
		rev, err := s.store.InsertRevision(ctx, item)
		if err == nil {
			return rev, nil
		}
		lastErr = err
		if !isRetryablePgError(err) {
			return store.Revision{}, err
		}
	}
	log.Printf("insert revision for %s: retries exhausted: %v", item.DocumentID, lastErr)
	return store.Revision{}, conflictError("the document is under concurrent modification, retry")
}

func isRetryablePgError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func (s *Service) ListRevisions(ctx context.Context, actor Identity, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireDocumentRead(ctx, actor.ActorID, doc); err != nil {
		return nil, err
	}
	revisions, err := s.store.ListRevisions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(revisions))
	for i, rev := range revisions {
		items = append(items, revisionPayload(rev, i == 0))
	}
	payload := map[string]any{
		"documentId": documentID,
		"revisions":  items,
	}
	if len(revisions) > 0 {
		payload["currentRevisionId"] = revisions[0].ID
	} else {
		payload["currentRevisionId"] = nil
	}
	return payload, nil
}

func (s *Service) RevertToRevision(ctx context.Context, actor Identity, documentID, revisionID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireTrimPermission(ctx, actor.ActorID, doc); err != nil {
		return nil, err
	}
	keys, err := s.store.RevertToRevision(ctx, documentID, revisionID)
	if err != nil {
		return nil, err
	}
	s.releaseKeys(keys)
	return s.ListRevisions(ctx, actor, documentID)
}

func (s *Service) PruneBeforeRevision(ctx context.Context, actor Identity, documentID, revisionID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireTrimPermission(ctx, actor.ActorID, doc); err != nil {
		return nil, err
	}
	keys, err := s.store.PruneBeforeRevision(ctx, documentID, revisionID)
	if err != nil {
		return nil, err
	}
	s.releaseKeys(keys)
	return s.ListRevisions(ctx, actor, documentID)
}

// requireTrimPermission gates revert, prune, and document deletion: the
// delete permission, or manage-documents on the owning project.
func (s *Service) requireTrimPermission(ctx context.Context, actorID string, doc store.Document) error {
	allowed, err := s.canOnDocument(ctx, actorID, doc, rbac.PermDelete)
	if err != nil {
		return err
	}
	if !allowed {
		allowed, err = s.evaluator.HasPermission(ctx, actorID, rbac.ScopeProject, doc.ProjectID, rbac.PermManageDocuments)
		if err != nil {
			return err
		}
	}
	if !allowed {
		return permissionDenied("missing 'delete' permission")
	}
	return nil
}

func revisionPayload(rev store.Revision, current bool) map[string]any {
	return map[string]any{
		"id":         rev.ID,
		"documentId": rev.DocumentID,
		"sequence":   rev.Sequence,
		"storageKey": rev.StorageKey,
		"changeNote": rev.ChangeNote,
		"createdBy":  rev.CreatedBy,
		"createdAt":  rev.CreatedAt.Format(time.RFC3339),
		"current":    current,
	}
}

// Downloads

func (s *Service) RevisionDownloadURL(ctx context.Context, actor Identity, revisionID string) (map[string]any, error) {
	rev, doc, err := s.revisionForRead(ctx, actor, revisionID)
	if err != nil {
		return nil, err
	}
	url, err := s.blobs.SignedURL(ctx, rev.StorageKey, s.cfg.SignedURLTTL)
	if err != nil {
		log.Printf("sign url for %s: %v", rev.StorageKey, err)
		return nil, storageUnavailable("could not sign the download URL")
	}
	return map[string]any{
		"revisionId": rev.ID,
		"documentId": doc.ID,
		"url":        url,
		"expiresIn":  int(s.cfg.SignedURLTTL.Seconds()),
	}, nil
}

func (s *Service) DownloadRevision(ctx context.Context, actor Identity, revisionID string) (io.ReadCloser, store.Revision, error) {
	rev, _, err := s.revisionForRead(ctx, actor, revisionID)
	if err != nil {
		return nil, store.Revision{}, err
	}
	body, err := s.blobs.Download(ctx, rev.StorageKey)
	if err != nil {
		log.Printf("download blob %s: %v", rev.StorageKey, err)
		return nil, store.Revision{}, storageUnavailable("could not read the stored file")
	}
	return body, rev, nil
}

func (s *Service) revisionForRead(ctx context.Context, actor Identity, revisionID string) (store.Revision, store.Document, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return store.Revision{}, store.Document{}, err
	}
	doc, err := s.store.GetDocument(ctx, rev.DocumentID)
	if err != nil {
		return store.Revision{}, store.Document{}, err
	}
	if err := s.requireDocumentRead(ctx, actor.ActorID, doc); err != nil {
		return store.Revision{}, store.Document{}, err
	}
	return rev, doc, nil
}

// Comments

func (s *Service) AddComment(ctx context.Context, actor Identity, revisionID, body string) (map[string]any, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, rev.DocumentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireCommentAccess(ctx, actor.ActorID, doc); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, invalidInput("comment text is required", nil)
	}
	comment, err := s.store.InsertComment(ctx, store.Comment{
		ID:         util.NewID("cmt"),
		RevisionID: revisionID,
		Body:       body,
		CreatedBy:  actor.ActorID,
	})
	if err != nil {
		return nil, err
	}
	return commentPayload(comment), nil
}

func (s *Service) ListComments(ctx context.Context, actor Identity, revisionID string) ([]map[string]any, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, rev.DocumentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireDocumentRead(ctx, actor.ActorID, doc); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return items, nil
}

func (s *Service) EditComment(ctx context.Context, actor Identity, commentID, body string) (map[string]any, error) {
	comment, doc, err := s.commentWithDocument(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireCommentOwnership(ctx, actor.ActorID, comment, doc); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, invalidInput("comment text is required", nil)
	}
	if err := s.store.UpdateCommentBody(ctx, commentID, body); err != nil {
		return nil, err
	}
	updated, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	return commentPayload(updated), nil
}

func (s *Service) DeleteComment(ctx context.Context, actor Identity, commentID string) error {
	comment, doc, err := s.commentWithDocument(ctx, commentID)
	if err != nil {
		return err
	}
	if err := s.requireCommentOwnership(ctx, actor.ActorID, comment, doc); err != nil {
		return err
	}
	return s.store.DeleteComment(ctx, commentID)
}

func (s *Service) commentWithDocument(ctx context.Context, commentID string) (store.Comment, store.Document, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, store.Document{}, err
	}
	rev, err := s.store.GetRevision(ctx, comment.RevisionID)
	if err != nil {
		return store.Comment{}, store.Document{}, err
	}
	doc, err := s.store.GetDocument(ctx, rev.DocumentID)
	if err != nil {
		return store.Comment{}, store.Document{}, err
	}
	return comment, doc, nil
}

// requireCommentAccess accepts read access or an explicit comment grant, so a
// share can allow commenting without full download rights.
func (s *Service) requireCommentAccess(ctx context.Context, actorID string, doc store.Document) error {
	allowed, err := s.canOnDocument(ctx, actorID, doc, rbac.PermDownload)
	if err != nil {
		return err
	}
	if !allowed {
		allowed, err = s.canOnDocument(ctx, actorID, doc, rbac.PermComment)
		if err != nil {
			return err
		}
	}
	if !allowed {
		return permissionDenied("no read access to the document")
	}
	return nil
}

// requireCommentOwnership allows the author, or a moderator on the owning
// project.
func (s *Service) requireCommentOwnership(ctx context.Context, actorID string, comment store.Comment, doc store.Document) error {
	if comment.CreatedBy == actorID {
		return nil
	}
	allowed, err := s.evaluator.HasPermission(ctx, actorID, rbac.ScopeProject, doc.ProjectID, rbac.PermModerateComments)
	if err != nil {
		return err
	}
	if !allowed {
		return permissionDenied("only the author or a moderator may change a comment")
	}
	return nil
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":         comment.ID,
		"revisionId": comment.RevisionID,
		"body":       comment.Body,
		"createdBy":  comment.CreatedBy,
		"createdAt":  comment.CreatedAt.Format(time.RFC3339),
	}
}
