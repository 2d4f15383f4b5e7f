package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"docledger/api/internal/auth"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	actor, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		writeJSON(w, http.StatusOK, map[string]any{
			"actorId":   actor.ActorID,
			"actorName": actor.Name,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/permissions" {
		items, err := s.service.ListPermissions(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": items})
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) == 0 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	segments = segments[1:]

	switch {
	case len(segments) >= 1 && segments[0] == "orgs":
		s.handleOrgs(w, r, actor, segments[1:])
	case len(segments) >= 1 && segments[0] == "projects":
		s.handleProjects(w, r, actor, segments[1:])
	case len(segments) >= 1 && segments[0] == "documents":
		s.handleDocuments(w, r, actor, segments[1:])
	case len(segments) >= 1 && segments[0] == "revisions":
		s.handleRevisions(w, r, actor, segments[1:])
	case len(segments) >= 1 && segments[0] == "statuses":
		s.handleStatuses(w, r, actor, segments[1:])
	case len(segments) >= 1 && segments[0] == "comments":
		s.handleComments(w, r, actor, segments[1:])
	case len(segments) >= 1 && segments[0] == "shares":
		s.handleShares(w, r, actor, segments[1:])
	case len(segments) >= 1 && segments[0] == "roles":
		s.handleRoles(w, r, actor, segments[1:])
	case len(segments) >= 1 && segments[0] == "memberships":
		s.handleMemberships(w, r, actor, segments[1:])
	case len(segments) >= 1 && segments[0] == "invites":
		s.handleInvites(w, r, actor, segments[1:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleOrgs(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListOrganizations(r.Context(), actor)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"organizations": items})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateOrganization(r.Context(), actor, body.Name, body.Description)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetOrganization(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateOrganization(r.Context(), actor, rest[0], body.Name, body.Description)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteOrganization(r.Context(), actor, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "projects" && r.Method == http.MethodGet:
		items, err := s.service.ListProjects(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": items})

	case len(rest) == 2 && rest[1] == "projects" && r.Method == http.MethodPost:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateProject(r.Context(), actor, rest[0], body.Name, body.Description)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetProject(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateProject(r.Context(), actor, rest[0], body.Name, body.Description)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteProject(r.Context(), actor, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "documents" && r.Method == http.MethodGet:
		items, err := s.service.ListDocuments(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})

	case len(rest) == 2 && rest[1] == "documents" && r.Method == http.MethodPost:
		var body struct {
			Title    string  `json:"title"`
			StatusID *string `json:"statusId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateDocument(r.Context(), actor, rest[0], body.Title, body.StatusID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 2 && rest[1] == "statuses" && r.Method == http.MethodGet:
		items, err := s.service.ListDocumentStatuses(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"statuses": items})

	case len(rest) == 2 && rest[1] == "statuses" && r.Method == http.MethodPost:
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateDocumentStatus(r.Context(), actor, rest[0], body.Name, body.Color)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetDocument(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Title    string  `json:"title"`
			StatusID *string `json:"statusId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateDocument(r.Context(), actor, rest[0], body.Title, body.StatusID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteDocument(r.Context(), actor, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "revisions" && r.Method == http.MethodGet:
		payload, err := s.service.ListRevisions(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "revisions" && r.Method == http.MethodPost:
		s.handleUploadRevision(w, r, actor, rest[0])

	case len(rest) == 2 && rest[1] == "revert" && r.Method == http.MethodPost:
		var body struct {
			RevisionID string `json:"revisionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.RevertToRevision(r.Context(), actor, rest[0], body.RevisionID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "prune" && r.Method == http.MethodPost:
		var body struct {
			RevisionID string `json:"revisionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.PruneBeforeRevision(r.Context(), actor, rest[0], body.RevisionID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "shares" && r.Method == http.MethodGet:
		items, err := s.service.ListShares(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"shares": items})

	case len(rest) == 2 && rest[1] == "shares" && r.Method == http.MethodPost:
		var body ShareDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ShareDocument(r.Context(), actor, rest[0], body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

const maxUploadBytes = 100 << 20

func (s *HTTPServer) handleUploadRevision(w http.ResponseWriter, r *http.Request, actor Identity, documentID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a 'file' form field is required", nil)
		return
	}
	defer file.Close()

	payload, err := s.service.CreateRevision(r.Context(), actor, documentID, CreateRevisionInput{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		ChangeNote:  r.FormValue("changeNote"),
		Size:        header.Size,
		Content:     file,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	switch {
	case len(rest) == 2 && rest[1] == "download-url" && r.Method == http.MethodGet:
		payload, err := s.service.RevisionDownloadURL(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "download" && r.Method == http.MethodGet:
		body, rev, err := s.service.DownloadRevision(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		defer body.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(rev.StorageKey)))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, body); err != nil {
			log.Printf("stream revision %s: %v", rev.ID, err)
		}

	case len(rest) == 2 && rest[1] == "comments" && r.Method == http.MethodGet:
		items, err := s.service.ListComments(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": items})

	case len(rest) == 2 && rest[1] == "comments" && r.Method == http.MethodPost:
		var body struct {
			Body string `json:"body"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddComment(r.Context(), actor, rest[0], body.Body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleStatuses(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	switch {
	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateDocumentStatus(r.Context(), actor, rest[0], body.Name, body.Color)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteDocumentStatus(r.Context(), actor, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	switch {
	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Body string `json:"body"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.EditComment(r.Context(), actor, rest[0], body.Body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteComment(r.Context(), actor, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleShares(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	if len(rest) == 1 && r.Method == http.MethodDelete {
		if err := s.service.RevokeShare(r.Context(), actor, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRoles(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		scopeKind := strings.TrimSpace(r.URL.Query().Get("scopeKind"))
		scopeID := strings.TrimSpace(r.URL.Query().Get("scopeId"))
		var items []map[string]any
		var err error
		if scopeID == "" {
			items, err = s.service.ListRoleTemplates(r.Context(), scopeKind)
		} else {
			items, err = s.service.ListRoles(r.Context(), actor, scopeKind, scopeID)
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": items})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body CreateRoleInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateRole(r.Context(), actor, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetRole(r.Context(), actor, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteRole(r.Context(), actor, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "grants" && r.Method == http.MethodPost:
		var body struct {
			PermissionID string `json:"permissionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddRoleGrant(r.Context(), actor, rest[0], body.PermissionID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 3 && rest[1] == "grants" && r.Method == http.MethodDelete:
		payload, err := s.service.RemoveRoleGrant(r.Context(), actor, rest[0], rest[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleMemberships(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		scopeKind := strings.TrimSpace(r.URL.Query().Get("scopeKind"))
		scopeID := strings.TrimSpace(r.URL.Query().Get("scopeId"))
		items, err := s.service.ListMembers(r.Context(), actor, scopeKind, scopeID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memberships": items})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body UpsertMemberInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpsertMember(r.Context(), actor, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RemoveMember(r.Context(), actor, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleInvites(w http.ResponseWriter, r *http.Request, actor Identity, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		scopeKind := strings.TrimSpace(r.URL.Query().Get("scopeKind"))
		scopeID := strings.TrimSpace(r.URL.Query().Get("scopeId"))
		items, err := s.service.ListInvites(r.Context(), actor, scopeKind, scopeID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invites": items})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body CreateInviteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateInvite(r.Context(), actor, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 1 && rest[0] == "accept" && r.Method == http.MethodPost:
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AcceptInvite(r.Context(), actor, body.Token)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RevokeInvite(r.Context(), actor, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Identity{}, false
	}
	actor, err := s.service.IdentityFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Identity{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Identity lookup failed", nil)
		return Identity{}, false
	}
	return actor, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func downloadName(storageKey string) string {
	if idx := strings.LastIndex(storageKey, "/"); idx >= 0 {
		return storageKey[idx+1:]
	}
	return storageKey
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
