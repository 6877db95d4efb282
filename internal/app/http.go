package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"leaflet/api/internal/export"
	"leaflet/api/internal/store"
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

	actorID, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		spaceID := strings.TrimSpace(r.URL.Query().Get("spaceId"))
		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "limit must be an integer", nil)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "offset must be an integer", nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q, spaceID, limit, offset))
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}

	switch parts[1] {
	case "spaces":
		s.handleSpaces(w, r, actorID, parts)
	case "pages":
		s.handlePages(w, r, actorID, parts)
	case "tree":
		s.handleTree(w, r, parts)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleSpaces(w http.ResponseWriter, r *http.Request, actorID string, parts []string) {
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListSpaces(r.Context())
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var body struct {
				Name        string `json:"name"`
				Key         string `json:"key"`
				Description string `json:"description"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
				return
			}
			payload, err := s.service.CreateSpace(r.Context(), body.Name, body.Key, body.Description, actorID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 3 && r.Method == http.MethodGet {
		payload, err := s.service.GetSpace(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
}

func (s *HTTPServer) handlePages(w http.ResponseWriter, r *http.Request, actorID string, parts []string) {
	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)
			return
		}
		var body struct {
			SpaceID      string `json:"spaceId"`
			Title        string `json:"title"`
			Slug         string `json:"slug"`
			ParentID     string `json:"parentId"`
			BeforeNodeID string `json:"beforeNodeId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.SpaceID) == "" {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "spaceId is required", nil)
			return
		}
		payload, err := s.service.CreatePage(r.Context(), body.SpaceID, body.Title, body.Slug, body.ParentID, body.BeforeNodeID, actorID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	// /api/pages/slug/{spaceId}/{slug}
	if len(parts) == 5 && parts[2] == "slug" && r.Method == http.MethodGet {
		payload, err := s.service.GetPageBySlug(r.Context(), parts[3], parts[4])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/pages/space/{spaceId}
	if len(parts) == 4 && parts[2] == "space" && r.Method == http.MethodGet {
		includeArchived := r.URL.Query().Get("includeArchived") == "true"
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "limit must be an integer", nil)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "offset must be an integer", nil)
			return
		}
		payload, err := s.service.ListPages(r.Context(), parts[3], includeArchived, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 3 {
		s.handlePage(w, r, parts[2])
		return
	}

	if len(parts) >= 4 {
		s.handlePageAction(w, r, actorID, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
}

func (s *HTTPServer) handlePage(w http.ResponseWriter, r *http.Request, pageID string) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.GetPage(r.Context(), pageID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPatch:
		var body UpdatePageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
			return
		}
		payload, err := s.service.UpdatePage(r.Context(), pageID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodDelete:
		hard := r.URL.Query().Get("hard") == "true"
		if err := s.service.DeletePage(r.Context(), pageID, hard); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)
	}
}

func (s *HTTPServer) handlePageAction(w http.ResponseWriter, r *http.Request, actorID, pageID string, parts []string) {
	action := parts[3]

	switch {
	case action == "draft" && len(parts) == 4:
		s.handleDraft(w, r, pageID)

	case action == "publish" && len(parts) == 4 && r.Method == http.MethodPost:
		var body struct {
			Notes string `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
			return
		}
		payload, err := s.service.Publish(r.Context(), pageID, actorID, body.Notes)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case action == "versions" && len(parts) == 4 && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "limit must be an integer", nil)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "offset must be an integer", nil)
			return
		}
		payload, err := s.service.ListVersions(r.Context(), pageID, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case action == "versions" && len(parts) == 5 && r.Method == http.MethodGet:
		payload, err := s.service.GetVersion(r.Context(), pageID, parts[4])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case action == "restore" && len(parts) == 4 && r.Method == http.MethodPost:
		var body struct {
			VersionID string `json:"versionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
			return
		}
		payload, err := s.service.Restore(r.Context(), pageID, body.VersionID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case action == "backlinks" && len(parts) == 4 && r.Method == http.MethodGet:
		payload, err := s.service.Backlinks(r.Context(), pageID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case action == "export" && len(parts) == 4 && r.Method == http.MethodGet:
		format := export.Format(r.URL.Query().Get("format"))
		if format == "" {
			format = export.FormatPDF
		}
		result, err := s.service.ExportPage(r.Context(), pageID, format)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleDraft(w http.ResponseWriter, r *http.Request, pageID string) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.GetDraft(r.Context(), pageID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPut:
		var body struct {
			Content json.RawMessage `json:"content"`
			Token   string          `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
			return
		}
		if len(body.Content) == 0 {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "content is required", nil)
			return
		}
		payload, err := s.service.UpdateDraft(r.Context(), pageID, body.Content, body.Token)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleTree(w http.ResponseWriter, r *http.Request, parts []string) {
	// /api/tree/space/{spaceId}
	if len(parts) == 4 && parts[2] == "space" && r.Method == http.MethodGet {
		payload, err := s.service.SpaceTree(r.Context(), parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/tree/node/reorder
	if len(parts) == 4 && parts[2] == "node" && parts[3] == "reorder" && r.Method == http.MethodPost {
		var body struct {
			Updates []struct {
				ID       string `json:"id"`
				Position int    `json:"position"`
			} `json:"updates"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
			return
		}
		updates := make([]store.NodePosition, 0, len(body.Updates))
		for _, update := range body.Updates {
			updates = append(updates, store.NodePosition{ID: update.ID, Position: update.Position})
		}
		payload, err := s.service.ReorderNodes(r.Context(), updates)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/tree/node/{id}
	if len(parts) == 4 && parts[2] == "node" && r.Method == http.MethodGet {
		payload, err := s.service.GetTreeNode(r.Context(), parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/tree/node/{id}/{action}
	if len(parts) == 5 && parts[2] == "node" {
		nodeID := parts[3]
		switch {
		case parts[4] == "move" && r.Method == http.MethodPost:
			var body struct {
				ParentID string `json:"parentId"`
				Position int    `json:"position"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
				return
			}
			payload, err := s.service.MoveNode(r.Context(), nodeID, body.ParentID, body.Position)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case parts[4] == "rebalance" && r.Method == http.MethodPost:
			payload, err := s.service.RebalanceNode(r.Context(), nodeID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case parts[4] == "ancestors" && r.Method == http.MethodGet:
			payload, err := s.service.Ancestors(r.Context(), nodeID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case parts[4] == "descendants" && r.Method == http.MethodGet:
			payload, err := s.service.Descendants(r.Context(), nodeID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		default:
			writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		}
		return
	}

	// /api/tree/page/{id}/breadcrumb
	if len(parts) == 5 && parts[2] == "page" && parts[4] == "breadcrumb" && r.Method == http.MethodGet {
		payload, err := s.service.Breadcrumb(r.Context(), parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
}

// requireActor extracts the authenticated actor identity supplied by
// the fronting auth layer. Everything past health checks needs one.
func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil)
		return "", false
	}
	return actorID, true
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, codeNotFound, "Not found", nil
	}
	return http.StatusInternalServerError, codeServerError, "Server error", nil
}
