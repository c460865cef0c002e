package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/owui/gateway-core/internal/filerecall"
	"github.com/owui/gateway-core/pkg/models"
)

type createTenantRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	UpstreamKey string `json:"upstream_api_key"`
}

type tenantResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token,omitempty"`
	FileCount   int    `json:"file_count"`
	TotalBytes  int64  `json:"total_bytes"`
}

func tenantToResponse(t models.FileRecallTenant, includeToken bool) tenantResponse {
	resp := tenantResponse{ID: t.ID, Name: t.Name, FileCount: t.FileCount, TotalBytes: t.TotalBytes}
	if includeToken {
		resp.AccessToken = t.AccessToken
	}
	return resp
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.UpstreamKey == "" {
		writeJSONError(w, http.StatusBadRequest, "id and upstream_api_key are required")
		return
	}
	tenant, err := s.deps.FileRecall.CreateTenant(r.Context(), req.ID, req.Name, req.UpstreamKey)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tenantToResponse(tenant, true))
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tenant, err := s.deps.FileRecall.GetTenant(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tenantToResponse(tenant, false))
}

type updateTenantRequest struct {
	Name           string `json:"name"`
	UpstreamAPIKey string `json:"upstream_api_key"`
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenant, err := s.deps.FileRecall.UpdateTenant(r.Context(), id, req.Name, req.UpstreamAPIKey)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tenantToResponse(tenant, false))
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.FileRecall.DeleteTenant(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveTenantToken authenticates a tenant-scoped request by its access
// token, supplied as a bearer header or a ?token= query parameter.
func (s *Server) resolveTenantToken(r *http.Request) (models.FileRecallTenant, bool) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return models.FileRecallTenant{}, false
	}
	tenant, err := s.deps.FileRecall.TenantByAccessToken(r.Context(), token)
	if err != nil {
		return models.FileRecallTenant{}, false
	}
	return tenant, true
}

func (s *Server) handleTenantUpload(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.resolveTenantToken(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid or missing tenant access token")
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSONError(w, http.StatusBadRequest, "expected multipart/form-data upload")
		return
	}

	var files []filerecall.UploadFile
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			f, err := header.Open()
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "failed to read uploaded file")
				return
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to buffer uploaded file")
				return
			}
			files = append(files, filerecall.UploadFile{Name: header.Filename, Content: content})
		}
	}

	results, err := s.deps.FileRecall.Upload(r.Context(), tenant.ID, files)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTenantListDocuments(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.resolveTenantToken(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid or missing tenant access token")
		return
	}
	docs, err := s.deps.FileRecall.ListDocuments(r.Context(), tenant.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleTenantDeleteDocument(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.resolveTenantToken(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid or missing tenant access token")
		return
	}
	docID := r.PathValue("id")
	if err := s.deps.FileRecall.DeleteDocument(r.Context(), tenant.ID, docID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
