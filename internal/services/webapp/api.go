package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/domain/vaulterr"
	"evidence-vault/internal/services/statusflow"
	"evidence-vault/internal/services/vault"
)

// maxUploadBytes 限制单次证据上传体积（视频口径）。
const maxUploadBytes = 200 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "vault",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing actor"))
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	rows, err := s.svc.Queue(r.Context(), actor, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": rows})
}

func (s *Server) handleQueueRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/evidence-queue/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	reportID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleQueueDetail(w, r, reportID)
	case "status":
		s.handleStatusChange(w, r, reportID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleQueueDetail(w http.ResponseWriter, r *http.Request, reportID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing actor"))
		return
	}

	detail, err := s.svc.CaseDetail(r.Context(), actor, reportID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStatusChange(w http.ResponseWriter, r *http.Request, reportID string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing actor"))
		return
	}

	type statusRequest struct {
		Status           string `json:"status"`
		Notes            string `json:"notes,omitempty"`
		OfficialResponse string `json:"officialResponse,omitempty"`
		SupportContact   string `json:"supportContact,omitempty"`
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	report, err := s.svc.TransitionStatus(r.Context(), actor, reportID, req.Status, statusflow.Input{
		Notes:            req.Notes,
		OfficialResponse: req.OfficialResponse,
		SupportContact:   req.SupportContact,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"report_id": report.ID,
		"status":    report.Status,
		"version":   report.Version,
	})
}

// handleUpload 证据上传入口：原始字节做请求体，元数据走查询参数。
// 成功返回 201 与证据元数据（不含存储定位符之外的内部信息）。
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing actor"))
		return
	}

	kind := model.MediaKind(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("kind"))))
	reportID := strings.TrimSpace(r.URL.Query().Get("report_id"))
	description := strings.TrimSpace(r.URL.Query().Get("description"))

	var metadata json.RawMessage
	if raw := strings.TrimSpace(r.Header.Get("X-Evidence-Metadata")); raw != "" {
		if !json.Valid([]byte(raw)) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("metadata header is not valid json"))
			return
		}
		metadata = json.RawMessage(raw)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read upload body: %w", err))
		return
	}

	rec, err := s.svc.Ingest(r.Context(), actor, vault.IngestInput{
		Plaintext:   body,
		MediaKind:   kind,
		ReportID:    reportID,
		Description: description,
		Metadata:    metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"evidence_id":  rec.ID,
		"report_id":    rec.ReportID,
		"content_hash": rec.ContentHash,
		"media_kind":   rec.MediaKind,
		"created_at":   rec.CreatedAt,
	})
}

func (s *Server) handleEvidenceRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/evidence/")
	rest = strings.Trim(rest, "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	evidenceID := parts[0]
	action := parts[1]

	switch action {
	case "view":
		s.handleEvidenceView(w, r, evidenceID)
	case "integrity":
		s.handleEvidenceIntegrity(w, r, evidenceID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleEvidenceView 返回解密并复核过摘要的证据明文。
// 响应头声明完整性结论并禁止任何中间缓存：明文只存在于本次响应里。
func (s *Server) handleEvidenceView(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing actor"))
		return
	}

	res, err := s.svc.Retrieve(r.Context(), actor, evidenceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", res.Record.MediaKind.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Plaintext)))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("X-Forensic-Integrity", "verified")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Plaintext)
}

func (s *Server) handleEvidenceIntegrity(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing actor"))
		return
	}

	report, err := s.svc.CheckIntegrity(r.Context(), actor, evidenceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReportRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/reports/")
	rest = strings.Trim(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing actor"))
		return
	}

	report, err := s.svc.OwnerReport(r.Context(), actor, rest)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

// writeServiceError 把领域错误映射为 HTTP 状态码。
// 两类 403 的响应体必须可区分：角色不符 vs 案件关闭后访问吊销。
// 存储与未知错误一律 500，不向客户端透出内部细节。
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vaulterr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "resource not found"})
	case errors.Is(err, vaulterr.ErrCaseClosed):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":  "case is closed; evidence access has been revoked",
			"reason": "CASE_CLOSED",
		})
	case errors.Is(err, vaulterr.ErrRoleForbidden):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":  "insufficient role for this operation",
			"reason": "ROLE_FORBIDDEN",
		})
	case vaulterr.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, vaulterr.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "report was modified concurrently, retry the operation",
		})
	case errors.Is(err, vaulterr.ErrAuthentication), errors.Is(err, vaulterr.ErrIntegrity):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "evidence integrity could not be verified",
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
