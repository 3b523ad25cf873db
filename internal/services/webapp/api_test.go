package webapp

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/adapters/vaultfs"
	"evidence-vault/internal/platform/aead"
	"evidence-vault/internal/services/vault"

	_ "modernc.org/sqlite"
)

const testJWTSecret = "webapp-test-jwt-secret"

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "vault.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if err := sqliteadapter.NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	blobs, err := vaultfs.NewStore(filepath.Join(dir, "envelopes"))
	if err != nil {
		t.Fatalf("open vaultfs: %v", err)
	}
	key, err := aead.DeriveKey("webapp-test-secret")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	s := &Server{
		svc:       vault.NewService(sqliteadapter.NewStore(db), blobs, key),
		jwtSecret: []byte(testJWTSecret),
	}
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.authMiddleware(withDeadline(mux))
}

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, actorClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub},
		Role:             role,
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return m
}

func uploadEvidence(t *testing.T, h http.Handler, token string, payload []byte) (evidenceID, reportID string) {
	t.Helper()
	rr := doRequest(t, h, http.MethodPost, "/evidence?kind=IMAGE", token, payload)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status=%d body=%s", rr.Code, rr.Body.String())
	}
	m := decodeBody(t, rr)
	evidenceID, _ = m["evidence_id"].(string)
	reportID, _ = m["report_id"].(string)
	if evidenceID == "" || reportID == "" {
		t.Fatalf("upload response missing ids: %v", m)
	}
	return evidenceID, reportID
}

func TestHealth_Public(t *testing.T) {
	h := newTestHandler(t)
	rr := doRequest(t, h, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestAuth_FailClosed(t *testing.T) {
	h := newTestHandler(t)

	if rr := doRequest(t, h, http.MethodGet, "/evidence-queue", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", rr.Code)
	}
	if rr := doRequest(t, h, http.MethodGet, "/evidence-queue", "not-a-jwt", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status=%d", rr.Code)
	}

	// 错密钥签出来的令牌必须被拒。
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, actorClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user_x"},
		Role:             "ADMIN",
	})
	bad, err := forged.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rr := doRequest(t, h, http.MethodGet, "/evidence-queue", bad, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: status=%d", rr.Code)
	}
}

func TestUploadAndView(t *testing.T) {
	h := newTestHandler(t)
	owner := signToken(t, "user_owner", "USER")
	payload := []byte("jpeg bytes here")

	evidenceID, _ := uploadEvidence(t, h, owner, payload)

	rr := doRequest(t, h, http.MethodGet, "/evidence/"+evidenceID+"/view", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("view status=%d body=%s", rr.Code, rr.Body.String())
	}
	if !bytes.Equal(rr.Body.Bytes(), payload) {
		t.Fatalf("view body mismatch")
	}
	if got := rr.Header().Get("X-Forensic-Integrity"); got != "verified" {
		t.Fatalf("X-Forensic-Integrity=%q", got)
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("Cache-Control=%q", cc)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("Content-Type=%q", ct)
	}
}

func TestViewForbiddenForStranger(t *testing.T) {
	h := newTestHandler(t)
	owner := signToken(t, "user_owner", "USER")
	stranger := signToken(t, "user_other", "USER")

	evidenceID, _ := uploadEvidence(t, h, owner, []byte("private"))

	rr := doRequest(t, h, http.MethodGet, "/evidence/"+evidenceID+"/view", stranger, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rr.Code)
	}
	m := decodeBody(t, rr)
	if m["reason"] != "ROLE_FORBIDDEN" {
		t.Fatalf("reason=%v", m["reason"])
	}
}

func TestIntegrityEndpoint(t *testing.T) {
	h := newTestHandler(t)
	owner := signToken(t, "user_owner", "USER")

	evidenceID, _ := uploadEvidence(t, h, owner, []byte("check me"))

	rr := doRequest(t, h, http.MethodGet, "/evidence/"+evidenceID+"/integrity", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	m := decodeBody(t, rr)
	if m["valid"] != true {
		t.Fatalf("valid=%v", m["valid"])
	}
	if m["storedHash"] == "" || m["storedHash"] != m["computedHash"] {
		t.Fatalf("hash fields mismatch: %v", m)
	}
}

func TestQueue_RoleGate(t *testing.T) {
	h := newTestHandler(t)
	owner := signToken(t, "user_owner", "USER")
	officer := signToken(t, "officer_1", "CASE_OFFICER")

	_, reportID := uploadEvidence(t, h, owner, []byte("queued evidence"))

	// 提交进入审核队列。
	body, _ := json.Marshal(map[string]string{"status": "SUBMITTED"})
	if rr := doRequest(t, h, http.MethodPut, "/evidence-queue/"+reportID+"/status", officer, body); rr.Code != http.StatusOK {
		t.Fatalf("submit status=%d body=%s", rr.Code, rr.Body.String())
	}

	if rr := doRequest(t, h, http.MethodGet, "/evidence-queue", owner, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("queue as USER: status=%d", rr.Code)
	}

	rr := doRequest(t, h, http.MethodGet, "/evidence-queue", officer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("queue as officer: status=%d body=%s", rr.Code, rr.Body.String())
	}
	m := decodeBody(t, rr)
	cases, _ := m["cases"].([]any)
	if len(cases) != 1 {
		t.Fatalf("expected 1 queued case, got %v", m)
	}

	// 案件详情（证据元数据，不含字节）。
	rr = doRequest(t, h, http.MethodGet, "/evidence-queue/"+reportID, officer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("detail status=%d", rr.Code)
	}
}

func TestStatusTransitionErrors(t *testing.T) {
	h := newTestHandler(t)
	owner := signToken(t, "user_owner", "USER")
	officer := signToken(t, "officer_1", "CASE_OFFICER")

	_, reportID := uploadEvidence(t, h, owner, []byte("x"))

	// 非法目标状态 → 400。
	body, _ := json.Marshal(map[string]string{"status": "NOPE"})
	if rr := doRequest(t, h, http.MethodPut, "/evidence-queue/"+reportID+"/status", officer, body); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status: %d", rr.Code)
	}

	// 不在状态机边上的流转 → 400。
	body, _ = json.Marshal(map[string]string{"status": "RESOLVED", "notes": "n"})
	if rr := doRequest(t, h, http.MethodPut, "/evidence-queue/"+reportID+"/status", officer, body); rr.Code != http.StatusBadRequest {
		t.Fatalf("illegal edge: %d", rr.Code)
	}

	// 报案人不能执行审核流转 → 403。
	body, _ = json.Marshal(map[string]string{"status": "RESOLVED", "notes": "n"})
	if rr := doRequest(t, h, http.MethodPut, "/evidence-queue/"+reportID+"/status", owner, body); rr.Code != http.StatusForbidden {
		t.Fatalf("owner review transition: %d", rr.Code)
	}

	// 不存在的案件 → 404。
	body, _ = json.Marshal(map[string]string{"status": "SUBMITTED"})
	if rr := doRequest(t, h, http.MethodPut, "/evidence-queue/rpt_missing/status", officer, body); rr.Code != http.StatusNotFound {
		t.Fatalf("missing report: %d", rr.Code)
	}

	// 报案人可以提交自己的草稿。
	rr := doRequest(t, h, http.MethodPut, "/evidence-queue/"+reportID+"/status", owner, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("owner submit: %d body=%s", rr.Code, rr.Body.String())
	}
	m := decodeBody(t, rr)
	if m["status"] != "SUBMITTED" {
		t.Fatalf("unexpected status: %v", m["status"])
	}
}

func TestResolvedRevocationOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	owner := signToken(t, "user_owner", "USER")
	officer := signToken(t, "officer_1", "CASE_OFFICER")

	evidenceID, reportID := uploadEvidence(t, h, owner, []byte("sealed case"))

	body, _ := json.Marshal(map[string]string{"status": "SUBMITTED"})
	if rr := doRequest(t, h, http.MethodPut, "/evidence-queue/"+reportID+"/status", officer, body); rr.Code != http.StatusOK {
		t.Fatalf("submit: %d", rr.Code)
	}
	body, _ = json.Marshal(map[string]string{"status": "RESOLVED", "notes": "case closed"})
	if rr := doRequest(t, h, http.MethodPut, "/evidence-queue/"+reportID+"/status", officer, body); rr.Code != http.StatusOK {
		t.Fatalf("resolve: %d", rr.Code)
	}

	// 审核角色：403，且响应体标明是吊销而不是角色问题。
	rr := doRequest(t, h, http.MethodGet, "/evidence/"+evidenceID+"/view", officer, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("officer view after resolve: %d", rr.Code)
	}
	m := decodeBody(t, rr)
	if m["reason"] != "CASE_CLOSED" {
		t.Fatalf("reason=%v", m["reason"])
	}

	// 所有者仍可访问自己的证据。
	rr = doRequest(t, h, http.MethodGet, "/evidence/"+evidenceID+"/view", owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("owner view after resolve: %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestOwnerReportView(t *testing.T) {
	h := newTestHandler(t)
	owner := signToken(t, "user_owner", "USER")
	stranger := signToken(t, "user_other", "USER")

	_, reportID := uploadEvidence(t, h, owner, []byte("mine"))

	rr := doRequest(t, h, http.MethodGet, "/reports/"+reportID, owner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("owner report: %d body=%s", rr.Code, rr.Body.String())
	}
	m := decodeBody(t, rr)
	if m["report_id"] != reportID {
		t.Fatalf("unexpected body: %v", m)
	}
	if _, leaked := m["confidence_score"]; leaked {
		t.Fatalf("owner view must not leak reviewer metrics")
	}

	if rr := doRequest(t, h, http.MethodGet, "/reports/"+reportID, stranger, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("stranger report: %d", rr.Code)
	}

	if rr := doRequest(t, h, http.MethodGet, "/reports/rpt_missing", owner, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing report: %d", rr.Code)
	}
}

func TestUploadValidation(t *testing.T) {
	h := newTestHandler(t)
	owner := signToken(t, "user_owner", "USER")

	// 空请求体 → 400。
	if rr := doRequest(t, h, http.MethodPost, "/evidence?kind=IMAGE", owner, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty body: %d", rr.Code)
	}
	// 未知媒体类型 → 400。
	if rr := doRequest(t, h, http.MethodPost, "/evidence?kind=AUDIO", owner, []byte("x")); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad kind: %d", rr.Code)
	}
}
