package webapp

import (
	"net/http"

	"evidence-vault/internal/services/vault"
)

// Server 是保险库 API 的运行时对象。
type Server struct {
	svc       *vault.Service
	jwtSecret []byte
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)

	// 审核队列（仅审核角色；具体资格在服务层判定）
	mux.HandleFunc("/evidence-queue", s.handleQueue)
	mux.HandleFunc("/evidence-queue/", s.handleQueueRoutes)

	// 证据上传与访问
	mux.HandleFunc("/evidence", s.handleUpload)
	mux.HandleFunc("/evidence/", s.handleEvidenceRoutes)

	// 报案人案件视图
	mux.HandleFunc("/reports/", s.handleReportRoutes)
}
