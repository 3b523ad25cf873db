package model

import "encoding/json"

// MediaKind 表示证据媒体类型。
type MediaKind string

const (
	// MediaImage 图片证据。
	MediaImage MediaKind = "IMAGE"
	// MediaVideo 视频证据。
	MediaVideo MediaKind = "VIDEO"
)

// ContentType 返回流式返回明文时使用的 Content-Type。
func (k MediaKind) ContentType() string {
	if k == MediaVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}

// Role 表示调用方角色。
type Role string

const (
	// RoleAdmin 平台管理员。
	RoleAdmin Role = "ADMIN"
	// RoleNGOAdmin 机构管理员。
	RoleNGOAdmin Role = "NGO_ADMIN"
	// RoleCaseOfficer 案件专员。
	RoleCaseOfficer Role = "CASE_OFFICER"
	// RoleUser 普通用户（报案人/证据所有者）。
	RoleUser Role = "USER"
)

// Actor 表示一次请求的主体，由鉴权中间件解析注入。
type Actor struct {
	ID   string
	Role Role
}

// SystemActor 是系统自身动作（完整性告警等）在审计账本中的主体标识。
const SystemActor = "SYSTEM"

// EvidenceRecord 表示一条加密证据的元数据（对应 evidence 表）。
// 入库后除“挂接到正式案件”外不再变更。
type EvidenceRecord struct {
	ID             string          `json:"id"`
	ReportID       string          `json:"report_id,omitempty"` // 可为空：先传证据、后立案
	StorageLocator string          `json:"storage_locator"`
	ContentHash    string          `json:"content_hash"` // 入库时明文的 SHA-256 基线，永不改写
	MediaKind      MediaKind       `json:"media_kind"`
	Description    string          `json:"description,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"` // 平台、发现时间等，不含明文派生信息
	CreatedAt      int64           `json:"created_at"`
}

// Report 表示一个案件（对应 reports 表）。
type Report struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	Description      string `json:"description"`
	Status           Status `json:"status"`
	OfficialResponse string `json:"official_response,omitempty"`
	SupportContact   string `json:"support_contact,omitempty"`
	RejectionDetails string `json:"rejection_details,omitempty"`
	// Version 用于状态流转的条件更新：两个审核员竞争时只有一个能赢。
	Version   int64 `json:"version"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// AuditAction 表示审计账本中的动作类型。
type AuditAction string

const (
	// ActionUpload 证据上传入库。
	ActionUpload AuditAction = "UPLOAD"
	// ActionViewEvidence 证据明文被读取（含失败的访问尝试）。
	ActionViewEvidence AuditAction = "VIEW_EVIDENCE"
	// ActionStatusChange 案件状态流转。
	ActionStatusChange AuditAction = "STATUS_CHANGE"
	// ActionIntegrityFailure 完整性校验失败（主体固定为 SYSTEM）。
	ActionIntegrityFailure AuditAction = "INTEGRITY_FAILURE"
	// ActionAccessDenied 访问被拒绝（角色不符或案件已关闭）。
	ActionAccessDenied AuditAction = "ACCESS_DENIED"
)

// AuditEntry 表示一条审计账本记录（对应 audit_entries 表）。
// 只追加，入库后永不修改或删除；chain_hash 把全账本串成哈希链。
type AuditEntry struct {
	ID            string          `json:"id"`
	ActorID       string          `json:"actor_id"` // 用户 ID 或 "SYSTEM"
	Action        AuditAction     `json:"action"`
	ReportID      string          `json:"report_id,omitempty"`
	Detail        json.RawMessage `json:"detail,omitempty"`
	OccurredAt    int64           `json:"occurred_at"`
	ChainPrevHash string          `json:"chain_prev_hash,omitempty"`
	ChainHash     string          `json:"chain_hash"`
}

// Analysis 表示外部取证评分结果（对应 analyses 表）。
// 评分本身由视觉/AI 流水线产出，这里只当不透明输入存取。
type Analysis struct {
	ID              string          `json:"id"`
	ReportID        string          `json:"report_id"`
	ConfidenceScore float64         `json:"confidence_score"`
	Indicators      json.RawMessage `json:"indicators,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	CreatedAt       int64           `json:"created_at"`
}

// CaseSummary 是审核队列里的一行：聚合计数 + 置信分，不含证据字节。
// 字段固定、逐一赋值，杜绝把内部字段“顺手”透传给客户端。
type CaseSummary struct {
	ReportID        string  `json:"report_id"`
	Status          Status  `json:"status"`
	Description     string  `json:"description"`
	EvidenceCount   int     `json:"evidence_count"`
	ConfidenceScore float64 `json:"confidence_score"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

// CaseDetail 是审核员的案件详情：证据元数据（hash、类型、ID），不含字节。
type CaseDetail struct {
	Report   Report           `json:"report"`
	Evidence []EvidenceRecord `json:"evidence"`
	Analysis *Analysis        `json:"analysis,omitempty"`
}

// OwnerReport 是报案人可见的案件视图：不暴露内部指标与审核侧技术数据。
type OwnerReport struct {
	ReportID         string         `json:"report_id"`
	Status           Status         `json:"status"`
	Description      string         `json:"description"`
	OfficialResponse string         `json:"official_response,omitempty"`
	SupportContact   string         `json:"support_contact,omitempty"`
	RejectionDetails string         `json:"rejection_details,omitempty"`
	Evidence         []OwnerEvidence `json:"evidence"`
}

// OwnerEvidence 是报案人可见的证据条目。
type OwnerEvidence struct {
	ID        string    `json:"id"`
	MediaKind MediaKind `json:"media_kind"`
	CreatedAt int64     `json:"created_at"`
}

// IntegrityReport 是一次完整性核查的结论（不携带字节）。
type IntegrityReport struct {
	EvidenceID   string `json:"evidenceId"`
	StoredHash   string `json:"storedHash"`
	ComputedHash string `json:"computedHash"`
	Valid        bool   `json:"valid"`
}
