// Package vault 把密文信封、完整性校验、访问闸门、状态机与审计账本
// 组合成对外操作：ingest / retrieve / check-integrity / transition / queue。
// HTTP 处理器、CLI 与测试都只调用这一层。
//
// 完整性策略为 fail-closed：摘要对不上就不出字节（提供给法律申诉的
// 内容一旦未经验证就送出，证据链条即告断裂）。
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/adapters/vaultfs"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/domain/vaulterr"
	"evidence-vault/internal/platform/aead"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/platform/id"
	"evidence-vault/internal/services/accessgate"
	"evidence-vault/internal/services/statusflow"
)

// Service 是保险库编排器。密钥是只读配置，跨请求并发安全。
type Service struct {
	store *sqlite.Store
	blobs *vaultfs.Store
	key   [aead.KeySize]byte
}

func NewService(store *sqlite.Store, blobs *vaultfs.Store, key [aead.KeySize]byte) *Service {
	return &Service{store: store, blobs: blobs, key: key}
}

// IngestInput 是一次证据入库的输入。
type IngestInput struct {
	Plaintext   []byte
	MediaKind   model.MediaKind
	ReportID    string // 为空时隐式创建 DRAFT 案件（先传证据、后立案）
	Description string
	Metadata    json.RawMessage
}

// Ingest 证据入库：明文摘要 → 加密 → 信封落盘 → 元数据入库（与 UPLOAD
// 审计同事务）。摘要必须在加密前算好，之后永不从密文重算。
func (s *Service) Ingest(ctx context.Context, actor model.Actor, in IngestInput) (*model.EvidenceRecord, error) {
	if len(in.Plaintext) == 0 {
		return nil, vaulterr.Validationf("evidence payload is empty")
	}
	if in.MediaKind != model.MediaImage && in.MediaKind != model.MediaVideo {
		return nil, vaulterr.Validationf("unknown media kind %q", in.MediaKind)
	}

	reportID := strings.TrimSpace(in.ReportID)
	if reportID != "" {
		report, err := s.store.GetReport(ctx, reportID)
		if err != nil {
			return nil, err
		}
		if report == nil {
			return nil, vaulterr.ErrNotFound
		}
		if report.UserID != actor.ID {
			return nil, vaulterr.ErrRoleForbidden
		}
		// SUBMITTED 之后案件对所有者只读，补充证据要走 NEEDS_CLARIFICATION 重提流程。
		if report.Status != model.StatusDraft {
			return nil, vaulterr.Validationf("report %s is not editable in status %s", reportID, report.Status)
		}
	} else {
		report, err := s.store.CreateReport(ctx, "", actor.ID, in.Description, model.StatusDraft)
		if err != nil {
			return nil, err
		}
		reportID = report.ID
	}

	contentHash := hash.Bytes(in.Plaintext)

	env, err := aead.Seal(in.Plaintext, s.key)
	if err != nil {
		return nil, fmt.Errorf("seal evidence: %w", err)
	}

	evidenceID := id.New("evi")
	locator, err := s.blobs.Save(evidenceID, env)
	if err != nil {
		return nil, err
	}

	rec := model.EvidenceRecord{
		ID:             evidenceID,
		ReportID:       reportID,
		StorageLocator: locator,
		ContentHash:    contentHash,
		MediaKind:      in.MediaKind,
		Description:    strings.TrimSpace(in.Description),
		Metadata:       in.Metadata,
		CreatedAt:      time.Now().Unix(),
	}

	_, err = s.store.InsertEvidence(ctx, rec, sqlite.EntryInput{
		ActorID:  actor.ID,
		Action:   model.ActionUpload,
		ReportID: reportID,
		Detail: map[string]any{
			"evidence_id":  evidenceID,
			"media_kind":   string(in.MediaKind),
			"content_hash": contentHash,
		},
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RetrieveResult 是一次证据读取的结果。明文只活在本次调用内，
// 调用方不得写缓存、临时文件或日志。
type RetrieveResult struct {
	Record            *model.EvidenceRecord
	Plaintext         []byte
	IntegrityVerified bool
}

// Retrieve 证据读取：元数据 → 闸门 → 取信封 → 解密 → 复核摘要 →
// 记 VIEW_EVIDENCE → 返回明文。审计写失败则整个请求失败，
// 不存在“看了但没留痕”的路径。
func (s *Service) Retrieve(ctx context.Context, actor model.Actor, evidenceID string) (*RetrieveResult, error) {
	rec, ownerID, status, err := s.lookup(ctx, evidenceID)
	if err != nil {
		return nil, err
	}

	if err := s.gate(ctx, actor, rec, ownerID, status, accessgate.OpViewBytes); err != nil {
		return nil, err
	}

	plaintext, _, err := s.openAndVerify(ctx, rec)
	if err != nil {
		return nil, err
	}

	_, err = s.store.AppendAudit(ctx, sqlite.EntryInput{
		ActorID:  actor.ID,
		Action:   model.ActionViewEvidence,
		ReportID: rec.ReportID,
		Detail: map[string]any{
			"evidence_id": rec.ID,
			"method":      "IN_MEMORY_STREAM",
		},
	})
	if err != nil {
		return nil, err
	}

	return &RetrieveResult{
		Record:            rec,
		Plaintext:         plaintext,
		IntegrityVerified: true,
	}, nil
}

// CheckIntegrity 完整性核查：同一条流水线但不出字节。
// 信封损坏（标签不符）与摘要不一致都以 valid=false 报告，
// 并各自产生一条主体为 SYSTEM 的 INTEGRITY_FAILURE 审计记录。
func (s *Service) CheckIntegrity(ctx context.Context, actor model.Actor, evidenceID string) (*model.IntegrityReport, error) {
	rec, ownerID, status, err := s.lookup(ctx, evidenceID)
	if err != nil {
		return nil, err
	}

	if err := s.gate(ctx, actor, rec, ownerID, status, accessgate.OpCheckIntegrity); err != nil {
		return nil, err
	}

	report := &model.IntegrityReport{
		EvidenceID: rec.ID,
		StoredHash: rec.ContentHash,
	}

	_, computed, err := s.openAndVerify(ctx, rec)
	switch {
	case err == nil:
		report.ComputedHash = computed
		report.Valid = true
	case errors.Is(err, vaulterr.ErrAuthentication):
		// 信封被改动：解不出明文，也就没有可报告的 computedHash。
		report.Valid = false
	case errors.Is(err, vaulterr.ErrIntegrity):
		report.ComputedHash = computed
		report.Valid = false
	default:
		return nil, err
	}
	return report, nil
}

// openAndVerify 取信封、解密并复核摘要，返回明文与重算摘要。
// 两类失败都先落 INTEGRITY_FAILURE 审计（主体 SYSTEM）再返回错误，
// 响应永远发生在审计之后。
func (s *Service) openAndVerify(ctx context.Context, rec *model.EvidenceRecord) ([]byte, string, error) {
	env, err := s.blobs.Load(rec.StorageLocator)
	if err != nil {
		return nil, "", err
	}

	plaintext, err := aead.Open(env, s.key)
	if err != nil {
		if errors.Is(err, vaulterr.ErrAuthentication) {
			if _, aerr := s.store.AppendAudit(ctx, sqlite.EntryInput{
				ActorID:  model.SystemActor,
				Action:   model.ActionIntegrityFailure,
				ReportID: rec.ReportID,
				Detail: map[string]any{
					"evidence_id": rec.ID,
					"cause":       "auth_tag_mismatch",
				},
			}); aerr != nil {
				return nil, "", aerr
			}
			return nil, "", vaulterr.ErrAuthentication
		}
		return nil, "", err
	}

	computed := hash.Bytes(plaintext)
	if !hash.Equal(computed, rec.ContentHash) {
		if _, aerr := s.store.AppendAudit(ctx, sqlite.EntryInput{
			ActorID:  model.SystemActor,
			Action:   model.ActionIntegrityFailure,
			ReportID: rec.ReportID,
			Detail: map[string]any{
				"evidence_id":   rec.ID,
				"cause":         "content_hash_mismatch",
				"stored_hash":   rec.ContentHash,
				"computed_hash": computed,
			},
		}); aerr != nil {
			return nil, "", aerr
		}
		return nil, computed, vaulterr.ErrIntegrity
	}

	return plaintext, computed, nil
}

// TransitionStatus 执行案件状态流转。条件更新与 STATUS_CHANGE 审计在
// 同一事务内；竞争失败方得到 vaulterr.ErrConflict。
//
// 审核角色可执行全部合法流转；报案人只能提交自己的案件
//（DRAFT / NEEDS_CLARIFICATION -> SUBMITTED），其余流转一律拒绝。
func (s *Service) TransitionStatus(ctx context.Context, actor model.Actor, reportID, targetRaw string, in statusflow.Input) (*model.Report, error) {
	target, err := model.ParseStatus(targetRaw)
	if err != nil {
		return nil, vaulterr.Validationf("malformed status value %q", targetRaw)
	}

	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, vaulterr.ErrNotFound
	}

	if d := accessgate.CanTransition(actor, report.UserID, report.Status, target); !d.Allowed {
		return nil, vaulterr.ErrRoleForbidden
	}

	plan, err := statusflow.Plan(report.Status, target, in)
	if err != nil {
		return nil, err
	}

	detail := map[string]any{
		"from": string(plan.From),
		"to":   string(plan.To),
	}
	if plan.Notes != "" {
		detail["notes"] = plan.Notes
	}
	if plan.Reopen {
		detail["reopened"] = true
	}

	_, err = s.store.ApplyStatusUpdate(ctx, reportID, report.Version, sqlite.StatusUpdate{
		To:               plan.To,
		OfficialResponse: plan.SetOfficialResponse,
		SupportContact:   plan.SetSupportContact,
		RejectionDetails: plan.SetRejectionDetails,
	}, sqlite.EntryInput{
		ActorID:  actor.ID,
		Action:   model.ActionStatusChange,
		ReportID: reportID,
		Detail:   detail,
	})
	if err != nil {
		return nil, err
	}

	return s.store.GetReport(ctx, reportID)
}

// Queue 返回审核队列（仅审核角色）。
func (s *Service) Queue(ctx context.Context, actor model.Actor, limit, offset int) ([]model.CaseSummary, error) {
	if !accessgate.IsReviewer(actor.Role) {
		return nil, vaulterr.ErrRoleForbidden
	}
	return s.store.ListQueue(ctx, limit, offset)
}

// CaseDetail 返回审核员视角的案件详情：证据元数据与取证评分，不含字节。
func (s *Service) CaseDetail(ctx context.Context, actor model.Actor, reportID string) (*model.CaseDetail, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, vaulterr.ErrNotFound
	}

	if d := accessgate.Authorize(actor, report.UserID, report.Status, accessgate.OpReadCase); !d.Allowed {
		return nil, vaulterr.ErrRoleForbidden
	}

	evidence, err := s.store.ListEvidenceByReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	analysis, err := s.store.GetAnalysis(ctx, reportID)
	if err != nil {
		return nil, err
	}

	return &model.CaseDetail{
		Report:   *report,
		Evidence: evidence,
		Analysis: analysis,
	}, nil
}

// OwnerReport 返回报案人视角的案件摘要。
// 字段逐一拷贝：审核侧技术数据（置信分、指标）绝不进入该视图。
func (s *Service) OwnerReport(ctx context.Context, actor model.Actor, reportID string) (*model.OwnerReport, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, vaulterr.ErrNotFound
	}
	if d := accessgate.Authorize(actor, report.UserID, report.Status, accessgate.OpReadCase); !d.Allowed {
		return nil, vaulterr.ErrRoleForbidden
	}

	evidence, err := s.store.ListEvidenceByReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	items := make([]model.OwnerEvidence, 0, len(evidence))
	for _, e := range evidence {
		items = append(items, model.OwnerEvidence{
			ID:        e.ID,
			MediaKind: e.MediaKind,
			CreatedAt: e.CreatedAt,
		})
	}

	return &model.OwnerReport{
		ReportID:         report.ID,
		Status:           report.Status,
		Description:      report.Description,
		OfficialResponse: report.OfficialResponse,
		SupportContact:   report.SupportContact,
		RejectionDetails: report.RejectionDetails,
		Evidence:         items,
	}, nil
}

// RecordAnalysis 存入外部取证评分（视觉/AI 流水线回调或 CLI 注入）。
func (s *Service) RecordAnalysis(ctx context.Context, reportID string, score float64, indicators json.RawMessage, summary string) (*model.Analysis, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, vaulterr.ErrNotFound
	}
	return s.store.SaveAnalysis(ctx, reportID, score, indicators, summary)
}

// lookup 取证据元数据及其所属案件的所有者与状态。
// 历史上可能存在未挂接案件的证据：此时没有所有者，按最严格口径处理
//（仅审核角色可见，状态视为 DRAFT）。
func (s *Service) lookup(ctx context.Context, evidenceID string) (*model.EvidenceRecord, string, model.Status, error) {
	rec, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, "", "", err
	}
	if rec == nil {
		return nil, "", "", vaulterr.ErrNotFound
	}

	ownerID := ""
	status := model.StatusDraft
	if rec.ReportID != "" {
		report, err := s.store.GetReport(ctx, rec.ReportID)
		if err != nil {
			return nil, "", "", err
		}
		if report != nil {
			ownerID = report.UserID
			status = report.Status
		}
	}
	return rec, ownerID, status, nil
}

// gate 评估访问闸门；拒绝时先落 ACCESS_DENIED 审计再返回对应错误，
// 角色拒绝与吊销拒绝必须可区分。
func (s *Service) gate(ctx context.Context, actor model.Actor, rec *model.EvidenceRecord, ownerID string, status model.Status, op accessgate.Operation) error {
	d := accessgate.Authorize(actor, ownerID, status, op)
	if d.Allowed {
		return nil
	}

	if _, aerr := s.store.AppendAudit(ctx, sqlite.EntryInput{
		ActorID:  actor.ID,
		Action:   model.ActionAccessDenied,
		ReportID: rec.ReportID,
		Detail: map[string]any{
			"evidence_id": rec.ID,
			"operation":   string(op),
			"reason":      string(d.Reason),
		},
	}); aerr != nil {
		return aerr
	}

	if d.Reason == accessgate.ReasonCaseClosed {
		return vaulterr.ErrCaseClosed
	}
	return vaulterr.ErrRoleForbidden
}
