package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/domain/vaulterr"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/platform/id"
)

// Store 封装与 SQLite 的读写逻辑。
// 句柄由调用方显式构造并注入（open-at-startup / close-at-shutdown），
// 不做进程级单例，测试可以注入独立实例。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// dbtx 统一 *sql.DB 与 *sql.Tx，审计追加既可独立执行也可并入事务。
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ---- 案件 ----

// CreateReport 新建案件。reportID 为空时自动生成。
func (s *Store) CreateReport(ctx context.Context, reportID, userID, description string, status model.Status) (*model.Report, error) {
	if reportID == "" {
		reportID = id.New("rpt")
	}
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(report_id, user_id, description, status, version, created_at, updated_at)
		VALUES(?, ?, ?, ?, 0, ?, ?)
	`, reportID, userID, description, string(status), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert report: %w", err)
	}

	return s.GetReport(ctx, reportID)
}

// GetReport 按 ID 查询案件；不存在时返回 nil。
func (s *Store) GetReport(ctx context.Context, reportID string) (*model.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			report_id, user_id, COALESCE(description, ''), status,
			COALESCE(official_response, ''), COALESCE(support_contact, ''),
			COALESCE(rejection_details, ''), version, created_at, updated_at
		FROM reports
		WHERE report_id = ?
		LIMIT 1
	`, reportID)

	var r model.Report
	var status string
	if err := row.Scan(
		&r.ID, &r.UserID, &r.Description, &status,
		&r.OfficialResponse, &r.SupportContact,
		&r.RejectionDetails, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query report: %w", err)
	}
	parsed, err := model.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", reportID, err)
	}
	r.Status = parsed
	return &r, nil
}

// StatusUpdate 描述一次状态流转要写入的字段。空字符串表示不改动。
type StatusUpdate struct {
	To               model.Status
	OfficialResponse string
	SupportContact   string
	RejectionDetails string
}

// ApplyStatusUpdate 以条件更新执行状态流转，并在同一事务内追加
// STATUS_CHANGE 审计记录——审计写入失败则整个流转回滚，
// 不存在“改了状态但没留痕”的路径。
//
// expectedVersion 来自调用方读到的案件快照；两个审核员竞争同一案件时，
// 后提交的一方匹配不到版本号，得到 vaulterr.ErrConflict。
func (s *Store) ApplyStatusUpdate(ctx context.Context, reportID string, expectedVersion int64, upd StatusUpdate, entry EntryInput) (*model.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx status update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE reports SET
			status = ?,
			official_response = CASE WHEN ? != '' THEN ? ELSE official_response END,
			support_contact   = CASE WHEN ? != '' THEN ? ELSE support_contact END,
			rejection_details = CASE WHEN ? != '' THEN ? ELSE rejection_details END,
			version = version + 1,
			updated_at = ?
		WHERE report_id = ? AND version = ?
	`,
		string(upd.To),
		upd.OfficialResponse, upd.OfficialResponse,
		upd.SupportContact, upd.SupportContact,
		upd.RejectionDetails, upd.RejectionDetails,
		now, reportID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update report status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		err = vaulterr.ErrConflict
		return nil, err
	}

	ae, err := appendAuditTx(ctx, tx, entry)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}
	return ae, nil
}

// ---- 证据 ----

// InsertEvidence 写入证据元数据，并在同一事务内追加 UPLOAD 审计记录。
func (s *Store) InsertEvidence(ctx context.Context, rec model.EvidenceRecord, entry EntryInput) (*model.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx insert evidence: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	meta := string(rec.Metadata)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence(
			evidence_id, report_id, storage_locator, content_hash,
			media_kind, description, metadata_json, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, nullIfEmpty(rec.ReportID), rec.StorageLocator, rec.ContentHash,
		string(rec.MediaKind), nullIfEmpty(rec.Description), nullIfEmpty(meta), rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert evidence %s: %w", rec.ID, err)
	}

	ae, err := appendAuditTx(ctx, tx, entry)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert evidence: %w", err)
	}
	return ae, nil
}

// GetEvidence 按 ID 查询证据元数据；不存在时返回 nil。
func (s *Store) GetEvidence(ctx context.Context, evidenceID string) (*model.EvidenceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			evidence_id, COALESCE(report_id, ''), storage_locator, content_hash,
			media_kind, COALESCE(description, ''), COALESCE(metadata_json, ''), created_at
		FROM evidence
		WHERE evidence_id = ?
		LIMIT 1
	`, evidenceID)

	var rec model.EvidenceRecord
	var kind, meta string
	if err := row.Scan(
		&rec.ID, &rec.ReportID, &rec.StorageLocator, &rec.ContentHash,
		&kind, &rec.Description, &meta, &rec.CreatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	rec.MediaKind = model.MediaKind(kind)
	if meta != "" {
		rec.Metadata = json.RawMessage(meta)
	}
	return &rec, nil
}

// ListEvidenceByReport 返回案件下全部证据元数据（不含字节）。
func (s *Store) ListEvidenceByReport(ctx context.Context, reportID string) ([]model.EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			evidence_id, COALESCE(report_id, ''), storage_locator, content_hash,
			media_kind, COALESCE(description, ''), COALESCE(metadata_json, ''), created_at
		FROM evidence
		WHERE report_id = ?
		ORDER BY created_at ASC, evidence_id ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query evidence by report: %w", err)
	}
	defer rows.Close()

	out := []model.EvidenceRecord{}
	for rows.Next() {
		var rec model.EvidenceRecord
		var kind, meta string
		if err := rows.Scan(
			&rec.ID, &rec.ReportID, &rec.StorageLocator, &rec.ContentHash,
			&kind, &rec.Description, &meta, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		rec.MediaKind = model.MediaKind(kind)
		if meta != "" {
			rec.Metadata = json.RawMessage(meta)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return out, nil
}

// AttachEvidence 把先于立案上传的证据挂接到正式案件。
// 这是证据元数据唯一允许的变更，且只允许从“未挂接”到“已挂接”。
func (s *Store) AttachEvidence(ctx context.Context, evidenceID, reportID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence SET report_id = ?
		WHERE evidence_id = ? AND report_id IS NULL
	`, reportID, evidenceID)
	if err != nil {
		return fmt.Errorf("attach evidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return vaulterr.Validationf("evidence %s is already attached or does not exist", evidenceID)
	}
	return nil
}

// ---- 审计账本 ----

// EntryInput 是一次审计追加的输入。Detail 会被 json.Marshal（nil 记为 {}）。
type EntryInput struct {
	ActorID  string
	Action   model.AuditAction
	ReportID string
	Detail   any
}

// AppendAudit 独立追加一条审计记录（VIEW_EVIDENCE / INTEGRITY_FAILURE 等，
// 不与其他写操作同事务的场景）。
//
// 必须开事务：读上一条 chain_hash 与插入是两条语句，并发追加时
// 直接跑在连接池上会抢到同一个 seq，在 UNIQUE 约束上撞车。
// 事务钉住唯一连接后，追加天然串行。
func (s *Store) AppendAudit(ctx context.Context, in EntryInput) (*model.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx append audit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ae, err := appendAuditTx(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append audit: %w", err)
	}
	return ae, nil
}

// appendAuditTx 追加审计记录并维护全账本哈希链。
// chain_hash 公式必须与 auditverify 的重算保持一致。
func appendAuditTx(ctx context.Context, q dbtx, in EntryInput) (*model.AuditEntry, error) {
	detailJSON := []byte("{}")
	if in.Detail != nil {
		raw, err := json.Marshal(in.Detail)
		if err != nil {
			return nil, fmt.Errorf("marshal audit detail: %w", err)
		}
		detailJSON = raw
	}

	var prevSeq int64
	prev := ""
	err := q.QueryRowContext(ctx, `
		SELECT seq, chain_hash
		FROM audit_entries
		ORDER BY seq DESC
		LIMIT 1
	`).Scan(&prevSeq, &prev)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query previous chain hash: %w", err)
	}

	now := time.Now().Unix()
	entryID := id.New("aud")
	chain := hash.Text(prev, in.ActorID, string(in.Action), in.ReportID, fmt.Sprintf("%d", now), string(detailJSON))

	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_entries(
			entry_id, actor_id, action, report_id, detail_json,
			occurred_at, seq, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entryID, in.ActorID, string(in.Action), nullIfEmpty(in.ReportID), string(detailJSON),
		now, prevSeq+1, nullIfEmpty(prev), chain)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	return &model.AuditEntry{
		ID:            entryID,
		ActorID:       in.ActorID,
		Action:        in.Action,
		ReportID:      in.ReportID,
		Detail:        json.RawMessage(detailJSON),
		OccurredAt:    now,
		ChainPrevHash: prev,
		ChainHash:     chain,
	}, nil
}

// ListAuditEntries 返回全账本（按链序升序），limit 兜底防止一次拉爆。
func (s *Store) ListAuditEntries(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	if limit > 10000 {
		limit = 10000
	}
	return s.listAudit(ctx, `
		SELECT entry_id, actor_id, action, COALESCE(report_id, ''), COALESCE(detail_json, '{}'),
			occurred_at, COALESCE(chain_prev_hash, ''), chain_hash
		FROM audit_entries
		ORDER BY seq ASC
		LIMIT ?
	`, limit)
}

// ListAuditByReport 返回某案件相关的审计记录（按链序升序）。
func (s *Store) ListAuditByReport(ctx context.Context, reportID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.listAudit(ctx, `
		SELECT entry_id, actor_id, action, COALESCE(report_id, ''), COALESCE(detail_json, '{}'),
			occurred_at, COALESCE(chain_prev_hash, ''), chain_hash
		FROM audit_entries
		WHERE report_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, reportID, limit)
}

func (s *Store) listAudit(ctx context.Context, query string, args ...any) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	out := []model.AuditEntry{}
	for rows.Next() {
		var e model.AuditEntry
		var action, detail string
		if err := rows.Scan(
			&e.ID, &e.ActorID, &action, &e.ReportID, &detail,
			&e.OccurredAt, &e.ChainPrevHash, &e.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = model.AuditAction(action)
		e.Detail = json.RawMessage(detail)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// ---- 取证评分 ----

// SaveAnalysis 写入（或覆盖）案件的外部取证评分。
func (s *Store) SaveAnalysis(ctx context.Context, reportID string, score float64, indicators json.RawMessage, summary string) (*model.Analysis, error) {
	now := time.Now().Unix()
	analysisID := id.New("ana")
	ind := string(indicators)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses(analysis_id, report_id, confidence_score, indicators_json, summary, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(report_id) DO UPDATE SET
			confidence_score=excluded.confidence_score,
			indicators_json=excluded.indicators_json,
			summary=excluded.summary,
			created_at=excluded.created_at
	`, analysisID, reportID, score, nullIfEmpty(ind), nullIfEmpty(summary), now)
	if err != nil {
		return nil, fmt.Errorf("upsert analysis: %w", err)
	}
	return s.GetAnalysis(ctx, reportID)
}

// GetAnalysis 按案件查询取证评分；不存在时返回 nil。
func (s *Store) GetAnalysis(ctx context.Context, reportID string) (*model.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT analysis_id, report_id, confidence_score, COALESCE(indicators_json, ''), COALESCE(summary, ''), created_at
		FROM analyses
		WHERE report_id = ?
		LIMIT 1
	`, reportID)

	var a model.Analysis
	var ind string
	if err := row.Scan(&a.ID, &a.ReportID, &a.ConfidenceScore, &ind, &a.Summary, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query analysis: %w", err)
	}
	if ind != "" {
		a.Indicators = json.RawMessage(ind)
	}
	return &a, nil
}

// ---- 审核队列 ----

// ListQueue 返回审核队列：非草稿案件 + 证据计数 + 置信分，按更新时间倒序。
// 不含证据字节，也不含报案人侧不可见/审核侧不需要之外的字段。
func (s *Store) ListQueue(ctx context.Context, limit, offset int) ([]model.CaseSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			r.report_id,
			r.status,
			COALESCE(r.description, ''),
			(SELECT COUNT(*) FROM evidence e WHERE e.report_id = r.report_id),
			COALESCE((SELECT a.confidence_score FROM analyses a WHERE a.report_id = r.report_id), 0),
			r.created_at,
			r.updated_at
		FROM reports r
		WHERE r.status != 'DRAFT'
		ORDER BY r.updated_at DESC, r.created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	out := []model.CaseSummary{}
	for rows.Next() {
		var item model.CaseSummary
		var status string
		if err := rows.Scan(
			&item.ReportID, &status, &item.Description,
			&item.EvidenceCount, &item.ConfidenceScore,
			&item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		parsed, err := model.ParseStatus(status)
		if err != nil {
			return nil, fmt.Errorf("queue row %s: %w", item.ReportID, err)
		}
		item.Status = parsed
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return out, nil
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
