package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/domain/vaulterr"
	"evidence-vault/internal/platform/hash"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if err := NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewStore(db), db
}

func TestCreateAndGetReport(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateReport(ctx, "", "user_1", "harassment report", model.StatusDraft)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	if created.ID == "" || created.Status != model.StatusDraft || created.Version != 0 {
		t.Fatalf("unexpected report: %+v", created)
	}

	got, err := store.GetReport(ctx, created.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got == nil || got.UserID != "user_1" || got.Description != "harassment report" {
		t.Fatalf("unexpected report: %+v", got)
	}

	missing, err := store.GetReport(ctx, "rpt_missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing report")
	}
}

func TestGetReport_LegacyVerifiedAlias(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO reports(report_id, user_id, description, status, version, created_at, updated_at)
		VALUES('rpt_legacy', 'user_1', '', 'VERIFIED', 0, 1, 1)
	`)
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}

	got, err := store.GetReport(ctx, "rpt_legacy")
	if err != nil {
		t.Fatalf("get legacy report: %v", err)
	}
	if got.Status != model.StatusValid {
		t.Fatalf("legacy VERIFIED must parse as VALID, got %s", got.Status)
	}
}

func TestApplyStatusUpdate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	report, err := store.CreateReport(ctx, "", "user_1", "", model.StatusSubmitted)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}

	_, err = store.ApplyStatusUpdate(ctx, report.ID, report.Version, StatusUpdate{
		To:               model.StatusValid,
		OfficialResponse: "validated",
		SupportContact:   "support@example.org",
	}, EntryInput{
		ActorID:  "officer_1",
		Action:   model.ActionStatusChange,
		ReportID: report.ID,
		Detail:   map[string]any{"from": "SUBMITTED", "to": "VALID"},
	})
	if err != nil {
		t.Fatalf("apply status update: %v", err)
	}

	got, err := store.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.Status != model.StatusValid || got.Version != report.Version+1 {
		t.Fatalf("unexpected report after update: %+v", got)
	}
	if got.OfficialResponse != "validated" || got.SupportContact != "support@example.org" {
		t.Fatalf("response fields not written: %+v", got)
	}

	entries, err := store.ListAuditByReport(ctx, report.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != model.ActionStatusChange {
		t.Fatalf("expected one STATUS_CHANGE entry, got %+v", entries)
	}
}

func TestApplyStatusUpdate_StaleVersionConflict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	report, err := store.CreateReport(ctx, "", "user_1", "", model.StatusSubmitted)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}

	win := EntryInput{ActorID: "officer_1", Action: model.ActionStatusChange, ReportID: report.ID}
	if _, err := store.ApplyStatusUpdate(ctx, report.ID, report.Version, StatusUpdate{To: model.StatusValid}, win); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// 第二个审核员基于同一快照提交：版本号已过期，必须得到冲突。
	lose := EntryInput{ActorID: "officer_2", Action: model.ActionStatusChange, ReportID: report.ID}
	_, err = store.ApplyStatusUpdate(ctx, report.ID, report.Version, StatusUpdate{To: model.StatusEscalated}, lose)
	if !errors.Is(err, vaulterr.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// 失败方不得留下任何状态或审计痕迹。
	got, err := store.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.Status != model.StatusValid {
		t.Fatalf("loser must not win: %+v", got)
	}
	entries, err := store.ListAuditByReport(ctx, report.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("conflicting update must not append audit: %+v", entries)
	}
}

func TestInsertAndListEvidence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	report, err := store.CreateReport(ctx, "", "user_1", "", model.StatusDraft)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}

	rec := model.EvidenceRecord{
		ID:             "evi_1",
		ReportID:       report.ID,
		StorageLocator: "evi_1.env.json",
		ContentHash:    hash.Bytes([]byte("plaintext")),
		MediaKind:      model.MediaImage,
		Description:    "screenshot",
		Metadata:       []byte(`{"platform":"chat-app"}`),
		CreatedAt:      1700000000,
	}
	if _, err := store.InsertEvidence(ctx, rec, EntryInput{
		ActorID:  "user_1",
		Action:   model.ActionUpload,
		ReportID: report.ID,
	}); err != nil {
		t.Fatalf("insert evidence: %v", err)
	}

	got, err := store.GetEvidence(ctx, "evi_1")
	if err != nil {
		t.Fatalf("get evidence: %v", err)
	}
	if got == nil || got.ContentHash != rec.ContentHash || got.MediaKind != model.MediaImage {
		t.Fatalf("unexpected evidence: %+v", got)
	}

	list, err := store.ListEvidenceByReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("list evidence: %v", err)
	}
	if len(list) != 1 || list[0].ID != "evi_1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	entries, err := store.ListAuditByReport(ctx, report.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != model.ActionUpload {
		t.Fatalf("expected UPLOAD audit, got %+v", entries)
	}
}

func TestAttachEvidence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	report, err := store.CreateReport(ctx, "", "user_1", "", model.StatusDraft)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	rec := model.EvidenceRecord{
		ID:             "evi_loose",
		StorageLocator: "evi_loose.env.json",
		ContentHash:    hash.Bytes([]byte("x")),
		MediaKind:      model.MediaVideo,
		CreatedAt:      1,
	}
	if _, err := store.InsertEvidence(ctx, rec, EntryInput{ActorID: "user_1", Action: model.ActionUpload}); err != nil {
		t.Fatalf("insert evidence: %v", err)
	}

	if err := store.AttachEvidence(ctx, "evi_loose", report.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	got, err := store.GetEvidence(ctx, "evi_loose")
	if err != nil {
		t.Fatalf("get evidence: %v", err)
	}
	if got.ReportID != report.ID {
		t.Fatalf("attach did not stick: %+v", got)
	}

	// 已挂接的证据不允许改挂。
	if err := store.AttachEvidence(ctx, "evi_loose", "rpt_other"); !vaulterr.IsValidation(err) {
		t.Fatalf("expected validation error on re-attach, got %v", err)
	}
}

func TestAppendAudit_ChainLinks(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.AppendAudit(ctx, EntryInput{
			ActorID:  "user_1",
			Action:   model.ActionViewEvidence,
			ReportID: "rpt_1",
			Detail:   map[string]any{"n": i},
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := store.ListAuditEntries(ctx, 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	prev := ""
	for i, e := range entries {
		if e.ChainPrevHash != prev {
			t.Fatalf("entry %d: prev link broken: %q vs %q", i, e.ChainPrevHash, prev)
		}
		want := hash.Text(prev, e.ActorID, string(e.Action), e.ReportID, fmt.Sprintf("%d", e.OccurredAt), string(e.Detail))
		if e.ChainHash != want {
			t.Fatalf("entry %d: chain hash mismatch", i)
		}
		prev = e.ChainHash
	}
}

func TestAppendAudit_ConcurrentAppends(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// 并发读取互不相关的证据时，账本追加不允许互相挤掉。
	const n = 20
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AppendAudit(ctx, EntryInput{
				ActorID:  fmt.Sprintf("user_%d", i),
				Action:   model.ActionViewEvidence,
				ReportID: fmt.Sprintf("rpt_%d", i),
				Detail:   map[string]any{"n": i},
			})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	entries, err := store.ListAuditEntries(ctx, n+10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}

	// 并发写完后链必须完整：prev 连续且逐条可重算。
	prev := ""
	for i, e := range entries {
		if e.ChainPrevHash != prev {
			t.Fatalf("entry %d: prev link broken", i)
		}
		want := hash.Text(prev, e.ActorID, string(e.Action), e.ReportID, fmt.Sprintf("%d", e.OccurredAt), string(e.Detail))
		if e.ChainHash != want {
			t.Fatalf("entry %d: chain hash mismatch", i)
		}
		prev = e.ChainHash
	}
}

func TestSaveAnalysis_Upsert(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	report, err := store.CreateReport(ctx, "", "user_1", "", model.StatusSubmitted)
	if err != nil {
		t.Fatalf("create report: %v", err)
	}

	first, err := store.SaveAnalysis(ctx, report.ID, 0.42, []byte(`{"blur":true}`), "low confidence")
	if err != nil {
		t.Fatalf("save analysis: %v", err)
	}
	if first.ConfidenceScore != 0.42 {
		t.Fatalf("unexpected analysis: %+v", first)
	}

	second, err := store.SaveAnalysis(ctx, report.ID, 0.91, nil, "re-scored")
	if err != nil {
		t.Fatalf("re-save analysis: %v", err)
	}
	if second.ConfidenceScore != 0.91 || second.Summary != "re-scored" {
		t.Fatalf("upsert did not overwrite: %+v", second)
	}
}

func TestListQueue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	draft, err := store.CreateReport(ctx, "", "user_1", "still drafting", model.StatusDraft)
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	submitted, err := store.CreateReport(ctx, "", "user_2", "submitted case", model.StatusSubmitted)
	if err != nil {
		t.Fatalf("create submitted: %v", err)
	}

	rec := model.EvidenceRecord{
		ID:             "evi_q",
		ReportID:       submitted.ID,
		StorageLocator: "evi_q.env.json",
		ContentHash:    hash.Bytes([]byte("q")),
		MediaKind:      model.MediaImage,
		CreatedAt:      1,
	}
	if _, err := store.InsertEvidence(ctx, rec, EntryInput{ActorID: "user_2", Action: model.ActionUpload, ReportID: submitted.ID}); err != nil {
		t.Fatalf("insert evidence: %v", err)
	}
	if _, err := store.SaveAnalysis(ctx, submitted.ID, 0.88, nil, ""); err != nil {
		t.Fatalf("save analysis: %v", err)
	}

	rows, err := store.ListQueue(ctx, 50, 0)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("queue must exclude drafts, got %+v", rows)
	}
	row := rows[0]
	if row.ReportID != submitted.ID || row.EvidenceCount != 1 || row.ConfidenceScore != 0.88 {
		t.Fatalf("unexpected queue row: %+v", row)
	}

	if _, err := store.GetReport(ctx, draft.ID); err != nil {
		t.Fatalf("draft should still exist: %v", err)
	}
}
