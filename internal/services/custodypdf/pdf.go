package custodypdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/services/auditverify"

	"github.com/phpdave11/gofpdf"
)

// 证据保管链 PDF 报告（chain-of-custody）
//
// 设计目标：
// - 输出一个可长期归档的 PDF：案件概览、证据摘要基线、状态历史、审计链
// - 明文绝不进入报告：证据只以 SHA-256 基线与元数据出现
// - 审计链校验结论（auditverify）直接写进报告，篡改在纸面上可见

// Options 定义一次保管链 PDF 导出的参数。
type Options struct {
	ReportID string
	OutDir   string
	Operator string
	Note     string
}

// Result 是一次 PDF 导出的摘要输出。
type Result struct {
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const pdfGeneratorVer = "custodypdf-0.1.0"

// Generate 生成指定案件的保管链 PDF。
func Generate(ctx context.Context, store *sqliteadapter.Store, opts Options) (*Result, error) {
	reportID := strings.TrimSpace(opts.ReportID)
	if reportID == "" {
		return nil, fmt.Errorf("report_id is required")
	}
	outDir := strings.TrimSpace(opts.OutDir)
	if outDir == "" {
		outDir = "data/exports"
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = model.SystemActor
	}

	report, err := store.GetReport(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if report == nil {
		return nil, fmt.Errorf("report not found: %s", reportID)
	}

	var warnings []string

	evidence, err := store.ListEvidenceByReport(ctx, reportID)
	if err != nil {
		warnings = append(warnings, "list evidence failed: "+err.Error())
		evidence = []model.EvidenceRecord{}
	}
	analysis, err := store.GetAnalysis(ctx, reportID)
	if err != nil {
		warnings = append(warnings, "get analysis failed: "+err.Error())
	}
	audits, err := store.ListAuditByReport(ctx, reportID, 5000)
	if err != nil {
		warnings = append(warnings, "list audits failed: "+err.Error())
		audits = []model.AuditEntry{}
	}
	chain := auditverify.VerifyEntries(audits)

	now := time.Now().Unix()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir exports: %w", err)
	}
	pdfPath := filepath.Join(outDir, fmt.Sprintf("%s_custody_%d.pdf", reportID, now))

	pdf, utf8OK := buildPDF(*report, evidence, analysis, audits, chain, operator, opts.Note, warnings, now)
	if !utf8OK {
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	return &Result{
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

func buildPDF(
	report model.Report,
	evidence []model.EvidenceRecord,
	analysis *model.Analysis,
	audits []model.AuditEntry,
	chain auditverify.Result,
	operator string,
	note string,
	warnings []string,
	generatedAt int64,
) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Evidence Vault - Chain of Custody Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	// 标题
	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Evidence Vault - Chain of Custody Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Generator: %s", pdfGeneratorVer), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	// Overview
	sectionTitle(pdf, fontFamily, "1. Case Overview")
	kv(pdf, fontFamily, utf8OK, "Report ID", report.ID)
	kv(pdf, fontFamily, utf8OK, "Owner", report.UserID)
	kv(pdf, fontFamily, utf8OK, "Status", string(report.Status))
	kv(pdf, fontFamily, utf8OK, "Description", report.Description)
	kv(pdf, fontFamily, utf8OK, "Created At", fmtTime(report.CreatedAt))
	kv(pdf, fontFamily, utf8OK, "Updated At", fmtTime(report.UpdatedAt))
	kv(pdf, fontFamily, utf8OK, "Evidence Count", fmt.Sprintf("%d", len(evidence)))
	if report.RejectionDetails != "" {
		kv(pdf, fontFamily, utf8OK, "Clarification", report.RejectionDetails)
	}
	pdf.Ln(2)

	// Warnings（把“缺数据/回退行为”显式写到 PDF）
	localWarnings := append([]string{}, warnings...)
	if !utf8OK {
		localWarnings = append(localWarnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if len(localWarnings) > 0 {
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range localWarnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	// Evidence baselines
	sectionTitle(pdf, fontFamily, "2. Evidence Items (SHA-256 Baselines)")
	if len(evidence) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	} else {
		for i, e := range evidence {
			pdf.SetFont(fontFamily, "B", 11)
			pdf.SetTextColor(20, 20, 20)
			pdf.CellFormat(0, 6, fmt.Sprintf("Evidence #%d", i+1), "", 1, "L", false, 0, "")
			pdf.SetFont(fontFamily, "", 10)
			pdf.SetTextColor(30, 30, 30)
			kv(pdf, fontFamily, utf8OK, "Evidence ID", e.ID)
			kv(pdf, fontFamily, utf8OK, "Media Kind", string(e.MediaKind))
			kv(pdf, fontFamily, utf8OK, "Content SHA-256", e.ContentHash)
			kv(pdf, fontFamily, utf8OK, "Uploaded At", fmtTime(e.CreatedAt))
			if strings.TrimSpace(e.Description) != "" {
				kv(pdf, fontFamily, utf8OK, "Description", e.Description)
			}
			pdf.Ln(1)
		}
	}
	pdf.Ln(2)

	// Forensic analysis
	sectionTitle(pdf, fontFamily, "3. Forensic Analysis")
	if analysis == nil {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(no analysis recorded)", "", "L", false)
	} else {
		kv(pdf, fontFamily, utf8OK, "Confidence", fmt.Sprintf("%.2f", analysis.ConfidenceScore))
		kv(pdf, fontFamily, utf8OK, "Summary", analysis.Summary)
		kv(pdf, fontFamily, utf8OK, "Recorded At", fmtTime(analysis.CreatedAt))
	}
	pdf.Ln(2)

	// Audit trail + chain verdict
	sectionTitle(pdf, fontFamily, "4. Audit Trail")
	verdict := "INTACT"
	if !chain.OK {
		verdict = fmt.Sprintf("TAMPERED (%d of %d entries failed verification)", chain.Failed, chain.Total)
	}
	kv(pdf, fontFamily, utf8OK, "Chain Verdict", verdict)
	if chain.LastChainHash != "" {
		kv(pdf, fontFamily, utf8OK, "Last Chain Hash", chain.LastChainHash)
	}
	pdf.Ln(1)
	if len(audits) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	} else {
		for _, a := range audits {
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			pdf.MultiCell(0, 5, fmt.Sprintf("%s | %s | %s",
				fmtTime(a.OccurredAt),
				safeText(string(a.Action), utf8OK),
				safeText(a.ActorID, utf8OK),
			), "", "L", false)
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			if len(a.Detail) > 0 {
				pdf.MultiCell(0, 4.5, fmt.Sprintf("detail: %s", safeText(string(a.Detail), utf8OK)), "", "L", false)
			}
			pdf.MultiCell(0, 4.5, fmt.Sprintf("chain: %s", safeText(a.ChainHash, utf8OK)), "", "L", false)
			pdf.Ln(1)
		}
	}

	// 尾注
	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Note: Evidence content never appears in this report. For the encrypted envelopes and full ledger, use the custody ZIP export (manifest.json + hashes.sha256).", "", "L", false)

	return pdf, utf8OK
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func safeText(s string, utf8OK bool) string {
	// gofpdf 内置字体只对 ASCII/Latin 友好；
	// 未加载 UTF-8 字体时把非 ASCII 替换为 '?'，保证 PDF 一定能生成。
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType）以支持非 ASCII 字符。
//
// 规则：
// 1) 环境变量 VAULT_PDF_FONT 指定的文件优先。
// 2) 否则按常见系统字体路径探测（macOS/Windows/Linux）。
// 3) 全部失败回退到核心字体（Helvetica），由 safeText() 兜底。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("VAULT_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		// 即使只有一个字体文件也注册 B 样式，避免 SetFont(...,"B",...) 报错。
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
