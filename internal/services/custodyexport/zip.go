package custodyexport

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/adapters/vaultfs"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/services/auditverify"
)

// ZipOptions 定义“保管链导出包（ZIP）”生成参数。
//
// 设计目标：
// - 把案件相关的“加密信封 + 结构化清单(manifest) + hash 列表”打包到一个 ZIP
// - 信封只含密文：明文永远不进导出包，复核方拿到部署密钥才可解密
// - manifest 内嵌审计链强校验结论，离线也能发现账本被动过
type ZipOptions struct {
	ReportID string

	// ExportDir 可选：显式指定导出目录。
	ExportDir string

	// Operator/Note 仅用于 manifest 留痕。
	Operator string
	Note     string
}

type FileHashEntry struct {
	Path      string `json:"path"`       // ZIP 内路径（使用 "/" 分隔）
	SHA256    string `json:"sha256"`     // 文件内容 SHA-256
	SizeBytes int64  `json:"size_bytes"` // 原始字节数
	Kind      string `json:"kind"`       // envelope|manifest
}

type ManifestEvidence struct {
	Evidence model.EvidenceRecord `json:"evidence"`
	ZipPath  string               `json:"zip_path"`
}

type ZipManifest struct {
	Schema      string `json:"schema"`
	GeneratedAt int64  `json:"generated_at"`

	Report   *model.Report      `json:"report"`
	Evidence []ManifestEvidence `json:"evidence"`
	Analysis *model.Analysis    `json:"analysis,omitempty"`
	Audits   []model.AuditEntry `json:"audits"`

	// ChainVerification 是打包时刻对账本做的强校验结论。
	ChainVerification auditverify.Result `json:"chain_verification"`

	Files    []FileHashEntry `json:"files"`
	Warnings []string        `json:"warnings,omitempty"`
	Operator string          `json:"operator,omitempty"`
	Note     string          `json:"note,omitempty"`
	Stats    map[string]any  `json:"stats,omitempty"`
}

// ZipResult 是一次 ZIP 导出任务的摘要输出。
type ZipResult struct {
	ReportID   string   `json:"report_id"`
	ZipPath    string   `json:"zip_path"`
	ZipSHA256  string   `json:"zip_sha256"`
	Warnings   []string `json:"warnings,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

const manifestSchemaV1 = "evidence_vault.custody_export_manifest.v1"

// GenerateZip 生成“保管链导出包（ZIP）”。
//
// 输出 ZIP 内容（v1）：
// - manifest.json：案件/证据元数据/审计账本/链校验结论的结构化清单
// - hashes.sha256：ZIP 内各文件（除自身）sha256 列表（sha256sum 兼容格式）
// - envelopes/..：加密信封文件（仅密文，不含明文）
func GenerateZip(ctx context.Context, store *sqliteadapter.Store, blobs *vaultfs.Store, opts ZipOptions) (*ZipResult, error) {
	startedAt := time.Now().Unix()

	reportID := strings.TrimSpace(opts.ReportID)
	if reportID == "" {
		return nil, fmt.Errorf("report_id is required")
	}
	exportDir := strings.TrimSpace(opts.ExportDir)
	if exportDir == "" {
		exportDir = "data/exports"
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = model.SystemActor
	}
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	report, err := store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, fmt.Errorf("report not found: %s", reportID)
	}

	evidence, err := store.ListEvidenceByReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	analysis, err := store.GetAnalysis(ctx, reportID)
	if err != nil {
		return nil, err
	}
	audits, err := store.ListAuditByReport(ctx, reportID, 5000)
	if err != nil {
		return nil, err
	}
	chain := auditverify.VerifyEntries(audits)

	var warnings []string

	// --- 开始写 ZIP ---
	zipName := fmt.Sprintf("%s_custody_export_%d.zip", reportID, time.Now().Unix())
	zipPath := filepath.Join(exportDir, zipName)
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	defer func() { _ = zw.Close() }()

	var fileHashes []FileHashEntry

	// envelopes（密文信封，原样打包）
	manifestEvidence := make([]ManifestEvidence, 0, len(evidence))
	for _, e := range evidence {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		src := blobs.Path(e.StorageLocator)
		entryPath := filepath.ToSlash(filepath.Join("envelopes", filepath.Base(e.StorageLocator)))

		sum, size, err := writeZipFileFromDisk(zw, src, entryPath)
		if err != nil {
			// 缺失信封不阻断导出，但必须在 manifest 里留下痕迹。
			warnings = append(warnings, fmt.Sprintf("skip envelope %s -> %s: %v", e.ID, entryPath, err))
			manifestEvidence = append(manifestEvidence, ManifestEvidence{Evidence: e})
			continue
		}
		fileHashes = append(fileHashes, FileHashEntry{
			Path:      entryPath,
			SHA256:    sum,
			SizeBytes: size,
			Kind:      "envelope",
		})
		manifestEvidence = append(manifestEvidence, ManifestEvidence{
			Evidence: e,
			ZipPath:  entryPath,
		})
	}

	// manifest.json（先写入，再把它的 hash 记录进 hashes.sha256）
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	manifest := ZipManifest{
		Schema:            manifestSchemaV1,
		GeneratedAt:       time.Now().Unix(),
		Report:            report,
		Evidence:          manifestEvidence,
		Analysis:          analysis,
		Audits:            audits,
		ChainVerification: chain,
		Files:             fileHashes,
		Warnings:          warnings,
		Operator:          operator,
		Note:              strings.TrimSpace(opts.Note),
		Stats: map[string]any{
			"evidence_count": len(evidence),
			"audit_count":    len(audits),
			"chain_ok":       chain.OK,
		},
	}

	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestSum, manifestSize, err := writeZipFileFromBytes(zw, "manifest.json", manifestRaw)
	if err != nil {
		return nil, fmt.Errorf("write manifest to zip: %w", err)
	}
	fileHashes = append(fileHashes, FileHashEntry{
		Path:      "manifest.json",
		SHA256:    manifestSum,
		SizeBytes: manifestSize,
		Kind:      "manifest",
	})

	// hashes.sha256（sha256sum 兼容格式，不包含自身）
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	hashLines := make([]string, 0, len(fileHashes)+4)
	hashLines = append(hashLines, "# evidence-vault custody export hash list")
	hashLines = append(hashLines, fmt.Sprintf("# generated_at=%d", time.Now().Unix()))
	hashLines = append(hashLines, "# format: <sha256><two spaces><path>")
	for _, fh := range fileHashes {
		hashLines = append(hashLines, fmt.Sprintf("%s  %s", fh.SHA256, fh.Path))
	}
	hashLines = append(hashLines, "")
	if _, _, err := writeZipFileFromBytes(zw, "hashes.sha256", []byte(strings.Join(hashLines, "\n"))); err != nil {
		return nil, fmt.Errorf("write hashes.sha256 to zip: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close zip file: %w", err)
	}

	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, fmt.Errorf("hash zip: %w", err)
	}

	return &ZipResult{
		ReportID:   reportID,
		ZipPath:    zipPath,
		ZipSHA256:  zipSum,
		Warnings:   warnings,
		StartedAt:  startedAt,
		FinishedAt: time.Now().Unix(),
	}, nil
}

func writeZipFileFromDisk(zw *zip.Writer, srcPath, zipPath string) (sum string, size int64, err error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, err
	}
	if fi.IsDir() {
		return "", 0, fmt.Errorf("is a directory")
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return "", 0, err
	}
	hdr.Name = zipPath
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), src)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func writeZipFileFromBytes(zw *zip.Writer, zipPath string, b []byte) (sum string, size int64, err error) {
	hdr := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
