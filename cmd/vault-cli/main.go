package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/adapters/vaultfs"
	"evidence-vault/internal/app"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/aead"
	"evidence-vault/internal/services/auditverify"
	"evidence-vault/internal/services/custodyexport"
	"evidence-vault/internal/services/custodypdf"
	"evidence-vault/internal/services/statusflow"
	"evidence-vault/internal/services/vault"
	"evidence-vault/internal/services/webapp"

	_ "modernc.org/sqlite"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "ingest":
		return runIngest(ctx, args[1:])
	case "view":
		return runView(ctx, args[1:])
	case "integrity":
		return runIntegrity(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "queue":
		return runQueue(ctx, args[1:])
	case "verify-audit":
		return runVerifyAudit(ctx, args[1:])
	case "export-pdf":
		return runExportPDF(ctx, args[1:])
	case "export-zip":
		return runExportZip(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// openDB 打开数据库并保证结构最新（单连接 + busy_timeout，与服务进程一致）。
func openDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	migrator := sqliteadapter.NewMigrator(db)
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

// newService 组装保险库编排器。密钥缺失直接失败：无密钥即无保险库。
func newService(db *sql.DB, vaultRoot, secret string) (*vault.Service, *vaultfs.Store, error) {
	key, err := aead.DeriveKey(secret)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := vaultfs.NewStore(vaultRoot)
	if err != nil {
		return nil, nil, err
	}
	return vault.NewService(sqliteadapter.NewStore(db), blobs, key), blobs, nil
}

func parseActor(actorID, roleRaw string) (model.Actor, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return model.Actor{}, fmt.Errorf("--actor is required")
	}
	role := model.Role(strings.ToUpper(strings.TrimSpace(roleRaw)))
	switch role {
	case model.RoleAdmin, model.RoleNGOAdmin, model.RoleCaseOfficer, model.RoleUser:
	default:
		return model.Actor{}, fmt.Errorf("invalid --role: %s (expect ADMIN|NGO_ADMIN|CASE_OFFICER|USER)", roleRaw)
	}
	return model.Actor{ID: actorID, Role: role}, nil
}

// runMigrate 执行 SQLite 迁移，确保数据库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("migrations applied successfully: db=%s\n", *dbPath)
	return nil
}

// runIngest 从文件读明文并入库：摘要 → 加密 → 信封落盘 → 元数据 + UPLOAD 审计。
func runIngest(ctx context.Context, args []string) error {
	cfg, err := app.LoadConfig("")
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	vaultRoot := fs.String("vault-dir", cfg.VaultRoot, "envelope storage directory")
	file := fs.String("file", "", "evidence file path (required)")
	kind := fs.String("kind", "IMAGE", "media kind: IMAGE|VIDEO")
	reportID := fs.String("report-id", "", "existing draft report id (optional)")
	actorID := fs.String("actor", "", "acting user id (required)")
	roleRaw := fs.String("role", string(model.RoleUser), "acting role")
	description := fs.String("description", "", "evidence description")
	metadata := fs.String("metadata", "", "metadata json (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*file) == "" {
		return fmt.Errorf("--file is required")
	}
	actor, err := parseActor(*actorID, *roleRaw)
	if err != nil {
		return err
	}

	plaintext, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read evidence file: %w", err)
	}

	var meta json.RawMessage
	if strings.TrimSpace(*metadata) != "" {
		if !json.Valid([]byte(*metadata)) {
			return fmt.Errorf("--metadata is not valid json")
		}
		meta = json.RawMessage(*metadata)
	}

	db, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, _, err := newService(db, *vaultRoot, cfg.EncryptionSecret)
	if err != nil {
		return err
	}

	rec, err := svc.Ingest(ctx, actor, vault.IngestInput{
		Plaintext:   plaintext,
		MediaKind:   model.MediaKind(strings.ToUpper(strings.TrimSpace(*kind))),
		ReportID:    strings.TrimSpace(*reportID),
		Description: strings.TrimSpace(*description),
		Metadata:    meta,
	})
	if err != nil {
		return err
	}

	fmt.Println("evidence ingested")
	fmt.Printf("evidence_id=%s report_id=%s\n", rec.ID, rec.ReportID)
	fmt.Printf("content_sha256=%s\n", rec.ContentHash)
	return nil
}

// runView 解密并复核一条证据，把明文写到 --out 文件。
// 读取经过访问闸门并记 VIEW_EVIDENCE 审计，与 HTTP 路径同一条流水线。
func runView(ctx context.Context, args []string) error {
	cfg, err := app.LoadConfig("")
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	vaultRoot := fs.String("vault-dir", cfg.VaultRoot, "envelope storage directory")
	evidenceID := fs.String("evidence-id", "", "evidence id (required)")
	actorID := fs.String("actor", "", "acting user id (required)")
	roleRaw := fs.String("role", string(model.RoleCaseOfficer), "acting role")
	out := fs.String("out", "", "output file path (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*evidenceID) == "" {
		return fmt.Errorf("--evidence-id is required")
	}
	if strings.TrimSpace(*out) == "" {
		return fmt.Errorf("--out is required")
	}
	actor, err := parseActor(*actorID, *roleRaw)
	if err != nil {
		return err
	}

	db, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, _, err := newService(db, *vaultRoot, cfg.EncryptionSecret)
	if err != nil {
		return err
	}

	res, err := svc.Retrieve(ctx, actor, strings.TrimSpace(*evidenceID))
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, res.Plaintext, 0o600); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	fmt.Println("evidence retrieved, integrity verified")
	fmt.Printf("evidence_id=%s media_kind=%s bytes=%d\n", res.Record.ID, res.Record.MediaKind, len(res.Plaintext))
	fmt.Printf("out=%s\n", *out)
	return nil
}

// runIntegrity 对一条证据做完整性核查，不输出任何明文。
func runIntegrity(ctx context.Context, args []string) error {
	cfg, err := app.LoadConfig("")
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("integrity", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	vaultRoot := fs.String("vault-dir", cfg.VaultRoot, "envelope storage directory")
	evidenceID := fs.String("evidence-id", "", "evidence id (required)")
	actorID := fs.String("actor", "", "acting user id (required)")
	roleRaw := fs.String("role", string(model.RoleCaseOfficer), "acting role")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*evidenceID) == "" {
		return fmt.Errorf("--evidence-id is required")
	}
	actor, err := parseActor(*actorID, *roleRaw)
	if err != nil {
		return err
	}

	db, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, _, err := newService(db, *vaultRoot, cfg.EncryptionSecret)
	if err != nil {
		return err
	}

	report, err := svc.CheckIntegrity(ctx, actor, strings.TrimSpace(*evidenceID))
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("evidence integrity could not be verified: %s", report.EvidenceID)
	}
	return nil
}

// runStatus 执行案件状态流转（审核角色）。
func runStatus(ctx context.Context, args []string) error {
	cfg, err := app.LoadConfig("")
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	vaultRoot := fs.String("vault-dir", cfg.VaultRoot, "envelope storage directory")
	reportID := fs.String("report-id", "", "report id (required)")
	target := fs.String("to", "", "target status (required)")
	notes := fs.String("notes", "", "transition notes")
	officialResponse := fs.String("official-response", "", "official response text (VALID)")
	supportContact := fs.String("support-contact", "", "support contact (VALID)")
	actorID := fs.String("actor", "", "acting reviewer id (required)")
	roleRaw := fs.String("role", string(model.RoleCaseOfficer), "acting role")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*reportID) == "" {
		return fmt.Errorf("--report-id is required")
	}
	if strings.TrimSpace(*target) == "" {
		return fmt.Errorf("--to is required")
	}
	actor, err := parseActor(*actorID, *roleRaw)
	if err != nil {
		return err
	}

	db, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, _, err := newService(db, *vaultRoot, cfg.EncryptionSecret)
	if err != nil {
		return err
	}

	report, err := svc.TransitionStatus(ctx, actor, strings.TrimSpace(*reportID), *target, statusflow.Input{
		Notes:            *notes,
		OfficialResponse: *officialResponse,
		SupportContact:   *supportContact,
	})
	if err != nil {
		return err
	}

	fmt.Println("status transition applied")
	fmt.Printf("report_id=%s status=%s version=%d\n", report.ID, report.Status, report.Version)
	return nil
}

// runQueue 打印审核队列。
func runQueue(ctx context.Context, args []string) error {
	cfg, err := app.LoadConfig("")
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	vaultRoot := fs.String("vault-dir", cfg.VaultRoot, "envelope storage directory")
	actorID := fs.String("actor", "", "acting reviewer id (required)")
	roleRaw := fs.String("role", string(model.RoleCaseOfficer), "acting role")
	limit := fs.Int("limit", 50, "max rows")
	offset := fs.Int("offset", 0, "row offset")
	asJSON := fs.Bool("json", true, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	actor, err := parseActor(*actorID, *roleRaw)
	if err != nil {
		return err
	}

	db, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, _, err := newService(db, *vaultRoot, cfg.EncryptionSecret)
	if err != nil {
		return err
	}

	rows, err := svc.Queue(ctx, actor, *limit, *offset)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(rows)
	}

	fmt.Printf("queue_count=%d\n", len(rows))
	for _, row := range rows {
		fmt.Printf("report_id=%s status=%s evidence=%d confidence=%.2f\n",
			row.ReportID, row.Status, row.EvidenceCount, row.ConfidenceScore)
	}
	return nil
}

// runVerifyAudit 对审计账本做强校验（链连续性 + 逐条重算）。
// 账本被动过时返回非 0 状态码，便于在巡检脚本里直接当探针用。
func runVerifyAudit(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	reportID := fs.String("report-id", "", "restrict to one report (optional)")
	limit := fs.Int("limit", 100000, "max entries to verify")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := sqliteadapter.NewStore(db)
	var entries []model.AuditEntry
	if strings.TrimSpace(*reportID) != "" {
		entries, err = store.ListAuditByReport(ctx, strings.TrimSpace(*reportID), *limit)
	} else {
		entries, err = store.ListAuditEntries(ctx, *limit)
	}
	if err != nil {
		return err
	}

	res := auditverify.VerifyEntries(entries)
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("audit chain verification failed: %d of %d entries", res.Failed, res.Total)
	}
	fmt.Printf("audit chain intact: entries=%d\n", res.Total)
	return nil
}

// runExportPDF 生成保管链 PDF。
func runExportPDF(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("export-pdf", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	reportID := fs.String("report-id", "", "report id (required)")
	operator := fs.String("operator", "", "operator id or name")
	note := fs.String("note", "", "export note")
	outDir := fs.String("out-dir", cfg.ExportDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*reportID) == "" {
		return fmt.Errorf("--report-id is required")
	}

	db, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := custodypdf.Generate(ctx, sqliteadapter.NewStore(db), custodypdf.Options{
		ReportID: strings.TrimSpace(*reportID),
		OutDir:   strings.TrimSpace(*outDir),
		Operator: strings.TrimSpace(*operator),
		Note:     strings.TrimSpace(*note),
	})
	if err != nil {
		return err
	}

	fmt.Println("custody pdf export completed")
	fmt.Printf("pdf=%s\n", res.PDFPath)
	fmt.Printf("pdf_sha256=%s\n", res.PDFSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// runExportZip 生成保管链导出包（manifest + 密文信封）。
func runExportZip(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("export-zip", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	vaultRoot := fs.String("vault-dir", cfg.VaultRoot, "envelope storage directory")
	reportID := fs.String("report-id", "", "report id (required)")
	operator := fs.String("operator", "", "operator id or name")
	note := fs.String("note", "", "export note")
	outDir := fs.String("out-dir", cfg.ExportDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*reportID) == "" {
		return fmt.Errorf("--report-id is required")
	}

	db, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := vaultfs.NewStore(*vaultRoot)
	if err != nil {
		return err
	}

	res, err := custodyexport.GenerateZip(ctx, sqliteadapter.NewStore(db), blobs, custodyexport.ZipOptions{
		ReportID:  strings.TrimSpace(*reportID),
		ExportDir: strings.TrimSpace(*outDir),
		Operator:  strings.TrimSpace(*operator),
		Note:      strings.TrimSpace(*note),
	})
	if err != nil {
		return err
	}

	fmt.Println("custody zip export completed")
	fmt.Printf("zip=%s\n", res.ZipPath)
	fmt.Printf("zip_sha256=%s\n", res.ZipSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// runServe 启动保险库 HTTP 服务。
func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "yaml config file (optional)")
	dbPath := fs.String("db", "", "sqlite database path (overrides config)")
	vaultRoot := fs.String("vault-dir", "", "envelope storage directory (overrides config)")
	listen := fs.String("listen", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := app.LoadConfig(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	if strings.TrimSpace(*dbPath) != "" {
		cfg.DBPath = *dbPath
	}
	if strings.TrimSpace(*vaultRoot) != "" {
		cfg.VaultRoot = *vaultRoot
	}
	if strings.TrimSpace(*listen) != "" {
		cfg.ListenAddr = *listen
	}

	// 支持 Ctrl+C 优雅退出。
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return webapp.Run(sigCtx, webapp.Options{
		DBPath:           cfg.DBPath,
		VaultRoot:        cfg.VaultRoot,
		ListenAddr:       cfg.ListenAddr,
		EncryptionSecret: cfg.EncryptionSecret,
		JWTSecret:        cfg.JWTSecret,
	})
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  vault-cli migrate [--db data/vault.db]")
	fmt.Println("  vault-cli ingest --file PATH --actor USER_ID [--kind IMAGE|VIDEO] [--report-id ID] [--description text] [--metadata json]")
	fmt.Println("  vault-cli view --evidence-id ID --actor USER_ID --out PATH [--role CASE_OFFICER]")
	fmt.Println("  vault-cli integrity --evidence-id ID --actor USER_ID [--role CASE_OFFICER]")
	fmt.Println("  vault-cli status --report-id ID --to STATUS --actor USER_ID [--notes text] [--official-response text] [--support-contact text]")
	fmt.Println("  vault-cli queue --actor USER_ID [--role CASE_OFFICER] [--limit 50] [--offset 0]")
	fmt.Println("  vault-cli verify-audit [--db data/vault.db] [--report-id ID]")
	fmt.Println("  vault-cli export-pdf --report-id ID [--db data/vault.db] [--out-dir data/exports]")
	fmt.Println("  vault-cli export-zip --report-id ID [--db data/vault.db] [--vault-dir data/envelopes] [--out-dir data/exports]")
	fmt.Println("  vault-cli serve [--config config.yaml] [--listen 127.0.0.1:8788] [--db data/vault.db]")
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
