package webapp

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/adapters/vaultfs"
	"evidence-vault/internal/app"
	"evidence-vault/internal/platform/aead"
	"evidence-vault/internal/services/vault"

	_ "modernc.org/sqlite"
)

// Options 定义保险库 API 服务启动参数。
type Options struct {
	DBPath     string
	VaultRoot  string
	ListenAddr string

	EncryptionSecret string
	JWTSecret        string
}

// requestTimeout 是单请求兜底时限：存储读卡住时，不允许解密后的
// 明文缓冲无限期留在内存里。
const requestTimeout = 30 * time.Second

// Run 启动保险库 HTTP 服务：
// - 开库、跑迁移、派生数据密钥（密钥缺失立即失败）
// - 注册审核队列 / 证据访问 / 完整性核查路由
// - ctx 取消时优雅退出
func Run(ctx context.Context, opts Options) error {
	defaults := app.DefaultConfig()
	if opts.DBPath == "" {
		opts.DBPath = defaults.DBPath
	}
	if opts.VaultRoot == "" {
		opts.VaultRoot = defaults.VaultRoot
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = defaults.ListenAddr
	}

	key, err := aead.DeriveKey(opts.EncryptionSecret)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}

	migrator := sqliteadapter.NewMigrator(db)
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	blobs, err := vaultfs.NewStore(opts.VaultRoot)
	if err != nil {
		return err
	}

	store := sqliteadapter.NewStore(db)
	s := &Server{
		svc:       vault.NewService(store, blobs, key),
		jwtSecret: []byte(opts.JWTSecret),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	httpServer := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           s.authMiddleware(withDeadline(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

// withDeadline 给每个请求挂兜底时限。
func withDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
