package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/cfpman/internal/account"
	"github.com/hitoshi/cfpman/internal/auth"
	"github.com/hitoshi/cfpman/internal/config"
	"github.com/hitoshi/cfpman/internal/database"
	"github.com/hitoshi/cfpman/internal/handler"
	"github.com/hitoshi/cfpman/internal/logger"
	"github.com/hitoshi/cfpman/internal/metrics"
	"github.com/hitoshi/cfpman/internal/middleware"
	"github.com/hitoshi/cfpman/internal/model"
	"github.com/hitoshi/cfpman/internal/repository"
	"github.com/hitoshi/cfpman/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)
	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	// 引数の誤りはDB接続より前に返す
	var (
		migrateArgs MigrateArgs
		email       string
		err         error
	)
	switch cmd {
	case CommandMigrate:
		migrateArgs, err = ParseMigrateArgs(rest)
	case CommandPromote, CommandDemote:
		email, err = ParseEmailArg(cmd, rest)
	}
	if err != nil {
		return err
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("frontend_url", cfg.FrontendURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, migrateArgs)
	case CommandPromote:
		return runSetOrganizer(ctx, cfg, email, true)
	case CommandDemote:
		return runSetOrganizer(ctx, cfg, email, false)
	default:
		return runServe(ctx, cfg)
	}
}

// connectDB は設定に従ってDBへ接続する。
func connectDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, cfg.DBConnectTimeout)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// Repositories は認証コアが使う永続化層の組。
type Repositories struct {
	Accounts repository.AccountRepository
	Links    repository.ProviderLinkRepository
	Sessions repository.SessionRepository
}

// postgresRepositories はPostgreSQL実装のリポジトリを組み立てる。
func postgresRepositories(db *sql.DB) Repositories {
	return Repositories{
		Accounts: repository.NewPostgresAccountRepo(db),
		Links:    repository.NewPostgresProviderLinkRepo(db),
		Sessions: repository.NewPostgresSessionRepo(db),
	}
}

// providerConfig は設定から有効化するOAuthプロバイダーの設定を作る。
func providerConfig(cfg *config.Config) auth.ProviderConfig {
	creds := make(map[model.ProviderKind]auth.ProviderCredentials, len(cfg.Providers))
	for name, c := range cfg.Providers {
		kind, ok := model.ParseProviderKind(name)
		if !ok {
			continue
		}
		creds[kind] = auth.ProviderCredentials{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
		}
	}
	return auth.ProviderConfig{
		Credentials: creds,
		HTTPTimeout: cfg.OAuthHTTPTimeout,
	}
}

// NewAuthService は認証コア一式を組み立てる。
func NewAuthService(cfg *config.Config, repos Repositories, mc metrics.MetricsCollector) (*auth.Service, error) {
	signer, err := auth.NewTokenSigner(auth.TokenConfig{
		Secret: []byte(cfg.JWTSecret),
		Expiry: cfg.JWTExpiry,
		Issuer: "cfpman",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}

	hasher := auth.NewPasswordHasher(cfg.PasswordHashConcurrency, auth.DefaultHashParams, mc)
	registry := auth.NewProviderRegistry(providerConfig(cfg))

	credentials := auth.NewCredentialStore(repos.Accounts, hasher)
	issuer := auth.NewSessionIssuer(signer, repos.Sessions)
	verifier := auth.NewTokenVerifier(signer, repos.Sessions, repos.Accounts, mc)
	resolver := auth.NewLinkResolver(registry, repos.Accounts, repos.Links, issuer, mc)

	return auth.NewService(credentials, issuer, verifier, resolver, registry, mc), nil
}

// NewServeHandler はAPIサーバーのHTTPハンドラーを組み立てる。
// 返り値のstopはレートリミッターのクリーンアップを止める。
func NewServeHandler(cfg *config.Config, repos Repositories, health handler.HealthChecker, reg *prometheus.Registry) (http.Handler, func(), error) {
	mc := metrics.NewCollector(reg)

	authService, err := NewAuthService(cfg, repos, mc)
	if err != nil {
		return nil, nil, err
	}
	accountService := account.NewService(repos.Accounts, repos.Sessions)

	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitCredential),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		HealthChecker:     health,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TokenVerifier:     authService,
		TrustProxyHeaders: cfg.TrustedProxy,
		Metrics:           mc,
		MetricsGatherer:   reg,
		AuthService:       authService,
		AuthConfig: handler.AuthHandlerConfig{
			FrontendURL:  cfg.FrontendURL,
			CookieSecure: cfg.CookieSecure,
		},
		AccountService: accountService,
	})

	slog.Info("oauth providers enabled",
		slog.Any("providers", authService.Providers()),
	)

	return router, rateLimiter.Stop, nil
}

// newRegistry はプロセス標準のコレクターを登録したレジストリを作る。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := connectDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	router, stopLimiter, err := NewServeHandler(cfg, postgresRepositories(db), db, newRegistry())
	if err != nil {
		return err
	}
	defer stopLimiter()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// serveUntilDone はctxがキャンセルされるまでサーバーを動かし、その後シャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションをSESSION_CLEANUP_INTERVALごとに削除する。
// WORKER_METRICS_PORTが設定されていれば/metricsを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := connectDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	reaper := cleanup.NewSessionReaper(db, slog.Default(), metrics.NewCollector(reg))

	if cfg.WorkerMetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.SetupMetricsRoute(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := serveUntilDone(ctx, metricsServer, "worker metrics server"); err != nil {
				slog.Error("worker metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	reaper.RunEvery(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, args MigrateArgs) error {
	slog.Info("running database migrations",
		slog.String("action", string(args.Action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch args.Action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL, args.Steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("database rollback completed", slog.Int("steps", args.Steps))
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
	}
	return nil
}

// runSetOrganizer はメールアドレスで指定したアカウントの主催者フラグを切り替える。
// 変更は次のトークン検証から有効になる。
func runSetOrganizer(ctx context.Context, cfg *config.Config, email string, isOrganizer bool) error {
	db, err := connectDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repos := postgresRepositories(db)
	return setOrganizer(ctx, account.NewService(repos.Accounts, repos.Sessions), email, isOrganizer)
}

// OrganizerSetter は主催者フラグをメールアドレスで切り替える操作。
type OrganizerSetter interface {
	SetOrganizerByEmail(ctx context.Context, email string, isOrganizer bool) (*model.Account, error)
}

func setOrganizer(ctx context.Context, svc OrganizerSetter, email string, isOrganizer bool) error {
	acc, err := svc.SetOrganizerByEmail(ctx, email, isOrganizer)
	if err != nil {
		return fmt.Errorf("failed to update organizer flag for %s: %w", email, err)
	}

	slog.Info("organizer flag updated",
		slog.String("account_id", acc.ID),
		slog.Bool("is_organizer", acc.IsOrganizer),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
