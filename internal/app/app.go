package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/payflow/internal/config"
	"github.com/hitoshi/payflow/internal/database"
	"github.com/hitoshi/payflow/internal/handler"
	"github.com/hitoshi/payflow/internal/logger"
	"github.com/hitoshi/payflow/internal/metrics"
	"github.com/hitoshi/payflow/internal/middleware"
	"github.com/hitoshi/payflow/internal/notify"
	"github.com/hitoshi/payflow/internal/repository"
	"github.com/hitoshi/payflow/internal/security"
	"github.com/hitoshi/payflow/internal/signing"
	"github.com/hitoshi/payflow/internal/worker/cleanup"
	"github.com/hitoshi/payflow/internal/worker/relay"
	"github.com/hitoshi/payflow/internal/worker/reminder"
	"github.com/hitoshi/payflow/internal/worker/sweep"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

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
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandSweep:
		return runSweep(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// core はserveとworkerで共有するライフサイクル層の構成要素。
type core struct {
	store      *repository.PostgresStore
	documents  *repository.PostgresDocumentRepo
	signatures *repository.PostgresSignatureRepo
	events     *repository.PostgresEventRepo
	tokens     *security.TokenIssuer
	metrics    *metrics.Collector
	registry   *prometheus.Registry
	service    *signing.Service
}

// buildCore はリポジトリ、トークン発行、メトリクス、サービス層を組み立てる。
func buildCore(cfg *config.Config, db *sql.DB, log *slog.Logger) (*core, error) {
	tokens, err := security.NewTokenIssuer(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	c := &core{
		store:      repository.NewPostgresStore(db, cfg.TxTimeout),
		documents:  repository.NewPostgresDocumentRepo(),
		signatures: repository.NewPostgresSignatureRepo(),
		events:     repository.NewPostgresEventRepo(),
		tokens:     tokens,
		metrics:    collector,
		registry:   registry,
	}
	c.service = signing.NewService(signing.Deps{
		Tx:             c.store,
		Documents:      c.documents,
		Signatures:     c.signatures,
		Events:         c.events,
		Sanitizer:      security.NewTextSanitizer(),
		Metrics:        collector,
		Logger:         log,
		SweepBatchSize: cfg.SweepBatchSize,
	})
	return c, nil
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLife,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newRouter はcoreを使ってHTTPルーターを構築する。
func newRouter(cfg *config.Config, db handler.HealthChecker, sessions middleware.SessionFinder, c *core, rl *middleware.RateLimiter, log *slog.Logger) http.Handler {
	adapter := handler.NewSigningServiceAdapter(c.service)
	return handler.NewRouter(&handler.RouterDeps{
		SessionFinder:     sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		TrustProxy:       cfg.TrustProxy,
		Logger:           log,
		HealthChecker:    db,
		MetricsHandler:   metrics.Handler(c.registry),
		DocumentService:  adapter,
		SignatureService: adapter,
		TokenVerifier:    c.tokens,
	})
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("データベースに接続しました")

	if cfg.MigrateOnServe {
		if err := runMigrate(cfg); err != nil {
			return err
		}
	}

	// 2. サービス層の初期化
	c, err := buildCore(cfg, db, log)
	if err != nil {
		return err
	}

	// 3. ルーターの構築
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSigning))
	defer rl.Stop()

	router := newRouter(cfg, db, repository.NewPostgresSessionRepo(db), c, rl, log)

	// 4. HTTPサーバーの起動
	server := newHTTPServer(cfg, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("APIサーバーを起動しました", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("APIサーバーを停止します")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("APIサーバーを停止しました")
	return nil
}

func newHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// runWorker はワーカーモードで起動する。
// 期限切れスイープ、イベントリレー、リマインド、イベント削除の各ジョブを起動し、
// ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("データベースに接続しました（worker）")

	c, err := buildCore(cfg, db, log)
	if err != nil {
		return err
	}

	dispatcher, err := buildDispatcher(cfg, log)
	if err != nil {
		return err
	}

	sweeper := sweep.NewSweeper(c.service, log)
	eventRelay := relay.NewRelay(db, c.events, dispatcher, c.tokens, c.metrics, log, relay.Config{
		BatchSize:       cfg.RelayBatchSize,
		MaxConcurrent:   cfg.RelayMaxConcurrent,
		MaxAttempts:     cfg.RelayMaxAttempts,
		DispatchTimeout: cfg.NotifyTimeout,
	})
	reminderJob := reminder.NewJob(c.service, log, cfg.ReminderAfter)
	cleanupJob := cleanup.NewCleanupJob(db, c.events, c.metrics, log)
	cleanupJob.RetentionDays = cfg.EventRetentionDays

	log.Info("ワーカーを起動しました",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Duration("relay_interval", cfg.RelayInterval),
		slog.Duration("reminder_interval", cfg.ReminderInterval),
		slog.Int("relay_max_concurrent", cfg.RelayMaxConcurrent),
	)

	done := make(chan struct{}, 3)
	start := func(fn func()) {
		go func() {
			fn()
			done <- struct{}{}
		}()
	}
	start(func() { sweeper.Start(ctx, cfg.SweepInterval) })
	start(func() { reminderJob.Start(ctx, cfg.ReminderInterval) })
	start(func() { cleanupJob.Start(ctx, cfg.EventCleanupInterval) })

	// リレーはメインgoroutineで実行（ブロッキング）
	eventRelay.Start(ctx, cfg.RelayInterval)

	for range 3 {
		<-done
	}

	log.Info("ワーカーを停止しました")
	return nil
}

// runSweep は期限切れスイープを1回実行して終了する。
// 再試行後も処理できなかった文書が残った場合は非ゼロ終了となるようエラーを返す。
func runSweep(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := buildCore(cfg, db, log)
	if err != nil {
		return err
	}

	result, err := c.service.SweepExpired(ctx, time.Now())
	return reportSweep(log, result, err)
}

// reportSweep は1回分のスイープ結果を記録し、コマンドの終了結果に変換する。
func reportSweep(log *slog.Logger, result signing.SweepResult, err error) error {
	attrs := []any{
		slog.Int("documents_expired", result.DocumentsExpired),
		slog.Int("signatures_expired", result.SignaturesExpired),
		slog.Int("failed", result.Failed),
	}
	if err != nil {
		log.Error("期限切れスイープが中断されました", append(attrs, slog.String("error", err.Error()))...)
		return fmt.Errorf("sweep aborted: %w", err)
	}
	if result.Failed > 0 {
		log.Warn("期限切れにできなかった文書があります", attrs...)
		return fmt.Errorf("sweep left %d document(s) unprocessed", result.Failed)
	}
	log.Info("期限切れスイープが完了しました", attrs...)
	return nil
}

// buildDispatcher は通知の配信先を組み立てる。
// NOTIFY_WEBHOOK_URLが設定されていればSSRF防止付きのWebhook、なければ構造化ログに出力する。
func buildDispatcher(cfg *config.Config, log *slog.Logger) (notify.Dispatcher, error) {
	if cfg.NotifyWebhookURL == "" {
		log.Info("Webhookが未設定のため通知をログに出力します")
		return notify.NewLogDispatcher(log, cfg.BaseURL), nil
	}

	guard := security.NewWebhookGuard()
	if err := guard.ValidateURL(cfg.NotifyWebhookURL); err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
	}
	return notify.NewWebhookDispatcher(
		guard.NewSafeClient(cfg.NotifyTimeout),
		log,
		cfg.NotifyWebhookURL,
		cfg.NotifyWebhookSecret,
		cfg.BaseURL,
	), nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("マイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	slog.Info("マイグレーションが完了しました",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// パースできない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
