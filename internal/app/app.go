// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tomodachi/internal/config"
	"github.com/hitoshi/tomodachi/internal/database"
	"github.com/hitoshi/tomodachi/internal/handler"
	"github.com/hitoshi/tomodachi/internal/handshake"
	"github.com/hitoshi/tomodachi/internal/logger"
	"github.com/hitoshi/tomodachi/internal/metrics"
	"github.com/hitoshi/tomodachi/internal/middleware"
	"github.com/hitoshi/tomodachi/internal/parser"
	"github.com/hitoshi/tomodachi/internal/repository"
	"github.com/hitoshi/tomodachi/internal/rules"
	"github.com/hitoshi/tomodachi/internal/security"
	"github.com/hitoshi/tomodachi/internal/subscription"
	syncpkg "github.com/hitoshi/tomodachi/internal/sync"
	"github.com/hitoshi/tomodachi/internal/worker/cleanup"
	"github.com/hitoshi/tomodachi/internal/worker/poll"
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

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// buildRegistry は全パーサーを登録済みのRegistryを構築する。
// 登録順がフィード検出時の候補優先順位になる。
func buildRegistry(client *parser.FetchClient, log *slog.Logger) (*parser.Registry, error) {
	registry := parser.NewRegistry(client)

	parsers := []parser.Parser{
		parser.NewRSSParser(client, log),
		parser.NewJSONFeedParser(client, log),
		parser.NewMicroformatsParser(client, log),
		parser.NewActivityPubParser(client, log),
	}
	for _, p := range parsers {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("failed to register parser: %w", err)
		}
	}

	return registry, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	actorRepo := repository.NewPostgresActorRepo(db)
	feedRepo := repository.NewPostgresFeedRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	ruleRepo := repository.NewPostgresRuleRepo(db)
	tokenRepo := repository.NewPostgresTokenRepo(db)

	// 3. セキュリティサービスとパーサーの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	fetchClient := parser.NewFetchClient(ssrfGuard, cfg.FetchTimeout, cfg.FetchMaxSize)
	registry, err := buildRegistry(fetchClient, slog.Default())
	if err != nil {
		return err
	}

	// 4. メトリクスの初期化
	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)

	// 5. ドメインサービスの初期化
	handshakeClient := handshake.NewClient(
		ssrfGuard.NewSafeClient(cfg.HandshakeTimeout),
		slog.Default(),
	)
	handshakeService := handshake.NewService(
		actorRepo, tokenRepo, handshakeClient, collector, slog.Default(),
		handshake.SiteIdentity{
			BaseURL:  cfg.BaseURL,
			Name:     cfg.SiteName,
			IconURL:  cfg.IconURL,
			Codeword: cfg.Codeword,
		},
	)

	// フィード検出は通常のポーリングより長いタイムアウトで行う
	discoveryClient := parser.NewFetchClient(ssrfGuard, cfg.DiscoveryTimeout, cfg.FetchMaxSize)
	discoveryRegistry, err := buildRegistry(discoveryClient, slog.Default())
	if err != nil {
		return err
	}

	iconFetcher := subscription.NewIconFetcher(ssrfGuard, slog.Default())
	subscriptionService := subscription.NewService(
		actorRepo, feedRepo, ruleRepo, discoveryRegistry, iconFetcher, slog.Default(),
	)

	// 手動同期（POST /api/actors/{id}/refresh）用の同期エンジン
	ruleEngine := rules.NewEngine(slog.Default())
	notifier := syncpkg.NewLogNotifier(slog.Default())
	syncEngine := syncpkg.NewEngine(
		actorRepo, feedRepo, postRepo, ruleRepo,
		registry, ruleEngine, sanitizer, notifier, collector, slog.Default(),
	)

	// 6. レート制限の初期化（configはreq/min単位、rate.Limitはreq/sec単位）
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitFriends > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitFriends) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitFriends
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	// 7. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:      slog.Default(),
		RateLimiter: rateLimiter,
		AdminToken:  cfg.AdminToken,

		HandshakeService: handshakeService,
		PostStore:        postRepo,
		FriendsConfig: handler.FriendsHandlerConfig{
			SiteURL:  cfg.BaseURL,
			SiteName: cfg.SiteName,
			Codeword: cfg.Codeword,
		},

		SubscriptionService: subscriptionService,
		FriendService:       handshakeService,
		Refresher:           syncEngine,

		MetricsHandler: metrics.Handler(promRegistry),
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker は同期ワーカーモードで起動する。
// DB接続を開き、ポーリングスケジューラと保持期間ジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	actorRepo := repository.NewPostgresActorRepo(db)
	feedRepo := repository.NewPostgresFeedRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	ruleRepo := repository.NewPostgresRuleRepo(db)

	// 3. セキュリティサービスとパーサーの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	fetchClient := parser.NewFetchClient(ssrfGuard, cfg.FetchTimeout, cfg.FetchMaxSize)
	registry, err := buildRegistry(fetchClient, slog.Default())
	if err != nil {
		return err
	}

	// 4. 同期エンジンの初期化
	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)

	ruleEngine := rules.NewEngine(slog.Default())
	notifier := syncpkg.NewLogNotifier(slog.Default())
	syncEngine := syncpkg.NewEngine(
		actorRepo, feedRepo, postRepo, ruleRepo,
		registry, ruleEngine, sanitizer, notifier, collector, slog.Default(),
	)

	// 5. スケジューラの初期化
	scheduler := poll.NewScheduler(
		actorRepo, feedRepo, syncEngine, slog.Default(), cfg.SyncMaxConcurrent,
	)

	// 6. 保持期間ジョブの初期化
	retentionJob := cleanup.NewRetentionJob(db, slog.Default(), cfg.RetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
	)

	// 保持期間ジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := retentionJob.Run(ctx); err != nil {
			slog.Error("retention job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := retentionJob.Run(ctx); err != nil {
					slog.Error("retention job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// ポーリングスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
