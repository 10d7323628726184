package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"relay-gateway/config"
	"relay-gateway/core"
	"relay-gateway/core/security"
	"relay-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const shutdownTimeout = 30 * time.Second

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay-gateway",
		Short: "OpenAI-compatible relay over a pooled set of upstream credentials",
		// 不带子命令时直接启动服务
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("GATEWAY_CONFIG"), "YAML config file (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE:  runServe,
	})
	root.AddCommand(newEncryptTokenCmd())
	root.AddCommand(&cobra.Command{
		Use:   "check-tokens",
		Short: "Probe every configured credential once and print the pool state",
		RunE:  runCheckTokens,
	})
	return root
}

// newLogger 按配置创建日志器；配置了文件时同时写 stdout 与轮转文件
func newLogger(cfg config.LogConfig) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File == "" {
		log.SetOutput(os.Stdout)
		return log, nil, nil
	}
	rotator, err := core.NewLogRotator(cfg.File, cfg.MaxSizeMB, cfg.Backups)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %q: %w", cfg.File, err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return log, rotator, nil
}

// initDatabase 初始化审计日志数据库
func initDatabase(path string, log *logrus.Logger) (*gorm.DB, error) {
	// 只记录错误，不打印 SQL 语句
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Infof("Database initialized: %s", path)
	return db, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	// 关闭 Gin Debug 模式输出
	gin.SetMode(gin.ReleaseMode)

	var db *gorm.DB
	if cfg.Storage.DBPath != "" {
		if db, err = initDatabase(cfg.Storage.DBPath, log); err != nil {
			return err
		}
	}

	store := config.NewStore(cfg)
	gw := newGateway(store, db, log)
	defer gw.Close()

	if err := gw.checker.Start(cfg.HealthCheck); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(cfgFile, store, log)
	if err != nil {
		return err
	}
	defer watcher.Close()
	watcher.OnReload(func(c *config.Config) {
		gw.pool.SetBaseCooldown(c.Cooldown)
		gw.pool.Sync(c.Tokens)
		gw.orchestrator.InvalidateModels()
	})
	if watching, err := watcher.Start(); err != nil {
		log.Warnf("⚠️ Config hot reload disabled: %v", err)
	} else if watching {
		log.Info("Config hot reload enabled")
	}

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())
	setupRoutes(engine, gw)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Starting relay gateway on port %d with %d token(s)", cfg.Port, gw.pool.Len())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exited")
	return nil
}

func newEncryptTokenCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "encrypt-token [token...]",
		Short: "Encrypt credentials for use as enc: entries (reads stdin when no args)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("GATEWAY_SECRET_KEY")
			}
			if key == "" {
				return errors.New("secret key required: pass --key or set GATEWAY_SECRET_KEY")
			}
			provider, err := security.NewAESSecretProvider(key)
			if err != nil {
				return err
			}

			tokens := args
			if len(tokens) == 0 {
				tokens, err = readTokens(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			for _, t := range tokens {
				sealed, err := provider.SealToken(t)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sealed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "AES key (16, 24 or 32 bytes)")
	return cmd
}

func readTokens(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out = append(out, config.SplitTokens(scanner.Text())...)
	}
	return out, scanner.Err()
}

func runCheckTokens(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	log.SetOutput(cmd.ErrOrStderr())

	store := config.NewStore(cfg)
	pool := core.NewPool(cfg.Tokens, cfg.Cooldown, log)
	if !pool.HasAnyToken() {
		return core.ErrNoTokens
	}
	dispatcher := core.NewHTTPDispatcher(core.NewHTTPClient(), store, log, nil)
	checker := core.NewHealthChecker(pool, dispatcher, store, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	report, _ := checker.RunOnce(ctx, true)

	out := cmd.OutOrStdout()
	for _, s := range pool.Snapshot() {
		state := "ok"
		if s.Disabled {
			state = fmt.Sprintf("failed (%d) %s", s.LastErrorStatus, s.LastErrorMessage)
		}
		fmt.Fprintf(out, "%-20s %s\n", s.Token, state)
	}
	fmt.Fprintf(out, "checked=%d ok=%d failed=%d\n", report.Checked, report.Recovered, report.Failed)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d token(s) failed", report.Failed, report.Checked)
	}
	return nil
}
