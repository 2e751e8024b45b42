package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/verayang01/chatd/config"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/pkg/metrics"
	"github.com/verayang01/chatd/server/adminapi"
	"github.com/verayang01/chatd/server/chat"
	"github.com/verayang01/chatd/server/smtpgw"
	"github.com/verayang01/chatd/storage"
	"github.com/verayang01/chatd/store"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "config.toml"

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	envPath := flag.String("env", ".env", "Path to an optional dotenv file")
	addr := flag.String("addr", "", "Chat listen address (overrides config)")
	backend := flag.String("storage", "", "Storage backend: memory, file, sqlite, postgres, s3 (overrides config)")
	logLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatd version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "chatd: failed to load %s: %v\n", *envPath, err)
		os.Exit(1)
	}

	loadConfig(*configPath, &cfg)
	cfg.ApplyEnv(os.Getenv)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "chatd: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatd: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("chatd starting", "version", version, "commit", commit, "built", date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to open store", "backend", cfg.Storage.Backend, "error", err)
	}

	collector := metrics.NewCollector(st, 15*time.Second)
	go collector.Start(ctx)

	var servers serverManager
	errChan := make(chan error, 4)

	chatOpts, err := chat.OptionsFromConfig(cfg.Server)
	if err != nil {
		logger.Fatal("Invalid chat server settings", "error", err)
	}
	chatServer, err := chat.New(ctx, "chat", cfg.Server.Addr, st, chatOpts)
	if err != nil {
		logger.Fatal("Failed to create chat server", "error", err)
	}
	servers.Go(func() { chatServer.Start(errChan) })

	if cfg.SMTP.Start {
		smtpOpts, err := smtpgw.OptionsFromConfig(cfg.SMTP)
		if err != nil {
			logger.Fatal("Invalid SMTP gateway settings", "error", err)
		}
		smtpServer, err := smtpgw.New(ctx, "smtp", cfg.SMTP.Addr, st, smtpOpts)
		if err != nil {
			logger.Fatal("Failed to create SMTP gateway", "error", err)
		}
		servers.Go(func() { smtpServer.Start(nil, errChan) })
	}

	if cfg.AdminAPI.Start {
		servers.Go(func() { adminapi.Start(ctx, st, adminapi.OptionsFromConfig(cfg.AdminAPI), errChan) })
	}

	if cfg.Metrics.Start {
		servers.Go(func() { startMetricsServer(ctx, cfg.Metrics, errChan) })
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errChan:
		logger.Error("Server failed, shutting down", "error", runErr)
		cancel()
	}

	chatServer.Close()
	collector.Stop()

	done := make(chan struct{})
	go func() {
		servers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All server listeners closed")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := st.Close(closeCtx); err != nil {
		logger.Error("Final snapshot flush failed", "error", err)
		runErr = errors.Join(runErr, err)
	}

	if runErr != nil {
		os.Exit(1)
	}
	logger.Info("chatd stopped")
}

// loadConfig decodes configPath over cfg. A missing default file is not an
// error; a missing file the operator named is.
func loadConfig(configPath string, cfg *config.Config) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
			return
		}
		fmt.Fprintf(os.Stderr, "chatd: failed to load configuration %s: %v\n", configPath, err)
		os.Exit(1)
	}
	logger.Infof("loaded configuration from %s", configPath)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (*store.Store, error) {
	persister, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if persister == nil {
		return store.New(), nil
	}

	interval, err := cfg.GetFlushInterval()
	if err != nil {
		return nil, err
	}
	debounce, err := cfg.GetFlushDebounce()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, persister, store.Options{FlushInterval: interval, FlushDebounce: debounce})
	if err != nil {
		persister.Close()
		return nil, err
	}
	logger.Info("Store opened", "backend", cfg.Backend, "flush_interval", interval, "flush_debounce", debounce)
	return st, nil
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
