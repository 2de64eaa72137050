package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmcdole/shelvd/internal/adapter"
	"github.com/mmcdole/shelvd/internal/metrics"
	"github.com/mmcdole/shelvd/internal/progressserver"
	"github.com/mmcdole/shelvd/internal/store"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	var (
		showVersion bool
		configFile  string
		addr        string
		dataDir     string
		libraryDir  string
	)
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.StringVar(&configFile, "config", "", "config file (default: platform config dir)")
	flag.StringVar(&addr, "addr", "", "listen address (overrides progressd.addr)")
	flag.StringVar(&dataDir, "data", "", "position store directory (overrides progressd.data_dir)")
	flag.StringVar(&libraryDir, "library", "", "directory of documents to serve (overrides progressd.library_dir)")
	flag.Parse()

	if showVersion {
		fmt.Printf("progressd %s\n", Version)
		return
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Progressd.Addr = addr
	}
	if dataDir != "" {
		cfg.Progressd.DataDir = dataDir
	}
	if libraryDir != "" {
		cfg.Progressd.LibraryDir = libraryDir
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*adapter.Config, error) {
	if path != "" {
		return adapter.LoadConfigFile(path)
	}
	return adapter.LoadConfig()
}

func run(cfg *adapter.Config) error {
	logger, closeLog, err := adapter.SetupLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	gin.SetMode(gin.ReleaseMode)

	db, err := store.Open(cfg.Progressd.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open position store: %w", err)
	}
	defer db.Close()

	var opts []progressserver.Option
	if dir := cfg.Progressd.LibraryDir; dir != "" {
		secret, err := urlSecret(cfg.Progressd.URLSecret, logger)
		if err != nil {
			return err
		}
		opts = append(opts, progressserver.WithLibrary(progressserver.NewLibrary(dir, secret)))
	}

	if cfg.Progressd.Token == "" {
		logger.Warn("progressd.token is empty, requests are not authenticated")
	}

	srv := progressserver.New(db.Progress(), progressserver.Config{
		Token:          cfg.Progressd.Token,
		AllowOrigins:   cfg.Progressd.AllowOrigins,
		TrustedProxies: cfg.Progressd.TrustedProxies,
	}, logger, opts...)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Progressd.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("progressd listening",
			"addr", cfg.Progressd.Addr,
			"version", Version,
			"library", cfg.Progressd.LibraryDir,
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// urlSecret returns the configured signing secret, or a random one that
// invalidates outstanding URLs on restart
func urlSecret(configured string, logger *slog.Logger) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate url secret: %w", err)
	}
	logger.Warn("progressd.url_secret is empty, using a random secret for this run")
	return secret, nil
}
