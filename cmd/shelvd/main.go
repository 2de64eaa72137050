package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/mmcdole/shelvd/internal/adapter"
	"github.com/mmcdole/shelvd/internal/adapter/api"
	"github.com/mmcdole/shelvd/internal/cache"
	"github.com/mmcdole/shelvd/internal/metrics"
	"github.com/mmcdole/shelvd/internal/reader"
	"github.com/mmcdole/shelvd/internal/store"
	"github.com/mmcdole/shelvd/internal/tui"
)

// Version is set at build time via -ldflags
var Version = "dev"

var errUsage = errors.New("usage")

func main() {
	var (
		showVersion bool
		configFile  string
		metricsAddr string
	)
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.StringVar(&configFile, "config", "", "config file (default: platform config dir)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("shelvd %s\n", Version)
		return
	}

	if err := run(flag.Args(), configFile, metricsAddr); err != nil {
		if errors.Is(err, errUsage) {
			usage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: shelvd [flags] <command> [args]

Commands:
  setup               configure the library URL and token
  read <id>           open a document in the terminal reader
  forget <id>         drop the cached copy, covers and local position of a document
  cache info          show cache usage
  cache sweep         drop expired cover images
  cache clear         drop every cached document and image

Flags:
`)
	flag.PrintDefaults()
}

func run(args []string, configFile, metricsAddr string) error {
	if len(args) == 0 {
		return errUsage
	}

	// Load configuration
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, closeLog, err := adapter.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = adapter.NullLogger()
		closeLog = func() error { return nil }
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("starting shelvd", "version", Version, "command", args[0])

	if args[0] == "setup" {
		return runSetupFlow(cfg, configFile)
	}

	// Check if configured
	if !cfg.IsConfigured() {
		return errors.New("not configured, run 'shelvd setup' first")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		go serveMetrics(ctx, metricsAddr, logger)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch args[0] {
	case "read":
		id, err := documentArg(args[1:])
		if err != nil {
			return err
		}
		return a.read(ctx, id)

	case "forget":
		id, err := documentArg(args[1:])
		if err != nil {
			return err
		}
		if err := a.service.Forget(ctx, id); err != nil {
			return fmt.Errorf("forget document %d: %w", id, err)
		}
		fmt.Printf("✓ Forgot document %d\n", id)
		return nil

	case "cache":
		if len(args) != 2 {
			return errUsage
		}
		return a.cacheCommand(ctx, args[1])

	default:
		return errUsage
	}
}

func loadConfig(path string) (*adapter.Config, error) {
	if path != "" {
		return adapter.LoadConfigFile(path)
	}
	return adapter.LoadConfig()
}

func documentArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errUsage
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id %q", args[0])
	}
	return id, nil
}

// app wires the offline store, caches and library client
type app struct {
	cfg     *adapter.Config
	logger  *slog.Logger
	db      *store.DB
	content *cache.ContentCache
	images  *cache.ImageCache
	service *reader.Service
}

func newApp(cfg *adapter.Config, logger *slog.Logger) (*app, error) {
	db, err := store.Open(cfg.Cache.Dir,
		store.WithQuota(cfg.Cache.QuotaBytes()),
		store.WithCompression(cfg.Cache.Compress),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	client := api.NewClient(cfg.Server.URL, cfg.Server.Token, logger)
	content := cache.NewContentCache(db.Documents(), logger)
	images := cache.NewImageCache(db.Images(), logger, cache.WithTTL(cfg.Cache.ImageTTL))

	deps := reader.Deps{
		Content:  content,
		Download: client.Download,
		Progress: client,
		Tokens:   db.Tokens(),
		Logger:   logger,
	}
	opts := reader.Options{
		ChunkSize:    cfg.Reader.ChunkSize,
		Debounce:     cfg.Reader.Debounce,
		WriteTimeout: cfg.Reader.WriteTimeout,
		Width:        cfg.Reader.WrapWidth,
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		content: content,
		images:  images,
		service: reader.NewService(client, images, deps, opts),
	}, nil
}

// Close waits for background image writes and closes the store
func (a *app) Close() {
	a.images.Wait()
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close cache", "error", err)
	}
}

func (a *app) read(ctx context.Context, id int64) error {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("read needs an interactive terminal")
	}

	// Lay out at the real size so the restored page is the one shown
	if w, h, err := term.GetSize(fd); err == nil {
		width, height := tui.PageSize(w, h, a.cfg.Reader.WrapWidth)
		a.service = a.service.WithPageSize(width, height)
	}

	cleanerCtx, stopCleaner := context.WithCancel(ctx)
	defer stopCleaner()
	go cache.NewCleaner(a.images, a.cfg.Cache.SweepInterval, a.logger).Run(cleanerCtx)

	session, err := a.service.Open(ctx, id)
	if err != nil {
		return err
	}

	// Keep the cover available offline
	cover := a.service.Cover(ctx, session.Document())
	defer cover.Release()

	model, err := tui.NewModel(session, a.logger)
	if err != nil {
		_ = session.Close(context.Background())
		return err
	}
	model = model.WithWrapWidth(a.cfg.Reader.WrapWidth)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen())

	a.logger.Info("starting TUI", "documentID", id, "session", session.ID)
	_, runErr := p.Run()

	// Flush the last position even when interrupted
	flushCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Reader.WriteTimeout+time.Second)
	defer cancel()
	closeErr := session.Close(flushCtx)

	if runErr != nil {
		a.logger.Error("TUI error", "error", runErr)
		return fmt.Errorf("TUI error: %w", runErr)
	}
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "✗ Could not save position: %v\n", closeErr)
	} else if percent, ok := session.Percent(); ok {
		fmt.Printf("✓ Saved at %d%%\n", percent)
	}

	a.logger.Info("shutting down")
	return nil
}

func (a *app) cacheCommand(ctx context.Context, sub string) error {
	switch sub {
	case "info":
		docs, err := a.content.Info(ctx)
		if err != nil {
			return err
		}
		imgs, err := a.images.Info(ctx)
		if err != nil {
			return err
		}
		dir := a.cfg.Cache.Dir
		if dir == "" {
			dir = "(memory)"
		}
		fmt.Printf("Cache:     %s\n", dir)
		fmt.Printf("Documents: %d (%s)\n", docs.Count, formatBytes(docs.Size))
		fmt.Printf("Images:    %d (%s)\n", imgs.Count, formatBytes(imgs.Size))
		if q := a.cfg.Cache.QuotaBytes(); q > 0 {
			fmt.Printf("Quota:     %s\n", formatBytes(q))
		}
		return nil

	case "sweep":
		n, err := a.images.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Removed %d expired images\n", n)
		return nil

	case "clear":
		docs, err := a.content.Clear(ctx)
		if err != nil {
			return err
		}
		imgs, err := a.images.Clear(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Removed %d documents and %d images\n", docs, imgs)
		return nil

	default:
		return errUsage
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

// runSetupFlow prompts for the library connection and saves it
func runSetupFlow(cfg *adapter.Config, configFile string) error {
	fmt.Println()
	fmt.Println("Welcome to shelvd!")
	fmt.Println()

	in := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("Enter your library URL (e.g., https://books.example.com): ")
		input, err := in.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		cfg.Server.URL = strings.TrimRight(strings.TrimSpace(input), "/")
		if cfg.Server.URL != "" {
			break
		}
		fmt.Println("Library URL cannot be empty. Please try again.")
	}

	fmt.Print("Enter your API token: ")
	token, err := readSecret(in)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if token == "" {
		return errors.New("token cannot be empty")
	}
	cfg.Server.Token = token

	dir := ""
	if configFile != "" {
		dir = filepath.Dir(configFile)
	}
	if err := adapter.SaveConfig(cfg, dir); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Println("✓ Configuration saved!")
	fmt.Println()
	fmt.Println("Run 'shelvd read <id>' to start reading.")
	return nil
}

// readSecret reads a line without echo when stdin is a terminal
func readSecret(in *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		return strings.TrimSpace(string(b)), err
	}
	line, err := in.ReadString('\n')
	return strings.TrimSpace(line), err
}
