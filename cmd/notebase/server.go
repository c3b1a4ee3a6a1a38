package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/notebase/internal/api"
	"github.com/kalambet/notebase/internal/artifacts"
	"github.com/kalambet/notebase/internal/config"
	"github.com/kalambet/notebase/internal/embedcache"
	"github.com/kalambet/notebase/internal/engine"
	"github.com/kalambet/notebase/internal/enrich"
	"github.com/kalambet/notebase/internal/extract"
	"github.com/kalambet/notebase/internal/ingest"
	"github.com/kalambet/notebase/internal/notes"
	"github.com/kalambet/notebase/internal/search"
	"github.com/kalambet/notebase/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the notebase server and enrichment worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running notebase server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show notebase system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "notebase.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// models returns the chat and embedding model for the configured provider.
func models(cfg config.Config) (chat, embed string) {
	if cfg.Enrichment.Provider == engine.ProviderOpenAI {
		return cfg.OpenAI.ChatModel, cfg.OpenAI.EmbedModel
	}
	return cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel
}

// app is the wired set of long-lived components behind the server.
type app struct {
	store    *storage.Store
	notes    *notes.Service
	searcher *search.Searcher
	worker   *ingest.Worker
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.Enrichment.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}

	chatModel, embedModel := models(cfg)
	if eng == nil {
		slog.Info("enrichment provider disabled, using heuristic enrichment only")
	} else if err := engine.EnsureReady(ctx, eng, chatModel, embedModel, os.Stderr); err != nil {
		// Jobs still complete through the heuristic fallback.
		slog.Warn("inference engine not ready, enrichment will fall back to heuristics", "provider", cfg.Enrichment.Provider, "error", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir, storage.WithQueuePolicy(storage.QueuePolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.BaseDelay,
		MaxDelay:    cfg.Queue.MaxDelay,
	}))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	art := artifacts.New(cfg.Storage.DataDir)

	var embedder enrich.Embedder
	var queryEmbedder search.Embedder
	if eng != nil {
		ee := enrich.NewEngineEmbedder(eng, embedModel, cfg.Enrichment.Timeout)
		embedder, queryEmbedder = ee, ee
	}
	classifier := enrich.NewFallback(enrich.NewLLMClassifier(eng, chatModel, cfg.Enrichment.Timeout), slog.Default())

	worker := ingest.NewWorker(store, classifier, embedder, ingest.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		StaleAfter:   cfg.Queue.StaleAfter,
		Fetcher:      extract.NewFetcher(nil),
		Mirror:       art,
	})

	cache := embedcache.New(cfg.Search.CacheSize, cfg.Search.CacheTTL)
	searcher := search.NewSearcher(store, search.NewQueryEmbedder(queryEmbedder, cache, cfg.Enrichment.Timeout), cfg.Search.CandidateLimit)

	return &app{
		store:    store,
		notes:    notes.NewService(store, art, slog.Default()),
		searcher: searcher,
		worker:   worker,
	}, nil
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "notebase version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))
	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured, HTTP API is unauthenticated (set NOTEBASE_API_TOKEN)")
	}

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("notebase is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("notebase is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	handler := api.NewAppHandler(api.AppDeps{
		Notes:    a.notes,
		Searcher: a.searcher,
		Token:    cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("enrichment worker started", "worker_id", a.worker.ID(), "concurrency", cfg.Worker.Concurrency)
		return a.worker.Run(gctx)
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Notes: a.notes, Searcher: a.searcher, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "notebase listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("notebase is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop notebase (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to notebase (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}

	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	chatModel, embedModel := models(cfg)
	printStatus("Provider", "%s", cfg.Enrichment.Provider)
	if eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.Enrichment.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
	}); err == nil && eng != nil {
		if eng.IsRunning(ctx) {
			printStatus("Engine", "%s reachable", eng.Name())
		} else {
			printStatus("Engine", "%s not reachable (heuristic enrichment)", eng.Name())
		}
		printStatus("Chat model", "%s", chatModel)
		printStatus("Embed model", "%s", embedModel)
	}

	if running {
		if resp, err := client.get(ctx, "/queue/counts"); err == nil {
			var counts storage.QueueCounts
			if decodeJSON(resp, &counts) == nil {
				printStatus("Queue", "%s", formatCounts(counts))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
