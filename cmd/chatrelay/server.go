package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatrelay/internal/api"
	"github.com/kalambet/chatrelay/internal/config"
	"github.com/kalambet/chatrelay/internal/telegram"
)

const (
	shutdownTimeout = 5 * time.Second
	sweepInterval   = 10 * time.Minute
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chatrelay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		foreground, _ := cmd.Flags().GetBool("foreground")
		if !foreground {
			return startBackground()
		}
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running chatrelay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatrelay status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("foreground", false, "run in the foreground instead of detaching")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "chatrelay.pid")
}

func logFilePath(dataDir string) string {
	return filepath.Join(dataDir, "chatrelay.log")
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

func serverURL(cfg config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
}

func isRunning(cfg config.Config) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(serverURL(cfg) + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// startBackground re-executes the binary with --foreground, logging to a
// file in the data dir.
func startBackground() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if isRunning(cfg) {
		printWarning("chatrelay is already running on port %d", cfg.Server.Port)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	logPath := logFilePath(cfg.Storage.DataDir)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "start", "--foreground")
	child.Stdout = logFile
	child.Stderr = logFile
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	if err := child.Process.Release(); err != nil {
		return err
	}

	printSuccess("chatrelay started (PID %d), logging to %s", child.Process.Pid, logPath)
	return nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "chatrelay version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level, os.Stderr)
	slog.SetDefault(logger)

	adminToken, err := config.EnsureAdminToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing admin token: %w", err)
	}
	slog.Info("admin bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if isRunning(cfg) {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("chatrelay is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("chatrelay is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	printStep("checking Telegram token and AI provider")
	if err := a.checkReady(ctx, os.Stderr); err != nil {
		return err
	}

	deps := api.Deps{
		Store:         a.store,
		Settings:      a.settings,
		Chat:          a.bot,
		Token:         adminToken,
		WebhookSecret: cfg.Telegram.WebhookSecret,
		Metrics:       a.metrics.Handler(),
		Logger:        logger,
	}

	var webhook *api.Webhook
	if cfg.Telegram.Mode == config.ModeWebhook {
		webhook = api.NewWebhook(ctx, a.bot, logger)
		deps.Webhook = webhook
		if err := a.telegram.SetWebhook(ctx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			return fmt.Errorf("registering webhook: %w", err)
		}
		slog.Info("webhook registered", "url", cfg.Telegram.WebhookURL)
	} else if err := a.telegram.DeleteWebhook(ctx); err != nil {
		return fmt.Errorf("clearing webhook before polling: %w", err)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{srv}

	if cfg.Server.MCPPort > 0 {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: a.store, Settings: a.settings, Chat: a.bot})
		mcpAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.MCPPort))
		servers = append(servers, &http.Server{
			Addr:              mcpAddr,
			Handler:           api.BearerAuth(adminToken)(server.NewStreamableHTTPServer(mcpSrv)),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			fmt.Fprintf(os.Stderr, "chatrelay listening on %s\n", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", s.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.sessions.Run(gctx, sweepInterval)
		return nil
	})

	if webhook == nil {
		poller := telegram.NewPoller(a.telegram, a.bot, 0)
		g.Go(func() error {
			slog.Info("polling for updates")
			poller.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			errs = append(errs, s.Shutdown(shutdownCtx))
		}
		if webhook != nil {
			webhook.Wait()
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.LoadPartial()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("chatrelay is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop chatrelay (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to chatrelay (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.LoadPartial()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(serverURL(cfg) + "/health")
	if err != nil {
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

	printStatus("Mode", "%s", cfg.Telegram.Mode)
	printStatus("AI provider", "%s (%s)", cfg.AI.Provider, cfg.AI.DefaultModel)
	if cfg.AI.Provider == config.ProviderOllama {
		if ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}
	if cfg.ImageGen.Token == "" {
		printStatus("Image generation", "disabled")
	} else {
		printStatus("Image generation", "%s", cfg.ImageGen.Model)
	}

	if running && cfg.Server.AdminToken != "" {
		usersResp, err := apiGet(client, serverURL(cfg)+"/v1/users?limit=100", cfg.Server.AdminToken)
		if err == nil {
			var users []json.RawMessage
			if json.NewDecoder(usersResp.Body).Decode(&users) == nil {
				printStatus("Users", "%s", countLabel(len(users), 100))
			}
			usersResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
