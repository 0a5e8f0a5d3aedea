// ABOUTME: Entry point for the coven-bridge server
// ABOUTME: Connects the agent subprocess to Slack or Matrix status messages

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-bridge/internal/agentproc"
	"github.com/2389/coven-bridge/internal/bridge"
	"github.com/2389/coven-bridge/internal/config"
	"github.com/2389/coven-bridge/internal/format"
	"github.com/2389/coven-bridge/internal/matrix"
	"github.com/2389/coven-bridge/internal/session"
	"github.com/2389/coven-bridge/internal/slack"
	"github.com/2389/coven-bridge/internal/store"
	"github.com/2389/coven-bridge/internal/updater"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                 _          _     _
  ___ _____   _____ _ __        | |__  _ __(_) __| | __ _  ___
 / __/ _ \ \ / / _ \ '_ \ _____ | '_ \| '__| |/ _' |/ _' |/ _ \
| (_| (_) \ V /  __/ | | |_____|| |_) | |  | | (_| | (_| |  __/
 \___\___/ \_/ \___|_| |_|      |_.__/|_|  |_|\__,_|\__, |\___|
                                                    |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: COVEN_BRIDGE_CONFIG env var > XDG_CONFIG_HOME/coven/bridge.yaml > ~/.config/coven/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "bridge.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-bridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the bridge server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check bridge health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agent:    %s\n", cfg.Agent.Command)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)

	green.Print("    ▶ ")
	fmt.Printf("Frontend: ")
	if cfg.Frontends.Slack.Enabled {
		cyan.Print("slack")
	} else {
		cyan.Print("matrix")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting coven-bridge",
		"config", configPath,
		"agent", cfg.Agent.Command,
		"http_addr", cfg.Server.HTTPAddr,
	)

	// Spawn the agent subprocess
	agent, err := agentproc.Spawn(ctx, cfg.Agent.Command, cfg.Agent.Args, logger)
	if err != nil {
		return fmt.Errorf("spawning agent: %w", err)
	}

	// Open the turn archive
	archive, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer archive.Close()

	// Pick the publisher
	pub, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}

	// Assemble the pipeline
	reg := session.NewRegistry(logger)
	upd := updater.New(reg, pub, format.StatusMessage, cfg.Updates.Interval, logger)
	batcher := updater.NewBatcher(pub, cfg.Updates.ActivityLimit, cfg.Updates.ActivityWindow, logger)

	br := bridge.New(agent, reg, upd, batcher, archive, bridge.Options{
		Model:            cfg.Agent.Model,
		ApprovalMode:     cfg.Agent.ApprovalMode,
		Sandbox:          cfg.Agent.Sandbox,
		ActivityInterval: cfg.Updates.ActivityInterval,
	}, logger)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: br.Mux(),
	}

	errCh := make(chan error, 2)
	go func() { errCh <- br.Run(ctx) }()
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bridge stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	br.Shutdown()

	return nil
}

// newPublisher builds the frontend publisher for the enabled integration.
func newPublisher(cfg *config.Config, logger *slog.Logger) (updater.Publisher, error) {
	if cfg.Frontends.Slack.Enabled {
		return slack.NewClient(cfg.Frontends.Slack.BotToken, logger), nil
	}
	pub, err := matrix.NewPublisher(
		cfg.Frontends.Matrix.Homeserver,
		cfg.Frontends.Matrix.UserID,
		cfg.Frontends.Matrix.AccessToken,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("creating matrix publisher: %w", err)
	}
	return pub, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-bridge configuration setup")
	fmt.Println("================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "bridge.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Agent
	fmt.Println("\n--- Agent Configuration ---")
	agentCommand := prompt(reader, "Agent command", "coven-agent")
	agentModel := prompt(reader, "Model", "large")

	// Frontend
	fmt.Println("\n--- Frontend Configuration ---")
	frontend := prompt(reader, "Frontend (slack/matrix)", "slack")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# coven-bridge configuration\n")
	cfg.WriteString("# Generated by coven-bridge init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  command: \"%s\"\n", agentCommand))
	cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", agentModel))
	cfg.WriteString("  approval_mode: \"auto\"\n")
	cfg.WriteString("  sandbox: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("frontends:\n")
	if strings.ToLower(frontend) == "matrix" {
		cfg.WriteString("  matrix:\n")
		cfg.WriteString("    enabled: true\n")
		cfg.WriteString("    homeserver: \"https://matrix.org\"\n")
		cfg.WriteString("    user_id: \"@bridge:matrix.org\"\n")
		cfg.WriteString("    access_token: \"${MATRIX_ACCESS_TOKEN}\"\n")
	} else {
		cfg.WriteString("  slack:\n")
		cfg.WriteString("    enabled: true\n")
		cfg.WriteString("    bot_token: \"${SLACK_BOT_TOKEN}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("updates:\n")
	cfg.WriteString("  interval: \"2s\"\n")
	cfg.WriteString("  activity_interval: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coven-bridge serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
