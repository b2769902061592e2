// Package main provides the taskgrid binary entry point.
// Taskgrid is a distributed job orchestrator: jobs are DAGs of tasks
// dispatched to remote agents over NATS JetStream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/c360studio/taskgrid/config"
	"github.com/c360studio/taskgrid/orchestrator"
	agentmonitor "github.com/c360studio/taskgrid/processor/agent-monitor"
	crontrigger "github.com/c360studio/taskgrid/processor/cron-trigger"
	orchestratorapi "github.com/c360studio/taskgrid/processor/orchestrator-api"
	outcomeconsumer "github.com/c360studio/taskgrid/processor/outcome-consumer"
	tasksweeper "github.com/c360studio/taskgrid/processor/task-sweeper"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskgrid"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "taskgrid",
		Short: "Distributed job orchestrator",
		Long: `Taskgrid runs jobs defined as DAGs of tasks across a fleet of
remote agents.

It provides:
- Job templates with cron scheduling, admission control and coalescing
- Agent routing by team, tags and load
- Downstream launch with route matching and cascade skip

All state lives in NATS JetStream; the REST API runs in-process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// processor is what run needs from every component: engine injection
// plus the standard lifecycle.
type processor interface {
	SetEngine(*orchestrator.Orchestrator)
	Initialize() error
	Start(context.Context) error
	Stop(time.Duration) error
	Meta() component.Metadata
}

func run(configPath, logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	engine, err := orchestrator.New(ctx, natsClient, cfg.Orchestra, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	slog.Info("Taskgrid ready", "version", Version, "nats", cfg.NATS.URL)

	procs, err := buildProcessors(cfg, natsClient, engine, logger)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	started := make([]processor, 0, len(procs))
	for _, p := range procs {
		if err := p.Initialize(); err != nil {
			stopAll(started)
			return fmt.Errorf("initialize %s: %w", p.Meta().Name, err)
		}
		if err := p.Start(signalCtx); err != nil {
			stopAll(started)
			return fmt.Errorf("start %s: %w", p.Meta().Name, err)
		}
		started = append(started, p)
		slog.Info("Component started", "component", p.Meta().Name)
	}

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	stopAll(started)
	slog.Info("Taskgrid shutdown complete")
	return nil
}

// stopAll stops components in reverse start order so consumers drain
// before the engine's API surface goes away.
func stopAll(procs []processor) {
	for i := len(procs) - 1; i >= 0; i-- {
		if err := procs[i].Stop(10 * time.Second); err != nil {
			slog.Error("Error stopping component", "component", procs[i].Meta().Name, "error", err)
		}
	}
}

func buildProcessors(cfg *config.Config, natsClient *natsclient.Client, engine *orchestrator.Orchestrator, logger *slog.Logger) ([]processor, error) {
	deps := component.Dependencies{
		NATSClient: natsClient,
		Logger:     logger,
	}

	sweep, err := json.Marshal(map[string]any{
		"sweep_interval": cfg.Orchestra.SweepInterval.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode sweep config: %w", err)
	}
	apiCfg, err := json.Marshal(map[string]any{
		"addr": cfg.HTTP.Addr,
	})
	if err != nil {
		return nil, fmt.Errorf("encode api config: %w", err)
	}

	specs := []struct {
		name    string
		factory func(json.RawMessage, component.Dependencies) (component.Discoverable, error)
		config  json.RawMessage
	}{
		{"outcome-consumer", outcomeconsumer.NewComponent, json.RawMessage(`{}`)},
		{"agent-monitor", agentmonitor.NewComponent, sweep},
		{"task-sweeper", tasksweeper.NewComponent, sweep},
		{"cron-trigger", crontrigger.NewComponent, json.RawMessage(`{}`)},
		{"orchestrator-api", orchestratorapi.NewComponent, apiCfg},
	}

	procs := make([]processor, 0, len(specs))
	for _, spec := range specs {
		c, err := spec.factory(spec.config, deps)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", spec.name, err)
		}
		p, ok := c.(processor)
		if !ok {
			return nil, fmt.Errorf("component %s does not accept an engine", spec.name)
		}
		p.SetEngine(engine)
		procs = append(procs, p)
	}
	return procs, nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg := config.DefaultConfig()
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(loaded)
		return cfg, nil
	}
	return config.NewLoader(nil).Load()
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL
	if envURL := os.Getenv(config.EnvNATSURL); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS")
	return client, nil
}

func wrapNATSError(err error, url string) error {
	if errors.Is(err, nats.ErrNoServers) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("cannot reach NATS at %s (is the server running?): %w", url, err)
	}
	return fmt.Errorf("connect to NATS at %s: %w", url, err)
}
