// Pajbridge is a standalone daemon that polls the PAJ GPS cloud and
// republishes tracker state for Home Assistant over MQTT discovery.
//
// It polls on three tiers (device list, positions, notifications),
// keeps everything in an in-memory snapshot, optionally resolves
// terrain elevation through Open-Meteo, and accepts alert-toggle
// commands back from HA switch entities. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	pajbridge serve          Start the bridge daemon
//	pajbridge check          Load config and verify credentials, then exit
//	pajbridge version        Print version and build information
//	pajbridge -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/pajbridge/internal/buildinfo"
	"github.com/nugget/pajbridge/internal/config"
	"github.com/nugget/pajbridge/internal/coordinator"
	"github.com/nugget/pajbridge/internal/elevation"
	"github.com/nugget/pajbridge/internal/events"
	"github.com/nugget/pajbridge/internal/mqttpub"
	"github.com/nugget/pajbridge/internal/observability"
	"github.com/nugget/pajbridge/internal/paj"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the pajbridge command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the poll loop and the MQTT connection.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error and
// exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "check":
		return runCheck(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Pajbridge - PAJ GPS to Home Assistant bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: pajbridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge daemon")
	fmt.Fprintln(w, "  check        Load config and verify credentials, then exit")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/pajbridge/config.yaml, /etc/pajbridge/config.yaml")
	return nil
}

// runCheck loads the configuration and performs a single login against
// the vendor API. Useful for validating a config file before deploying.
func runCheck(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	client := paj.NewClient(cfg.Account.BaseURL, cfg.Account.Email, cfg.Account.Password, logger)
	defer client.Close()

	loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Login(loginCtx); err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}

	fmt.Fprintln(stdout, "config OK, credentials verified")
	return nil
}

// runServe handles the "pajbridge serve" subcommand. It is the primary
// operating mode: loads config, builds the coordinator, optionally
// starts the MQTT publisher and metrics server, runs the poll loop,
// and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher marks the bridge offline and disconnects
//  3. The coordinator drains its request queue and background tiers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting pajbridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner and config errors.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	if cfg.EnsureGUID() {
		// The GUID anchors entity unique IDs. Without persisting it,
		// every restart creates a fresh set of HA entities.
		logger.Warn("generated new account guid, add it to the config file to keep entity IDs stable",
			"guid", cfg.Account.GUID, "config", cfgPath)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"devices_interval", cfg.Intervals.DevicesSec,
		"positions_interval", cfg.Intervals.PositionsSec,
		"notifications_interval", cfg.Intervals.NotificationsSec,
		"mqtt", cfg.MQTT.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := paj.NewClient(cfg.Account.BaseURL, cfg.Account.Email, cfg.Account.Password, logger)

	var elevClient coordinator.ElevationAPI
	if cfg.Options.FetchElevation {
		elevClient = elevation.NewClient("", logger)
	}

	bus := events.New()
	coord := coordinator.New(client, elevClient, coordinator.Config{
		GUID:                  cfg.Account.GUID,
		DevicesInterval:       time.Duration(cfg.Intervals.DevicesSec) * time.Second,
		PositionsInterval:     time.Duration(cfg.Intervals.PositionsSec) * time.Second,
		NotificationsInterval: time.Duration(cfg.Intervals.NotificationsSec) * time.Second,
		Options: coordinator.Options{
			FetchElevation:   cfg.Options.FetchElevation,
			ForceBattery:     cfg.Options.ForceBattery,
			MarkAlertsAsRead: cfg.Options.MarkAlertsAsRead,
		},
	}, logger, bus)

	// The first refresh runs in the foreground so startup fails fast on
	// bad credentials instead of looping in the background.
	initialCtx, initialCancel := context.WithTimeout(ctx, 2*time.Minute)
	err = coord.Refresh(initialCtx)
	initialCancel()
	if err != nil {
		coord.Shutdown(context.Background())
		return fmt.Errorf("initial refresh: %w", err)
	}
	snap := coord.Snapshot()
	logger.Info("initial refresh complete", "devices", len(snap.Devices))

	g, gctx := errgroup.WithContext(ctx)

	var mqttPub *mqttpub.Publisher
	if cfg.MQTT.Enabled {
		mqttPub = mqttpub.New(cfg.MQTT, coord, bus, logger)
		g.Go(func() error {
			return mqttPub.Start(gctx)
		})
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("metrics server listening", "port", cfg.Metrics.Port)
			return observability.Serve(gctx, cfg.Metrics.Port)
		})
	}

	// Poll loop. The tick runs at the fastest tier's cadence; Refresh
	// decides internally which tiers are actually due.
	g.Go(func() error {
		interval := time.Duration(cfg.Intervals.NotificationsSec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := coord.Refresh(gctx); err != nil {
					// Transient auth failures recover on a later tick;
					// nothing to do but log and keep polling.
					logger.Warn("refresh failed", "error", err)
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("shutting down")

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if stopErr := mqttPub.Stop(offlineCtx); stopErr != nil {
			logger.Error("mqtt shutdown failed", "error", stopErr)
		}
		offlineCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if sdErr := coord.Shutdown(shutdownCtx); sdErr != nil {
		logger.Error("coordinator shutdown incomplete", "error", sdErr)
	}

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newLogger builds a structured logger writing to w. Trace and other
// custom levels print with their proper names via
// [config.ReplaceLogLevelNames].
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the YAML configuration
// file. Returns the parsed config, the path that was loaded, and any
// error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
