package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/vigil"
	"github.com/loykin/vigil/internal/logger"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string // Only config path for CLI commands
}

// buildRoot creates the root command with its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}
	startFlags := &StartFlags{}
	stopFlags := &StopFlags{}
	restartFlags := &RestartFlags{}
	updateFlags := &UpdateFlags{}

	vigilCommand := command{}

	root := createRootCommand(globalFlags)

	// Add subcommands
	root.AddCommand(
		createStartCommand(vigilCommand, startFlags),
		createStatusCommand(vigilCommand, statusFlags),
		createStopCommand(vigilCommand, stopFlags),
		createRestartCommand(vigilCommand, restartFlags),
		createUpdateCommand(vigilCommand, updateFlags),
		createServeCommand(globalFlags),
	)

	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "vigil",
		Short: "Desktop application backend supervisor",
		Long: `Vigil keeps a desktop application's backend process alive: it spawns
the backend, gates readiness on health checks, restarts it after crashes
and stages application updates, all controlled over a local HTTP and
WebSocket API.

Examples:
  vigil serve --config=vigil.toml   # Start the daemon
  vigil status                      # Show the backend snapshot
  vigil update check                # Query the update feed`,
	}

	// Only essential flags for CLI commands
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

// createStartCommand creates the start subcommand
func createStartCommand(vigilCommand command, startFlags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the backend",
		Long: `Start the managed backend through a running daemon.

Examples:
  vigil start
  vigil start --api-url=http://127.0.0.1:8245/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.Start(StartFlags{
				APIUrl:     startFlags.APIUrl,
				APITimeout: startFlags.APITimeout,
			})
		},
	}

	// Remote daemon connection
	cmd.Flags().StringVar(&startFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8245/api)")
	cmd.Flags().DurationVar(&startFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(vigilCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend snapshot",
		Long: `Show the state, pid, restart count and update status of the managed
backend as reported by the daemon.

Examples:
  vigil status
  vigil status --api-url=http://127.0.0.1:8245/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.Status(StatusFlags{
				APIUrl:     statusFlags.APIUrl,
				APITimeout: statusFlags.APITimeout,
			})
		},
	}

	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8245/api)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")

	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(vigilCommand command, stopFlags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the backend",
		Long: `Stop the managed backend. The daemon keeps running; 'vigil start'
brings the backend back.

Examples:
  vigil stop
  vigil stop --wait=5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var waitDuration time.Duration
			if cmd.Flag("wait").Changed {
				waitDuration, _ = cmd.Flags().GetDuration("wait")
			} else {
				waitDuration = 3 * time.Second
			}
			return vigilCommand.Stop(StopFlags{
				Wait:       waitDuration,
				APIUrl:     stopFlags.APIUrl,
				APITimeout: stopFlags.APITimeout,
			})
		},
	}

	cmd.Flags().Duration("wait", 3*time.Second, "time to wait for graceful shutdown")
	cmd.Flags().StringVar(&stopFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8245/api)")
	cmd.Flags().DurationVar(&stopFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")

	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(vigilCommand command, restartFlags *RestartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend",
		Long: `Stop the managed backend and bring it back up through its readiness
gate.

Examples:
  vigil restart
  vigil restart --api-url=http://127.0.0.1:8245/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.Restart(RestartFlags{
				APIUrl:     restartFlags.APIUrl,
				APITimeout: restartFlags.APITimeout,
			})
		},
	}

	cmd.Flags().StringVar(&restartFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8245/api)")
	cmd.Flags().DurationVar(&restartFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")

	return cmd
}

// createUpdateCommand creates the update command with subcommands
func createUpdateCommand(vigilCommand command, updateFlags *UpdateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Manage backend application updates",
		Long: `Check the update feed, download a released update and hand it to the
installer. All three steps run on the daemon; a download only ever starts
on explicit request.

Examples:
  vigil update check
  vigil update download
  vigil update apply`,
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Query the update feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.UpdateCheck(UpdateFlags{
				APIUrl:     updateFlags.APIUrl,
				APITimeout: updateFlags.APITimeout,
			})
		},
	}

	download := &cobra.Command{
		Use:   "download",
		Short: "Download the available update",
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.UpdateDownload(UpdateFlags{
				APIUrl:     updateFlags.APIUrl,
				APITimeout: updateFlags.APITimeout,
			})
		},
	}

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Hand the downloaded update to the installer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.UpdateApply(UpdateFlags{
				APIUrl:     updateFlags.APIUrl,
				APITimeout: updateFlags.APITimeout,
			})
		},
	}

	cmd.AddCommand(check, download, apply)

	// Remote daemon connection
	cmd.PersistentFlags().StringVar(&updateFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8245/api)")
	cmd.PersistentFlags().DurationVar(&updateFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")

	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [vigil.toml]",
		Short: "Start the vigil daemon",
		Long: `Start the vigil daemon: spawn and supervise the configured backend and
expose the control API. All configuration is loaded from the TOML file.

Examples:
  vigil serve --config=vigil.toml   # Run in the foreground
  vigil serve vigil.toml            # Config as positional argument
  vigil serve vigil.toml --daemonize --pidfile=/run/vigil.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}

	// Daemonize flags
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=vigil.toml or provide as argument")
	}

	// Load unified config once
	fc, err := vigil.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	// Re-exec into the background before anything binds a port
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	slog.SetDefault(logger.Config{Slog: fc.SlogConfig()}.NewSlogger())

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	// ctx ends the daemon: signals cancel it, and so does a finished apply
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup metrics from config
	if fc.Metrics.Enabled {
		if err := vigil.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		if fc.Metrics.Listen != "" {
			go func() {
				if err := vigil.ServeMetrics(fc.Metrics.Listen); err != nil {
					fmt.Printf("Metrics server error: %v\n", err)
				}
			}()
		}
	}

	// Journal sink from DSN
	var journalRec *vigil.JournalRecorder
	if fc.Journal.DSN != "" {
		sink, err := vigil.NewJournalSink(fc.Journal.DSN)
		if err != nil {
			return fmt.Errorf("failed to open journal sink: %w", err)
		}
		if closer, ok := sink.(io.Closer); ok {
			defer func() { _ = closer.Close() }()
		}
		journalRec = vigil.NewJournalRecorder(fc.Backend.Name, sink)
	}

	// Environment for the backend
	environ, err := fc.Environ()
	if err != nil {
		return fmt.Errorf("failed to load environment: %w", err)
	}

	// Update manager; a finished apply shuts the daemon down so the
	// installer can swap binaries
	var updates *vigil.UpdateManager
	if fc.Update != nil {
		updates = vigil.NewUpdateManager(fc.Update.ManagerConfig(), fc.Update.CurrentVersion)
		updates.ApplyFunc = func(ctx context.Context, artifactPath string) error {
			slog.Info("update staged for installer", "artifact", artifactPath)
			return nil
		}
	}

	sup := vigil.New(vigil.SupervisorConfig{
		Backend: fc.BackendSpec(),
		Health:  fc.Health,
	}, vigil.SupervisorOptions{
		Environ:   environ,
		Journal:   journalRec,
		Updates:   updates,
		OnApplied: cancel,
	})
	defer func() { _ = sup.Shutdown() }()

	hub := vigil.NewHub(sup)
	sup.SetPublisher(hub)
	go func() { _ = hub.Run(ctx) }()

	if updates != nil && fc.Update.CheckInterval > 0 {
		go updates.RunPeriodic(ctx)
	}

	// Resource sampling feeds both Prometheus and the /resources route
	var sampler *vigil.ResourceSampler
	if fc.Metrics.Resources.Enabled {
		sampler = vigil.NewResourceSampler(fc.Metrics.Resources)
		if fc.Metrics.Enabled {
			if err := vigil.RegisterResourceMetricsDefault(sampler); err != nil {
				fmt.Printf("Warning: failed to register resource metrics: %v\n", err)
			}
		}
		sampler.Start(ctx, func() (string, int32) {
			snap := sup.Snapshot()
			return snap.Name, int32(snap.PID)
		})
	}

	srv, err := vigil.NewHTTPServer(fc.Server.Listen, fc.Server.BasePath, fc.Server.WSPath, sup, hub, sampler)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	fmt.Printf("Starting vigil server on %s%s (events on %s)\n", fc.Server.Listen, fc.Server.BasePath, fc.Server.WSPath)

	// Bring the backend up; the API can still start it later if this fails
	if err := sup.Start(); err != nil {
		fmt.Printf("Warning: failed to start backend: %v\n", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
		// An applied update asked us to exit
	}

	fmt.Println("Shutting down...")
	if err := sup.Shutdown(); err != nil {
		fmt.Printf("Warning: supervisor shutdown: %v\n", err)
	}
	return srv.Close()
}
