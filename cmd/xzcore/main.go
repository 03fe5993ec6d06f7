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
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/xzcore/pkg/command"
	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/core"
	"github.com/ajitpratap0/xzcore/pkg/database"
	"github.com/ajitpratap0/xzcore/pkg/events"
	"github.com/ajitpratap0/xzcore/pkg/logger"
	"github.com/ajitpratap0/xzcore/pkg/observability"
)

// RunFlags contains the host settings of the run command
type RunFlags struct {
	ConfigPath      string
	LogLevel        string
	LogEncoding     string
	MetricsAddr     string
	Trace           bool
	ShutdownTimeout time.Duration
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "xzcore",
		Short: "xzcore - shared persistence and event runtime",
		Long: `xzcore hosts the shared runtime services: the persistence executor,
the player record cache and the typed event bus.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("xzcore v%s\n", core.Version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var flags RunFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the runtime services",
		Long: `Start every runtime service and read admin commands from stdin.

Example:
  xzcore run --config config.yml --metrics-addr :9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}
	runCmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "config.yml", "Path to the YAML configuration file; created with defaults if missing")
	runCmd.Flags().StringVar(&flags.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&flags.LogEncoding, "log-encoding", "console", "Log encoding (json, console)")
	runCmd.Flags().StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (disabled when empty)")
	runCmd.Flags().BoolVar(&flags.Trace, "trace", false, "Export trace spans to stdout")
	runCmd.Flags().DurationVar(&flags.ShutdownTimeout, "shutdown-timeout", time.Minute, "Upper bound for stopping every service")
	root.AddCommand(runCmd)

	var schemaConfig string
	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Create the runtime tables in the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return bootstrapSchema(cmd.Context(), schemaConfig)
		},
	}
	schemaCmd.Flags().StringVarP(&schemaConfig, "config", "c", "config.yml", "Path to the YAML configuration file")
	root.AddCommand(schemaCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(parent context.Context, flags RunFlags) error {
	if err := logger.Init(logger.Config{
		Level:       flags.LogLevel,
		Encoding:    flags.LogEncoding,
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get().With(zap.String("component", "host"))

	if flags.Trace {
		tc := observability.DefaultTracingConfig(core.Version)
		tc.ExporterType = "stdout"
		tc.SamplingRate = 1
		if err := observability.InitTracing(tc); err != nil {
			return err
		}
		defer func() { _ = observability.Shutdown(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := core.New(core.Options{
		ConfigPath: flags.ConfigPath,
		Dispatcher: events.NewHubDispatcher(log),
		Logger:     log,
	})
	if err := c.Initialize(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), flags.ShutdownTimeout)
		defer cancel()
		if serr := c.Shutdown(shutdownCtx); serr != nil {
			log.Warn("shutdown after failed start reported errors", zap.Error(serr))
		}
		return fmt.Errorf("startup failed: %w", err)
	}
	log.Info("xzcore ready", zap.String("version", core.Version), zap.Strings("services", c.ActiveServices()))

	var server *http.Server
	if flags.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: flags.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", flags.MetricsAddr))
	}

	admin := command.NewAdmin("xzcore", c.API(), log)
	go readConsole(ctx, os.Stdin, admin, &consoleSender{out: os.Stdout})

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), flags.ShutdownTimeout)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	return c.Shutdown(shutdownCtx)
}

// bootstrapSchema opens the configured store, which creates the tables, and
// closes it again.
func bootstrapSchema(ctx context.Context, path string) error {
	log := logger.Get().With(zap.String("component", "schema"))

	cfg := config.NewProvider(path, log)
	if err := cfg.Initialize(ctx); err != nil {
		return err
	}
	dbCfg, err := config.LoadDatabaseConfig(cfg)
	if err != nil {
		return err
	}
	dbCfg.HealthInterval = 0
	dbCfg.Pool.LeakDetection = 0

	exec := database.NewExecutor(dbCfg, log)
	if err := exec.Initialize(ctx); err != nil {
		return err
	}
	fmt.Printf("Schema ready: %s\n", strings.Join(database.Tables, ", "))
	return exec.Shutdown(ctx)
}

// consoleSender is the operator at the terminal. It holds every permission.
type consoleSender struct {
	out io.Writer
}

func (s *consoleSender) Name() string { return "console" }

func (s *consoleSender) HasPermission(string) bool { return true }

func (s *consoleSender) SendMessage(message string) { fmt.Fprintln(s.out, message) }

func readConsole(ctx context.Context, in io.Reader, admin *command.Admin, sender command.Sender) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		args := consoleArgs(scanner.Text())
		if args == nil {
			continue
		}
		admin.Execute(ctx, sender, args)
	}
}

// consoleArgs splits a console line, accepting both "status" and
// "/xzcore status".
func consoleArgs(line string) []string {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return nil
	}
	if strings.EqualFold(fields[0], "xzcore") {
		fields = fields[1:]
	}
	return fields
}
