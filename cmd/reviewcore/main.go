// reviewcore runs paper reviews against remote stage services.
//
// Usage:
//
//	reviewcore review -source paper.pdf                 # one review, JSON result on stdout
//	reviewcore review -source 2301.00001 -kind external-id
//	reviewcore eval -cases testdata/cases.yaml          # evaluation report
//	reviewcore checkpoints                              # recent runs
//	reviewcore checkpoints -run-id <id>                 # one run snapshot
//
// Configuration comes from -config (YAML), an optional dotenv file and
// REVIEWCORE_ environment variables. Each stage needs an endpoint, e.g.
// REVIEWCORE_STAGE_ENDPOINTS__EXTRACTION=reader:50051.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeeves-cluster-organization/reviewcore/commbus"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/config"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/eval"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/grpc"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/runtime"
)

const (
	cmdReview      = "review"
	cmdEval        = "eval"
	cmdCheckpoints = "checkpoints"

	serviceName      = "reviewcore"
	queryTimeout     = 10 * time.Second
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options are the flags shared by every command.
type options struct {
	configPath  string
	envFile     string
	metricsAddr string

	source  string
	kind    string
	cases   string
	runID   string
	limit   int
	summary bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}
	command := args[0]

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics_addr)")

	switch command {
	case cmdReview:
		fs.StringVar(&opts.source, "source", "", "paper location or external identifier")
		fs.StringVar(&opts.kind, "kind", string(kernel.SourceDocument), "source kind: document or external-id")
	case cmdEval:
		fs.StringVar(&opts.cases, "cases", "", "YAML or JSON file with a test_cases list")
		fs.BoolVar(&opts.summary, "summary", false, "print a human-readable summary to stderr")
	case cmdCheckpoints:
		fs.StringVar(&opts.runID, "run-id", "", "show the snapshot of one run")
		fs.IntVar(&opts.limit, "limit", runtime.DefaultListLimit, "number of runs to list")
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return 2
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	a, err := newApp(ctx, opts, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "reviewcore: %v\n", err)
		return 1
	}
	defer a.close()

	switch command {
	case cmdReview:
		err = a.review(ctx, opts, stdout)
	case cmdEval:
		err = a.evaluate(ctx, opts, stdout, stderr)
	case cmdCheckpoints:
		err = a.checkpoints(ctx, opts, stdout)
	}
	if err != nil {
		a.logger.Error("command_failed", "command", command, "error", err.Error())
		fmt.Fprintf(stderr, "reviewcore: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: reviewcore <command> [flags]

Commands:
  review       Review one paper and print the result as JSON
  eval         Run evaluation cases and print the report as JSON
  checkpoints  List recent runs, or show one run with -run-id

Run 'reviewcore <command> -h' for command flags.`)
}

// =============================================================================
// APPLICATION
// =============================================================================

type app struct {
	cfg     *config.CoreConfig
	logger  observability.Logger
	store   checkpoint.Backend
	bus     *commbus.InMemoryCommBus
	closers []kernel.Closer
}

func newApp(ctx context.Context, opts options, stderr io.Writer) (*app, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}
	config.SetCoreConfig(cfg)

	a := &app{
		cfg:    cfg,
		logger: observability.NewJSONLogger(stderr, cfg.LogLevel).Bind("service", serviceName),
	}

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		ServiceName: serviceName,
		Exporter:    cfg.TracingExporter,
		Endpoint:    cfg.TracingEndpoint,
		Writer:      stderr,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, kernel.Closer{Name: "tracer", Close: shutdownTracer})

	if cfg.MetricsAddr != "" {
		metrics, err := observability.StartMetricsServer(cfg.MetricsAddr, a.logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		a.closers = append(a.closers, kernel.Closer{Name: "metrics", Close: metrics.Shutdown})
	}

	store, err := checkpoint.Open(cfg.CheckpointBackend, cfg.CheckpointDSN)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, kernel.Closer{Name: "checkpoint", Close: func(context.Context) error {
		return store.Close()
	}})

	a.bus = commbus.NewInMemoryCommBus(queryTimeout, a.logger)
	a.bus.AddMiddleware(commbus.NewLoggingMiddleware(a.logger))
	a.bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(breakerThreshold, breakerCooldown, nil, a.logger))
	if err := runtime.RegisterCheckpointQueries(a.bus, store); err != nil {
		a.close()
		return nil, err
	}

	a.logger.Info("reviewcore_started",
		"pipeline", cfg.PipelineName,
		"checkpoint_backend", store.Name(),
		"tracing_exporter", cfg.TracingExporter,
	)
	return a, nil
}

// coordinator dials every stage endpoint and builds a Coordinator over them.
func (a *app) coordinator() (*runtime.Coordinator, error) {
	pipeline, err := config.PipelineConfigFromCore(a.cfg)
	if err != nil {
		return nil, err
	}
	remotes, err := grpc.DialStages(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, kernel.Closer{Name: "stages", Close: func(context.Context) error {
		return grpc.CloseStages(remotes)
	}})
	return runtime.NewCoordinator(pipeline, grpc.AsStages(remotes), a.store, a.logger, runtime.WithBus(a.bus))
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := kernel.Shutdown(ctx, a.logger, a.closers...); err != nil {
		a.logger.Warn("shutdown_incomplete", "error", err.Error())
	}
	a.closers = nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) review(ctx context.Context, opts options, stdout io.Writer) error {
	kind, err := kernel.ParseSourceKind(opts.kind)
	if err != nil {
		return err
	}
	coordinator, err := a.coordinator()
	if err != nil {
		return err
	}
	result, err := coordinator.Review(ctx, kernel.Input{Locator: opts.source, Kind: kind})
	if err != nil {
		return err
	}
	return writeJSON(stdout, result)
}

func (a *app) evaluate(ctx context.Context, opts options, stdout, stderr io.Writer) error {
	if opts.cases == "" {
		return fmt.Errorf("-cases is required")
	}
	cases, err := eval.LoadCases(opts.cases)
	if err != nil {
		return err
	}
	coordinator, err := a.coordinator()
	if err != nil {
		return err
	}
	report := eval.NewHarness(coordinator, a.logger).RunAll(ctx, cases)
	if opts.summary {
		fmt.Fprint(stderr, eval.Summary(report.Metrics))
	}
	return writeJSON(stdout, report)
}

func (a *app) checkpoints(ctx context.Context, opts options, stdout io.Writer) error {
	var query commbus.Query = &commbus.ListCheckpoints{Limit: opts.limit}
	if opts.runID != "" {
		query = &commbus.GetCheckpoint{RunID: opts.runID}
	}
	result, err := a.bus.QuerySync(ctx, query)
	if err != nil {
		return err
	}
	if resp, ok := result.(*commbus.CheckpointResponse); ok && !resp.Found {
		return fmt.Errorf("no checkpoint for run %s", resp.RunID)
	}
	return writeJSON(stdout, result)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
