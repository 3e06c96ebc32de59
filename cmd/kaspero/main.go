package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/kaspero/pkg/checkpoint"
	"github.com/ajitpratap0/kaspero/pkg/config"
	"github.com/ajitpratap0/kaspero/pkg/drift"
	"github.com/ajitpratap0/kaspero/pkg/ingest"
	apisource "github.com/ajitpratap0/kaspero/pkg/ingest/sources/api"
	feedsource "github.com/ajitpratap0/kaspero/pkg/ingest/sources/feed"
	filesource "github.com/ajitpratap0/kaspero/pkg/ingest/sources/file"
	"github.com/ajitpratap0/kaspero/pkg/logger"
	"github.com/ajitpratap0/kaspero/pkg/metrics"
	"github.com/ajitpratap0/kaspero/pkg/models"
	"github.com/ajitpratap0/kaspero/pkg/ratelimit"
	"github.com/ajitpratap0/kaspero/pkg/runs"
	"github.com/ajitpratap0/kaspero/pkg/storage"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile, logLevel string

	root := &cobra.Command{
		Use:   "kaspero",
		Short: "Kaspero - multi-source data ingestion pipeline",
		Long: `Kaspero ingests records from heterogeneous sources (a paginated REST
API, flat CSV files, a syndication feed), normalizes them into a
unified shape, and persists them idempotently with run tracking,
incremental checkpoints, and schema-drift detection.`,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Kaspero v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newRunCmd(&configFile, &logLevel))
	root.AddCommand(newCheckpointCmd(&configFile, &logLevel))
	root.AddCommand(newRunsCmd(&configFile, &logLevel))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML config (or defaults) and applies CLI
// overrides, then initializes the global logger.
func loadConfig(configFile, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
	} else {
		cfg = config.New()
		if dsn := os.Getenv("KASPERO_DATABASE_URL"); dsn != "" {
			cfg.Storage.DSN = dsn
		} else {
			cfg.Storage.Driver = "memory"
		}
		if key := os.Getenv("KASPERO_API_KEY"); key != "" {
			cfg.Sources.API.APIKey = key
		}
		if url := os.Getenv("KASPERO_FEED_URL"); url != "" {
			cfg.Sources.Feed.URL = url
		}
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
	}); err != nil {
		return nil, fmt.Errorf("logger initialization failed: %w", err)
	}

	return cfg, nil
}

// app bundles the wired pipeline components.
type app struct {
	cfg         *config.Config
	store       storage.Store
	limiter     *ratelimit.Limiter
	checkpoints *checkpoint.Manager
	tracker     *runs.Tracker
	detector    *drift.Detector
	runner      *ingest.Runner
	log         *zap.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.Get()

	var store storage.Store
	switch cfg.Storage.Driver {
	case "memory":
		store = storage.NewMemoryStore()
	default:
		pg, err := storage.NewPostgresStore(ctx, cfg.Storage, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to storage: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to migrate storage schema: %w", err)
		}
		store = pg
	}

	limiter := ratelimit.New(cfg.RateLimit, log)
	checkpoints := checkpoint.NewManager(store, log)
	tracker := runs.NewTracker(store, log)

	var detector *drift.Detector
	if cfg.Drift.Enabled {
		detector = drift.NewDetector(store, cfg.Drift, log)
	}

	runner := ingest.NewRunner(store, checkpoints, tracker, detector, metrics.Default(), log)

	return &app{
		cfg:         cfg,
		store:       store,
		limiter:     limiter,
		checkpoints: checkpoints,
		tracker:     tracker,
		detector:    detector,
		runner:      runner,
		log:         log,
	}, nil
}

func (a *app) Close() {
	a.store.Close()
	_ = logger.Sync()
}

// buildSources constructs the selected source variants. selected is a
// comma-separated subset of api,file,feed; empty means all configured.
func (a *app) buildSources(selected string) ([]ingest.Source, error) {
	want := map[string]bool{}
	if selected != "" {
		for _, name := range strings.Split(selected, ",") {
			want[strings.TrimSpace(name)] = true
		}
	}
	include := func(name string) bool {
		return len(want) == 0 || want[name]
	}

	var sources []ingest.Source
	if include("api") && a.cfg.Sources.API.BaseURL != "" {
		sources = append(sources, apisource.New(a.cfg.Sources.API, nil, a.limiter, a.log))
	}
	if include("file") {
		for _, path := range a.cfg.Sources.File.Paths {
			sources = append(sources, filesource.New(path, a.checkpoints, a.log))
		}
	}
	if include("feed") && a.cfg.Sources.Feed.URL != "" {
		sources = append(sources, feedsource.New(a.cfg.Sources.Feed, a.limiter, a.checkpoints, a.log))
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources configured (selection: %q)", selected)
	}
	return sources, nil
}

func newRunCmd(configFile, logLevel *string) *cobra.Command {
	var (
		selected    string
		parallel    bool
		failFast    bool
		failAt      int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run ingestion for all or selected sources",
		Long: `Run ingestion once for every configured source, or a subset.

Example:
  kaspero run --config kaspero.yaml --source api,feed --parallel`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile, *logLevel)
			if err != nil {
				return err
			}
			if parallel {
				cfg.Orchestrator.Parallel = true
			}
			if failFast {
				cfg.Orchestrator.FailOnError = true
			}

			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if metricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Default().Handler())
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						a.log.Warn("metrics endpoint failed", zap.Error(err))
					}
				}()
			}

			sources, err := a.buildSources(selected)
			if err != nil {
				return err
			}
			if failAt > 0 {
				for i, src := range sources {
					sources[i] = ingest.WithFailureInjection(src, failAt)
				}
			}

			orchestrator := ingest.NewOrchestrator(a.runner, cfg.Orchestrator, a.log)
			summary, err := orchestrator.RunAll(ctx, sources)
			if err != nil {
				return err
			}

			printJSON(summary)
			if summary.Failed > 0 {
				return fmt.Errorf("%d source(s) failed", summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&selected, "source", "", "Comma-separated sources to run (api,file,feed); default all")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "Run sources on a bounded worker pool")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Abort the whole pass on the first source failure")
	cmd.Flags().IntVar(&failAt, "fail-at-record", 0, "Inject a failure after N records (resilience testing)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	return cmd
}

func newCheckpointCmd(configFile, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and reset ingestion checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List checkpoints for all sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile, *logLevel)
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			cps, err := a.checkpoints.All(ctx)
			if err != nil {
				return err
			}
			printJSON(cps)
			return nil
		},
	})

	reset := &cobra.Command{
		Use:   "reset <source>",
		Short: "Clear a source's cursor to force full reprocessing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceType, err := parseSourceType(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(*configFile, *logLevel)
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.checkpoints.Reset(ctx, sourceType); err != nil {
				return err
			}
			fmt.Printf("checkpoint reset for source %s\n", sourceType)
			return nil
		},
	}
	cmd.AddCommand(reset)

	return cmd
}

func newRunsCmd(configFile, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
	}

	var listSource, listStatus string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile, *logLevel)
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := storage.RunFilter{Limit: listLimit}
			if listSource != "" {
				sourceType, err := parseSourceType(listSource)
				if err != nil {
					return err
				}
				filter.SourceType = sourceType
			}
			if listStatus != "" {
				filter.Status = models.RunStatus(listStatus)
			}

			history, err := a.tracker.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			printJSON(history)
			return nil
		},
	}
	list.Flags().StringVar(&listSource, "source", "", "Filter by source type (api, file, feed)")
	list.Flags().StringVar(&listStatus, "status", "", "Filter by status (running, success, failed, partial)")
	list.Flags().IntVar(&listLimit, "limit", 10, "Maximum runs to return")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "compare <run-id-1> <run-id-2>",
		Short: "Diff two runs and flag anomalies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile, *logLevel)
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			comparison, err := a.tracker.CompareRuns(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			printJSON(comparison)
			return nil
		},
	})

	var statsHours int
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate run statistics for a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile, *logLevel)
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.tracker.GetStats(ctx, statsHours)
			if err != nil {
				return err
			}
			printJSON(s)
			return nil
		},
	}
	stats.Flags().IntVar(&statsHours, "hours", 24, "Trailing window in hours")
	cmd.AddCommand(stats)

	return cmd
}

func parseSourceType(name string) (models.SourceType, error) {
	switch models.SourceType(name) {
	case models.SourceTypeAPI, models.SourceTypeFile, models.SourceTypeFeed:
		return models.SourceType(name), nil
	}
	return "", fmt.Errorf("unknown source type %q (expected api, file, or feed)", name)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
