// Package main is the entry point for the plex-extract incremental
// ingestion engine. It wires the configured domain extractors into
// either the sequential or concurrent orchestrator and runs them to
// completion or until signalled to stop.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jrortiz726/plex-raw-extract/internal/config"
	"github.com/jrortiz726/plex-raw-extract/internal/dsclient"
	"github.com/jrortiz726/plex-raw-extract/internal/extractor"
	"github.com/jrortiz726/plex-raw-extract/internal/extractor/inventory"
	"github.com/jrortiz726/plex-raw-extract/internal/extractor/jobs"
	"github.com/jrortiz726/plex-raw-extract/internal/extractor/masterdata"
	"github.com/jrortiz726/plex-raw-extract/internal/extractor/performance"
	"github.com/jrortiz726/plex-raw-extract/internal/extractor/production"
	"github.com/jrortiz726/plex-raw-extract/internal/extractor/quality"
	"github.com/jrortiz726/plex-raw-extract/internal/facility"
	"github.com/jrortiz726/plex-raw-extract/internal/httpclient"
	"github.com/jrortiz726/plex-raw-extract/internal/obslog"
	"github.com/jrortiz726/plex-raw-extract/internal/orchestrator"
	"github.com/jrortiz726/plex-raw-extract/internal/sink"
	"github.com/jrortiz726/plex-raw-extract/internal/watermark"
	"github.com/jrortiz726/plex-raw-extract/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "plex-extract",
	Short: "Incremental raw-table extraction from the vendor MES into the landing database",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more extractors, once or on a repeating interval",
	RunE:  runExtractors,
}

var runAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run every registered extractor using the concurrent orchestrator",
	RunE:  runAll,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print engine and dependency versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		fmt.Printf("plex-extract %s (go %s)\n", version.GetEngineVersion(), info.GoVersion)
		for _, dep := range info.Dependencies {
			fmt.Printf("  %s %s\n", dep.Path, dep.Version)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.plex-extract.yaml)")
	rootCmd.PersistentFlags().String("log-level", "INFO", "DEBUG, INFO, WARNING, ERROR, or CRITICAL")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	runCmd.Flags().StringSlice("extractors", nil, "extractor names to run (default: all registered)")
	runCmd.Flags().Int("interval", 0, "seconds between iterations; 0 runs once and exits")
	runCmd.Flags().Int("max-iterations", 0, "stop after this many iterations; 0 means unbounded")
	_ = viper.BindPFlag("extractors", runCmd.Flags().Lookup("extractors"))
	_ = viper.BindPFlag("interval", runCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("max_iterations", runCmd.Flags().Lookup("max-iterations"))

	runAllCmd.Flags().Int("max-concurrent", 3, "maximum extractors running at once")
	runAllCmd.Flags().Int("health-check-interval", 60, "seconds between health snapshot log lines")
	runAllCmd.Flags().Int("graceful-shutdown-timeout", 30, "seconds to wait for in-flight cycles on shutdown")
	_ = viper.BindPFlag("max_concurrent", runAllCmd.Flags().Lookup("max-concurrent"))
	_ = viper.BindPFlag("health_check_interval", runAllCmd.Flags().Lookup("health-check-interval"))
	_ = viper.BindPFlag("graceful_shutdown_timeout", runAllCmd.Flags().Lookup("graceful-shutdown-timeout"))

	rootCmd.AddCommand(runCmd, runAllCmd, versionCmd)
}

// initViper wires configuration precedence as flags > environment >
// config file > defaults, matching the teacher CLI's viper setup.
func initViper() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".plex-extract")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// engine bundles everything every run mode needs: the shared clients,
// the landing sink, and the registered extractors with their owned
// watermark stores.
type engine struct {
	cfg    config.Config
	logger *obslog.ContextLogger
	sink   *sink.Sink
	redis  *goredis.Client

	httpClient *httpclient.Client
	dsClient   *dsclient.Client
	facility   facility.Facility

	// dedups holds every dedup ring opened by register, so callers can
	// close them alongside the sink on shutdown.
	dedups []*watermark.Dedup
}

// closeDedups closes every dedup ring opened by register. Errors are
// logged rather than returned since this runs during shutdown.
func (e *engine) closeDedups() {
	for _, d := range e.dedups {
		if err := d.Close(); err != nil {
			e.logger.WithError(err).Warnf("close dedup ring")
		}
	}
}

func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := obslog.Level(viper.GetString("log_level"))
	logger := obslog.NewContextLogger(obslog.New(level), map[string]any{"service": "plex-extract"})

	landingSink, err := sink.Open(ctx, sink.Config{
		URL:      cfg.CouchDBURL,
		Database: cfg.RawDatabase,
		Username: cfg.CouchDBUsername,
		Password: cfg.CouchDBPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("open landing sink: %w", err)
	}

	httpClient := httpclient.New(httpclient.Config{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		CustomerID:     cfg.CustomerID,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})

	dsClient := dsclient.New(dsclient.Config{
		Host:           cfg.DSHost,
		Username:       cfg.DSUsername,
		Password:       cfg.DSPassword,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse PLEX_REDIS_URL: %w", err)
		}
		redisClient = goredis.NewClient(opts)
	}

	return &engine{
		cfg:        cfg,
		logger:     logger,
		sink:       landingSink,
		redis:      redisClient,
		httpClient: httpClient,
		dsClient:   dsClient,
		facility:   facility.Resolve(cfg.CustomerID),
	}, nil
}

// register builds every domain extractor and passes it, along with its
// watermark store, to registerFn. registerFn is either
// (*orchestrator.Runner).Register or, for the concurrent runner, a
// closure that adds the extractor's period before calling
// (*orchestrator.ConcurrentRunner).Register.
func (e *engine) register(registerFn func(name string, ex extractor.Extractor, wm *watermark.Store)) error {
	inventoryDedup, err := watermark.OpenDedup(e.cfg.StateDir, "inventory")
	if err != nil {
		return fmt.Errorf("open inventory dedup ring: %w", err)
	}
	e.dedups = append(e.dedups, inventoryDedup)

	masterdataDedup, err := watermark.OpenDedup(e.cfg.StateDir, "masterdata")
	if err != nil {
		return fmt.Errorf("open masterdata dedup ring: %w", err)
	}
	e.dedups = append(e.dedups, masterdataDedup)

	domains := []struct {
		name string
		ex   extractor.Extractor
	}{
		{"jobs", &jobs.Extractor{Client: e.httpClient, Facility: e.facility, LookbackDays: e.cfg.Lookback.Jobs}},
		{"production", &production.Extractor{Client: e.httpClient, Facility: e.facility, LookbackDays: e.cfg.Lookback.Production}},
		{"inventory", &inventory.Extractor{Client: e.httpClient, Facility: e.facility, LookbackDays: e.cfg.Lookback.Inventory, Dedup: inventoryDedup}},
		{"performance", &performance.Extractor{Client: e.httpClient, Facility: e.facility, LookbackDays: e.cfg.Lookback.Performance}},
		{"quality", &quality.Extractor{Client: e.dsClient, Facility: e.facility, BatchSize: e.cfg.QualityBatchSize}},
		{"masterdata", &masterdata.Extractor{Client: e.httpClient, Facility: e.facility, LookbackDays: e.cfg.Lookback.Master, Dedup: masterdataDedup}},
	}

	for _, d := range domains {
		wm, err := watermark.Open(e.cfg.StateDir, d.name)
		if err != nil {
			return fmt.Errorf("open watermark store for %s: %w", d.name, err)
		}
		registerFn(d.name, d.ex, wm)
	}
	return nil
}

func runExtractors(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.sink.Close()

	runner := orchestrator.New(orchestrator.Config{Sink: e.sink, Logger: e.logger})
	if err := e.register(runner.Register); err != nil {
		return err
	}
	defer e.closeDedups()

	selected := viper.GetStringSlice("extractors")
	interval := time.Duration(viper.GetInt("interval")) * time.Second
	maxIterations := viper.GetInt("max_iterations")

	return runner.Run(ctx, selected, interval, maxIterations)
}

func runAll(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.sink.Close()

	runner := orchestrator.NewConcurrent(orchestrator.ConcurrentConfig{
		Sink:                    e.sink,
		Logger:                  e.logger,
		MaxConcurrent:           int64(viper.GetInt("max_concurrent")),
		HealthCheckInterval:     time.Duration(viper.GetInt("health_check_interval")) * time.Second,
		GracefulShutdownTimeout: time.Duration(viper.GetInt("graceful_shutdown_timeout")) * time.Second,
		Redis:                   e.redis,
	})

	periods := map[string]time.Duration{
		"jobs":        10 * time.Minute,
		"production":  5 * time.Minute,
		"inventory":   15 * time.Minute,
		"performance": 5 * time.Minute,
		"quality":     time.Hour,
		"masterdata":  time.Hour,
	}

	err = e.register(func(name string, ex extractor.Extractor, wm *watermark.Store) {
		period := periods[name]
		if period <= 0 {
			period = 15 * time.Minute
		}
		runner.Register(name, ex, wm, period)
	})
	if err != nil {
		return err
	}
	defer e.closeDedups()

	return runner.Run(ctx)
}
