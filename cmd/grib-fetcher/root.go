package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/grib-fetcher/internal/checkpoint"
	"github.com/withObsrvr/grib-fetcher/internal/config"
	"github.com/withObsrvr/grib-fetcher/internal/engine"
	"github.com/withObsrvr/grib-fetcher/internal/fetch"
	"github.com/withObsrvr/grib-fetcher/internal/lineage"
	"github.com/withObsrvr/grib-fetcher/internal/logging"
	"github.com/withObsrvr/grib-fetcher/internal/metrics"
	"github.com/withObsrvr/grib-fetcher/internal/product"
	"github.com/withObsrvr/grib-fetcher/internal/storage"
)

//nolint:gochecknoglobals // Global vars needed for cobra CLI
var (
	cfgFile  string
	logLevel string
)

//nolint:gochecknoglobals // Cobra commands are typically global
var rootCmd = &cobra.Command{
	Use:   "grib-fetcher",
	Short: "Selective GRIB2 fetcher for NOAA model archives",
	Long: `grib-fetcher downloads only the GRIB2 messages you need from remote
model archives. It reads each file's .idx sidecar, selects messages, and
assembles a compact artifact from HTTP byte-range requests.`,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults and GRIB_FETCHER_* env apply without one")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")
}

// loadConfig loads configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.Setup(cfg.LogConfig())
	return cfg, nil
}

// app holds the wired components shared by commands.
type app struct {
	cfg      *config.Config
	registry *product.Registry
	client   *fetch.Client
	store    storage.Store
	lineage  lineage.Emitter
	engine   *engine.Engine
}

func newApp(cfg *config.Config) (*app, error) {
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("build product registry: %w", err)
	}

	store, err := storage.NewStore(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}

	cp, err := checkpoint.NewManager(cfg.CheckpointConfig())
	if err != nil {
		store.Close()
		return nil, err
	}

	em, err := lineage.NewEmitter(cfg.LineageConfig())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create lineage emitter: %w", err)
	}

	client := fetch.New(cfg.FetchConfig(), nil)
	e := engine.New(engine.Config{
		OutputDir:    cfg.OutputDir,
		Workers:      cfg.Workers,
		MaxRollbacks: cfg.MaxRollbacks,
		VerifyGRIB:   cfg.VerifyGRIB,
		Inventory:    cfg.Inventory.Enabled,
		Parquet:      cfg.ParquetConfig(),
		Lineage:      em,
	}, client, store, cp)

	return &app{
		cfg:      cfg,
		registry: registry,
		client:   client,
		store:    store,
		lineage:  em,
		engine:   e,
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.lineage.Close(), a.store.Close())
}
