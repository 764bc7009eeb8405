// Package main implements the causalited binary: one causally
// synchronized replica with a durable operation log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/causalite/causalite/internal/checkpoint"
	"github.com/causalite/causalite/internal/config"
	"github.com/causalite/causalite/internal/replica"
	"github.com/causalite/causalite/internal/resolver"
	"github.com/causalite/causalite/internal/schema"
	"github.com/causalite/causalite/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		replicaID   string
		logPath     string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&replicaID, "replica-id", "", "Unique id for this replica")
	flag.StringVar(&logPath, "log-path", "", "Operation log file path")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Causalite - causal-ordering synchronization core\n\n")
		fmt.Fprintf(os.Stderr, "Usage: causalited [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  causalited --replica-id node-1 --data-dir /data/causalite\n")
		fmt.Fprintf(os.Stderr, "  causalited --config /etc/causalite/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CAUSALITE_REPLICA_ID     Unique replica id\n")
		fmt.Fprintf(os.Stderr, "  CAUSALITE_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  CAUSALITE_LOG_PATH       Operation log file path\n")
		fmt.Fprintf(os.Stderr, "  CAUSALITE_STORAGE_TYPE   Checkpoint storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("causalited version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := loadConfig(configFile, dataDir, replicaID, logPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare data directories")
	}

	r, cleanup, err := buildReplica(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start replica")
	}

	logger.Info().
		Str("version", version).
		Str("replica_id", cfg.ReplicaID).
		Str("data_dir", cfg.DataDir).
		Str("log_path", cfg.Log.Path).
		Int64("latest_offset", r.Log().LatestOffset()).
		Msg("replica started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := r.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		cleanup()
		os.Exit(1)
	}
	cleanup()
}

// loadConfig merges file, environment and flag configuration, flags
// winning.
func loadConfig(configFile, dataDir, replicaID, logPath string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if replicaID != "" {
		cfg.ReplicaID = replicaID
	}
	if logPath != "" {
		cfg.Log.Path = logPath
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildReplica assembles the replica from configuration. The returned
// cleanup closes auxiliary resources not owned by the replica.
func buildReplica(cfg *config.Config, logger zerolog.Logger) (*replica.Replica, func(), error) {
	params := replica.Params{
		ReplicaID:    cfg.ReplicaID,
		LogPath:      cfg.Log.Path,
		StreamBuffer: cfg.Log.StreamBuffer,
		Engine: resolver.Options{
			PendingMax:       cfg.Resolver.PendingMax,
			PendingRetention: cfg.Resolver.PendingRetention,
			HistorySize:      cfg.Resolver.HistorySize,
		},
		Logger:       logger,
	}

	cleanup := func() {}
	if cfg.Schema.HistoryPath != "" {
		history, err := schema.OpenHistory(cfg.Schema.HistoryPath)
		if err != nil {
			return nil, nil, err
		}
		params.SchemaHistory = history
		cleanup = func() {
			if err := history.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close schema history")
			}
		}
	}

	if cfg.Checkpoint.Enabled {
		objects, err := buildObjectStore(cfg)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		params.Checkpoints = checkpoint.NewStore(objects, cfg.Checkpoint.Keep, logger)
		params.CheckpointInterval = cfg.Checkpoint.Interval
	}

	r, err := replica.New(params)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return r, cleanup, nil
}

func buildObjectStore(cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Type {
	case "", "local":
		return storage.NewLocal(cfg.Storage.Path)
	case "s3":
		return storage.NewS3Store(context.Background(), cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
