package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/minhvu/mapflow/internal/control"
	"github.com/minhvu/mapflow/internal/core/config"
	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/pipeline"
)

var (
	cfgPath   string
	inputPath string
	mappingID string
	isDebug   bool
)

var rootCmd = &cobra.Command{
	Use:   "mapflow",
	Short: "Mapflow mapping execution engine",
	Long:  `Mapflow executes staged record-mapping pipelines with retry, rollback and dead-letter recovery.`,
	Run:   runEngine,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().StringVar(&inputPath, "input", "records.json", "JSON file with input records")
	rootCmd.Flags().StringVar(&mappingID, "mapping-id", "default", "mapping identifier for DLQ grouping")
}

func initLogger(cfg config.LoggingConfig, debug bool) {
	level := slog.LevelInfo
	if debug || cfg.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		initLogger(config.LoggingConfig{}, isDebug)
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.Logging, isDebug)
	return cfg
}

func runEngine(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	records, err := loadRecords(inputPath)
	if err != nil {
		slog.Error("Failed to load input records", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received signal, cancelling...", "signal", sig)
		cancel()
	}()

	app, err := control.NewEngine(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize Engine", "error", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start Engine", "error", err)
		os.Exit(1)
	}

	slog.Info("Engine started", "config", cfgPath, "records", len(records))

	report := app.ProcessBatch(ctx, records, mappingID, pipeline.BatchOptions{})

	slog.Info("Batch complete",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"recovered", report.Recovered,
		"failed", report.Failed,
		"dlq_size", app.Queue().Size(),
		"duration", report.Duration,
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}

	if report.Failed > 0 {
		os.Exit(1)
	}
}

// loadRecords reads a JSON array of records, or a single record object.
func loadRecords(path string) ([]domain.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []domain.Record
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	var single domain.Record
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []domain.Record{single}, nil
}
