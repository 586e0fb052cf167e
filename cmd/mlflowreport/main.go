package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/spf13/cobra"

	"github.com/masa23/mlflowreport"
	"github.com/masa23/mlflowreport/internal/exporter"
	"github.com/masa23/mlflowreport/internal/exporter/pushgateway"
	"github.com/masa23/mlflowreport/internal/exporter/webhook"
	"github.com/masa23/mlflowreport/internal/mlflow"
)

var (
	conf    mlflowreport.Config
	logger  *ltsvlog.LTSVLogger
	logFile *os.File

	configFile string
	debug      bool

	sampleExperiment string
	sampleRuns       int
	sampleRate       float64

	rootCmd = &cobra.Command{
		Use:               "mlflowreport",
		Short:             "Export MLflow experiment metrics to a Prometheus Pushgateway and a monitoring endpoint",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		// サブコマンドなしの実行は1サイクルだけ回す
		RunE: runExportOnce,
	}

	exportOnceCmd = &cobra.Command{
		Use:   "export-once",
		Short: "Run a single export cycle and exit",
		RunE:  runExportOnce,
	}

	continuousCmd = &cobra.Command{
		Use:   "continuous",
		Short: "Run export cycles until interrupted",
		RunE:  runContinuous,
	}

	generateSampleCmd = &cobra.Command{
		Use:   "generate-sample",
		Short: "Write synthetic training runs into the tracking server",
		RunE:  runGenerateSample,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug log")
	generateSampleCmd.Flags().StringVar(&sampleExperiment, "experiment", "ml_monitoring_demo", "experiment name")
	generateSampleCmd.Flags().IntVar(&sampleRuns, "runs", 1, "number of runs to generate")
	generateSampleCmd.Flags().Float64Var(&sampleRate, "rate", 1, "run creation rate per second")
	rootCmd.AddCommand(exportOnceCmd, continuousCmd, generateSampleCmd)
}

func main() {
	err := rootCmd.Execute()
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	conf, err = mlflowreport.ConfigLoad(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		conf.Debug = true
	}

	if conf.ErrorLogFile != "" {
		logFile, err = os.OpenFile(conf.ErrorLogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logger = ltsvlog.NewLTSVLogger(logFile, conf.Debug)
	} else {
		logger = ltsvlog.NewLTSVLogger(os.Stdout, conf.Debug)
	}
	return nil
}

func newOrchestrator() *mlflowreport.Orchestrator {
	client := mlflow.NewClient(conf.MLflow.TrackingURI, logger)
	extractor := mlflowreport.NewMetricExtractor(client, conf.MLflow.MaxExperiments, logger)
	exporters := []exporter.Exporter{
		pushgateway.NewPushgatewayExporter(&pushgateway.PushgatewayExporterConfig{
			Address: conf.Pushgateway.Address,
			JobName: conf.Pushgateway.JobName,
		}, logger),
		webhook.NewWebhookExporter(&webhook.WebhookExporterConfig{
			Endpoint: conf.Monitoring.Endpoint,
			APIKey:   conf.Monitoring.APIKey,
			Enabled:  conf.Monitoring.Enabled,
		}, logger),
	}
	interval := time.Duration(conf.Export.Interval) * time.Second
	return mlflowreport.NewOrchestrator(extractor, exporters, interval, logger)
}

func runExportOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !newOrchestrator().ExportOnce(ctx) {
		logger.Info().String("msg", "export finished with failures").Log()
	}
	return nil
}

func runContinuous(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pid := os.Getpid()
	logger.Info().Fmt("msg", "start mlflowreport pid=%d", pid).Log()

	if conf.OpenTelemetry.URL != "" {
		shutdown, err := initOtelMetrics(ctx)
		if err != nil {
			return fmt.Errorf("failed to init otel metrics: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Err(err)
			}
		}()
	}

	newOrchestrator().RunContinuous(ctx)
	return nil
}

func runGenerateSample(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := mlflow.NewClient(conf.MLflow.TrackingURI, logger)
	gen := mlflowreport.NewSampleGenerator(client, sampleRate, logger)
	if err := gen.Generate(ctx, sampleExperiment, sampleRuns); err != nil {
		return fmt.Errorf("failed to generate sample data: %w", err)
	}
	return nil
}
