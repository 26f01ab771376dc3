package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nft-image-audit/audit"

	"go.uber.org/zap"
)

func main() {
	var configPath string
	var source, results, errorsPath string
	var chunkSize, workers, targetSize int
	var chunkCooldown, fetchTimeout, retryTimeout, fetchDelay time.Duration
	var localGateway, publicGateway string
	var ledgerDB, metricsAddr, archiveDir string
	var syslogAddr, job string
	var rps float64
	var debug bool

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.StringVar(&source, "source", "", "Asset records CSV (asset_id, asset_img_url, asset_img_org_url).")
	flag.StringVar(&results, "results", "", "Results CSV, appended to.")
	flag.StringVar(&errorsPath, "errors", "", "Error CSV, appended to.")
	flag.IntVar(&chunkSize, "chunk-size", 10000, "Rows per chunk.")
	flag.IntVar(&workers, "workers", 5, "Concurrent assets per chunk.")
	flag.DurationVar(&chunkCooldown, "chunk-cooldown", 60*time.Second, "Pause between chunks.")
	flag.IntVar(&targetSize, "target-size", 500, "Edge of the normalized square image.")
	flag.DurationVar(&fetchTimeout, "fetch-timeout", 60*time.Second, "Timeout of a first fetch attempt.")
	flag.DurationVar(&retryTimeout, "retry-timeout", 20*time.Second, "Timeout of the public-gateway retry.")
	flag.DurationVar(&fetchDelay, "fetch-delay", 10*time.Millisecond, "Pause after every successful fetch.")
	flag.Float64Var(&rps, "rps", 0, "Global outbound request rate limit (0 = off).")
	flag.StringVar(&localGateway, "local-gateway", audit.DefaultLocalGateway, "Local IPFS gateway base URL.")
	flag.StringVar(&publicGateway, "public-gateway", audit.DefaultPublicGateway, "Public IPFS gateway used for original-image retries.")
	flag.StringVar(&ledgerDB, "ledger-db", "", "SQLite ledger path (optional).")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address, e.g. :9108 (optional).")
	flag.StringVar(&archiveDir, "archive-dir", "", "Move the source here after a complete run (optional).")
	flag.StringVar(&syslogAddr, "syslog-addr", "", "Syslog receiver (tcp) for the run report (optional).")
	flag.StringVar(&job, "job", "", "Job label of the run report.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	cfg := &audit.FileConfig{}
	if configPath != "" {
		loaded, err := audit.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}

	// CLI overrides
	if visited["source"] {
		cfg.Source = source
	}
	if visited["results"] {
		cfg.Results = results
	}
	if visited["errors"] {
		cfg.Errors = errorsPath
	}
	if visited["chunk-size"] {
		cfg.ChunkSize = chunkSize
	}
	if visited["workers"] {
		cfg.Workers = workers
	}
	if visited["chunk-cooldown"] {
		cfg.ChunkCooldown = &chunkCooldown
	}
	if visited["target-size"] {
		cfg.TargetSize = targetSize
	}
	if visited["fetch-timeout"] {
		cfg.FetchTimeout = fetchTimeout
	}
	if visited["fetch-delay"] {
		cfg.FetchDelay = &fetchDelay
	}
	if visited["retry-timeout"] {
		cfg.RetryTimeout = retryTimeout
	}
	if visited["rps"] {
		cfg.RequestsPerSecond = rps
	}
	if visited["local-gateway"] {
		cfg.IPFS.LocalGateway = localGateway
	}
	if visited["public-gateway"] {
		cfg.IPFS.PublicGateway = publicGateway
	}
	if visited["ledger-db"] {
		cfg.LedgerDB = ledgerDB
	}
	if visited["metrics-addr"] {
		cfg.MetricsAddr = metricsAddr
	}
	if visited["archive-dir"] {
		cfg.ArchiveDir = archiveDir
	}
	if visited["syslog-addr"] {
		cfg.Report.SyslogAddr = syslogAddr
	}
	if visited["job"] {
		cfg.Report.Job = job
	}
	if visited["debug"] {
		cfg.Debug = debug
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func run(cfg *audit.FileConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := audit.NewMetrics()
	if cfg.MetricsAddr != "" {
		srv := audit.NewMetricsServer(cfg.MetricsAddr, metrics, logger)
		srv.Start()
		defer func() {
			if err := srv.Stop(); err != nil {
				logger.Warn("metrics server stop", zap.Error(err))
			}
		}()
	}

	var ledger *audit.Ledger
	if cfg.LedgerDB != "" {
		l, err := audit.OpenLedger(cfg.LedgerDB, logger)
		if err != nil {
			return err
		}
		defer l.Close()
		ledger = l
	}

	var reporter *audit.Reporter
	if cfg.Report.SyslogAddr != "" {
		reporter = audit.NewReporter(audit.NewSyslogClient(cfg.Report.SyslogAddr), cfg.Report.Job)
	}

	fetcher := audit.NewFetcher(audit.FetchConfig{
		Delay:             cfg.Delay(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxBytes:          cfg.MaxImageBytes,
	}, metrics)
	resolver := audit.NewResolver(audit.ResolverConfig{
		LocalGateway:  cfg.IPFS.LocalGateway,
		PublicGateway: cfg.IPFS.PublicGateway,
		Timeout:       cfg.FetchTimeout,
		RetryTimeout:  cfg.RetryTimeout,
		SVG:           audit.SVGOptions{DefaultSize: cfg.SVGDefaultSize, MaxSize: cfg.SVGMaxSize},
	}, fetcher, logger, metrics)

	runner, err := audit.NewRunner(audit.RunnerConfig{
		SourcePath:    cfg.Source,
		ResultsPath:   cfg.Results,
		ErrorsPath:    cfg.Errors,
		ChunkSize:     cfg.ChunkSize,
		Workers:       cfg.Workers,
		ChunkCooldown: cfg.Cooldown(),
		ArchiveDir:    cfg.ArchiveDir,
		Resolver:      resolver,
		Normalizer:    audit.NewNormalizer(audit.NormalizerConfig{TargetSize: cfg.TargetSize, TransparencyGray: cfg.Gray()}),
		Ledger:        ledger,
		Metrics:       metrics,
		Reporter:      reporter,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}

	_, err = runner.Run(ctx)
	return err
}

func newLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
