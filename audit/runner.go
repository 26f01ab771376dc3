package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type RunnerConfig struct {
	SourcePath  string
	ResultsPath string
	ErrorsPath  string

	ChunkSize int
	Workers   int
	// ChunkCooldown is slept between chunks, never after the last one.
	ChunkCooldown time.Duration

	// ArchiveDir, when set, receives the source file after every chunk completed.
	ArchiveDir string

	Resolver   ImageResolver
	Normalizer *Normalizer
	Ledger     *Ledger
	Metrics    *Metrics
	Reporter   *Reporter
	Logger     *zap.Logger
}

// RunStats counts the outcomes of one Run.
type RunStats struct {
	RunID      string
	Read       int
	Compared   int
	Skipped    int
	Failed     int
	Chunks     int
	ArchivedTo string
}

// Runner is the batch coordinator: it rebuilds resumption state from the output
// files, then streams the source through a bounded worker pool chunk by chunk.
type Runner struct {
	cfg    RunnerConfig
	logger *zap.Logger

	mu    sync.Mutex
	stats RunStats
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if strings.TrimSpace(cfg.SourcePath) == "" {
		return nil, fmt.Errorf("SourcePath is required")
	}
	if strings.TrimSpace(cfg.ResultsPath) == "" || strings.TrimSpace(cfg.ErrorsPath) == "" {
		return nil, fmt.Errorf("ResultsPath and ErrorsPath are required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("Resolver is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.ChunkCooldown < 0 {
		cfg.ChunkCooldown = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: cfg.Logger}, nil
}

// Run processes the whole source once. Asset failures never stop it; only
// source or output I/O errors and ctx cancellation do. Cancellation is checked
// between assets at dispatch and during the cooldown; assets already handed to
// a worker run to completion.
func (r *Runner) Run(ctx context.Context) (stats RunStats, runErr error) {
	start := time.Now()
	r.mu.Lock()
	r.stats = RunStats{}
	r.mu.Unlock()

	defer func() {
		stats = r.snapshot()
		if r.cfg.Ledger != nil {
			if err := r.cfg.Ledger.FinishRun(stats, runErr); err != nil {
				r.logger.Warn("ledger finish failed", zap.Error(err))
			}
		}
		// Best-effort: the report is sent even when the run failed.
		if err := r.cfg.Reporter.Report(r.cfg.SourcePath, start, time.Now(), stats, runErr); err != nil {
			r.logger.Warn("run report failed", zap.Error(err))
		}
		r.logger.Info("run finished",
			zap.Int("read", stats.Read),
			zap.Int("compared", stats.Compared),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed),
			zap.Int("chunks", stats.Chunks),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(runErr))
	}()

	state, err := r.loadState()
	if err != nil {
		return stats, err
	}

	src, err := OpenSource(r.cfg.SourcePath)
	if err != nil {
		return stats, err
	}
	defer src.Close()

	results, err := OpenResultSink(r.cfg.ResultsPath)
	if err != nil {
		return stats, err
	}
	defer results.Close()

	errs, err := OpenErrorSink(r.cfg.ErrorsPath, src.Columns())
	if err != nil {
		return stats, err
	}
	defer errs.Close()

	if r.cfg.Ledger != nil {
		id, err := r.cfg.Ledger.BeginRun(r.cfg.SourcePath)
		if err != nil {
			r.logger.Warn("ledger begin failed", zap.Error(err))
		}
		r.update(func(s *RunStats) { s.RunID = id })
	}

	pipeline, err := NewPipeline(PipelineConfig{
		Resolver:   r.cfg.Resolver,
		Normalizer: r.cfg.Normalizer,
		State:      state,
		Results:    results,
		Errors:     errs,
		Ledger:     r.cfg.Ledger,
		Metrics:    r.cfg.Metrics,
		Logger:     r.logger,
	})
	if err != nil {
		return stats, err
	}

	for chunk := 0; ; chunk++ {
		records, err := src.Next(r.cfg.ChunkSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}

		if chunk > 0 && r.cfg.ChunkCooldown > 0 {
			r.logger.Info("cooling down before next chunk", zap.Int("chunk", chunk), zap.Duration("cooldown", r.cfg.ChunkCooldown))
			sleepCtx(ctx, r.cfg.ChunkCooldown)
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		r.logger.Info("processing chunk", zap.Int("chunk", chunk), zap.Int("records", len(records)))
		if err := r.runChunk(ctx, pipeline, records); err != nil {
			return stats, err
		}
		r.update(func(s *RunStats) { s.Chunks++ })
		r.cfg.Metrics.observeChunk(state)

		if err := ctx.Err(); err != nil {
			return stats, err
		}
	}
	if n := src.Skipped(); n > 0 {
		r.logger.Warn("source rows without asset_id were ignored", zap.Int("rows", n))
	}

	if r.cfg.ArchiveDir != "" {
		_ = src.Close()
		dst, err := MoveFileToDir(r.cfg.SourcePath, r.cfg.ArchiveDir)
		if err != nil {
			return stats, fmt.Errorf("archive source: %w", err)
		}
		r.logger.Info("source archived", zap.String("path", dst))
		r.update(func(s *RunStats) { s.ArchivedTo = dst })
	}
	return stats, nil
}

// runChunk drains one chunk through a fresh pool of at most Workers goroutines.
func (r *Runner) runChunk(ctx context.Context, p *Pipeline, records []AssetRecord) error {
	// In-flight assets are not cancelled: a half-fetched asset would otherwise
	// be written to the error file as a download error.
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return r.safeProcess(workCtx, p, rec)
		})
	}
	return g.Wait()
}

func (r *Runner) safeProcess(ctx context.Context, p *Pipeline, rec AssetRecord) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("worker panic", zap.Any("panic", rec))
			err = fmt.Errorf("worker panic: %v", rec)
		}
	}()

	outcome, err := p.Process(ctx, rec)
	if err != nil {
		return err
	}
	r.update(func(s *RunStats) {
		s.Read++
		switch outcome {
		case OutcomeCompared:
			s.Compared++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeFailed:
			s.Failed++
		}
	})
	return nil
}

func (r *Runner) loadState() (*State, error) {
	for _, p := range []string{r.cfg.ResultsPath, r.cfg.ErrorsPath} {
		if err := repairTail(p); err != nil {
			return nil, fmt.Errorf("repair %s: %w", p, err)
		}
	}
	processed, err := LoadIDs(r.cfg.ResultsPath)
	if err != nil {
		return nil, fmt.Errorf("load processed ids: %w", err)
	}
	errored, err := LoadIDs(r.cfg.ErrorsPath)
	if err != nil {
		return nil, fmt.Errorf("load error ids: %w", err)
	}
	r.logger.Info("resume state loaded",
		zap.Int("processed", len(processed)),
		zap.Int("errored", len(errored)))
	return NewState(processed, errored), nil
}

func (r *Runner) update(fn func(*RunStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.stats)
}

func (r *Runner) snapshot() RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
