package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Outcome is the final state of one asset in one run.
type Outcome int

const (
	OutcomeCompared Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompared:
		return "compared"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ImageResolver resolves one image reference for one leg of an asset.
type ImageResolver interface {
	Resolve(ctx context.Context, raw string, leg Leg) (*DecodedImage, error)
}

type ResultWriter interface {
	Write(res ComparisonResult) error
}

type ErrorWriter interface {
	Write(rec AssetRecord, kind ErrorKind) error
}

// Resolution is what a leg resolves to: an image, or Skip when the asset is
// already error-logged.
type Resolution struct {
	Image *DecodedImage
	Skip  bool
}

type PipelineConfig struct {
	Resolver   ImageResolver
	Normalizer *Normalizer
	State      *State
	Results    ResultWriter
	Errors     ErrorWriter
	Ledger     *Ledger
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Pipeline drives one asset through resolve, normalize and compare.
type Pipeline struct {
	resolver   ImageResolver
	normalizer *Normalizer
	state      *State
	results    ResultWriter
	errors     ErrorWriter
	ledger     *Ledger
	metrics    *Metrics
	logger     *zap.Logger
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("Resolver is required")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("State is required")
	}
	if cfg.Results == nil || cfg.Errors == nil {
		return nil, fmt.Errorf("Results and Errors writers are required")
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = NewNormalizer(NormalizerConfig{TransparencyGray: 255})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{
		resolver:   cfg.Resolver,
		normalizer: cfg.Normalizer,
		state:      cfg.State,
		results:    cfg.Results,
		errors:     cfg.Errors,
		ledger:     cfg.Ledger,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}, nil
}

// trace collects what happened to one asset for the ledger.
type trace struct {
	outcome    Outcome
	result     *ComparisonResult
	failure    *AssetError
	mkDigest   string
	origDigest string
}

// Process runs one asset to completion. Asset-level failures become error rows
// and never surface as an error; the returned error is reserved for output
// files that could not be written, which must stop the batch.
//
// Marketplace-leg and compare failures mark the asset error-logged and
// processed. Original-leg failures only write the error row, so a later run
// may try the asset again.
func (p *Pipeline) Process(ctx context.Context, rec AssetRecord) (outcome Outcome, err error) {
	if !p.state.Claim(rec.ID) {
		p.metrics.observeOutcome(OutcomeSkipped, 0)
		return OutcomeSkipped, nil
	}

	start := time.Now()
	done := false
	tr := &trace{}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing asset", zap.String("asset_id", rec.ID), zap.Any("panic", r))
			ae := &AssetError{Kind: KindProcessing, Stage: "panic", Err: fmt.Errorf("%v", r)}
			tr = &trace{outcome: OutcomeFailed, failure: ae}
			outcome, done = OutcomeFailed, true
			err = p.fail(rec, ae, true)
		}
		p.state.Release(rec.ID, done && err == nil)
		if err == nil {
			p.record(rec, tr, time.Since(start))
			p.metrics.observeOutcome(outcome, time.Since(start))
		}
	}()

	done, err = p.process(ctx, rec, tr)
	return tr.outcome, err
}

func (p *Pipeline) process(ctx context.Context, rec AssetRecord, tr *trace) (done bool, err error) {
	mk, err := p.resolveLeg(ctx, rec, LegMarketplace, rec.ImageURL)
	if err != nil {
		return p.failed(rec, tr, err, LegMarketplace, "resolve")
	}
	if mk.Skip {
		tr.outcome = OutcomeSkipped
		p.logger.Debug("asset already error-logged, skipping", zap.String("asset_id", rec.ID))
		return false, nil
	}
	tr.mkDigest = mk.Image.Digest

	orig, err := p.resolveLeg(ctx, rec, LegOriginal, rec.OriginalURL)
	if err != nil {
		return p.failed(rec, tr, err, LegOriginal, "resolve")
	}
	if orig.Skip {
		tr.outcome = OutcomeSkipped
		return false, nil
	}
	tr.origDigest = orig.Image.Digest

	mkNorm, err := p.normalizer.Normalize(mk.Image)
	if err != nil {
		return p.failed(rec, tr, err, LegMarketplace, "normalize")
	}
	origNorm, err := p.normalizer.Normalize(orig.Image)
	if err != nil {
		return p.failed(rec, tr, err, LegOriginal, "normalize")
	}

	res, err := Compare(rec.ID, mkNorm, origNorm)
	if err != nil {
		return p.failed(rec, tr, err, "", "compare")
	}

	if err := p.results.Write(res); err != nil {
		return false, fmt.Errorf("write result for %s: %w", rec.ID, err)
	}
	tr.outcome = OutcomeCompared
	tr.result = &res
	p.logger.Debug("asset compared",
		zap.String("asset_id", rec.ID),
		zap.Float64("ssim", res.SSIM),
		zap.Float64("mse", res.MSE),
		zap.Int("phash_difference", res.PHashDifference))
	return true, nil
}

// resolveLeg short-circuits to Skip for error-logged assets before any fetch.
func (p *Pipeline) resolveLeg(ctx context.Context, rec AssetRecord, leg Leg, raw string) (Resolution, error) {
	if p.state.IsErrorLogged(rec.ID) {
		return Resolution{Skip: true}, nil
	}
	img, err := p.resolver.Resolve(ctx, raw, leg)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Image: img}, nil
}

// failed classifies a stage failure and applies the leg policy. It returns
// whether the asset counts as processed.
func (p *Pipeline) failed(rec AssetRecord, tr *trace, err error, leg Leg, stage string) (bool, error) {
	ae := newAssetError(stage, leg, "", err)
	if ae.Leg == "" {
		ae.Leg = leg
	}
	if stage == "normalize" || stage == "compare" {
		ae.Stage = stage
	}
	tr.outcome = OutcomeFailed
	tr.failure = ae

	terminal := ae.Leg != LegOriginal
	if werr := p.fail(rec, ae, terminal); werr != nil {
		return false, werr
	}
	return terminal, nil
}

// fail writes at most one error row per asset. terminal also adds the asset to
// the short-circuit set.
func (p *Pipeline) fail(rec AssetRecord, ae *AssetError, terminal bool) error {
	p.logger.Warn("asset failed",
		zap.String("asset_id", rec.ID),
		zap.String("error_type", string(ae.Kind)),
		zap.String("stage", ae.Stage),
		zap.String("leg", string(ae.Leg)),
		zap.Error(ae.Err))
	p.metrics.observeError(ae.Kind, ae.Leg)

	if p.state.TryRecordErrorRow(rec.ID) {
		if err := p.errors.Write(rec, ae.Kind); err != nil {
			p.state.ForgetErrorRow(rec.ID)
			return fmt.Errorf("write error row for %s: %w", rec.ID, err)
		}
	}
	if terminal {
		p.state.MarkErrorLogged(rec.ID)
	}
	return nil
}

func (p *Pipeline) record(rec AssetRecord, tr *trace, d time.Duration) {
	if p.ledger == nil {
		return
	}
	a := AssetAttempt{
		AssetID:           rec.ID,
		Outcome:           tr.outcome.String(),
		MarketplaceDigest: tr.mkDigest,
		OriginalDigest:    tr.origDigest,
		DurationMs:        d.Milliseconds(),
	}
	if tr.result != nil {
		a.SSIM = tr.result.SSIM
		a.MSE = tr.result.MSE
		a.PHashDifference = tr.result.PHashDifference
		a.OpenseaExtension = tr.result.OpenseaExtension
		a.OriginalExtension = tr.result.OriginalExtension
	}
	if ae := tr.failure; ae != nil {
		a.ErrorType = string(ae.Kind)
		a.Stage = ae.Stage
		a.Leg = string(ae.Leg)
		a.URL = ae.URL
		if ae.Err != nil {
			a.Error = ae.Err.Error()
		}
	}
	if err := p.ledger.RecordAttempt(a); err != nil && !errors.Is(err, ErrLedgerClosed) {
		p.logger.Warn("ledger write failed", zap.String("asset_id", rec.ID), zap.Error(err))
	}
}
