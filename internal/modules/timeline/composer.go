package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextconvert/compositor/internal/modules/engine"
	"github.com/nextconvert/compositor/internal/modules/media"
	"github.com/nextconvert/compositor/internal/shared/metrics"
	"go.uber.org/zap"
)

// Fetcher downloads remote media
type Fetcher interface {
	FetchBinary(ctx context.Context, url string) ([]byte, error)
	FetchAll(ctx context.Context, urls []string) ([][]byte, error)
}

// Composer runs timeline exports against one engine session.
// Operations are serialized because they share the session's file namespace.
type Composer struct {
	session *engine.Session
	fetcher Fetcher
	prober  media.Prober
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

// NewComposer creates a composer
func NewComposer(session *engine.Session, fetcher Fetcher, prober media.Prober, logger *zap.Logger, m *metrics.Metrics) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		session: session,
		fetcher: fetcher,
		prober:  prober,
		logger:  logger,
		metrics: m,
	}
}

// Session returns the engine session backing the composer
func (c *Composer) Session() *engine.Session {
	return c.session
}

// PlanVideo resolves output dimensions and synthesizes a video plan without running it
func (c *Composer) PlanVideo(ctx context.Context, clips []*Clip, opts VideoOptions) (*Plan, error) {
	return PlanVideo(ctx, c.prober, clips, opts, c.logger)
}

// PlanVideo probes the first clip when no output size is set, then builds the plan
func PlanVideo(ctx context.Context, prober media.Prober, clips []*Clip, opts VideoOptions, logger *zap.Logger) (*Plan, error) {
	clips = compact(clips)
	if len(clips) == 0 {
		return nil, ErrNoClips
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		dims := media.ResolveDimensions(ctx, prober, clips[0].Src, logger)
		opts.Width, opts.Height = dims.Width, dims.Height
	}
	return BuildVideoPlan(clips, opts)
}

// ComposeVideo flattens clips into one video and returns the encoded bytes
func (c *Composer) ComposeVideo(ctx context.Context, clips []*Clip, opts VideoOptions) ([]byte, error) {
	eng, err := c.session.Engine()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.PlanVideo(ctx, clips, opts)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Composing timeline video",
		zap.String("mode", string(opts.Mode)),
		zap.Int("clips", len(plan.Staged)),
		zap.Float64("window_start", plan.Window.Start),
		zap.Float64("window_end", plan.Window.End),
	)
	return c.runPlan(ctx, eng, "compose_video", plan, opts.OnProgress)
}

// MixAudio mixes clips into one audio track and returns the encoded bytes
func (c *Composer) MixAudio(ctx context.Context, clips []*Clip, opts AudioOptions) ([]byte, error) {
	eng, err := c.session.Engine()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := BuildAudioPlan(clips, opts)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Mixing timeline audio",
		zap.Int("clips", len(plan.Staged)),
		zap.Bool("normalize", opts.Normalize),
	)
	return c.runPlan(ctx, eng, "mix_audio", plan, opts.OnProgress)
}

// runPlan stages every input, runs the engine and reads the output back.
// Staged inputs and the output are removed from the workspace afterwards.
func (c *Composer) runPlan(ctx context.Context, eng engine.Engine, operation string, plan *Plan, onProgress ProgressFunc) ([]byte, error) {
	urls := make([]string, len(plan.Staged))
	for i, f := range plan.Staged {
		urls[i] = f.URL
	}
	payloads, err := c.fetcher.FetchAll(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch clip media: %w", err)
	}

	names := make([]string, 0, len(plan.Staged)+1)
	defer func() { c.cleanup(eng, names) }()

	for i, f := range plan.Staged {
		if err := eng.WriteFile(f.Name, payloads[i]); err != nil {
			return nil, err
		}
		names = append(names, f.Name)
	}
	names = append(names, plan.Output)

	return c.exec(ctx, eng, operation, plan.Args, plan.Output, progressFor(plan.Window.Duration(), onProgress))
}

// exec runs one engine invocation and returns the bytes of output
func (c *Composer) exec(ctx context.Context, eng engine.Engine, operation string, args []string, output string, onProgress engine.ProgressFunc) ([]byte, error) {
	c.logger.Info("Running media engine",
		zap.String("operation", operation),
		zap.Strings("args", args),
	)

	start := time.Now()
	err := eng.Exec(ctx, args, onProgress)
	c.metrics.RecordEngineOperation(operation, err == nil, time.Since(start))
	if err != nil {
		c.metrics.RecordEngineError(operation, errorType(err))
		c.logger.Error("Media engine run failed",
			zap.String("operation", operation),
			zap.Error(err),
		)
		return nil, err
	}

	return eng.ReadFile(output)
}

func (c *Composer) cleanup(eng engine.Engine, names []string) {
	for _, name := range names {
		if err := eng.DeleteFile(name); err != nil {
			c.logger.Warn("Failed to remove staged file", zap.String("name", name), zap.Error(err))
		}
	}
}

func progressFor(total float64, onProgress ProgressFunc) engine.ProgressFunc {
	if onProgress == nil || total <= 0 {
		return nil
	}
	return func(processed time.Duration) {
		onProgress(min(processed.Seconds()/total, 1))
	}
}

func errorType(err error) string {
	var execErr *engine.ExecError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &execErr):
		return "exec"
	default:
		return "other"
	}
}
