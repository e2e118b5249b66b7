package exports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nextconvert/compositor/internal/modules/timeline"
	"github.com/nextconvert/compositor/internal/shared/metrics"
	"github.com/nextconvert/compositor/internal/shared/storage"
	"go.uber.org/zap"
)

// Renderer runs timeline exports
type Renderer interface {
	ComposeVideo(ctx context.Context, clips []*timeline.Clip, opts timeline.VideoOptions) ([]byte, error)
	MixAudio(ctx context.Context, clips []*timeline.Clip, opts timeline.AudioOptions) ([]byte, error)
}

// Cleaner removes expired outputs
type Cleaner interface {
	Cleanup(ctx context.Context, zone storage.Zone) (int, error)
}

// HandlerConfig contains dependencies for the export handler
type HandlerConfig struct {
	Store     Store
	Renderer  Renderer
	Output    OutputStore
	Cleaner   Cleaner
	Publisher Publisher
	Defaults  Defaults
	Timeout   time.Duration
	// CancelPoll is how often a running export is checked for cancellation
	CancelPoll time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Handler executes export tasks on the worker
type Handler struct {
	store      Store
	renderer   Renderer
	output     OutputStore
	cleaner    Cleaner
	publisher  Publisher
	defaults   Defaults
	timeout    time.Duration
	cancelPoll time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewHandler creates a new export handler
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = 2 * time.Second
	}
	if cfg.Defaults.FPS <= 0 {
		cfg.Defaults.FPS = timeline.DefaultFPS
	}
	if cfg.Defaults.SampleRate <= 0 {
		cfg.Defaults.SampleRate = timeline.DefaultSampleRate
	}
	return &Handler{
		store:      cfg.Store,
		renderer:   cfg.Renderer,
		output:     cfg.Output,
		cleaner:    cfg.Cleaner,
		publisher:  cfg.Publisher,
		defaults:   cfg.Defaults,
		timeout:    cfg.Timeout,
		cancelPoll: cfg.CancelPoll,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// Register adds the handler's task types to mux
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeTimelineExport, h.HandleTimelineExport)
	if h.cleaner != nil {
		mux.HandleFunc(TypeCleanupOutputs, h.HandleCleanup)
	}
}

// HandleCleanup removes outputs past their retention period
func (h *Handler) HandleCleanup(ctx context.Context, _ *asynq.Task) error {
	removed, err := h.cleaner.Cleanup(ctx, storage.ZoneOutput)
	if err != nil {
		h.logger.Error("Output cleanup failed", zap.Int("removed", removed), zap.Error(err))
		return err
	}
	h.logger.Info("Output cleanup finished", zap.Int("removed", removed))
	return nil
}

// HandleTimelineExport renders one export and stores its output. Retryable
// failures put the export back in the queue; anything else fails it for good.
func (h *Handler) HandleTimelineExport(ctx context.Context, task *asynq.Task) error {
	var payload ExportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	export, err := h.store.Get(ctx, payload.ExportID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("export %s: %w", payload.ExportID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	if export.Finished() {
		h.logger.Info("Skipping finished export",
			zap.String("export_id", export.ID),
			zap.String("status", export.Status),
		)
		return nil
	}
	if err := h.store.MarkProcessing(ctx, export.ID); err != nil {
		if errors.Is(err, ErrNotQueued) {
			h.logger.Info("Export left the queue before it started", zap.String("export_id", export.ID))
			return nil
		}
		return err
	}

	h.logger.Info("Processing timeline export",
		zap.String("export_id", export.ID),
		zap.String("kind", string(export.Kind)),
		zap.Int("clips", len(export.Request.Clips)),
	)
	h.metrics.RecordExportStarted()
	h.publish(ctx, Event{Type: EventProgress, ExportID: export.ID})

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cancelled := h.watchCancellation(runCtx, cancel, export.ID)
	data, err := h.render(runCtx, export, h.progress(ctx, export.ID))
	if cancelled() {
		h.logger.Info("Export cancelled while rendering", zap.String("export_id", export.ID))
		h.metrics.RecordExportFinished(string(export.Kind), StatusCancelled, time.Since(start))
		return nil
	}
	if err != nil {
		return h.fail(ctx, export, Classify(err), start)
	}

	info, err := h.output.Store(ctx, storage.ZoneOutput, export.ID+outputExt(export), bytes.NewReader(data))
	if err != nil {
		storeErr := &ExportError{Code: CodeStorageFailed, Message: err.Error(), Retryable: true}
		return h.fail(ctx, export, storeErr, start)
	}

	if err := h.store.MarkCompleted(ctx, export.ID, info.Path, info.Size); err != nil {
		if errors.Is(err, ErrNotProcessing) {
			// Cancelled while the output was stored; retention removes the file
			h.logger.Info("Export cancelled before completion", zap.String("export_id", export.ID))
			h.metrics.RecordExportFinished(string(export.Kind), StatusCancelled, time.Since(start))
			return nil
		}
		return err
	}
	h.metrics.RecordExportFinished(string(export.Kind), StatusCompleted, time.Since(start))
	h.publish(ctx, Event{Type: EventCompleted, ExportID: export.ID, Percent: 100, Output: info.Path})

	h.logger.Info("Timeline export completed",
		zap.String("export_id", export.ID),
		zap.String("output", info.Path),
		zap.Int64("size", info.Size),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (h *Handler) render(ctx context.Context, export *Export, onProgress timeline.ProgressFunc) ([]byte, error) {
	req := export.Request
	switch export.Kind {
	case KindVideo:
		opts := req.VideoOptions(h.defaults.FPS)
		opts.OnProgress = onProgress
		return h.renderer.ComposeVideo(ctx, req.Clips, opts)
	case KindAudio:
		opts := req.AudioOptions(h.defaults.SampleRate)
		opts.OnProgress = onProgress
		return h.renderer.MixAudio(ctx, req.Clips, opts)
	default:
		return nil, &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", export.Kind)}
	}
}

// fail requeues exportErr when asynq will retry the task, and fails the export otherwise
func (h *Handler) fail(ctx context.Context, export *Export, exportErr *ExportError, start time.Time) error {
	retry := exportErr.Retryable && retriesLeft(ctx)

	h.logger.Error("Timeline export failed",
		zap.String("export_id", export.ID),
		zap.String("code", exportErr.Code),
		zap.String("error", exportErr.Message),
		zap.Bool("will_retry", retry),
	)

	if retry {
		if err := h.store.Requeue(ctx, export.ID, exportErr); err != nil {
			h.logger.Error("Failed to requeue export", zap.String("export_id", export.ID), zap.Error(err))
		}
		return fmt.Errorf("export %s: %s", export.ID, exportErr.Message)
	}

	if err := h.store.MarkFailed(ctx, export.ID, exportErr); err != nil {
		h.logger.Error("Failed to mark export failed", zap.String("export_id", export.ID), zap.Error(err))
	}
	h.metrics.RecordExportFinished(string(export.Kind), StatusFailed, time.Since(start))
	h.publish(ctx, Event{Type: EventFailed, ExportID: export.ID, Error: exportErr})
	return fmt.Errorf("export %s: %s: %w", export.ID, exportErr.Message, asynq.SkipRetry)
}

// progress persists and publishes whole-percent changes
func (h *Handler) progress(ctx context.Context, id string) timeline.ProgressFunc {
	var mu sync.Mutex
	last := 0
	return func(fraction float64) {
		percent := int(fraction * 100)
		mu.Lock()
		if percent <= last {
			mu.Unlock()
			return
		}
		last = percent
		mu.Unlock()

		if err := h.store.UpdateProgress(ctx, id, percent); err != nil {
			h.logger.Warn("Failed to record export progress", zap.String("export_id", id), zap.Error(err))
		}
		h.publish(ctx, Event{Type: EventProgress, ExportID: id, Percent: percent})
	}
}

// watchCancellation polls the store and cancels the run once the export is
// cancelled. The returned func reports whether that happened.
func (h *Handler) watchCancellation(ctx context.Context, cancel context.CancelFunc, id string) func() bool {
	var (
		mu        sync.Mutex
		cancelled bool
	)
	go func() {
		ticker := time.NewTicker(h.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				export, err := h.store.Get(ctx, id)
				if err != nil || export.Status != StatusCancelled {
					continue
				}
				mu.Lock()
				cancelled = true
				mu.Unlock()
				cancel()
				return
			}
		}
	}()
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cancelled
	}
}

func (h *Handler) publish(ctx context.Context, event Event) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Warn("Failed to publish export event",
			zap.String("export_id", event.ExportID),
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}

func retriesLeft(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	limit, ok := asynq.GetMaxRetry(ctx)
	return ok && retried < limit
}

func outputExt(e *Export) string {
	name := ""
	switch e.Kind {
	case KindVideo:
		name = timeline.VideoOutputName
		if e.Request.Video != nil && e.Request.Video.OutputName != "" {
			name = e.Request.Video.OutputName
		}
	case KindAudio:
		name = timeline.AudioOutputName
		if e.Request.Audio != nil && e.Request.Audio.OutputName != "" {
			name = e.Request.Audio.OutputName
		}
	}
	return filepath.Ext(name)
}
