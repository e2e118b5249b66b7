package exports

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nextconvert/compositor/internal/modules/media"
	"github.com/nextconvert/compositor/internal/modules/timeline"
	"github.com/nextconvert/compositor/internal/shared/metrics"
	"github.com/nextconvert/compositor/internal/shared/storage"
	"go.uber.org/zap"
)

// OutputStore persists rendered exports
type OutputStore interface {
	Store(ctx context.Context, zone storage.Zone, originalName string, reader io.Reader) (*storage.FileInfo, error)
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)
}

// Defaults applied to requests that leave options unset
type Defaults struct {
	FPS        int
	SampleRate int
	MaxClips   int
}

// ModuleConfig contains dependencies for the exports module
type ModuleConfig struct {
	Store     Store
	Queue     Enqueuer
	Publisher Publisher
	Output    OutputStore
	Prober    media.Prober
	Defaults  Defaults
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Module handles export management on the API side
type Module struct {
	store     Store
	queue     Enqueuer
	publisher Publisher
	output    OutputStore
	prober    media.Prober
	defaults  Defaults
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewModule creates a new exports module
func NewModule(cfg ModuleConfig) *Module {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Defaults.FPS <= 0 {
		cfg.Defaults.FPS = timeline.DefaultFPS
	}
	if cfg.Defaults.SampleRate <= 0 {
		cfg.Defaults.SampleRate = timeline.DefaultSampleRate
	}
	return &Module{
		store:     cfg.Store,
		queue:     cfg.Queue,
		publisher: cfg.Publisher,
		output:    cfg.Output,
		prober:    cfg.Prober,
		defaults:  cfg.Defaults,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Create validates req, records it as queued and enqueues it
func (m *Module) Create(ctx context.Context, req Request) (*Export, error) {
	if err := req.Validate(m.defaults.MaxClips); err != nil {
		return nil, err
	}
	if req.Priority == "" {
		req.Priority = PriorityDefault
	}

	export := &Export{
		ID:        uuid.New().String(),
		Kind:      req.Kind,
		Status:    StatusQueued,
		Priority:  req.Priority,
		Request:   req,
		CreatedAt: time.Now(),
	}

	if err := m.store.Insert(ctx, export); err != nil {
		return nil, err
	}

	if err := m.queue.EnqueueExport(ExportPayload{ExportID: export.ID}, req.queue()); err != nil {
		failure := &ExportError{Code: CodeInternal, Message: "failed to enqueue export", Retryable: true}
		if markErr := m.store.MarkFailed(ctx, export.ID, failure); markErr != nil {
			m.logger.Error("Failed to mark unqueued export", zap.String("export_id", export.ID), zap.Error(markErr))
		}
		return nil, fmt.Errorf("failed to enqueue export: %w", err)
	}
	m.metrics.RecordExportQueued(string(req.Kind))

	m.logger.Info("Export created and queued",
		zap.String("export_id", export.ID),
		zap.String("kind", string(export.Kind)),
		zap.Int("clips", len(req.Clips)),
		zap.String("priority", export.Priority),
	)
	return export, nil
}

// Get returns the stored export record
func (m *Module) Get(ctx context.Context, id string) (*Export, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return m.store.Get(ctx, id)
}

// Cancel marks an export cancelled. A worker skips a cancelled export it
// has not started and aborts one it is rendering.
func (m *Module) Cancel(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	if err := m.store.Cancel(ctx, id); err != nil {
		return err
	}

	m.logger.Info("Export cancelled", zap.String("export_id", id))
	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, Event{Type: EventCancelled, ExportID: id}); err != nil {
			m.logger.Warn("Failed to publish cancellation", zap.String("export_id", id), zap.Error(err))
		}
	}
	return nil
}

// Open returns a reader over a completed export's output
func (m *Module) Open(ctx context.Context, id string) (*Export, io.ReadCloser, error) {
	export, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if export.Status != StatusCompleted || export.OutputPath == "" {
		return nil, nil, ErrNoOutput
	}
	reader, err := m.output.Retrieve(ctx, export.OutputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open export output: %w", err)
	}
	return export, reader, nil
}

// Preview is a synthesized engine invocation that has not been run
type Preview struct {
	Window      timeline.Window       `json:"window"`
	Inputs      [][]string            `json:"inputs"`
	Staged      []timeline.StagedFile `json:"staged"`
	FilterGraph string                `json:"filterGraph"`
	Output      string                `json:"output"`
	Args        []string              `json:"args"`
}

// Preview synthesizes the plan for req without fetching media or running the engine
func (m *Module) Preview(ctx context.Context, req Request) (*Preview, error) {
	if err := req.Validate(m.defaults.MaxClips); err != nil {
		return nil, err
	}

	var plan *timeline.Plan
	var err error
	switch req.Kind {
	case KindVideo:
		plan, err = timeline.PlanVideo(ctx, m.prober, req.Clips, req.VideoOptions(m.defaults.FPS), m.logger)
	case KindAudio:
		plan, err = timeline.BuildAudioPlan(req.Clips, req.AudioOptions(m.defaults.SampleRate))
	}
	if err != nil {
		return nil, err
	}

	return &Preview{
		Window:      plan.Window,
		Inputs:      plan.Inputs,
		Staged:      plan.Staged,
		FilterGraph: plan.Graph.String(),
		Output:      plan.Output,
		Args:        plan.Args,
	}, nil
}

// ContentType returns the MIME type of an export's output
func ContentType(e *Export) string {
	path := strings.ToLower(e.OutputPath)
	switch {
	case strings.HasSuffix(path, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(path, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(path, ".webm"):
		return "video/webm"
	case e.Kind == KindAudio:
		return "audio/mpeg"
	default:
		return "video/mp4"
	}
}
