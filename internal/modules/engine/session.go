package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotLoaded is returned by every operation attempted before the session is ready
var ErrNotLoaded = errors.New("media engine is not loaded")

// State is the lifecycle state of an engine session
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	// StateFailed records a failed load. It is retriable like StateUnloaded.
	StateFailed State = "failed"
)

// ProgressFunc receives the amount of output media produced so far
type ProgressFunc func(processed time.Duration)

// Engine is a loaded media engine with its own file namespace.
// File names are flat; the engine resolves -i and output arguments against it.
type Engine interface {
	WriteFile(name string, data []byte) error
	ReadFile(name string) ([]byte, error)
	DeleteFile(name string) error
	Exec(ctx context.Context, args []string, onProgress ProgressFunc) error
	Close() error
}

// Options configure engine construction
type Options struct {
	LogLevel     string // ffmpeg -loglevel
	CorePath     string // directory holding the ffmpeg/ffprobe binaries, empty = $PATH
	UseWorker    bool   // false pins filter execution to one thread
	WorkspaceDir string // parent directory for the session's file namespace
}

// LoadOptions are caller overrides merged over the session defaults
type LoadOptions struct {
	LogLevel  string
	CorePath  string
	UseWorker *bool
}

// Factory constructs an engine and completes its load handshake
type Factory func(ctx context.Context, opts Options) (Engine, error)

// SessionConfig configures a session
type SessionConfig struct {
	Factory       Factory
	Defaults      Options
	LoadTimeout   time.Duration
	OnStateChange func(from, to State)
	Logger        *zap.Logger
}

// Session owns exactly one engine instance and its readiness state
type Session struct {
	factory       Factory
	defaults      Options
	loadTimeout   time.Duration
	onStateChange func(from, to State)
	logger        *zap.Logger

	mu      sync.RWMutex
	state   State
	lastErr string
	engine  Engine

	loads singleflight.Group
}

// NewSession creates an unloaded session
func NewSession(cfg SessionConfig) *Session {
	if cfg.Factory == nil {
		cfg.Factory = NewFFmpegEngine
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 30 * time.Second
	}
	if cfg.Defaults.LogLevel == "" {
		cfg.Defaults.LogLevel = "error"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		factory:       cfg.Factory,
		defaults:      cfg.Defaults,
		loadTimeout:   cfg.LoadTimeout,
		onStateChange: cfg.OnStateChange,
		logger:        cfg.Logger,
		state:         StateUnloaded,
	}
}

// Load constructs the engine. It returns immediately when the session is ready;
// callers arriving while a load is in flight wait for that same load.
// A failure is recorded on the session (see Err) and also returned.
func (s *Session) Load(ctx context.Context, opts LoadOptions) error {
	s.mu.RLock()
	ready := s.state == StateReady
	s.mu.RUnlock()
	if ready {
		return nil
	}

	merged := s.merge(opts)
	ch := s.loads.DoChan("load", func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
		defer cancel()
		return nil, s.construct(loadCtx, merged)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) merge(opts LoadOptions) Options {
	merged := s.defaults
	if opts.LogLevel != "" {
		merged.LogLevel = opts.LogLevel
	}
	if opts.CorePath != "" {
		merged.CorePath = opts.CorePath
	}
	if opts.UseWorker != nil {
		merged.UseWorker = *opts.UseWorker
	}
	return merged
}

func (s *Session) construct(ctx context.Context, opts Options) error {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateLoading)
	s.mu.Unlock()

	start := time.Now()
	eng, err := s.factory(ctx, opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.lastErr = err.Error()
		s.setStateLocked(StateFailed)
		s.logger.Error("Media engine load failed",
			zap.String("core_path", opts.CorePath),
			zap.Error(err),
		)
		return fmt.Errorf("load media engine: %w", err)
	}

	s.engine = eng
	s.lastErr = ""
	s.setStateLocked(StateReady)
	s.logger.Info("Media engine loaded",
		zap.String("core_path", opts.CorePath),
		zap.Bool("use_worker", opts.UseWorker),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (s *Session) setStateLocked(to State) {
	from := s.state
	s.state = to
	if s.onStateChange != nil && from != to {
		s.onStateChange(from, to)
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsReady reports whether operations may run
func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

// Err returns the message of the last failed load, or ""
func (s *Session) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Engine returns the loaded engine or ErrNotLoaded
func (s *Session) Engine() (Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady || s.engine == nil {
		return nil, fmt.Errorf("%w (state: %s)", ErrNotLoaded, s.state)
	}
	return s.engine, nil
}

// Close tears the engine down and returns the session to unloaded
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil
	}
	err := s.engine.Close()
	s.engine = nil
	s.setStateLocked(StateUnloaded)
	return err
}
