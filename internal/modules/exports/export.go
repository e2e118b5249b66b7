package exports

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nextconvert/compositor/internal/modules/timeline"
)

// Export statuses
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Kind selects the pipeline an export runs through
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Queue priorities
const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
)

var (
	// ErrNotFound is returned when no export has the requested id
	ErrNotFound = errors.New("export not found")
	// ErrNotCancellable is returned when cancelling an export that already finished
	ErrNotCancellable = errors.New("export cannot be cancelled")
	// ErrNotQueued is returned when a worker claims an export that left the queued state
	ErrNotQueued = errors.New("export is not queued")
	// ErrNotProcessing is returned when completing an export that left the processing state
	ErrNotProcessing = errors.New("export is no longer processing")
	// ErrNoOutput is returned when downloading an export that has no stored output
	ErrNoOutput = errors.New("export has no output")
)

// ValidationError describes a rejected export request
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Request is the client description of one export
type Request struct {
	Kind     Kind                   `json:"kind"`
	Clips    []*timeline.Clip       `json:"clips"`
	Video    *timeline.VideoOptions `json:"video,omitempty"`
	Audio    *timeline.AudioOptions `json:"audio,omitempty"`
	Priority string                 `json:"priority,omitempty"`
}

// VideoOptions returns the video options with defaults applied
func (r *Request) VideoOptions(defaultFPS int) timeline.VideoOptions {
	var opts timeline.VideoOptions
	if r.Video != nil {
		opts = *r.Video
	}
	if opts.FPS <= 0 {
		opts.FPS = defaultFPS
	}
	return opts
}

// AudioOptions returns the audio options with defaults applied
func (r *Request) AudioOptions(defaultSampleRate int) timeline.AudioOptions {
	var opts timeline.AudioOptions
	if r.Audio != nil {
		opts = *r.Audio
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = defaultSampleRate
	}
	return opts
}

// Validate checks the request shape. It does not decide whether any clip
// overlaps the export window; that is left to plan synthesis.
func (r *Request) Validate(maxClips int) error {
	switch r.Kind {
	case KindVideo, KindAudio:
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("must be %q or %q", KindVideo, KindAudio)}
	}

	switch r.Priority {
	case "", PriorityHigh, PriorityDefault, PriorityLow:
	default:
		return &ValidationError{Field: "priority", Message: "must be high, default or low"}
	}

	usable := 0
	for i, c := range r.Clips {
		if c == nil || c.Src == "" {
			continue
		}
		u, err := url.Parse(c.Src)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: fmt.Sprintf("clips[%d].src", i), Message: "must be an http(s) URL"}
		}
		if c.End < c.Start {
			return &ValidationError{Field: fmt.Sprintf("clips[%d].end", i), Message: "must not precede start"}
		}
		usable++
	}
	if usable == 0 {
		return &ValidationError{Field: "clips", Message: "at least one clip with a source is required"}
	}
	if maxClips > 0 && usable > maxClips {
		return &ValidationError{Field: "clips", Message: fmt.Sprintf("at most %d clips per export", maxClips)}
	}

	if r.Video != nil {
		if !r.Video.Mode.Valid() {
			return &ValidationError{Field: "video.mode", Message: fmt.Sprintf("unknown mode %q", r.Video.Mode)}
		}
		if !flatName(r.Video.OutputName) {
			return &ValidationError{Field: "video.outputName", Message: "must be a plain file name"}
		}
	}
	if r.Audio != nil && !flatName(r.Audio.OutputName) {
		return &ValidationError{Field: "audio.outputName", Message: "must be a plain file name"}
	}
	return nil
}

// flatName rejects anything ffmpeg would not treat as a local file name
func flatName(name string) bool {
	if name == "" {
		return true
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "-") {
		return false
	}
	return !strings.ContainsAny(name, `/\:`)
}

// queue maps a request priority to an asynq queue name
func (r *Request) queue() string {
	switch r.Priority {
	case PriorityHigh:
		return "critical"
	case PriorityLow:
		return "low"
	default:
		return "default"
	}
}

// Export is one persisted export job
type Export struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	Status      string       `json:"status"`
	Priority    string       `json:"priority"`
	Request     Request      `json:"request"`
	Progress    int          `json:"progress"`
	OutputPath  string       `json:"outputPath,omitempty"`
	OutputSize  int64        `json:"outputSize,omitempty"`
	Error       *ExportError `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Finished reports whether the export reached a terminal status
func (e *Export) Finished() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ExportError represents an export failure
type ExportError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
