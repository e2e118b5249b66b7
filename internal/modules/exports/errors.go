package exports

import (
	"context"
	"errors"

	"github.com/nextconvert/compositor/internal/modules/engine"
	"github.com/nextconvert/compositor/internal/modules/media"
	"github.com/nextconvert/compositor/internal/modules/timeline"
	"github.com/sony/gobreaker/v2"
)

// Error codes stored on failed exports
const (
	CodeInvalidTimeline   = "invalid_timeline"
	CodeEngineUnavailable = "engine_unavailable"
	CodeFetchFailed       = "fetch_failed"
	CodeFetchUnavailable  = "fetch_unavailable"
	CodeMediaTooLarge     = "media_too_large"
	CodeRenderFailed      = "render_failed"
	CodeTimeout           = "timeout"
	CodeCancelled         = "cancelled"
	CodeStorageFailed     = "storage_failed"
	CodeInternal          = "internal"
)

// Classify maps a pipeline error onto a stored export error
func Classify(err error) *ExportError {
	if err == nil {
		return nil
	}

	e := &ExportError{Code: CodeInternal, Message: err.Error(), Retryable: true}

	var fetchErr *media.FetchError
	var execErr *engine.ExecError
	var validationErr *ValidationError
	switch {
	case errors.Is(err, timeline.ErrNoClips),
		errors.Is(err, timeline.ErrNoSegments),
		errors.Is(err, timeline.ErrUnknownTrack),
		errors.Is(err, timeline.ErrInvalidMode),
		errors.As(err, &validationErr):
		e.Code, e.Retryable = CodeInvalidTimeline, false
	case errors.Is(err, engine.ErrNotLoaded):
		e.Code = CodeEngineUnavailable
	case errors.Is(err, media.ErrTooLarge):
		e.Code, e.Retryable = CodeMediaTooLarge, false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		e.Code = CodeFetchUnavailable
	case errors.As(err, &fetchErr):
		e.Code, e.Retryable = CodeFetchFailed, fetchErr.Retryable()
	case errors.Is(err, context.DeadlineExceeded):
		e.Code, e.Retryable = CodeTimeout, false
	case errors.Is(err, context.Canceled):
		e.Code, e.Retryable = CodeCancelled, false
	case errors.As(err, &execErr):
		e.Code, e.Retryable = CodeRenderFailed, false
	}
	return e
}
