package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextconvert/compositor/internal/shared/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrTooLarge is returned when a remote asset exceeds the configured size limit
var ErrTooLarge = errors.New("remote media exceeds size limit")

// FetchError is returned for non-2xx responses
type FetchError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed: HTTP %d %s", e.URL, e.StatusCode, e.Status)
}

// Retryable reports whether the origin may succeed later
func (e *FetchError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// FetcherConfig configures remote media downloads
type FetcherConfig struct {
	Client          *http.Client
	Timeout         time.Duration
	Concurrency     int
	MaxBytes        int64
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// Fetcher downloads remote media behind a circuit breaker
type Fetcher struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[[]byte]
	concurrency int
	maxBytes    int64
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewFetcher creates a fetcher
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	logger := cfg.Logger
	settings := gobreaker.Settings{
		Name:        "media-fetch",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Client errors and cancellation say nothing about origin health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrTooLarge) {
				return true
			}
			var fetchErr *FetchError
			if errors.As(err, &fetchErr) {
				return !fetchErr.Retryable()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Fetcher{
		client:      cfg.Client,
		breaker:     gobreaker.NewCircuitBreaker[[]byte](settings),
		concurrency: cfg.Concurrency,
		maxBytes:    cfg.MaxBytes,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// FetchBinary downloads url and returns its body
func (f *Fetcher) FetchBinary(ctx context.Context, url string) ([]byte, error) {
	data, err := f.breaker.Execute(func() ([]byte, error) {
		return f.get(ctx, url)
	})
	if err != nil {
		f.metrics.RecordFetchError(fetchErrorReason(err))
		return nil, err
	}
	f.metrics.RecordFetch(len(data))
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Status:     strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
		}
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, url, f.maxBytes)
	}
	return data, nil
}

// FetchAll downloads every url concurrently. Results are indexed like urls;
// the first failure cancels the remaining downloads.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) ([][]byte, error) {
	results := make([][]byte, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, url := range urls {
		g.Go(func() error {
			data, err := f.FetchBinary(gctx, url)
			if err != nil {
				return err
			}
			results[i] = data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	f.logger.Debug("Fetched remote media", zap.Int("count", len(urls)))
	return results, nil
}

// BreakerState reports the circuit breaker state for readiness checks
func (f *Fetcher) BreakerState() string {
	return f.breaker.State().String()
}

func fetchErrorReason(err error) string {
	var fetchErr *FetchError
	switch {
	case errors.As(err, &fetchErr):
		return "status"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "transport"
	}
}

// GuessExtension returns the extension of the last path segment of url,
// ignoring any query string or fragment. fallback is used when none is found.
func GuessExtension(url, fallback string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if i := strings.LastIndex(url, "/"); i >= 0 {
		url = url[i+1:]
	}
	i := strings.LastIndex(url, ".")
	if i < 0 || i == len(url)-1 {
		return fallback
	}
	ext := strings.ToLower(url[i+1:])
	if len(ext) > 5 {
		return fallback
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return fallback
		}
	}
	return ext
}
