package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nextconvert/compositor/internal/shared/metrics"
)

func TestFetchBinary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.mp4":
			w.Write([]byte("video-bytes"))
		case "/missing.mp4":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	m := metrics.New(prometheus.NewRegistry())
	f := NewFetcher(FetcherConfig{Logger: zap.NewNop(), Metrics: m})

	t.Run("returns body on success", func(t *testing.T) {
		data, err := f.FetchBinary(context.Background(), server.URL+"/a.mp4")
		require.NoError(t, err)
		assert.Equal(t, "video-bytes", string(data))
		assert.Equal(t, float64(len("video-bytes")), testutil.ToFloat64(m.FetchBytesTotal))
	})

	t.Run("non-2xx returns FetchError", func(t *testing.T) {
		_, err := f.FetchBinary(context.Background(), server.URL+"/missing.mp4")
		require.Error(t, err)

		var fetchErr *FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
		assert.Equal(t, "Not Found", fetchErr.Status)
		assert.Equal(t, server.URL+"/missing.mp4", fetchErr.URL)
		assert.False(t, fetchErr.Retryable())
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("transport error propagates", func(t *testing.T) {
		_, err := f.FetchBinary(context.Background(), "http://127.0.0.1:1/unreachable.mp4")
		require.Error(t, err)
		var fetchErr *FetchError
		assert.False(t, errors.As(err, &fetchErr))
	})
}

func TestFetchBinaryMaxBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{MaxBytes: 32})
	_, err := f.FetchBinary(context.Background(), server.URL+"/big.mp4")
	assert.ErrorIs(t, err, ErrTooLarge)

	f = NewFetcher(FetcherConfig{MaxBytes: 64})
	data, err := f.FetchBinary(context.Background(), server.URL+"/exact.mp4")
	require.NoError(t, err)
	assert.Len(t, data, 64)
}

func TestFetchBreakerOpens(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{BreakerFailures: 2, BreakerTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		_, err := f.FetchBinary(context.Background(), server.URL+"/a.mp4")
		require.Error(t, err)
	}
	assert.Equal(t, "open", f.BreakerState())

	_, err := f.FetchBinary(context.Background(), server.URL+"/a.mp4")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestFetchClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{BreakerFailures: 1})
	for i := 0; i < 3; i++ {
		_, err := f.FetchBinary(context.Background(), server.URL+"/a.mp4")
		require.Error(t, err)
	}
	assert.Equal(t, "closed", f.BreakerState())
}

func TestFetchAll(t *testing.T) {
	var inFlight, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	urls := []string{server.URL + "/0", server.URL + "/1", server.URL + "/2", server.URL + "/3", server.URL + "/4"}
	f := NewFetcher(FetcherConfig{Concurrency: 2})

	results, err := f.FetchAll(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, results, len(urls))
	for i, data := range results {
		assert.Equal(t, "/"+string(rune('0'+i)), string(data))
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestFetchAllFailsWhole(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{})
	results, err := f.FetchAll(context.Background(), []string{server.URL + "/good", server.URL + "/bad"})
	require.Error(t, err)
	assert.Nil(t, results)
}

func TestGuessExtension(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		fallback string
		expected string
	}{
		{"plain", "https://cdn.example.com/clips/a.mp4", "mp4", "mp4"},
		{"query string", "https://cdn.example.com/a.webm?token=abc.def", "mp4", "webm"},
		{"fragment", "https://cdn.example.com/a.MOV#t=10", "mp4", "mov"},
		{"no extension", "https://cdn.example.com/stream", "mp3", "mp3"},
		{"dot in host only", "https://cdn.example.com/", "mp4", "mp4"},
		{"trailing dot", "https://cdn.example.com/a.", "mp3", "mp3"},
		{"too long", "https://cdn.example.com/a.download", "mp4", "mp4"},
		{"non alphanumeric", "https://cdn.example.com/a.m-4", "mp4", "mp4"},
		{"audio", "https://cdn.example.com/voice.wav?x=1", "mp3", "wav"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GuessExtension(tt.url, tt.fallback))
		})
	}
}
