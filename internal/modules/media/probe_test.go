package media

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseDimensions(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected Dimensions
		errMsg   string
	}{
		{
			name:     "landscape",
			output:   `{"streams":[{"codec_type":"video","width":1920,"height":1080}]}`,
			expected: Dimensions{Width: 1920, Height: 1080},
		},
		{
			name:     "rotated portrait",
			output:   `{"streams":[{"codec_type":"video","width":1920,"height":1080,"tags":{"rotate":"90"}}]}`,
			expected: Dimensions{Width: 1080, Height: 1920},
		},
		{
			name:     "odd size rounds down",
			output:   `{"streams":[{"codec_type":"video","width":1281,"height":721}]}`,
			expected: Dimensions{Width: 1280, Height: 720},
		},
		{
			name:     "odd rotated size rounds down",
			output:   `{"streams":[{"codec_type":"video","width":1921,"height":1079,"tags":{"rotate":"-90"}}]}`,
			expected: Dimensions{Width: 1078, Height: 1920},
		},
		{
			name:   "one pixel wide",
			output: `{"streams":[{"codec_type":"video","width":1,"height":720}]}`,
			errMsg: "too small",
		},
		{
			name:   "no video stream",
			output: `{"streams":[]}`,
			errMsg: "no video stream",
		},
		{
			name:   "zero size",
			output: `{"streams":[{"codec_type":"video","width":0,"height":0}]}`,
			errMsg: "no dimensions",
		},
		{
			name:   "invalid json",
			output: `not json`,
			errMsg: "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dims, err := parseDimensions([]byte(tt.output))
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, dims)
		})
	}
}

type stubProber struct {
	dims Dimensions
	err  error
}

func (s stubProber) ProbeDimensions(context.Context, string) (Dimensions, error) {
	return s.dims, s.err
}

func TestResolveDimensions(t *testing.T) {
	logger := zap.NewNop()

	dims := ResolveDimensions(context.Background(), stubProber{dims: Dimensions{Width: 640, Height: 360}}, "a.mp4", logger)
	assert.Equal(t, Dimensions{Width: 640, Height: 360}, dims)

	dims = ResolveDimensions(context.Background(), stubProber{err: errors.New("decode error")}, "a.mp4", logger)
	assert.Equal(t, FallbackDimensions, dims)

	assert.Equal(t, FallbackDimensions, ResolveDimensions(context.Background(), nil, "a.mp4", logger))
}

func TestFFprobeMissingBinary(t *testing.T) {
	p := NewFFprobe("/nonexistent/ffprobe", 0, nil)
	_, err := p.ProbeDimensions(context.Background(), "a.mp4")
	assert.Error(t, err)
}
