package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Dimensions of a video stream in pixels
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FallbackDimensions are used when a probe fails
var FallbackDimensions = Dimensions{Width: 1280, Height: 720}

// Prober inspects remote media
type Prober interface {
	ProbeDimensions(ctx context.Context, url string) (Dimensions, error)
}

// ffprobeOutput represents ffprobe JSON output
type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Tags      struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
	} `json:"streams"`
}

// FFprobe reads stream metadata with the ffprobe binary
type FFprobe struct {
	path    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewFFprobe creates a prober for the binary at path
func NewFFprobe(path string, timeout time.Duration, logger *zap.Logger) *FFprobe {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFprobe{path: path, timeout: timeout, logger: logger}
}

// ProbeDimensions reads the native size of the first video stream.
// Only container metadata is read; the stream is not decoded.
func (p *FFprobe) ProbeDimensions(ctx context.Context, url string) (Dimensions, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.path,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "v:0",
		url,
	)

	output, err := cmd.Output()
	if err != nil {
		return Dimensions{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	dims, err := parseDimensions(output)
	if err != nil {
		return Dimensions{}, err
	}

	p.logger.Debug("Probed video dimensions",
		zap.String("url", url),
		zap.Int("width", dims.Width),
		zap.Int("height", dims.Height),
	)
	return dims, nil
}

func parseDimensions(output []byte) (Dimensions, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return Dimensions{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, stream := range probe.Streams {
		if stream.CodecType != "video" {
			continue
		}
		if stream.Width <= 0 || stream.Height <= 0 {
			return Dimensions{}, fmt.Errorf("video stream reports no dimensions")
		}
		dims := Dimensions{Width: stream.Width, Height: stream.Height}
		// Phone footage stores portrait frames as rotated landscape.
		if rotate, err := strconv.Atoi(strings.TrimSpace(stream.Tags.Rotate)); err == nil && (rotate == 90 || rotate == -90 || rotate == 270) {
			dims.Width, dims.Height = dims.Height, dims.Width
		}
		// yuv420p encoders reject odd sizes.
		dims.Width -= dims.Width % 2
		dims.Height -= dims.Height % 2
		if dims.Width == 0 || dims.Height == 0 {
			return Dimensions{}, fmt.Errorf("video stream too small: %dx%d", stream.Width, stream.Height)
		}
		return dims, nil
	}

	return Dimensions{}, fmt.Errorf("no video stream found")
}

// ResolveDimensions probes url and falls back to FallbackDimensions on any error
func ResolveDimensions(ctx context.Context, prober Prober, url string, logger *zap.Logger) Dimensions {
	if prober == nil {
		return FallbackDimensions
	}
	dims, err := prober.ProbeDimensions(ctx, url)
	if err != nil {
		if logger != nil {
			logger.Warn("Video probe failed, using fallback dimensions",
				zap.String("url", url),
				zap.Error(err),
			)
		}
		return FallbackDimensions
	}
	return dims
}
