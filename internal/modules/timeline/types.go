package timeline

import "errors"

var (
	// ErrNoClips is returned when an operation receives no usable clips
	ErrNoClips = errors.New("no clips to export")
	// ErrNoSegments is returned when every clip falls outside the export window
	ErrNoSegments = errors.New("no clip overlaps the export window")
	// ErrUnknownTrack is returned when a track order names a track with no clips
	ErrUnknownTrack = errors.New("track order references unknown track")
	// ErrInvalidMode is returned for a composition mode other than overlay or concat-per-track
	ErrInvalidMode = errors.New("invalid composition mode")
)

// Clip is one media segment placed on the timeline. Times are in seconds.
type Clip struct {
	Src       string  `json:"src"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	TrimStart float64 `json:"trimStart,omitempty"` // source in-point
	Track     string  `json:"track,omitempty"`

	// Visual adjustments, video only. Nil is neutral.
	Brightness *float64 `json:"brightness,omitempty"`
	Contrast   *float64 `json:"contrast,omitempty"`
	Saturation *float64 `json:"saturation,omitempty"`
	Blur       *float64 `json:"blur,omitempty"`

	// Volume multiplier, audio only. Nil means 1.
	Volume *float64 `json:"volume,omitempty"`
}

// Mode selects how video clips are combined
type Mode string

const (
	// ModeOverlay layers every clip onto the background in input order
	ModeOverlay Mode = "overlay"
	// ModeConcatPerTrack concatenates each track in time and then layers the tracks
	ModeConcatPerTrack Mode = "concat-per-track"
)

// Valid reports whether m is a known mode. The empty mode means overlay.
func (m Mode) Valid() bool {
	return m == "" || m == ModeOverlay || m == ModeConcatPerTrack
}

// ProgressFunc receives completion in the range [0, 1]
type ProgressFunc func(fraction float64)

// VideoOptions configure a video composite
type VideoOptions struct {
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	FPS        int      `json:"fps,omitempty"`
	RangeStart *float64 `json:"rangeStart,omitempty"`
	RangeEnd   *float64 `json:"rangeEnd,omitempty"`
	OutputName string   `json:"outputName,omitempty"`
	Mode       Mode     `json:"mode,omitempty"`
	TrackOrder []string `json:"trackOrder,omitempty"`

	OnProgress ProgressFunc `json:"-"`
}

// AudioOptions configure an audio mixdown
type AudioOptions struct {
	RangeStart *float64 `json:"rangeStart,omitempty"`
	RangeEnd   *float64 `json:"rangeEnd,omitempty"`
	OutputName string   `json:"outputName,omitempty"`
	Normalize  bool     `json:"normalize,omitempty"`
	SampleRate int      `json:"sampleRate,omitempty"`

	OnProgress ProgressFunc `json:"-"`
}

const (
	DefaultFPS        = 30
	DefaultSampleRate = 44100
	MaxBlurRadius     = 50.0
	MinDuration       = 0.001

	VideoOutputName       = "timeline_video.mp4"
	AudioOutputName       = "timeline_audio.mp3"
	MuxedOutputName       = "muxed.mp4"
	RemuxedOutputName     = "remuxed.mp4"
	TranscodedAudioName   = "transcoded_audio.mp3"
	TranscodedVideoName   = "transcoded_video.mp4"
	TranscodeAudioBitrate = "192k"
)

// compact drops missing clips, keeping order
func compact(clips []*Clip) []*Clip {
	out := make([]*Clip, 0, len(clips))
	for _, c := range clips {
		if c == nil || c.Src == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
