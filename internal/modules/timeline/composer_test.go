package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nextconvert/compositor/internal/modules/engine"
	"github.com/nextconvert/compositor/internal/modules/media"
)

type fakeEngine struct {
	mu      sync.Mutex
	files   map[string][]byte
	written []string
	calls   [][]string
	execFn  func(call int, args []string, onProgress engine.ProgressFunc) error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{files: make(map[string][]byte)}
}

func (f *fakeEngine) WriteFile(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = data
	f.written = append(f.written, name)
	return nil
}

func (f *fakeEngine) ReadFile(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[name]
	if !ok {
		return nil, errors.New("no such file: " + name)
	}
	return data, nil
}

func (f *fakeEngine) DeleteFile(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, name)
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, args []string, onProgress engine.ProgressFunc) error {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, args)
	execFn := f.execFn
	f.mu.Unlock()

	if execFn != nil {
		if err := execFn(call, args, onProgress); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[args[len(args)-1]] = []byte("rendered")
	return nil
}

func (f *fakeEngine) Close() error { return nil }

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeFetcher) FetchBinary(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("data:" + url), nil
}

func (f *fakeFetcher) FetchAll(ctx context.Context, urls []string) ([][]byte, error) {
	out := make([][]byte, len(urls))
	for i, url := range urls {
		data, err := f.FetchBinary(ctx, url)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

type fixedProber struct {
	dims media.Dimensions
	err  error
}

func (p fixedProber) ProbeDimensions(context.Context, string) (media.Dimensions, error) {
	return p.dims, p.err
}

func newTestComposer(t *testing.T, eng *fakeEngine, fetcher *fakeFetcher, prober media.Prober) *Composer {
	t.Helper()
	session := engine.NewSession(engine.SessionConfig{
		Factory: func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
			return eng, nil
		},
	})
	require.NoError(t, session.Load(context.Background(), engine.LoadOptions{}))
	return NewComposer(session, fetcher, prober, zap.NewNop(), nil)
}

func TestComposerRequiresLoadedEngine(t *testing.T) {
	eng := newFakeEngine()
	fetcher := &fakeFetcher{}
	session := engine.NewSession(engine.SessionConfig{
		Factory: func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
			return eng, nil
		},
	})
	c := NewComposer(session, fetcher, nil, zap.NewNop(), nil)
	ctx := context.Background()

	ops := map[string]func() error{
		"compose video": func() error {
			_, err := c.ComposeVideo(ctx, exampleClips(), VideoOptions{})
			return err
		},
		"mix audio": func() error {
			_, err := c.MixAudio(ctx, exampleClips(), AudioOptions{})
			return err
		},
		"mux": func() error {
			_, err := c.MuxVideoAudio(ctx, []byte("v"), []byte("a"), "")
			return err
		},
		"remux": func() error {
			_, err := c.RemuxFromURL(ctx, "a.mp4", "")
			return err
		},
		"transcode audio": func() error {
			_, err := c.TranscodeAudio(ctx, []byte("a"), "wav", "")
			return err
		},
		"transcode audio url": func() error {
			_, err := c.TranscodeAudioFromURL(ctx, "a.mp3", "")
			return err
		},
		"transcode clip": func() error {
			_, err := c.TranscodeClip(ctx, exampleClips()[1], "")
			return err
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), engine.ErrNotLoaded)
		})
	}
	assert.Empty(t, fetcher.calls)
	assert.Empty(t, eng.written)
	assert.Empty(t, eng.calls)
}

func TestComposeVideo(t *testing.T) {
	eng := newFakeEngine()
	fetcher := &fakeFetcher{}
	c := newTestComposer(t, eng, fetcher, fixedProber{dims: media.Dimensions{Width: 640, Height: 360}})

	var fractions []float64
	eng.execFn = func(_ int, _ []string, onProgress engine.ProgressFunc) error {
		onProgress(4 * time.Second)
		onProgress(10 * time.Second)
		return nil
	}

	out, err := c.ComposeVideo(context.Background(), exampleClips(), VideoOptions{
		OnProgress: func(f float64) { fractions = append(fractions, f) },
	})
	require.NoError(t, err)
	assert.Equal(t, "rendered", string(out))

	assert.Equal(t, []string{"a.mp4", "b.mp4"}, fetcher.calls)
	assert.Equal(t, []string{"clip_0.mp4", "clip_1.mp4"}, eng.written)
	require.Len(t, eng.calls, 1)
	assert.Contains(t, eng.calls[0], "color=c=black:s=640x360:r=30:d=8.000")
	assert.Equal(t, []float64{0.5, 1}, fractions)

	// staged inputs and the output are cleaned up
	assert.Empty(t, eng.files)
}

func TestComposeVideoFallsBackToDefaultSize(t *testing.T) {
	eng := newFakeEngine()
	c := newTestComposer(t, eng, &fakeFetcher{}, fixedProber{err: errors.New("metadata unavailable")})

	_, err := c.ComposeVideo(context.Background(), exampleClips(), VideoOptions{})
	require.NoError(t, err)
	assert.Contains(t, eng.calls[0], "color=c=black:s=1280x720:r=30:d=8.000")
}

func TestComposeVideoFetchFailureAborts(t *testing.T) {
	eng := newFakeEngine()
	fetcher := &fakeFetcher{err: &media.FetchError{URL: "a.mp4", StatusCode: 404, Status: "Not Found"}}
	c := newTestComposer(t, eng, fetcher, nil)

	_, err := c.ComposeVideo(context.Background(), exampleClips(), VideoOptions{Width: 320, Height: 240})
	var fetchErr *media.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, 404, fetchErr.StatusCode)
	assert.Empty(t, eng.calls)
	assert.Empty(t, eng.written)
}

func TestComposeVideoEngineFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.execFn = func(int, []string, engine.ProgressFunc) error {
		return &engine.ExecError{ExitCode: 1, Stderr: "Invalid argument"}
	}
	c := newTestComposer(t, eng, &fakeFetcher{}, nil)

	_, err := c.ComposeVideo(context.Background(), exampleClips(), VideoOptions{Width: 320, Height: 240})
	var execErr *engine.ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Len(t, eng.calls, 1)
	assert.Empty(t, eng.files)
}

func TestComposeVideoInputErrorsSkipFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := newTestComposer(t, newFakeEngine(), fetcher, nil)

	_, err := c.ComposeVideo(context.Background(), nil, VideoOptions{})
	assert.ErrorIs(t, err, ErrNoClips)

	_, err = c.ComposeVideo(context.Background(), exampleClips(), VideoOptions{Width: 320, Height: 240, RangeStart: float(20), RangeEnd: float(30)})
	assert.ErrorIs(t, err, ErrNoSegments)
	assert.Empty(t, fetcher.calls)
}

func TestMixAudio(t *testing.T) {
	eng := newFakeEngine()
	fetcher := &fakeFetcher{}
	c := newTestComposer(t, eng, fetcher, nil)

	out, err := c.MixAudio(context.Background(), []*Clip{
		{Src: "voice.wav", Start: 0, End: 3},
		{Src: "music.mp3", Start: 1, End: 3, Volume: float(0.2)},
	}, AudioOptions{Normalize: true})
	require.NoError(t, err)
	assert.Equal(t, "rendered", string(out))
	assert.Equal(t, []string{"audio_0.wav", "audio_1.mp3"}, eng.written)
	assert.Equal(t, "timeline_audio.mp3", eng.calls[0][len(eng.calls[0])-1])

	_, err = c.MixAudio(context.Background(), nil, AudioOptions{})
	assert.ErrorIs(t, err, ErrNoClips)
	assert.Len(t, eng.calls, 1)
}

func TestMuxVideoAudio(t *testing.T) {
	eng := newFakeEngine()
	c := newTestComposer(t, eng, &fakeFetcher{}, nil)

	out, err := c.MuxVideoAudio(context.Background(), []byte("video"), []byte("audio"), "")
	require.NoError(t, err)
	assert.Equal(t, "rendered", string(out))
	assert.Equal(t, []string{
		"-i", "mux_video.mp4",
		"-i", "mux_audio.mp3",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"muxed.mp4",
	}, eng.calls[0])
	assert.Empty(t, eng.files)
}

func TestRemuxFromURL(t *testing.T) {
	t.Run("stream copy succeeds", func(t *testing.T) {
		eng := newFakeEngine()
		c := newTestComposer(t, eng, &fakeFetcher{}, nil)

		_, err := c.RemuxFromURL(context.Background(), "https://cdn/in.mkv", "")
		require.NoError(t, err)
		require.Len(t, eng.calls, 1)
		assert.Equal(t, []string{"-i", "remux_input.mkv", "-c", "copy", "remuxed.mp4"}, eng.calls[0])
	})

	t.Run("falls back once to audio re-encode", func(t *testing.T) {
		eng := newFakeEngine()
		eng.execFn = func(call int, _ []string, _ engine.ProgressFunc) error {
			if call == 0 {
				return &engine.ExecError{ExitCode: 1, Stderr: "codec not currently supported in container"}
			}
			return nil
		}
		c := newTestComposer(t, eng, &fakeFetcher{}, nil)

		out, err := c.RemuxFromURL(context.Background(), "https://cdn/in.mkv", "out.mp4")
		require.NoError(t, err)
		assert.Equal(t, "rendered", string(out))
		require.Len(t, eng.calls, 2)
		assert.Equal(t, []string{"-i", "remux_input.mkv", "-c:v", "copy", "-c:a", "aac", "out.mp4"}, eng.calls[1])
	})

	t.Run("fallback failure is returned", func(t *testing.T) {
		eng := newFakeEngine()
		eng.execFn = func(int, []string, engine.ProgressFunc) error {
			return &engine.ExecError{ExitCode: 1}
		}
		c := newTestComposer(t, eng, &fakeFetcher{}, nil)

		_, err := c.RemuxFromURL(context.Background(), "https://cdn/in.mkv", "")
		var execErr *engine.ExecError
		assert.True(t, errors.As(err, &execErr))
		assert.Len(t, eng.calls, 2)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		eng := newFakeEngine()
		eng.execFn = func(int, []string, engine.ProgressFunc) error {
			return errors.New("workspace unavailable")
		}
		c := newTestComposer(t, eng, &fakeFetcher{}, nil)

		_, err := c.RemuxFromURL(context.Background(), "https://cdn/in.mkv", "")
		require.Error(t, err)
		assert.Len(t, eng.calls, 1)
	})
}

func TestTranscodeAudio(t *testing.T) {
	eng := newFakeEngine()
	fetcher := &fakeFetcher{}
	c := newTestComposer(t, eng, fetcher, nil)

	_, err := c.TranscodeAudio(context.Background(), []byte("pcm"), "wav", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"-i", "transcode_input.wav", "-vn", "-b:a", "192k", "transcoded_audio.mp3"}, eng.calls[0])

	_, err = c.TranscodeAudioFromURL(context.Background(), "https://cdn/song.flac?dl=1", "song.mp3")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/song.flac?dl=1"}, fetcher.calls)
	assert.Equal(t, []string{"-i", "transcode_input.flac", "-vn", "-b:a", "192k", "song.mp3"}, eng.calls[1])
}

func TestTranscodeClip(t *testing.T) {
	eng := newFakeEngine()
	c := newTestComposer(t, eng, &fakeFetcher{}, nil)

	_, err := c.TranscodeClip(context.Background(), &Clip{Src: "a.mov", Brightness: float(1.2)}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-i", "transcode_clip.mov",
		"-vf", "eq=brightness=0.20:contrast=1.00:saturation=1.00",
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"transcoded_video.mp4",
	}, eng.calls[0])

	_, err = c.TranscodeClip(context.Background(), &Clip{Src: "a.mp4"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"-i", "transcode_clip.mp4", "-c", "copy", "transcoded_video.mp4"}, eng.calls[1])

	_, err = c.TranscodeClip(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrNoClips)
}

func TestComposerCancellation(t *testing.T) {
	eng := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())
	eng.execFn = func(int, []string, engine.ProgressFunc) error {
		cancel()
		return &engine.ExecError{ExitCode: -1, Cause: context.Canceled}
	}
	c := newTestComposer(t, eng, &fakeFetcher{}, nil)

	_, err := c.RemuxFromURL(ctx, "in.mp4", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, eng.calls, 1)
	assert.Empty(t, eng.files)
}
