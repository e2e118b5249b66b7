package timeline

import (
	"context"
	"errors"

	"github.com/nextconvert/compositor/internal/modules/engine"
	"github.com/nextconvert/compositor/internal/modules/media"
	"go.uber.org/zap"
)

func orDefault(name, def string) string {
	if name == "" {
		return def
	}
	return name
}

// stage writes payloads into the workspace and returns a cleanup func for them and output
func (c *Composer) stage(eng engine.Engine, files map[string][]byte, output string) (func(), error) {
	names := make([]string, 0, len(files)+1)
	cleanup := func() { c.cleanup(eng, names) }
	for name, data := range files {
		if err := eng.WriteFile(name, data); err != nil {
			cleanup()
			return nil, err
		}
		names = append(names, name)
	}
	names = append(names, output)
	return cleanup, nil
}

// MuxVideoAudio combines a video and an audio payload, copying video and encoding audio to AAC
func (c *Composer) MuxVideoAudio(ctx context.Context, video, audio []byte, outputName string) ([]byte, error) {
	eng, err := c.session.Engine()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	output := orDefault(outputName, MuxedOutputName)
	cleanup, err := c.stage(eng, map[string][]byte{"mux_video.mp4": video, "mux_audio.mp3": audio}, output)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{
		"-i", "mux_video.mp4",
		"-i", "mux_audio.mp3",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		output,
	}
	return c.exec(ctx, eng, "mux", args, output, nil)
}

// RemuxFromURL rewraps a remote file. A full stream copy is tried first; if
// the engine rejects it the audio is re-encoded to AAC. There is no further fallback.
func (c *Composer) RemuxFromURL(ctx context.Context, url, outputName string) ([]byte, error) {
	eng, err := c.session.Engine()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.fetcher.FetchBinary(ctx, url)
	if err != nil {
		return nil, err
	}

	input := "remux_input." + media.GuessExtension(url, "mp4")
	output := orDefault(outputName, RemuxedOutputName)
	cleanup, err := c.stage(eng, map[string][]byte{input: data}, output)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out, err := c.exec(ctx, eng, "remux", []string{"-i", input, "-c", "copy", output}, output, nil)
	var execErr *engine.ExecError
	if err == nil || !errors.As(err, &execErr) || ctx.Err() != nil {
		return out, err
	}

	c.logger.Warn("Stream copy remux failed, re-encoding audio",
		zap.String("url", url),
		zap.Int("exit_code", execErr.ExitCode),
	)
	if err := eng.DeleteFile(output); err != nil {
		return nil, err
	}
	return c.exec(ctx, eng, "remux_fallback", []string{"-i", input, "-c:v", "copy", "-c:a", "aac", output}, output, nil)
}

// TranscodeAudio re-encodes an audio payload at a fixed bitrate
func (c *Composer) TranscodeAudio(ctx context.Context, data []byte, inputExt, outputName string) ([]byte, error) {
	eng, err := c.session.Engine()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transcodeAudio(ctx, eng, data, orDefault(inputExt, "mp3"), outputName)
}

// TranscodeAudioFromURL fetches a remote file and re-encodes its audio at a fixed bitrate
func (c *Composer) TranscodeAudioFromURL(ctx context.Context, url, outputName string) ([]byte, error) {
	eng, err := c.session.Engine()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.fetcher.FetchBinary(ctx, url)
	if err != nil {
		return nil, err
	}
	return c.transcodeAudio(ctx, eng, data, media.GuessExtension(url, "mp3"), outputName)
}

func (c *Composer) transcodeAudio(ctx context.Context, eng engine.Engine, data []byte, ext, outputName string) ([]byte, error) {
	input := "transcode_input." + ext
	output := orDefault(outputName, TranscodedAudioName)
	cleanup, err := c.stage(eng, map[string][]byte{input: data}, output)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"-i", input, "-vn", "-b:a", TranscodeAudioBitrate, output}
	return c.exec(ctx, eng, "transcode_audio", args, output, nil)
}

// TranscodeClip applies a clip's visual adjustments to its source. With no
// adjustments the streams are copied unchanged.
func (c *Composer) TranscodeClip(ctx context.Context, clip *Clip, outputName string) ([]byte, error) {
	eng, err := c.session.Engine()
	if err != nil {
		return nil, err
	}
	if clip == nil || clip.Src == "" {
		return nil, ErrNoClips
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.fetcher.FetchBinary(ctx, clip.Src)
	if err != nil {
		return nil, err
	}

	input := "transcode_clip." + media.GuessExtension(clip.Src, "mp4")
	output := orDefault(outputName, TranscodedVideoName)
	cleanup, err := c.stage(eng, map[string][]byte{input: data}, output)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"-i", input}
	if expr := EffectExpression(clip); expr != "" {
		args = append(args, "-vf", expr)
		args = append(args, videoEncodeArgs...)
		args = append(args, "-c:a", "aac")
	} else {
		args = append(args, "-c", "copy")
	}
	args = append(args, output)

	return c.exec(ctx, eng, "transcode_video", args, output, nil)
}
