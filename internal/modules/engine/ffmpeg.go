package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	stderrTailLines = 20
	maxStderrLine   = 1 << 20
)

// ExecError is returned when an engine run exits unsuccessfully
type ExecError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("ffmpeg execution failed (exit=%d, stderr=%q): %v", e.ExitCode, truncate(e.Stderr, 300), e.Cause)
}

func (e *ExecError) Unwrap() error {
	return e.Cause
}

// FFmpegEngine runs the ffmpeg binary inside a private workspace directory
type FFmpegEngine struct {
	ffmpegPath string
	workspace  string
	globalArgs []string
}

// NewFFmpegEngine resolves the binary, creates the workspace and runs the
// version handshake. It satisfies Factory.
func NewFFmpegEngine(ctx context.Context, opts Options) (Engine, error) {
	ffmpegPath, err := resolveBinary(opts.CorePath, "ffmpeg")
	if err != nil {
		return nil, err
	}

	workspace, err := os.MkdirTemp(opts.WorkspaceDir, "engine-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create engine workspace: %w", err)
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "error"
	}
	global := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", logLevel, "-stats"}
	if !opts.UseWorker {
		global = append(global, "-filter_threads", "1", "-filter_complex_threads", "1")
	}

	e := &FFmpegEngine{
		ffmpegPath: ffmpegPath,
		workspace:  workspace,
		globalArgs: global,
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-version")
	out, err := cmd.Output()
	if err != nil {
		os.RemoveAll(workspace)
		return nil, fmt.Errorf("ffmpeg handshake failed: %w", err)
	}
	if !bytes.HasPrefix(out, []byte("ffmpeg version")) {
		os.RemoveAll(workspace)
		return nil, fmt.Errorf("ffmpeg handshake failed: unexpected version banner %q", truncate(string(out), 80))
	}

	return e, nil
}

// ResolveProbe locates the ffprobe binary next to ffmpeg
func ResolveProbe(corePath string) (string, error) {
	return resolveBinary(corePath, "ffprobe")
}

func resolveBinary(corePath, name string) (string, error) {
	if corePath != "" {
		candidate := filepath.Join(corePath, name)
		info, err := os.Stat(candidate)
		if err != nil {
			return "", fmt.Errorf("%s not found in core path %s: %w", name, corePath, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s in core path %s is a directory", name, corePath)
		}
		return candidate, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}

// Workspace returns the directory backing the engine's file namespace
func (e *FFmpegEngine) Workspace() string {
	return e.workspace
}

func (e *FFmpegEngine) path(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(e.workspace, name), nil
}

// WriteFile stores data under name in the workspace
func (e *FFmpegEngine) WriteFile(name string, data []byte) error {
	p, err := e.path(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// ReadFile returns the content stored under name
func (e *FFmpegEngine) ReadFile(name string) ([]byte, error) {
	p, err := e.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// DeleteFile removes name from the workspace. Missing files are not an error.
func (e *FFmpegEngine) DeleteFile(name string) error {
	p, err := e.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// Exec runs ffmpeg with args inside the workspace
func (e *FFmpegEngine) Exec(ctx context.Context, args []string, onProgress ProgressFunc) error {
	full := make([]string, 0, len(e.globalArgs)+len(args))
	full = append(full, e.globalArgs...)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, e.ffmpegPath, full...)
	cmd.Dir = e.workspace

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	tail := scanStderr(stderr, onProgress)

	if err := cmd.Wait(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &ExecError{Args: args, ExitCode: exitCode, Stderr: tail, Cause: err}
	}
	return nil
}

// Close removes the workspace
func (e *FFmpegEngine) Close() error {
	return os.RemoveAll(e.workspace)
}

var progressRegex = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)

// scanStderr reports progress lines and returns the last lines of output
func scanStderr(r io.Reader, onProgress ProgressFunc) string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxStderrLine)
	scanner.Split(scanProgressLines)

	var tail []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if processed, ok := parseProgressTime(line); ok {
			if onProgress != nil {
				onProgress(processed)
			}
			continue
		}
		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
	}
	// A line over maxStderrLine stops the scanner; ffmpeg blocks unless the pipe keeps draining.
	if err := scanner.Err(); err != nil {
		tail = append(tail, "stderr truncated: "+err.Error())
	}
	io.Copy(io.Discard, r)
	return strings.Join(tail, "\n")
}

func parseProgressTime(line string) (time.Duration, bool) {
	m := progressRegex.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	frac, _ := strconv.ParseFloat("0."+m[4], 64)
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(frac*float64(time.Second))
	return d, true
}

// scanProgressLines splits on \n and on the bare \r ffmpeg uses for stats
func scanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid engine file name %q", name)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
