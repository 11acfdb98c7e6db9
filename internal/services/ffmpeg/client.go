package ffmpeg

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"folio/internal/codec"
	"folio/internal/logging"
	"folio/internal/services"
)

// Executor runs an external binary and feeds its output to onLine one line
// at a time. Stdout and stderr are merged; the tools used here interleave
// progress and payload on both.
type Executor interface {
	Run(ctx context.Context, name string, args []string, onLine func(line string)) error
}

// ExitError reports a tool that ran but exited non-zero. The tail of its
// output is retained for diagnostics.
type ExitError struct {
	Tool   string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.Code)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return services.Wrap(services.ErrExternalTool, "ffmpeg", "start", name, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	// ffmpeg rewrites its status line with carriage returns.
	scanner.Split(scanCRLFLines)
	var tail []string
	for scanner.Scan() {
		line := scanner.Text()
		tail = append(tail, line)
		if len(tail) > 40 {
			tail = tail[1:]
		}
		if onLine != nil {
			onLine(line)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Tool: name, Code: exitErr.ExitCode(), Output: strings.Join(tail, "\n")}
		}
		return services.Wrap(services.ErrExternalTool, "ffmpeg", "wait", name, err)
	}
	return nil
}

// scanCRLFLines splits on both newline and carriage return so ffmpeg's
// in-place progress updates surface as individual lines.
func scanCRLFLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// timePattern matches the elapsed position in ffmpeg's status line.
var timePattern = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}\.\d{2})`)

// parseTimeMs extracts the elapsed milliseconds from one status line, or -1
// when the line carries no position.
func parseTimeMs(line string) int64 {
	m := timePattern.FindStringSubmatch(line)
	if m == nil {
		return -1
	}
	hours, _ := strconv.ParseInt(m[1], 10, 64)
	minutes, _ := strconv.ParseInt(m[2], 10, 64)
	seconds, _ := strconv.ParseFloat(m[3], 64)
	return hours*3600_000 + minutes*60_000 + int64(seconds*1000)
}

// Client drives ffmpeg and ffprobe. It satisfies codec.Decryptor and
// codec.ChapterReader.
type Client struct {
	ffmpegPath  string
	ffprobePath string
	exec        Executor
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithExecutor overrides process execution (used in tests).
func WithExecutor(executor Executor) ClientOption {
	return func(c *Client) {
		if executor != nil {
			c.exec = executor
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "ffmpeg")
		}
	}
}

// NewClient wraps the given ffmpeg and ffprobe binaries.
func NewClient(ffmpegPath, ffprobePath string, opts ...ClientOption) *Client {
	c := &Client{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		exec:        execRunner{},
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes ffmpeg, translating status lines into progress fractions
// against the given total duration.
func (c *Client) run(ctx context.Context, args []string, totalMs int64, onProgress func(float64)) error {
	c.logger.Debug("ffmpeg", "args", strings.Join(args, " "))
	return c.exec.Run(ctx, c.ffmpegPath, args, func(line string) {
		if onProgress == nil || totalMs <= 0 {
			return
		}
		if elapsed := parseTimeMs(line); elapsed >= 0 {
			frac := float64(elapsed) / float64(totalMs)
			if frac > 1 {
				frac = 1
			}
			onProgress(frac)
		}
	})
}

// Decrypt converts a protected segment into a plain m4a using the device
// activation secret. Stream copy only; the audio is never re-encoded.
func (c *Client) Decrypt(ctx context.Context, src, dst, activationSecret string, onProgress func(float64)) error {
	totalMs, err := c.DurationMs(ctx, src)
	if err != nil {
		totalMs = 0
	}
	args := []string{
		"-y", "-loglevel", "info", "-stats",
		"-activation_bytes", activationSecret,
		"-i", src,
		"-c", "copy",
		dst,
	}
	return c.run(ctx, args, totalMs, onProgress)
}

// Trim stream-copies the [startMs, endMs) window of src into dst. A zero
// endMs means copy to the end of the file.
func (c *Client) Trim(ctx context.Context, src, dst string, startMs, endMs int64, onProgress func(float64)) error {
	args := []string{"-y", "-loglevel", "info", "-stats"}
	args = append(args, "-ss", formatMs(startMs))
	if endMs > 0 {
		args = append(args, "-to", formatMs(endMs))
	}
	// Explicit maps: audio, the optional cover stream, never data streams.
	// Default ffmpeg selection keeps one "best" stream per type instead.
	args = append(args, "-i", src,
		"-map", "0:a",
		"-map", "0:v?",
		"-map", "-0:d?",
		"-map_chapters", "0",
		"-map_metadata", "0",
		"-c", "copy",
		dst)

	totalMs := endMs - startMs
	if endMs == 0 {
		totalMs = 0
	}
	return c.run(ctx, args, totalMs, onProgress)
}

// Concat joins the files listed in listFile into one m4b, taking tags and
// chapters from metadataFile rather than from the first input.
func (c *Client) Concat(ctx context.Context, listFile, metadataFile, dst string, totalMs int64, onProgress func(float64)) error {
	args := []string{
		"-y", "-loglevel", "info", "-stats",
		"-f", "concat", "-safe", "0",
		"-i", listFile,
		"-i", metadataFile,
		"-map", "0:a",
		"-map", "0:v?",
		"-map_metadata", "1",
		"-map_chapters", "-1",
		"-map_chapters", "1",
		"-c", "copy",
		"-f", "mp4",
		"-movflags", "+faststart",
		dst,
	}
	return c.run(ctx, args, totalMs, onProgress)
}

// formatMs renders a millisecond offset as HH:MM:SS.mmm for -ss/-to.
func formatMs(ms int64) string {
	h := ms / 3600_000
	m := (ms % 3600_000) / 60_000
	s := (ms % 60_000) / 1000
	frac := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, frac)
}

type probeOutput struct {
	Chapters []struct {
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
		Tags      struct {
			Title string `json:"title"`
		} `json:"tags"`
	} `json:"chapters"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// probe runs ffprobe and decodes its JSON output.
func (c *Client) probe(ctx context.Context, path string) (*probeOutput, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_chapters",
		"-show_format",
		path,
	}
	var mu sync.Mutex
	var out strings.Builder
	err := c.exec.Run(ctx, c.ffprobePath, args, func(line string) {
		mu.Lock()
		out.WriteString(line)
		out.WriteString("\n")
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	var parsed probeOutput
	if err := json.Unmarshal([]byte(out.String()), &parsed); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "ffmpeg", "probe", "malformed ffprobe output", err)
	}
	return &parsed, nil
}

// Chapters reads the chapter marks embedded in path.
func (c *Client) Chapters(ctx context.Context, path string) ([]codec.Chapter, error) {
	parsed, err := c.probe(ctx, path)
	if err != nil {
		return nil, err
	}
	chapters := make([]codec.Chapter, 0, len(parsed.Chapters))
	for _, ch := range parsed.Chapters {
		start := secondsToMs(ch.StartTime)
		end := secondsToMs(ch.EndTime)
		chapters = append(chapters, codec.Chapter{
			Title:    ch.Tags.Title,
			StartMs:  start,
			LengthMs: end - start,
		})
	}
	return chapters, nil
}

// DurationMs reads the container duration of path.
func (c *Client) DurationMs(ctx context.Context, path string) (int64, error) {
	parsed, err := c.probe(ctx, path)
	if err != nil {
		return 0, err
	}
	ms := secondsToMs(parsed.Format.Duration)
	if ms <= 0 {
		return 0, services.Wrap(services.ErrExternalTool, "ffmpeg", "probe", "no duration reported for "+path, nil)
	}
	return ms, nil
}

func secondsToMs(value string) int64 {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return int64(seconds * 1000)
}
