package ffmpeg_test

import (
	"context"
	"errors"
	"testing"

	"folio/internal/services/ffmpeg"
)

// fakeExecutor records invocations and replays scripted output lines.
type fakeExecutor struct {
	calls [][]string
	// script maps the binary name to output lines and an error.
	lines map[string][]string
	errs  map[string]error
}

func (f *fakeExecutor) Run(ctx context.Context, name string, args []string, onLine func(string)) error {
	f.calls = append(f.calls, append([]string{name}, args...))
	for _, line := range f.lines[name] {
		onLine(line)
	}
	return f.errs[name]
}

func hasArgPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

const probeJSON = `{
	"chapters": [
		{"start_time": "0.000000", "end_time": "5.000000", "tags": {"title": "Opening"}},
		{"start_time": "5.000000", "end_time": "12.500000", "tags": {"title": "Middle"}}
	],
	"format": {"duration": "12.500000"}
}`

func TestDecryptPassesActivationSecret(t *testing.T) {
	exec := &fakeExecutor{lines: map[string][]string{
		"/bin/ffprobe": {probeJSON},
		"/bin/ffmpeg": {
			"size=  1024KiB time=00:00:05.00 bitrate= 128.0kbits/s",
			"size=  2048KiB time=00:00:12.50 bitrate= 128.0kbits/s",
		},
	}}
	client := ffmpeg.NewClient("/bin/ffmpeg", "/bin/ffprobe", ffmpeg.WithExecutor(exec))

	var fractions []float64
	err := client.Decrypt(context.Background(), "in.aax", "out.m4a", "deadbeef", func(f float64) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	ffmpegCall := exec.calls[len(exec.calls)-1]
	if ffmpegCall[0] != "/bin/ffmpeg" {
		t.Fatalf("wrong binary: %v", ffmpegCall)
	}
	if !hasArgPair(ffmpegCall[1:], "-activation_bytes", "deadbeef") {
		t.Fatalf("activation secret not passed: %v", ffmpegCall)
	}
	if !hasArgPair(ffmpegCall[1:], "-c", "copy") {
		t.Fatalf("stream copy not requested: %v", ffmpegCall)
	}
	if len(fractions) != 2 || fractions[0] != 0.4 || fractions[1] != 1 {
		t.Fatalf("fractions = %v", fractions)
	}
}

func TestTrimWindowArgs(t *testing.T) {
	exec := &fakeExecutor{lines: map[string][]string{}}
	client := ffmpeg.NewClient("ffmpeg", "ffprobe", ffmpeg.WithExecutor(exec))

	if err := client.Trim(context.Background(), "in.m4a", "out.m4a", 61_500, 3_600_000, nil); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	args := exec.calls[0][1:]
	if !hasArgPair(args, "-ss", "00:01:01.500") {
		t.Fatalf("start window wrong: %v", args)
	}
	if !hasArgPair(args, "-to", "01:00:00.000") {
		t.Fatalf("end window wrong: %v", args)
	}
	for _, pair := range [][2]string{
		{"-map", "0:a"},
		{"-map", "0:v?"},
		{"-map", "-0:d?"},
		{"-map_chapters", "0"},
		{"-map_metadata", "0"},
	} {
		if !hasArgPair(args, pair[0], pair[1]) {
			t.Fatalf("missing %v in %v", pair, args)
		}
	}
}

func TestTrimOpenEndedOmitsTo(t *testing.T) {
	exec := &fakeExecutor{lines: map[string][]string{}}
	client := ffmpeg.NewClient("ffmpeg", "ffprobe", ffmpeg.WithExecutor(exec))

	if err := client.Trim(context.Background(), "in.m4a", "out.m4a", 5000, 0, nil); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	for _, arg := range exec.calls[0] {
		if arg == "-to" {
			t.Fatalf("open-ended trim passed -to: %v", exec.calls[0])
		}
	}
}

func TestConcatArgs(t *testing.T) {
	exec := &fakeExecutor{lines: map[string][]string{}}
	client := ffmpeg.NewClient("ffmpeg", "ffprobe", ffmpeg.WithExecutor(exec))

	if err := client.Concat(context.Background(), "list.txt", "meta.txt", "book.m4b", 0, nil); err != nil {
		t.Fatalf("Concat: %v", err)
	}
	args := exec.calls[0][1:]
	for _, pair := range [][2]string{
		{"-f", "concat"},
		{"-safe", "0"},
		{"-map", "0:a"},
		{"-map", "0:v?"},
		{"-map_metadata", "1"},
		{"-map_chapters", "-1"},
		{"-movflags", "+faststart"},
	} {
		if !hasArgPair(args, pair[0], pair[1]) {
			t.Fatalf("missing %v in %v", pair, args)
		}
	}
	if args[len(args)-1] != "book.m4b" {
		t.Fatalf("output not last: %v", args)
	}
}

func TestChaptersParsesProbeOutput(t *testing.T) {
	exec := &fakeExecutor{lines: map[string][]string{"ffprobe": {probeJSON}}}
	client := ffmpeg.NewClient("ffmpeg", "ffprobe", ffmpeg.WithExecutor(exec))

	chapters, err := client.Chapters(context.Background(), "book.m4a")
	if err != nil {
		t.Fatalf("Chapters: %v", err)
	}
	if len(chapters) != 2 {
		t.Fatalf("chapters = %+v", chapters)
	}
	if chapters[0].Title != "Opening" || chapters[0].StartMs != 0 || chapters[0].LengthMs != 5000 {
		t.Fatalf("chapter 0 = %+v", chapters[0])
	}
	if chapters[1].StartMs != 5000 || chapters[1].LengthMs != 7500 {
		t.Fatalf("chapter 1 = %+v", chapters[1])
	}

	ms, err := client.DurationMs(context.Background(), "book.m4a")
	if err != nil {
		t.Fatalf("DurationMs: %v", err)
	}
	if ms != 12500 {
		t.Fatalf("duration = %d", ms)
	}
}

func TestRunSurfacesExitError(t *testing.T) {
	wantErr := &ffmpeg.ExitError{Tool: "ffmpeg", Code: 1, Output: "conversion failed"}
	exec := &fakeExecutor{
		lines: map[string][]string{},
		errs:  map[string]error{"ffmpeg": wantErr},
	}
	client := ffmpeg.NewClient("ffmpeg", "ffprobe", ffmpeg.WithExecutor(exec))

	err := client.Concat(context.Background(), "list.txt", "meta.txt", "book.m4b", 0, nil)
	var exitErr *ffmpeg.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 1 {
		t.Fatalf("code = %d", exitErr.Code)
	}
}
