package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"folio/internal/codec"
	"folio/internal/logging"
	"folio/internal/progress"
	"folio/internal/services/ffmpeg"
)

// tempDirName holds trimmed segments and the concat manifests. It is
// removed on success only; a failed run leaves it for inspection.
const tempDirName = "_temp_merge"

// Engine is the subprocess surface the orchestrator drives.
type Engine interface {
	Trim(ctx context.Context, src, dst string, startMs, endMs int64, onProgress func(float64)) error
	Concat(ctx context.Context, listFile, metadataFile, dst string, totalMs int64, onProgress func(float64)) error
}

// ToolFailedError reports a trim or concat subprocess that exited non-zero.
type ToolFailedError struct {
	Stage string
	Code  int
	Err   error
}

func (e *ToolFailedError) Error() string {
	return fmt.Sprintf("%s failed with exit code %d", e.Stage, e.Code)
}

func (e *ToolFailedError) Unwrap() error { return e.Err }

// PreconditionError reports a segment whose chapter table is too small for
// its boundary trim rule.
type PreconditionError struct {
	File     string
	Chapters int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("segment %s has %d chapters, need at least 2 to trim", filepath.Base(e.File), e.Chapters)
}

// Orchestrator turns independently decrypted segments into one
// chapter-accurate audiobook: trim the duplicated boundary chapters,
// concatenate with stream copy, and rewrite the chapter table onto a
// continuous timeline.
type Orchestrator struct {
	engine   Engine
	chapters codec.ChapterReader
	registry *progress.Registry
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "merge")
		}
	}
}

// New constructs an Orchestrator. The registry may be nil.
func New(engine Engine, chapters codec.ChapterReader, registry *progress.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   engine,
		chapters: chapters,
		registry: registry,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result describes a finished merge.
type Result struct {
	OutputPath string
	Chapters   []codec.Chapter
}

var partPattern = regexp.MustCompile(`Part (\d+)`)

// DiscoverParts finds the decrypted segment files for one book in dir,
// ordered by the numeric part token in the filename. A directory holding a
// single file without a part token is a one-segment book.
func DiscoverParts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read segment dir: %w", err)
	}

	type part struct {
		path string
		num  int
	}
	var parts []part
	var plain []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".m4a") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		m := partPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			plain = append(plain, path)
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		parts = append(parts, part{path: path, num: num})
	}

	if len(parts) == 0 {
		if len(plain) == 1 {
			return plain, nil
		}
		return nil, fmt.Errorf("no segment files found in %s", dir)
	}
	// Numeric order: "Part 10" sorts after "Part 9".
	sort.Slice(parts, func(a, b int) bool { return parts[a].num < parts[b].num })
	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = p.path
	}
	return paths, nil
}

// trimWindow computes the keep-window for a segment by position. The first
// and last chapters of every non-terminal segment duplicate material from
// the adjacent segment.
func trimWindow(chapters []codec.Chapter, index, total int) (startMs, endMs int64) {
	first := index == 0
	last := index == total-1
	switch {
	case first && last:
		return 0, 0
	case first:
		return 0, chapters[len(chapters)-2].EndMs()
	case last:
		return chapters[1].StartMs, 0
	default:
		return chapters[1].StartMs, chapters[len(chapters)-2].EndMs()
	}
}

// Merge runs the full trim/concat/retime pipeline for the segments of one
// book. key identifies the book in the progress registry; outputPath is the
// final m4b. Trims run concurrently, one subprocess per segment; the concat
// starts only after every trim succeeds.
func (o *Orchestrator) Merge(ctx context.Context, key string, inputs []string, meta codec.Metadata, outputPath string) (*Result, error) {
	if len(inputs) == 0 {
		return nil, errors.New("no segments to merge")
	}

	result, err := o.merge(ctx, key, inputs, meta, outputPath)
	if err != nil {
		phase := progress.PhaseFailed
		if ctx.Err() != nil {
			phase = progress.PhaseCanceled
		}
		o.update(key, progress.Delta{Phase: phase, Message: progress.Message(err.Error())})
		return nil, err
	}
	o.update(key, progress.Delta{Phase: progress.PhaseCompleted, Fraction: progress.Fraction(1)})
	return result, nil
}

func (o *Orchestrator) merge(ctx context.Context, key string, inputs []string, meta codec.Metadata, outputPath string) (*Result, error) {
	total := len(inputs)
	// The final concat counts as one more unit of work.
	units := float64(total + 1)

	tempDir := filepath.Join(filepath.Dir(outputPath), tempDirName)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	sole := total == 1

	// Validate every chapter table and compute the keep-windows before any
	// subprocess starts, so a thin table never aborts trims already running.
	windows := make([][2]int64, total)
	if !sole {
		for i, input := range inputs {
			chapters, err := o.chapters.Chapters(ctx, input)
			if err != nil {
				return nil, err
			}
			if len(chapters) < 2 {
				return nil, &PreconditionError{File: input, Chapters: len(chapters)}
			}
			startMs, endMs := trimWindow(chapters, i, total)
			windows[i] = [2]int64{startMs, endMs}
		}
	}

	trimmed := make([]string, total)
	fractions := make([]float64, total)
	var fracMu sync.Mutex

	report := func() {
		fracMu.Lock()
		var sum float64
		for _, f := range fractions {
			sum += f
		}
		fracMu.Unlock()
		o.update(key, progress.Delta{
			Phase:    progress.PhaseTrimming,
			Fraction: progress.Fraction(sum / units),
		})
	}

	o.update(key, progress.Delta{Phase: progress.PhaseTrimming, Fraction: progress.Fraction(0)})

	group, groupCtx := errgroup.WithContext(ctx)
	for i, input := range inputs {
		group.Go(func() error {
			if sole {
				// A sole segment is used as-is.
				trimmed[i] = input
				fracMu.Lock()
				fractions[i] = 1
				fracMu.Unlock()
				report()
				return nil
			}

			startMs, endMs := windows[i][0], windows[i][1]
			dst := filepath.Join(tempDir, fmt.Sprintf("trim_%03d.m4a", i+1))
			onProgress := func(frac float64) {
				fracMu.Lock()
				fractions[i] = frac
				fracMu.Unlock()
				report()
			}
			if err := o.engine.Trim(groupCtx, input, dst, startMs, endMs, onProgress); err != nil {
				return trimError("trim", err)
			}
			trimmed[i] = dst
			fracMu.Lock()
			fractions[i] = 1
			fracMu.Unlock()
			report()
			o.logger.Debug("segment trimmed", "segment", i+1, "start_ms", startMs, "end_ms", endMs)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	// Rebuild the chapter table on a continuous timeline. Each segment's
	// duration for retiming is the end of its last post-trim chapter.
	segs := make([][]codec.Chapter, 0, total)
	durations := make([]int64, 0, total)
	var totalMs int64
	for _, path := range trimmed {
		chapters, err := o.chapters.Chapters(ctx, path)
		if err != nil {
			return nil, err
		}
		var end int64
		if len(chapters) > 0 {
			end = chapters[len(chapters)-1].EndMs()
		}
		segs = append(segs, chapters)
		durations = append(durations, end)
		totalMs += end
	}
	global := codec.Renumber(codec.Retime(segs, durations))
	meta.Chapters = global

	listFile := filepath.Join(tempDir, "concat.txt")
	if err := writeConcatList(listFile, trimmed); err != nil {
		return nil, err
	}
	metadataFile := filepath.Join(tempDir, "metadata.txt")
	if err := writeMetadata(metadataFile, meta); err != nil {
		return nil, err
	}

	base := float64(total) / units
	onProgress := func(frac float64) {
		o.update(key, progress.Delta{
			Phase:    progress.PhaseMerging,
			Fraction: progress.Fraction(base + frac/units),
		})
	}
	o.update(key, progress.Delta{Phase: progress.PhaseMerging, Fraction: progress.Fraction(base)})
	if err := o.engine.Concat(ctx, listFile, metadataFile, outputPath, totalMs, onProgress); err != nil {
		return nil, trimError("concat", err)
	}

	if err := os.RemoveAll(tempDir); err != nil {
		o.logger.Warn("temp dir not removed", "dir", tempDir, "error", err)
	}
	o.logger.Info("merge complete", "output", outputPath, "chapters", len(global))
	return &Result{OutputPath: outputPath, Chapters: global}, nil
}

// trimError maps a subprocess exit into a ToolFailedError, passing other
// failures through.
func trimError(stage string, err error) error {
	var exitErr *ffmpeg.ExitError
	if errors.As(err, &exitErr) {
		return &ToolFailedError{Stage: stage, Code: exitErr.Code, Err: err}
	}
	return err
}

// writeConcatList writes the ffmpeg concat demuxer manifest.
func writeConcatList(path string, files []string) error {
	var b strings.Builder
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return fmt.Errorf("resolve segment path: %w", err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func writeMetadata(path string, meta codec.Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	if err := codec.WriteFFMetadata(f, meta); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (o *Orchestrator) update(key string, delta progress.Delta) {
	if o.registry == nil {
		return
	}
	o.registry.Update(key, delta)
}
