package merge_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"folio/internal/codec"
	"folio/internal/merge"
	"folio/internal/progress"
	"folio/internal/services/ffmpeg"
)

// fakeChapters serves scripted chapter tables keyed by file path.
type fakeChapters struct {
	tables map[string][]codec.Chapter
}

func (f *fakeChapters) Chapters(ctx context.Context, path string) ([]codec.Chapter, error) {
	table, ok := f.tables[filepath.Base(path)]
	if !ok {
		return nil, errors.New("no chapter table for " + path)
	}
	return table, nil
}

type trimCall struct {
	src, dst       string
	startMs, endMs int64
}

// fakeEngine records trim/concat invocations and pretends they succeed.
type fakeEngine struct {
	mu       sync.Mutex
	trims    []trimCall
	concats  int
	listFile string
	metadata string
	totalMs  int64
	trimErr  error
}

func (f *fakeEngine) Trim(ctx context.Context, src, dst string, startMs, endMs int64, onProgress func(float64)) error {
	f.mu.Lock()
	f.trims = append(f.trims, trimCall{src: src, dst: dst, startMs: startMs, endMs: endMs})
	err := f.trimErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(1)
	}
	return os.WriteFile(dst, []byte("trimmed"), 0o644)
}

func (f *fakeEngine) Concat(ctx context.Context, listFile, metadataFile, dst string, totalMs int64, onProgress func(float64)) error {
	list, err := os.ReadFile(listFile)
	if err != nil {
		return err
	}
	meta, err := os.ReadFile(metadataFile)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.concats++
	f.listFile = string(list)
	f.metadata = string(meta)
	f.totalMs = totalMs
	f.mu.Unlock()
	if onProgress != nil {
		onProgress(1)
	}
	return os.WriteFile(dst, []byte("merged"), 0o644)
}

func threeSegmentChapters() *fakeChapters {
	return &fakeChapters{tables: map[string][]codec.Chapter{
		// Raw segments with duplicated boundary chapters.
		"Book Part 1.m4a": {
			{Title: "Intro", StartMs: 0, LengthMs: 5000},
			{Title: "Two", StartMs: 5000, LengthMs: 10000},
			{Title: "Dup", StartMs: 15000, LengthMs: 2000},
		},
		"Book Part 2.m4a": {
			{Title: "Dup", StartMs: 0, LengthMs: 2000},
			{Title: "Three", StartMs: 2000, LengthMs: 6000},
			{Title: "Four", StartMs: 8000, LengthMs: 4000},
			{Title: "Dup", StartMs: 12000, LengthMs: 2000},
		},
		"Book Part 3.m4a": {
			{Title: "Dup", StartMs: 0, LengthMs: 3000},
			{Title: "Five", StartMs: 3000, LengthMs: 6000},
		},
		// Post-trim tables; last chapter end is the segment duration.
		"trim_001.m4a": {
			{Title: "Intro", StartMs: 0, LengthMs: 4000},
			{Title: "Two", StartMs: 4000, LengthMs: 6000},
		},
		"trim_002.m4a": {
			{Title: "Three", StartMs: 0, LengthMs: 6000},
			{Title: "Four", StartMs: 6000, LengthMs: 4000},
		},
		"trim_003.m4a": {
			{Title: "Five", StartMs: 0, LengthMs: 5000},
		},
	}}
}

func inputPaths(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
		paths = append(paths, path)
	}
	return dir, paths
}

func TestMergeThreeSegments(t *testing.T) {
	dir, inputs := inputPaths(t, "Book Part 1.m4a", "Book Part 2.m4a", "Book Part 3.m4a")
	engine := &fakeEngine{}
	registry := progress.NewRegistry()
	o := merge.New(engine, threeSegmentChapters(), registry)

	out := filepath.Join(dir, "Book.m4b")
	result, err := o.Merge(context.Background(), "B000BOOK", inputs, codec.Metadata{Title: "Book", Artist: "Author"}, out)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if len(engine.trims) != 3 {
		t.Fatalf("trims = %d, want 3", len(engine.trims))
	}
	byDst := map[string]trimCall{}
	for _, call := range engine.trims {
		byDst[filepath.Base(call.dst)] = call
	}
	// First segment keeps everything up to the end of the second-to-last
	// chapter; last keeps from the second chapter's start; middle both.
	if c := byDst["trim_001.m4a"]; c.startMs != 0 || c.endMs != 15000 {
		t.Fatalf("first segment window = %+v", c)
	}
	if c := byDst["trim_002.m4a"]; c.startMs != 2000 || c.endMs != 12000 {
		t.Fatalf("middle segment window = %+v", c)
	}
	if c := byDst["trim_003.m4a"]; c.startMs != 3000 || c.endMs != 0 {
		t.Fatalf("last segment window = %+v", c)
	}

	wantStarts := []int64{0, 4000, 10000, 16000, 20000}
	if len(result.Chapters) != len(wantStarts) {
		t.Fatalf("chapters = %+v", result.Chapters)
	}
	for i, ch := range result.Chapters {
		if ch.StartMs != wantStarts[i] {
			t.Fatalf("chapter %d start = %d, want %d", i, ch.StartMs, wantStarts[i])
		}
		if want := "Chapter " + string(rune('1'+i)); ch.Title != want {
			t.Fatalf("chapter %d title = %q, want %q", i, ch.Title, want)
		}
	}

	if engine.totalMs != 25000 {
		t.Fatalf("concat total = %d, want 25000", engine.totalMs)
	}
	if !strings.Contains(engine.metadata, "START=10000") || !strings.Contains(engine.metadata, "title=Chapter 3") {
		t.Fatalf("metadata missing retimed chapters: %q", engine.metadata)
	}
	for _, name := range []string{"trim_001.m4a", "trim_002.m4a", "trim_003.m4a"} {
		if !strings.Contains(engine.listFile, name) {
			t.Fatalf("concat list missing %s: %q", name, engine.listFile)
		}
	}

	entry, _ := registry.Get("B000BOOK")
	if entry.Phase != progress.PhaseCompleted || entry.Fraction != 1 {
		t.Fatalf("final progress = %+v", entry)
	}
	if _, err := os.Stat(filepath.Join(dir, "_temp_merge")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temp dir not cleaned up on success")
	}
}

func TestMergeSoleSegmentTrimsNothing(t *testing.T) {
	dir, inputs := inputPaths(t, "Book.m4a")
	engine := &fakeEngine{}
	chapters := &fakeChapters{tables: map[string][]codec.Chapter{
		"Book.m4a": {{Title: "Only", StartMs: 0, LengthMs: 9000}},
	}}
	o := merge.New(engine, chapters, nil)

	result, err := o.Merge(context.Background(), "B1", inputs, codec.Metadata{Title: "Book"}, filepath.Join(dir, "Book.m4b"))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(engine.trims) != 0 {
		t.Fatalf("sole segment was trimmed: %+v", engine.trims)
	}
	if !strings.Contains(engine.listFile, "Book.m4a") {
		t.Fatalf("concat does not use the original file: %q", engine.listFile)
	}
	if len(result.Chapters) != 1 || result.Chapters[0].Title != "Chapter 1" {
		t.Fatalf("chapters = %+v", result.Chapters)
	}
}

func TestMergeFailsFastOnThinChapterTable(t *testing.T) {
	dir, inputs := inputPaths(t, "Book Part 1.m4a", "Book Part 2.m4a")
	chapters := &fakeChapters{tables: map[string][]codec.Chapter{
		"Book Part 1.m4a": {{Title: "Only", StartMs: 0, LengthMs: 9000}},
		"Book Part 2.m4a": {
			{Title: "A", StartMs: 0, LengthMs: 1000},
			{Title: "B", StartMs: 1000, LengthMs: 1000},
		},
	}}
	registry := progress.NewRegistry()
	engine := &fakeEngine{}
	o := merge.New(engine, chapters, registry)

	_, err := o.Merge(context.Background(), "B1", inputs, codec.Metadata{}, filepath.Join(dir, "out.m4b"))
	var precondition *merge.PreconditionError
	if !errors.As(err, &precondition) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if precondition.Chapters != 1 {
		t.Fatalf("chapters = %d", precondition.Chapters)
	}
	// The thin table is detected before fan-out, so no trim subprocess may
	// have started for any sibling segment.
	if len(engine.trims) != 0 {
		t.Fatalf("trims ran before validation: %+v", engine.trims)
	}
	entry, _ := registry.Get("B1")
	if entry.Phase != progress.PhaseFailed {
		t.Fatalf("phase = %q, want failed", entry.Phase)
	}
}

func TestMergeToolFailure(t *testing.T) {
	dir, inputs := inputPaths(t, "Book Part 1.m4a", "Book Part 2.m4a")
	engine := &fakeEngine{trimErr: &ffmpeg.ExitError{Tool: "ffmpeg", Code: 69}}
	chapters := &fakeChapters{tables: map[string][]codec.Chapter{
		"Book Part 1.m4a": {
			{Title: "A", StartMs: 0, LengthMs: 1000},
			{Title: "B", StartMs: 1000, LengthMs: 1000},
		},
		"Book Part 2.m4a": {
			{Title: "A", StartMs: 0, LengthMs: 1000},
			{Title: "B", StartMs: 1000, LengthMs: 1000},
		},
	}}
	registry := progress.NewRegistry()
	o := merge.New(engine, chapters, registry)

	_, err := o.Merge(context.Background(), "B1", inputs, codec.Metadata{}, filepath.Join(dir, "out.m4b"))
	var toolErr *merge.ToolFailedError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolFailedError, got %v", err)
	}
	if toolErr.Code != 69 {
		t.Fatalf("code = %d", toolErr.Code)
	}

	// Working files stay around after a failure.
	if _, err := os.Stat(filepath.Join(dir, "_temp_merge")); err != nil {
		t.Fatalf("temp dir missing after failure: %v", err)
	}
	entry, _ := registry.Get("B1")
	if entry.Phase != progress.PhaseFailed {
		t.Fatalf("phase = %q, want failed", entry.Phase)
	}
}

// gatedEngine sequences three concurrent trims so the aggregate fraction
// can be observed at a known intermediate point.
type gatedEngine struct {
	fakeEngine
	t         *testing.T
	registry  *progress.Registry
	firstDone chan struct{}
	checked   chan struct{}
}

func (g *gatedEngine) Trim(ctx context.Context, src, dst string, startMs, endMs int64, onProgress func(float64)) error {
	switch filepath.Base(src) {
	case "Book Part 1.m4a":
		onProgress(1)
		close(g.firstDone)
	case "Book Part 2.m4a":
		<-g.firstDone
		onProgress(0.5)
		// One trim done, one half way, one untouched, merge not started:
		// (1 + 0.5 + 0) / (3 + 1).
		entry, _ := g.registry.Get("B1")
		if math.Abs(entry.Fraction-0.375) > 1e-9 {
			g.t.Errorf("mid-trim fraction = %v, want 0.375", entry.Fraction)
		}
		close(g.checked)
	case "Book Part 3.m4a":
		<-g.checked
	}
	return os.WriteFile(dst, []byte("trimmed"), 0o644)
}

func TestMergeProgressAggregation(t *testing.T) {
	dir, inputs := inputPaths(t, "Book Part 1.m4a", "Book Part 2.m4a", "Book Part 3.m4a")
	registry := progress.NewRegistry()
	engine := &gatedEngine{
		t:         t,
		registry:  registry,
		firstDone: make(chan struct{}),
		checked:   make(chan struct{}),
	}
	o := merge.New(engine, threeSegmentChapters(), registry)

	if _, err := o.Merge(context.Background(), "B1", inputs, codec.Metadata{}, filepath.Join(dir, "out.m4b")); err != nil {
		t.Fatalf("Merge: %v", err)
	}
}

func TestDiscoverPartsNumericOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Book Part 10.m4a", "Book Part 2.m4a", "Book Part 1.m4a", "cover.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	parts, err := merge.DiscoverParts(dir)
	if err != nil {
		t.Fatalf("DiscoverParts: %v", err)
	}
	want := []string{"Book Part 1.m4a", "Book Part 2.m4a", "Book Part 10.m4a"}
	if len(parts) != len(want) {
		t.Fatalf("parts = %v", parts)
	}
	for i, path := range parts {
		if filepath.Base(path) != want[i] {
			t.Fatalf("part %d = %q, want %q", i, filepath.Base(path), want[i])
		}
	}
}

func TestDiscoverPartsSingleFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Book.m4a"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	parts, err := merge.DiscoverParts(dir)
	if err != nil {
		t.Fatalf("DiscoverParts: %v", err)
	}
	if len(parts) != 1 || filepath.Base(parts[0]) != "Book.m4a" {
		t.Fatalf("parts = %v", parts)
	}
}

func TestDiscoverPartsEmptyDir(t *testing.T) {
	if _, err := merge.DiscoverParts(t.TempDir()); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
