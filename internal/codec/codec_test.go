package codec_test

import (
	"strings"
	"testing"

	"folio/internal/codec"
)

func TestRetimeAccumulatesOffsets(t *testing.T) {
	segments := [][]codec.Chapter{
		{{Title: "One", StartMs: 0, LengthMs: 5000}, {Title: "Two", StartMs: 5000, LengthMs: 5000}},
		{{Title: "One", StartMs: 0, LengthMs: 10000}},
		{{Title: "One", StartMs: 0, LengthMs: 5000}},
	}
	durations := []int64{10000, 10000, 5000}

	out := codec.Retime(segments, durations)
	if len(out) != 4 {
		t.Fatalf("chapters = %d, want 4", len(out))
	}
	wantStarts := []int64{0, 5000, 10000, 20000}
	for i, ch := range out {
		if ch.StartMs != wantStarts[i] {
			t.Fatalf("chapter %d start = %d, want %d", i, ch.StartMs, wantStarts[i])
		}
	}
}

func TestRenumber(t *testing.T) {
	out := codec.Renumber([]codec.Chapter{
		{Title: "One", StartMs: 0},
		{Title: "One", StartMs: 100},
		{Title: "Two", StartMs: 200},
	})
	for i, ch := range out {
		if want := "Chapter " + string(rune('1'+i)); ch.Title != want {
			t.Fatalf("chapter %d title = %q, want %q", i, ch.Title, want)
		}
	}
}

func TestWriteFFMetadata(t *testing.T) {
	var b strings.Builder
	err := codec.WriteFFMetadata(&b, codec.Metadata{
		Title:  "A Book; annotated",
		Artist: "Author Name",
		Chapters: []codec.Chapter{
			{Title: "Chapter 1", StartMs: 0, LengthMs: 1500},
			{Title: "Chapter 2", StartMs: 1500, LengthMs: 2500},
		},
	})
	if err != nil {
		t.Fatalf("WriteFFMetadata: %v", err)
	}
	out := b.String()

	if !strings.HasPrefix(out, ";FFMETADATA1\n") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, `title=A Book\; annotated`) {
		t.Fatalf("reserved characters not escaped: %q", out)
	}
	if !strings.Contains(out, "[CHAPTER]\nTIMEBASE=1/1000\nSTART=1500\nEND=4000\ntitle=Chapter 2\n") {
		t.Fatalf("chapter block wrong: %q", out)
	}
}
