package codec

import (
	"context"
	"fmt"
)

// Chapter is one chapter mark with millisecond timing.
type Chapter struct {
	Title   string
	StartMs int64
	// LengthMs is the chapter duration; 0 means unknown.
	LengthMs int64
}

// EndMs returns the chapter's end position.
func (c Chapter) EndMs() int64 { return c.StartMs + c.LengthMs }

// Metadata is the tag set carried through decrypt and merge.
type Metadata struct {
	Title     string
	Artist    string
	Album     string
	Date      string
	Genre     string
	Narrator  string
	Publisher string
	Copyright string
	Comment   string
	ASIN      string
	Chapters  []Chapter
}

// Decryptor converts a protected segment into a plain audio file using the
// device activation secret.
type Decryptor interface {
	Decrypt(ctx context.Context, src, dst, activationSecret string, onProgress func(float64)) error
}

// ChapterReader extracts the chapter marks embedded in an audio file.
type ChapterReader interface {
	Chapters(ctx context.Context, path string) ([]Chapter, error)
}

// Renumber rewrites chapter titles to a uniform "Chapter N" sequence. Books
// assembled from segments otherwise repeat titles across segment boundaries.
func Renumber(chapters []Chapter) []Chapter {
	out := make([]Chapter, len(chapters))
	for i, ch := range chapters {
		ch.Title = fmt.Sprintf("Chapter %d", i+1)
		out[i] = ch
	}
	return out
}

// Retime shifts per-segment chapters onto one continuous timeline. Offsets
// accumulate segment durations: a chapter in segment k starts at its local
// position plus the total length of segments 0..k-1.
func Retime(segments [][]Chapter, segmentDurationsMs []int64) []Chapter {
	var out []Chapter
	var offset int64
	for i, chapters := range segments {
		for _, ch := range chapters {
			ch.StartMs += offset
			out = append(out, ch)
		}
		if i < len(segmentDurationsMs) {
			offset += segmentDurationsMs[i]
		}
	}
	return out
}
