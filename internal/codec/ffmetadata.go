package codec

import (
	"fmt"
	"io"
	"strings"
)

// WriteFFMetadata serializes metadata in the ffmetadata v1 text format, one
// [CHAPTER] block per chapter on a 1/1000 timebase.
func WriteFFMetadata(w io.Writer, meta Metadata) error {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	writeTag(&b, "title", meta.Title)
	writeTag(&b, "artist", meta.Artist)
	writeTag(&b, "album", meta.Album)
	writeTag(&b, "date", meta.Date)
	writeTag(&b, "genre", meta.Genre)
	writeTag(&b, "narrator", meta.Narrator)
	writeTag(&b, "publisher", meta.Publisher)
	writeTag(&b, "copyright", meta.Copyright)
	writeTag(&b, "comment", meta.Comment)
	writeTag(&b, "asin", meta.ASIN)

	for _, ch := range meta.Chapters {
		b.WriteString("[CHAPTER]\n")
		b.WriteString("TIMEBASE=1/1000\n")
		fmt.Fprintf(&b, "START=%d\n", ch.StartMs)
		fmt.Fprintf(&b, "END=%d\n", ch.EndMs())
		writeTag(&b, "title", ch.Title)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeTag(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s=%s\n", key, escapeFFMetadata(value))
}

// escapeFFMetadata escapes the characters the format reserves.
func escapeFFMetadata(value string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		"=", `\=`,
		";", `\;`,
		"#", `\#`,
		"\n", `\`+"\n",
	)
	return replacer.Replace(value)
}
