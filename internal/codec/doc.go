// Package codec holds the audio-side vocabulary shared by download, merge,
// and the ffmpeg client: chapter marks, tag metadata, the ffmetadata text
// format, and the interfaces tool-backed implementations satisfy.
package codec
