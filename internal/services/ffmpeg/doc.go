// Package ffmpeg drives the ffmpeg and ffprobe binaries behind the codec
// interfaces, and resolves or downloads the binaries themselves.
package ffmpeg
