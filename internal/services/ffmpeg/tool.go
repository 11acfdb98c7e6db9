package ffmpeg

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"

	"folio/internal/logging"
	"folio/internal/services"
)

const ffbinariesLatest = "https://ffbinaries.com/api/v1/version/latest"

// Tool is a resolved ffmpeg/ffprobe pair.
type Tool struct {
	FFmpeg  string
	FFprobe string
}

// Resolver locates or acquires the ffmpeg tools. Resolution order: an
// explicit configured path, a previously downloaded copy in the tool
// directory, the system PATH, then a fresh download when allowed.
type Resolver struct {
	configuredPath string
	toolDir        string
	allowDownload  bool
	httpClient     *http.Client
	releaseURL     string
	lookPath       func(string) (string, error)
	logger         *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverHTTPClient overrides the HTTP client used for downloads.
func WithResolverHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithReleaseURL overrides the release manifest endpoint (used in tests).
func WithReleaseURL(url string) ResolverOption {
	return func(r *Resolver) {
		if url != "" {
			r.releaseURL = url
		}
	}
}

// WithLookPath overrides PATH lookup (used in tests).
func WithLookPath(lookPath func(string) (string, error)) ResolverOption {
	return func(r *Resolver) {
		if lookPath != nil {
			r.lookPath = lookPath
		}
	}
}

// WithResolverLogger attaches a logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger.With("component", "ffmpeg")
		}
	}
}

// NewResolver builds a Resolver. configuredPath may be empty; toolDir is
// where downloaded binaries live.
func NewResolver(configuredPath, toolDir string, allowDownload bool, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		configuredPath: configuredPath,
		toolDir:        toolDir,
		allowDownload:  allowDownload,
		httpClient:     &http.Client{Timeout: 10 * time.Minute},
		releaseURL:     ffbinariesLatest,
		lookPath:       exec.LookPath,
		logger:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ensure returns a usable tool pair, downloading one if nothing local
// resolves. onProgress, when non-nil, receives download fractions.
func (r *Resolver) Ensure(ctx context.Context, onProgress func(float64)) (*Tool, error) {
	if r.configuredPath != "" {
		tool, err := toolAt(r.configuredPath)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "ffmpeg", "resolve",
				"configured ffmpeg path is not usable: "+r.configuredPath, err)
		}
		return tool, nil
	}
	if tool := r.cached(); tool != nil {
		return tool, nil
	}
	if ffmpegPath, err := r.lookPath(binaryName("ffmpeg")); err == nil {
		if ffprobePath, err := r.lookPath(binaryName("ffprobe")); err == nil {
			return &Tool{FFmpeg: ffmpegPath, FFprobe: ffprobePath}, nil
		}
	}
	if !r.allowDownload {
		return nil, services.Wrap(services.ErrConfiguration, "ffmpeg", "resolve",
			"ffmpeg not found and downloads are disabled", nil)
	}
	return r.download(ctx, onProgress)
}

// cached returns the tool pair in the tool directory, or nil.
func (r *Resolver) cached() *Tool {
	tool := &Tool{
		FFmpeg:  filepath.Join(r.toolDir, binaryName("ffmpeg")),
		FFprobe: filepath.Join(r.toolDir, binaryName("ffprobe")),
	}
	if fileExists(tool.FFmpeg) && fileExists(tool.FFprobe) {
		return tool
	}
	return nil
}

// download fetches both binaries from the release manifest. A file lock
// serializes concurrent processes; after acquiring it the cache is checked
// again, since the holder we waited on usually did the work already.
func (r *Resolver) download(ctx context.Context, onProgress func(float64)) (*Tool, error) {
	if err := os.MkdirAll(r.toolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tool dir: %w", err)
	}

	lock := flock.New(filepath.Join(r.toolDir, ".download.lock"))
	locked, err := lock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire tool lock: %w", err)
	}
	if !locked {
		return nil, services.Wrap(services.ErrExternalTool, "ffmpeg", "download", "could not acquire tool lock", nil)
	}
	defer lock.Unlock()

	if tool := r.cached(); tool != nil {
		return tool, nil
	}

	urls, err := r.releaseURLs(ctx)
	if err != nil {
		return nil, err
	}

	r.logger.Info("downloading ffmpeg tools", "dir", r.toolDir)
	names := []string{"ffmpeg", "ffprobe"}
	for i, name := range names {
		base := float64(i) / float64(len(names))
		span := 1.0 / float64(len(names))
		var chunk func(float64)
		if onProgress != nil {
			chunk = func(frac float64) { onProgress(base + frac*span) }
		}
		if err := r.fetchBinary(ctx, urls[name], name, chunk); err != nil {
			return nil, err
		}
	}
	if onProgress != nil {
		onProgress(1)
	}

	tool := r.cached()
	if tool == nil {
		return nil, services.Wrap(services.ErrExternalTool, "ffmpeg", "download", "archive did not contain the expected binaries", nil)
	}
	return tool, nil
}

type releaseManifest struct {
	Bin map[string]map[string]string `json:"bin"`
}

// releaseURLs resolves the per-platform archive URLs for both binaries.
func (r *Resolver) releaseURLs(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.releaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "ffmpeg", "download", "fetch release manifest", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, services.Wrap(services.ErrExternalTool, "ffmpeg", "download",
			fmt.Sprintf("release manifest returned status %d", resp.StatusCode), nil)
	}

	var manifest releaseManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "ffmpeg", "download", "malformed release manifest", err)
	}
	platform := platformKey()
	urls, ok := manifest.Bin[platform]
	if !ok {
		return nil, services.Wrap(services.ErrExternalTool, "ffmpeg", "download", "no build for platform "+platform, nil)
	}
	for _, name := range []string{"ffmpeg", "ffprobe"} {
		if urls[name] == "" {
			return nil, services.Wrap(services.ErrExternalTool, "ffmpeg", "download", "manifest missing "+name, nil)
		}
	}
	return urls, nil
}

// fetchBinary downloads one zip archive and extracts the named binary into
// the tool directory.
func (r *Resolver) fetchBinary(ctx context.Context, url, name string, onProgress func(float64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "ffmpeg", "download", "fetch "+name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return services.Wrap(services.ErrExternalTool, "ffmpeg", "download",
			fmt.Sprintf("fetch %s: status %d", name, resp.StatusCode), nil)
	}

	archivePath := filepath.Join(r.toolDir, name+".zip")
	if err := streamTo(archivePath, resp.Body, resp.ContentLength, onProgress); err != nil {
		return err
	}
	defer os.Remove(archivePath)

	return extractBinary(archivePath, binaryName(name), r.toolDir)
}

func streamTo(dest string, body io.Reader, total int64, onProgress func(float64)) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	buf := make([]byte, 128*1024)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write archive: %w", writeErr)
			}
			written += int64(n)
			if onProgress != nil && total > 0 {
				onProgress(float64(written) / float64(total))
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read archive: %w", readErr)
		}
	}
}

// extractBinary pulls the single named file out of the zip and marks it
// executable.
func extractBinary(archivePath, name, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if filepath.Base(file.Name) != name {
			continue
		}
		src, err := file.Open()
		if err != nil {
			return fmt.Errorf("open archive entry: %w", err)
		}
		defer src.Close()

		destPath := filepath.Join(destDir, name)
		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return fmt.Errorf("create binary: %w", err)
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			return fmt.Errorf("extract binary: %w", err)
		}
		return out.Close()
	}
	return services.Wrap(services.ErrExternalTool, "ffmpeg", "download", name+" not present in archive", nil)
}

func toolAt(ffmpegPath string) (*Tool, error) {
	if !fileExists(ffmpegPath) {
		return nil, os.ErrNotExist
	}
	probe := filepath.Join(filepath.Dir(ffmpegPath), binaryName("ffprobe"))
	if !fileExists(probe) {
		return nil, fmt.Errorf("ffprobe not found next to %s", ffmpegPath)
	}
	return &Tool{FFmpeg: ffmpegPath, FFprobe: probe}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func binaryName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func platformKey() string {
	switch runtime.GOOS {
	case "windows":
		return "windows-64"
	case "darwin":
		return "osx-64"
	default:
		return "linux-64"
	}
}
