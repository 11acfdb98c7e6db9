package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"folio/internal/audible"
	"folio/internal/logging"
	"folio/internal/progress"
	"folio/internal/services"
)

const (
	// chunkSize is the copy buffer for streaming the encrypted audio; small
	// enough that progress stays responsive on slow links.
	chunkSize = 128 * 1024

	defaultContentHost = "https://cde-ta-g7g.amazon.com"
	contentPath        = "/FionaCDEServiceEngine/FSDownloadContent"

	cdsDefaultHost = "cds.audible.com"
)

// NoRedirectError reports a content request the delivery endpoint answered
// directly instead of redirecting to a CDN URL.
type NoRedirectError struct {
	ASIN   string
	Status int
}

func (e *NoRedirectError) Error() string {
	return fmt.Sprintf("content request for %s: expected redirect, got status %d", e.ASIN, e.Status)
}

// NoLocationError reports a redirect response missing its Location header.
type NoLocationError struct {
	ASIN string
}

func (e *NoLocationError) Error() string {
	return fmt.Sprintf("content request for %s: redirect carries no location", e.ASIN)
}

// Downloader fetches the encrypted audio segments of a library item. Parts
// download sequentially; the first failure aborts the remainder and the
// files already on disk are kept for retry.
type Downloader struct {
	client      *audible.Client
	httpClient  *http.Client
	registry    *progress.Registry
	logger      *slog.Logger
	contentBase func() string
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient overrides the HTTP client used for redirect resolution and
// the CDN fetch.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		if client != nil {
			d.httpClient = client
		}
	}
}

// WithContentBase overrides the delivery endpoint base URL (used in tests).
func WithContentBase(base func() string) Option {
	return func(d *Downloader) {
		if base != nil {
			d.contentBase = base
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		if logger != nil {
			d.logger = logger.With("component", "download")
		}
	}
}

// New constructs a Downloader. The registry may be nil when no progress
// reporting is wanted.
func New(client *audible.Client, registry *progress.Registry, opts ...Option) *Downloader {
	d := &Downloader{
		client:     client,
		httpClient: &http.Client{Timeout: 4 * time.Hour},
		registry:   registry,
		logger:     logging.NewNop(),
		contentBase: func() string {
			return defaultContentHost
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Item downloads every segment of the given item into destDir and returns
// the file paths in segment order. Single-segment items produce one file.
// Progress is published under the parent item's identifier: a completed
// segment advances the fraction by 1/totalParts.
func (d *Downloader) Item(ctx context.Context, item *audible.Item, codec, destDir string) ([]string, error) {
	if item == nil || item.ASIN == "" {
		return nil, services.Wrap(services.ErrValidation, "download", "item", "item without asin", nil)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	parts := item.Parts()
	title := audible.SafeFileName(item.Title)

	type segment struct {
		asin string
		name string
	}
	var segments []segment
	if len(parts) == 0 {
		segments = []segment{{asin: item.ASIN, name: title + ".aax"}}
	} else {
		for _, part := range parts {
			segments = append(segments, segment{
				asin: part.ASIN,
				name: fmt.Sprintf("%s Part %d.aax", title, part.Sequence),
			})
		}
	}

	d.update(item.ASIN, progress.Delta{Phase: progress.PhaseDownloading, Fraction: progress.Fraction(0)})

	total := float64(len(segments))
	paths := make([]string, 0, len(segments))
	for i, seg := range segments {
		dest := filepath.Join(destDir, seg.name)
		base := float64(i) / total
		onChunk := func(frac float64) {
			d.update(item.ASIN, progress.Delta{
				Phase:    progress.PhaseDownloading,
				Fraction: progress.Fraction(base + frac/total),
				Message:  progress.Message(seg.name),
			})
		}
		if err := d.part(ctx, seg.asin, codec, dest, onChunk); err != nil {
			d.update(item.ASIN, progress.Delta{Phase: progress.PhaseFailed, Message: progress.Message(err.Error())})
			return nil, err
		}
		paths = append(paths, dest)
		// Per-part completion is the only signal when the CDN response
		// carries no Content-Length.
		d.update(item.ASIN, progress.Delta{
			Phase:    progress.PhaseDownloading,
			Fraction: progress.Fraction(float64(i+1) / total),
			Message:  progress.Message(seg.name),
		})
		d.logger.Info("segment downloaded", "asin", seg.asin, "file", seg.name)
	}
	return paths, nil
}

// part resolves one segment's CDN location and streams it to dest.
func (d *Downloader) part(ctx context.Context, asin, codec, dest string, onChunk func(float64)) error {
	location, err := d.resolve(ctx, asin, codec)
	if err != nil {
		return err
	}
	return d.fetch(ctx, location, dest, onChunk)
}

// resolve asks the delivery endpoint for the segment and returns the CDN
// URL from the redirect, with the CDN host moved onto the session's
// marketplace domain.
func (d *Downloader) resolve(ctx context.Context, asin, codec string) (string, error) {
	query := url.Values{}
	query.Set("type", "AUDI")
	query.Set("currentTransportMethod", "WIFI")
	query.Set("key", asin)
	query.Set("codec", codec)
	endpoint := d.contentBase() + contentPath + "?" + query.Encode()

	req, err := d.client.NewSignedRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	noFollow := *d.httpClient
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noFollow.Do(req)
	if err != nil {
		return "", fmt.Errorf("content request for %s: %w", asin, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return "", &NoRedirectError{ASIN: asin, Status: resp.StatusCode}
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", &NoLocationError{ASIN: asin}
	}
	return d.localizeCDN(location)
}

// localizeCDN rewrites the default CDN host onto the marketplace domain of
// the active session so non-US accounts hit their regional CDN.
func (d *Downloader) localizeCDN(location string) (string, error) {
	record, err := d.client.Sessions().Snapshot()
	if err != nil {
		return "", err
	}
	return LocalizeCDN(location, record.Domain())
}

// LocalizeCDN moves the default CDN host onto the given marketplace domain.
// URLs already pointing elsewhere pass through untouched.
func LocalizeCDN(location, domain string) (string, error) {
	if domain == "com" || domain == "" {
		return location, nil
	}
	parsed, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse redirect location: %w", err)
	}
	if parsed.Host == cdsDefaultHost {
		parsed.Host = "cds.audible." + domain
	}
	return parsed.String(), nil
}

// fetch streams the CDN URL to dest, writing through a temp file so a
// partial download never masquerades as a finished segment.
func (d *Downloader) fetch(ctx context.Context, location, dest string, onChunk func(float64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return fmt.Errorf("build cdn request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cdn fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cdn fetch: unexpected status %d", resp.StatusCode)
	}

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}

	var written int64
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(tmp)
				return fmt.Errorf("write segment: %w", writeErr)
			}
			written += int64(n)
			if onChunk != nil && resp.ContentLength > 0 {
				onChunk(float64(written) / float64(resp.ContentLength))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("read segment: %w", readErr)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close segment file: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		os.Remove(tmp)
		return fmt.Errorf("truncated segment: %d of %d bytes", written, resp.ContentLength)
	}
	return os.Rename(tmp, dest)
}

func (d *Downloader) update(key string, delta progress.Delta) {
	if d.registry == nil {
		return
	}
	d.registry.Update(key, delta)
}

// IsRetryable reports whether a failed download is worth retrying without
// operator intervention.
func IsRetryable(err error) bool {
	var noRedirect *NoRedirectError
	if errors.As(err, &noRedirect) {
		return noRedirect.Status >= 500
	}
	return errors.Is(err, services.ErrTransient)
}
