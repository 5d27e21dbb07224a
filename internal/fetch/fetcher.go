// Package fetch implements a single task's acquisition: resolve, streaming
// download, payload validation, interstitial token handling, and the
// bounded retry loop around all of it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/nctb-archive/pdfgrab/internal/artifact"
	"github.com/nctb-archive/pdfgrab/internal/domain"
	"github.com/nctb-archive/pdfgrab/internal/metrics"
	"github.com/nctb-archive/pdfgrab/internal/resolver"
)

const (
	// prefixSize is how much of the body is read before validation.
	prefixSize = 8192
	// interstitialLimit bounds how much of an HTML interstitial is read
	// while searching for a confirmation token.
	interstitialLimit = 256 * 1024

	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	acceptHeader = "application/pdf,application/octet-stream,*/*"
)

// Options configures a Fetcher. Zero values fall back to defaults.
type Options struct {
	// MaxAttempts is the attempt budget per task. Default: 3.
	MaxAttempts int

	// Timeout applies to each individual attempt. Default: 2m.
	Timeout time.Duration

	// MinSize is the size floor below which a completed download is
	// rejected as a disguised error page. Default: 1000.
	MinSize int64

	// BackoffCap limits the inter-attempt delay. Default: 10s.
	BackoffCap time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.MinSize <= 0 {
		o.MinSize = 1000
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 10 * time.Second
	}
}

// Fetcher drives the retry loop for acquisition tasks.
type Fetcher struct {
	client *http.Client
	opts   Options
	logger *slog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher with the provided options and logger.
func New(opts Options, logger *slog.Logger) *Fetcher {
	opts.applyDefaults()
	return &Fetcher{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// permanentError marks failures that further attempts with the same source
// URL cannot fix within this run.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Fetch runs the full attempt loop for one task and returns its terminal
// outcome. Per-task failures are folded into the outcome, never returned;
// only the ledger decides what happens next run.
func (f *Fetcher) Fetch(ctx context.Context, task domain.Task) domain.TaskOutcome {
	out := domain.TaskOutcome{
		Status:      domain.OutcomeFailed,
		SourceURL:   task.SourceURL,
		Destination: task.Destination,
	}

	minSize := task.MinSize
	if minSize <= 0 {
		minSize = f.opts.MinSize
	}

	start := time.Now()
	var lastErr error

	for n := 1; n <= f.opts.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		out.Attempts = n
		res := f.attempt(ctx, task, minSize, n == f.opts.MaxAttempts)
		if res.Status == domain.AttemptSuccess {
			out.Status = domain.OutcomeDownloaded
			out.Size = res.Bytes
			break
		}

		lastErr = res.Err
		f.logger.Warn("attempt failed",
			"task_id", task.ID,
			"attempt", n,
			"max_attempts", f.opts.MaxAttempts,
			"error", res.Err,
		)

		if res.Status == domain.AttemptPermanent {
			break
		}

		delay := f.backoff(n)
		f.logger.Debug("waiting before retry", "task_id", task.ID, "delay", delay)
		if err := f.sleep(ctx, delay); err != nil {
			break
		}
	}

	elapsed := time.Since(start)
	out.ElapsedMS = elapsed.Milliseconds()
	out.CompletedAt = time.Now()

	if out.Status == domain.OutcomeDownloaded {
		metrics.DownloadsSuccess.Inc()
		metrics.DownloadBytes.Add(float64(out.Size))
		metrics.DownloadDuration.Observe(elapsed.Seconds())
	} else {
		if lastErr != nil {
			out.Error = lastErr.Error()
		}
		metrics.DownloadsFailed.Inc()
	}

	return out
}

// attempt performs one acquisition attempt end to end.
func (f *Fetcher) attempt(ctx context.Context, task domain.Task, minSize int64, final bool) domain.AttemptResult {
	start := time.Now()
	metrics.AttemptsTotal.Inc()

	res, err := resolver.Resolve(task.SourceURL)
	if err != nil {
		// An unresolvable URL stays unresolvable; don't burn attempts.
		return attemptFailure(permanent(err), start, final)
	}

	n, err := f.download(ctx, res, task.Destination, minSize)
	if err != nil {
		return attemptFailure(err, start, final)
	}

	return domain.AttemptResult{
		Status:  domain.AttemptSuccess,
		Bytes:   n,
		Elapsed: time.Since(start),
	}
}

func attemptFailure(err error, start time.Time, final bool) domain.AttemptResult {
	status := domain.AttemptTransient
	if final || isPermanent(err) {
		status = domain.AttemptPermanent
	}
	return domain.AttemptResult{
		Status:  status,
		Elapsed: time.Since(start),
		Err:     err,
	}
}

// download fetches res.URL, validates the payload, resolves interstitials,
// and streams the artifact to dest. Returns the bytes written.
func (f *Fetcher) download(ctx context.Context, res resolver.Resolution, dest string, minSize int64) (int64, error) {
	resp, err := f.get(ctx, res.URL)
	if err != nil {
		// Some generic hosts publish an https link but only answer on
		// http (or the reverse). Try the flipped scheme once within the
		// same attempt before counting this as a failure.
		if res.AltScheme && isURLError(err) {
			if alt, ok := resolver.FlipScheme(res.URL); ok {
				f.logger.Debug("retrying with alternate scheme", "url", alt)
				resp, err = f.get(ctx, alt)
			}
		}
		if err != nil {
			return 0, err
		}
	}
	defer resp.Body.Close()

	prefix, err := readPrefix(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	switch verdict := artifact.Validate(resp.Header.Get("Content-Type"), prefix); verdict {
	case artifact.Ok:
		return f.writeArtifact(dest, prefix, resp.Body, minSize)
	case artifact.Intercepted:
		return f.downloadWithToken(ctx, resp, prefix, dest, minSize)
	default:
		return 0, fmt.Errorf("payload is not an artifact (verdict %s, content-type %q)",
			verdict, resp.Header.Get("Content-Type"))
	}
}

// downloadWithToken handles an interstitial page: read the rest of the
// payload, extract a confirmation token, and re-fetch once with the token
// applied before giving up on this attempt.
func (f *Fetcher) downloadWithToken(ctx context.Context, resp *http.Response, prefix []byte, dest string, minSize int64) (int64, error) {
	page := prefix
	rest, err := io.ReadAll(io.LimitReader(resp.Body, interstitialLimit))
	if err == nil {
		page = append(page, rest...)
	}
	resp.Body.Close()

	token, ok := extractToken(page)
	if !ok {
		return 0, fmt.Errorf("interstitial page without extractable token")
	}

	tokenURL, err := resolver.WithToken(resp.Request.URL.String(), token)
	if err != nil {
		return 0, err
	}

	f.logger.Info("re-fetching with confirmation token", "token", token)
	metrics.TokenRefetches.Inc()

	tokenResp, err := f.get(ctx, tokenURL)
	if err != nil {
		return 0, err
	}
	defer tokenResp.Body.Close()

	tokenPrefix, err := readPrefix(tokenResp.Body)
	if err != nil {
		return 0, fmt.Errorf("read token response: %w", err)
	}

	if v := artifact.Validate(tokenResp.Header.Get("Content-Type"), tokenPrefix); v != artifact.Ok {
		return 0, fmt.Errorf("still not an artifact after token re-fetch (verdict %s)", v)
	}

	return f.writeArtifact(dest, tokenPrefix, tokenResp.Body, minSize)
}

// get issues a streaming GET with the browser-like headers some providers
// require before they will serve the file.
func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		err := fmt.Errorf("unexpected status: %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && !isRateLimit(resp.StatusCode) {
			return nil, permanent(err)
		}
		return nil, err
	}

	return resp, nil
}

func isRateLimit(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func readPrefix(r io.Reader) ([]byte, error) {
	buf := make([]byte, prefixSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	return buf[:n], nil
}

// writeArtifact streams prefix plus the remaining body to dest. The bytes go
// to a ".part" file first and are renamed into place only after the size
// floor check passes, so a failed attempt never leaves a partial file at the
// destination.
func (f *Fetcher) writeArtifact(dest string, prefix []byte, body io.Reader, minSize int64) (written int64, err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create destination directory: %w", err)
	}

	part := dest + ".part"
	file, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create partial file: %w", err)
	}

	defer func() {
		if err != nil {
			file.Close()
			os.Remove(part)
		}
	}()

	n, err := file.Write(prefix)
	if err != nil {
		return 0, fmt.Errorf("write prefix: %w", err)
	}
	written = int64(n)

	copied, err := io.Copy(file, body)
	written += copied
	if err != nil {
		return written, fmt.Errorf("stream body: %w", err)
	}

	if written < minSize {
		err = fmt.Errorf("downloaded file is too small: %d bytes (floor %d)", written, minSize)
		return written, err
	}

	if err = file.Sync(); err != nil {
		return written, fmt.Errorf("sync partial file: %w", err)
	}
	if err = file.Close(); err != nil {
		return written, fmt.Errorf("close partial file: %w", err)
	}
	if err = os.Rename(part, dest); err != nil {
		os.Remove(part)
		return written, fmt.Errorf("rename into place: %w", err)
	}

	return written, nil
}

// backoff returns the delay before the next attempt: exponential in the
// attempt number, capped, with a small jitter so many tasks retrying at once
// don't hit the same host in lockstep.
func (f *Fetcher) backoff(attempt int) time.Duration {
	base := time.Second << uint(attempt-1)
	if base > f.opts.BackoffCap || base <= 0 {
		base = f.opts.BackoffCap
	}
	jitter := time.Duration(rand.Int64N(int64(500 * time.Millisecond)))
	return base + jitter
}

// isURLError reports transport-level failures, as opposed to HTTP status
// failures; only the former justify the alternate-scheme fallback.
func isURLError(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue)
}
