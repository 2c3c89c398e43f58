// Package fetcher reads curated spreadsheet sources (XLSX or CSV; local
// files or HTTP/FTP downloads) and maps their rows onto the canonical
// raw-row shape.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/canon-cli/internal/resilience"
)

// HTTPFetcher downloads remote source files with retry and a shared
// rate limiter.
type HTTPFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	retry     resilience.RetryConfig
}

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     *resilience.RetryConfig
	RateLimit rate.Limit // requests per second; 0 = unlimited
}

// NewHTTPFetcher creates an HTTP fetcher with sensible defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	retryCfg := resilience.DefaultRetryConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(opts.RateLimit, 1)
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		limiter:   limiter,
		userAgent: opts.UserAgent,
		retry:     retryCfg,
	}
}

// DownloadToFile fetches the URL into a temp file and returns its path.
// The caller owns the file.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, url string) (string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "fetcher: rate limit wait")
		}
	}

	path, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) (string, error) {
		return f.downloadOnce(ctx, url)
	})
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: download %s", url)
	}
	return path, nil
}

func (f *HTTPFetcher) downloadOnce(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: build request")
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", resilience.NewTransientError(eris.Errorf("fetcher: %s returned %d", url, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("fetcher: %s returned %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "canon-source-*"+filepath.Ext(url))
	if err != nil {
		return "", eris.Wrap(err, "fetcher: create temp file")
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", eris.Wrap(err, "fetcher: write temp file")
	}

	zap.L().Debug("fetcher: downloaded source",
		zap.String("url", url),
		zap.Int64("bytes", n),
	)
	return tmp.Name(), nil
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}
