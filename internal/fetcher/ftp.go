package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/canon-cli/internal/resilience"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
	Retry   *resilience.RetryConfig
}

// FTPFetcher downloads source files from anonymous FTP servers.
type FTPFetcher struct {
	timeout time.Duration
	retry   resilience.RetryConfig
}

// NewFTPFetcher creates an FTP fetcher with sensible defaults.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retryCfg := resilience.DefaultRetryConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}
	return &FTPFetcher{timeout: timeout, retry: retryCfg}
}

// DownloadToFile retrieves the FTP URL into a temp file and returns its
// path. The caller owns the file. Connection failures retry with backoff
// before surfacing.
func (f *FTPFetcher) DownloadToFile(ctx context.Context, ftpURL string) (string, error) {
	host, remotePath, err := parseFTPURL(ftpURL)
	if err != nil {
		return "", err
	}

	local, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) (string, error) {
		return f.downloadOnce(ctx, host, remotePath)
	})
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: ftp download %s", ftpURL)
	}
	return local, nil
}

func (f *FTPFetcher) downloadOnce(ctx context.Context, host, remotePath string) (string, error) {
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "fetcher: ftp dial"))
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return "", eris.Wrap(err, "fetcher: ftp login")
	}

	resp, err := conn.Retr(remotePath)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrapf(err, "fetcher: ftp retrieve %s", remotePath))
	}
	defer resp.Close()

	tmp, err := os.CreateTemp("", "canon-source-*"+filepath.Ext(remotePath))
	if err != nil {
		return "", eris.Wrap(err, "fetcher: create temp file")
	}
	n, err := io.Copy(tmp, resp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", eris.Wrap(err, "fetcher: write temp file")
	}

	zap.L().Debug("fetcher: downloaded source",
		zap.String("host", host),
		zap.String("path", remotePath),
		zap.Int64("bytes", n),
	)
	return tmp.Name(), nil
}

// parseFTPURL extracts the host (with port, defaulting to 21) and the
// remote path from an ftp:// URL.
func parseFTPURL(rawURL string) (host, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "fetcher: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("fetcher: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	if u.Path == "" {
		return "", "", eris.New("fetcher: empty path in ftp url")
	}
	return host, u.Path, nil
}
