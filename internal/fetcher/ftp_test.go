package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/canon-cli/internal/config"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "standard ftp url",
			url:      "ftp://ftp.example.com/pub/leads.csv",
			wantHost: "ftp.example.com:21",
			wantPath: "/pub/leads.csv",
		},
		{
			name:     "ftp url with port",
			url:      "ftp://ftp.example.com:2121/exports/crm.xlsx",
			wantHost: "ftp.example.com:2121",
			wantPath: "/exports/crm.xlsx",
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/leads.csv",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://ftp.example.com",
			wantErr: true,
		},
		{
			name:    "invalid url",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNewFTPFetcher_Defaults(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, 30*time.Second, f.timeout)
	assert.Equal(t, 3, f.retry.MaxAttempts)
}

func TestFTPDownload_BadURLFailsBeforeDialing(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	_, err := f.DownloadToFile(context.Background(), "https://example.test/leads.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected ftp scheme")
}

func TestRows_FTPPathWithoutFetcher(t *testing.T) {
	_, err := Rows(context.Background(), Fetchers{}, config.SourceConfig{
		Name: "gov-export",
		Path: "ftp://ftp.example.test/pub/leads.csv",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no matching fetcher")
}

func TestFetchers_ForPath(t *testing.T) {
	httpF := NewHTTPFetcher(HTTPOptions{})
	ftpF := NewFTPFetcher(FTPOptions{})
	both := Fetchers{HTTP: httpF, FTP: ftpF}

	dl, ok := both.forPath("ftp://host/file.csv")
	require.True(t, ok)
	assert.Same(t, ftpF, dl)

	dl, ok = both.forPath("https://host/file.csv")
	require.True(t, ok)
	assert.Same(t, httpF, dl)

	dl, ok = both.forPath("/var/data/file.csv")
	require.True(t, ok)
	assert.Nil(t, dl)
}
