// Package fetcher retrieves registry taxonomy files over HTTP and FTP
// and decodes the formats they are published in: CSV dumps in legacy
// charsets, XLSX workbooks, the classification API's XML and JSON
// renditions, and zip-wrapped copies of any of those.
package fetcher

import (
	"context"
	"net/url"

	"github.com/rotisserie/eris"
)

// A Source downloads one remote file to local disk.
type Source interface {
	Fetch(ctx context.Context, rawURL, dest string) error
}

// ForURL selects a Source by URL scheme.
func ForURL(rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %s", rawURL)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(HTTPOptions{}), nil
	case "ftp":
		return NewFTPSource(FTPOptions{}), nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}
