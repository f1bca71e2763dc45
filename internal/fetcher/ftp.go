package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures an FTPSource.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPSource downloads taxonomy files from anonymous FTP mirrors.
type FTPSource struct {
	timeout time.Duration
}

func NewFTPSource(opts FTPOptions) *FTPSource {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPSource{timeout: opts.Timeout}
}

// splitFTPURL returns the dial address (port 21 unless given) and the
// remote path of an ftp:// URL.
func splitFTPURL(rawURL string) (addr, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrapf(err, "fetcher: parse url %s", rawURL)
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("fetcher: expected ftp scheme, got %q", u.Scheme)
	}
	if u.Path == "" {
		return "", "", eris.Errorf("fetcher: no path in %s", rawURL)
	}

	addr = u.Host
	if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
		addr = net.JoinHostPort(addr, "21")
	}
	return addr, u.Path, nil
}

// Fetch downloads rawURL to dest over a fresh anonymous connection.
func (s *FTPSource) Fetch(ctx context.Context, rawURL, dest string) error {
	addr, path, err := splitFTPURL(rawURL)
	if err != nil {
		return err
	}

	zap.L().Debug("ftp fetch", zap.String("addr", addr), zap.String("path", path))

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(s.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return eris.Wrapf(err, "fetcher: ftp dial %s", addr)
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return eris.Wrap(err, "fetcher: ftp login")
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return eris.Wrapf(err, "fetcher: ftp retrieve %s", path)
	}
	defer resp.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "fetcher: create %s", dest)
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, resp); err != nil {
		return eris.Wrapf(err, "fetcher: write %s", dest)
	}
	return nil
}
