package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// ExtractSingle extracts the one regular file inside the archive into
// destDir and returns its path. Registry bulk downloads wrap a single
// payload file; anything else is rejected. The entry name is flattened
// to its base name so a hostile path cannot escape destDir.
func ExtractSingle(zipPath, destDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: open archive %s", zipPath)
	}
	defer r.Close() //nolint:errcheck

	var payload *zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if payload != nil {
			return "", eris.Errorf("fetcher: archive %s holds more than one file", zipPath)
		}
		payload = f
	}
	if payload == nil {
		return "", eris.Errorf("fetcher: archive %s is empty", zipPath)
	}

	dest := filepath.Join(destDir, filepath.Base(payload.Name))

	in, err := payload.Open()
	if err != nil {
		return "", eris.Wrap(err, "fetcher: open archive entry")
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: create %s", dest)
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, in); err != nil {
		return "", eris.Wrapf(err, "fetcher: write %s", dest)
	}
	return dest, nil
}
