package coordinator

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/otabuilder/otabuilder/internal/otaerr"
)

// ExtractZipPackage unpacks a zip-container source/target package (the
// on-disk form a package typically arrives in, §6) into a fresh
// subdirectory of Options.TempDir, returning that directory's path.
// Grounded on original_source/build_update.py's unzip_package: a package
// is either a zip file or an already-extracted directory, and the
// incremental pipeline only ever looks at extracted paths.
//
// An entry whose cleaned path is absolute or starts with ".." aborts the
// extraction with PackageZipEntryUnsafe, so a malicious zip cannot escape
// destDir (the original's
// unzip_package trusted its own build outputs; this module does not make
// that assumption for a standalone library function).
func (c *Coordinator) ExtractZipPackage(ctx context.Context, zipPath string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", otaerr.Input("PackageZipOpen", err)
	}
	defer r.Close()

	destDir, err := os.MkdirTemp(c.Options.TempDir, "pkg-*")
	if err != nil {
		return "", otaerr.IO("TempFileCreate", err)
	}

	for _, f := range r.File {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return "", otaerr.Input("PackageZipEntryUnsafe", &zipEntryError{name: f.Name})
		}
		dest := filepath.Join(destDir, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return "", otaerr.IO("PackageZipMkdir", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", otaerr.IO("PackageZipMkdir", err)
		}
		if err := extractOne(f, dest); err != nil {
			return "", err
		}
	}
	return destDir, nil
}

func extractOne(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return otaerr.IO("PackageZipRead", err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return otaerr.IO("PackageZipCreate", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return otaerr.IO("PackageZipWrite", err)
	}
	return nil
}

type zipEntryError struct{ name string }

func (e *zipEntryError) Error() string {
	return "unsafe zip entry path: " + e.name
}
