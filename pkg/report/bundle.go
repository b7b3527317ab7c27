package report

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// bundled reports whether a path relative to the job directory belongs
// in the download bundle. Raw uploads and the bundle itself stay out.
func bundled(rel string) bool {
	if rel == BundleFile {
		return false
	}
	top := rel
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		top = rel[:i]
	}
	switch top {
	case imagesDir, resultsDir:
		return true
	case AllObjectsCSV, AllObjectsJSON, ClassCountsCSV, ManifestFile, ErrorsFile:
		return true
	}
	return false
}

// writeBundle packs the job's outputs into bundle.zip at the job
// directory root, replacing any previous bundle. The zip is written to
// a temporary file first so a partially written bundle is never served.
func writeBundle(jobDir string) error {
	tmp, err := os.CreateTemp(jobDir, "bundle-*.zip")
	if err != nil {
		return errors.Wrap(err, "creating bundle")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	zw := zip.NewWriter(tmp)
	walkErr := filepath.Walk(jobDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(jobDir, path)
		if err != nil {
			return err
		}
		if rel == filepath.Base(tmpName) || !bundled(rel) {
			return nil
		}
		return addToZip(zw, path, filepath.ToSlash(rel))
	})
	if walkErr != nil {
		zw.Close()
		tmp.Close()
		return errors.Wrap(walkErr, "packing bundle")
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "closing bundle")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing bundle")
	}
	return os.Rename(tmpName, filepath.Join(jobDir, BundleFile))
}

func addToZip(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
