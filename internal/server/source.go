package server

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/Pablu23/remcat/internal/common"
)

// Source resolves requested filenames to readable content. Open errors that
// wrap common.ErrFileNotFound or common.ErrAccessViolation are reported to the
// client with the matching code.
type Source interface {
	Open(filename string) (io.ReadCloser, error)
}

// DirSource serves regular files below Root.
type DirSource struct {
	Root string
}

func NewDirSource(root string) (*DirSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &DirSource{Root: abs}, nil
}

func (d *DirSource) Open(filename string) (io.ReadCloser, error) {
	path := filepath.Clean(filepath.Join(d.Root, filename))

	rel, err := filepath.Rel(d.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, errors.Wrapf(common.ErrAccessViolation, "%v is outside %v", filename, d.Root)
	}

	file, err := os.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, errors.Wrapf(common.ErrFileNotFound, "%v", filename)
		case errors.Is(err, fs.ErrPermission):
			return nil, errors.Wrapf(common.ErrAccessViolation, "%v", filename)
		}
		return nil, err
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		file.Close()
		return nil, errors.Wrapf(common.ErrAccessViolation, "%v is not a regular file", filename)
	}

	return file, nil
}
