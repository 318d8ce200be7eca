package transfer

import (
	"io"
	"os"
	"path/filepath"

	"github.com/teranos/harvest/errors"
)

// Writer is an append-at-offset handle onto a destination.
type Writer interface {
	io.Writer
	Sync() error
	Close() error
}

// Destination receives a unit's bytes. Writes go to a partial location until Commit.
type Destination interface {
	// Size returns how many bytes the partial location currently holds.
	Size() (int64, error)
	// OpenAt returns a writer positioned at offset. Anything past offset is dropped,
	// since it is not covered by recorded progress.
	OpenAt(offset int64) (Writer, error)
	// Reader reads the partial content from the start, for validation.
	Reader() (io.ReadCloser, error)
	// Commit publishes the partial content and returns its final location.
	Commit() (string, error)
	// Discard removes the partial content.
	Discard() error
}

// FileDestination writes to <Path>.part and renames it to Path on commit.
type FileDestination struct {
	Path string
}

// NewFileDestination creates a destination for path.
func NewFileDestination(path string) *FileDestination {
	return &FileDestination{Path: path}
}

// PartPath is where bytes are written before commit.
func (d *FileDestination) PartPath() string {
	return d.Path + ".part"
}

// Size returns the partial file's size, 0 when it does not exist.
func (d *FileDestination) Size() (int64, error) {
	info, err := os.Stat(d.PartPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat %s", d.PartPath())
	}
	return info.Size(), nil
}

// OpenAt opens the partial file for writing at offset, truncating anything after it.
func (d *FileDestination) OpenAt(offset int64) (Writer, error) {
	if offset < 0 {
		return nil, errors.NewInvalidRequestError("negative offset %d", offset)
	}
	if err := os.MkdirAll(filepath.Dir(d.Path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %s", d.Path)
	}

	f, err := os.OpenFile(d.PartPath(), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", d.PartPath())
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to truncate %s to %d", d.PartPath(), offset)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to seek %s to %d", d.PartPath(), offset)
	}
	return f, nil
}

// Reader opens the partial file for reading.
func (d *FileDestination) Reader() (io.ReadCloser, error) {
	f, err := os.Open(d.PartPath())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", d.PartPath())
	}
	return f, nil
}

// Commit renames the partial file into place.
func (d *FileDestination) Commit() (string, error) {
	if err := os.Rename(d.PartPath(), d.Path); err != nil {
		return "", errors.Wrapf(err, "failed to commit %s", d.Path)
	}
	return d.Path, nil
}

// Discard removes the partial file. A missing file is not an error.
func (d *FileDestination) Discard() error {
	if err := os.Remove(d.PartPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to discard %s", d.PartPath())
	}
	return nil
}
