// Package storage implements the content-addressed file subsystem: the
// local blob store, the IPFS daemon client, the multi-source content
// fetch service and the pin garbage collector.
package storage

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "storage")

// Engine is a write-once blob store keyed by hash.
type Engine interface {
	Read(hash string) ([]byte, error)
	Write(hash string, value []byte) error
	Delete(hash string) error
	Exists(hash string) (bool, error)
}

// FileSystemEngine stores one file per hash under a flat directory.
type FileSystemEngine struct {
	folder string
}

// NewFileSystemEngine creates the blob directory if needed.
func NewFileSystemEngine(folder string) (*FileSystemEngine, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, errors.Wrap(err, "could not create storage folder")
	}
	return &FileSystemEngine{folder: folder}, nil
}

func (e *FileSystemEngine) path(hash string) string {
	return filepath.Join(e.folder, hash)
}

// Read returns the blob bytes, or nil when the hash is not stored.
func (e *FileSystemEngine) Read(hash string) ([]byte, error) {
	value, err := os.ReadFile(e.path(hash))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return value, errors.Wrap(err, "could not read blob")
}

// Write stores the blob. Writes go through a temporary file and a rename,
// so concurrent writers of the same hash are idempotent and readers never
// see partial content.
func (e *FileSystemEngine) Write(hash string, value []byte) error {
	tmp, err := os.CreateTemp(e.folder, hash+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "could not create temporary blob")
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "could not write blob")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "could not close blob")
	}
	return errors.Wrap(os.Rename(tmp.Name(), e.path(hash)), "could not rename blob")
}

// Delete removes the blob, tolerating a missing file.
func (e *FileSystemEngine) Delete(hash string) error {
	err := os.Remove(e.path(hash))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "could not delete blob")
}

// Exists reports whether the hash is stored.
func (e *FileSystemEngine) Exists(hash string) (bool, error) {
	_, err := os.Stat(e.path(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "could not stat blob")
	}
	return true, nil
}
