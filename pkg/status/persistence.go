package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgewire/edgesync/pkg/errdefs"
)

// Persistence abstracts where the status blob lives. Hosts on constrained
// platforms supply their own implementation; the default is the local
// filesystem.
type Persistence interface {
	// Read returns the blob at path, or an error wrapping
	// errdefs.ErrNotFound when nothing has been persisted yet.
	Read(path string) ([]byte, error)

	// Write durably replaces the blob at path.
	Write(path string, data []byte) error
}

// FilePersistence stores the blob as a regular file. Writes go to a
// temporary file in the same directory followed by a rename, so a crash
// mid-write never leaves a torn blob behind.
type FilePersistence struct{}

func (FilePersistence) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
		}
		return nil, err
	}
	return data, nil
}

func (FilePersistence) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isNotFound(err error) bool {
	return errors.Is(err, errdefs.ErrNotFound) || os.IsNotExist(err)
}
