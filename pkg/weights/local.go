package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps weight blobs as files in a directory.
type LocalStore struct {
	rootPath string
}

// NewLocalStore creates a LocalStore rooted at rootPath, creating the
// directory if needed.
func NewLocalStore(rootPath string) (*LocalStore, error) {
	if rootPath == "" {
		return nil, errors.New("local weight store requires a root path")
	}
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("create weight store directory %q: %w", rootPath, err)
	}
	return &LocalStore{rootPath: rootPath}, nil
}

// RootPath returns the root path of the store
func (s *LocalStore) RootPath() string {
	return s.rootPath
}

// blobPath returns the path of the named blob, rejecting names that would
// resolve outside the store root.
func (s *LocalStore) blobPath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	path := filepath.Join(s.rootPath, name)

	cleanRootPath := filepath.Clean(s.rootPath)
	cleanPath := filepath.Clean(path)
	relPath, err := filepath.Rel(cleanRootPath, cleanPath)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(os.PathSeparator)) {
		return "", newError(name, CodeInvalidName, "path traversal attempt detected", err)
	}
	return cleanPath, nil
}

// Open implements Store.Open.
func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	path, err := s.blobPath(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, newError(name, CodeBlobUnknown, "blob not found in local store", err)
		}
		return nil, 0, fmt.Errorf("open blob %q: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat blob %q: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, newError(name, CodeBlobUnknown, "blob is not a regular file", nil)
	}
	return f, info.Size(), nil
}

// Exists implements Store.Exists.
func (s *LocalStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.blobPath(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %q: %w", name, err)
	}
	return info.Mode().IsRegular(), nil
}

// WriteBlob implements Writer.WriteBlob. The content is written to an
// incomplete file first and renamed into place once fully written.
func (s *LocalStore) WriteBlob(ctx context.Context, name string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(name)
	if err != nil {
		return err
	}
	f, err := createFile(incompletePath(path))
	if err != nil {
		return fmt.Errorf("create blob file: %w", err)
	}
	defer os.Remove(incompletePath(path))
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("copy blob %q to store: %w", name, err)
	}

	// Rename will fail on Windows if the file is still open.
	if err := f.Close(); err != nil {
		return fmt.Errorf("close blob file: %w", err)
	}
	if err := os.Rename(incompletePath(path), path); err != nil {
		return fmt.Errorf("rename blob file: %w", err)
	}
	return nil
}

// RemoveBlob removes the named blob from the store.
func (s *LocalStore) RemoveBlob(_ context.Context, name string) error {
	path, err := s.blobPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newError(name, CodeBlobUnknown, "blob not found in local store", err)
		}
		return fmt.Errorf("remove blob %q: %w", name, err)
	}
	return nil
}

// createFile is a wrapper around os.Create that creates any parent directories as needed.
func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directory %q: %w", filepath.Dir(path), err)
	}
	return os.Create(path)
}

// incompletePath returns the path to the incomplete file for the given path.
func incompletePath(path string) string {
	return path + ".incomplete"
}
