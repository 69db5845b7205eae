// Package weights provides access to trained weight blobs. Blobs are
// addressed by a name derived deterministically from the model identifier.
package weights

import (
	"context"
	"fmt"
	"io"
	"regexp"
)

const (
	// Extension is the file extension of serialized weight blobs.
	Extension = "t7"
	// FileName is the fixed name under which weights are placed in a bundle.
	FileName = "model." + Extension
)

// BlobName returns the name of the weight blob for the given model
// identifier.
func BlobName(modelID string) string {
	return fmt.Sprintf("model-%s.%s", modelID, Extension)
}

// nameMatcher matches names that are safe as a single path element and as an
// OCI tag.
var nameMatcher = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// ValidateName checks that a blob name is usable by every store
// implementation.
func ValidateName(name string) error {
	if !nameMatcher.MatchString(name) {
		return &Error{Name: name, Code: CodeInvalidName, Message: "blob name must match " + nameMatcher.String()}
	}
	return nil
}

// Store is a read-only object store holding weight blobs.
type Store interface {
	// Open opens a stream of the named blob. The returned size is -1 when it
	// is not known in advance. The caller must close the stream.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// Exists reports whether the named blob is present.
	Exists(ctx context.Context, name string) (bool, error)
}

// Writer is implemented by stores that accept new blobs.
type Writer interface {
	// WriteBlob stores the contents of r under name, replacing any existing
	// blob. A failed write never leaves a readable partial blob behind.
	WriteBlob(ctx context.Context, name string, r io.Reader) error
}

// Remover is implemented by stores that can delete blobs.
type Remover interface {
	// RemoveBlob deletes the named blob. Removing a missing blob fails with
	// an error matching ErrBlobNotFound.
	RemoveBlob(ctx context.Context, name string) error
}

// ReadWriter is a Store that also accepts and removes blobs.
type ReadWriter interface {
	Store
	Writer
	Remover
}
