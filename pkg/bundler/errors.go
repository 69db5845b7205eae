package bundler

import (
	"errors"
	"fmt"
)

// ErrInvalidModel is returned before any stage runs when the model cannot be
// bundled.
var ErrInvalidModel = errors.New("invalid model")

// GenerationError reports a failure of the code generation stage: the
// architecture was rejected or the generator is unavailable.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate code for model %q: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// RetrievalError reports a failure of the weight retrieval stage, on either
// the object store side or the workspace side of the copy.
type RetrievalError struct {
	Model string
	Blob  string
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve weights %q for model %q: %v", e.Blob, e.Model, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// WorkspaceError reports a local filesystem failure outside the retrieval
// copy: allocating the workspace, listing it or archiving its files.
type WorkspaceError struct {
	Model string
	Err   error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("assemble bundle for model %q: %v", e.Model, e.Err)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}
