package weights

import (
	"errors"
	"fmt"
)

var (
	ErrBlobNotFound = errors.New("weight blob not found")
	ErrUnauthorized = errors.New("unauthorized access to weight blob")
	ErrInvalidName  = errors.New("invalid weight blob name")
)

// Error codes. The registry codes follow the OCI distribution spec.
const (
	CodeInvalidName      = "INVALID_NAME"
	CodeBlobUnknown      = "BLOB_UNKNOWN"
	CodeManifestUnknown  = "MANIFEST_UNKNOWN"
	CodeNameUnknown      = "NAME_UNKNOWN"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeDenied           = "DENIED"
	CodeAmbiguousContent = "AMBIGUOUS_CONTENT"
	CodeUnknown          = "UNKNOWN"
)

// Error represents a failure to access a weight blob.
type Error struct {
	Name    string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("weight blob %q: %s - %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("weight blob %q: %s - %s: %v", e.Name, e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error matching for Error
func (e *Error) Is(target error) bool {
	switch target {
	case ErrBlobNotFound:
		return e.Code == CodeBlobUnknown || e.Code == CodeManifestUnknown || e.Code == CodeNameUnknown
	case ErrUnauthorized:
		return e.Code == CodeUnauthorized || e.Code == CodeDenied
	case ErrInvalidName:
		return e.Code == CodeInvalidName
	default:
		return false
	}
}

func newError(name, code, message string, err error) error {
	return &Error{
		Name:    name,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
