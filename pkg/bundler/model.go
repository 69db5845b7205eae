package bundler

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/opencontainers/go-digest"

	"github.com/docker/model-bundler/pkg/archive"
)

// Model identifies a trained model instance.
type Model struct {
	// ID is the unique model identifier. It names the weight blob.
	ID string `json:"id"`
	// Architecture is the architecture description handed to the code
	// generator unchanged.
	Architecture json.RawMessage `json:"architecture"`
}

// modelIDMatcher restricts identifiers to characters that are safe in blob
// names, file names and registry tags.
var modelIDMatcher = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,99}$`)

// Validate checks that the model can be bundled.
func (m Model) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing model id", ErrInvalidModel)
	}
	if !modelIDMatcher.MatchString(m.ID) {
		return fmt.Errorf("%w: model id %q must match %s", ErrInvalidModel, m.ID, modelIDMatcher.String())
	}
	return nil
}

// Bundle is a deployable archive of a model.
type Bundle struct {
	// Data is the serialized archive.
	Data []byte
	// Format is the archive format of Data.
	Format archive.Format
	// Digest is the sha256 digest of Data.
	Digest digest.Digest
	// Files lists the archive entry names in archive order.
	Files []string
}

// FileName returns the conventional file name for the bundle of a model.
func (b *Bundle) FileName(modelID string) string {
	return fmt.Sprintf("model-%s.%s", modelID, b.Format.Extension())
}
