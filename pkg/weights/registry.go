package weights

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/static"
	ggcrtypes "github.com/google/go-containerregistry/pkg/v1/types"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// DefaultUserAgent is the user agent sent to registries.
	DefaultUserAgent = "model-bundler"
	// MediaTypeWeights is the media type of weight blob layers pushed by
	// RegistryStore.
	MediaTypeWeights = ggcrtypes.MediaType("application/vnd.electricbrain.weights.torch.v1")
)

// RegistryStore reads weight blobs published to an OCI registry. Each blob is
// an artifact tagged with the blob name in a single repository, for example
// registry.example.com/weights:model-42.t7.
type RegistryStore struct {
	repository name.Repository
	transport  http.RoundTripper
	userAgent  string
	keychain   authn.Keychain
	auth       authn.Authenticator
}

// RegistryOption configures a RegistryStore.
type RegistryOption func(*RegistryStore)

// WithTransport sets the HTTP transport used to reach the registry.
func WithTransport(transport http.RoundTripper) RegistryOption {
	return func(s *RegistryStore) {
		if transport != nil {
			s.transport = transport
		}
	}
}

// WithUserAgent sets the user agent sent to the registry.
func WithUserAgent(userAgent string) RegistryOption {
	return func(s *RegistryStore) {
		if userAgent != "" {
			s.userAgent = userAgent
		}
	}
}

// WithAuthConfig sets basic credentials. Without it the default docker
// keychain is used.
func WithAuthConfig(username, password string) RegistryOption {
	return func(s *RegistryStore) {
		if username != "" && password != "" {
			s.auth = &authn.Basic{
				Username: username,
				Password: password,
			}
		}
	}
}

// NewRegistryStore creates a RegistryStore for the given repository.
func NewRegistryStore(repository string, opts ...RegistryOption) (*RegistryStore, error) {
	repo, err := name.NewRepository(repository)
	if err != nil {
		return nil, fmt.Errorf("invalid weight repository %q: %w", repository, err)
	}
	s := &RegistryStore{
		repository: repo,
		transport:  remote.DefaultTransport,
		userAgent:  DefaultUserAgent,
		keychain:   authn.DefaultKeychain,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Repository returns the repository holding the blobs.
func (s *RegistryStore) Repository() string {
	return s.repository.Name()
}

func (s *RegistryStore) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithTransport(s.transport),
		remote.WithUserAgent(s.userAgent),
	}
	// Use direct auth if provided, otherwise fall back to keychain
	if s.auth != nil {
		opts = append(opts, remote.WithAuth(s.auth))
	} else {
		opts = append(opts, remote.WithAuthFromKeychain(s.keychain))
	}
	return opts
}

func (s *RegistryStore) tag(blobName string) (name.Tag, error) {
	if err := ValidateName(blobName); err != nil {
		return name.Tag{}, err
	}
	tag, err := name.NewTag(s.repository.Name() + ":" + blobName)
	if err != nil {
		return name.Tag{}, newError(blobName, CodeInvalidName, "blob name is not a valid tag", err)
	}
	return tag, nil
}

// Open implements Store.Open.
func (s *RegistryStore) Open(ctx context.Context, blobName string) (io.ReadCloser, int64, error) {
	tag, err := s.tag(blobName)
	if err != nil {
		return nil, 0, err
	}
	img, err := remote.Image(tag, s.remoteOptions(ctx)...)
	if err != nil {
		return nil, 0, registryError(blobName, err)
	}
	layer, err := weightsLayer(img, blobName)
	if err != nil {
		return nil, 0, err
	}
	size, err := layer.Size()
	if err != nil {
		size = -1
	}
	// The stored bytes are the weights themselves. Compressed returns them
	// verbatim, whereas Uncompressed would sniff for gzip magic.
	rc, err := layer.Compressed()
	if err != nil {
		return nil, 0, registryError(blobName, err)
	}
	return rc, size, nil
}

// Exists implements Store.Exists.
func (s *RegistryStore) Exists(ctx context.Context, blobName string) (bool, error) {
	tag, err := s.tag(blobName)
	if err != nil {
		return false, err
	}
	if _, err := remote.Head(tag, s.remoteOptions(ctx)...); err != nil {
		err = registryError(blobName, err)
		if errors.Is(err, ErrBlobNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// WriteBlob implements Writer.WriteBlob. It pushes a single-layer artifact
// whose layer carries the blob name as its title annotation.
func (s *RegistryStore) WriteBlob(ctx context.Context, blobName string, r io.Reader) error {
	tag, err := s.tag(blobName)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("read blob %q: %w", blobName, err)
	}
	img, err := mutate.Append(empty.Image, mutate.Addendum{
		Layer: static.NewLayer(buf.Bytes(), MediaTypeWeights),
		Annotations: map[string]string{
			ocispec.AnnotationTitle: blobName,
		},
	})
	if err != nil {
		return fmt.Errorf("build artifact for blob %q: %w", blobName, err)
	}
	if err := remote.Write(tag, img, s.remoteOptions(ctx)...); err != nil {
		return registryError(blobName, err)
	}
	return nil
}

// RemoveBlob implements Remover.RemoveBlob by deleting the tag of the blob.
// Registries that refuse tag deletion report an error.
func (s *RegistryStore) RemoveBlob(ctx context.Context, blobName string) error {
	tag, err := s.tag(blobName)
	if err != nil {
		return err
	}
	if err := remote.Delete(tag, s.remoteOptions(ctx)...); err != nil {
		return registryError(blobName, err)
	}
	return nil
}

// weightsLayer selects the layer holding the named blob: the layer titled
// with the blob name, or the only layer of the artifact.
func weightsLayer(img v1.Image, blobName string) (v1.Layer, error) {
	manifest, err := img.Manifest()
	if err != nil {
		return nil, registryError(blobName, err)
	}
	for _, desc := range manifest.Layers {
		if desc.Annotations[ocispec.AnnotationTitle] == blobName {
			layer, err := img.LayerByDigest(desc.Digest)
			if err != nil {
				return nil, registryError(blobName, err)
			}
			return layer, nil
		}
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, registryError(blobName, err)
	}
	switch len(layers) {
	case 0:
		return nil, newError(blobName, CodeBlobUnknown, "artifact has no layers", nil)
	case 1:
		return layers[0], nil
	default:
		return nil, newError(blobName, CodeAmbiguousContent,
			fmt.Sprintf("artifact has %d layers and none is titled %q", len(layers), blobName), nil)
	}
}

// registryError converts registry failures into Error values.
func registryError(blobName string, err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		for _, diag := range terr.Errors {
			switch diag.Code {
			case transport.ManifestUnknownErrorCode:
				return newError(blobName, CodeManifestUnknown, "weights not found", err)
			case transport.NameUnknownErrorCode:
				return newError(blobName, CodeNameUnknown, "repository not found", err)
			case transport.BlobUnknownErrorCode:
				return newError(blobName, CodeBlobUnknown, "weights layer not found", err)
			case transport.UnauthorizedErrorCode:
				return newError(blobName, CodeUnauthorized, "authentication required for weights", err)
			case transport.DeniedErrorCode:
				return newError(blobName, CodeDenied, "access to weights denied", err)
			}
		}
		switch terr.StatusCode {
		case http.StatusNotFound:
			return newError(blobName, CodeManifestUnknown, "weights not found", err)
		case http.StatusUnauthorized:
			return newError(blobName, CodeUnauthorized, "authentication required for weights", err)
		case http.StatusForbidden:
			return newError(blobName, CodeDenied, "access to weights denied", err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return newError(blobName, CodeUnknown, "registry request failed", err)
}
