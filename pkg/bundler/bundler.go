// Package bundler assembles deployable model bundles: generated inference
// code plus trained weights, packed into a single archive.
package bundler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/docker/model-bundler/pkg/archive"
	"github.com/docker/model-bundler/pkg/codegen"
	"github.com/docker/model-bundler/pkg/logging"
	"github.com/docker/model-bundler/pkg/progress"
	"github.com/docker/model-bundler/pkg/weights"
)

// Stage names, as they appear in logs.
const (
	StageGenerate = "generate"
	StageRetrieve = "retrieve"
	StageArchive  = "archive"
)

// Options configures a Bundler.
type Options struct {
	// WorkspaceRoot is the directory under which per-operation workspaces
	// are created. Defaults to os.TempDir().
	WorkspaceRoot string
	// KeepWorkspace retains workspaces after the operation completes,
	// which is useful when debugging a generator.
	KeepWorkspace bool
	// Format is the default archive format.
	Format archive.Format
}

// Bundler runs the bundling pipeline. It holds no per-operation state and is
// safe for concurrent use.
type Bundler struct {
	log       logging.Logger
	generator codegen.Generator
	store     weights.Store
	opts      Options
	// openDestination opens the weight file in the workspace.
	openDestination func(path string) (io.WriteCloser, error)
}

// New creates a Bundler.
func New(log logging.Logger, generator codegen.Generator, store weights.Store, opts Options) *Bundler {
	if opts.Format == "" {
		opts.Format = archive.DefaultFormat
	}
	return &Bundler{
		log:             log,
		generator:       generator,
		store:           store,
		opts:            opts,
		openDestination: createExclusive,
	}
}

// BundleOption customizes a single CreateBundle call.
type BundleOption func(*operation)

// WithFormat selects the archive format for one call.
func WithFormat(format archive.Format) BundleOption {
	return func(op *operation) {
		if format != "" {
			op.format = format
		}
	}
}

// WithProgress streams JSON-line progress messages to w.
func WithProgress(w io.Writer) BundleOption {
	return func(op *operation) {
		op.progress = w
	}
}

// operation holds the state of one bundling operation. It is never shared
// between calls.
type operation struct {
	model     Model
	blob      string
	format    archive.Format
	progress  io.Writer
	log       logrus.FieldLogger
	workspace string
	blobSize  int64
	bundle    *Bundle
}

// stage is one fallible step of the pipeline.
type stage struct {
	name string
	run  func(ctx context.Context, op *operation) error
	fail func(op *operation, err error) error
}

func (b *Bundler) stages() []stage {
	return []stage{
		{
			name: StageGenerate,
			run:  b.generate,
			fail: func(op *operation, err error) error {
				return &GenerationError{Model: op.model.ID, Err: err}
			},
		},
		{
			name: StageRetrieve,
			run:  b.retrieve,
			fail: func(op *operation, err error) error {
				return &RetrievalError{Model: op.model.ID, Blob: op.blob, Err: err}
			},
		},
		{
			name: StageArchive,
			run:  b.assemble,
			fail: func(op *operation, err error) error {
				return &WorkspaceError{Model: op.model.ID, Err: err}
			},
		},
	}
}

// CreateBundle generates inference code for the model, places its weights
// next to the code and archives the result. Either a complete bundle or an
// error is returned, never both. The error identifies the failed stage: see
// GenerationError, RetrievalError and WorkspaceError.
func (b *Bundler) CreateBundle(ctx context.Context, model Model, opts ...BundleOption) (*Bundle, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}

	op := &operation{
		model:  model,
		blob:   weights.BlobName(model.ID),
		format: b.opts.Format,
		log:    b.log.WithField("model", logging.Sanitize(model.ID)),
	}
	for _, opt := range opts {
		opt(op)
	}

	op.log.Infof("Creating %s bundle", op.format)
	if err := b.allocateWorkspace(op); err != nil {
		err = &WorkspaceError{Model: model.ID, Err: err}
		b.reportFailure(op, err)
		return nil, err
	}
	defer b.releaseWorkspace(op)

	for _, s := range b.stages() {
		start := time.Now()
		if err := ctx.Err(); err != nil {
			err = s.fail(op, err)
			b.reportFailure(op, err)
			return nil, err
		}
		if err := s.run(ctx, op); err != nil {
			err = s.fail(op, err)
			op.log.WithField("stage", s.name).Warnf("Stage failed after %s", time.Since(start).Round(time.Millisecond))
			b.reportFailure(op, err)
			return nil, err
		}
		op.log.WithField("stage", s.name).Infof("Stage completed in %s", time.Since(start).Round(time.Millisecond))
	}

	op.log.Infof("Created bundle with %d files (%s, %s)",
		len(op.bundle.Files), units.HumanSize(float64(len(op.bundle.Data))), op.bundle.Digest)
	if err := progress.WriteSuccess(op.progress, fmt.Sprintf("Bundle created: %s", op.bundle.Digest)); err != nil {
		op.log.Warnf("Failed to write progress: %v", err)
	}
	return op.bundle, nil
}

// HasWeights reports whether the weight blob of a model is present in the
// object store.
func (b *Bundler) HasWeights(ctx context.Context, modelID string) (bool, error) {
	if err := (Model{ID: modelID}).Validate(); err != nil {
		return false, err
	}
	return b.store.Exists(ctx, weights.BlobName(modelID))
}

func (b *Bundler) reportFailure(op *operation, err error) {
	op.log.Warnf("Failed to create bundle: %v", err)
	if werr := progress.WriteError(op.progress, err.Error()); werr != nil {
		op.log.Warnf("Failed to write progress: %v", werr)
	}
}

// generate runs the code generator into the workspace.
func (b *Bundler) generate(ctx context.Context, op *operation) error {
	return b.generator.Generate(ctx, op.workspace, op.model.Architecture)
}

// assemble packs every file of the workspace into a new archive.
func (b *Bundler) assemble(ctx context.Context, op *operation) error {
	entries, err := os.ReadDir(op.workspace)
	if err != nil {
		return fmt.Errorf("list workspace: %w", err)
	}

	var buf bytes.Buffer
	w, err := archive.New(op.format, &buf)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			w.Close()
			return err
		}
		name := entry.Name()
		path := filepath.Join(op.workspace, name)
		switch mode := entry.Type(); {
		case mode&fs.ModeSymlink != 0:
			if path, err = resolveLink(op.workspace, name); err != nil {
				w.Close()
				return err
			}
			op.log.Debugf("Following symlink %q to %s", name, path)
		case entry.IsDir():
			w.Close()
			return fmt.Errorf("unexpected directory %q in workspace: bundles are flat", name)
		case !mode.IsRegular():
			w.Close()
			return fmt.Errorf("unsupported file %q in workspace: not a regular file", name)
		}
		if err := w.AddFile(name, path); err != nil {
			w.Close()
			return fmt.Errorf("add %q to archive: %w", name, err)
		}
		files = append(files, name)
	}
	if err := w.Close(); err != nil {
		return err
	}

	data := buf.Bytes()
	op.bundle = &Bundle{
		Data:   data,
		Format: op.format,
		Digest: digest.FromBytes(data),
		Files:  files,
	}
	return nil
}

// resolveLink resolves the symlink name in workspace. Links whose target
// lies outside the workspace are rejected.
func resolveLink(workspace, name string) (string, error) {
	root, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	target, err := filepath.EvalSymlinks(filepath.Join(workspace, name))
	if err != nil {
		return "", fmt.Errorf("resolve symlink %q: %w", name, err)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("symlink %q points outside the workspace", name)
	}
	return target, nil
}

// allocateWorkspace creates the scratch directory of an operation.
func (b *Bundler) allocateWorkspace(op *operation) error {
	root := b.opts.WorkspaceRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create workspace root %q: %w", root, err)
	}
	dir, err := os.MkdirTemp(root, "bundle-"+op.model.ID+"-*")
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	op.workspace = dir
	op.log = op.log.WithField("workspace", dir)
	return nil
}

// releaseWorkspace removes the scratch directory unless configured to keep
// it. Removal failures are logged only.
func (b *Bundler) releaseWorkspace(op *operation) {
	if b.opts.KeepWorkspace {
		op.log.Infof("Keeping workspace %s", op.workspace)
		return
	}
	if err := os.RemoveAll(op.workspace); err != nil && !errors.Is(err, fs.ErrNotExist) {
		op.log.Warnf("Failed to remove workspace %s: %v", op.workspace, err)
	}
}
