package bundler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/docker/model-bundler/pkg/progress"
	"github.com/docker/model-bundler/pkg/weights"
)

// retrieve streams the weight blob of the model into the workspace. The read
// end and the write end run as separate goroutines joined by a pipe; the
// stage succeeds only when the blob has been read to EOF and the destination
// file has been written and closed.
func (b *Bundler) retrieve(ctx context.Context, op *operation) error {
	src, size, err := b.store.Open(ctx, op.blob)
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := filepath.Join(op.workspace, weights.FileName)
	dst, err := b.openDestination(dstPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", weights.FileName, err)
	}

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		pw.CloseWithError(context.Cause(gctx))
		pr.CloseWithError(context.Cause(gctx))
	})
	defer stop()

	// Read end: object store -> pipe.
	source := &sideReader{r: progress.NewReader(src, op.progress, op.blob, size)}
	var written int64
	g.Go(func() error {
		_, err := io.Copy(pw, source)
		if source.err != nil {
			err = fmt.Errorf("read %s: %w", op.blob, source.err)
		}
		pw.CloseWithError(err)
		return err
	})

	// Write end: pipe -> workspace file. Close is part of the transfer; a
	// failed close means the file may be incomplete.
	sink := &sideWriter{w: dst}
	g.Go(func() error {
		n, err := io.Copy(sink, pr)
		written = n
		closeErr := dst.Close()
		switch {
		case sink.err != nil:
			err = fmt.Errorf("write %s: %w", weights.FileName, sink.err)
		case err == nil && closeErr != nil:
			err = fmt.Errorf("close %s: %w", weights.FileName, closeErr)
		}
		pr.CloseWithError(err)
		return err
	})

	if err := g.Wait(); err != nil {
		// The partial file must never be archived; the pipeline stops here
		// and the workspace is discarded, but remove it eagerly regardless.
		if rmErr := os.Remove(dstPath); rmErr != nil && !os.IsNotExist(rmErr) {
			op.log.Warnf("Failed to remove partial weights file: %v", rmErr)
		}
		return err
	}
	if size >= 0 && written != size {
		return fmt.Errorf("short transfer of %s: got %d of %d bytes", op.blob, written, size)
	}

	op.blobSize = written
	op.log.Infof("Retrieved %s (%s)", op.blob, units.HumanSize(float64(written)))
	return nil
}

// createExclusive creates the weight file, failing if the generator already
// produced a file with the same name.
func createExclusive(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

// sideReader records errors raised by the wrapped reader, so that they can be
// told apart from errors injected into the pipe by the other side.
type sideReader struct {
	r   io.Reader
	err error
}

func (s *sideReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// sideWriter records errors raised by the wrapped writer.
type sideWriter struct {
	w   io.Writer
	err error
}

func (s *sideWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	} else if n < len(p) {
		s.err = io.ErrShortWrite
		err = io.ErrShortWrite
	}
	return n, err
}
