package archive

import (
	"archive/tar"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

type tarGzWriter struct {
	gw *gzip.Writer
	tw *tar.Writer
}

func newTarGzWriter(w io.Writer) *tarGzWriter {
	gw := gzip.NewWriter(w)
	return &tarGzWriter{gw: gw, tw: tar.NewWriter(gw)}
}

func (t *tarGzWriter) AddFile(name, path string) error {
	if err := validateEntryName(name); err != nil {
		return err
	}
	f, info, err := openRegular(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("create tar header for %s: %w", path, err)
	}
	header.Name = name

	if err := t.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(t.tw, f); err != nil {
		return fmt.Errorf("write tar content for %s: %w", path, err)
	}
	return nil
}

func (t *tarGzWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		t.gw.Close()
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := t.gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	return nil
}
