package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

type zipWriter struct {
	zw *zip.Writer
}

func newZipWriter(w io.Writer) *zipWriter {
	return &zipWriter{zw: zip.NewWriter(w)}
}

func (z *zipWriter) AddFile(name, path string) error {
	if err := validateEntryName(name); err != nil {
		return err
	}
	f, info, err := openRegular(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("create zip header for %s: %w", path, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	entry, err := z.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("write zip header: %w", err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("write zip content for %s: %w", path, err)
	}
	return nil
}

func (z *zipWriter) Close() error {
	if err := z.zw.Close(); err != nil {
		return fmt.Errorf("close zip writer: %w", err)
	}
	return nil
}
