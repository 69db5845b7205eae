// Package archive writes bundle archives. Entries are regular files stored in
// a flat namespace.
package archive

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Format identifies an archive container format.
type Format string

const (
	// FormatZip is a deflate-compressed zip archive.
	FormatZip Format = "zip"
	// FormatTarGz is a gzip-compressed tar archive.
	FormatTarGz Format = "tar.gz"
)

// DefaultFormat is the format used when none is requested.
const DefaultFormat = FormatZip

// ParseFormat parses a format name. The empty string selects DefaultFormat.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultFormat, nil
	case "zip":
		return FormatZip, nil
	case "tar.gz", "tgz":
		return FormatTarGz, nil
	default:
		return "", fmt.Errorf("unsupported archive format %q", s)
	}
}

// Extension returns the file extension, without a leading dot.
func (f Format) Extension() string {
	return string(f)
}

// MediaType returns the MIME type of the format.
func (f Format) MediaType() string {
	switch f {
	case FormatTarGz:
		return "application/gzip"
	default:
		return "application/zip"
	}
}

// Writer adds files to an archive.
type Writer interface {
	// AddFile adds the regular file at path as an entry called name.
	AddFile(name, path string) error
	// Close finishes the archive. The underlying writer is not closed.
	Close() error
}

// New creates an archive Writer of the given format writing to w.
func New(format Format, w io.Writer) (Writer, error) {
	switch format {
	case FormatZip:
		return newZipWriter(w), nil
	case FormatTarGz:
		return newTarGzWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported archive format %q", format)
	}
}

// validateEntryName checks that name is a single path element.
func validateEntryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid archive entry name %q", name)
	}
	return nil
}

// openRegular opens path and checks that it is a regular file.
func openRegular(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat file %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("not a regular file: %s", path)
	}
	return f, info, nil
}
