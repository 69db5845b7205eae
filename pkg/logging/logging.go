package logging

import (
	"io"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface shared by bundler components. It is
// satisfied by both *logrus.Logger and *logrus.Entry.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// maxSanitizedLength bounds the length of sanitized values.
const maxSanitizedLength = 100

// Sanitize makes an untrusted value (such as a model identifier taken from a
// request) safe to embed in a log line. Line breaks and tabs are escaped,
// other control and non-printable characters are replaced with '?', and the
// result is truncated.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			result.WriteString(`\n`)
		case r == '\r':
			result.WriteString(`\r`)
		case r == '\t':
			result.WriteString(`\t`)
		case r == '\\':
			result.WriteString(`\\`)
		case unicode.IsControl(r), !unicode.IsPrint(r):
			result.WriteByte('?')
		default:
			result.WriteRune(r)
		}
	}

	if result.Len() > maxSanitizedLength {
		return result.String()[:maxSanitizedLength] + "...[truncated]"
	}
	return result.String()
}

// Discard returns a logger that drops everything written to it.
func Discard() Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
