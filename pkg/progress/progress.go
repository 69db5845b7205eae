package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"
)

// UpdateInterval defines how often progress updates should be sent
const UpdateInterval = 100 * time.Millisecond

// MinBytesForUpdate defines the minimum number of bytes that need to be transferred
// before sending a progress update
const MinBytesForUpdate = 1024 * 1024 // 1MB

// Blob describes the transfer of a single weight blob.
type Blob struct {
	Name    string `json:"name"`
	Size    uint64 `json:"size"`    // 0 when the size is not known up front
	Current uint64 `json:"current"` // bytes transferred so far
}

// Message represents a structured message for progress reporting
type Message struct {
	Type    string `json:"type"`           // "progress", "success", or "error"
	Message string `json:"message"`        // Human-readable message
	Blob    *Blob  `json:"blob,omitempty"` // Set on "progress" messages
}

// DownloadMsg formats the human-readable part of a retrieval update.
func DownloadMsg(current int64) string {
	return fmt.Sprintf("Downloaded: %s", units.HumanSize(float64(current)))
}

// WriteProgress writes a progress update message
func WriteProgress(w io.Writer, msg string, total, current uint64, name string) error {
	return write(w, Message{
		Type:    "progress",
		Message: msg,
		Blob: &Blob{
			Name:    name,
			Size:    total,
			Current: current,
		},
	})
}

// WriteSuccess writes a success message
func WriteSuccess(w io.Writer, message string) error {
	return write(w, Message{
		Type:    "success",
		Message: message,
	})
}

// WriteError writes an error message
func WriteError(w io.Writer, message string) error {
	return write(w, Message{
		Type:    "error",
		Message: message,
	})
}

// write writes a JSON-formatted progress message to the writer
func write(w io.Writer, msg Message) error {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// Reader wraps a blob stream and reports transfer progress to a writer.
// Updates are throttled by UpdateInterval and MinBytesForUpdate; the final
// update is always written when the stream reaches EOF.
type Reader struct {
	r     io.Reader
	out   io.Writer
	name  string
	total uint64

	complete     int64
	lastComplete int64
	lastUpdate   time.Time
	// err records the first failure to write progress. Reporting stops after
	// it, but the transfer itself is unaffected.
	err error
}

// NewReader creates a progress-reporting reader. A nil out disables
// reporting. A negative total means the size is unknown.
func NewReader(r io.Reader, out io.Writer, name string, total int64) *Reader {
	return &Reader{
		r:     r,
		out:   out,
		name:  name,
		total: safeUint64(total),
	}
}

// Read implements io.Reader.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.complete += int64(n)
	if err == io.EOF {
		pr.report(true)
	} else if n > 0 {
		pr.report(false)
	}
	return n, err
}

// Complete returns the number of bytes read so far.
func (pr *Reader) Complete() int64 {
	return pr.complete
}

// Err returns the first error encountered while writing progress.
func (pr *Reader) Err() error {
	return pr.err
}

func (pr *Reader) report(final bool) {
	if pr.out == nil || pr.err != nil {
		return
	}
	now := time.Now()
	if !final &&
		now.Sub(pr.lastUpdate) < UpdateInterval &&
		pr.complete-pr.lastComplete < MinBytesForUpdate {
		return
	}
	if final && pr.complete == pr.lastComplete && !pr.lastUpdate.IsZero() {
		return
	}
	if err := WriteProgress(pr.out, DownloadMsg(pr.complete), pr.total, safeUint64(pr.complete), pr.name); err != nil {
		pr.err = err
	}
	pr.lastUpdate = now
	pr.lastComplete = pr.complete
}

// safeUint64 converts an int64 to uint64, ensuring the value is non-negative
func safeUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
