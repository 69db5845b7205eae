package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/model-bundler/pkg/progress"
)

// progressDisplay renders JSON-line progress messages as a single
// self-overwriting terminal line.
type progressDisplay struct {
	out   io.Writer
	buf   bytes.Buffer
	shown bool
}

func newProgressDisplay(out io.Writer) *progressDisplay {
	return &progressDisplay{out: out}
}

func (d *progressDisplay) Write(p []byte) (int, error) {
	d.buf.Write(p)
	for {
		line, err := d.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			d.buf.Write(line)
			return len(p), nil
		}
		d.render(bytes.TrimSpace(line))
	}
}

func (d *progressDisplay) render(line []byte) {
	if len(line) == 0 {
		return
	}
	var msg progress.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "progress":
		fmt.Fprint(d.out, "\r\033[K", msg.Message)
		d.shown = true
	default:
		// Success and error outcomes are reported by the command itself.
	}
}

// Finish terminates the progress line, if one was shown.
func (d *progressDisplay) Finish() {
	if d.shown {
		fmt.Fprintln(d.out)
		d.shown = false
	}
}
