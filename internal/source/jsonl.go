package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/miszen/internal/event"
)

// maxLineSize bounds a single JSON event line.
const maxLineSize = 1 << 20

// Lines reads one JSON event per line. Blank lines are ignored; lines that
// do not decode are logged and skipped.
type Lines struct {
	r      io.Reader
	name   string
	logger *slog.Logger
}

// NewLines creates a JSON lines source reading r. name identifies the input
// in logs, e.g. "stdin".
func NewLines(r io.Reader, name string, logger *slog.Logger) *Lines {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lines{r: r, name: name, logger: logger}
}

type line struct {
	n    int
	data []byte
}

// Run reads until EOF, ctx is cancelled, or the sink closes. Reaching EOF
// is not an error.
func (l *Lines) Run(ctx context.Context, sink Sink) error {
	lines := make(chan line)
	scanErr := make(chan error, 1)

	// The scanner blocks in Read, which ctx cannot interrupt, so it runs on
	// its own goroutine.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(l.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		n := 0
		for sc.Scan() {
			n++
			data := bytes.TrimSpace(sc.Bytes())
			if len(data) == 0 {
				continue
			}
			select {
			case lines <- line{n: n, data: bytes.Clone(data)}:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ln, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read %s: %w", l.name, err)
					}
				default:
				}
				l.logger.Debug("event input closed", "source", l.name)
				return nil
			}
			ev, err := event.Parse(ln.data)
			if err != nil {
				l.logger.Warn("skipping malformed event", "source", l.name, "line", ln.n, "error", err)
				continue
			}
			if ev.Metadata.Source == "" {
				ev.Metadata.Source = l.name
			}
			if !sink.Enqueue(ev) {
				return nil
			}
		}
	}
}
