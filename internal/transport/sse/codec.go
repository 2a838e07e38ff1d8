package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/model"
)

// MaxFrameSize is the maximum size of a frame, including its field names.
const MaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned when a frame exceeds the reader size limit.
var ErrFrameTooLarge = errors.New("sse: frame too large")

// Reader decodes text/event-stream frames.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader returns a frame reader over r limited to MaxFrameSize frames.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, MaxFrameSize)
}

// NewReaderSize returns a frame reader over r limited to max bytes frames.
func NewReaderSize(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), max: max}
}

// Next reads until a complete frame is dispatched. Comments and blocks without
// data are skipped. Frames without an id field have an empty cursor.
func (r *Reader) Next() (event.Frame, error) {
	var (
		label   string
		id      string
		data    []byte
		hasData bool
		size    int
	)

	for {
		line, err := r.readLine(r.max - size)
		if err != nil {
			// A partial frame at the end of the stream is never dispatched.
			return event.Frame{}, err
		}
		size += len(line)
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				label, id = "", ""
				size = 0
				continue
			}
			if label == "" {
				label = "message"
			}
			return event.Frame{Label: label, Cursor: model.Cursor(id), Data: data}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			label = value
		case "data":
			if hasData {
				data = append(data, '\n')
			}
			data = append(data, value...)
			hasData = true
		case "id":
			// Ids with NULL are ignored by the event stream format.
			if !strings.ContainsRune(value, 0) {
				id = value
			}
		}
	}
}

// readLine reads a line including its terminator, failing when it is longer
// than limit bytes.
func (r *Reader) readLine(limit int) (string, error) {
	var line []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			return "", fmt.Errorf("%w: over %d bytes", ErrFrameTooLarge, r.max)
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return string(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return "", err
		}
	}
}

// WriteFrame encodes a frame in the text/event-stream format.
func WriteFrame(w io.Writer, f event.Frame) error {
	var b bytes.Buffer
	if !f.Cursor.IsZero() {
		fmt.Fprintf(&b, "id: %s\n", f.Cursor)
	}
	if f.Label != "" {
		fmt.Fprintf(&b, "event: %s\n", f.Label)
	}
	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	_, err := w.Write(b.Bytes())
	return err
}

// WriteComment writes a comment line, used as heartbeat.
func WriteComment(w io.Writer, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}
