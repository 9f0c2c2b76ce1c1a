// Package framing reads and writes LSP base-protocol frames: a block of
// `Key: Value\r\n` headers, a blank line, then exactly Content-Length bytes
// of JSON payload.
package framing

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	proxyerrors "github.com/pyright-proxy/pyright-proxy/src/proxy/internal/errors"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/rpc"
)

const (
	_headerContentLength = "Content-Length"
	_headerContentType   = "Content-Type"

	// Accepted Content-Type prefix per the LSP base protocol.
	_contentTypePrefix = "application/vscode-jsonrpc"

	// Safety caps. A header line longer than _maxHeaderLine or a body larger
	// than _maxContentLength is rejected rather than buffered.
	_maxHeaderLine    = 64 * 1024
	_maxContentLength = 128 * 1024 * 1024
)

// Reader decodes one frame at a time from a byte stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader wrapping the given stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read consumes the next frame and returns the parsed message together with
// the raw body bytes. io.EOF is returned only on a clean end of stream
// between frames; any mid-frame truncation is a MalformedFrameError.
func (r *Reader) Read() (*rpc.Message, []byte, error) {
	contentLength, err := r.readHeaders()
	if err != nil {
		return nil, nil, err
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, nil, &proxyerrors.MalformedFrameError{Reason: fmt.Sprintf("stream ended %v into a %d byte body", err, contentLength)}
	}

	msg, err := rpc.Decode(body)
	if err != nil {
		return nil, nil, &proxyerrors.MalformedFrameError{Reason: err.Error()}
	}
	return msg, body, nil
}

// readHeaders consumes header lines up to and including the blank separator
// line and returns the parsed Content-Length.
func (r *Reader) readHeaders() (int, error) {
	contentLength := -1
	firstLine := true

	for {
		line, err := r.readHeaderLine()
		if err != nil {
			if err == io.EOF && firstLine && line == "" {
				return 0, io.EOF
			}
			if err == io.EOF {
				return 0, &proxyerrors.MalformedFrameError{Reason: "stream ended mid-headers"}
			}
			return 0, err
		}
		firstLine = false

		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return 0, &proxyerrors.MalformedFrameError{Reason: fmt.Sprintf("header line without separator: %q", line)}
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(name) {
		case _headerContentLength:
			n, err := strconv.Atoi(value)
			if err != nil {
				return 0, &proxyerrors.MalformedFrameError{Reason: fmt.Sprintf("non-integer Content-Length %q", value)}
			}
			if n < 0 || n > _maxContentLength {
				return 0, &proxyerrors.MalformedFrameError{Reason: fmt.Sprintf("Content-Length %d outside permitted range", n)}
			}
			contentLength = n
		case _headerContentType:
			if !strings.HasPrefix(value, _contentTypePrefix) {
				return 0, &proxyerrors.MalformedFrameError{Reason: fmt.Sprintf("unsupported Content-Type %q", value)}
			}
		default:
			// Other headers are ignored.
		}
	}

	if contentLength < 0 {
		return 0, &proxyerrors.MalformedFrameError{Reason: "missing Content-Length header"}
	}
	return contentLength, nil
}

// readHeaderLine reads one \r\n terminated line, enforcing the line cap.
// The returned line excludes the terminator. io.EOF is returned with the
// partial line read so far.
func (r *Reader) readHeaderLine() (string, error) {
	var b strings.Builder
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return b.String(), io.EOF
			}
			return "", err
		}
		if c == '\n' {
			line := strings.TrimSuffix(b.String(), "\r")
			return line, nil
		}
		if b.Len() >= _maxHeaderLine {
			return "", &proxyerrors.MalformedFrameError{Reason: fmt.Sprintf("header line exceeds %d bytes", _maxHeaderLine)}
		}
		b.WriteByte(c)
	}
}

// Writer encodes frames onto a byte stream. Writes are atomic per message:
// concurrent writers to the same Writer never interleave.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter returns a Writer wrapping the given sink.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write frames and flushes a raw message body.
func (w *Writer) Write(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.w, "%s: %d\r\n\r\n", _headerContentLength, len(body)); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flushing frame: %w", err)
	}
	return nil
}

// WriteMessage encodes and frames a message.
func (w *Writer) WriteMessage(msg *rpc.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return w.Write(body)
}
