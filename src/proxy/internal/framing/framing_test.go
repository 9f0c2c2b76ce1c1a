package framing

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyerrors "github.com/pyright-proxy/pyright-proxy/src/proxy/internal/errors"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/rpc"
)

func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

func TestReadMessage(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	r := NewReader(strings.NewReader(frame(body)))

	msg, raw, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte(body), raw)
	assert.Equal(t, "initialize", msg.Method)
	assert.True(t, msg.IsRequest())
}

func TestReadMessageExtraHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"initialized"}`
	in := fmt.Sprintf("Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: %d\r\nX-Custom: whatever\r\n\r\n%s", len(body), body)
	r := NewReader(strings.NewReader(in))

	msg, _, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "initialized", msg.Method)
}

func TestReadMessageSequence(t *testing.T) {
	first := `{"jsonrpc":"2.0","id":1,"method":"a"}`
	second := `{"jsonrpc":"2.0","id":2,"method":"b"}`
	r := NewReader(strings.NewReader(frame(first) + frame(second)))

	msg, _, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "a", msg.Method)

	msg, _, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, "b", msg.Method)

	_, _, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestReadMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{
			name: "missing content length",
			in:   "Content-Type: application/vscode-jsonrpc\r\n\r\n{}",
		},
		{
			name: "non-integer content length",
			in:   "Content-Length: twelve\r\n\r\n{}",
		},
		{
			name: "negative content length",
			in:   "Content-Length: -5\r\n\r\n{}",
		},
		{
			name: "content length beyond cap",
			in:   "Content-Length: 999999999999\r\n\r\n{}",
		},
		{
			name: "unsupported content type",
			in:   "Content-Length: 2\r\nContent-Type: text/html\r\n\r\n{}",
		},
		{
			name: "header line without separator",
			in:   "Content-Length 2\r\n\r\n{}",
		},
		{
			name: "truncated body",
			in:   "Content-Length: 50\r\n\r\n{\"jsonrpc\":\"2.0\"}",
		},
		{
			name: "eof mid headers",
			in:   "Content-Length: 10\r\n",
		},
		{
			name: "header line beyond cap",
			in:   "X-Pad: " + strings.Repeat("a", 65*1024) + "\r\nContent-Length: 2\r\n\r\n{}",
		},
		{
			name: "body is not json",
			in:   frame("not json"),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tt.in))
			_, _, err := r.Read()
			require.Error(t, err)

			var malformed *proxyerrors.MalformedFrameError
			assert.ErrorAs(t, err, &malformed)
		})
	}
}

func TestWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	msg, err := rpc.NewRequest(rpc.NewNumberID(1), "test", nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(msg))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Content-Length: "))
	assert.Contains(t, out, "\r\n\r\n")
}

func TestRoundTrip(t *testing.T) {
	payloads := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"rootUri":"file:///tmp/x"}}`,
		`{"jsonrpc":"2.0","method":"textDocument/didOpen","params":{"textDocument":{"uri":"file:///tmp/x/a.py","text":"x = 1\n","custom":[1,2]}}}`,
		`{"jsonrpc":"2.0","id":"s-1","result":null}`,
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, p := range payloads {
		require.NoError(t, w.Write([]byte(p)))
	}

	r := NewReader(&buf)
	for _, p := range payloads {
		_, raw, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, p, string(raw))
	}
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			body := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"w%d"}`, n))
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, w.Write(body))
			}
		}(i)
	}
	wg.Wait()

	r := NewReader(&buf)
	count := 0
	for {
		msg, _, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(msg.Method, "w"))
		count++
	}
	assert.Equal(t, writers*perWriter, count)
}
