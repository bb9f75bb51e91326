package pipe

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/progre/peercastpcp/diag"
	"github.com/progre/peercastpcp/pcperr"
)

func TestCopy_ForwardsBytesUntilEOF(t *testing.T) {
	src := strings.NewReader("hello world")
	var dst bytes.Buffer
	var sinkBuf bytes.Buffer
	sink := diag.NewSink(&sinkBuf)

	err := Copy(src, &dst, sink, diag.Record{ClientHost: "c", ServerHost: "s", Direction: diag.Upload}, true)
	require.NoError(t, err)
	require.Equal(t, "hello world", dst.String())
	require.Contains(t, sinkBuf.String(), "(raw data stream)")
}

func TestCopy_EmptyReadEmitsNoMarker(t *testing.T) {
	src := strings.NewReader("")
	var dst bytes.Buffer
	var sinkBuf bytes.Buffer
	sink := diag.NewSink(&sinkBuf)

	err := Copy(src, &dst, sink, diag.Record{}, true)
	require.NoError(t, err)
	require.Empty(t, sinkBuf.String())
}

type erroringReader struct{ err error }

func (r erroringReader) Read([]byte) (int, error) { return 0, r.err }

type erroringWriter struct{ err error }

func (w erroringWriter) Write([]byte) (int, error) { return 0, w.err }

func TestCopy_ReadErrorClassifiedIncoming(t *testing.T) {
	boom := errors.New("boom")
	var sinkBuf bytes.Buffer
	sink := diag.NewSink(&sinkBuf)

	err := Copy(erroringReader{err: boom}, io.Discard, sink, diag.Record{}, true)
	dir, ok := pcperr.As(err)
	require.True(t, ok)
	require.Equal(t, pcperr.ByIncoming, dir)
}

func TestCopy_WriteErrorClassifiedOutgoing(t *testing.T) {
	boom := errors.New("boom")
	var sinkBuf bytes.Buffer
	sink := diag.NewSink(&sinkBuf)

	err := Copy(strings.NewReader("x"), erroringWriter{err: boom}, sink, diag.Record{}, true)
	dir, ok := pcperr.As(err)
	require.True(t, ok)
	require.Equal(t, pcperr.ByOutgoing, dir)
}
