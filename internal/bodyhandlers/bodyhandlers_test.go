package bodyhandlers

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectChunkedWinsRegardlessOfContentLength(t *testing.T) {
	h := http.Header{}
	h.Set("Transfer-Encoding", "CHUNKED")
	h.Set("Content-Length", "5")
	require.Equal(t, Chunked, Select(h))
}

func TestSelectBufferedUnderThreshold(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "100")
	require.Equal(t, Buffered, Select(h))
}

func TestSelectStreamingAtOrAboveThreshold(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "102400")
	require.Equal(t, Streaming, Select(h))
}

func TestSelectStreamingWhenNoLengthInfo(t *testing.T) {
	require.Equal(t, Streaming, Select(http.Header{}))
}

func TestBufferedHandlerAccumulatesUntilFinish(t *testing.T) {
	var out bytes.Buffer
	h := New(Buffered)
	require.NoError(t, h.WriteChunk(&out, []byte("hello ")))
	require.False(t, h.Sent())
	require.Empty(t, out.String())

	require.NoError(t, h.WriteChunk(&out, []byte("world")))
	require.NoError(t, h.Finish(&out))
	require.True(t, h.Sent())
	require.Equal(t, "hello world", out.String())
}

func TestStreamingHandlerWritesImmediately(t *testing.T) {
	var out bytes.Buffer
	h := New(Streaming)
	require.NoError(t, h.WriteChunk(&out, []byte("a")))
	require.True(t, h.Sent())
	require.Equal(t, "a", out.String())
	require.NoError(t, h.WriteChunk(&out, []byte("b")))
	require.Equal(t, "ab", out.String())
	require.NoError(t, h.Finish(&out))
}

func TestChunkedHandlerWritesImmediately(t *testing.T) {
	var out bytes.Buffer
	h := New(Chunked)
	require.NoError(t, h.WriteChunk(&out, []byte(strings.Repeat("x", 10))))
	require.True(t, h.Sent())
	require.Len(t, out.String(), 10)
}
