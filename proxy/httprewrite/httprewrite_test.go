package httprewrite

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/progre/peercastpcp/pcperr"
)

func TestRewriteHeaders_ForwardsUntilBlankLine(t *testing.T) {
	src := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: x\r\n\r\nbody follows"))
	var dst bytes.Buffer

	err := RewriteHeaders(src, &dst, func(line string) (string, error) { return line, nil })
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n", dst.String())
}

func TestRewriteHeaders_TransformCanMutateLines(t *testing.T) {
	src := bufio.NewReader(strings.NewReader("Host: old\r\n\r\n"))
	var dst bytes.Buffer

	err := RewriteHeaders(src, &dst, func(line string) (string, error) {
		if value, ok := IsHostHeader(line); ok {
			return ReplaceHostHeader(line, "new-"+value), nil
		}
		return line, nil
	})
	require.NoError(t, err)
	require.Equal(t, "Host: new-old\r\n\r\n", dst.String())
}

func TestRewriteHeaders_EOFBeforeBlankLineIsHeaderIncomplete(t *testing.T) {
	src := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: x\r\n"))
	var dst bytes.Buffer

	err := RewriteHeaders(src, &dst, func(line string) (string, error) { return line, nil })
	require.ErrorIs(t, err, pcperr.ErrHeaderIncomplete)
}

func TestParseTipRequestLine_MatchesPlsAndStream(t *testing.T) {
	id, tip, ok := ParseTipRequestLine("GET /pls/DEADBEEF?tip=10.0.0.5:7144 HTTP/1.1\r\n")
	require.True(t, ok)
	require.Equal(t, "DEADBEEF", id)
	require.Equal(t, "10.0.0.5:7144", tip)

	id, tip, ok = ParseTipRequestLine("GET /stream/CAFE?tip=example.com:80 HTTP/1.0\r\n")
	require.True(t, ok)
	require.Equal(t, "CAFE", id)
	require.Equal(t, "example.com:80", tip)
}

func TestParseTipRequestLine_RejectsOtherPaths(t *testing.T) {
	_, _, ok := ParseTipRequestLine("GET /channel/DEADBEEF HTTP/1.1\r\n")
	require.False(t, ok)
}

func TestReplaceTip_RewritesOnlyTipArgument(t *testing.T) {
	line := "GET /pls/DEADBEEF?tip=10.0.0.5:7144 HTTP/1.1\r\n"
	got := ReplaceTip(line, "10.0.0.5:7144", "127.0.0.1:9001")
	require.Equal(t, "GET /pls/DEADBEEF?tip=127.0.0.1:9001 HTTP/1.1\r\n", got)
}

func TestParseChannelRequestLine_MatchesChannelPath(t *testing.T) {
	id, ok := ParseChannelRequestLine("GET /channel/DEADBEEF HTTP/1.1\r\n")
	require.True(t, ok)
	require.Equal(t, "DEADBEEF", id)
}

func TestParseChannelRequestLine_RejectsOtherPaths(t *testing.T) {
	_, ok := ParseChannelRequestLine("GET /pls/DEADBEEF?tip=10.0.0.5:7144 HTTP/1.1\r\n")
	require.False(t, ok)
}

func TestIsPCPContentType(t *testing.T) {
	require.True(t, IsPCPContentType("content-type:  APPLICATION/X-PEERCAST-PCP \r\n"))
	require.False(t, IsPCPContentType("Content-Type: text/html\r\n"))
}

func TestIsPCPRequestHeader(t *testing.T) {
	require.True(t, IsPCPRequestHeader("X-Peercast-Pcp: 1\r\n"))
	require.False(t, IsPCPRequestHeader("X-Other: 1\r\n"))
}
