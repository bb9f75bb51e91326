// Package httprewrite implements the line-oriented HTTP header
// rewriter (C5): it reads a header block line by line, offers each
// line to a caller-supplied transform, and forwards the (possibly
// mutated) line to the peer.
package httprewrite

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/progre/peercastpcp/pcperr"
)

// TransformFunc mutates one CRLF-terminated header line (or the final
// blank line) before it is forwarded. It returns the line to write,
// which may differ from the input.
type TransformFunc func(line string) (string, error)

// RewriteHeaders reads CRLF-terminated lines from src until an empty
// line (the header/body boundary) is read, passing each through
// transform and writing the result to dst. EOF before the blank line is
// pcperr.ErrHeaderIncomplete. Read/write errors are classified into
// pcperr.ByIncoming/ByOutgoing.
func RewriteHeaders(src *bufio.Reader, dst io.Writer, transform TransformFunc) error {
	for {
		line, err := src.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return errors.Wrap(pcperr.ErrHeaderIncomplete, "connection closed before blank line")
			}
			return pcperr.Incoming(err)
		}

		rewritten, err := transform(line)
		if err != nil {
			return err
		}
		if _, err := dst.Write([]byte(rewritten)); err != nil {
			return pcperr.Outgoing(err)
		}

		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// requestLineRe matches the request-side tip-rewrite target:
// GET /pls/<hex>?tip=<host>... or GET /stream/<hex>?tip=<host>...
var requestLineRe = regexp.MustCompile(`^GET /(pls|stream)/([0-9A-Fa-f]+)\?tip=([^&\s]+)[^\r\n]* HTTP/\S+\r?\n$`)

// ParseTipRequestLine reports whether line is a /pls or /stream request
// carrying a ?tip= argument, returning the channel-id and tip host if
// so.
func ParseTipRequestLine(line string) (channelID, tip string, ok bool) {
	m := requestLineRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[2], m[3], true
}

// ReplaceTip substitutes newTip for the request line's ?tip=<host>
// argument, leaving the rest of the line untouched.
func ReplaceTip(line, oldTip, newTip string) string {
	return strings.Replace(line, "tip="+oldTip, "tip="+newTip, 1)
}

// channelRequestLineRe matches a GET /channel/<hexID> request, resolved
// against the channel-id table rather than forwarded to the real server
// directly (spec §6).
var channelRequestLineRe = regexp.MustCompile(`^GET /channel/([0-9A-Fa-f]+)[^\r\n]* HTTP/\S+\r?\n$`)

// ParseChannelRequestLine reports whether line is a /channel/<hexID>
// request, returning the channel-id if so.
func ParseChannelRequestLine(line string) (channelID string, ok bool) {
	m := channelRequestLineRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// pcpContentTypeRe matches a response Content-Type header announcing
// that the body is PCP-framed atoms.
var pcpContentTypeRe = regexp.MustCompile(`(?i)^Content-Type:\s*application/x-peercast-pcp\s*\r?\n$`)

// IsPCPContentType reports whether line is a Content-Type header naming
// the PCP atom media type.
func IsPCPContentType(line string) bool {
	return pcpContentTypeRe.MatchString(line)
}

// pcpHeaderRe matches the request-side header that announces the
// response body will itself be PCP-framed.
var pcpHeaderRe = regexp.MustCompile(`(?i)^x-peercast-pcp:`)

// IsPCPRequestHeader reports whether line is an x-peercast-pcp header.
func IsPCPRequestHeader(line string) bool {
	return pcpHeaderRe.MatchString(line)
}

// hostHeaderRe matches a Host: header line, capturing its value.
var hostHeaderRe = regexp.MustCompile(`(?i)^Host:\s*([^\r\n]*)\r?\n$`)

// IsHostHeader reports whether line is a Host: header, returning its
// value if so.
func IsHostHeader(line string) (value string, ok bool) {
	m := hostHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ReplaceHostHeader rewrites a matched Host: header line to advertise
// newHost instead, preserving the line terminator.
func ReplaceHostHeader(line, newHost string) string {
	terminator := "\r\n"
	if !strings.HasSuffix(line, "\r\n") {
		terminator = "\n"
	}
	return "Host: " + newHost + terminator
}
