// Package pipe implements the raw byte-copy tunnel (C4): once a
// connection has been classified as neither PCP nor HTTP (or once an
// HTTP connection whose body is not PCP-framed has finished its header
// section), remaining bytes are copied verbatim between the two socket
// halves.
package pipe

import (
	"io"

	"github.com/pkg/errors"

	"github.com/progre/peercastpcp/diag"
	"github.com/progre/peercastpcp/pcperr"
)

// bufferSize matches the atom codec's payload ceiling so a single read
// never needs more than one bounce buffer's worth of staging.
const bufferSize = 1 << 20

// Copy reads from src and writes to dst using a 1 MiB bounce buffer
// until src returns io.EOF (clean close, nil error) or either side
// errors. sink receives a "(raw data stream)" marker on the first
// non-empty read, so the diagnostic log shows that a tunnel started
// without dumping every byte copied. fromIncoming says whether src is
// the incoming (client) side: a read error is classified as
// pcperr.ByIncoming when it is and pcperr.ByOutgoing when it is not,
// and a write error gets the opposite classification.
func Copy(src io.Reader, dst io.Writer, sink *diag.Sink, rec diag.Record, fromIncoming bool) error {
	buf := make([]byte, bufferSize)
	announced := false
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if !announced {
				sink.OutputRaw(rec, "(raw data stream)")
				announced = true
			}
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return classify(writeErr, !fromIncoming)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return classify(readErr, fromIncoming)
		}
	}
}

func classify(err error, incoming bool) error {
	if incoming {
		return pcperr.Incoming(err)
	}
	return pcperr.Outgoing(err)
}

// Wrap folds a generic error into the ByIncoming/ByOutgoing taxonomy
// without the copy loop, for callers that need the same classification
// but didn't go through Copy.
func Wrap(err error, incoming bool) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(classify(err, incoming))
}
