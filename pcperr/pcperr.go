// Package pcperr defines the error taxonomy shared by the atom codec,
// handshake engine, and proxy pipes. Errors are classified with
// errors.Is/errors.As rather than string matching; direction-attributed
// errors (ByIncoming/ByOutgoing) let a pipe report which side of a
// connection failed without the caller inspecting net.OpError internals.
package pcperr

import "github.com/pkg/errors"

var (
	// ErrDecodeMismatch means wire bytes contradict the declared schema.
	ErrDecodeMismatch = errors.New("pcp: decode mismatch")
	// ErrUnsupportedStructure means a typed mapping cannot express a schema construct.
	ErrUnsupportedStructure = errors.New("pcp: unsupported structure")
	// ErrFrameTooLarge means an atom's declared length exceeds the 1 MiB payload cap.
	ErrFrameTooLarge = errors.New("pcp: frame too large")
	// ErrHeaderIncomplete means EOF occurred inside an HTTP header block.
	ErrHeaderIncomplete = errors.New("pcp: header incomplete")
	// ErrInvalidHandshake means the PCP/HELO exchange was missing or malformed.
	ErrInvalidHandshake = errors.New("pcp: invalid handshake")
	// ErrSessionIDMismatch means a reverse-ping peer returned a different sid than advertised.
	ErrSessionIDMismatch = errors.New("pcp: session id mismatch")
	// ErrPingTimeout means a reverse-ping did not complete within its window.
	ErrPingTimeout = errors.New("pcp: ping timeout")
	// ErrHostNotFound means a /channel/<ID> lookup missed the channel-id table.
	ErrHostNotFound = errors.New("pcp: host not found")
)

// Direction attributes an I/O error to the side of a pipe that produced it.
type Direction int

const (
	// ByIncoming means the error originated reading from (or writing was
	// rejected by) the incoming/client side of a pipe.
	ByIncoming Direction = iota
	// ByOutgoing means the error originated on the outgoing/server side.
	ByOutgoing
)

func (d Direction) String() string {
	if d == ByOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// DirectedError wraps an I/O error with the side of the pipe it came from.
type DirectedError struct {
	Direction Direction
	Err       error
}

func (e *DirectedError) Error() string {
	return e.Direction.String() + ": " + e.Err.Error()
}

func (e *DirectedError) Unwrap() error { return e.Err }

// Incoming wraps err as having originated on the incoming side. A nil err
// returns nil so callers can wrap unconditionally after an I/O call.
func Incoming(err error) error {
	if err == nil {
		return nil
	}
	return &DirectedError{Direction: ByIncoming, Err: err}
}

// Outgoing wraps err as having originated on the outgoing side.
func Outgoing(err error) error {
	if err == nil {
		return nil
	}
	return &DirectedError{Direction: ByOutgoing, Err: err}
}

// As reports whether err is a DirectedError and returns its direction.
func As(err error) (Direction, bool) {
	var de *DirectedError
	if errors.As(err, &de) {
		return de.Direction, true
	}
	return 0, false
}
