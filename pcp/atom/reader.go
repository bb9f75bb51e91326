package atom

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/progre/peercastpcp/pcperr"
)

const parentBit = 0x80000000

// Reader decodes atoms from a byte stream. It is not safe for concurrent
// use; callers that need to read atoms from the same connection from
// multiple goroutines must serialize their own access.
type Reader struct {
	r io.Reader
}

// NewReader wraps r for atom decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// frameHeader is the decoded identifier/length-field pair common to both
// parent and child atoms.
type frameHeader struct {
	id       Identifier
	isParent bool
	n        uint32 // child count (parent) or payload byte count (child)
}

// pending is one level of a parent under construction. Using an explicit
// stack of pending frames (rather than recursive calls) means decode
// depth is bounded only by heap, never by the Go call stack, so an
// adversarial stream with deeply nested parents cannot overflow it.
type pending struct {
	parent    *Parent
	remaining uint32
}

// Read returns the next top-level atom, io.EOF at a clean end of stream
// (no bytes read before the identifier), or a decode error.
func (r *Reader) Read() (Atom, error) {
	hdr, err := r.readFrameHeader(true)
	if err != nil {
		return nil, err
	}
	if !hdr.isParent {
		payload, err := r.readPayload(hdr.n)
		if err != nil {
			return nil, err
		}
		return &Child{Identifier: hdr.id, Payload: payload}, nil
	}

	root := &Parent{Identifier: hdr.id, Children: make([]Atom, 0, hdr.n)}
	stack := []pending{{parent: root, remaining: hdr.n}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.remaining == 0 {
			stack = stack[:len(stack)-1]
			continue
		}
		childHdr, err := r.readFrameHeader(false)
		if err != nil {
			return nil, err
		}
		top.remaining--
		if !childHdr.isParent {
			payload, err := r.readPayload(childHdr.n)
			if err != nil {
				return nil, err
			}
			top.parent.Children = append(top.parent.Children, &Child{Identifier: childHdr.id, Payload: payload})
			continue
		}
		child := &Parent{Identifier: childHdr.id, Children: make([]Atom, 0, childHdr.n)}
		top.parent.Children = append(top.parent.Children, child)
		stack = append(stack, pending{parent: child, remaining: childHdr.n})
	}
	return root, nil
}

// readFrameHeader reads one identifier+length pair. When atTop is true,
// a zero-byte read before the identifier is a clean end of stream
// (io.EOF); a short read (1-3 bytes) or any failure reading the length
// field is always a decode error, per the frame invariant in spec §4.1.
func (r *Reader) readFrameHeader(atTop bool) (frameHeader, error) {
	var idBuf [4]byte
	n, err := io.ReadFull(r.r, idBuf[:])
	if err != nil {
		if atTop && n == 0 && errors.Is(err, io.EOF) {
			return frameHeader{}, io.EOF
		}
		return frameHeader{}, errors.Wrap(pcperr.ErrDecodeMismatch, "short identifier read")
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return frameHeader{}, errors.Wrap(pcperr.ErrDecodeMismatch, "short length read")
	}
	raw := binary.LittleEndian.Uint32(lenBuf[:])
	isParent := raw&parentBit != 0
	count := raw &^ parentBit
	if count > MaxPayload {
		return frameHeader{}, pcperr.ErrFrameTooLarge
	}
	return frameHeader{id: Identifier(idBuf), isParent: isParent, n: count}, nil
}

func (r *Reader) readPayload(n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, errors.Wrap(pcperr.ErrDecodeMismatch, "short payload read")
	}
	return buf, nil
}
