package atom

import (
	"encoding/binary"
	"io"

	"github.com/progre/peercastpcp/pcperr"
)

// Writer encodes atoms to a byte stream. Not safe for concurrent use.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for atom encoding.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write serializes a to the stream. A parent's header is written before
// its children, and children are written in order, so the wire order
// always matches the tree's depth-first order. Recursion depth here is
// bounded by the producer, per spec §4.1 — only the decoder must defend
// against adversarial nesting.
func (w *Writer) Write(a Atom) error {
	switch v := a.(type) {
	case *Child:
		return w.writeChild(v)
	case *Parent:
		return w.writeParent(v)
	default:
		return pcperr.ErrUnsupportedStructure
	}
}

func (w *Writer) writeChild(c *Child) error {
	if len(c.Payload) > MaxPayload {
		return pcperr.ErrFrameTooLarge
	}
	if err := w.writeHeader(c.Identifier, uint32(len(c.Payload)), false); err != nil {
		return err
	}
	_, err := w.w.Write(c.Payload)
	return err
}

func (w *Writer) writeParent(p *Parent) error {
	if uint32(len(p.Children)) > MaxPayload {
		return pcperr.ErrFrameTooLarge
	}
	if err := w.writeHeader(p.Identifier, uint32(len(p.Children)), true); err != nil {
		return err
	}
	for _, child := range p.Children {
		if err := w.Write(child); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeHeader(id Identifier, n uint32, isParent bool) error {
	if _, err := w.w.Write(id[:]); err != nil {
		return err
	}
	raw := n
	if isParent {
		raw |= parentBit
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], raw)
	_, err := w.w.Write(lenBuf[:])
	return err
}
