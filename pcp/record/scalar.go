package record

import (
	"github.com/pkg/errors"

	"github.com/progre/peercastpcp/pcp/atom"
	"github.com/progre/peercastpcp/pcperr"
)

// Pcp and Quit are the two well-known records that are themselves a
// single child atom rather than a parent with named children, so they
// sit outside the reflection-driven Marshal/Unmarshal used by the other
// well-known records.

// Pcp magic values identifying the peer's address family.
const (
	PcpIPv4 uint32 = 1
	PcpIPv6 uint32 = 100
)

// Pcp is the handshake's opening atom: a single u32 magic value.
type Pcp struct {
	Magic uint32
}

// MarshalPcp encodes v as the root "pcp\n" child atom.
func MarshalPcp(v Pcp) *atom.Child {
	return atom.ChildU32(atom.PCP, v.Magic)
}

// UnmarshalPcp decodes a, which must be a "pcp\n" child atom with a
// 4-byte payload.
func UnmarshalPcp(a atom.Atom) (Pcp, error) {
	c, ok := a.(*atom.Child)
	if !ok || c.Identifier != atom.PCP {
		return Pcp{}, errors.Wrap(pcperr.ErrDecodeMismatch, "expected pcp child atom")
	}
	if len(c.Payload) != 4 {
		return Pcp{}, errors.Wrap(pcperr.ErrDecodeMismatch, "pcp payload must be 4 bytes")
	}
	return Pcp{Magic: c.U32()}, nil
}

// Quit carries a single u32 reason code.
type Quit struct {
	Reason uint32
}

// MarshalQuit encodes v as the root "quit" child atom.
func MarshalQuit(v Quit) *atom.Child {
	return atom.ChildU32(atom.QUIT, v.Reason)
}

// UnmarshalQuit decodes a, which must be a "quit" child atom with a
// 4-byte payload.
func UnmarshalQuit(a atom.Atom) (Quit, error) {
	c, ok := a.(*atom.Child)
	if !ok || c.Identifier != atom.QUIT {
		return Quit{}, errors.Wrap(pcperr.ErrDecodeMismatch, "expected quit child atom")
	}
	if len(c.Payload) != 4 {
		return Quit{}, errors.Wrap(pcperr.ErrDecodeMismatch, "quit payload must be 4 bytes")
	}
	return Quit{Reason: c.U32()}, nil
}
