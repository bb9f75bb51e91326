package atom

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/progre/peercastpcp/pcperr"
)

func encodeFrame(id Identifier, isParent bool, n uint32, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Write(id[:])
	raw := n
	if isParent {
		raw |= parentBit
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], raw)
	buf.Write(lenBuf[:])
	buf.Write(payload)
	return buf.Bytes()
}

func TestReader_ChildRoundTrip(t *testing.T) {
	raw := encodeFrame(QUIT, false, 4, []byte{0xe8, 0x03, 0x00, 0x00})
	a, err := NewReader(bytes.NewReader(raw)).Read()
	require.NoError(t, err)
	child, ok := a.(*Child)
	require.True(t, ok)
	require.Equal(t, QUIT, child.Identifier)
	require.Equal(t, uint32(1000), child.U32())
}

func TestReader_EmptyPayloadIsLegal(t *testing.T) {
	raw := encodeFrame(PING, false, 0, nil)
	a, err := NewReader(bytes.NewReader(raw)).Read()
	require.NoError(t, err)
	child := a.(*Child)
	require.Equal(t, []byte{}, child.Payload)
}

func TestReader_ParentChildCountPreserved(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeFrame(HOST, true, 2, nil))
	buf.Write(encodeFrame(PORT, false, 2, []byte{0x01, 0x00}))
	buf.Write(encodeFrame(PORT, false, 2, []byte{0x02, 0x00}))

	a, err := NewReader(&buf).Read()
	require.NoError(t, err)
	parent := a.(*Parent)
	require.Equal(t, HOST, parent.Identifier)
	require.Len(t, parent.Children, 2)
	require.Equal(t, uint16(1), parent.Children[0].(*Child).U16())
	require.Equal(t, uint16(2), parent.Children[1].(*Child).U16())
}

func TestReader_DeeplyNestedParentsDoNotOverflow(t *testing.T) {
	const depth = 50_000
	var buf bytes.Buffer
	for i := 0; i < depth; i++ {
		buf.Write(encodeFrame(CHAN, true, 1, nil))
	}
	buf.Write(encodeFrame(QUIT, false, 4, []byte{0, 0, 0, 0}))

	a, err := NewReader(&buf).Read()
	require.NoError(t, err)

	cur := a
	for i := 0; i < depth-1; i++ {
		p, ok := cur.(*Parent)
		require.True(t, ok)
		require.Len(t, p.Children, 1)
		cur = p.Children[0]
	}
}

func TestReader_LengthTopBitParentDiscriminator(t *testing.T) {
	raw := encodeFrame(HOST, true, 0, nil)
	a, err := NewReader(bytes.NewReader(raw)).Read()
	require.NoError(t, err)
	_, isParent := a.(*Parent)
	require.True(t, isParent)
}

func TestReader_FrameTooLarge(t *testing.T) {
	raw := encodeFrame(DATA, false, MaxPayload+1, nil)
	_, err := NewReader(bytes.NewReader(raw[:8])).Read()
	require.ErrorIs(t, err, pcperr.ErrFrameTooLarge)
}

func TestReader_CleanEOFAtTopLevel(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil)).Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestReader_ShortIdentifierIsDecodeMismatch(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte{'p', 'c'})).Read()
	require.ErrorIs(t, err, pcperr.ErrDecodeMismatch)
}

func TestReader_IPv4WidthFour(t *testing.T) {
	raw := encodeFrame(IP, false, 4, []byte{4, 3, 2, 1})
	a, err := NewReader(bytes.NewReader(raw)).Read()
	require.NoError(t, err)
	require.True(t, net.IPv4(1, 2, 3, 4).Equal(a.(*Child).IP()))
}

func TestReader_IPv6WidthSixteen(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	rev := make([]byte, 16)
	src := ip.To16()
	for i := range rev {
		rev[i] = src[15-i]
	}
	raw := encodeFrame(IP, false, 16, rev)
	a, err := NewReader(bytes.NewReader(raw)).Read()
	require.NoError(t, err)
	require.True(t, ip.Equal(a.(*Child).IP()))
}
