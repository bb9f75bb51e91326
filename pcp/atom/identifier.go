package atom

import "bytes"

// Identifier is the fixed 4-byte tag of an atom. Tags shorter than four
// ASCII characters are NUL-padded on the right; identifiers compare as
// raw bytes, never as trimmed strings.
type Identifier [4]byte

// NewIdentifier builds an Identifier from a string of at most four bytes,
// NUL-padding any remainder. Panics if s is longer than four bytes — this
// is only ever called with compile-time literals.
func NewIdentifier(s string) Identifier {
	if len(s) > 4 {
		panic("atom: identifier longer than 4 bytes: " + s)
	}
	var id Identifier
	copy(id[:], s)
	return id
}

// String renders the identifier as printable text with trailing NUL
// padding stripped, e.g. Identifier{'s','i','d',0}.String() == "sid".
func (id Identifier) String() string {
	n := bytes.IndexByte(id[:], 0)
	if n < 0 {
		return string(id[:])
	}
	return string(id[:n])
}

// Well-known identifiers used by the handshake engine, atom rewriter, and
// record mapping. Opaque payload tags (DATA, CONT, PKT) are included for
// completeness even though their contents are never interpreted.
var (
	PCP  = NewIdentifier("pcp\n")
	HELO = NewIdentifier("helo")
	OLEH = NewIdentifier("oleh")
	BCST = NewIdentifier("bcst")
	HOST = NewIdentifier("host")
	CHAN = NewIdentifier("chan")
	INFO = NewIdentifier("info")
	TRCK = NewIdentifier("trck")
	IP   = NewIdentifier("ip")
	PORT = NewIdentifier("port")
	SID  = NewIdentifier("sid")
	PING = NewIdentifier("ping")
	QUIT = NewIdentifier("quit")
	RIP  = NewIdentifier("rip")
	AGNT = NewIdentifier("agnt")
	VER  = NewIdentifier("ver")
	VERS = NewIdentifier("vers")
	FLG1 = NewIdentifier("flg1")
	DATA = NewIdentifier("data")
	CONT = NewIdentifier("cont")
	PKT  = NewIdentifier("pkt")

	CID  = NewIdentifier("cid")
	ID   = NewIdentifier("id")
	NUML = NewIdentifier("numl")
	NUMR = NewIdentifier("numr")
	UPTM = NewIdentifier("uptm")
	VEVP = NewIdentifier("vevp")
	VEXP = NewIdentifier("vexp")
	VEXN = NewIdentifier("vexn")
	OLDP = NewIdentifier("oldp")
	NEWP = NewIdentifier("newp")
	UPIP = NewIdentifier("upip")
	UPPT = NewIdentifier("uppt")
	UPHP = NewIdentifier("uphp")
	BCID = NewIdentifier("bcid")

	GRP  = NewIdentifier("grp")
	HOPS = NewIdentifier("hops")
	TTL  = NewIdentifier("ttl")
	FROM = NewIdentifier("from")
	VRVP = NewIdentifier("vrvp")

	NAME = NewIdentifier("name")
	BITR = NewIdentifier("bitr")
	GNRE = NewIdentifier("gnre")
	URL  = NewIdentifier("url")
	DESC = NewIdentifier("desc")
	CMNT = NewIdentifier("cmnt")
	TYPE = NewIdentifier("type")
	STYP = NewIdentifier("styp")
	SEXT = NewIdentifier("sext")

	TITL = NewIdentifier("titl")
	CREA = NewIdentifier("crea")
	ALBM = NewIdentifier("albm")
)

// idSet16 lists identifiers whose payload is a 16-byte opaque ID
// (session ID, channel ID, broadcast ID) rendered as hex for diagnostics.
var idSet16 = map[Identifier]bool{
	SID:  true,
	CID:  true,
	ID:   true,
	FROM: true,
	BCID: true,
}

// stringSet lists identifiers whose payload is a NUL-terminated string.
var stringSet = map[Identifier]bool{
	AGNT: true,
	ALBM: true,
	CMNT: true,
	CREA: true,
	DESC: true,
	GNRE: true,
	NAME: true,
	STYP: true,
	SEXT: true,
	TITL: true,
	TYPE: true,
	URL:  true,
}

// u16Set lists identifiers whose 2-byte payload is a little-endian u16.
var u16Set = map[Identifier]bool{
	PORT: true,
	PING: true,
	VEXP: true,
	VEXN: true,
	UPPT: true,
}

// u32Set lists identifiers whose 4-byte payload is a little-endian u32.
var u32Set = map[Identifier]bool{
	BITR: true,
	NEWP: true,
	NUML: true,
	NUMR: true,
	OLDP: true,
	QUIT: true,
	UPHP: true,
	UPTM: true,
	VER:  true,
	VERS: true,
	VEVP: true,
	VRVP: true,
	GRP:  true,
	PCP:  true,
}

// u8Set lists identifiers whose 1-byte payload is a plain numeric, not a
// bitfield rendered some other way.
var u8Set = map[Identifier]bool{
	FLG1: true,
	HOPS: true,
	TTL:  true,
}

// ipSet lists identifiers whose payload is a byte-reversed IP address.
var ipSet = map[Identifier]bool{
	IP:   true,
	RIP:  true,
	UPIP: true,
}
