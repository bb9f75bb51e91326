package record

import (
	"net"

	"github.com/google/uuid"

	"github.com/progre/peercastpcp/pcp/atom"
)

// Helo is the handshake hello sent by a peer. Sid is the only required
// field; agnt/ver/port/ping/bcid are all optional per observed flows.
type Helo struct {
	Sid  uuid.UUID  `atom:"sid"`
	Agnt *string    `atom:"agnt"`
	Ver  *uint32    `atom:"ver"`
	Port *uint16    `atom:"port"`
	Ping *uint16    `atom:"ping"`
	Bcid *uuid.UUID `atom:"bcid"`
}

func (Helo) RecordIdentifier() atom.Identifier { return atom.HELO }

// Oleh is the handshake response to Helo.
type Oleh struct {
	Sid  uuid.UUID `atom:"sid"`
	Agnt *string   `atom:"agnt"`
	Ver  *uint32   `atom:"ver"`
	Rip  *net.IP   `atom:"rip"`
	Port *uint16   `atom:"port"`
}

func (Oleh) RecordIdentifier() atom.Identifier { return atom.OLEH }

// HostAddr is one element of a Host's grouped ip\0\0port address list.
type HostAddr struct {
	IP   net.IP
	Port uint16
}

// Host advertises a relay/tracker endpoint and its capability flags.
type Host struct {
	Cid   uuid.UUID  `atom:"cid"`
	ID    uuid.UUID  `atom:"id"`
	Addrs []HostAddr `atom:"ip,port"`
	Numl  *uint32    `atom:"numl"`
	Numr  *uint32    `atom:"numr"`
	Uptm  *uint32    `atom:"uptm"`
	Ver   *uint32    `atom:"ver"`
	Vevp  *uint32    `atom:"vevp"`
	Vexp  *uint16    `atom:"vexp"`
	Vexn  *uint16    `atom:"vexn"`
	Flg1  *uint8     `atom:"flg1"`
	Oldp  *uint32    `atom:"oldp"`
	Newp  *uint32    `atom:"newp"`
	Upip  *net.IP    `atom:"upip"`
	Uppt  *uint16    `atom:"uppt"`
	Uphp  *uint32    `atom:"uphp"`
}

func (Host) RecordIdentifier() atom.Identifier { return atom.HOST }

// Info carries channel metadata: name, bitrate, genre, and description.
type Info struct {
	Name string  `atom:"name"`
	Bitr *uint32 `atom:"bitr"`
	Gnre *string `atom:"gnre"`
	URL  *string `atom:"url"`
	Desc *string `atom:"desc"`
	Cmnt *string `atom:"cmnt"`
	Type *string `atom:"type"`
	Styp *string `atom:"styp"`
	Sext *string `atom:"sext"`
}

func (Info) RecordIdentifier() atom.Identifier { return atom.INFO }

// Trck carries the currently-playing track's metadata.
type Trck struct {
	Titl *string `atom:"titl"`
	Crea *string `atom:"crea"`
	URL  *string `atom:"url"`
	Albm *string `atom:"albm"`
}

func (Trck) RecordIdentifier() atom.Identifier { return atom.TRCK }

// Chan identifies a channel and nests its current Info/Trck, if present.
type Chan struct {
	ID   uuid.UUID  `atom:"id"`
	Bcid *uuid.UUID `atom:"bcid"`
	Info *Info      `atom:"info"`
	Trck *Trck      `atom:"trck"`
}

func (Chan) RecordIdentifier() atom.Identifier { return atom.CHAN }

// Bcst is a broadcast envelope propagating a Chan/Host advertisement
// through the mesh, hop-limited by Hops/Ttl.
type Bcst struct {
	Grp  uint32    `atom:"grp"`
	Hops uint8     `atom:"hops"`
	Ttl  uint8     `atom:"ttl"`
	From uuid.UUID `atom:"from"`
	Vers *uint32   `atom:"vers"`
	Vrvp *uint32   `atom:"vrvp"`
	Vexp *uint16   `atom:"vexp"`
	Vexn *uint16   `atom:"vexn"`
	Chan *Chan     `atom:"chan"`
	Host *Host     `atom:"host"`
}

func (Bcst) RecordIdentifier() atom.Identifier { return atom.BCST }
