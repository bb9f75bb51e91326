package directory

import (
	"encoding/xml"
	"fmt"
	"net"
	"sort"

	"github.com/progre/peercastpcp/pcp/atom"
)

// xmlDoc mirrors the PeerCast admin XML schema: one <peercast> root with
// servent/bandwidth/connections summary elements and a <channels_found>
// list built from the directory table.
type xmlDoc struct {
	XMLName         xml.Name        `xml:"peercast"`
	Servent         xmlServent      `xml:"servent"`
	Bandwidth       xmlBandwidth    `xml:"bandwidth"`
	Connections     xmlConnections  `xml:"connections"`
	ChannelsRelayed xmlChannelGroup `xml:"channels_relayed"`
	ChannelsFound   xmlChannelGroup `xml:"channels_found"`
}

type xmlServent struct {
	Uptime int64 `xml:"uptime,attr"`
}

type xmlBandwidth struct {
	Out uint32 `xml:"out,attr"`
	In  uint32 `xml:"in,attr"`
}

type xmlConnections struct {
	Total  int64 `xml:"total,attr"`
	Relays int64 `xml:"relays,attr"`
	Direct int64 `xml:"direct,attr"`
}

type xmlChannelGroup struct {
	Total   int          `xml:"total,attr"`
	Channel []xmlChannel `xml:"channel"`
}

type xmlChannel struct {
	Name    string   `xml:"name,attr"`
	ID      string   `xml:"id,attr"`
	Bitrate uint32   `xml:"bitrate,attr"`
	Type    string   `xml:"type,attr"`
	Genre   string   `xml:"genre,attr"`
	Desc    string   `xml:"desc,attr"`
	URL     string   `xml:"url,attr"`
	Uptime  int64    `xml:"uptime,attr"`
	Comment string   `xml:"comment,attr"`
	Age     int64    `xml:"age,attr"`
	Bcflags uint32   `xml:"bcflags,attr"`
	Hits    xmlHits  `xml:"hits"`
	Track   xmlTrack `xml:"track"`
}

type xmlHits struct {
	Hosts      int       `xml:"hosts,attr"`
	Listeners  uint32    `xml:"listeners,attr"`
	Relays     uint32    `xml:"relays,attr"`
	Firewalled int       `xml:"firewalled,attr"`
	Closest    uint32    `xml:"closest,attr"`
	Furthest   uint8     `xml:"furthest,attr"`
	Newest     int64     `xml:"newest,attr"`
	Host       []xmlHost `xml:"host"`
}

type xmlHost struct {
	IP        string `xml:"ip,attr"`
	Hops      uint8  `xml:"hops,attr"`
	Listeners uint32 `xml:"listeners,attr"`
	Relays    uint32 `xml:"relays,attr"`
	Uptime    uint32 `xml:"uptime,attr"`
	Push      int    `xml:"push,attr"`
	Relay     int    `xml:"relay,attr"`
	Direct    int    `xml:"direct,attr"`
	Cin       int    `xml:"cin,attr"`
	Version   uint32 `xml:"version,attr"`
	Update    int64  `xml:"update,attr"`
	Tracker   int    `xml:"tracker,attr"`
}

type xmlTrack struct {
	Title   string `xml:"title,attr"`
	Artist  string `xml:"artist,attr"`
	Album   string `xml:"album,attr"`
	Genre   string `xml:"genre,attr"`
	Contact string `xml:"contact,attr"`
}

// RenderXML builds the admin XML snapshot for the table's current
// contents, beginning with the required declaration.
func (t *Table) RenderXML() ([]byte, error) {
	entries := t.Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].createdAt.Before(entries[j].createdAt) })

	channels := make([]xmlChannel, 0, len(entries))
	for _, e := range entries {
		channels = append(channels, renderChannel(e))
	}

	doc := xmlDoc{
		Servent:     xmlServent{Uptime: int64(t.Uptime().Seconds())},
		Bandwidth:   xmlBandwidth{},
		Connections: xmlConnections{Total: t.Connections(), Relays: t.Connections(), Direct: 0},
		ChannelsRelayed: xmlChannelGroup{
			Total: 0,
		},
		ChannelsFound: xmlChannelGroup{
			Total:   len(channels),
			Channel: channels,
		},
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := []byte(`<?xml version="1.0" encoding="utf-8" ?>` + "\n")
	return append(out, body...), nil
}

func renderChannel(e entry) xmlChannel {
	b := e.bcst
	c := xmlChannel{
		ID:      hexID(b.Chan.ID),
		Age:     int64(nowFunc().Sub(e.createdAt).Seconds()),
		Uptime:  int64(nowFunc().Sub(e.createdAt).Seconds()),
		Bcflags: b.Grp,
	}
	if b.Chan.Info != nil {
		c.Name = b.Chan.Info.Name
		c.Desc = derefString(b.Chan.Info.Desc)
		c.Genre = derefString(b.Chan.Info.Gnre)
		c.URL = derefString(b.Chan.Info.URL)
		c.Comment = derefString(b.Chan.Info.Cmnt)
		c.Type = derefString(b.Chan.Info.Type)
		if b.Chan.Info.Bitr != nil {
			c.Bitrate = *b.Chan.Info.Bitr
		}
	}
	c.Hits = renderHits(e)
	if b.Chan.Trck != nil {
		c.Track = xmlTrack{
			Title:   derefString(b.Chan.Trck.Titl),
			Artist:  derefString(b.Chan.Trck.Crea),
			Album:   derefString(b.Chan.Trck.Albm),
			Genre:   c.Genre,
			Contact: derefString(b.Chan.Trck.URL),
		}
	}
	return c
}

func renderHits(e entry) xmlHits {
	h := xmlHits{}
	b := e.bcst
	host := b.Host
	if host == nil {
		return h
	}
	h.Hosts = 1
	if host.Numl != nil {
		h.Listeners = *host.Numl
	}
	if host.Numr != nil {
		h.Relays = *host.Numr
	}
	var flg1 atom.Flg1
	if host.Flg1 != nil {
		flg1 = atom.Flg1(*host.Flg1)
		h.Firewalled = boolToInt(!flg1.Has(atom.Flg1Direct))
	}
	var version uint32
	if host.Ver != nil {
		version = *host.Ver
	}
	update := e.updatedAt.Unix()
	for _, addr := range host.Addrs {
		h.Host = append(h.Host, xmlHost{
			IP:      hostPortString(addr.IP, addr.Port),
			Hops:    b.Hops,
			Push:    boolToInt(flg1.Has(atom.Flg1Push)),
			Relay:   boolToInt(flg1.Has(atom.Flg1Relay)),
			Direct:  boolToInt(flg1.Has(atom.Flg1Direct)),
			Cin:     boolToInt(flg1.Has(atom.Flg1Cin)),
			Tracker: boolToInt(flg1.Has(atom.Flg1Tracker)),
			Version: version,
			Update:  update,
		})
	}
	return h
}

func hostPortString(ip net.IP, port uint16) string {
	return fmt.Sprintf("%s:%d", ip.String(), port)
}

func hexID(id [16]byte) string {
	const hexdigits = "0123456789ABCDEF"
	out := make([]byte, 32)
	for i, b := range id {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0xf]
	}
	return string(out)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
