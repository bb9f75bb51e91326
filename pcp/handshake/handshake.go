// Package handshake implements the PCP/HELO/OLEH exchange (C3): session
// ID negotiation, optional reverse-ping reachability probing, and the
// port-0 fallback when a peer cannot be reached back.
package handshake

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/progre/peercastpcp/pcp/atom"
	"github.com/progre/peercastpcp/pcp/record"
	"github.com/progre/peercastpcp/pcperr"
)

// Config parameterizes one handshake run. Zero values are replaced with
// the spec's defaults by Run.
type Config struct {
	// Agent is the agnt string advertised in our Oleh.
	Agent string
	// Version is the ver value advertised in our Oleh (default 1218).
	Version uint32
	// PingTimeout bounds a single reverse-ping attempt (default 15s).
	PingTimeout time.Duration
	// HandshakeTimeout bounds the entire handshake (default 30s).
	HandshakeTimeout time.Duration
	// PingDrainTimeout bounds the background drain after a successful
	// reverse ping (default 10s).
	PingDrainTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.PingTimeout <= 0 {
		c.PingTimeout = 15 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.PingDrainTimeout <= 0 {
		c.PingDrainTimeout = 10 * time.Second
	}
	if c.Version == 0 {
		c.Version = 1218
	}
	if c.Agent == "" {
		c.Agent = "PeerCastPCP/1.0"
	}
}

// Result is the outcome of a successful handshake: both session IDs, the
// negotiated reachable port, and the atom Reader/Writer ready for the
// STREAMING phase that follows.
type Result struct {
	MySessionID   uuid.UUID
	PeerSessionID uuid.UUID
	PeerIP        net.IP
	// PeerPort is the port we told the peer we'd use to reach them back:
	// the reverse-ping result if one was attempted, else the peer's
	// advertised helo port, else 0.
	PeerPort uint16
	Reader   *atom.Reader
	Writer   *atom.Writer
}

// dialer abstracts net.Dialer so tests can substitute a fake reverse-ping
// target without opening real sockets.
type dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Run drives conn through INIT -> AWAIT_PCP -> AWAIT_HELO ->
// [REVERSE_PING] -> SEND_OLEH. peerIP is the already-known remote
// address (from the accepted TCP connection); it is echoed back in our
// Oleh's rip field and used as the reverse-ping target.
func Run(ctx context.Context, conn net.Conn, peerIP net.IP, cfg Config) (*Result, error) {
	return run(ctx, conn, peerIP, cfg, &net.Dialer{})
}

func run(ctx context.Context, conn net.Conn, peerIP net.IP, cfg Config, d dialer) (*Result, error) {
	cfg.setDefaults()

	if err := conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return nil, errors.Wrap(err, "set handshake deadline")
	}
	defer conn.SetDeadline(time.Time{})

	reader := atom.NewReader(conn)
	writer := atom.NewWriter(conn)

	pcpAtom, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, "reading pcp atom: "+err.Error())
	}
	pcp, err := record.UnmarshalPcp(pcpAtom)
	if err != nil || (pcp.Magic != record.PcpIPv4 && pcp.Magic != record.PcpIPv6) {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, "expected pcp magic 1 or 100")
	}

	heloAtom, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, "reading helo atom: "+err.Error())
	}
	if heloAtom.ID() != atom.HELO {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, "expected helo atom")
	}
	helo := &record.Helo{}
	if err := record.Unmarshal(heloAtom, helo); err != nil {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, err.Error())
	}

	mySessionID := uuid.New()
	var peerPort uint16
	if helo.Ping != nil {
		pingedPort, err := reversePing(ctx, d, peerIP, *helo.Ping, mySessionID, helo.Sid, cfg)
		if err != nil {
			return nil, err
		}
		peerPort = pingedPort
	} else if helo.Port != nil {
		peerPort = *helo.Port
	}

	version := cfg.Version
	agent := cfg.Agent
	oleh := &record.Oleh{
		Sid:  mySessionID,
		Agnt: &agent,
		Ver:  &version,
		Rip:  &peerIP,
		Port: &peerPort,
	}
	olehAtom, err := record.Marshal(oleh)
	if err != nil {
		return nil, errors.Wrap(err, "marshal oleh")
	}
	if err := writer.Write(olehAtom); err != nil {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, "writing oleh: "+err.Error())
	}

	return &Result{
		MySessionID:   mySessionID,
		PeerSessionID: helo.Sid,
		PeerIP:        peerIP,
		PeerPort:      peerPort,
		Reader:        reader,
		Writer:        writer,
	}, nil
}

// Dial drives the client side of the same PCP/HELO/OLEH exchange Run
// drives as a server: it sends our pcp/helo first and reads back the
// peer's oleh. Used when the proxy itself needs to establish a PCP
// session with an upstream real server or rewritten origin, rather than
// accepting one from an inbound peer. There is no reverse-ping step
// here — reverse-ping is only ever initiated by the side that received
// a ping port in the peer's helo, and Dial never advertises one of its
// own.
func Dial(ctx context.Context, conn net.Conn, cfg Config) (*Result, error) {
	cfg.setDefaults()

	if err := conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return nil, errors.Wrap(err, "set handshake deadline")
	}
	defer conn.SetDeadline(time.Time{})

	reader := atom.NewReader(conn)
	writer := atom.NewWriter(conn)

	if err := writer.Write(record.MarshalPcp(record.Pcp{Magic: record.PcpIPv4})); err != nil {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, "writing pcp: "+err.Error())
	}

	mySessionID := uuid.New()
	version := cfg.Version
	agent := cfg.Agent
	heloAtom, err := record.Marshal(&record.Helo{Sid: mySessionID, Agnt: &agent, Ver: &version})
	if err != nil {
		return nil, errors.Wrap(err, "marshal helo")
	}
	if err := writer.Write(heloAtom); err != nil {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, "writing helo: "+err.Error())
	}

	olehAtom, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, "reading oleh atom: "+err.Error())
	}
	if olehAtom.ID() != atom.OLEH {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, "expected oleh atom")
	}
	oleh := &record.Oleh{}
	if err := record.Unmarshal(olehAtom, oleh); err != nil {
		return nil, errors.Wrap(pcperr.ErrInvalidHandshake, err.Error())
	}

	var peerPort uint16
	if oleh.Port != nil {
		peerPort = *oleh.Port
	}
	var peerIP net.IP
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		peerIP = net.ParseIP(host)
	}

	return &Result{
		MySessionID:   mySessionID,
		PeerSessionID: oleh.Sid,
		PeerIP:        peerIP,
		PeerPort:      peerPort,
		Reader:        reader,
		Writer:        writer,
	}, nil
}

// reversePing dials the peer's advertised ping port to confirm it is
// reachable. A connect failure, write failure, read failure, or timeout
// all mean "unreachable": they return (0, nil), never an error — per
// spec, PingTimeout is "treat as unreachable; continue with port = 0". A
// session-ID mismatch in the peer's Oleh is the one reverse-ping failure
// that aborts the whole handshake.
func reversePing(
	ctx context.Context, d dialer, peerIP net.IP, pingPort uint16,
	mySessionID, peerSessionID uuid.UUID, cfg Config,
) (uint16, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()

	addr := net.JoinHostPort(peerIP.String(), strconv.Itoa(int(pingPort)))
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return 0, nil
	}
	if err := conn.SetDeadline(time.Now().Add(cfg.PingTimeout)); err != nil {
		conn.Close()
		return 0, nil
	}

	w := atom.NewWriter(conn)
	r := atom.NewReader(conn)

	if err := w.Write(record.MarshalPcp(record.Pcp{Magic: record.PcpIPv4})); err != nil {
		conn.Close()
		return 0, nil
	}
	heloAtom, err := record.Marshal(&record.Helo{Sid: mySessionID})
	if err != nil {
		conn.Close()
		return 0, nil
	}
	if err := w.Write(heloAtom); err != nil {
		conn.Close()
		return 0, nil
	}

	replyAtom, err := r.Read()
	if err != nil {
		conn.Close()
		return 0, nil
	}
	oleh := &record.Oleh{}
	if err := record.Unmarshal(replyAtom, oleh); err != nil {
		conn.Close()
		return 0, nil
	}
	if oleh.Sid != peerSessionID {
		conn.Close()
		return 0, errors.Wrapf(pcperr.ErrSessionIDMismatch, "reverse ping to %s", addr)
	}

	// best-effort: the peer may already have hung up.
	_ = w.Write(record.MarshalQuit(record.Quit{Reason: 1000}))
	go drainAndClose(conn, cfg.PingDrainTimeout)
	return pingPort, nil
}

// drainAndClose absorbs the peer's buffered output so our quit doesn't
// pressure their write path, then closes the connection. Bounded so a
// peer that never closes its side can't leak the goroutine forever.
func drainAndClose(conn net.Conn, timeout time.Duration) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	_, _ = io.Copy(io.Discard, conn)
}
