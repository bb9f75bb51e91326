// Package proxy wires the dispatcher (C7), HTTP rewriter (C5), atom
// rewriter (C6), handshake engine (C3), sub-listener registry (C8), and
// raw pipe (C4) into the per-connection orchestration the spec's data
// flow describes: an accepted connection is classified, then handed to
// a raw tunnel, an HTTP-then-maybe-atom pipeline, or a PCP
// handshake-then-atom pipeline — against either the configured real
// server or, for a sub-listener's single accept, the origin address the
// rewrite stood in for.
package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/progre/peercastpcp/diag"
	"github.com/progre/peercastpcp/pcp/atom"
	"github.com/progre/peercastpcp/pcp/handshake"
	"github.com/progre/peercastpcp/pcperr"
	"github.com/progre/peercastpcp/proxy/atomrewrite"
	"github.com/progre/peercastpcp/proxy/chanid"
	"github.com/progre/peercastpcp/proxy/dispatch"
	"github.com/progre/peercastpcp/proxy/httprewrite"
	"github.com/progre/peercastpcp/proxy/pipe"
	"github.com/progre/peercastpcp/proxy/sublisten"
)

// Config parameterizes one proxy instance. Zero Handshake fields take
// handshake.Config's own defaults.
type Config struct {
	// ListenPort is the port this proxy listens on, advertised in place
	// of RealServerPort inside rewritten bcst/helo atoms.
	ListenPort uint16
	// RealServerAddr is the upstream PeerCast server's host:port.
	RealServerAddr string
	// InterceptionIP is the address this proxy advertises to remote
	// peers in place of real server/peer addresses.
	InterceptionIP string
	Handshake      handshake.Config
}

// Server is one running proxy: the shared sub-listener registry,
// channel-id table, and diagnostic sink every accepted connection's
// goroutines read and write through.
type Server struct {
	cfg            Config
	realServerPort uint16

	registry *sublisten.Registry
	chanIDs  *chanid.Table
	sink     *diag.Sink
	log      *logrus.Logger
	dialer   *net.Dialer
}

// NewServer returns a Server ready to accept connections. cfg.RealServerAddr
// must be a valid host:port. Sub-listener registry churn is discarded;
// use NewServerWithStructuredLog to route it through zap.
func NewServer(cfg Config, sink *diag.Sink, log *logrus.Logger) (*Server, error) {
	return NewServerWithStructuredLog(cfg, sink, log, zap.NewNop())
}

// NewServerWithStructuredLog is NewServer plus a zap.Logger forwarded to
// the sub-listener registry, mirroring the teacher's Header.ZapFields()
// convention for connection-lifecycle events.
func NewServerWithStructuredLog(cfg Config, sink *diag.Sink, log *logrus.Logger, zapLog *zap.Logger) (*Server, error) {
	_, portStr, err := net.SplitHostPort(cfg.RealServerAddr)
	if err != nil {
		return nil, errors.Wrap(err, "real server address must be host:port")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.Wrap(err, "real server port")
	}
	return &Server{
		cfg:            cfg,
		realServerPort: uint16(port),
		registry:       sublisten.NewWithLogger(cfg.InterceptionIP, zapLog),
		chanIDs:        chanid.NewTable(),
		sink:           sink,
		log:            log,
		dialer:         &net.Dialer{},
	}, nil
}

// Serve accepts connections from ln until it errors (typically because
// the caller closed it), handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleAccepted(ctx, conn, s.cfg.RealServerAddr, "")
	}
}

// handleAccepted classifies conn and routes it to the matching
// pipeline. targetAddr is where a raw/HTTP/PCP pipeline connects
// onward — the real server for a top-level accept, or the rewritten
// origin for a sub-listener's single accept. hostOverride, when
// non-empty, is the Host: header value an HTTP pipeline substitutes in
// place of whatever the client sent (spec §4.5: the sub-listener path
// rewrites Host: to advertise the original tip host).
func (s *Server) handleAccepted(ctx context.Context, conn net.Conn, targetAddr, hostOverride string) {
	defer conn.Close()
	clientHost := conn.RemoteAddr().String()
	serverHost := targetAddr

	br := bufio.NewReader(conn)
	proto, err := dispatch.Classify(br)
	if err != nil {
		s.sink.Info(diag.Record{ClientHost: clientHost, ServerHost: serverHost}, "classify failed: "+err.Error())
		return
	}

	switch proto {
	case dispatch.Empty:
		s.sink.Info(diag.Record{ClientHost: clientHost, ServerHost: serverHost}, "empty")
	case dispatch.PCP:
		s.handlePCP(ctx, conn, br, targetAddr, clientHost)
	case dispatch.HTTP:
		s.handleHTTP(ctx, conn, br, targetAddr, hostOverride, clientHost)
	default:
		s.handleRaw(ctx, conn, br, targetAddr, clientHost)
	}
}

// handleRaw splices conn to a fresh connection to targetAddr with two
// goroutines, one per direction, per C4. Bytes are forwarded verbatim
// in both directions (spec §6): nothing is written to targetAddr ahead
// of the client's own bytes.
func (s *Server) handleRaw(ctx context.Context, conn net.Conn, br *bufio.Reader, targetAddr, clientHost string) {
	upstream, err := dialUpstream(ctx, s.dialer, "tcp", targetAddr)
	if err != nil {
		s.sink.Info(diag.Record{ClientHost: clientHost, ServerHost: targetAddr}, "dial upstream failed: "+err.Error())
		return
	}
	defer upstream.Close()
	closeBoth := closeOnFirstExit(conn, upstream)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer closeBoth()
		rec := diag.Record{ClientHost: clientHost, ServerHost: targetAddr, Direction: diag.Upload}
		err := pipe.Copy(br, upstream, s.sink, rec, true)
		if err != nil {
			s.sink.DisconnectedByDirection(rec, err)
		}
		return err
	})
	g.Go(func() error {
		defer closeBoth()
		rec := diag.Record{ClientHost: clientHost, ServerHost: targetAddr, Direction: diag.Download}
		err := pipe.Copy(upstream, conn, s.sink, rec, false)
		if err != nil {
			s.sink.DisconnectedByDirection(rec, err)
		}
		return err
	})
	_ = g.Wait()
}

// handlePCP runs the handshake engine against the inbound connection
// (we act as the server the peer thinks it's reaching), opens our own
// client-side handshake to targetAddr, and then splices the two atom
// streams with the atom rewriter applied in both directions.
func (s *Server) handlePCP(ctx context.Context, conn net.Conn, br *bufio.Reader, targetAddr, clientHost string) {
	peerHost, _, _ := net.SplitHostPort(clientHost)
	result, err := handshake.Run(ctx, bufconnReader{Conn: conn, br: br}, net.ParseIP(peerHost), s.cfg.Handshake)
	if err != nil {
		s.sink.Info(diag.Record{ClientHost: clientHost, ServerHost: targetAddr}, "handshake failed: "+err.Error())
		return
	}

	upstream, err := dialUpstream(ctx, s.dialer, "tcp", targetAddr)
	if err != nil {
		s.sink.Info(diag.Record{ClientHost: clientHost, ServerHost: targetAddr}, "dial upstream failed: "+err.Error())
		return
	}
	defer upstream.Close()
	upResult, err := handshake.Dial(ctx, upstream, s.cfg.Handshake)
	if err != nil {
		s.sink.Info(diag.Record{ClientHost: clientHost, ServerHost: targetAddr}, "upstream handshake failed: "+err.Error())
		return
	}

	interceptionIP := net.ParseIP(s.cfg.InterceptionIP)
	rewriter := &atomrewrite.Rewriter{
		RealServerPort: s.realServerPort,
		ListenPort:     s.cfg.ListenPort,
		InterceptionIP: interceptionIP,
		Allocator:      s.registry,
		OnIntercepted:  s.subListenerHandler,
	}

	closeBoth := closeOnFirstExit(conn, upstream)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer closeBoth()
		rec := diag.Record{ClientHost: clientHost, ServerHost: targetAddr, Direction: diag.Upload}
		return s.relayAtoms(result.Reader, upResult.Writer, rewriter, rec, true)
	})
	g.Go(func() error {
		defer closeBoth()
		rec := diag.Record{ClientHost: clientHost, ServerHost: targetAddr, Direction: diag.Download}
		return s.relayAtoms(upResult.Reader, result.Writer, rewriter, rec, false)
	})
	_ = g.Wait()
}

// relayAtoms reads atoms from src, emits each through the diagnostic
// sink, rewrites it in place, and forwards it to dst, preserving strict
// per-atom ordering: read, rewrite, forward, repeat.
func (s *Server) relayAtoms(src *atom.Reader, dst *atom.Writer, rewriter *atomrewrite.Rewriter, rec diag.Record, fromIncoming bool) error {
	for {
		a, err := src.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			wrapped := classifyDirection(err, fromIncoming)
			s.sink.DisconnectedByDirection(rec, wrapped)
			return wrapped
		}
		s.sink.Output(rec, a)
		a, err = rewriter.Rewrite(a)
		if err != nil {
			s.sink.Info(rec, "rewrite failed: "+err.Error())
			return err
		}
		if err := dst.Write(a); err != nil {
			wrapped := classifyDirection(err, !fromIncoming)
			s.sink.DisconnectedByDirection(rec, wrapped)
			return wrapped
		}
	}
}

// subListenerHandler is the recursive step described in spec §4.8: a
// sub-listener's single accepted connection re-enters the full
// interception pipeline, targeting the origin address the rewrite stood
// in for, with its Host: header rewritten to advertise that origin.
func (s *Server) subListenerHandler(conn net.Conn, originAddr string) {
	s.handleAccepted(context.Background(), conn, originAddr, originAddr)
}

// handleHTTP implements C5's two well-known transforms plus the
// /channel/<ID> resolution in spec §6: it reads the request line first
// (to decide, for /channel requests, which address to dial at all),
// rewrites headers in both directions, and then continues the
// connection as either an atom pipeline or a raw tunnel depending on
// the x-peercast-pcp / Content-Type signal.
func (s *Server) handleHTTP(ctx context.Context, conn net.Conn, br *bufio.Reader, targetAddr, hostOverride, clientHost string) {
	rec := func(dir diag.Direction) diag.Record {
		return diag.Record{ClientHost: clientHost, ServerHost: targetAddr, Direction: dir}
	}

	firstLine, err := br.ReadString('\n')
	if err != nil {
		s.sink.Info(rec(diag.Upload), "header incomplete: "+err.Error())
		return
	}

	dialTarget := targetAddr
	var releaseChannelID string
	if channelID, tip, ok := httprewrite.ParseTipRequestLine(firstLine); ok {
		originIP, originPort, err := splitHostPort(tip)
		if err != nil {
			s.sink.Info(rec(diag.Upload), "malformed tip: "+err.Error())
			return
		}
		localPort, err := s.registry.Reserve(originIP, originPort, s.subListenerHandler)
		if err != nil {
			s.sink.Info(rec(diag.Upload), "sub-listener reserve failed: "+err.Error())
			return
		}
		s.chanIDs.Bind(channelID, tip)
		newTip := net.JoinHostPort(s.cfg.InterceptionIP, strconv.Itoa(int(localPort)))
		firstLine = httprewrite.ReplaceTip(firstLine, tip, newTip)
	} else if channelID, ok := httprewrite.ParseChannelRequestLine(firstLine); ok {
		tip, ok := s.chanIDs.Resolve(channelID)
		if !ok {
			s.sink.Info(rec(diag.Upload), "host not found: "+pcperr.ErrHostNotFound.Error())
			_, _ = conn.Write([]byte("HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\n\r\n"))
			return
		}
		dialTarget = tip
		releaseChannelID = channelID
	}

	upstream, err := dialUpstream(ctx, s.dialer, "tcp", dialTarget)
	if err != nil {
		s.sink.Info(rec(diag.Upload), "dial upstream failed: "+err.Error())
		return
	}
	defer upstream.Close()
	if releaseChannelID != "" {
		defer s.chanIDs.Release(releaseChannelID)
	}

	if _, err := upstream.Write([]byte(firstLine)); err != nil {
		s.sink.DisconnectedByDirection(rec(diag.Upload), pcperr.Outgoing(err))
		return
	}

	requestIsPCP := false
	err = httprewrite.RewriteHeaders(br, upstream, func(line string) (string, error) {
		if httprewrite.IsPCPRequestHeader(line) {
			requestIsPCP = true
		}
		if hostOverride != "" {
			if _, ok := httprewrite.IsHostHeader(line); ok {
				return httprewrite.ReplaceHostHeader(line, hostOverride), nil
			}
		}
		return line, nil
	})
	if err != nil {
		s.sink.DisconnectedByDirection(rec(diag.Upload), err)
		return
	}

	upstreamBR := bufio.NewReader(upstream)
	responseIsPCP := false
	err = httprewrite.RewriteHeaders(upstreamBR, conn, func(line string) (string, error) {
		if httprewrite.IsPCPContentType(line) {
			responseIsPCP = true
		}
		return line, nil
	})
	if err != nil {
		s.sink.DisconnectedByDirection(rec(diag.Download), err)
		return
	}

	if requestIsPCP || responseIsPCP {
		rewriter := &atomrewrite.Rewriter{
			RealServerPort: s.realServerPort,
			ListenPort:     s.cfg.ListenPort,
			InterceptionIP: net.ParseIP(s.cfg.InterceptionIP),
			Allocator:      s.registry,
			OnIntercepted:  s.subListenerHandler,
		}
		closeBoth := closeOnFirstExit(conn, upstream)
		g, _ := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer closeBoth()
			return s.relayAtoms(atom.NewReader(br), atom.NewWriter(upstream), rewriter, rec(diag.Upload), true)
		})
		g.Go(func() error {
			defer closeBoth()
			return s.relayAtoms(atom.NewReader(upstreamBR), atom.NewWriter(conn), rewriter, rec(diag.Download), false)
		})
		_ = g.Wait()
		return
	}

	closeBoth := closeOnFirstExit(conn, upstream)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer closeBoth()
		r := rec(diag.Upload)
		err := pipe.Copy(br, upstream, s.sink, r, true)
		if err != nil {
			s.sink.DisconnectedByDirection(r, err)
		}
		return err
	})
	g.Go(func() error {
		defer closeBoth()
		r := rec(diag.Download)
		err := pipe.Copy(upstreamBR, conn, s.sink, r, false)
		if err != nil {
			s.sink.DisconnectedByDirection(r, err)
		}
		return err
	})
	_ = g.Wait()
}

func splitHostPort(hostport string) (ip string, port uint16, err error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(p), nil
}

// closeOnFirstExit returns a func that closes every closer the first
// time it's called. Wiring it as a deferred call in each direction's
// goroutine means whichever side finishes first (cleanly or with an
// error) immediately unblocks the other side's pending read or write,
// rather than leaving it to block on a connection nothing else will
// ever close — per spec §5, closing either socket half must propagate
// as an I/O error so both half-tasks terminate.
func closeOnFirstExit(closers ...io.Closer) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, c := range closers {
				_ = c.Close()
			}
		})
	}
}

func classifyDirection(err error, incoming bool) error {
	if incoming {
		return pcperr.Incoming(err)
	}
	return pcperr.Outgoing(err)
}

// bufconnReader lets handshake.Run read through br's pre-peeked buffer
// (dispatch.Classify's 4-byte peek) instead of re-reading directly from
// conn and losing those bytes.
type bufconnReader struct {
	net.Conn
	br *bufio.Reader
}

func (b bufconnReader) Read(p []byte) (int, error) { return b.br.Read(p) }
