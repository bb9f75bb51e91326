package directory

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/progre/peercastpcp/pcp/atom"
	"github.com/progre/peercastpcp/pcp/handshake"
	"github.com/progre/peercastpcp/pcp/record"
)

// Server aggregates bcst records observed over PCP connections into a
// Table and serves its XML snapshot over HTTP.
type Server struct {
	Table         *Table
	HandshakeConf handshake.Config
	Log           *logrus.Logger
}

// NewServer returns a Server backed by a fresh Table. Channel-table
// mutations are discarded; use NewServerWithStructuredLog to route them
// through zap.
func NewServer(log *logrus.Logger) *Server {
	return &Server{Table: NewTable(), Log: log}
}

// NewServerWithStructuredLog is NewServer plus a zap.Logger that receives
// one structured event per channel-table upsert, mirroring the teacher's
// Header.ZapFields() convention.
func NewServerWithStructuredLog(log *logrus.Logger, zapLog *zap.Logger) *Server {
	return &Server{Table: NewTableWithLogger(zapLog), Log: log}
}

// ServePCP accepts connections on ln until it is closed, handling each
// on its own goroutine.
func (s *Server) ServePCP(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handlePCPConn(ctx, conn)
	}
}

func (s *Server) handlePCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.Table.IncrementConnections()
	defer s.Table.DecrementConnections()

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	result, err := handshake.Run(ctx, conn, net.ParseIP(host), s.HandshakeConf)
	if err != nil {
		s.Log.WithError(err).Debug("directory handshake failed")
		return
	}

	reader := result.Reader
	for {
		a, err := reader.Read()
		if err != nil {
			s.Log.WithError(err).Debug("directory connection ended")
			return
		}
		s.handleAtom(a)
	}
}

func (s *Server) handleAtom(a atom.Atom) {
	switch a.ID() {
	case atom.BCST:
		b := &record.Bcst{}
		if err := record.Unmarshal(a, b); err != nil {
			s.Log.WithError(err).Debug("malformed bcst")
			return
		}
		s.Table.Upsert(b)
	case atom.QUIT:
		q, err := record.UnmarshalQuit(a)
		if err != nil {
			s.Log.WithError(err).Debug("malformed quit")
			return
		}
		s.Log.WithField("reason", q.Reason).Debug("peer quit")
	default:
		s.Log.WithField("identifier", a.ID().String()).Debug("unhandled directory atom")
	}
}

// Router builds the HTTP surface: exactly GET /admin?cmd=viewxml.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/admin", s.handleAdmin).Methods(http.MethodGet).Queries("cmd", "viewxml")
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	return r
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	body, err := s.Table.RenderXML()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}
