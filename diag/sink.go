// Package diag implements the diagnostic sink (C9): one NDJSON object
// per line on stdout, describing raw byte tunnels, decoded atoms, and
// informational notes for each half of each connection.
package diag

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/progre/peercastpcp/pcp/atom"
	"github.com/progre/peercastpcp/pcperr"
)

// Direction names which half of a connection an event belongs to.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Record identifies the connection and direction an event belongs to.
// Every emitted line carries these three fields alongside its type and
// payload.
type Record struct {
	ClientHost string
	ServerHost string
	Direction  Direction
}

type eventType string

const (
	typeRaw  eventType = "raw"
	typeAtom eventType = "atom"
	typeInfo eventType = "info"
)

type event struct {
	ClientHost string      `json:"clientHost"`
	ServerHost string      `json:"serverHost"`
	Direction  Direction   `json:"direction"`
	Type       eventType   `json:"type"`
	Payload    interface{} `json:"payload"`
}

// Sink serializes concurrent writers so that events from different
// connections never interleave mid-line on the shared writer.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink returns a Sink that writes NDJSON lines to w.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

// OutputRaw emits an opaque-bytes marker, e.g. the raw pipe's
// "(raw data stream)" start-of-tunnel note.
func (s *Sink) OutputRaw(rec Record, text string) {
	s.emit(rec, typeRaw, text)
}

// Output emits a decoded atom, rendered recursively per the atom
// package's JSON marshaling.
func (s *Sink) Output(rec Record, a atom.Atom) {
	s.emit(rec, typeAtom, a)
}

// Info emits a free-form human-readable note.
func (s *Sink) Info(rec Record, message string) {
	s.emit(rec, typeInfo, message)
}

// DisconnectedByClient reports a pipe ending due to an incoming-side
// I/O error (the client disconnected or errored).
func (s *Sink) DisconnectedByClient(rec Record, err error) {
	s.emitDisconnect(rec, "client", err)
}

// DisconnectedByServer reports a pipe ending due to an outgoing-side
// I/O error (the server disconnected or errored).
func (s *Sink) DisconnectedByServer(rec Record, err error) {
	s.emitDisconnect(rec, "server", err)
}

func (s *Sink) emitDisconnect(rec Record, by string, err error) {
	payload := "disconnected by " + by
	if err != nil {
		payload += ": " + err.Error()
	}
	s.emit(rec, typeInfo, payload)
}

func (s *Sink) emit(rec Record, t eventType, payload interface{}) {
	line, err := json.Marshal(event{
		ClientHost: rec.ClientHost,
		ServerHost: rec.ServerHost,
		Direction:  rec.Direction,
		Type:       t,
		Payload:    payload,
	})
	if err != nil {
		// Payload types are all produced by this package; a marshal
		// failure here means a programmer error in a payload type.
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(line)
	_, _ = s.w.Write([]byte("\n"))
}

// DisconnectedByDirection reports a disconnect using the
// pcperr.Direction classification attached to err, mapping
// ByIncoming/ByOutgoing onto disconnected_by_client/server.
func (s *Sink) DisconnectedByDirection(rec Record, err error) {
	if dir, ok := pcperr.As(err); ok {
		switch dir {
		case pcperr.ByIncoming:
			s.DisconnectedByClient(rec, err)
			return
		case pcperr.ByOutgoing:
			s.DisconnectedByServer(rec, err)
			return
		}
	}
	s.Info(rec, "disconnected: "+err.Error())
}
