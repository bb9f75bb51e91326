// Package sublisten implements the sub-listener registry (C8): ephemeral
// per-(origin_ip, origin_port) TCP listeners that accept exactly one
// connection within a 10-second window, used to make address rewrites
// transitive — a rewritten `tip=` or `bcst` address loops back through
// the proxy instead of going straight to the origin.
package sublisten

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AcceptTimeout bounds how long a reserved listener waits for its single
// accept before being discarded.
const AcceptTimeout = 10 * time.Second

// origin identifies the real address a sub-listener stands in for.
type origin struct {
	ip   string
	port uint16
}

// Handler is invoked with the single accepted connection and the origin
// address it was reserved for, in a new goroutine owned by the
// registry. It is responsible for re-running the interception pipeline
// against originAddr and closing conn when done.
type Handler func(conn net.Conn, originAddr string)

// Registry is the shared sub-listener map. The zero value is unusable;
// construct with New.
type Registry struct {
	interceptionIP string
	log            *zap.Logger

	mu      sync.Mutex
	entries map[origin]uint16
}

// New returns a Registry that binds its ephemeral listeners on
// interceptionIP, the address the proxy advertises to remote peers, with
// registry churn discarded rather than logged.
func New(interceptionIP string) *Registry {
	return NewWithLogger(interceptionIP, zap.NewNop())
}

// NewWithLogger is New plus a zap.Logger that receives one structured
// event per reservation and per release, mirroring the teacher's
// Header.ZapFields() convention for connection-lifecycle logging.
func NewWithLogger(interceptionIP string, log *zap.Logger) *Registry {
	return &Registry{
		interceptionIP: interceptionIP,
		log:            log,
		entries:        make(map[origin]uint16),
	}
}

// Reserve binds a new listener on (interceptionIP, 0), records the
// mapping from (originIP, originPort) to the assigned ephemeral port,
// and spawns a background task performing exactly one accept within
// AcceptTimeout. The listener is closed as soon as that one connection
// is accepted, or when the timeout elapses first. handler then runs for
// the accepted connection, and the mapping is released when handler
// returns (or at the timeout if nothing was accepted).
func (r *Registry) Reserve(originIP string, originPort uint16, handler Handler) (uint16, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(r.interceptionIP, "0"))
	if err != nil {
		return 0, errors.Wrap(err, "reserve sub-listener")
	}
	localPort := uint16(ln.Addr().(*net.TCPAddr).Port)

	key := origin{ip: originIP, port: originPort}
	r.mu.Lock()
	r.entries[key] = localPort
	r.mu.Unlock()

	originAddr := net.JoinHostPort(originIP, strconv.Itoa(int(originPort)))
	r.log.Debug("sub-listener reserved",
		zap.String("origin", originAddr),
		zap.Uint16("local_port", localPort),
	)
	go r.acceptOnce(ln, key, originAddr, handler)

	return localPort, nil
}

func (r *Registry) acceptOnce(ln net.Listener, key origin, originAddr string, handler Handler) {
	defer r.release(key)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	select {
	case conn, ok := <-accepted:
		ln.Close()
		if !ok {
			return
		}
		handler(conn, originAddr)
	case <-time.After(AcceptTimeout):
		ln.Close()
	}
}

func (r *Registry) release(key origin) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()

	r.log.Debug("sub-listener released",
		zap.String("origin_ip", key.ip),
		zap.Uint16("origin_port", key.port),
	)
}

// Lookup returns the ephemeral port reserved for (originIP, originPort),
// if any entry is still live.
func (r *Registry) Lookup(originIP string, originPort uint16) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, ok := r.entries[origin{ip: originIP, port: originPort}]
	return port, ok
}
