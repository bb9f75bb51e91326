// Package atomrewrite implements the in-flight atom rewriter (C6): it
// walks a decoded atom in place and rewrites IP/port fields inside
// bcst/helo/host structures so remote peers contact the proxy instead
// of the real server it fronts.
package atomrewrite

import (
	"net"

	"github.com/progre/peercastpcp/pcp/atom"
	"github.com/progre/peercastpcp/proxy/sublisten"
)

// AddressAllocator reserves a fresh local (ip, port) in place of an
// original (ip, port) pair discovered inside a host atom, running
// handler against the single connection the reservation accepts.
// *sublisten.Registry satisfies this directly.
type AddressAllocator interface {
	Reserve(originIP string, originPort uint16, handler sublisten.Handler) (uint16, error)
}

// Rewriter holds the configuration needed to decide which addresses get
// replaced and what to replace them with.
type Rewriter struct {
	// RealServerPort is the upstream PeerCast's port; any atom port
	// equal to this is replaced with ListenPort.
	RealServerPort uint16
	// ListenPort is the proxy's own listening port, advertised in place
	// of RealServerPort.
	ListenPort uint16
	// InterceptionIP is the address advertised in place of a host
	// atom's rewritten ip child.
	InterceptionIP net.IP
	// Allocator reserves the sub-listeners used for host rewriting. May
	// be nil if the rewriter is only ever asked to handle bcst/helo.
	Allocator AddressAllocator
	// OnIntercepted is invoked for each connection a reserved
	// sub-listener accepts, with the original (ip:port) it stands in
	// for. Required when Allocator is non-nil.
	OnIntercepted sublisten.Handler
}

// Rewrite mutates a in place per the identifier-specific rules and
// returns it unchanged as a convenience for chaining. Atoms other than
// bcst/helo/host pass through untouched.
func (rw *Rewriter) Rewrite(a atom.Atom) (atom.Atom, error) {
	parent, ok := a.(*atom.Parent)
	if !ok {
		return a, nil
	}
	switch parent.Identifier {
	case atom.BCST:
		if err := rw.rewriteBcst(parent); err != nil {
			return nil, err
		}
	case atom.HELO:
		rw.rewriteHelo(parent)
	case atom.HOST:
		if err := rw.rewriteHost(parent); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// rewriteBcst finds every host subtree and replaces any port child
// equal to RealServerPort with ListenPort, recursively, wherever it
// appears beneath that subtree.
func (rw *Rewriter) rewriteBcst(bcst *atom.Parent) error {
	for _, child := range bcst.Children {
		host, ok := child.(*atom.Parent)
		if !ok || host.Identifier != atom.HOST {
			continue
		}
		rw.replacePortsRecursive(host)
	}
	return nil
}

func (rw *Rewriter) replacePortsRecursive(p *atom.Parent) {
	for _, child := range p.Children {
		switch c := child.(type) {
		case *atom.Child:
			if c.Identifier == atom.PORT && len(c.Payload) == 2 && c.U16() == rw.RealServerPort {
				c.SetU16(rw.ListenPort)
			}
		case *atom.Parent:
			rw.replacePortsRecursive(c)
		}
	}
}

// rewriteHelo appends a port child carrying ListenPort if none is
// present, otherwise replaces every port child equal to RealServerPort.
func (rw *Rewriter) rewriteHelo(helo *atom.Parent) {
	found := false
	for _, child := range helo.Children {
		c, ok := child.(*atom.Child)
		if !ok || c.Identifier != atom.PORT {
			continue
		}
		found = true
		if len(c.Payload) == 2 && c.U16() == rw.RealServerPort {
			c.SetU16(rw.ListenPort)
		}
	}
	if !found {
		helo.Children = append(helo.Children, atom.ChildU16(atom.PORT, rw.ListenPort))
	}
}

// rewriteHost finds every consecutive (ip, port) child pair and
// replaces both with a freshly reserved sub-listener address, rewriting
// in place so child order and count are preserved.
func (rw *Rewriter) rewriteHost(host *atom.Parent) error {
	children := host.Children
	for i := 0; i+1 < len(children); i++ {
		ipChild, ok := children[i].(*atom.Child)
		if !ok || ipChild.Identifier != atom.IP {
			continue
		}
		portChild, ok := children[i+1].(*atom.Child)
		if !ok || portChild.Identifier != atom.PORT {
			continue
		}

		originIP := ipChild.IP().String()
		originPort := portChild.U16()

		if rw.Allocator == nil {
			i++
			continue
		}
		localPort, err := rw.Allocator.Reserve(originIP, originPort, rw.OnIntercepted)
		if err != nil {
			return err
		}
		ipChild.SetIP(rw.InterceptionIP)
		portChild.SetU16(localPort)
		i++
	}
	return nil
}
