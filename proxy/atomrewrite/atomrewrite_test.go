package atomrewrite

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/progre/peercastpcp/pcp/atom"
	"github.com/progre/peercastpcp/proxy/sublisten"
)

func TestRewrite_PassesThroughNonTargetAtomsUnchanged(t *testing.T) {
	rw := &Rewriter{RealServerPort: 7144, ListenPort: 9000}
	quit := atom.ChildU32(atom.QUIT, 1000)

	got, err := rw.Rewrite(quit)
	require.NoError(t, err)
	require.Same(t, quit, got)
}

func TestRewrite_BcstReplacesMatchingPortsInsideHost(t *testing.T) {
	rw := &Rewriter{RealServerPort: 7144, ListenPort: 9000}
	from := uuid.New()
	bcst := atom.NewParent(atom.BCST,
		atom.ChildU32(atom.GRP, 1),
		atom.ChildID16(atom.FROM, from[:]),
		atom.NewParent(atom.HOST,
			atom.ChildIP(atom.IP, net.IPv4(1, 2, 3, 4)),
			atom.ChildU16(atom.PORT, 7144),
		),
	)

	_, err := rw.Rewrite(bcst)
	require.NoError(t, err)

	host := bcst.Children[2].(*atom.Parent)
	port := host.Children[1].(*atom.Child)
	require.Equal(t, uint16(9000), port.U16())
}

func TestRewrite_BcstLeavesNonMatchingPortsAlone(t *testing.T) {
	rw := &Rewriter{RealServerPort: 7144, ListenPort: 9000}
	bcst := atom.NewParent(atom.BCST,
		atom.NewParent(atom.HOST,
			atom.ChildIP(atom.IP, net.IPv4(1, 2, 3, 4)),
			atom.ChildU16(atom.PORT, 6666),
		),
	)

	_, err := rw.Rewrite(bcst)
	require.NoError(t, err)

	host := bcst.Children[0].(*atom.Parent)
	port := host.Children[1].(*atom.Child)
	require.Equal(t, uint16(6666), port.U16())
}

func TestRewrite_HeloAppendsPortWhenMissing(t *testing.T) {
	rw := &Rewriter{RealServerPort: 7144, ListenPort: 9000}
	sid := uuid.New()
	helo := atom.NewParent(atom.HELO, atom.ChildID16(atom.SID, sid[:]))

	_, err := rw.Rewrite(helo)
	require.NoError(t, err)

	require.Len(t, helo.Children, 2)
	port := helo.Children[1].(*atom.Child)
	require.Equal(t, atom.PORT, port.Identifier)
	require.Equal(t, uint16(9000), port.U16())
}

func TestRewrite_HeloReplacesExistingMatchingPort(t *testing.T) {
	rw := &Rewriter{RealServerPort: 7144, ListenPort: 9000}
	helo := atom.NewParent(atom.HELO, atom.ChildU16(atom.PORT, 7144))

	_, err := rw.Rewrite(helo)
	require.NoError(t, err)

	require.Len(t, helo.Children, 1)
	port := helo.Children[0].(*atom.Child)
	require.Equal(t, uint16(9000), port.U16())
}

type fakeAllocator struct {
	reservedIP   string
	reservedPort uint16
	localPort    uint16
}

func (a *fakeAllocator) Reserve(originIP string, originPort uint16, _ sublisten.Handler) (uint16, error) {
	a.reservedIP = originIP
	a.reservedPort = originPort
	return a.localPort, nil
}

func TestRewrite_HostRewritesAllPairsPreservingOrderAndCount(t *testing.T) {
	alloc := &fakeAllocator{localPort: 44321}
	rw := &Rewriter{
		RealServerPort: 7144,
		ListenPort:     9000,
		InterceptionIP: net.IPv4(127, 0, 0, 1),
		Allocator:      alloc,
	}
	cid := uuid.New()
	id := uuid.New()
	host := atom.NewParent(atom.HOST,
		atom.ChildID16(atom.CID, cid[:]),
		atom.ChildID16(atom.ID, id[:]),
		atom.ChildIP(atom.IP, net.IPv4(1, 2, 3, 4)),
		atom.ChildU16(atom.PORT, 5555),
		atom.ChildU32(atom.NUML, 3),
		atom.ChildIP(atom.IP, net.IPv4(9, 9, 9, 9)),
		atom.ChildU16(atom.PORT, 6666),
	)
	originalCount := len(host.Children)

	_, err := rw.Rewrite(host)
	require.NoError(t, err)

	require.Len(t, host.Children, originalCount)
	require.Equal(t, atom.IP, host.Children[2].ID())
	require.Equal(t, atom.PORT, host.Children[3].ID())
	ipChild := host.Children[5].(*atom.Child)
	portChild := host.Children[6].(*atom.Child)
	require.True(t, net.IPv4(127, 0, 0, 1).Equal(ipChild.IP()))
	require.Equal(t, uint16(44321), portChild.U16())
}
