package sublisten

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReserve_AcceptsExactlyOneConnection(t *testing.T) {
	r := New("127.0.0.1")
	var gotOrigin string
	done := make(chan struct{})

	port, err := r.Reserve("198.51.100.1", 7144, func(conn net.Conn, originAddr string) {
		defer conn.Close()
		gotOrigin = originAddr
		close(done)
	})
	require.NoError(t, err)
	require.NotZero(t, port)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	require.Equal(t, "198.51.100.1:7144", gotOrigin)
}

func TestReserve_LookupReflectsLiveEntry(t *testing.T) {
	r := New("127.0.0.1")
	_, err := r.Reserve("198.51.100.2", 7145, func(net.Conn, string) {})
	require.NoError(t, err)

	port, ok := r.Lookup("198.51.100.2", 7145)
	require.True(t, ok)
	require.NotZero(t, port)
}

func TestReserve_TimeoutReleasesEntryAndPort(t *testing.T) {
	r := New("127.0.0.1")
	port, err := r.Reserve("198.51.100.3", 7146, func(net.Conn, string) {})
	require.NoError(t, err)

	// Poll for release (for up to AcceptTimeout plus some slack) rather
	// than sleeping a fixed interval; the entry only disappears once the
	// accept goroutine's AcceptTimeout timer fires, so this still takes
	// about 10s.
	deadline := time.Now().Add(AcceptTimeout + 2*time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Lookup("198.51.100.3", 7146); !ok {
			// Released; the port should now be free to rebind.
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
			require.NoError(t, err)
			ln.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("sub-listener entry was never released")
}
