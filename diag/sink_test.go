package diag

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/progre/peercastpcp/pcp/atom"
	"github.com/progre/peercastpcp/pcperr"
)

func TestSink_OutputRawShape(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)
	s.OutputRaw(Record{ClientHost: "1.2.3.4:1", ServerHost: "5.6.7.8:2", Direction: Upload}, "(raw data stream)")

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "raw", got["type"])
	require.Equal(t, "(raw data stream)", got["payload"])
	require.Equal(t, "upload", got["direction"])
}

func TestSink_OutputAtomShape(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)
	s.Output(Record{Direction: Download}, atom.ChildU16(atom.PORT, 7144))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "atom", got["type"])
	payload := got["payload"].(map[string]interface{})
	require.Equal(t, float64(7144), payload["payload"])
}

func TestSink_DisconnectedByDirection(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)
	s.DisconnectedByDirection(Record{}, pcperr.Incoming(errors.New("reset")))
	require.Contains(t, buf.String(), "disconnected by client")

	buf.Reset()
	s.DisconnectedByDirection(Record{}, pcperr.Outgoing(errors.New("reset")))
	require.Contains(t, buf.String(), "disconnected by server")
}

func TestSink_ConcurrentEventsDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Info(Record{}, "line from goroutine")
		}()
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &got))
	}
}
