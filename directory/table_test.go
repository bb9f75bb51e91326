package directory

import (
	"encoding/xml"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/progre/peercastpcp/pcp/record"
)

func ptr[T any](v T) *T { return &v }

func newBcst(chanID uuid.UUID, name string) *record.Bcst {
	return &record.Bcst{
		Grp:  1,
		From: uuid.New(),
		Chan: &record.Chan{
			ID:   chanID,
			Info: &record.Info{Name: name},
		},
		Host: &record.Host{
			Cid: uuid.New(),
			ID:  uuid.New(),
			Addrs: []record.HostAddr{
				{IP: net.IPv4(1, 2, 3, 4), Port: 7144},
			},
		},
	}
}

func TestUpsert_FirstSightingSetsBothTimestampsEqual(t *testing.T) {
	restore := freezeClock(t)
	defer restore()

	table := NewTable()
	id := uuid.New()
	table.Upsert(newBcst(id, "Test"))

	entries := table.Snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, entries[0].createdAt, entries[0].updatedAt)
}

func TestUpsert_SecondSightingOnlyUpdatesUpdatedAt(t *testing.T) {
	defer freezeClock(t)()

	table := NewTable()
	id := uuid.New()
	table.Upsert(newBcst(id, "First"))
	created := table.Snapshot()[0].createdAt

	advanceClock(t, time.Second)
	table.Upsert(newBcst(id, "Second"))

	entries := table.Snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, created, entries[0].createdAt)
	require.True(t, entries[0].updatedAt.After(created))
	require.Equal(t, "Second", entries[0].bcst.Chan.Info.Name)
}

func TestUpsert_DistinctChannelIDsProduceDistinctEntries(t *testing.T) {
	table := NewTable()
	table.Upsert(newBcst(uuid.New(), "A"))
	table.Upsert(newBcst(uuid.New(), "B"))

	require.Len(t, table.Snapshot(), 2)
}

func TestConnectionsCounter_IncrementAndDecrement(t *testing.T) {
	table := NewTable()
	table.IncrementConnections()
	table.IncrementConnections()
	require.EqualValues(t, 2, table.Connections())
	table.DecrementConnections()
	require.EqualValues(t, 1, table.Connections())
}

func TestRenderXML_DeclarationAndChannelsFoundTotal(t *testing.T) {
	table := NewTable()
	table.Upsert(newBcst(uuid.New(), "A"))
	table.Upsert(newBcst(uuid.New(), "B"))

	body, err := table.RenderXML()
	require.NoError(t, err)
	require.Contains(t, string(body), `<?xml version="1.0" encoding="utf-8" ?>`)

	var doc xmlDoc
	require.NoError(t, xml.Unmarshal(stripDeclaration(body), &doc))
	require.Equal(t, 2, doc.ChannelsFound.Total)
	require.Len(t, doc.ChannelsFound.Channel, 2)
}

func TestRenderXML_ChannelIDIsHexRendered(t *testing.T) {
	table := NewTable()
	id := uuid.New()
	table.Upsert(newBcst(id, "A"))

	body, err := table.RenderXML()
	require.NoError(t, err)
	var doc xmlDoc
	require.NoError(t, xml.Unmarshal(stripDeclaration(body), &doc))
	require.Len(t, doc.ChannelsFound.Channel, 1)
	require.Equal(t, hexID(id), doc.ChannelsFound.Channel[0].ID)
}

func stripDeclaration(body []byte) []byte {
	for i, b := range body {
		if b == '\n' {
			return body[i+1:]
		}
	}
	return body
}

func freezeClock(t *testing.T) func() {
	t.Helper()
	frozen := time.Now()
	nowFunc = func() time.Time { return frozen }
	return func() { nowFunc = time.Now }
}

func advanceClock(t *testing.T, d time.Duration) {
	t.Helper()
	current := nowFunc()
	nowFunc = func() time.Time { return current.Add(d) }
}
