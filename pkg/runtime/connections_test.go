package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/intent"
)

func TestConnect_RequiresRegisteredEndpoints(t *testing.T) {
	r := newTestRuntime()
	a := registerCell(t, r, intent.CapTextGeneration)

	err := r.Connect(a.ID, "ghost-cell", nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeCellConnection, fault.CodeOf(err))

	err = r.Connect("ghost-cell", a.ID, nil)
	assert.Error(t, err)
}

func TestConnect_RejectsReleasedEndpoint(t *testing.T) {
	r := newTestRuntime()
	a := registerCell(t, r, intent.CapTextGeneration)
	b := registerCell(t, r, intent.CapFileSystem)

	require.NoError(t, r.Release(b.ID))
	assert.Error(t, r.Connect(a.ID, b.ID, nil))
}

func TestConnect_AndDisconnect(t *testing.T) {
	r := newTestRuntime()
	a := registerCell(t, r, intent.CapTextGeneration)
	b := registerCell(t, r, intent.CapFileSystem)

	require.NoError(t, r.Connect(a.ID, b.ID, nil))
	conns := r.GetConnections(a.ID)
	assert.Contains(t, conns.Outgoing, b.ID)
	assert.Contains(t, r.GetConnections(b.ID).Incoming, a.ID)
	assert.Equal(t, 1, r.ConnectionCount(a.ID))

	assert.True(t, r.Disconnect(a.ID, b.ID))
	assert.False(t, r.Disconnect(a.ID, b.ID), "second disconnect is a no-op")
	assert.Equal(t, 0, r.ConnectionCount(a.ID))
}

func TestRelay_RequiresEdge(t *testing.T) {
	r := newTestRuntime()
	a := registerCell(t, r, intent.CapTextGeneration)
	b := registerCell(t, r, intent.CapFileSystem)

	err := r.Relay(a.ID, b.ID, "hello")
	require.Error(t, err)
	assert.Equal(t, fault.CodeCellConnection, fault.CodeOf(err))

	require.NoError(t, r.Connect(a.ID, b.ID, nil))
	require.NoError(t, r.Relay(a.ID, b.ID, "hello"))

	msgs := r.TakeInbox(b.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, a.ID, msgs[0].SourceID)
	assert.Equal(t, "hello", msgs[0].Payload)

	// Inbox drained.
	assert.Empty(t, r.TakeInbox(b.ID))
}

func TestRelay_InboxBounded(t *testing.T) {
	r := newTestRuntime()
	a := registerCell(t, r, intent.CapTextGeneration)
	b := registerCell(t, r, intent.CapFileSystem)
	require.NoError(t, r.Connect(a.ID, b.ID, nil))

	for i := 0; i < maxInbox; i++ {
		require.NoError(t, r.Relay(a.ID, b.ID, i))
	}
	err := r.Relay(a.ID, b.ID, "overflow")
	require.Error(t, err)
	assert.Equal(t, fault.CodeCellConnection, fault.CodeOf(err))
}

func TestRelease_DropsConnections(t *testing.T) {
	r := newTestRuntime()
	a := registerCell(t, r, intent.CapTextGeneration)
	b := registerCell(t, r, intent.CapFileSystem)
	c := registerCell(t, r, intent.CapUIRendering)

	require.NoError(t, r.Connect(a.ID, b.ID, nil))
	require.NoError(t, r.Connect(c.ID, a.ID, nil))

	require.NoError(t, r.Release(a.ID))
	assert.Equal(t, 0, r.ConnectionCount(a.ID))
	assert.Equal(t, 0, r.ConnectionCount(b.ID))
	assert.Equal(t, 0, r.ConnectionCount(c.ID))
}
