package pairing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitingQueue_FIFOWithoutDuplicates(t *testing.T) {
	q := NewWaitingQueue()
	t0 := time.Unix(0, 0)

	require.True(t, q.Enqueue("a", t0))
	require.True(t, q.Enqueue("b", t0))
	require.False(t, q.Enqueue("a", t0))
	require.True(t, q.Enqueue("c", t0))

	assert.Equal(t, []ClientID{"a", "b", "c"}, q.IDs())

	require.True(t, q.Remove("b"))
	require.False(t, q.Remove("b"))
	assert.Equal(t, []ClientID{"a", "c"}, q.IDs())

	id, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, ClientID("a"), id)
	assert.False(t, q.Contains("a"))

	id, ok = q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, ClientID("c"), id)

	_, ok = q.DequeueNext()
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

func TestWaitingQueue_Expired(t *testing.T) {
	q := NewWaitingQueue()
	t0 := time.Unix(100, 0)
	q.Enqueue("a", t0)
	q.Enqueue("b", t0.Add(10*time.Second))
	q.Enqueue("c", t0.Add(20*time.Second))

	assert.Empty(t, q.Expired(t0.Add(-time.Second)))
	assert.Equal(t, []ClientID{"a", "b"}, q.Expired(t0.Add(10*time.Second)))
	assert.Equal(t, 3, q.Len(), "Expired does not remove")
}

func TestRoomDirectory(t *testing.T) {
	d := NewRoomDirectory()

	require.Error(t, d.Open("r0", "a", "a"))
	require.NoError(t, d.Open("r1", "a", "b"))
	require.Error(t, d.Open("r2", "b", "c"), "b is occupied")
	require.Error(t, d.Open("r1", "c", "d"), "token reuse")

	partner, token, ok := d.PartnerOf("b")
	require.True(t, ok)
	assert.Equal(t, ClientID("a"), partner)
	assert.Equal(t, RoomToken("r1"), token)

	partner, token, ok = d.Dissolve("a")
	require.True(t, ok)
	assert.Equal(t, ClientID("b"), partner)
	assert.Equal(t, RoomToken("r1"), token)
	assert.Zero(t, d.Len())

	_, inRoom := d.RoomOf("b")
	assert.False(t, inRoom)

	_, token, ok = d.Dissolve("a")
	assert.False(t, ok)
	assert.Empty(t, token)
}

func TestRoomDirectory_DissolveDanglingReference(t *testing.T) {
	d := NewRoomDirectory()
	d.byClient["a"] = "gone"

	_, token, ok := d.Dissolve("a")
	assert.False(t, ok)
	assert.Equal(t, RoomToken("gone"), token)
	_, inRoom := d.RoomOf("a")
	assert.False(t, inRoom)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Register("a"))
	assert.False(t, r.Register("a"))
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.False(t, r.IsConnected("a"))
}
