package p2p

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/michael4d45/syncstate/internal/transport/registry"
	"github.com/michael4d45/syncstate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMeshPair(t *testing.T) (*Transport, *Transport, func()) {
	t.Helper()
	roomID := "mesh-" + uuid.NewString()

	hostSignal, err := registry.New(roomID, "host", true)
	require.NoError(t, err)
	clientSignal, err := registry.New(roomID, "client", false)
	require.NoError(t, err)

	hostMesh := New(hostSignal, nil)
	clientMesh := New(clientSignal, nil)

	cleanup := func() {
		hostMesh.Close()
		clientMesh.Close()
		hostSignal.Destroy()
		clientSignal.Destroy()
	}
	return hostMesh, clientMesh, cleanup
}

func waitForJoin(t *testing.T, tr *Transport, want string) {
	t.Helper()
	joined := make(chan string, 1)
	tr.OnPeerJoin(func(playerID string) {
		select {
		case joined <- playerID:
		default:
		}
	})
	select {
	case pid := <-joined:
		assert.Equal(t, want, pid)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mesh datachannel to open")
	}
}

func TestMeshFormsDataChannelAndExchangesMessages(t *testing.T) {
	hostMesh, clientMesh, cleanup := newMeshPair(t)
	defer cleanup()

	waitForJoin(t, hostMesh, "client")
	waitForJoin(t, clientMesh, "host")

	received := make(chan types.WireMessage, 1)
	clientMesh.OnMessage(func(msg types.WireMessage, senderID string) {
		received <- msg
	})

	err := hostMesh.Send(types.WireMessage{Type: types.MessageEvent, Payload: types.EventPayload{Name: "tick"}}, "")
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, types.MessageEvent, msg.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mesh message delivery")
	}
}

func TestLockPreventsNewDataChannelNegotiation(t *testing.T) {
	roomID := "mesh-" + uuid.NewString()
	hostSignal, err := registry.New(roomID, "host", true)
	require.NoError(t, err)
	hostMesh := New(hostSignal, nil)
	defer hostMesh.Close()
	defer hostSignal.Destroy()

	require.NoError(t, hostMesh.Lock())

	lateSignal, err := registry.New(roomID, "late", false)
	require.NoError(t, err)
	lateMesh := New(lateSignal, nil)
	defer lateMesh.Close()
	defer lateSignal.Destroy()

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, hostMesh.GetPeerIDs())
	assert.Empty(t, lateMesh.GetPeerIDs())
}
