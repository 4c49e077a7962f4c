package bridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/michael4d45/syncstate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (string, func()) {
	t.Helper()
	relay := NewRelay()
	srv := httptest.NewServer(relay)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, srv.Close
}

func TestChildJoinsAndExchangesMessages(t *testing.T) {
	wsURL, closeSrv := startRelay(t)
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := NewChild(ctx, wsURL, "room1", "host", true, ReconnectPolicy{})
	defer host.Close()
	time.Sleep(50 * time.Millisecond)

	joined := make(chan string, 1)
	host.OnPeerJoin(func(playerID string) {
		select {
		case joined <- playerID:
		default:
		}
	})

	client := NewChild(ctx, wsURL, "room1", "client1", false, ReconnectPolicy{})
	defer client.Close()

	select {
	case pid := <-joined:
		assert.Equal(t, "client1", pid)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer join")
	}

	received := make(chan types.WireMessage, 1)
	client.OnMessage(func(msg types.WireMessage, senderID string) {
		received <- msg
	})

	err := host.Send(types.WireMessage{Type: types.MessageEvent, Payload: types.EventPayload{Name: "tick"}}, "")
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, types.MessageEvent, msg.Type)
		assert.Equal(t, "host", msg.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed message")
	}
}

func TestChildTargetedSendOnlyReachesTarget(t *testing.T) {
	wsURL, closeSrv := startRelay(t)
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := NewChild(ctx, wsURL, "room2", "host", true, ReconnectPolicy{})
	defer host.Close()
	time.Sleep(30 * time.Millisecond)
	c1 := NewChild(ctx, wsURL, "room2", "c1", false, ReconnectPolicy{})
	defer c1.Close()
	c2 := NewChild(ctx, wsURL, "room2", "c2", false, ReconnectPolicy{})
	defer c2.Close()
	time.Sleep(100 * time.Millisecond)

	got1 := make(chan struct{}, 1)
	c1.OnMessage(func(msg types.WireMessage, senderID string) { got1 <- struct{}{} })
	c2Received := false
	c2.OnMessage(func(msg types.WireMessage, senderID string) { c2Received = true })

	err := host.Send(types.WireMessage{Type: types.MessageEvent}, "c1")
	require.NoError(t, err)

	select {
	case <-got1:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for targeted delivery")
	}
	time.Sleep(100 * time.Millisecond)
	assert.False(t, c2Received)
}

func TestChildPeerLeaveFiresOnDisconnect(t *testing.T) {
	wsURL, closeSrv := startRelay(t)
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := NewChild(ctx, wsURL, "room3", "host", true, ReconnectPolicy{})
	defer host.Close()
	time.Sleep(30 * time.Millisecond)

	c1 := NewChild(ctx, wsURL, "room3", "c1", false, ReconnectPolicy{})
	time.Sleep(100 * time.Millisecond)

	left := make(chan string, 1)
	host.OnPeerLeave(func(playerID string) { left <- playerID })

	c1.Close()

	select {
	case pid := <-left:
		assert.Equal(t, "c1", pid)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer leave")
	}
}

func TestRelayRejectsDisallowedOrigin(t *testing.T) {
	relay := NewRelay()
	relay.AllowedOrigins = []string{"https://allowed.example"}
	srv := httptest.NewServer(relay)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A Child dials without an Origin header. With AllowedOrigins set, the
	// relay's checkOrigin finds no match for the empty Origin and refuses
	// the upgrade, so the child never joins room4 (it keeps retrying in the
	// background) and reports no peers.
	host := NewChild(ctx, wsURL, "room4", "host", true, ReconnectPolicy{})
	defer host.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, host.GetPeerIDs())
}

func TestNextDelayRespectsMaxAndMultiplier(t *testing.T) {
	policy := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}.withDefaults()
	d := policy.InitialDelay
	d = nextDelay(d, policy)
	assert.Equal(t, 2*time.Second, d)
	d = nextDelay(d, policy)
	assert.Equal(t, 4*time.Second, d)
	d = nextDelay(d, policy)
	assert.Equal(t, 4*time.Second, d)
}
