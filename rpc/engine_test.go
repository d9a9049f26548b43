package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kadnode/identifier"
)

func newTestEngine(t *testing.T, selfID identifier.ID, timeout time.Duration) *Engine {
	t.Helper()
	e, err := NewEngine("127.0.0.1:0", Config{SelfID: selfID, Timeout: timeout})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSendRPCRoundTripsThroughRealSocket(t *testing.T) {
	serverID := identifier.Generate()
	clientID := identifier.Generate()

	server := newTestEngine(t, serverID, time.Second)
	server.SetHandler(func(senderID identifier.ID, addr net.Addr, method Method, args []interface{}) (interface{}, error) {
		assert.Equal(t, MethodPing, method)
		return "pong", nil
	})

	client := newTestEngine(t, clientID, time.Second)

	result, err := client.SendRPC(context.Background(), server.LocalAddr(), serverID, MethodPing, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), result.Value)
}

func TestSendRPCSurfacesRemoteError(t *testing.T) {
	serverID := identifier.Generate()
	clientID := identifier.Generate()

	server := newTestEngine(t, serverID, time.Second)
	server.SetHandler(func(senderID identifier.ID, addr net.Addr, method Method, args []interface{}) (interface{}, error) {
		return nil, ErrInvalidMethod
	})

	client := newTestEngine(t, clientID, time.Second)

	_, err := client.SendRPC(context.Background(), server.LocalAddr(), serverID, MethodPing, nil, false)
	require.Error(t, err)
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "InvalidMethod", remoteErr.Type)
}

// S6: a dropped outbound RPC times out, the peer is reported idle, and the
// pending-RPC table is left empty.
func TestSendRPCTimesOutWhenPeerUnreachable(t *testing.T) {
	clientID := identifier.Generate()
	client := newTestEngine(t, clientID, 50*time.Millisecond)

	var idled identifier.ID
	idledCh := make(chan struct{})
	client.SetIdleCallback(func(peerID identifier.ID) {
		idled = peerID
		close(idledCh)
	})

	deadConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadConn.LocalAddr()
	require.NoError(t, deadConn.Close()) // nothing is listening; datagrams are dropped

	peerID := identifier.Generate()
	_, err = client.SendRPC(context.Background(), deadAddr, peerID, MethodPing, nil, false)
	assert.ErrorIs(t, err, ErrTimeout)

	select {
	case <-idledCh:
		assert.True(t, idled.Equal(peerID))
	case <-time.After(time.Second):
		t.Fatal("idle callback was not invoked")
	}

	client.mu.Lock()
	pendingCount := len(client.pending)
	client.mu.Unlock()
	assert.Equal(t, 0, pendingCount)
}

func TestSendRPCRespectsContextCancellation(t *testing.T) {
	clientID := identifier.Generate()
	client := newTestEngine(t, clientID, time.Minute)

	deadConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadConn.LocalAddr()
	require.NoError(t, deadConn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.SendRPC(ctx, deadAddr, identifier.Generate(), MethodPing, nil, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContactObserverRunsBeforeDispatch(t *testing.T) {
	serverID := identifier.Generate()
	clientID := identifier.Generate()

	server := newTestEngine(t, serverID, time.Second)

	observed := make(chan identifier.ID, 1)
	dispatched := make(chan struct{})
	server.SetContactObserver(func(senderID identifier.ID, addr net.Addr) {
		observed <- senderID
	})
	server.SetHandler(func(senderID identifier.ID, addr net.Addr, method Method, args []interface{}) (interface{}, error) {
		select {
		case seen := <-observed:
			assert.True(t, seen.Equal(senderID), "contact observer must fire before request dispatch")
		default:
			t.Fatal("contact observer did not run before dispatch")
		}
		close(dispatched)
		return "pong", nil
	})

	client := newTestEngine(t, clientID, time.Second)
	_, err := client.SendRPC(context.Background(), server.LocalAddr(), serverID, MethodPing, nil, false)
	require.NoError(t, err)

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("request was never dispatched")
	}
}
