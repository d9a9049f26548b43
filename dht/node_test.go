package dht

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kadnode/identifier"
	"kadnode/kbucket"
)

func hashID(s string) identifier.ID {
	h := sha1.Sum([]byte(s))
	return identifier.FromBytes(h[:])
}

func newTestNode(t *testing.T, selfID identifier.ID) *Node {
	t.Helper()
	n, err := New("127.0.0.1:0", Config{
		SelfID:     selfID,
		K:          8,
		Alpha:      3,
		RPCTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func contactAt(id identifier.ID, host string, port uint16) kbucket.Contact {
	return kbucket.Contact{ID: id, Host: host, Port: port, LastSeen: time.Now()}
}

func joinPair(t *testing.T, a, b *Node) {
	t.Helper()
	require.NoError(t, b.Join(context.Background(), a.LocalAddr(), a.SelfID()))
}

func TestPingAcrossNodes(t *testing.T) {
	a := newTestNode(t, hashID("a"))
	b := newTestNode(t, hashID("b"))

	result, err := a.engine.SendRPC(context.Background(), b.LocalAddr(), b.SelfID(), "PING", nil, false)
	require.NoError(t, err)
	assert.Equal(t, []byte(pingToken), result.Value)
}

func TestStoreAndFindValueAcrossNodes(t *testing.T) {
	a := newTestNode(t, hashID("store-a"))
	b := newTestNode(t, hashID("store-b"))
	joinPair(t, a, b)

	key := hashID("my-key")
	a.Store(context.Background(), key, []byte("hello world"))

	value, found, _ := b.LookupValue(context.Background(), key)
	if found {
		assert.Equal(t, []byte("hello world"), value)
		return
	}
	// b may not have been picked as a replication target in a two-node
	// network; fall back to asking a directly.
	got, _, ok := a.store.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("hello world"), got)
}

func TestFindNodeExcludesRequesterAndSelf(t *testing.T) {
	a := newTestNode(t, hashID("fn-a"))
	b := newTestNode(t, hashID("fn-b"))
	joinPair(t, a, b)

	contacts := b.FindNode(context.Background(), hashID("fn-target"))
	for _, c := range contacts {
		assert.False(t, c.ID.Equal(b.SelfID()))
	}
}

func TestJoinInsertsBootstrapContact(t *testing.T) {
	a := newTestNode(t, hashID("join-a"))
	b := newTestNode(t, hashID("join-b"))

	joinPair(t, a, b)
	assert.True(t, b.RoutingTable().Has(a.SelfID()))
}

func TestHandleFindNodeRespectsK(t *testing.T) {
	self := hashID("many-peers")
	n := newTestNode(t, self)

	for i := 0; i < 20; i++ {
		id := hashID("peer" + string(rune('a'+i)))
		n.RoutingTable().AddContact(contactAt(id, "127.0.0.1", 33445))
	}

	targetID := hashID("target")
	result, err := n.handleFindNode(hashID("requester"), []interface{}{[]byte(targetID[:])})
	require.NoError(t, err)
	contacts, err := decodeContacts(result)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(contacts), n.cfg.K)
}

func TestExpirationForStaysWithinBounds(t *testing.T) {
	n := newTestNode(t, hashID("expire-self"))
	key := hashID("expire-key")

	for i := 0; i < 8; i++ {
		id := hashID("closer" + string(rune('a'+i)))
		n.RoutingTable().AddContact(contactAt(id, "127.0.0.1", 33445))
	}

	expiresAt := n.expirationFor(key)
	assert.True(t, expiresAt.After(time.Now()))
	assert.True(t, expiresAt.Before(time.Now().Add(n.cfg.Expire+time.Second)))
}

func TestAddrOfBuildsUDPAddress(t *testing.T) {
	c := contactAt(hashID("addr-test"), "127.0.0.1", 33445)
	addr := addrOf(c)
	udpAddr, ok := addr.(*net.UDPAddr)
	require.True(t, ok)
	assert.Equal(t, 33445, udpAddr.Port)
}
