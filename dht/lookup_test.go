package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kadnode/identifier"
	"kadnode/kbucket"
	"kadnode/rpc"
)

// fakeSender is a synthetic rpcSender: it answers FIND_NODE/FIND_VALUE/STORE
// calls from in-memory tables instead of a real transport, so the lookup
// state machine can be driven against a controlled topology (spec §8
// scenario S5).
type fakeSender struct {
	mu          sync.Mutex
	neighbors   map[identifier.ID][]kbucket.Contact
	valueAt     map[identifier.ID][]byte
	unreachable map[identifier.ID]bool
	storedAt    []identifier.ID
	queried     []identifier.ID
}

func (f *fakeSender) SendRPC(ctx context.Context, addr net.Addr, peerID identifier.ID, method rpc.Method, args []interface{}, raw bool) (rpc.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unreachable[peerID] {
		return rpc.Result{}, errors.New("fake: unreachable")
	}

	switch method {
	case rpc.MethodFindNode:
		f.queried = append(f.queried, peerID)
		return rpc.Result{Value: encodeContacts(f.neighbors[peerID])}, nil
	case rpc.MethodFindValue:
		f.queried = append(f.queried, peerID)
		if v, ok := f.valueAt[peerID]; ok {
			return rpc.Result{Value: encodeFindValueResult(findValueResult{Found: true, Value: v})}, nil
		}
		return rpc.Result{Value: encodeFindValueResult(findValueResult{Found: false, Contacts: f.neighbors[peerID]})}, nil
	case rpc.MethodStore:
		f.storedAt = append(f.storedAt, peerID)
		return rpc.Result{Value: "OK"}, nil
	default:
		return rpc.Result{}, fmt.Errorf("fake: unexpected method %s", method)
	}
}

// offsetID returns self XOR'd against a 2-byte offset, so the XOR distance
// back to self is exactly v - giving a controlled, strictly-ordered
// identifier space to build a synthetic topology over.
func offsetID(self identifier.ID, v uint16) identifier.ID {
	var off identifier.ID
	off[identifier.Size-2] = byte(v >> 8)
	off[identifier.Size-1] = byte(v)
	return self.Xor(off)
}

// TestLookupConvergesOnClosestReachablePeers reproduces spec scenario S5:
// 80 synthetic contacts at increasing distance from self, seeded from the
// middle of that range, reachable only through a chain of FIND_NODE
// responses that each surface a closer group. The lookup must converge on
// the k globally closest reachable contacts, sorted ascending by distance.
func TestLookupConvergesOnClosestReachablePeers(t *testing.T) {
	self := hashID("lookup-self")
	const n = 80
	contacts := make([]kbucket.Contact, n)
	for i := 0; i < n; i++ {
		contacts[i] = contactAt(offsetID(self, uint16(i+1)), "127.0.0.1", uint16(20000+i))
	}

	neighbors := make(map[identifier.ID][]kbucket.Contact)
	link := func(lo, hi int, targets []kbucket.Contact) {
		for i := lo; i <= hi; i++ {
			neighbors[contacts[i].ID] = targets
		}
	}
	// contacts[24..31] (seeded) know about the closer group [16..23], which
	// knows about [8..15], which knows about the closest group [0..7]; the
	// closest group has nothing closer left to report.
	link(24, 31, contacts[16:24])
	link(16, 23, contacts[8:16])
	link(8, 15, contacts[0:8])
	link(0, 7, nil)

	sender := &fakeSender{neighbors: neighbors}
	var evicted []identifier.ID
	evict := func(id identifier.ID) { evicted = append(evicted, id) }

	seeds := append([]kbucket.Contact{}, contacts[24:28]...)
	l := newLookupWith(self, 8, 3, time.Second, sender, evict, self, seeds, false)

	outcome := l.run(context.Background())

	require.Len(t, outcome.Contacts, 8)
	for i, c := range outcome.Contacts {
		assert.Equal(t, contacts[i].ID, c.ID, "position %d should be the %d-th closest reachable contact", i, i)
	}
	assert.Empty(t, evicted)
}

// TestLookupFinalRoundStopsOnNoProgress exercises the no-progress branch:
// a lookup whose seeds only ever point back at each other must run one
// final round over the remaining shortlist and then terminate rather than
// loop forever.
func TestLookupFinalRoundStopsOnNoProgress(t *testing.T) {
	self := hashID("final-round-self")
	a := contactAt(offsetID(self, 10), "127.0.0.1", 21000)
	b := contactAt(offsetID(self, 11), "127.0.0.1", 21001)

	sender := &fakeSender{neighbors: map[identifier.ID][]kbucket.Contact{
		a.ID: {b},
		b.ID: {a},
	}}
	evict := func(identifier.ID) {}

	l := newLookupWith(self, 8, 3, time.Second, sender, evict, self, []kbucket.Contact{a}, false)

	done := make(chan lookupOutcome, 1)
	go func() { done <- l.run(context.Background()) }()

	select {
	case outcome := <-done:
		assert.Len(t, outcome.Contacts, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup did not terminate")
	}
}

// TestLookupEvictsUnreachableContacts confirms that a contact which fails
// to answer is removed via evict and excluded from the final result.
func TestLookupEvictsUnreachableContacts(t *testing.T) {
	self := hashID("evict-self")
	reachable := contactAt(offsetID(self, 5), "127.0.0.1", 22000)
	dead := contactAt(offsetID(self, 6), "127.0.0.1", 22001)

	sender := &fakeSender{
		neighbors:   map[identifier.ID][]kbucket.Contact{reachable.ID: nil},
		unreachable: map[identifier.ID]bool{dead.ID: true},
	}
	var evicted []identifier.ID
	evict := func(id identifier.ID) { evicted = append(evicted, id) }

	l := newLookupWith(self, 8, 3, time.Second, sender, evict, self, []kbucket.Contact{reachable, dead}, false)
	l.run(context.Background())

	require.Len(t, evicted, 1)
	assert.Equal(t, dead.ID, evicted[0])
}

// TestCacheAtClosestNonReturningExcludesHolder is a regression test for the
// cache-hit publish target: the value must not be re-STOREd at the peer
// that already supplied it.
func TestCacheAtClosestNonReturningExcludesHolder(t *testing.T) {
	self := hashID("cache-self")
	target := hashID("cache-target")
	holder := contactAt(hashID("cache-holder"), "127.0.0.1", 23000)
	other := contactAt(hashID("cache-other"), "127.0.0.1", 23001)

	sender := &fakeSender{valueAt: map[identifier.ID][]byte{holder.ID: []byte("payload")}}
	evict := func(identifier.ID) {}

	l := newLookupWith(self, 8, 3, time.Second, sender, evict, target, []kbucket.Contact{holder, other}, true)
	outcome := l.run(context.Background())

	require.True(t, outcome.Found)
	assert.Equal(t, []byte("payload"), outcome.Value)

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.storedAt) == 1
	}, time.Second, 10*time.Millisecond, "cache-hit publish never fired")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, other.ID, sender.storedAt[0], "value must not be re-stored at the contact that already held it")
}
