package dht

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kadnode/identifier"
	"kadnode/kbucket"
	"kadnode/rpc"
	"kadnode/store"
)

func durationFromSeconds(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

// FindNode runs an iterative find_node lookup for target and returns the k
// globally closest contacts the lookup ever touched (spec §4.7, invariant
// 9).
func (n *Node) FindNode(ctx context.Context, target identifier.ID) []kbucket.Contact {
	seeds := n.table.FindCloseNodes(target, n.cfg.K, nil)
	l := newLookup(n, target, seeds, false)
	return l.run(ctx).Contacts
}

// LookupValue runs an iterative find_value lookup for key. found is false
// if no value was ever located, in which case contacts holds the k closest
// nodes touched instead (spec §4.7, step 6).
func (n *Node) LookupValue(ctx context.Context, key identifier.ID) (value []byte, found bool, contacts []kbucket.Contact) {
	if v, _, ok := n.store.Get(key); ok {
		return v, true, nil
	}

	seeds := n.table.FindCloseNodes(key, n.cfg.K, nil)
	l := newLookup(n, key, seeds, true)
	outcome := l.run(ctx)
	return outcome.Value, outcome.Found, outcome.Contacts
}

// Store writes (key, value) to the local store and replicates it to the k
// closest known peers via an iterative lookup, per SPEC_FULL's
// supplemented feature 2 (entangled's iterativeStore): a plain local
// write would leave the value undiscoverable by anyone but this node.
func (n *Node) Store(ctx context.Context, key identifier.ID, value []byte) {
	now := n.now()
	n.store.Put(key, value, store.Metadata{
		OriginatorID:  n.cfg.SelfID,
		PublishedAt:   now,
		LastPublished: now,
		ExpiresAt:     n.expirationFor(key),
	})

	targets := n.FindNode(ctx, key)
	n.replicateTo(ctx, targets, key, value, n.cfg.SelfID)
}

func (n *Node) replicateTo(ctx context.Context, targets []kbucket.Contact, key identifier.ID, value []byte, originator identifier.ID) {
	args := []interface{}{[]byte(key[:]), value, []byte(originator[:])}
	sem := make(chan struct{}, n.cfg.Alpha)
	var wg sync.WaitGroup
	for _, c := range targets {
		sem <- struct{}{}
		wg.Add(1)
		go func(c kbucket.Contact) {
			defer wg.Done()
			defer func() { <-sem }()
			storeCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
			defer cancel()
			if _, err := n.engine.SendRPC(storeCtx, addrOf(c), c.ID, rpc.MethodStore, args, false); err != nil {
				logrus.WithError(err).WithField("peer", c.ID.String()).Debug("dht: replication store failed")
			}
		}(c)
	}
	wg.Wait()
}

// Join bootstraps the routing table from a single known contact: inserts
// it, runs a self find_node lookup to populate nearby buckets, then runs a
// lookup into each bucket reported by IdleBuckets that doesn't contain
// self_id. Buckets accessed within RefreshAfter are not refreshed by Join.
func (n *Node) Join(ctx context.Context, bootstrapAddr net.Addr, bootstrapID identifier.ID) error {
	host, portStr, err := net.SplitHostPort(bootstrapAddr.String())
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return err
	}

	n.table.AddContact(kbucket.Contact{ID: bootstrapID, Host: host, Port: uint16(port), LastSeen: n.now()})

	n.FindNode(ctx, n.cfg.SelfID)

	for _, r := range n.table.IdleBuckets() {
		if r.Contains(n.cfg.SelfID) {
			continue // bucket containing self was already covered by the self-lookup above
		}
		n.FindNode(ctx, r.RandomID())
	}
	return nil
}

func (n *Node) refreshLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.refreshTickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, r := range n.table.IdleBuckets() {
				ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout*time.Duration(n.cfg.Alpha))
				n.FindNode(ctx, r.RandomID())
				cancel()
			}
		}
	}
}

func (n *Node) republishLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.Republish)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.republishOnce()
		}
	}
}

// republishOnce re-stores every locally held value at the current k
// closest peers. Originated values always republish; received values
// republish only if this node still looks like it's among the nodes
// closest to the key (spec §4.8; SPEC_FULL's "paper-optimised" rule).
func (n *Node) republishOnce() {
	for _, e := range n.store.Iter() {
		if e.Metadata.OriginatorID.Equal(n.cfg.SelfID) || n.isAmongClosestTo(e.Key) {
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout*time.Duration(n.cfg.Alpha))
			targets := n.FindNode(ctx, e.Key)
			n.replicateTo(ctx, targets, e.Key, e.Value, e.Metadata.OriginatorID)
			cancel()

			e.Metadata.LastPublished = n.now()
			n.store.Put(e.Key, e.Value, e.Metadata)
		}
	}
}

func (n *Node) expireLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.Expire / 24) // sweep far more often than the expiry window itself
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if sweeper, ok := n.store.(interface{ ExpireOlderThan(time.Time) int }); ok {
				sweeper.ExpireOlderThan(n.now())
			}
		}
	}
}

func (n *Node) refreshTickInterval() time.Duration {
	d := n.cfg.RefreshAfter / 4
	if d <= 0 {
		d = time.Minute
	}
	return d
}

// expirationFor computes a value's expiry, scaled down the more nodes
// closer to key this node already knows about, to suppress over-caching
// near the key's home nodes (spec §3; SPEC_FULL supplemented feature 1,
// adapted from entangled's cache-aging behavior since the exact formula
// was not retrievable from the original source).
func (n *Node) expirationFor(key identifier.ID) time.Time {
	closer := n.countCloserContacts(key)
	factor := 1.0 / float64(closer+1)
	d := time.Duration(float64(n.cfg.Expire) * factor)
	if d < time.Minute {
		d = time.Minute
	}
	return n.now().Add(d)
}

func (n *Node) countCloserContacts(key identifier.ID) int {
	selfDistance := n.cfg.SelfID.Xor(key)
	count := 0
	for _, c := range n.table.FindCloseNodes(key, n.cfg.K, nil) {
		if identifier.DistanceLess(c.ID.Xor(key), selfDistance) {
			count++
		}
	}
	return count
}

func (n *Node) isAmongClosestTo(key identifier.ID) bool {
	return n.countCloserContacts(key) < n.cfg.K
}
