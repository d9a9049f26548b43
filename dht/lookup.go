package dht

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"kadnode/identifier"
	"kadnode/kbucket"
	"kadnode/rpc"
)

// lookupOutcome is what an iterative lookup resolves to: the k closest
// contacts it ever touched, or — in value mode — the stored value it
// found (spec §4.7, step 6).
type lookupOutcome struct {
	Contacts []kbucket.Contact
	Value    []byte
	Found    bool
}

// rpcSender is the subset of *rpc.Engine a lookup drives. Depending on
// this interface, rather than the engine directly, lets a test drive the
// lookup state machine against a synthetic topology with no real
// transport underneath (spec §8 scenario S5).
type rpcSender interface {
	SendRPC(ctx context.Context, addr net.Addr, peerID identifier.ID, method rpc.Method, args []interface{}, raw bool) (rpc.Result, error)
}

// lookup holds the mutable state of one iterative traversal (spec §4.7).
type lookup struct {
	selfID     identifier.ID
	k          int
	alpha      int
	rpcTimeout time.Duration
	sender     rpcSender
	evict      func(identifier.ID)

	target    identifier.ID
	valueMode bool

	mu              sync.Mutex
	shortlist       []kbucket.Contact
	queried         map[identifier.ID]bool
	closestDistance identifier.ID

	sem *semaphore.Weighted
}

func newLookup(n *Node, target identifier.ID, seeds []kbucket.Contact, valueMode bool) *lookup {
	return newLookupWith(n.cfg.SelfID, n.cfg.K, n.cfg.Alpha, n.cfg.RPCTimeout, n.engine, n.table.RemoveContact, target, seeds, valueMode)
}

// newLookupWith builds a lookup from its raw dependencies rather than a
// *Node, the seam exercised by the synthetic-topology lookup tests.
func newLookupWith(selfID identifier.ID, k, alpha int, rpcTimeout time.Duration, sender rpcSender, evict func(identifier.ID), target identifier.ID, seeds []kbucket.Contact, valueMode bool) *lookup {
	l := &lookup{
		selfID:          selfID,
		k:               k,
		alpha:           alpha,
		rpcTimeout:      rpcTimeout,
		sender:          sender,
		evict:           evict,
		target:          target,
		valueMode:       valueMode,
		queried:         make(map[identifier.ID]bool),
		closestDistance: identifier.Max,
		sem:             semaphore.NewWeighted(int64(alpha)),
	}
	l.mergeContacts(seeds)
	return l
}

// mergeContacts dedupes incoming contacts into the shortlist (never
// self), keeping it sorted by ascending XOR distance and truncated to k
// (spec §4.7, step 3).
func (l *lookup) mergeContacts(contacts []kbucket.Contact) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing := make(map[identifier.ID]bool, len(l.shortlist))
	for _, c := range l.shortlist {
		existing[c.ID] = true
	}
	for _, c := range contacts {
		if c.ID.Equal(l.selfID) || existing[c.ID] {
			continue
		}
		existing[c.ID] = true
		l.shortlist = append(l.shortlist, c)
	}

	sort.Slice(l.shortlist, func(i, j int) bool {
		di, dj := l.shortlist[i].ID.Xor(l.target), l.shortlist[j].ID.Xor(l.target)
		if di.Equal(dj) {
			return l.shortlist[i].ID.Less(l.shortlist[j].ID)
		}
		return identifier.DistanceLess(di, dj)
	})
	if len(l.shortlist) > l.k {
		l.shortlist = l.shortlist[:l.k]
	}
}

// nextBatch pops up to n un-queried contacts off the shortlist, closest
// first, and marks them queried.
func (l *lookup) nextBatch(n int) []kbucket.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()

	var batch []kbucket.Contact
	for _, c := range l.shortlist {
		if len(batch) >= n {
			break
		}
		if l.queried[c.ID] {
			continue
		}
		l.queried[c.ID] = true
		batch = append(batch, c)
	}
	return batch
}

func (l *lookup) remainingUnqueried() []kbucket.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []kbucket.Contact
	for _, c := range l.shortlist {
		if !l.queried[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (l *lookup) closest() (identifier.ID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.shortlist) == 0 {
		return identifier.ID{}, false
	}
	return l.shortlist[0].ID.Xor(l.target), true
}

func (l *lookup) snapshot() []kbucket.Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]kbucket.Contact, len(l.shortlist))
	copy(out, l.shortlist)
	return out
}

// queryOne sends one FIND_NODE/FIND_VALUE RPC, folds the response into the
// shortlist, and reports a short-circuit value if this is a successful
// value-mode query (spec §4.7, steps 3-4).
func (l *lookup) queryOne(ctx context.Context, c kbucket.Contact) (value []byte, found bool) {
	method := rpc.MethodFindNode
	if l.valueMode {
		method = rpc.MethodFindValue
	}

	result, err := l.sender.SendRPC(ctx, addrOf(c), c.ID, method, []interface{}{[]byte(l.target[:])}, false)
	if err != nil {
		l.evict(c.ID)
		return nil, false
	}

	if !l.valueMode {
		contacts, decodeErr := decodeContacts(result.Value)
		if decodeErr == nil {
			l.mergeContacts(contacts)
		}
		return nil, false
	}

	fvr, decodeErr := decodeFindValueResult(result.Value)
	if decodeErr != nil {
		return nil, false
	}
	if fvr.Found {
		return fvr.Value, true
	}
	l.mergeContacts(fvr.Contacts)
	return nil, false
}

// run drives the lookup to completion (spec §4.7's full algorithm).
func (l *lookup) run(ctx context.Context) lookupOutcome {
	for {
		prevDistance, hadClosest := l.closest()

		batch := l.nextBatch(l.alpha)
		if len(batch) == 0 {
			break
		}

		value, holder, found := l.dispatchBatch(ctx, batch)
		if found {
			l.cacheAtClosestNonReturning(batch, holder, value)
			return lookupOutcome{Value: value, Found: true}
		}

		newDistance, haveNew := l.closest()
		progressed := haveNew && (!hadClosest || identifier.DistanceLess(newDistance, prevDistance))
		if progressed {
			continue
		}

		// No progress: run one final round over every remaining
		// un-queried shortlist member, then stop (spec §4.7, step 5).
		final := l.remainingUnqueried()
		if len(final) == 0 {
			break
		}
		value, holder, found = l.dispatchBatch(ctx, final)
		if found {
			l.cacheAtClosestNonReturning(final, holder, value)
			return lookupOutcome{Value: value, Found: true}
		}
		break
	}

	return lookupOutcome{Contacts: l.snapshot()}
}

// dispatchBatch queries every contact in batch concurrently, bounded by
// alpha via the semaphore, and returns the first short-circuited value
// mode result (if any), along with the specific contact that returned it -
// needed so the cache-hit publish can exclude that contact (spec §4.7
// step 3).
func (l *lookup) dispatchBatch(ctx context.Context, batch []kbucket.Contact) (value []byte, holder kbucket.Contact, found bool) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, c := range batch {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func(c kbucket.Contact) {
			defer wg.Done()
			defer l.sem.Release(1)
			v, f := l.queryOne(ctx, c)
			if f {
				mu.Lock()
				if !found {
					value, holder, found = v, c, true
				}
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return value, holder, found
}

// cacheAtClosestNonReturning stores the resolved value at the closest
// queried contact that did not itself return it - holder, the contact
// that actually supplied the value, is excluded so the value isn't
// re-STOREd back at the peer that already had it (spec §4.7 step 3;
// SPEC_FULL supplemented feature 3).
func (l *lookup) cacheAtClosestNonReturning(queriedThisRound []kbucket.Contact, holder kbucket.Contact, value []byte) {
	sorted := make([]kbucket.Contact, 0, len(queriedThisRound))
	for _, c := range queriedThisRound {
		if c.ID.Equal(holder.ID) {
			continue
		}
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return identifier.DistanceLess(sorted[i].ID.Xor(l.target), sorted[j].ID.Xor(l.target))
	})
	if len(sorted) == 0 {
		return
	}
	target := sorted[0]
	args := []interface{}{
		[]byte(l.target[:]),
		value,
		[]byte(l.selfID[:]),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.rpcTimeout)
		defer cancel()
		_, _ = l.sender.SendRPC(ctx, addrOf(target), target.ID, rpc.MethodStore, args, false)
	}()
}
