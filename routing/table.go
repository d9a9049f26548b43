// Package routing implements the Kademlia routing table: an ordered,
// dynamically splitting sequence of k-buckets partitioning the 160-bit
// identifier space, plus the closest-node lookup and eviction policy that
// keeps long-lived peers preferred (spec §4.3).
package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kadnode/identifier"
	"kadnode/kbucket"
)

// Config configures a Table.
type Config struct {
	// SelfID is the local node's identifier. It never appears as a
	// contact in the table (spec §3 invariant 4).
	SelfID identifier.ID
	// BucketSize is k, the maximum contacts per bucket.
	BucketSize int
	// RefreshAfter is the idle threshold (spec §4.3's T_refresh) after
	// which IdleBuckets reports a bucket as due for a refresh lookup.
	RefreshAfter time.Duration
}

// DefaultConfig returns the spec's default constants (k = 8, T_refresh =
// 1h).
func DefaultConfig(selfID identifier.ID) Config {
	return Config{
		SelfID:       selfID,
		BucketSize:   kbucket.DefaultSize,
		RefreshAfter: time.Hour,
	}
}

// Pinger probes a contact for liveness, blocking until it gets a result or
// gives up. It is invoked off the caller's goroutine (§4.3 rule B must not
// block AddContact), so blocking here does not stall table mutation.
type Pinger func(ctx context.Context, c kbucket.Contact) bool

// Table is the node's view of the network: an ordered list of buckets
// whose ranges partition [0, 2^160) without gaps or overlap.
type Table struct {
	mu      sync.RWMutex
	cfg     Config
	buckets []*kbucket.Bucket // ascending, contiguous ranges

	pingerMu sync.RWMutex
	pinger   Pinger
}

// New creates a routing table for selfID with a single bucket spanning the
// whole space, per spec §3.
func New(cfg Config) *Table {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = kbucket.DefaultSize
	}
	return &Table{
		cfg:     cfg,
		buckets: []*kbucket.Bucket{kbucket.New(identifier.Zero, identifier.Max, cfg.BucketSize)},
	}
}

// SetPinger installs the callback used by rule B (§4.3) to probe a
// bucket's head contact before evicting it. A nil pinger (the default)
// makes rule B a no-op: a full, non-splittable bucket simply declines new
// contacts, which is the correct behavior for a routing table with no
// transport wired yet (see spec scenario S2).
func (t *Table) SetPinger(p Pinger) {
	t.pingerMu.Lock()
	defer t.pingerMu.Unlock()
	t.pinger = p
}

func (t *Table) getPinger() Pinger {
	t.pingerMu.RLock()
	defer t.pingerMu.RUnlock()
	return t.pinger
}

// SelfID returns the local node identifier this table was built for.
func (t *Table) SelfID() identifier.ID {
	return t.cfg.SelfID
}

// bucketIndexForLocked returns the index into t.buckets whose range
// contains id. Callers must hold t.mu (read or write). Buckets are sorted
// ascending and partition the space without gaps, so a single linear scan
// suffices; the table stays shallow enough (bounded by identifier bit
// length) that this never becomes a hot path.
func (t *Table) bucketIndexForLocked(id identifier.ID) int {
	for i, b := range t.buckets {
		if b.Contains(id) {
			return i
		}
	}
	return len(t.buckets) - 1
}

// bucketFor returns the bucket whose range contains id.
func (t *Table) bucketFor(id identifier.ID) *kbucket.Bucket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buckets[t.bucketIndexForLocked(id)]
}

// AddContact inserts or refreshes c, splitting or evicting as needed (spec
// §4.3 add_contact). It never blocks on network I/O: rule B's ping runs on
// a separate goroutine.
func (t *Table) AddContact(c kbucket.Contact) {
	if c.ID.Equal(t.cfg.SelfID) {
		return
	}

	for {
		bucket := t.bucketFor(c.ID)
		if bucket.Add(c) == kbucket.AddOK {
			return
		}

		if bucket.Contains(t.cfg.SelfID) {
			t.splitBucket(bucket)
			continue
		}

		t.evictOrDiscard(bucket, c)
		return
	}
}

// splitBucket replaces bucket (which must contain SelfID) with two children
// split at its range midpoint, per rule A.
func (t *Table) splitBucket(bucket *kbucket.Bucket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, b := range t.buckets {
		if b == bucket {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Another goroutine already split this bucket; nothing to do.
		return
	}

	lower, upper := bucket.Split()
	t.buckets = append(t.buckets[:idx], append([]*kbucket.Bucket{lower, upper}, t.buckets[idx+1:]...)...)

	logrus.WithFields(logrus.Fields{
		"range_min": lower.RangeMin().String(),
		"midpoint":  lower.RangeMax().String(),
		"range_max": upper.RangeMax().String(),
		"buckets":   len(t.buckets),
	}).Debug("routing: bucket split")
}

// evictOrDiscard implements rule B: ping the bucket's head off-goroutine;
// on success the head is refreshed and c is discarded, on failure the head
// is evicted and c takes its place. Without a pinger c is discarded.
func (t *Table) evictOrDiscard(bucket *kbucket.Bucket, c kbucket.Contact) {
	pinger := t.getPinger()
	if pinger == nil {
		return
	}

	head, ok := bucket.Head()
	if !ok {
		bucket.Add(c)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if pinger(ctx, head) {
			bucket.Add(head) // move head to tail, refresh LastSeen
			logrus.WithField("contact", head.ID.String()).Debug("routing: bucket head alive, discarding new contact")
			return
		}

		bucket.Remove(head.ID)
		bucket.Add(c)
		logrus.WithFields(logrus.Fields{
			"evicted": head.ID.String(),
			"added":   c.ID.String(),
		}).Debug("routing: bucket head unresponsive, evicted")
	}()
}

// RemoveContact deletes id from its bucket. A miss is a no-op (spec §9).
func (t *Table) RemoveContact(id identifier.ID) {
	t.bucketFor(id).Remove(id)
}

// TouchBucket resets the last-accessed timestamp of the bucket covering id.
func (t *Table) TouchBucket(id identifier.ID) {
	t.bucketFor(id).Touch()
}

// FindCloseNodes returns up to n contacts closest to target by XOR
// distance, ascending, optionally excluding one id (spec §4.3,
// find_close_nodes).
func (t *Table) FindCloseNodes(target identifier.ID, n int, exclude *identifier.ID) []kbucket.Contact {
	t.bucketFor(target).Touch()

	t.mu.RLock()
	all := make([]kbucket.Contact, 0, n*2)
	for _, b := range t.buckets {
		all = append(all, b.All()...)
	}
	t.mu.RUnlock()

	filtered := all[:0]
	for _, c := range all {
		if exclude != nil && c.ID.Equal(*exclude) {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.Slice(filtered, func(i, j int) bool {
		di := filtered[i].ID.Xor(target)
		dj := filtered[j].ID.Xor(target)
		if di.Equal(dj) {
			return filtered[i].ID.Less(filtered[j].ID)
		}
		return identifier.DistanceLess(di, dj)
	})

	if n > 0 && len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered
}

// Has reports whether id is currently present in the table.
func (t *Table) Has(id identifier.ID) bool {
	return t.bucketFor(id).Has(id)
}

// Len returns the total number of contacts across all buckets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += b.Len()
	}
	return n
}

// BucketCount returns the current number of buckets.
func (t *Table) BucketCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// IdleBuckets returns the ranges of buckets that have not been touched
// within cfg.RefreshAfter, for the lifecycle refresh loop (spec §4.3) to
// schedule a random lookup into.
func (t *Table) IdleBuckets() []Range {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var idle []Range
	now := time.Now()
	for _, b := range t.buckets {
		if now.Sub(b.LastAccessed()) >= t.cfg.RefreshAfter {
			idle = append(idle, Range{Min: b.RangeMin(), Max: b.RangeMax()})
		}
	}
	return idle
}

// Range is a bucket's identifier-space span, exposed for the refresh loop
// without leaking the bucket type itself.
type Range struct {
	Min, Max identifier.ID
}

// Contains reports whether id falls within r, using the same inclusive
// top-of-space handling as kbucket.Bucket.Contains.
func (r Range) Contains(id identifier.ID) bool {
	if id.Less(r.Min) {
		return false
	}
	if r.Max.Equal(identifier.Max) {
		return true
	}
	return id.Less(r.Max)
}

// RandomID returns a uniformly random identifier within r.
func (r Range) RandomID() identifier.ID {
	if r.Min.Equal(r.Max) {
		return r.Min
	}
	return identifier.RandomInRange(r.Min, r.Max)
}
