package kbucket

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"kadnode/identifier"
)

// DefaultSize is the default k-bucket capacity (spec §6, k = 8).
const DefaultSize = 8

// replacementCacheSize bounds the optional cache of contacts seen while a
// bucket was already full (spec §3's "optional replacement cache"). It is
// sized the same as the bucket itself. PromoteReplacement hands back the
// most recently seen candidate; the routing table's rule B does not read
// the cache and admits the new contact directly when the head fails its
// ping.
const replacementCacheSize = DefaultSize

// Bucket is an ordered, capacity-limited list of Contacts covering a
// sub-range of the identifier space, least-recently-seen first. It is the
// unit the routing table splits on demand (spec §4.2, §4.3).
type Bucket struct {
	mu sync.Mutex

	rangeMin, rangeMax identifier.ID
	contacts           []Contact
	size               int
	lastAccessed       time.Time

	// replacements holds contacts observed while full, most-recently-seen
	// evicted last (LRU semantics match the bucket's own ordering rule).
	replacements *lru.Cache
}

// New creates an empty bucket covering [min, max) with the given capacity.
func New(min, max identifier.ID, size int) *Bucket {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New(replacementCacheSize)
	if err != nil {
		// lru.New only fails for non-positive sizes, which can't happen here.
		panic("kbucket: failed to allocate replacement cache: " + err.Error())
	}
	return &Bucket{
		rangeMin:     min,
		rangeMax:     max,
		size:         size,
		contacts:     make([]Contact, 0, size),
		lastAccessed: time.Now(),
		replacements: cache,
	}
}

// RangeMin returns the inclusive lower bound of the bucket's range.
func (b *Bucket) RangeMin() identifier.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rangeMin
}

// RangeMax returns the exclusive upper bound of the bucket's range.
func (b *Bucket) RangeMax() identifier.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rangeMax
}

// Contains reports whether id falls within [RangeMin, RangeMax). The
// table's topmost bucket has RangeMax == identifier.Max, the largest
// representable identifier; since the space [0, 2^160) cannot be
// represented with an exclusive bound of 2^160 in a 160-bit type, that
// bucket treats RangeMax as inclusive so the single largest identifier is
// not orphaned from the partition.
func (b *Bucket) Contains(id identifier.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id.Less(b.rangeMin) {
		return false
	}
	if b.rangeMax.Equal(identifier.Max) {
		return true
	}
	return id.Less(b.rangeMax)
}

// Len returns the current number of contacts held.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// Full reports whether the bucket is at capacity.
func (b *Bucket) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts) >= b.size
}

// LastAccessed returns the time the bucket was last touched.
func (b *Bucket) LastAccessed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccessed
}

// Touch resets the bucket's last-accessed timestamp. Called on any read
// used for a lookup, and on RPC reception affecting the bucket (spec §4.2).
func (b *Bucket) Touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccessed = time.Now()
}

// AddResult reports the outcome of Add.
type AddResult int

const (
	// AddOK means the contact was inserted or refreshed.
	AddOK AddResult = iota
	// AddFull means the bucket has no room; the caller (routing table)
	// decides whether to split or evict via rule B. This is a signal,
	// never an error (spec §4.2).
	AddFull
)

// Add inserts contact, or if already present moves it to the tail and
// refreshes LastSeen. Returns AddFull when the bucket has no room and the
// contact is new.
func (b *Bucket) Add(c Contact) AddResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.contacts {
		if existing.Equal(c) {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return AddOK
		}
	}

	if len(b.contacts) < b.size {
		b.contacts = append(b.contacts, c)
		return AddOK
	}

	b.replacements.Add(c.ID, c)
	return AddFull
}

// ForceAdd appends c unconditionally, evicting the current head (the
// least-recently-seen contact) if the bucket is already full. Used by the
// routing table's rule B once the head has failed to respond to a ping.
// Returns the evicted contact, if any.
func (b *Bucket) ForceAdd(c Contact) (evicted Contact, didEvict bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.contacts) >= b.size {
		evicted = b.contacts[0]
		didEvict = true
		b.contacts = b.contacts[1:]
	}
	b.contacts = append(b.contacts, c)
	return evicted, didEvict
}

// Head returns the least-recently-seen contact and true, or the zero value
// and false if the bucket is empty.
func (b *Bucket) Head() (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contacts) == 0 {
		return Contact{}, false
	}
	return b.contacts[0], true
}

// PromoteReplacement pops the most recently seen replacement-cache
// candidate, if any, for the caller to try admitting in the head's place.
func (b *Bucket) PromoteReplacement() (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := b.replacements.Keys()
	if len(keys) == 0 {
		return Contact{}, false
	}
	last := keys[len(keys)-1]
	v, ok := b.replacements.Get(last)
	if !ok {
		return Contact{}, false
	}
	b.replacements.Remove(last)
	return v.(Contact), true
}

// Remove deletes the contact with the given id. A miss is a no-op (spec
// §4.2/§9: callers used to treat this as an error; downgraded per spec).
func (b *Bucket) Remove(id identifier.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.contacts {
		if c.ID.Equal(id) {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}

// Contacts returns up to n contacts in current order (least-recently-seen
// first), optionally excluding one id. n <= 0 means "all".
func (b *Bucket) Contacts(n int, exclude *identifier.ID) []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Contact, 0, len(b.contacts))
	for _, c := range b.contacts {
		if exclude != nil && c.ID.Equal(*exclude) {
			continue
		}
		out = append(out, c)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out
}

// All returns a copy of every contact currently held.
func (b *Bucket) All() []Contact {
	return b.Contacts(-1, nil)
}

// Has reports whether id is present in the bucket.
func (b *Bucket) Has(id identifier.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.contacts {
		if c.ID.Equal(id) {
			return true
		}
	}
	return false
}

// Split returns two new buckets partitioning the receiver's range at its
// midpoint and redistributes the receiver's contacts between them. The
// receiver itself is left unmodified; callers should discard it after
// splitting.
func (b *Bucket) Split() (lower, upper *Bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mid := identifier.Midpoint(b.rangeMin, b.rangeMax)
	lower = New(b.rangeMin, mid, b.size)
	upper = New(mid, b.rangeMax, b.size)

	for _, c := range b.contacts {
		if c.ID.Less(mid) {
			lower.contacts = append(lower.contacts, c)
		} else {
			upper.contacts = append(upper.contacts, c)
		}
	}
	return lower, upper
}
