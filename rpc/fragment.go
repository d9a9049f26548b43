package rpc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"kadnode/identifier"
)

// FragmentHeaderSize is the fixed 26-byte header prepended to every
// fragment of a split message (spec §4.4, "Datagram framing").
const FragmentHeaderSize = 26

// DefaultMaxDatagramSize bounds a single UDP datagram, including the
// fragment header. MaxPayload (a whole message's encoded size before it
// must be split) is this minus FragmentHeaderSize.
const DefaultMaxDatagramSize = 8192

// MaxPayload is the largest single-datagram payload under
// DefaultMaxDatagramSize.
const MaxPayload = DefaultMaxDatagramSize - FragmentHeaderSize

// isFragment reports whether datagram carries the fragment marker: byte 0
// and byte 25 both zero. A whole, unfragmented message never has a zero
// first byte because bencode's only leading bytes are 'i', 'l', 'd', or an
// ASCII length digit ('1'-'9', and '0' only for the degenerate "0:" empty
// string, which cannot be a complete envelope) (spec §4.4's collision
// note).
func isFragment(datagram []byte) bool {
	return len(datagram) >= FragmentHeaderSize && datagram[0] == 0x00 && datagram[25] == 0x00
}

// Fragment splits data into one or more datagrams no larger than
// maxPayload+FragmentHeaderSize bytes each, tagged with rpcID so the
// receiver can reassemble them (spec §4.4). If data already fits in a
// single datagram, Fragment returns it unmodified with no header — the
// caller sends it as a whole message.
func Fragment(data []byte, rpcID identifier.ID, maxPayload int) ([][]byte, error) {
	if maxPayload <= 0 {
		maxPayload = MaxPayload
	}
	if len(data) <= maxPayload {
		return [][]byte{data}, nil
	}

	total := len(data) / maxPayload
	if len(data)%maxPayload > 0 {
		total++
	}
	if total > 0xffff {
		return nil, fmt.Errorf("rpc: message too large to fragment (%d fragments needed)", total)
	}

	fragments := make([][]byte, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		header := make([]byte, FragmentHeaderSize, FragmentHeaderSize+(end-start))
		header[0] = 0x00
		header[1] = byte(total >> 8)
		header[2] = byte(total)
		header[3] = byte(seq >> 8)
		header[4] = byte(seq)
		copy(header[5:25], rpcID[:])
		header[25] = 0x00
		fragments = append(fragments, append(header, data[start:end]...))
	}
	return fragments, nil
}

// partial tracks fragments received so far for one rpc-id.
type partial struct {
	total    int
	pieces   map[int][]byte
	lastSeen time.Time
}

// Reassembler buffers incoming fragments keyed by rpc-id until all
// sequence numbers have arrived, then hands the concatenated payload to
// the caller. It also passes whole (unfragmented) messages through
// untouched. A reassembly buffer idle longer than maxAge is discarded
// (spec §4.4, "reassembly buffer older than T_rpc_timeout is discarded").
type Reassembler struct {
	mu     sync.Mutex
	maxAge time.Duration
	bufs   map[identifier.ID]*partial
}

// NewReassembler creates a Reassembler that discards idle partial messages
// after maxAge.
func NewReassembler(maxAge time.Duration) *Reassembler {
	return &Reassembler{maxAge: maxAge, bufs: make(map[identifier.ID]*partial)}
}

// Feed processes one received datagram. If datagram is a whole message, it
// is returned immediately with ok=true. If it is a fragment, Feed buffers
// it and returns ok=true with the reassembled payload only once every
// sequence number for that rpc-id has arrived.
func (r *Reassembler) Feed(datagram []byte) (payload []byte, ok bool, err error) {
	if !isFragment(datagram) {
		return datagram, true, nil
	}

	total := int(datagram[1])<<8 | int(datagram[2])
	seq := int(datagram[3])<<8 | int(datagram[4])
	rpcID := identifier.FromBytes(datagram[5:25])
	body := datagram[26:]

	if total <= 0 || seq < 0 || seq >= total {
		return nil, false, fmt.Errorf("%w: fragment seq %d/%d out of range", ErrMalformedMessage, seq, total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.bufs[rpcID]
	if !exists {
		p = &partial{total: total, pieces: make(map[int][]byte)}
		r.bufs[rpcID] = p
	}
	p.pieces[seq] = body
	p.lastSeen = time.Now()

	if len(p.pieces) < p.total {
		return nil, false, nil
	}

	delete(r.bufs, rpcID)
	seqs := make([]int, 0, len(p.pieces))
	for s := range p.pieces {
		seqs = append(seqs, s)
	}
	sort.Ints(seqs)

	var out []byte
	for _, s := range seqs {
		out = append(out, p.pieces[s]...)
	}
	return out, true, nil
}

// Touch reports whether rpcID has a partial message still accumulating,
// used by the pending-RPC timeout handler to decide whether to reset its
// timer once rather than fail the RPC outright (spec §4.5).
func (r *Reassembler) Touch(rpcID identifier.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.bufs[rpcID]
	return exists
}

// Sweep discards partial-message buffers idle longer than maxAge and
// returns how many were dropped.
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	dropped := 0
	for id, p := range r.bufs {
		if now.Sub(p.lastSeen) >= r.maxAge {
			delete(r.bufs, id)
			dropped++
		}
	}
	return dropped
}
