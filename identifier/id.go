// Package identifier implements the 160-bit node/key identifier space used
// throughout the DHT: the XOR distance metric, common-prefix-length math,
// and random identifier generation.
//
// Example:
//
//	id := identifier.Generate()
//	other := identifier.FromBytes(someHash)
//	dist := id.Xor(other)
//	closer := identifier.DistanceLess(distA, distB)
package identifier

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Size is the identifier length in bytes (160 bits).
const Size = 20

// Bits is the identifier length in bits.
const Bits = Size * 8

// ID is an opaque 160-bit identifier. It is used both for node identities
// and for keys in the (key -> value) mapping; the two spaces are identical.
type ID [Size]byte

// Zero is the all-zero identifier, the minimum of the space.
var Zero ID

// Max is the all-ones identifier, the maximum of the space.
var Max ID

func init() {
	for i := range Max {
		Max[i] = 0xff
	}
}

// FromBytes copies up to Size bytes from b into a new ID, zero-padding on
// the left if b is shorter than Size and truncating on the left if longer
// (mirrors how a SHA-1 digest - exactly Size bytes - is normally supplied).
func FromBytes(b []byte) ID {
	var id ID
	if len(b) >= Size {
		copy(id[:], b[len(b)-Size:])
	} else {
		copy(id[Size-len(b):], b)
	}
	return id
}

// Generate returns a cryptographically random identifier.
func Generate() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("identifier: failed to read random bytes: " + err.Error())
	}
	return id
}

// String returns the hex representation of the identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the identifier's raw bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// IsZero reports whether id is the all-zero identifier.
func (id ID) IsZero() bool {
	return id == Zero
}

// Equal reports whether id and other are the same identifier.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Xor returns the XOR distance between id and other.
func (id ID) Xor(other ID) ID {
	var out ID
	for i := 0; i < Size; i++ {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less reports whether id sorts before other under the byte-lexicographic
// order used to break distance ties deterministically (spec §4.1).
func (id ID) Less(other ID) bool {
	for i := 0; i < Size; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// DistanceLess reports whether distance a is strictly smaller than distance
// b, comparing as big-endian unsigned integers (equivalent to
// lexicographic byte comparison since both are fixed-width).
func DistanceLess(a, b ID) bool {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits that id and other
// share, i.e. the index of the highest set bit in their XOR distance,
// counted from the most significant bit. A return value of Bits means the
// two identifiers are identical.
func (id ID) CommonPrefixLen(other ID) int {
	d := id.Xor(other)
	for i := 0; i < Size; i++ {
		if d[i] == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if d[i]&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return Bits
}

// Bit returns the value (0 or 1) of the n-th most significant bit of id.
func (id ID) Bit(n int) int {
	if n < 0 || n >= Bits {
		panic(fmt.Sprintf("identifier: bit index %d out of range", n))
	}
	byteIdx := n / 8
	bitIdx := uint(n % 8)
	if id[byteIdx]&(0x80>>bitIdx) != 0 {
		return 1
	}
	return 0
}

// big returns id interpreted as a big-endian unsigned integer, for range
// arithmetic that doesn't fit cleanly in fixed-width byte operations
// (random-in-range sampling).
func (id ID) big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// fromBig converts a big.Int back into a fixed-width ID, truncating any
// overflow beyond Size bytes (callers are expected to keep values in range).
func fromBig(v *big.Int) ID {
	b := v.Bytes()
	return FromBytes(b)
}

// RandomInRange returns a uniformly random identifier in [min, max).
// It panics if min >= max.
func RandomInRange(min, max ID) ID {
	lo, hi := min.big(), max.big()
	span := new(big.Int).Sub(hi, lo)
	if span.Sign() <= 0 {
		panic("identifier: RandomInRange requires min < max")
	}
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		panic("identifier: failed to read random bytes: " + err.Error())
	}
	return fromBig(new(big.Int).Add(lo, n))
}

// Midpoint returns the identifier halfway between min (inclusive) and max
// (exclusive), used to split a bucket's range in two.
func Midpoint(min, max ID) ID {
	lo, hi := min.big(), max.big()
	sum := new(big.Int).Add(lo, hi)
	mid := new(big.Int).Rsh(sum, 1)
	return fromBig(mid)
}
