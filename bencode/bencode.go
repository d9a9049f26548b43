// Package bencode implements the length-prefixed, self-describing wire
// format used for RPC envelopes (spec §4.4, §6): signed integers, byte
// strings, ordered lists, and string-keyed maps with keys emitted in
// ascending byte order for deterministic encoding.
//
// The supported Go value types are int64, []byte, []interface{}, and
// map[string]interface{} (and, for encoding convenience, string and int as
// aliases of []byte and int64 respectively).
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrMalformed is returned when decoding rejects a payload outright. The
// spec requires the caller to drop the datagram silently rather than ever
// let a malformed payload poison the routing table (spec §7).
var ErrMalformed = errors.New("bencode: malformed message")

// Encode serializes v into its bencode representation. v must be built
// from int64/int, []byte/string, []interface{}, or map[string]interface{},
// recursively.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case int64:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(t, 10))
		buf.WriteByte('e')
	case int:
		return encodeValue(buf, int64(t))
	case []byte:
		buf.WriteString(strconv.Itoa(len(t)))
		buf.WriteByte(':')
		buf.Write(t)
	case string:
		return encodeValue(buf, []byte(t))
	case []interface{}:
		buf.WriteByte('l')
		for _, item := range t {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]interface{}:
		buf.WriteByte('d')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encodeValue(buf, []byte(k)); err != nil {
				return err
			}
			if err := encodeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("bencode: cannot encode %T", v)
	}
	return nil
}

// Decode parses the bencode representation at the start of data and
// returns the decoded value. Any trailing bytes beyond the single encoded
// value are an error: callers decode exactly one top-level value per
// message (spec §4.4).
func Decode(data []byte) (interface{}, error) {
	v, n, err := decodeValue(data, 0)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: trailing data after top-level value", ErrMalformed)
	}
	return v, nil
}

func decodeValue(data []byte, pos int) (interface{}, int, error) {
	if pos >= len(data) {
		return nil, pos, fmt.Errorf("%w: unexpected end of input", ErrMalformed)
	}

	switch data[pos] {
	case 'i':
		return decodeInt(data, pos)
	case 'l':
		return decodeList(data, pos)
	case 'd':
		return decodeDict(data, pos)
	default:
		if data[pos] >= '0' && data[pos] <= '9' {
			return decodeString(data, pos)
		}
		return nil, pos, fmt.Errorf("%w: unexpected byte %q at offset %d", ErrMalformed, data[pos], pos)
	}
}

func decodeInt(data []byte, pos int) (interface{}, int, error) {
	end := bytes.IndexByte(data[pos:], 'e')
	if end == -1 {
		return nil, pos, fmt.Errorf("%w: unterminated integer", ErrMalformed)
	}
	end += pos
	digits := string(data[pos+1 : end])
	if digits == "" || digits == "-" {
		return nil, pos, fmt.Errorf("%w: empty integer", ErrMalformed)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, pos, fmt.Errorf("%w: invalid integer %q", ErrMalformed, digits)
	}
	return n, end + 1, nil
}

func decodeString(data []byte, pos int) (interface{}, int, error) {
	colon := bytes.IndexByte(data[pos:], ':')
	if colon == -1 {
		return nil, pos, fmt.Errorf("%w: unterminated string length", ErrMalformed)
	}
	colon += pos
	length, err := strconv.Atoi(string(data[pos:colon]))
	if err != nil || length < 0 {
		return nil, pos, fmt.Errorf("%w: invalid string length", ErrMalformed)
	}
	start := colon + 1
	end := start + length
	if end > len(data) {
		return nil, pos, fmt.Errorf("%w: string length exceeds input", ErrMalformed)
	}
	out := make([]byte, length)
	copy(out, data[start:end])
	return out, end, nil
}

func decodeList(data []byte, pos int) (interface{}, int, error) {
	pos++ // consume 'l'
	list := make([]interface{}, 0)
	for {
		if pos >= len(data) {
			return nil, pos, fmt.Errorf("%w: unterminated list", ErrMalformed)
		}
		if data[pos] == 'e' {
			return list, pos + 1, nil
		}
		item, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		list = append(list, item)
		pos = next
	}
}

func decodeDict(data []byte, pos int) (interface{}, int, error) {
	pos++ // consume 'd'
	dict := make(map[string]interface{})
	var lastKey string
	haveLast := false
	for {
		if pos >= len(data) {
			return nil, pos, fmt.Errorf("%w: unterminated dict", ErrMalformed)
		}
		if data[pos] == 'e' {
			return dict, pos + 1, nil
		}
		keyVal, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		keyBytes, ok := keyVal.([]byte)
		if !ok {
			return nil, pos, fmt.Errorf("%w: dict key must be a byte string", ErrMalformed)
		}
		key := string(keyBytes)
		if haveLast && key <= lastKey {
			return nil, pos, fmt.Errorf("%w: dict keys not in ascending order", ErrMalformed)
		}
		lastKey, haveLast = key, true
		pos = next

		val, next2, err := decodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		dict[key] = val
		pos = next2
	}
}
