// Package callsign implements the one canonical ASCII-callsign to 8-byte
// node-identifier encoding used everywhere a mesh frame names an origin or
// destination.
package callsign

import (
	"fmt"
	"strings"
)

// Len is the fixed width of an encoded node identifier.
const Len = 8

// ID is an opaque 8-byte node identifier derived from a callsign.
type ID [Len]byte

// BroadcastID is the reserved destination used for channel traffic that has
// no single recipient. Encode never produces an all-zero ID (an encoded
// callsign is always at least one non-space, non-zero ASCII byte), so this
// value can never collide with a real node identifier.
var BroadcastID ID

// Encode uppercases call, right-pads it with 0x20 to Len bytes, and
// truncates anything longer. Two callsigns that differ only in case or
// trailing whitespace produce the same ID.
func Encode(call string) (ID, error) {
	call = strings.TrimSpace(call)
	if call == "" {
		return ID{}, fmt.Errorf("callsign: empty callsign")
	}
	for i := 0; i < len(call); i++ {
		c := call[i]
		if c == 0 {
			return ID{}, fmt.Errorf("callsign: %q contains a NUL byte", call)
		}
		if c > 0x7f {
			return ID{}, fmt.Errorf("callsign: %q is not ASCII", call)
		}
	}

	upper := strings.ToUpper(call)
	var id ID
	for i := range id {
		id[i] = ' '
	}
	n := copy(id[:], upper)
	_ = n
	return id, nil
}

// MustEncode panics if call cannot be encoded. Intended for constants and
// tests, never for data received off the wire.
func MustEncode(call string) ID {
	id, err := Encode(call)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the ID as its trimmed callsign for logging.
func (id ID) String() string {
	return strings.TrimRight(string(id[:]), " ")
}

// Bytes returns the raw 8-byte wire representation.
func (id ID) Bytes() []byte {
	b := make([]byte, Len)
	copy(b, id[:])
	return b
}

// FromBytes reads an ID from an 8-byte slice.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Len {
		return ID{}, fmt.Errorf("callsign: want %d bytes, got %d", Len, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// Hex renders the ID as lowercase hex, used by the SYNC_REQUEST
// origin_id_hex field.
func (id ID) Hex() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, Len*2)
	for _, b := range id {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}

// ParseHex parses the hex form produced by Hex.
func ParseHex(s string) (ID, error) {
	if len(s) != Len*2 {
		return ID{}, fmt.Errorf("callsign: hex id must be %d chars, got %d", Len*2, len(s))
	}
	var id ID
	for i := 0; i < Len; i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return ID{}, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return ID{}, err
		}
		id[i] = hi<<4 | lo
	}
	return id, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("callsign: invalid hex digit %q", c)
	}
}
