// Package wire implements the mesh frame codec: a pure, stateless
// encoder/decoder for the 16-byte mesh header plus its two defined body
// types (OGM, DATA). It performs no I/O and holds no state beyond the
// per-call compression threshold.
package wire

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
)

// HeaderLen is the fixed size, in bytes, of every mesh frame header.
const HeaderLen = 16

// MaxFrameLen is the largest frame the length-prefixed link framing can
// carry (a u16 length field).
const MaxFrameLen = 65535

// CurrentVersion is the only header version this codec accepts.
const CurrentVersion uint8 = 1

// MessageType names the frame's body kind.
type MessageType uint8

const (
	// MessageTypeOGM identifies a routing beacon.
	MessageTypeOGM MessageType = 1
	// MessageTypeData identifies an application payload.
	MessageTypeData MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeOGM:
		return "OGM"
	case MessageTypeData:
		return "DATA"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Flags is the header's bitmask byte.
type Flags uint8

const (
	// FlagCompressed marks a DATA payload as deflate-compressed.
	FlagCompressed Flags = 1 << 0
	// FlagEncrypted marks a DATA payload as encrypted; always zero in
	// normal (amateur-radio) operation.
	FlagEncrypted Flags = 1 << 1
)

func (f Flags) Compressed() bool { return f&FlagCompressed != 0 }
func (f Flags) Encrypted() bool  { return f&FlagEncrypted != 0 }

// Sentinel errors per spec.md §7.
var (
	ErrMalformedFrame      = errors.New("wire: malformed frame")
	ErrUnknownVersion      = errors.New("wire: unknown protocol version")
	ErrDecompressionFailed = errors.New("wire: decompression failed")
	ErrEncryptionDisabled  = errors.New("wire: encryption requested but not enabled")
)

// NonceLen is the length of the nonce prefixing an encrypted DATA payload.
const NonceLen = 12

// Header is the fixed 16-byte mesh frame header.
type Header struct {
	Version     uint8
	MessageType MessageType
	Flags       Flags
	TTL         uint8
	OriginID    callsign.ID
	Seqno       uint32
}

func encodeHeader(buf []byte, h Header) {
	buf[0] = h.Version
	buf[1] = uint8(h.MessageType)
	buf[2] = uint8(h.Flags)
	buf[3] = h.TTL
	copy(buf[4:12], h.OriginID[:])
	binary.BigEndian.PutUint32(buf[12:16], h.Seqno)
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrMalformedFrame, len(buf), HeaderLen)
	}
	var h Header
	h.Version = buf[0]
	h.MessageType = MessageType(buf[1])
	h.Flags = Flags(buf[2])
	h.TTL = buf[3]
	id, err := callsign.FromBytes(buf[4:12])
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	h.OriginID = id
	h.Seqno = binary.BigEndian.Uint32(buf[12:16])
	return h, nil
}

// NeighborObservation is one entry in an OGM's neighbor-quality table.
type NeighborObservation struct {
	NeighborID callsign.ID
	Metric     uint8
}

// OGMBody is the routing beacon payload. It carries no user content.
type OGMBody struct {
	// CumulativeMetric is the path-cost-so-far, recombined at each
	// forwarding hop (see internal/routing).
	CumulativeMetric uint8
	// Neighbors is the generator's own observations of its neighbors'
	// link quality, carried for link-state visibility; the routing
	// table in this implementation keys its best-next-hop decision off
	// CumulativeMetric alone.
	Neighbors []NeighborObservation
}

func encodeOGMBody(b OGMBody) []byte {
	buf := make([]byte, 2, 2+len(b.Neighbors)*(callsign.Len+1))
	buf[0] = b.CumulativeMetric
	if len(b.Neighbors) > 255 {
		b.Neighbors = b.Neighbors[:255]
	}
	buf[1] = uint8(len(b.Neighbors))
	for _, n := range b.Neighbors {
		buf = append(buf, n.NeighborID[:]...)
		buf = append(buf, n.Metric)
	}
	return buf
}

func decodeOGMBody(buf []byte) (OGMBody, error) {
	if len(buf) < 2 {
		return OGMBody{}, fmt.Errorf("%w: OGM body is %d bytes, want at least 2", ErrMalformedFrame, len(buf))
	}
	b := OGMBody{CumulativeMetric: buf[0]}
	count := int(buf[1])
	rest := buf[2:]
	want := count * (callsign.Len + 1)
	if len(rest) < want {
		return OGMBody{}, fmt.Errorf("%w: OGM body truncated neighbor table", ErrMalformedFrame)
	}
	for i := 0; i < count; i++ {
		off := i * (callsign.Len + 1)
		id, err := callsign.FromBytes(rest[off : off+callsign.Len])
		if err != nil {
			return OGMBody{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		b.Neighbors = append(b.Neighbors, NeighborObservation{NeighborID: id, Metric: rest[off+callsign.Len]})
	}
	return b, nil
}

// DataBody is the decoded form of a DATA frame's body.
type DataBody struct {
	DestinationID callsign.ID
	DataSeqno     uint32
	Payload       []byte
}

// Codec encodes and decodes mesh frames. It is pure: no I/O, no mutable
// shared state. The zero value is usable with sensible defaults.
type Codec struct {
	// CompressThreshold is the payload size, in bytes, above which
	// compression is attempted. Zero selects a sensible default.
	CompressThreshold int
	// AllowEncryption is off by default. EncodeData does not read it: it has
	// no encryption path and never sets FlagEncrypted.
	AllowEncryption bool
}

const defaultCompressThreshold = 256

func (c Codec) threshold() int {
	if c.CompressThreshold > 0 {
		return c.CompressThreshold
	}
	return defaultCompressThreshold
}

// EncodeOGM builds a complete OGM frame.
func (c Codec) EncodeOGM(origin callsign.ID, seqno uint32, ttl uint8, body OGMBody) ([]byte, error) {
	bodyBytes := encodeOGMBody(body)
	return assemble(Header{
		Version:     CurrentVersion,
		MessageType: MessageTypeOGM,
		TTL:         ttl,
		OriginID:    origin,
		Seqno:       seqno,
	}, bodyBytes)
}

// EncodeData builds a complete DATA frame, compressing the payload when it
// exceeds the configured threshold and compression actually shrinks it.
func (c Codec) EncodeData(origin callsign.ID, seqno uint32, ttl uint8, dest callsign.ID, dataSeqno uint32, payload []byte) ([]byte, error) {
	flags := Flags(0)
	encoded := payload
	if len(payload) > c.threshold() {
		if compressed, ok := deflate(payload); ok {
			encoded = compressed
			flags |= FlagCompressed
		}
	}

	body := make([]byte, 0, callsign.Len+4+len(encoded))
	body = append(body, dest[:]...)
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], dataSeqno)
	body = append(body, seqBuf[:]...)
	body = append(body, encoded...)

	return assemble(Header{
		Version:     CurrentVersion,
		MessageType: MessageTypeData,
		Flags:       flags,
		TTL:         ttl,
		OriginID:    origin,
		Seqno:       seqno,
	}, body)
}

func assemble(h Header, body []byte) ([]byte, error) {
	if HeaderLen+len(body) > MaxFrameLen {
		return nil, fmt.Errorf("%w: frame would be %d bytes, max %d", ErrMalformedFrame, HeaderLen+len(body), MaxFrameLen)
	}
	buf := make([]byte, HeaderLen+len(body))
	encodeHeader(buf, h)
	copy(buf[HeaderLen:], body)
	return buf, nil
}

// Decoded is the typed result of decoding one frame.
type Decoded struct {
	Header Header
	OGM    *OGMBody
	Data   *DataBody
}

// Decode parses a complete frame: header, version check, body-length
// check against message type, and (for DATA) decompression.
func (c Codec) Decode(frame []byte) (Decoded, error) {
	h, err := decodeHeader(frame)
	if err != nil {
		return Decoded{}, err
	}
	if h.Version != CurrentVersion {
		return Decoded{}, fmt.Errorf("%w: got version %d, want %d", ErrUnknownVersion, h.Version, CurrentVersion)
	}
	body := frame[HeaderLen:]

	switch h.MessageType {
	case MessageTypeOGM:
		ogm, err := decodeOGMBody(body)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Header: h, OGM: &ogm}, nil

	case MessageTypeData:
		if len(body) < callsign.Len+4 {
			return Decoded{}, fmt.Errorf("%w: DATA body is %d bytes, want at least %d", ErrMalformedFrame, len(body), callsign.Len+4)
		}
		dest, err := callsign.FromBytes(body[:callsign.Len])
		if err != nil {
			return Decoded{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		dataSeqno := binary.BigEndian.Uint32(body[callsign.Len : callsign.Len+4])
		payload := body[callsign.Len+4:]

		if h.Flags.Encrypted() {
			if len(payload) < NonceLen {
				return Decoded{}, fmt.Errorf("%w: encrypted payload shorter than nonce", ErrMalformedFrame)
			}
			// Decryption is handled by the application layer once it
			// has the shared key; the codec only validates framing.
			return Decoded{Header: h, Data: &DataBody{DestinationID: dest, DataSeqno: dataSeqno, Payload: payload}}, nil
		}

		if h.Flags.Compressed() {
			clear, err := inflate(payload)
			if err != nil {
				return Decoded{}, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
			}
			payload = clear
		}
		return Decoded{Header: h, Data: &DataBody{DestinationID: dest, DataSeqno: dataSeqno, Payload: payload}}, nil

	default:
		return Decoded{}, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformedFrame, uint8(h.MessageType))
	}
}

// WithDecrementedTTL returns a copy of frame with its TTL byte decremented
// by one. Callers must check TTL > 1 before calling (see internal/meshnode).
func WithDecrementedTTL(frame []byte) ([]byte, error) {
	if len(frame) < HeaderLen {
		return nil, fmt.Errorf("%w: frame shorter than header", ErrMalformedFrame)
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	out[3]--
	return out, nil
}

// TTL reads the TTL byte directly out of an encoded frame without a full
// decode.
func TTL(frame []byte) (uint8, error) {
	if len(frame) < HeaderLen {
		return 0, fmt.Errorf("%w: frame shorter than header", ErrMalformedFrame)
	}
	return frame[3], nil
}

func deflate(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(payload); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(payload) {
		return nil, false
	}
	return buf.Bytes(), true
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
