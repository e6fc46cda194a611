package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
)

func TestOGMRoundTrip(t *testing.T) {
	origin := callsign.MustEncode("NOCALL-1")
	c := Codec{}

	frame, err := c.EncodeOGM(origin, 42, 8, OGMBody{
		CumulativeMetric: 12,
		Neighbors: []NeighborObservation{
			{NeighborID: callsign.MustEncode("KD9YQK-1"), Metric: 3},
		},
	})
	if err != nil {
		t.Fatalf("EncodeOGM: %v", err)
	}

	dec, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Header.MessageType != MessageTypeOGM {
		t.Fatalf("message type = %v, want OGM", dec.Header.MessageType)
	}
	if dec.Header.OriginID != origin || dec.Header.Seqno != 42 || dec.Header.TTL != 8 {
		t.Fatalf("header mismatch: %+v", dec.Header)
	}
	if dec.OGM == nil || dec.OGM.CumulativeMetric != 12 || len(dec.OGM.Neighbors) != 1 {
		t.Fatalf("OGM body mismatch: %+v", dec.OGM)
	}
}

func TestDataRoundTripPayloadBoundaries(t *testing.T) {
	origin := callsign.MustEncode("NOCALL-1")
	dest := callsign.MustEncode("KD9YQK-1")
	c := Codec{CompressThreshold: 1 << 30} // disable compression for this test

	for _, size := range []int{0, 1, 4096, 65519 - callsign.Len - 4} {
		payload := bytes.Repeat([]byte{0xAB}, size)
		frame, err := c.EncodeData(origin, 7, 8, dest, 99, payload)
		if err != nil {
			t.Fatalf("size %d: EncodeData: %v", size, err)
		}
		if len(frame) > MaxFrameLen {
			t.Fatalf("size %d: frame exceeds MaxFrameLen: %d", size, len(frame))
		}
		dec, err := c.Decode(frame)
		if err != nil {
			t.Fatalf("size %d: Decode: %v", size, err)
		}
		if dec.Data == nil {
			t.Fatalf("size %d: expected DATA body", size)
		}
		if !bytes.Equal(dec.Data.Payload, payload) {
			t.Fatalf("size %d: payload mismatch, got %d bytes want %d", size, len(dec.Data.Payload), len(payload))
		}
		if dec.Data.DestinationID != dest || dec.Data.DataSeqno != 99 {
			t.Fatalf("size %d: data body mismatch: %+v", size, dec.Data)
		}
	}
}

func TestCompressionRoundTripAndFlagSet(t *testing.T) {
	origin := callsign.MustEncode("NOCALL-1")
	dest := callsign.MustEncode("KD9YQK-1")
	c := Codec{CompressThreshold: 64}

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64) // ~2KiB, highly compressible
	frame, err := c.EncodeData(origin, 1, 8, dest, 1, payload)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}

	h, err := decodeHeader(frame)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if !h.Flags.Compressed() {
		t.Fatal("expected compressed flag to be set")
	}
	if len(frame) >= HeaderLen+len(payload) {
		t.Fatalf("compressed frame (%d) not shorter than clear frame (%d)", len(frame), HeaderLen+len(payload))
	}

	dec, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(dec.Data.Payload, payload) {
		t.Fatal("decompressed payload does not match original")
	}
}

func TestIncompressiblePayloadIsNotFlagged(t *testing.T) {
	origin := callsign.MustEncode("NOCALL-1")
	dest := callsign.MustEncode("KD9YQK-1")
	c := Codec{CompressThreshold: 1}

	// Random-looking small payload that won't shrink under deflate.
	payload := []byte{0x01, 0x02}
	frame, err := c.EncodeData(origin, 1, 8, dest, 1, payload)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	h, err := decodeHeader(frame)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if h.Flags.Compressed() {
		t.Fatal("short payload should not have been compressed")
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := Codec{}.Decode(make([]byte, HeaderLen-1))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	origin := callsign.MustEncode("NOCALL-1")
	frame, err := Codec{}.EncodeOGM(origin, 1, 8, OGMBody{})
	if err != nil {
		t.Fatalf("EncodeOGM: %v", err)
	}
	frame[0] = 99
	_, err = Codec{}.Decode(frame)
	if !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("err = %v, want ErrUnknownVersion", err)
	}
}

func TestDecodeRejectsTruncatedDataBody(t *testing.T) {
	origin := callsign.MustEncode("NOCALL-1")
	dest := callsign.MustEncode("KD9YQK-1")
	frame, err := Codec{CompressThreshold: 1 << 30}.EncodeData(origin, 1, 8, dest, 1, []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	truncated := frame[:HeaderLen+callsign.Len+2]
	_, err = Codec{}.Decode(truncated)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeRejectsBadDeflateStream(t *testing.T) {
	origin := callsign.MustEncode("NOCALL-1")
	dest := callsign.MustEncode("KD9YQK-1")
	frame, err := Codec{CompressThreshold: 1 << 30}.EncodeData(origin, 1, 8, dest, 1, []byte("hello world"))
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	// Flip the compressed flag on without actually compressing the body,
	// so decompression fails against garbage deflate input.
	frame[2] = byte(FlagCompressed)
	_, err = Codec{}.Decode(frame)
	if !errors.Is(err, ErrDecompressionFailed) {
		t.Fatalf("err = %v, want ErrDecompressionFailed", err)
	}
}

func TestTTLHelpers(t *testing.T) {
	origin := callsign.MustEncode("NOCALL-1")
	frame, err := Codec{}.EncodeOGM(origin, 1, 5, OGMBody{})
	if err != nil {
		t.Fatalf("EncodeOGM: %v", err)
	}
	ttl, err := TTL(frame)
	if err != nil || ttl != 5 {
		t.Fatalf("TTL = %d, %v; want 5, nil", ttl, err)
	}
	decremented, err := WithDecrementedTTL(frame)
	if err != nil {
		t.Fatalf("WithDecrementedTTL: %v", err)
	}
	ttl2, _ := TTL(decremented)
	if ttl2 != 4 {
		t.Fatalf("decremented TTL = %d, want 4", ttl2)
	}
	// Original frame must be untouched.
	ttl3, _ := TTL(frame)
	if ttl3 != 5 {
		t.Fatal("WithDecrementedTTL mutated the original frame")
	}
}
