package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"reflect"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func sampleEntries() []Entry {
	return []Entry{
		{Key: []byte("greeting"), Value: Value{Kind: KindString, Str: []byte("hello")}, ExpiryAt: NoExpiry},
		{Key: []byte("counter"), Value: Value{Kind: KindInt, Int: -42}, ExpiryAt: 1700000000000},
		{Key: []byte("queue"), Value: Value{Kind: KindList, List: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}, ExpiryAt: NoExpiry},
		{Key: []byte("tags"), Value: Value{Kind: KindSet, Set: [][]byte{[]byte("x"), []byte("y")}}, ExpiryAt: NoExpiry},
		{Key: []byte("profile"), Value: Value{Kind: KindHash, Hash: map[string][]byte{"name": []byte("ada"), "age": []byte("36")}}, ExpiryAt: NoExpiry},
		{Key: []byte("leaderboard"), Value: Value{Kind: KindZSet, ZSet: map[string]float64{"alice": 10.5, "bob": 3}}, ExpiryAt: NoExpiry},
		{Key: []byte("empty"), Value: Value{Kind: KindString, Str: []byte{}}, ExpiryAt: NoExpiry},
	}
}

// normalize sorts Set members so entry-set comparisons do not depend on
// member order; Hash and ZSet are maps, which reflect.DeepEqual already
// compares without regard to order. Byte-level ordering is a codec
// implementation detail, not a contract callers should depend on.
func normalize(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	for i, e := range out {
		if e.Value.Kind == KindSet {
			sorted := append([][]byte(nil), e.Value.Set...)
			sort.Slice(sorted, func(a, b int) bool { return bytes.Compare(sorted[a], sorted[b]) < 0 })
			out[i].Value.Set = sorted
		}
	}
	return out
}

func TestRoundTrip_AllOptionCombinations(t *testing.T) {
	entries := sampleEntries()

	compressions := []CompressionKind{CompressionNone, CompressionGzip}
	checksums := []ChecksumKind{ChecksumNone, ChecksumCRC32}

	for _, c := range compressions {
		for _, k := range checksums {
			opts := Options{Compression: c, Checksum: k}
			data, err := Encode(entries, opts)
			if err != nil {
				t.Fatalf("Encode(%v): %v", opts, err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode after Encode(%v): %v", opts, err)
			}
			if !reflect.DeepEqual(normalize(got), normalize(entries)) {
				t.Fatalf("round-trip mismatch for opts=%v\ngot:  %+v\nwant: %+v", opts, got, entries)
			}
		}
	}
}

func TestRoundTrip_Empty(t *testing.T) {
	data, err := Encode(nil, Options{Compression: CompressionGzip, Checksum: ChecksumCRC32})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(got))
	}
}

func TestDecode_BadMagic(t *testing.T) {
	data, _ := Encode(sampleEntries(), Options{Checksum: ChecksumCRC32})
	data[0] = 'X'
	_, err := Decode(data)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	data, _ := Encode(sampleEntries(), Options{})
	data[5] = 99
	_, err := Decode(data)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecode_ChecksumMismatch_BitFlip(t *testing.T) {
	data, err := Encode(sampleEntries(), Options{Compression: CompressionGzip, Checksum: ChecksumCRC32})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Flip one bit in the middle of the payload, leave the trailing CRC32
	// untouched: decode must detect the mismatch.
	i := len(data) / 2
	corrupt := append([]byte(nil), data...)
	corrupt[i] ^= 0x01

	_, err = Decode(corrupt)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestDecode_TruncatedFile(t *testing.T) {
	data, err := Encode(sampleEntries(), Options{Checksum: ChecksumCRC32})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := data[:len(data)-1]
	_, err = Decode(truncated)
	if err == nil {
		t.Fatal("expected an error decoding a truncated snapshot")
	}
}

func TestDecode_LegacyVersionField(t *testing.T) {
	// Build a legacy-form snapshot by hand: magic + "0001" + gzip payload +
	// trailing CRC32, matching the legacy compatibility note above. The legacy
	// writer computed its checksum over its own header bytes, not the
	// flagged form's, so this must be assembled independently rather than
	// spliced from an Encode output.
	entries := sampleEntries()

	var payload bytes.Buffer
	for _, e := range entries {
		if err := encodeEntry(&payload, e); err != nil {
			t.Fatalf("encodeEntry: %v", err)
		}
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(payload.Bytes()); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	legacy := append([]byte(nil), magic[:]...)
	legacy = append(legacy, legacyVersion[:]...)
	legacy = append(legacy, compressed.Bytes()...)

	sum := crc32.ChecksumIEEE(legacy)
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	legacy = append(legacy, sumBuf[:]...)

	got, err := Decode(legacy)
	if err != nil {
		t.Fatalf("Decode legacy form: %v", err)
	}
	if !reflect.DeepEqual(normalize(got), normalize(entries)) {
		t.Fatalf("legacy round-trip mismatch\ngot:  %+v\nwant: %+v", got, entries)
	}
}

func TestEncode_UnsupportedValueKind(t *testing.T) {
	entries := []Entry{{Key: []byte("k"), Value: Value{Kind: ValueKind(255)}, ExpiryAt: NoExpiry}}
	_, err := Encode(entries, Options{})
	var encErr *EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected *EncodeError, got %v", err)
	}
}

func TestDecode_UnknownValueTag(t *testing.T) {
	entries := sampleEntries()
	data, err := Encode(entries[:1], Options{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// The tag byte is the first byte of the payload, right after the 9-byte
	// header.
	data[9] = 0xEE
	_, err = Decode(data)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestDecode_NoChecksum_SkipsVerification(t *testing.T) {
	data, err := Encode(sampleEntries(), Options{Checksum: ChecksumNone})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Flipping a bit with no checksum configured must not surface
	// ErrChecksumMismatch (there's nothing to check against); it may
	// surface as a malformed-payload error or, in the worst case, silently
	// decode garbage, which is the documented tradeoff of disabling the
	// checksum.
	data[len(data)-1] ^= 0x01
	_, err = Decode(data)
	if errors.Is(err, ErrChecksumMismatch) {
		t.Fatal("did not expect ErrChecksumMismatch when checksum is disabled")
	}
}
