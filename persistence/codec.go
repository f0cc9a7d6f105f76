// Package persistence implements the snapshot codec, the snapshotter, the
// recovery loader, and the save-policy manager that make up the
// persistence core of a Redis-compatible in-memory key-value server.
package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sort"

	"github.com/klauspost/compress/gzip"
)

var magic = [5]byte{'R', 'E', 'D', 'I', 'S'}

// legacyVersion is the predecessor 4-byte ASCII version field older snapshot
// writers used; Decode accepts it in place of the flagged form below.
var legacyVersion = [4]byte{'0', '0', '0', '1'}

const (
	flagCompressed byte = 1 << 0
	flagChecksumed byte = 1 << 1
	majorVersion   byte = 1
)

// Options controls how Encode serializes a snapshot. Compression and
// Checksum are recorded in the version/flags field so Decode never needs
// out-of-band knowledge of them.
type Options struct {
	Compression CompressionKind
	Checksum    ChecksumKind
}

// CompressionKind enumerates the payload compression schemes the codec
// supports.
type CompressionKind uint8

const (
	CompressionNone CompressionKind = iota
	CompressionGzip
)

// ChecksumKind enumerates the trailing-integrity schemes the codec supports.
type ChecksumKind uint8

const (
	ChecksumNone ChecksumKind = iota
	ChecksumCRC32
)

// Encode serializes entries into the on-disk snapshot byte layout.
// It fails with an *EncodeError if any entry's Value has an unsupported
// ValueKind.
func Encode(entries []Entry, opts Options) ([]byte, error) {
	var payload bytes.Buffer
	for _, e := range entries {
		if err := encodeEntry(&payload, e); err != nil {
			return nil, err
		}
	}

	body := payload.Bytes()
	if opts.Compression == CompressionGzip {
		var compressed bytes.Buffer
		gw := gzip.NewWriter(&compressed)
		if _, err := gw.Write(body); err != nil {
			return nil, fmt.Errorf("persistence: gzip write: %w", err)
		}
		if err := gw.Close(); err != nil {
			return nil, fmt.Errorf("persistence: gzip close: %w", err)
		}
		body = compressed.Bytes()
	}

	var flags byte
	if opts.Compression == CompressionGzip {
		flags |= flagCompressed
	}
	if opts.Checksum == ChecksumCRC32 {
		flags |= flagChecksumed
	}

	out := make([]byte, 0, 5+4+len(body)+4)
	out = append(out, magic[:]...)
	out = append(out, majorVersion, flags, 0, 0)
	out = append(out, body...)

	if opts.Checksum == ChecksumCRC32 {
		sum := crc32.ChecksumIEEE(out)
		var sumBuf [4]byte
		binary.LittleEndian.PutUint32(sumBuf[:], sum)
		out = append(out, sumBuf[:]...)
	}

	return out, nil
}

// Decode parses the on-disk snapshot byte layout back into entries.
// It determines compression and checksum presence entirely from the file's
// own version/flags field, accepting the legacy unflagged "0001" form per
// the legacy compatibility note above.
func Decode(data []byte) ([]Entry, error) {
	if len(data) < 9 {
		return nil, ErrMalformedPayload
	}
	if !bytes.Equal(data[0:5], magic[:]) {
		return nil, ErrBadMagic
	}

	var flags byte
	if bytes.Equal(data[5:9], legacyVersion[:]) {
		flags = flagCompressed | flagChecksumed
	} else {
		if data[5] != majorVersion {
			return nil, ErrUnsupportedVersion
		}
		if data[7] != 0 || data[8] != 0 {
			return nil, ErrMalformedPayload
		}
		flags = data[6]
	}

	body := data[9:]
	if flags&flagChecksumed != 0 {
		if len(body) < 4 {
			return nil, ErrMalformedPayload
		}
		boundary := len(data) - 4
		want := binary.LittleEndian.Uint32(data[boundary:])
		got := crc32.ChecksumIEEE(data[:boundary])
		if want != got {
			return nil, ErrChecksumMismatch
		}
		body = data[9:boundary]
	}

	if flags&flagCompressed != 0 {
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		decompressed, err := io.ReadAll(gr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		if err := gr.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		body = decompressed
	}

	return decodeEntries(body)
}

// ─── entry framing: [tag:1][key_len:varint][key][expiry_ms:i64][value_body] ──

func encodeEntry(w *bytes.Buffer, e Entry) error {
	w.WriteByte(byte(e.Value.Kind))
	writeVarintBytes(w, e.Key)

	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(e.ExpiryAt))
	w.Write(expBuf[:])

	return encodeValueBody(w, e.Value)
}

func decodeEntries(body []byte) ([]Entry, error) {
	r := bytes.NewReader(body)
	var entries []Entry
	for r.Len() > 0 {
		tagByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: reading tag: %v", ErrMalformedPayload, err)
		}
		key, err := readVarintBytes(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading key: %v", ErrMalformedPayload, err)
		}
		var expBuf [8]byte
		if _, err := io.ReadFull(r, expBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: reading expiry: %v", ErrMalformedPayload, err)
		}
		expiry := int64(binary.BigEndian.Uint64(expBuf[:]))

		val, err := decodeValueBody(r, ValueKind(tagByte))
		if err != nil {
			return nil, err
		}

		entries = append(entries, Entry{Key: key, Value: val, ExpiryAt: expiry})
	}
	return entries, nil
}

func encodeValueBody(w *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindString:
		writeVarintBytes(w, v.Str)
	case KindInt:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.Int))
		w.Write(buf[:])
	case KindList:
		writeVarint(w, uint64(len(v.List)))
		for _, item := range v.List {
			writeVarintBytes(w, item)
		}
	case KindSet:
		items := make([][]byte, len(v.Set))
		copy(items, v.Set)
		sort.Slice(items, func(i, j int) bool { return bytes.Compare(items[i], items[j]) < 0 })
		writeVarint(w, uint64(len(items)))
		for _, item := range items {
			writeVarintBytes(w, item)
		}
	case KindHash:
		fields := make([]string, 0, len(v.Hash))
		for field := range v.Hash {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		writeVarint(w, uint64(len(fields)))
		for _, field := range fields {
			writeVarintBytes(w, []byte(field))
			writeVarintBytes(w, v.Hash[field])
		}
	case KindZSet:
		members := make([]string, 0, len(v.ZSet))
		for member := range v.ZSet {
			members = append(members, member)
		}
		sort.Strings(members)
		writeVarint(w, uint64(len(members)))
		for _, member := range members {
			writeVarintBytes(w, []byte(member))
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(v.ZSet[member]))
			w.Write(buf[:])
		}
	default:
		return &EncodeError{Tag: v.Kind}
	}
	return nil
}

func decodeValueBody(r *bytes.Reader, kind ValueKind) (Value, error) {
	switch kind {
	case KindString:
		b, err := readVarintBytes(r)
		if err != nil {
			return Value{}, fmt.Errorf("%w: string body: %v", ErrMalformedPayload, err)
		}
		return Value{Kind: KindString, Str: b}, nil
	case KindInt:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, fmt.Errorf("%w: int body: %v", ErrMalformedPayload, err)
		}
		return Value{Kind: KindInt, Int: int64(binary.BigEndian.Uint64(buf[:]))}, nil
	case KindList:
		n, err := readVarintCount(r)
		if err != nil {
			return Value{}, err
		}
		list := make([][]byte, 0, n)
		for i := uint64(0); i < n; i++ {
			b, err := readVarintBytes(r)
			if err != nil {
				return Value{}, fmt.Errorf("%w: list element: %v", ErrMalformedPayload, err)
			}
			list = append(list, b)
		}
		return Value{Kind: KindList, List: list}, nil
	case KindSet:
		n, err := readVarintCount(r)
		if err != nil {
			return Value{}, err
		}
		set := make([][]byte, 0, n)
		for i := uint64(0); i < n; i++ {
			b, err := readVarintBytes(r)
			if err != nil {
				return Value{}, fmt.Errorf("%w: set element: %v", ErrMalformedPayload, err)
			}
			set = append(set, b)
		}
		return Value{Kind: KindSet, Set: set}, nil
	case KindHash:
		n, err := readVarintCount(r)
		if err != nil {
			return Value{}, err
		}
		h := make(map[string][]byte, n)
		for i := uint64(0); i < n; i++ {
			field, err := readVarintBytes(r)
			if err != nil {
				return Value{}, fmt.Errorf("%w: hash field: %v", ErrMalformedPayload, err)
			}
			val, err := readVarintBytes(r)
			if err != nil {
				return Value{}, fmt.Errorf("%w: hash value: %v", ErrMalformedPayload, err)
			}
			h[string(field)] = val
		}
		return Value{Kind: KindHash, Hash: h}, nil
	case KindZSet:
		n, err := readVarintCount(r)
		if err != nil {
			return Value{}, err
		}
		z := make(map[string]float64, n)
		for i := uint64(0); i < n; i++ {
			member, err := readVarintBytes(r)
			if err != nil {
				return Value{}, fmt.Errorf("%w: zset member: %v", ErrMalformedPayload, err)
			}
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return Value{}, fmt.Errorf("%w: zset score: %v", ErrMalformedPayload, err)
			}
			z[string(member)] = math.Float64frombits(binary.BigEndian.Uint64(buf[:]))
		}
		return Value{Kind: KindZSet, ZSet: z}, nil
	default:
		return Value{}, fmt.Errorf("%w: unknown value tag %d", ErrMalformedPayload, kind)
	}
}

// ─── varint helpers ──────────────────────────────────────────────────────────

const maxEntryLen = 1 << 32 // rejects a corrupt length or count above 4 GiB (1<<32)

func writeVarint(w *bytes.Buffer, n uint64) {
	var buf [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(buf[:], n)
	w.Write(buf[:l])
}

func writeVarintBytes(w *bytes.Buffer, b []byte) {
	writeVarint(w, uint64(len(b)))
	w.Write(b)
}

func readVarintCount(r *bytes.Reader) (uint64, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("%w: reading count: %v", ErrMalformedPayload, err)
	}
	if n > maxEntryLen {
		return 0, fmt.Errorf("%w: count %d exceeds limit", ErrMalformedPayload, n)
	}
	return n, nil
}

func readVarintBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > maxEntryLen {
		return nil, fmt.Errorf("length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
