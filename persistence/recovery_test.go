package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecover_NoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.rdb")
	st := &fakeStore{}

	loader := NewRecoveryLoader(nil)
	outcome := loader.Recover(path, st, 1000)
	if outcome.Kind != OutcomeNoFile {
		t.Fatalf("Kind: got %v, want OutcomeNoFile", outcome.Kind)
	}
	if len(st.entries) != 0 {
		t.Fatalf("store should remain empty, got %d entries", len(st.entries))
	}
}

func TestRecover_Restored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")

	entries := []Entry{
		{Key: []byte("a"), Value: Value{Kind: KindString, Str: []byte("1")}, ExpiryAt: NoExpiry},
		{Key: []byte("b"), Value: Value{Kind: KindInt, Int: 2}, ExpiryAt: NoExpiry},
	}
	data, err := Encode(entries, Options{Compression: CompressionGzip, Checksum: ChecksumCRC32})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	st := &fakeStore{}
	loader := NewRecoveryLoader(nil)
	outcome := loader.Recover(path, st, 1000)
	if outcome.Kind != OutcomeRestored {
		t.Fatalf("Kind: got %v, want OutcomeRestored (reason=%s)", outcome.Kind, outcome.Reason)
	}
	if outcome.Keys != 2 {
		t.Fatalf("Keys: got %d, want 2", outcome.Keys)
	}
	if len(st.entries) != 2 {
		t.Fatalf("store entries: got %d, want 2", len(st.entries))
	}
}

func TestRecover_Corrupted_BadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")
	if err := os.WriteFile(path, []byte("not a snapshot at all"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	st := &fakeStore{}
	loader := NewRecoveryLoader(nil)
	outcome := loader.Recover(path, st, 1000)
	if outcome.Kind != OutcomeCorrupted {
		t.Fatalf("Kind: got %v, want OutcomeCorrupted", outcome.Kind)
	}
	if len(st.entries) != 0 {
		t.Fatalf("a corrupted snapshot must not partially populate the store, got %d entries", len(st.entries))
	}
}

func TestRecover_Corrupted_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")

	entries := []Entry{{Key: []byte("a"), Value: Value{Kind: KindString, Str: []byte("1")}, ExpiryAt: NoExpiry}}
	data, err := Encode(entries, Options{Checksum: ChecksumCRC32})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[len(data)/2] ^= 0x01
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	st := &fakeStore{}
	loader := NewRecoveryLoader(nil)
	outcome := loader.Recover(path, st, 1000)
	if outcome.Kind != OutcomeCorrupted {
		t.Fatalf("Kind: got %v, want OutcomeCorrupted", outcome.Kind)
	}
}

func TestRecover_FiltersExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")

	entries := []Entry{
		{Key: []byte("live"), Value: Value{Kind: KindString, Str: []byte("1")}, ExpiryAt: NoExpiry},
		{Key: []byte("dead"), Value: Value{Kind: KindString, Str: []byte("2")}, ExpiryAt: 500},
		{Key: []byte("future"), Value: Value{Kind: KindString, Str: []byte("3")}, ExpiryAt: 5000},
	}
	data, err := Encode(entries, Options{Checksum: ChecksumCRC32})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	st := &fakeStore{}
	loader := NewRecoveryLoader(nil)
	outcome := loader.Recover(path, st, 1000)
	if outcome.Kind != OutcomeRestored {
		t.Fatalf("Kind: got %v, want OutcomeRestored", outcome.Kind)
	}
	if outcome.Keys != 2 {
		t.Fatalf("Keys: got %d, want 2 (expired entry at ExpiryAt=500 must be dropped)", outcome.Keys)
	}
	for _, e := range st.entries {
		if string(e.Key) == "dead" {
			t.Fatal("expired entry must not be restored into the store")
		}
	}
}
