package checkpointfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sfk")
	fp, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	kw := NewKeyFileWriter(fp)
	entries := []KeyEntry{
		{Key: []byte("alpha"), Kind: Inserted, LSN: 1, ValueOffset: 0, ValueChecksum: 111, ValueSize: 5},
		{Key: []byte("bravo"), Kind: Updated, LSN: 2, ValueOffset: 5, ValueChecksum: 222, ValueSize: 7},
		{Key: []byte("charlie-is-a-much-longer-key-used-to-exercise-padding"), Kind: Inserted, LSN: 3, ValueOffset: 12, ValueChecksum: 333, ValueSize: 9000},
		{Key: []byte("delta"), Kind: Deleted, LSN: 4, LogicalTimestamp: 7},
	}
	for _, e := range entries {
		if err := kw.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := kw.Close(42); err != nil {
		t.Fatal(err)
	}
	if err := fp.Close(); err != nil {
		t.Fatal(err)
	}

	fp, err = os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()
	info, err := fp.Stat()
	if err != nil {
		t.Fatal(err)
	}
	kr, err := OpenKeyFile(fp, info.Size())
	if err != nil {
		t.Fatal(err)
	}
	if kr.Properties().FileID != 42 {
		t.Fatalf("fileID = %d, want 42", kr.Properties().FileID)
	}
	if kr.Properties().EntryCount != uint64(len(entries)) {
		t.Fatalf("entryCount = %d, want %d", kr.Properties().EntryCount, len(entries))
	}
	var got []KeyEntry
	if err := kr.Enumerate(func(e KeyEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		g := got[i]
		if !bytes.Equal(g.Key, e.Key) || g.Kind != e.Kind || g.LSN != e.LSN {
			t.Fatalf("entry %d = %+v, want %+v", i, g, e)
		}
		if e.Kind == Deleted {
			if g.LogicalTimestamp != e.LogicalTimestamp {
				t.Fatalf("entry %d logicalTimestamp = %d, want %d", i, g.LogicalTimestamp, e.LogicalTimestamp)
			}
		} else if g.ValueOffset != e.ValueOffset || g.ValueChecksum != e.ValueChecksum || g.ValueSize != e.ValueSize {
			t.Fatalf("entry %d value fields = %+v, want %+v", i, g, e)
		}
	}
}

func TestValueFileRoundTripAndOversizedChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sfv")
	fp, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	vw := NewValueFileWriter(fp)
	small := []byte("hello world")
	big := bytes.Repeat([]byte("x"), DefaultChunkSize*3+17)
	offSmall, err := vw.Append(small)
	if err != nil {
		t.Fatal(err)
	}
	offBig, err := vw.Append(big)
	if err != nil {
		t.Fatal(err)
	}
	if err := vw.Close(7); err != nil {
		t.Fatal(err)
	}
	if err := fp.Close(); err != nil {
		t.Fatal(err)
	}

	fp, err = os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()
	info, err := fp.Stat()
	if err != nil {
		t.Fatal(err)
	}
	vr, err := OpenValueFile(fp, info.Size())
	if err != nil {
		t.Fatal(err)
	}
	gotSmall, err := vr.ReadAt(offSmall, uint32(len(small)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotSmall, small) {
		t.Fatalf("small = %q, want %q", gotSmall, small)
	}
	gotBig, err := vr.ReadAt(offBig, uint32(len(big)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotBig, big) {
		t.Fatalf("big mismatch, len got %d want %d", len(gotBig), len(big))
	}
}

func TestChunkCorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.sfv")
	fp, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	vw := NewValueFileWriter(fp)
	if _, err := vw.Append([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := vw.Close(1); err != nil {
		t.Fatal(err)
	}
	fp.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	fp, err = os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()
	info, _ := fp.Stat()
	vr, err := OpenValueFile(fp, info.Size())
	if err != nil {
		// Corrupting the first chunk header can also corrupt the
		// properties pointer's target region's own framing in small
		// test files; either failure mode is an acceptable detection.
		return
	}
	if _, err := vr.ReadAt(0, 7); err == nil {
		t.Fatal("expected corruption to be detected")
	} else if !ErrCorrupted(err) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}
