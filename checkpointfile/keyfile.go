package checkpointfile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind mirrors tstore.ItemKind without importing it, keeping this package
// free of a dependency on the store package it serves.
type Kind uint8

const (
	Inserted Kind = iota
	Updated
	Deleted
)

// keyEntryFixedSize is the 24-byte fixed prefix before the serialized key
// bytes: {keySize:u32, kind:u8, padding:3, lsn:i64} = 16, followed by one
// 8-byte slot holding either {logicalTimestamp:i64} (deletes) or
// {valueOffset:u64} (inserts/updates), for 24 total, so every entry's key
// bytes start at the same offset. Non-delete entries carry valueChecksum
// and valueSize in a 12-byte suffix after the key (see tailSize).
const keyEntryFixedSize = 24

// KeyEntry is one record of the .sfk key file (spec section 3's "KeyData
// on disk").
type KeyEntry struct {
	Key              []byte
	Kind             Kind
	LSN              int64
	LogicalTimestamp int64 // valid iff Kind == Deleted
	ValueOffset      uint64
	ValueChecksum    uint64
	ValueSize        uint32
}

// ValueChecksum/ValueSize for non-delete entries need 12 more bytes than
// the LogicalTimestamp slot used by deletes, so those two fields are
// carried in a short suffix right after the key bytes rather than inside
// the fixed 24-byte prefix. encodeKeyEntryFull/decodeKeyEntry agree on
// this layout.
func tailSize(k Kind) int {
	if k == Deleted {
		return 0
	}
	return 12
}

func encodeKeyEntryFull(e KeyEntry) []byte {
	keyLen := len(e.Key)
	bodyLen := keyEntryFixedSize + keyLen + tailSize(e.Kind)
	total := roundUp(bodyLen, 8)
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(keyLen))
	buf[4] = byte(e.Kind)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.LSN))
	if e.Kind == Deleted {
		binary.BigEndian.PutUint64(buf[16:24], uint64(e.LogicalTimestamp))
	} else {
		binary.BigEndian.PutUint64(buf[16:24], e.ValueOffset)
	}
	copy(buf[keyEntryFixedSize:keyEntryFixedSize+keyLen], e.Key)
	if e.Kind != Deleted {
		tail := buf[keyEntryFixedSize+keyLen:]
		binary.BigEndian.PutUint64(tail[0:8], e.ValueChecksum)
		binary.BigEndian.PutUint32(tail[8:12], e.ValueSize)
	}
	return buf
}

func decodeKeyEntry(buf []byte) (KeyEntry, int, error) {
	if len(buf) < keyEntryFixedSize {
		return KeyEntry{}, 0, io.ErrUnexpectedEOF
	}
	keyLen := int(binary.BigEndian.Uint32(buf[0:4]))
	kind := Kind(buf[4])
	lsn := int64(binary.BigEndian.Uint64(buf[8:16]))
	e := KeyEntry{Kind: kind, LSN: lsn}
	bodyLen := keyEntryFixedSize + keyLen + tailSize(kind)
	total := roundUp(bodyLen, 8)
	if len(buf) < total {
		return KeyEntry{}, 0, io.ErrUnexpectedEOF
	}
	if kind == Deleted {
		e.LogicalTimestamp = int64(binary.BigEndian.Uint64(buf[16:24]))
	} else {
		e.ValueOffset = binary.BigEndian.Uint64(buf[16:24])
	}
	e.Key = append([]byte(nil), buf[keyEntryFixedSize:keyEntryFixedSize+keyLen]...)
	if kind != Deleted {
		tail := buf[keyEntryFixedSize+keyLen : keyEntryFixedSize+keyLen+12]
		e.ValueChecksum = binary.BigEndian.Uint64(tail[0:8])
		e.ValueSize = binary.BigEndian.Uint32(tail[8:12])
	}
	return e, total, nil
}

// KeyFileWriter writes the .sfk key stream. The underlying writer must
// also implement io.Seeker so Close can record the properties block's
// offset in the footer.
type KeyFileWriter struct {
	w     io.Writer
	cw    *Writer
	count uint64
}

// NewKeyFileWriter wraps w (typically an *os.File opened for writing).
func NewKeyFileWriter(w io.Writer) *KeyFileWriter {
	return &KeyFileWriter{w: w, cw: NewWriter(w)}
}

// Append writes one key entry, returning an error only on I/O failure.
func (kw *KeyFileWriter) Append(e KeyEntry) error {
	_, err := kw.cw.WriteItem(encodeKeyEntryFull(e))
	if err == nil {
		kw.count++
	}
	return err
}

// Close flushes remaining chunks and writes the footer+properties with the
// given fileID.
func (kw *KeyFileWriter) Close(fileID uint32) error {
	if err := kw.cw.Flush(); err != nil {
		return err
	}
	return WriteProperties(kw.w, Properties{
		FileID:     fileID,
		EntryCount: kw.count,
		Records:    kw.cw.Records(),
	})
}

// KeyFileReader streams or random-reads entries from an open .sfk file.
type KeyFileReader struct {
	r     *Reader
	props Properties
}

// OpenKeyFile reads the footer/properties of ra (total fileSize bytes) and
// returns a reader ready to enumerate.
func OpenKeyFile(ra io.ReaderAt, fileSize int64) (*KeyFileReader, error) {
	props, err := ReadProperties(ra, fileSize)
	if err != nil {
		return nil, err
	}
	return &KeyFileReader{r: NewReader(ra, props.Records), props: props}, nil
}

// Properties exposes the decoded footer/properties block (entry count,
// owning file ID).
func (kr *KeyFileReader) Properties() Properties { return kr.props }

// Enumerate streams every key entry in file order, chunk by chunk,
// transparently extending its decode buffer across a chunk boundary when
// an entry straddles one (spec section 4.4).
func (kr *KeyFileReader) Enumerate(fn func(KeyEntry) error) error {
	var carry []byte
	var seen uint64
	records := kr.r.records
	chunk := 0
	err := kr.r.StreamAll(func(payload []byte) error {
		// A chunk's payload is zero-padded out to its block size; only the
		// bytes up to the next chunk's logical start hold entries. The last
		// chunk is bounded by the declared entry count instead.
		if chunk+1 < len(records) {
			if n := records[chunk+1].LogicalStart - records[chunk].LogicalStart; n <= uint64(len(payload)) {
				payload = payload[:n]
			}
		}
		chunk++
		buf := payload
		if len(carry) > 0 {
			buf = append(append([]byte(nil), carry...), payload...)
			carry = nil
		}
		for len(buf) > 0 && seen < kr.props.EntryCount {
			e, n, err := decodeKeyEntry(buf)
			if err == io.ErrUnexpectedEOF {
				carry = append([]byte(nil), buf...)
				return nil
			}
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
			seen++
			buf = buf[n:]
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(carry) > 0 {
		return fmt.Errorf("checkpointfile: trailing undecodable bytes in key file: %w", errCorrupted)
	}
	if seen != kr.props.EntryCount {
		return fmt.Errorf("checkpointfile: enumerated %d entries, properties declared %d: %w", seen, kr.props.EntryCount, errCorrupted)
	}
	return nil
}
