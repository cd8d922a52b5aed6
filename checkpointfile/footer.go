package checkpointfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// footerSize is the fixed-size trailing record every checkpoint file ends
// with: {propertiesOffset:u64, propertiesSize:u64, version:u32, magic:u32,
// reserved:8} = 32 bytes (spec section 4.4/6).
const footerSize = 32

const magic = 0x53464b31 // "SFK1"

// FileVersion is the on-disk format version written into every footer.
const FileVersion = 1

// Properties is the trailing metadata block every checkpoint file carries:
// the chunk index needed to serve enumeration/random reads without
// rescanning, plus the counters spec section 4.4 calls for (keyCount for
// key files, an arbitrary EntryCount for value files) and the owning
// FileID.
type Properties struct {
	FileID     uint32
	EntryCount uint64
	Records    []ChunkRecord
}

// WriteProperties serializes props and appends the fixed footer pointing
// at it, writing both directly to w (which must be positioned at the
// first byte after the last data chunk).
func WriteProperties(w io.Writer, props Properties) error {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.BigEndian.PutUint32(u32[:], props.FileID)
	buf.Write(u32[:])
	binary.BigEndian.PutUint64(u64[:], props.EntryCount)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], uint64(len(props.Records)))
	buf.Write(u64[:])
	for _, rec := range props.Records {
		binary.BigEndian.PutUint64(u64[:], rec.LogicalStart)
		buf.Write(u64[:])
		binary.BigEndian.PutUint64(u64[:], rec.PhysicalStart)
		buf.Write(u64[:])
		binary.BigEndian.PutUint32(u32[:], rec.BlockSize)
		buf.Write(u32[:])
	}
	propsOffset, err := currentOffset(w)
	if err != nil {
		return err
	}
	propsBytes := buf.Bytes()
	if _, err := w.Write(propsBytes); err != nil {
		return err
	}
	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint64(footer[0:8], propsOffset)
	binary.BigEndian.PutUint64(footer[8:16], uint64(len(propsBytes)))
	binary.BigEndian.PutUint32(footer[16:20], FileVersion)
	binary.BigEndian.PutUint32(footer[20:24], magic)
	_, err = w.Write(footer)
	return err
}

// currentOffset asks an io.Seeker for its current position; callers of
// WriteProperties pass a writer that also implements io.Seeker (every
// concrete file writer in this package does).
func currentOffset(w io.Writer) (uint64, error) {
	seeker, ok := w.(io.Seeker)
	if !ok {
		return 0, fmt.Errorf("checkpointfile: writer must implement io.Seeker to record properties offset")
	}
	off, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return uint64(off), nil
}

// ReadProperties reads the footer and properties block from a complete
// file of the given total size, returning the decoded Properties.
// Surfaces ErrCorrupted-compatible errors on magic/version mismatch so
// callers can fall back to a redundant copy (spec section 4.5's
// current/next fallback; section 7's CorruptedData taxonomy).
func ReadProperties(ra io.ReaderAt, fileSize int64) (Properties, error) {
	if fileSize < footerSize {
		return Properties{}, fmt.Errorf("checkpointfile: file too small for footer: %w", errCorrupted)
	}
	footer := make([]byte, footerSize)
	if _, err := ra.ReadAt(footer, fileSize-footerSize); err != nil {
		return Properties{}, err
	}
	if binary.BigEndian.Uint32(footer[20:24]) != magic {
		return Properties{}, fmt.Errorf("checkpointfile: bad footer magic: %w", errCorrupted)
	}
	if v := binary.BigEndian.Uint32(footer[16:20]); v != FileVersion {
		return Properties{}, fmt.Errorf("checkpointfile: unsupported file version %d: %w", v, errCorrupted)
	}
	propsOffset := binary.BigEndian.Uint64(footer[0:8])
	propsSize := binary.BigEndian.Uint64(footer[8:16])
	buf := make([]byte, propsSize)
	if _, err := ra.ReadAt(buf, int64(propsOffset)); err != nil {
		return Properties{}, err
	}
	var props Properties
	if len(buf) < 20 {
		return Properties{}, fmt.Errorf("checkpointfile: truncated properties: %w", errCorrupted)
	}
	props.FileID = binary.BigEndian.Uint32(buf[0:4])
	props.EntryCount = binary.BigEndian.Uint64(buf[4:12])
	count := binary.BigEndian.Uint64(buf[12:20])
	pos := 20
	for i := uint64(0); i < count; i++ {
		if pos+20 > len(buf) {
			return Properties{}, fmt.Errorf("checkpointfile: truncated chunk index: %w", errCorrupted)
		}
		rec := ChunkRecord{
			LogicalStart:  binary.BigEndian.Uint64(buf[pos : pos+8]),
			PhysicalStart: binary.BigEndian.Uint64(buf[pos+8 : pos+16]),
			BlockSize:     binary.BigEndian.Uint32(buf[pos+16 : pos+20]),
		}
		pos += 20
		props.Records = append(props.Records, rec)
	}
	return props, nil
}
