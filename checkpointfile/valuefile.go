package checkpointfile

import "io"

// ValueFileWriter writes the .sfv value stream: a plain chunked sequence of
// serialized value bytes, addressed later by the (offset, size, checksum)
// recorded in the corresponding KeyEntry.
type ValueFileWriter struct {
	w     io.Writer
	cw    *Writer
	count uint64
}

// NewValueFileWriter wraps w. The underlying writer must also implement
// io.Seeker so Close can record the properties block's offset.
func NewValueFileWriter(w io.Writer) *ValueFileWriter {
	return &ValueFileWriter{w: w, cw: NewWriter(w)}
}

// Append writes one value's bytes, returning the logical offset to record
// in the owning KeyEntry.
func (vw *ValueFileWriter) Append(value []byte) (offset uint64, err error) {
	offset, err = vw.cw.WriteItem(value)
	if err == nil {
		vw.count++
	}
	return offset, err
}

// Close flushes remaining chunks and writes the footer+properties.
func (vw *ValueFileWriter) Close(fileID uint32) error {
	if err := vw.cw.Flush(); err != nil {
		return err
	}
	return WriteProperties(vw.w, Properties{
		FileID:     fileID,
		EntryCount: vw.count,
		Records:    vw.cw.Records(),
	})
}

// ValueFileReader serves random reads of a .sfv file by (offset, size).
type ValueFileReader struct {
	r     *Reader
	props Properties
}

// OpenValueFile reads the footer/properties of ra (total fileSize bytes).
func OpenValueFile(ra io.ReaderAt, fileSize int64) (*ValueFileReader, error) {
	props, err := ReadProperties(ra, fileSize)
	if err != nil {
		return nil, err
	}
	return &ValueFileReader{r: NewReader(ra, props.Records), props: props}, nil
}

// Properties exposes the decoded footer/properties block.
func (vr *ValueFileReader) Properties() Properties { return vr.props }

// ReadAt returns the `size` bytes at logical `offset`, verifying the CRC64
// of every chunk touched.
func (vr *ValueFileReader) ReadAt(offset uint64, size uint32) ([]byte, error) {
	return vr.r.ReadAt(offset, size)
}
