package tstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gholt/tstore/checkpointfile"
	"github.com/google/uuid"
)

// FileMetadata describes one on-disk checkpoint file pair and tracks the
// bookkeeping consolidation/merge need to decide what to merge and when a
// file can finally be unlinked (spec section 3/4.5).
type FileMetadata struct {
	FileID           uint32
	FileName         string // the stable {guid} shared by the .sfk/.sfv pair
	LogicalTimeStamp int64

	totalEntries   atomic.Int64
	validEntries   atomic.Int64
	deletedEntries atomic.Int64
	canBeDeleted   atomic.Bool
	closed         atomic.Bool
	refCount       atomic.Int32

	dir       string
	mu        sync.Mutex
	keyReader *checkpointfile.KeyFileReader
	valReader *checkpointfile.ValueFileReader
	keyFP     *os.File
	valFP     *os.File
}

// NewFileMetadata creates a FileMetadata for a freshly written checkpoint
// file pair, entered with a reference count of 1 (spec section 3).
func NewFileMetadata(dir string, fileID uint32, logicalTimeStamp int64) *FileMetadata {
	fm := &FileMetadata{
		FileID:           fileID,
		FileName:         uuid.NewString(),
		LogicalTimeStamp: logicalTimeStamp,
		dir:              dir,
	}
	fm.refCount.Store(1)
	return fm
}

func (fm *FileMetadata) KeyPath() string {
	return filepath.Join(fm.dir, fm.FileName+".sfk")
}

func (fm *FileMetadata) ValuePath() string {
	return filepath.Join(fm.dir, fm.FileName+".sfv")
}

func (fm *FileMetadata) TotalEntries() int64   { return fm.totalEntries.Load() }
func (fm *FileMetadata) ValidEntries() int64   { return fm.validEntries.Load() }
func (fm *FileMetadata) DeletedEntries() int64 { return fm.deletedEntries.Load() }
func (fm *FileMetadata) IsClosed() bool        { return fm.closed.Load() }

func (fm *FileMetadata) SetCounts(total, valid, deleted int64) {
	fm.totalEntries.Store(total)
	fm.validEntries.Store(valid)
	fm.deletedEntries.Store(deleted)
}

// DecrementValid records that consolidation or merge superseded one entry
// formerly backed by this file (spec section 4.3 step 4).
func (fm *FileMetadata) DecrementValid() {
	fm.validEntries.Add(-1)
}

// TryAddRef increments the reference count via CAS, refusing once it has
// observed zero (spec section 5: "observed 0 is terminal").
func (fm *FileMetadata) TryAddRef() bool {
	for {
		cur := fm.refCount.Load()
		if cur <= 0 {
			return false
		}
		if fm.refCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseRef decrements the reference count; at zero it closes the
// checkpoint file pair and, if CanBeDeleted, unlinks both files (spec
// section 4.5).
func (fm *FileMetadata) ReleaseRef() error {
	n := fm.refCount.Add(-1)
	if n > 0 {
		return nil
	}
	if err := fm.closeFiles(); err != nil {
		return err
	}
	if fm.canBeDeleted.Load() {
		os.Remove(fm.KeyPath())
		os.Remove(fm.ValuePath())
	}
	return nil
}

// MarkCanBeDeleted records that consolidation's post-merge step has
// logically deleted this file; physical deletion is deferred until
// ReleaseRef observes a zero refcount (spec section 4.5, 7, 9 open
// questions).
func (fm *FileMetadata) MarkCanBeDeleted() { fm.canBeDeleted.Store(true) }

func (fm *FileMetadata) closeFiles() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed.Load() {
		return nil
	}
	fm.closed.Store(true)
	var err error
	if fm.keyFP != nil {
		if e := fm.keyFP.Close(); e != nil && err == nil {
			err = e
		}
	}
	if fm.valFP != nil {
		if e := fm.valFP.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// OpenReaders lazily opens the key/value file handles for random access,
// used by the aggregated read path when it must fall through to disk.
func (fm *FileMetadata) OpenReaders() (*checkpointfile.KeyFileReader, *checkpointfile.ValueFileReader, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.keyReader != nil {
		return fm.keyReader, fm.valReader, nil
	}
	kfp, err := os.Open(fm.KeyPath())
	if err != nil {
		return nil, nil, err
	}
	kinfo, err := kfp.Stat()
	if err != nil {
		kfp.Close()
		return nil, nil, err
	}
	kr, err := checkpointfile.OpenKeyFile(kfp, kinfo.Size())
	if err != nil {
		kfp.Close()
		return nil, nil, err
	}
	vfp, err := os.Open(fm.ValuePath())
	if err != nil {
		kfp.Close()
		return nil, nil, err
	}
	vinfo, err := vfp.Stat()
	if err != nil {
		kfp.Close()
		vfp.Close()
		return nil, nil, err
	}
	vr, err := checkpointfile.OpenValueFile(vfp, vinfo.Size())
	if err != nil {
		kfp.Close()
		vfp.Close()
		return nil, nil, err
	}
	fm.keyFP, fm.valFP, fm.keyReader, fm.valReader = kfp, vfp, kr, vr
	return kr, vr, nil
}

// ReadValue fetches the value bytes for (offset, size), validating the
// per-item checksum against want (spec section 4.4/8, invariant 7).
func (fm *FileMetadata) ReadValue(offset uint64, size uint32, want uint64) ([]byte, error) {
	_, vr, err := fm.OpenReaders()
	if err != nil {
		return nil, err
	}
	buf, err := vr.ReadAt(offset, size)
	if err != nil {
		return nil, err
	}
	if checksumValue(buf) != want {
		return nil, fmt.Errorf("tstore: value checksum mismatch at fileID %d offset %d: %w", fm.FileID, offset, ErrCorruptedData)
	}
	return buf, nil
}

// MetadataTable is the Map<fileId, FileMetadata> persisted to disk as
// spec section 4.5 describes: two candidate files (current/next), written
// next-then-renamed. The file carries no footer or checksum; recovery
// decodes current and falls back to next when current is missing or does
// not decode.
type MetadataTable struct {
	mu      sync.RWMutex
	dir     string
	entries map[uint32]*FileMetadata
}

// NewMetadataTable creates an empty table rooted at dir.
func NewMetadataTable(dir string) *MetadataTable {
	return &MetadataTable{dir: dir, entries: make(map[uint32]*FileMetadata)}
}

func (mt *MetadataTable) Get(fileID uint32) (*FileMetadata, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	fm, ok := mt.entries[fileID]
	return fm, ok
}

func (mt *MetadataTable) Put(fm *FileMetadata) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.entries[fm.FileID] = fm
}

func (mt *MetadataTable) Remove(fileID uint32) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	delete(mt.entries, fileID)
}

// All returns a stable snapshot of every tracked FileMetadata.
func (mt *MetadataTable) All() []*FileMetadata {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	out := make([]*FileMetadata, 0, len(mt.entries))
	for _, fm := range mt.entries {
		out = append(out, fm)
	}
	return out
}

const (
	metadataCurrentName = "metadata.current"
	metadataNextName    = "metadata.next"
)

// Persist writes the table to "next", fsyncs, then atomically renames it
// over "current" and removes any stale prior current (spec section 4.5
// step 1-3).
func (mt *MetadataTable) Persist() error {
	mt.mu.RLock()
	entries := make([]*FileMetadata, 0, len(mt.entries))
	for _, fm := range mt.entries {
		entries = append(entries, fm)
	}
	mt.mu.RUnlock()

	nextPath := filepath.Join(mt.dir, metadataNextName)
	fp, err := os.Create(nextPath)
	if err != nil {
		return err
	}
	if err := writeMetadataEntries(fp, entries); err != nil {
		fp.Close()
		return err
	}
	if err := fp.Sync(); err != nil {
		fp.Close()
		return err
	}
	if err := fp.Close(); err != nil {
		return err
	}
	currentPath := filepath.Join(mt.dir, metadataCurrentName)
	if err := os.Rename(nextPath, currentPath); err != nil {
		return err
	}
	return nil
}

// RecoverMetadataTable loads the metadata table from disk, preferring
// "current" and falling back to "next" if current is missing or does not
// decode (spec
// section 4.5 recovery). It returns an empty, non-error table if neither
// file exists (a brand new store).
func RecoverMetadataTable(dir string) (*MetadataTable, error) {
	mt := NewMetadataTable(dir)
	for _, name := range []string{metadataCurrentName, metadataNextName} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		entries, err := readMetadataEntries(data, dir)
		if err != nil {
			continue // corrupted candidate; try the other one
		}
		for _, fm := range entries {
			mt.entries[fm.FileID] = fm
		}
		return mt, nil
	}
	return mt, nil
}

func writeMetadataEntries(w *os.File, entries []*FileMetadata) error {
	var u32, u64 [8]byte
	_ = u32
	binary.BigEndian.PutUint32(u64[:4], uint32(len(entries)))
	if _, err := w.Write(u64[:4]); err != nil {
		return err
	}
	for _, fm := range entries {
		var rec [8]byte
		binary.BigEndian.PutUint32(rec[:4], fm.FileID)
		if _, err := w.Write(rec[:4]); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(rec[:], uint64(len(fm.FileName)))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
		if _, err := w.Write([]byte(fm.FileName)); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(rec[:], uint64(fm.LogicalTimeStamp))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(rec[:], uint64(fm.TotalEntries()))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(rec[:], uint64(fm.ValidEntries()))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(rec[:], uint64(fm.DeletedEntries()))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

func readMetadataEntries(data []byte, dir string) ([]*FileMetadata, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("tstore: truncated metadata table: %w", ErrCorruptedData)
	}
	count := binary.BigEndian.Uint32(data[:4])
	pos := 4
	out := make([]*FileMetadata, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+4+8 > len(data) {
			return nil, fmt.Errorf("tstore: truncated metadata entry: %w", ErrCorruptedData)
		}
		fileID := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		nameLen := int(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
		if pos+nameLen+32 > len(data) {
			return nil, fmt.Errorf("tstore: truncated metadata entry: %w", ErrCorruptedData)
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		logicalTS := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
		total := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
		valid := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
		deleted := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
		fm := &FileMetadata{FileID: fileID, FileName: name, LogicalTimeStamp: logicalTS, dir: dir}
		fm.refCount.Store(1)
		fm.SetCounts(total, valid, deleted)
		out = append(out, fm)
	}
	return out, nil
}
