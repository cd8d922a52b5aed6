package replcopy

import (
	"encoding/binary"
	"io"

	"github.com/spaolacci/murmur3"
)

// VolatileKeyMeta is one entry of a Data frame's key-metadata buffer:
// {keySize, kind, lsn, valueSize, optionalFlags} as spec section 4.9
// describes for the memory-only copy protocol.
type VolatileKeyMeta struct {
	Key           []byte
	Kind          uint8
	LSN           uint64
	ValueSize     uint32
	OptionalFlags uint8
}

const volatileKeyHeaderSize = 4 + 1 + 8 + 4 + 1 // keySize, kind, lsn, valueSize, flags

func encodeVolatileKeyMeta(m VolatileKeyMeta) []byte {
	buf := make([]byte, volatileKeyHeaderSize+len(m.Key))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(m.Key)))
	buf[4] = m.Kind
	binary.BigEndian.PutUint64(buf[5:13], m.LSN)
	binary.BigEndian.PutUint32(buf[13:17], m.ValueSize)
	buf[17] = m.OptionalFlags
	copy(buf[volatileKeyHeaderSize:], m.Key)
	return buf
}

func decodeVolatileKeyMeta(buf []byte) (VolatileKeyMeta, int, bool) {
	if len(buf) < volatileKeyHeaderSize {
		return VolatileKeyMeta{}, 0, false
	}
	keyLen := int(binary.BigEndian.Uint32(buf[0:4]))
	total := volatileKeyHeaderSize + keyLen
	if len(buf) < total {
		return VolatileKeyMeta{}, 0, false
	}
	m := VolatileKeyMeta{
		Kind:          buf[4],
		LSN:           binary.BigEndian.Uint64(buf[5:13]),
		ValueSize:     binary.BigEndian.Uint32(buf[13:17]),
		OptionalFlags: buf[17],
	}
	m.Key = append([]byte(nil), buf[volatileKeyHeaderSize:total]...)
	return m, total, true
}

// keyBloomFilter is a small fixed-size murmur3-hashed bloom filter the
// volatile sender uses to deduplicate keys it has already streamed this
// copy (spec section 4.9: "sender deduplicates keys").
type keyBloomFilter struct {
	bits []uint64
	k    int
}

func newKeyBloomFilter(expectedItems int) *keyBloomFilter {
	bitCount := expectedItems * 10
	if bitCount < 1024 {
		bitCount = 1024
	}
	words := (bitCount + 63) / 64
	return &keyBloomFilter{bits: make([]uint64, words), k: 4}
}

func (f *keyBloomFilter) hashes(key []byte) []uint32 {
	h1, h2 := murmur3.Sum128(key)
	out := make([]uint32, f.k)
	nbits := uint64(len(f.bits) * 64)
	for i := 0; i < f.k; i++ {
		combined := h1 + uint64(i)*h2
		out[i] = uint32(combined % nbits)
	}
	return out
}

// Contains reports whether key may have been added (false positives
// possible, false negatives never).
func (f *keyBloomFilter) Contains(key []byte) bool {
	for _, bit := range f.hashes(key) {
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Add marks key as seen.
func (f *keyBloomFilter) Add(key []byte) {
	for _, bit := range f.hashes(key) {
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

// VolatileEntry is one in-memory key/value pair the sender streams.
type VolatileEntry struct {
	Key       []byte
	Kind      uint8
	LSN       uint64
	Value     []byte
	Flags     uint8
}

// VolatileCopyManager drives the sender side of the memory-only copy
// protocol.
type VolatileCopyManager struct{}

// NewVolatileCopyManager constructs a volatile-copy sender.
func NewVolatileCopyManager() *VolatileCopyManager { return &VolatileCopyManager{} }

// Send writes Version -> Metadata(size) -> Data* -> Complete, deduplicating
// keys already seen this copy via a bloom filter (spec section 4.9).
func (vm *VolatileCopyManager) Send(w io.Writer, entries []VolatileEntry, entriesPerFrame int) error {
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], VolatileProtocolVersion)
	if err := WriteFrame(w, FrameVersion, verBuf[:]); err != nil {
		return err
	}
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(len(entries)))
	if err := WriteFrame(w, FrameMetadata, sizeBuf[:]); err != nil {
		return err
	}

	filter := newKeyBloomFilter(len(entries))
	if entriesPerFrame <= 0 {
		entriesPerFrame = 1024
	}
	var keyBuf, valBuf []byte
	var count int
	flush := func() error {
		if count == 0 {
			return nil
		}
		frame := make([]byte, 0, 8+len(keyBuf)+len(valBuf))
		var nBuf [8]byte
		binary.BigEndian.PutUint64(nBuf[:], uint64(count))
		frame = append(frame, nBuf[:]...)
		var kLenBuf [8]byte
		binary.BigEndian.PutUint64(kLenBuf[:], uint64(len(keyBuf)))
		frame = append(frame, kLenBuf[:]...)
		frame = append(frame, keyBuf...)
		frame = append(frame, valBuf...)
		if err := WriteFrame(w, FrameData, frame); err != nil {
			return err
		}
		keyBuf, valBuf = nil, nil
		count = 0
		return nil
	}

	for _, e := range entries {
		if filter.Contains(e.Key) {
			continue
		}
		filter.Add(e.Key)
		keyBuf = append(keyBuf, encodeVolatileKeyMeta(VolatileKeyMeta{
			Key: e.Key, Kind: e.Kind, LSN: e.LSN, ValueSize: uint32(len(e.Value)), OptionalFlags: e.Flags,
		})...)
		valBuf = append(valBuf, e.Value...)
		count++
		if count >= entriesPerFrame {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return WriteFrame(w, FrameComplete, nil)
}

// VolatileCopyStream drives the receiver side: each decoded entry is
// handed to Insert for the caller to install directly into consolidated
// state (spec section 4.9).
type VolatileCopyStream struct {
	Insert func(meta VolatileKeyMeta, value []byte) error
}

// Receive reads one full volatile copy stream from r.
func (s *VolatileCopyStream) Receive(r io.Reader) error {
	kind, payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if kind != FrameVersion {
		return ErrUnexpectedFrame
	}
	if binary.BigEndian.Uint32(payload) != VolatileProtocolVersion {
		return ErrVersionMismatch
	}
	kind, _, err = ReadFrame(r)
	if err != nil {
		return err
	}
	if kind != FrameMetadata {
		return ErrUnexpectedFrame
	}
	for {
		kind, payload, err = ReadFrame(r)
		if err != nil {
			return err
		}
		switch kind {
		case FrameData:
			if err := s.decodeDataFrame(payload); err != nil {
				return err
			}
		case FrameComplete:
			return nil
		default:
			return ErrUnexpectedFrame
		}
	}
}

func (s *VolatileCopyStream) decodeDataFrame(frame []byte) error {
	if len(frame) < 16 {
		return ErrUnexpectedFrame
	}
	count := binary.BigEndian.Uint64(frame[0:8])
	keyBufLen := binary.BigEndian.Uint64(frame[8:16])
	rest := frame[16:]
	if uint64(len(rest)) < keyBufLen {
		return ErrUnexpectedFrame
	}
	keyBuf := rest[:keyBufLen]
	valBuf := rest[keyBufLen:]

	var valPos int
	for i := uint64(0); i < count; i++ {
		meta, n, ok := decodeVolatileKeyMeta(keyBuf)
		if !ok {
			return ErrUnexpectedFrame
		}
		keyBuf = keyBuf[n:]
		if valPos+int(meta.ValueSize) > len(valBuf) {
			return ErrUnexpectedFrame
		}
		value := valBuf[valPos : valPos+int(meta.ValueSize)]
		valPos += int(meta.ValueSize)
		if err := s.Insert(meta, value); err != nil {
			return err
		}
	}
	return nil
}
