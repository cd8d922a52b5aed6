// Package replcopy implements the two wire protocols tstore uses to build
// a secondary replica's state from a primary: a persistent copy that
// streams raw checkpoint file bytes, and a volatile copy that streams
// deduplicated in-memory key/value buffers (spec section 4.9).
package replcopy

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameKind tags every frame's last byte, the way the spec's copy
// protocol requires, so a receiver can validate ordering without relying
// on implicit framing alone.
type FrameKind uint8

const (
	FrameVersion FrameKind = iota
	FrameMetadataTable
	FrameStartKeyFile
	FrameWriteKeyFile
	FrameEndKeyFile
	FrameStartValueFile
	FrameWriteValueFile
	FrameEndValueFile
	FrameComplete
	// FrameData and FrameMetadata are used only by the volatile protocol
	// (protocol version 2); listed here so both protocols share one tag
	// space and one WriteFrame/ReadFrame implementation.
	FrameMetadata
	FrameData
)

// PersistentProtocolVersion is the wire version persistent copy streams
// negotiate (spec section 4.9).
const PersistentProtocolVersion = 1

// VolatileProtocolVersion is the wire version volatile copy streams
// negotiate.
const VolatileProtocolVersion = 2

var ErrUnexpectedFrame = fmt.Errorf("replcopy: frame arrived out of order")
var ErrVersionMismatch = fmt.Errorf("replcopy: protocol version mismatch")

// WriteFrame writes a length-prefixed payload followed by a one-byte kind
// tag: {length:u32 BE, payload, kind:u8}.
func WriteFrame(w io.Writer, kind FrameKind, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{byte(kind)})
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) (FrameKind, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return 0, nil, err
	}
	return FrameKind(kindBuf[0]), payload, nil
}

// CopyFile names one checkpoint file pair to stream, with openers for its
// raw key/value byte streams (the sender reads whole files; the receiver
// writes them byte-for-byte into its own working directory).
type CopyFile struct {
	Name         string
	OpenKeyFile  func() (io.ReadCloser, error)
	OpenValueFile func() (io.ReadCloser, error)
}

const copyChunkSize = 64 * 1024

// CopyManager drives the sender side of the persistent copy protocol.
type CopyManager struct{}

// NewCopyManager constructs a persistent-copy sender.
func NewCopyManager() *CopyManager { return &CopyManager{} }

// SendPersistentCopy writes the full Version -> MetadataTable ->
// (StartKeyFile, WriteKeyFile*, EndKeyFile, StartValueFile,
// WriteValueFile*, EndValueFile)* -> Complete frame sequence spec section
// 4.9 describes.
func (cm *CopyManager) SendPersistentCopy(w io.Writer, metadataBytes []byte, files []CopyFile) error {
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], PersistentProtocolVersion)
	if err := WriteFrame(w, FrameVersion, verBuf[:]); err != nil {
		return err
	}
	if err := WriteFrame(w, FrameMetadataTable, metadataBytes); err != nil {
		return err
	}
	for _, f := range files {
		if err := WriteFrame(w, FrameStartKeyFile, []byte(f.Name)); err != nil {
			return err
		}
		if err := streamFile(w, f.OpenKeyFile, FrameWriteKeyFile); err != nil {
			return err
		}
		if err := WriteFrame(w, FrameEndKeyFile, nil); err != nil {
			return err
		}
		if err := WriteFrame(w, FrameStartValueFile, []byte(f.Name)); err != nil {
			return err
		}
		if err := streamFile(w, f.OpenValueFile, FrameWriteValueFile); err != nil {
			return err
		}
		if err := WriteFrame(w, FrameEndValueFile, nil); err != nil {
			return err
		}
	}
	return WriteFrame(w, FrameComplete, nil)
}

func streamFile(w io.Writer, open func() (io.ReadCloser, error), kind FrameKind) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()
	buf := make([]byte, copyChunkSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if werr := WriteFrame(w, kind, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// StoreCopyStream drives the receiver side, writing incoming frames to a
// caller-supplied sink.
type StoreCopyStream struct {
	CreateKeyFile   func(name string) (io.WriteCloser, error)
	CreateValueFile func(name string) (io.WriteCloser, error)
}

// Receive reads one full persistent copy stream from r, returning the
// metadata table bytes once Complete arrives. It asserts frames arrive in
// legal order, rejecting a version mismatch immediately.
func (s *StoreCopyStream) Receive(r io.Reader) (metadataBytes []byte, err error) {
	kind, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if kind != FrameVersion {
		return nil, ErrUnexpectedFrame
	}
	if binary.BigEndian.Uint32(payload) != PersistentProtocolVersion {
		return nil, ErrVersionMismatch
	}

	kind, metadataBytes, err = ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if kind != FrameMetadataTable {
		return nil, ErrUnexpectedFrame
	}

	var curKey, curVal io.WriteCloser
	for {
		kind, payload, err = ReadFrame(r)
		if err != nil {
			return nil, err
		}
		switch kind {
		case FrameStartKeyFile:
			curKey, err = s.CreateKeyFile(string(payload))
			if err != nil {
				return nil, err
			}
		case FrameWriteKeyFile:
			if curKey == nil {
				return nil, ErrUnexpectedFrame
			}
			if _, err := curKey.Write(payload); err != nil {
				return nil, err
			}
		case FrameEndKeyFile:
			if curKey == nil {
				return nil, ErrUnexpectedFrame
			}
			if err := curKey.Close(); err != nil {
				return nil, err
			}
			curKey = nil
		case FrameStartValueFile:
			curVal, err = s.CreateValueFile(string(payload))
			if err != nil {
				return nil, err
			}
		case FrameWriteValueFile:
			if curVal == nil {
				return nil, ErrUnexpectedFrame
			}
			if _, err := curVal.Write(payload); err != nil {
				return nil, err
			}
		case FrameEndValueFile:
			if curVal == nil {
				return nil, ErrUnexpectedFrame
			}
			if err := curVal.Close(); err != nil {
				return nil, err
			}
			curVal = nil
		case FrameComplete:
			if curKey != nil || curVal != nil {
				return nil, ErrUnexpectedFrame
			}
			return metadataBytes, nil
		default:
			return nil, ErrUnexpectedFrame
		}
	}
}
