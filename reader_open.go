package ifhd

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/audi/ifhd/internal/aio"
)

// readerBackend is the facade every supported file-format generation
// implements; Reader holds exactly one, chosen once at Open time by the
// file's version id, and never downcasts it.
type readerBackend interface {
	Close() error
	Reset() error
	GetCurrentPos(format TimeFormat) int64
	QueryChunkInfo() (*ChunkHeader, error)
	ReadChunk(dst []byte, flags ReadFlags) ([]byte, error)
	SkipChunk() error
	ReadNextChunk(flags ReadFlags, streamIDFilter uint16) (*ChunkHeader, []byte, error)
	SkipChunkInfo() (int64, error)
	Seek(streamID uint16, position int64, format TimeFormat, flags SeekFlags) (int64, error)
	ChunkCount() int64
	Duration() uint64
	VersionID() uint32
	TimeOffset() uint64
	GetFilePos() int64
	StreamTableIndexCount(streamID uint16) int64
	StreamIndexCount(streamID uint16) int64
	StreamExists(streamID uint16) bool
	StreamName(streamID uint16) (string, error)
	AdditionalStreamInfo(streamID uint16) ([]byte, bool)
	FirstTime(streamID uint16) (uint64, error)
	LastTime(streamID uint16) (uint64, error)
	ExtensionCount() int
	FindExtension(identifier string) (*ExtensionDescriptor, []byte, bool)
	GetExtension(index int) (*ExtensionDescriptor, []byte, error)
	LookupChunkRef(streamID uint16, position int64, format TimeFormat) (int64, error)
	GetLastChunkWithFlagBefore(chunkIndex uint64, streamID uint16, flag ChunkFlags) (*ChunkHeader, []byte, bool, error)
}

// Reader is the public facade over every supported file-format
// generation: versions {0x0200, 0x0201, 0x0300, 0x0301, 0x0400, 0x0500}
// are read directly, and {0x0100, 0x0110} are read through an embedded
// legacy decoder exposing the same operations (spec §4.G).
type Reader struct {
	backend readerBackend
}

// Open opens filename and dispatches to the reader backend matching its
// on-disk version id.
func Open(filename string, opts ReaderOptions) (*Reader, error) {
	versionID, err := peekVersionID(filename)
	if err != nil {
		return nil, err
	}

	switch versionID {
	case Version100, Version110:
		lr, err := openLegacy(filename, opts)
		if err != nil {
			return nil, err
		}
		return &Reader{backend: lr}, nil
	case VersionBeta, Version201, Version300WithHistory, Version301, Version400, Version500Nanoseconds:
		vr, err := openV2(filename, opts)
		if err != nil {
			return nil, err
		}
		return &Reader{backend: vr}, nil
	default:
		return nil, newError(KindInvalidFile, "Open", xerrors.Errorf("unsupported version id 0x%04x", versionID))
	}
}

// peekVersionID reads just enough of filename to learn its format
// version, without committing to either backend's full header layout:
// both generations place a 4-byte magic followed immediately by a
// 4-byte version id.
func peekVersionID(filename string) (uint32, error) {
	f, err := aio.Open(filename, aio.Read|aio.SharedRead|aio.SharedWrite)
	if err != nil {
		return 0, newError(KindIOError, "Open", err)
	}
	defer f.Close()

	head := make([]byte, 8)
	if err := f.ReadAll(head); err != nil {
		return 0, newError(KindIOError, "Open", err)
	}

	var order binary.ByteOrder
	switch {
	case head[0] == magicLE[0] && head[1] == magicLE[1] && head[2] == magicLE[2] && head[3] == magicLE[3]:
		order = binary.LittleEndian
	case head[0] == magicBE[0] && head[1] == magicBE[1] && head[2] == magicBE[2] && head[3] == magicBE[3]:
		order = binary.BigEndian
	default:
		return 0, newError(KindInvalidFile, "Open", xerrors.New("bad magic"))
	}
	return order.Uint32(head[4:8]), nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.backend.Close() }

// Reset positions the reader at the first chunk and clears any cached
// chunk state.
func (r *Reader) Reset() error { return r.backend.Reset() }

// GetCurrentPos returns the current chunk index, or its timestamp (in
// nanoseconds) if format is ChunkTime.
func (r *Reader) GetCurrentPos(format TimeFormat) int64 { return r.backend.GetCurrentPos(format) }

// QueryChunkInfo returns the current chunk's header without consuming
// its payload.
func (r *Reader) QueryChunkInfo() (*ChunkHeader, error) { return r.backend.QueryChunkInfo() }

// ReadChunk reads the current chunk's payload and advances past it.
func (r *Reader) ReadChunk(dst []byte, flags ReadFlags) ([]byte, error) {
	return r.backend.ReadChunk(dst, flags)
}

// SkipChunk advances past the current chunk without copying its payload.
func (r *Reader) SkipChunk() error { return r.backend.SkipChunk() }

// ReadNextChunk skips forward until a chunk matching streamIDFilter
// (0 = any) is reached, then reads it.
func (r *Reader) ReadNextChunk(flags ReadFlags, streamIDFilter uint16) (*ChunkHeader, []byte, error) {
	return r.backend.ReadNextChunk(flags, streamIDFilter)
}

// SkipChunkInfo advances the index-table cursor.
func (r *Reader) SkipChunkInfo() (int64, error) { return r.backend.SkipChunkInfo() }

// Seek repositions the reader to the chunk identified by position,
// interpreted per format, honoring flags.
func (r *Reader) Seek(streamID uint16, position int64, format TimeFormat, flags SeekFlags) (int64, error) {
	return r.backend.Seek(streamID, position, format, flags)
}

// ChunkCount returns the number of chunks currently in the file.
func (r *Reader) ChunkCount() int64 { return r.backend.ChunkCount() }

// Duration returns the file's total duration, in nanoseconds.
func (r *Reader) Duration() uint64 { return r.backend.Duration() }

// VersionID returns the on-disk file format version.
func (r *Reader) VersionID() uint32 { return r.backend.VersionID() }

// TimeOffset returns the zero point every chunk timestamp is relative
// to, in nanoseconds.
func (r *Reader) TimeOffset() uint64 { return r.backend.TimeOffset() }

// GetFilePos returns the current sequential-read chunk index.
func (r *Reader) GetFilePos() int64 { return r.backend.GetFilePos() }

// StreamTableIndexCount returns the number of index-table entries
// materialized for streamID, or -1 if the stream has none.
func (r *Reader) StreamTableIndexCount(streamID uint16) int64 {
	return r.backend.StreamTableIndexCount(streamID)
}

// StreamIndexCount returns the number of streamID's chunks stored in the
// file (chunks dropped by history mode are not counted), or -1 if the
// stream is unknown.
func (r *Reader) StreamIndexCount(streamID uint16) int64 {
	return r.backend.StreamIndexCount(streamID)
}

// StreamExists reports whether streamID has a materialized index table.
func (r *Reader) StreamExists(streamID uint16) bool { return r.backend.StreamExists(streamID) }

// StreamName returns streamID's registered name.
func (r *Reader) StreamName(streamID uint16) (string, error) { return r.backend.StreamName(streamID) }

// AdditionalStreamInfo returns the opaque info blob attached to streamID
// at write time, if any.
func (r *Reader) AdditionalStreamInfo(streamID uint16) ([]byte, bool) {
	return r.backend.AdditionalStreamInfo(streamID)
}

// FirstTime returns the first chunk's timestamp for streamID (0 = whole
// file), in nanoseconds.
func (r *Reader) FirstTime(streamID uint16) (uint64, error) { return r.backend.FirstTime(streamID) }

// LastTime returns the last chunk's timestamp for streamID (0 = whole
// file), in nanoseconds.
func (r *Reader) LastTime(streamID uint16) (uint64, error) { return r.backend.LastTime(streamID) }

// ExtensionCount returns the number of extensions stored in the file.
func (r *Reader) ExtensionCount() int { return r.backend.ExtensionCount() }

// FindExtension looks up an extension by identifier.
func (r *Reader) FindExtension(identifier string) (*ExtensionDescriptor, []byte, bool) {
	return r.backend.FindExtension(identifier)
}

// GetExtension returns the index'th extension in file order.
func (r *Reader) GetExtension(index int) (*ExtensionDescriptor, []byte, error) {
	return r.backend.GetExtension(index)
}

// LookupChunkRef resolves position (interpreted per format) to the
// logical chunk index nearest it, without moving the reader's own
// position.
func (r *Reader) LookupChunkRef(streamID uint16, position int64, format TimeFormat) (int64, error) {
	return r.backend.LookupChunkRef(streamID, position, format)
}

// GetLastChunkWithFlagBefore returns the last chunk of streamID at or
// before chunkIndex whose flags include every bit of flag.
func (r *Reader) GetLastChunkWithFlagBefore(chunkIndex uint64, streamID uint16, flag ChunkFlags) (*ChunkHeader, []byte, bool, error) {
	return r.backend.GetLastChunkWithFlagBefore(chunkIndex, streamID, flag)
}
