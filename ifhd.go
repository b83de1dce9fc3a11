// Package ifhd reads and writes IFHD (Indexed File Hierarchical Data)
// container files: binary, time-indexed, multi-stream recordings of
// opaque "chunks" with microsecond or nanosecond timestamps.
//
// The package stores chunk payloads opaquely. Translating them into typed
// domain objects is the job of the collaborator registries described in
// serializer.go; this package never inspects a payload's bytes.
package ifhd

// MaxStreams is the largest valid stream id. Stream id 0 is reserved for
// whole-file operations and is never assigned to a chunk.
const MaxStreams = 512

// File version identifiers, as stored in FileHeader.VersionID.
const (
	Version100            uint32 = 0x0100
	Version110            uint32 = 0x0110
	VersionBeta           uint32 = 0x0200
	Version201            uint32 = 0x0201
	Version300WithHistory uint32 = 0x0300
	Version301            uint32 = 0x0301
	Version400            uint32 = 0x0400
	Version500Nanoseconds uint32 = 0x0500
)

// Magic is the 4-byte file identifier, stored as a little-endian uint32
// spelling "IFHD".
const Magic uint32 = 0x44484649

// ByteOrder tags the header_byte_order field: the byte order every
// multi-byte field in the file's management structures is stored in.
type ByteOrder uint8

const (
	LittleEndian ByteOrder = 1
	BigEndian    ByteOrder = 2
)

// ChunkFlags are the per-chunk key-data/type bits, mirroring
// ifhd::v201_v301::ChunkType.
type ChunkFlags uint16

const (
	FlagData    ChunkFlags = 0x00
	FlagKeyData ChunkFlags = 0x01
	FlagInfo    ChunkFlags = 0x02
	FlagMarker  ChunkFlags = 0x04
	FlagType    ChunkFlags = 0x08
	FlagTrigger ChunkFlags = 0x10
)

// TimeFormat selects how a seek position is interpreted.
type TimeFormat int

const (
	// ChunkIndex addresses a chunk by its 0-based position in the whole
	// file; the stream id is ignored.
	ChunkIndex TimeFormat = iota + 1
	// ChunkTime addresses the first chunk of a stream at or matching an
	// absolute nanosecond timestamp.
	ChunkTime
	// StreamIndex addresses a chunk by its 0-based position within its
	// stream.
	StreamIndex
)

// SeekFlags modify how Reader.Seek resolves a position.
type SeekFlags uint32

const (
	SeekDefault SeekFlags = 0
	// SeekKeyData restricts the search to the index table; no payload
	// bytes are read.
	SeekKeyData SeekFlags = 0x1
	// SeekBefore returns the latest chunk at or before the requested
	// position instead of the first at or after it.
	SeekBefore SeekFlags = 0x2
)

// ReadFlags modify how Reader.ReadChunk consumes the current chunk.
type ReadFlags uint32

const (
	ReadDefault ReadFlags = 0
	// ReadUseExternalBuffer copies the payload into a caller-supplied
	// buffer instead of an internally owned one.
	ReadUseExternalBuffer ReadFlags = 0x1
	// ReadBackwards rewinds to the previous chunk, via its back-link,
	// once the current payload has been read.
	ReadBackwards ReadFlags = 0x2
)

// timestampScale returns the divisor that converts a nanosecond timestamp
// into the unit a given file version stores on disk: versions up to
// Version400 store microseconds, Version500Nanoseconds stores nanoseconds
// directly.
func timestampScale(versionID uint32) uint64 {
	if versionID >= Version500Nanoseconds {
		return 1
	}
	return 1000
}

// DefaultIndexDelay is the minimum elapsed time, in nanoseconds, between
// automatic per-stream index-table entries (1,000,000 microseconds).
const DefaultIndexDelay int64 = 1_000_000_000

// seekBeforeWindowNS is the look-ahead window used to bound backtracking
// for SeekBefore: slightly larger than the default index delay
// (1.1 seconds).
const seekBeforeWindowNS int64 = 1_100_000_000

// chunkAlignment is the byte boundary every on-disk chunk header begins
// on.
const chunkAlignment = 16

// paddingByte is written into alignment gaps; readers must ignore it, not
// require it.
const paddingByte = 0xEE

func alignUp16(n int64) int64 {
	if rem := n % chunkAlignment; rem != 0 {
		return n + (chunkAlignment - rem)
	}
	return n
}
