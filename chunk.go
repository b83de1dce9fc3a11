package ifhd

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

const chunkHeaderSize = 32
const chunkRefSize = 44
const streamRefSize = 4
const streamInfoHeaderSize = 256
const streamNameSize = 228
const additionalIndexInfoSize = 32

// ChunkHeader is the 32-byte, 16-byte-aligned record that precedes every
// chunk's payload on disk.
type ChunkHeader struct {
	Timestamp            uint64
	RefMasterTableIndex  uint32
	OffsetToPreviousChunk uint32
	Size                 uint32
	StreamID             uint16
	Flags                ChunkFlags
	StreamIndex          uint64
}

// PayloadSize returns the number of payload bytes following the header.
func (h *ChunkHeader) PayloadSize() uint32 {
	return h.Size - chunkHeaderSize
}

func encodeChunkHeader(h *ChunkHeader, order binary.ByteOrder) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, order, h.Timestamp)
	binary.Write(buf, order, h.RefMasterTableIndex)
	binary.Write(buf, order, h.OffsetToPreviousChunk)
	binary.Write(buf, order, h.Size)
	binary.Write(buf, order, h.StreamID)
	binary.Write(buf, order, uint16(h.Flags))
	binary.Write(buf, order, h.StreamIndex)
	return buf.Bytes()
}

func decodeChunkHeader(data []byte, order binary.ByteOrder) (*ChunkHeader, error) {
	if len(data) != chunkHeaderSize {
		return nil, xerrors.Errorf("decoding chunk header: got %d bytes, want %d", len(data), chunkHeaderSize)
	}
	r := bytes.NewReader(data)
	var h ChunkHeader
	var flags uint16
	binary.Read(r, order, &h.Timestamp)
	binary.Read(r, order, &h.RefMasterTableIndex)
	binary.Read(r, order, &h.OffsetToPreviousChunk)
	binary.Read(r, order, &h.Size)
	binary.Read(r, order, &h.StreamID)
	binary.Read(r, order, &flags)
	binary.Read(r, order, &h.StreamIndex)
	h.Flags = ChunkFlags(flags)
	return &h, nil
}

// ChunkRef is a 44-byte master-table entry.
type ChunkRef struct {
	Timestamp           uint64
	Size                uint32
	StreamID            uint16
	Flags               ChunkFlags
	ChunkOffset         uint64
	ChunkIndex          uint64
	StreamIndex         uint64
	RefStreamTableIndex uint32
}

func encodeChunkRef(r *ChunkRef, order binary.ByteOrder) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, order, r.Timestamp)
	binary.Write(buf, order, r.Size)
	binary.Write(buf, order, r.StreamID)
	binary.Write(buf, order, uint16(r.Flags))
	binary.Write(buf, order, r.ChunkOffset)
	binary.Write(buf, order, r.ChunkIndex)
	binary.Write(buf, order, r.StreamIndex)
	binary.Write(buf, order, r.RefStreamTableIndex)
	return buf.Bytes()
}

func decodeChunkRef(data []byte, order binary.ByteOrder) (*ChunkRef, error) {
	if len(data) != chunkRefSize {
		return nil, xerrors.Errorf("decoding chunk ref: got %d bytes, want %d", len(data), chunkRefSize)
	}
	r := bytes.NewReader(data)
	var cr ChunkRef
	var flags uint16
	binary.Read(r, order, &cr.Timestamp)
	binary.Read(r, order, &cr.Size)
	binary.Read(r, order, &cr.StreamID)
	binary.Read(r, order, &flags)
	binary.Read(r, order, &cr.ChunkOffset)
	binary.Read(r, order, &cr.ChunkIndex)
	binary.Read(r, order, &cr.StreamIndex)
	binary.Read(r, order, &cr.RefStreamTableIndex)
	cr.Flags = ChunkFlags(flags)
	return &cr, nil
}

// StreamRef is a 4-byte per-stream-table entry: an index into the master
// table.
type StreamRef struct {
	RefMasterTableIndex uint32
}

func encodeStreamRef(s *StreamRef, order binary.ByteOrder) []byte {
	buf := make([]byte, streamRefSize)
	order.PutUint32(buf, s.RefMasterTableIndex)
	return buf
}

func decodeStreamRef(data []byte, order binary.ByteOrder) (*StreamRef, error) {
	if len(data) != streamRefSize {
		return nil, xerrors.Errorf("decoding stream ref: got %d bytes, want %d", len(data), streamRefSize)
	}
	return &StreamRef{RefMasterTableIndex: order.Uint32(data)}, nil
}

// StreamInfoHeader precedes a stream's ref table within its `index{N}`
// extension.
type StreamInfoHeader struct {
	StreamIndexCount uint64
	StreamFirstTime  uint64
	StreamLastTime   uint64
	InfoDataSize     uint32
	StreamName       string
}

func encodeStreamInfoHeader(s *StreamInfoHeader, order binary.ByteOrder) ([]byte, error) {
	if len(s.StreamName) >= streamNameSize {
		return nil, newError(KindInvalidArgument, "encodeStreamInfoHeader", xerrors.New("stream name too long"))
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, order, s.StreamIndexCount)
	binary.Write(buf, order, s.StreamFirstTime)
	binary.Write(buf, order, s.StreamLastTime)
	binary.Write(buf, order, s.InfoDataSize)
	var name [streamNameSize]byte
	copy(name[:], s.StreamName)
	buf.Write(name[:])
	return buf.Bytes(), nil
}

func decodeStreamInfoHeader(data []byte, order binary.ByteOrder) (*StreamInfoHeader, error) {
	if len(data) != streamInfoHeaderSize {
		return nil, xerrors.Errorf("decoding stream info header: got %d bytes, want %d", len(data), streamInfoHeaderSize)
	}
	r := bytes.NewReader(data)
	var s StreamInfoHeader
	binary.Read(r, order, &s.StreamIndexCount)
	binary.Read(r, order, &s.StreamFirstTime)
	binary.Read(r, order, &s.StreamLastTime)
	binary.Read(r, order, &s.InfoDataSize)
	name := make([]byte, streamNameSize)
	r.Read(name)
	s.StreamName = decodeCString(name)
	return &s, nil
}

// AdditionalIndexInfo records the offsets a history drop introduces; a
// reader subtracts these to normalize logical indices.
type AdditionalIndexInfo struct {
	StreamIndexOffset      uint64
	StreamTableIndexOffset uint32
}

func encodeAdditionalIndexInfo(a *AdditionalIndexInfo, order binary.ByteOrder) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, order, a.StreamIndexOffset)
	binary.Write(buf, order, a.StreamTableIndexOffset)
	buf.Write(make([]byte, 20))
	return buf.Bytes()
}

func decodeAdditionalIndexInfo(data []byte, order binary.ByteOrder) (*AdditionalIndexInfo, error) {
	if len(data) != additionalIndexInfoSize {
		return nil, xerrors.Errorf("decoding additional index info: got %d bytes, want %d", len(data), additionalIndexInfoSize)
	}
	r := bytes.NewReader(data)
	var a AdditionalIndexInfo
	binary.Read(r, order, &a.StreamIndexOffset)
	binary.Read(r, order, &a.StreamTableIndexOffset)
	return &a, nil
}
