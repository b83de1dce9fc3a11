package ifhd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/xerrors"
)

const (
	extIndex           = "index"
	extIndex0          = "index0"
	extIndexAdditional = "index_add"
	extIndexAdd0       = "index_add0"
)

// readStreamTable is one stream's materialized index: the StreamInfoHeader
// and StreamRef table read back from its `index{N}` extension, plus the
// drop offsets read back from its optional `index_add{N}` extension.
type readStreamTable struct {
	info           *StreamInfoHeader
	additionalInfo []byte
	refs           []StreamRef
	book           indexBookkeeping
}

// readIndexTable is the read-side counterpart of writeIndexTable: the
// master index and every stream's index, reconstructed from a file's
// extension catalog at open time.
type readIndexTable struct {
	header     *FileHeader
	master     []ChunkRef
	masterBook indexBookkeeping
	streams    [MaxStreams + 1]*readStreamTable
}

func newReadIndexTable(header *FileHeader) *readIndexTable {
	t := &readIndexTable{header: header}
	t.streams[0] = &readStreamTable{}
	return t
}

// readIndexTables locates and parses the index0/index_add0/index{N}/
// index_add{N} extensions out of cat. Every index structure is stored in
// the same byte order as the rest of the file, recorded in the file
// header, so order must be the wire order resolved from it.
func (t *readIndexTable) readIndexTables(cat *extensionCatalog, order binary.ByteOrder) error {
	if desc, data, ok := cat.find(extIndexAdd0); ok {
		_ = desc
		info, err := decodeAdditionalIndexInfo(data, order)
		if err != nil {
			return xerrors.Errorf("reading %s: %w", extIndexAdd0, err)
		}
		t.masterBook.indexTableOffset = info.StreamTableIndexOffset
		t.masterBook.indexOffset = info.StreamIndexOffset
	}

	desc, data, ok := cat.find(extIndex0)
	if !ok {
		return newError(KindInvalidFile, "readIndexTables", xerrors.New("missing index0 extension; file is corrupt"))
	}
	count := int(desc.DataSize) / chunkRefSize
	master := make([]ChunkRef, count)
	for i := 0; i < count; i++ {
		cr, err := decodeChunkRef(data[i*chunkRefSize:(i+1)*chunkRefSize], order)
		if err != nil {
			return xerrors.Errorf("reading index0 entry %d: %w", i, err)
		}
		master[i] = *cr
	}
	t.master = master

	for id := uint16(1); id <= MaxStreams; id++ {
		name := fmt.Sprintf("%s%d", extIndex, id)
		desc, data, ok := cat.find(name)
		if !ok {
			continue
		}
		if len(data) < streamInfoHeaderSize {
			return newError(KindInvalidFile, "readIndexTables", xerrors.Errorf("%s too small", name))
		}
		info, err := decodeStreamInfoHeader(data[:streamInfoHeaderSize], order)
		if err != nil {
			return xerrors.Errorf("reading %s info header: %w", name, err)
		}
		rest := data[streamInfoHeaderSize:]

		var additional []byte
		if info.InfoDataSize != 0 {
			if uint32(len(rest)) < info.InfoDataSize {
				return newError(KindInvalidFile, "readIndexTables", xerrors.Errorf("%s additional info truncated", name))
			}
			additional = rest[:info.InfoDataSize]
			rest = rest[info.InfoDataSize:]
		}

		refCount := len(rest) / streamRefSize
		refs := make([]StreamRef, refCount)
		for i := 0; i < refCount; i++ {
			sr, err := decodeStreamRef(rest[i*streamRefSize:(i+1)*streamRefSize], order)
			if err != nil {
				return xerrors.Errorf("reading %s ref %d: %w", name, i, err)
			}
			refs[i] = *sr
		}

		st := &readStreamTable{info: info, additionalInfo: additional, refs: refs}

		addName := fmt.Sprintf("%s%d", extIndexAdditional, id)
		if _, addData, ok := cat.find(addName); ok {
			addInfo, err := decodeAdditionalIndexInfo(addData, order)
			if err != nil {
				return xerrors.Errorf("reading %s: %w", addName, err)
			}
			st.book.indexTableOffset = addInfo.StreamTableIndexOffset
			st.book.indexOffset = addInfo.StreamIndexOffset
		}

		t.streams[id] = st
		_ = desc
	}
	return nil
}

// itemCount returns the number of live entries for streamID (0 = master),
// or -1 if streamID has no materialized table.
func (t *readIndexTable) itemCount(streamID uint16) int64 {
	if streamID > MaxStreams {
		return -1
	}
	if streamID == 0 {
		return int64(len(t.master))
	}
	s := t.streams[streamID]
	if s == nil {
		return -1
	}
	return int64(len(s.refs))
}

func (t *readIndexTable) streamExists(streamID uint16) bool {
	return streamID <= MaxStreams && t.streams[streamID] != nil
}

func (t *readIndexTable) streamInfo(streamID uint16) (*StreamInfoHeader, bool) {
	if streamID > MaxStreams || t.streams[streamID] == nil {
		return nil, false
	}
	return t.streams[streamID].info, t.streams[streamID].info != nil
}

func (t *readIndexTable) streamName(streamID uint16) (string, error) {
	info, ok := t.streamInfo(streamID)
	if !ok {
		return "", newError(KindOutOfRange, "StreamName", xerrors.Errorf("invalid stream id %d", streamID))
	}
	return info.StreamName, nil
}

func (t *readIndexTable) additionalStreamInfo(streamID uint16) ([]byte, bool) {
	if streamID > MaxStreams || t.streams[streamID] == nil {
		return nil, false
	}
	return t.streams[streamID].additionalInfo, true
}

func (t *readIndexTable) firstTime(streamID uint16) (uint64, error) {
	if streamID > MaxStreams {
		return 0, newError(KindOutOfRange, "FirstTime", xerrors.Errorf("invalid stream id %d", streamID))
	}
	if streamID == 0 {
		if len(t.master) > 0 {
			return t.master[0].Timestamp, nil
		}
		return 0, nil
	}
	s := t.streams[streamID]
	if s == nil || len(s.refs) == 0 {
		return 0, newError(KindOutOfRange, "FirstTime", xerrors.Errorf("invalid stream id %d", streamID))
	}
	return s.info.StreamFirstTime, nil
}

func (t *readIndexTable) lastTime(streamID uint16) (uint64, error) {
	if streamID > MaxStreams {
		return 0, newError(KindOutOfRange, "LastTime", xerrors.Errorf("invalid stream id %d", streamID))
	}
	if streamID == 0 {
		if len(t.master) > 0 {
			return t.master[0].Timestamp + t.header.Duration, nil
		}
		return 0, nil
	}
	s := t.streams[streamID]
	if s == nil || len(s.refs) == 0 {
		return 0, newError(KindOutOfRange, "LastTime", xerrors.Errorf("invalid stream id %d", streamID))
	}
	return s.info.StreamLastTime, nil
}

// getStreamRef returns a stream's idx'th StreamRef, with its
// RefMasterTableIndex normalized against the master table's drop offset.
func (t *readIndexTable) getStreamRef(streamID uint16, idx uint32) (*StreamRef, error) {
	if streamID > MaxStreams {
		return nil, newError(KindOutOfRange, "getStreamRef", xerrors.Errorf("invalid stream id %d", streamID))
	}
	s := t.streams[streamID]
	if s == nil || s.info == nil || uint64(idx) >= s.info.StreamIndexCount {
		return nil, newError(KindOutOfRange, "getStreamRef", xerrors.Errorf("index %d out of range for stream %d", idx, streamID))
	}
	ref := s.refs[idx]
	ref.RefMasterTableIndex -= t.masterBook.indexTableOffset
	return &ref, nil
}

// validateRawMasterIndex reports whether a raw (un-normalized)
// RefMasterTableIndex from a chunk header still refers to a live master
// entry.
func (t *readIndexTable) validateRawMasterIndex(refMasterTableIndex int64) bool {
	return refMasterTableIndex-int64(t.masterBook.indexTableOffset) < int64(len(t.master))
}

// adjustChunkHeader normalizes the raw on-disk indices in header against
// the drop offsets recorded for its stream, converting disk-relative
// indices into logical ones.
func (t *readIndexTable) adjustChunkHeader(header *ChunkHeader) error {
	if header.StreamID > MaxStreams || header.StreamID == 0 {
		return newError(KindOutOfRange, "adjustChunkHeader", xerrors.Errorf("invalid stream id %d", header.StreamID))
	}
	if header.RefMasterTableIndex > t.masterBook.indexTableOffset {
		header.RefMasterTableIndex -= t.masterBook.indexTableOffset
	} else {
		header.RefMasterTableIndex = 0
	}
	s := t.streams[header.StreamID]
	if s != nil {
		header.StreamIndex -= s.book.indexOffset
	}
	return nil
}

// fillChunkHeaderFromIndex reconstructs a ChunkHeader from the masterIdx'th
// live master entry, along with that entry's logical chunk index and file
// offset.
func (t *readIndexTable) fillChunkHeaderFromIndex(masterIdx uint32) (*ChunkHeader, int64, int64, error) {
	if int(masterIdx) >= len(t.master) {
		return nil, 0, 0, newError(KindOutOfRange, "fillChunkHeaderFromIndex", xerrors.Errorf("master index %d out of range", masterIdx))
	}
	ref := t.master[masterIdx]
	header := &ChunkHeader{
		RefMasterTableIndex: masterIdx,
		Timestamp:           ref.Timestamp,
		Size:                ref.Size,
		Flags:               ref.Flags,
		StreamID:            ref.StreamID,
		StreamIndex:         ref.StreamIndex,
	}
	chunkIndex := int64(ref.ChunkIndex) - int64(t.masterBook.indexOffset)
	chunkOffset := int64(ref.ChunkOffset)
	return header, chunkIndex, chunkOffset, nil
}

// lookupResult is the bundle of positions lookupChunkRef resolves a seek
// target to.
type lookupResult struct {
	ChunkIndex    int64
	ChunkOffset   int64
	EndChunkIndex int64
	MasterIndex   int64
}

// lookupChunkRef resolves pos (interpreted per format) to the nearest
// master index entry at or before it, proportionally estimating a
// starting point and then walking linearly to the exact entry — the same
// two-phase search the on-disk index is shaped for.
func (t *readIndexTable) lookupChunkRef(streamID uint16, pos int64, format TimeFormat) (*lookupResult, error) {
	indexCount := t.itemCount(streamID)
	masterCount := t.itemCount(0)
	if indexCount == -1 || masterCount == -1 {
		return nil, newError(KindInvalidArgument, "lookupChunkRef", xerrors.New("invalid index position"))
	}

	var index int64
	var refIndex int64

	switch format {
	case ChunkTime:
		if pos < int64(t.header.TimeOffset) {
			return nil, newError(KindOutOfRange, "lookupChunkRef", xerrors.New("position before time offset"))
		}
		duration := int64(t.header.Duration)
		if duration < 1 {
			return nil, newError(KindIllegalState, "lookupChunkRef", xerrors.New("invalid duration"))
		}
		positionOff := pos - int64(t.header.TimeOffset)
		if positionOff == duration {
			index = indexCount - 1
		} else {
			index = (positionOff * indexCount) / duration
		}
		if index < 0 {
			index = 0
		}
		if index >= indexCount {
			return nil, ErrEndOfFile
		}

		if streamID == 0 {
			for index < indexCount-1 && t.master[index].Timestamp < uint64(pos) {
				index++
			}
			for index > 0 && t.master[index].Timestamp >= uint64(pos) {
				index--
			}
		} else {
			refIndex = index
			index = t.refMasterIndex(streamID, refIndex)
			for refIndex < indexCount-1 && index < masterCount-1 && t.master[index].Timestamp < uint64(pos) {
				refIndex++
				index = t.refMasterIndex(streamID, refIndex)
			}
			for refIndex > 0 && index > 0 && t.master[index].Timestamp > uint64(pos) {
				refIndex--
				index = t.refMasterIndex(streamID, refIndex)
			}
		}

	case ChunkIndex:
		numChunks := int64(t.header.ChunkCount)
		if numChunks < 1 {
			return nil, newError(KindIllegalState, "lookupChunkRef", xerrors.New("file contains no chunks"))
		}
		if pos == numChunks {
			index = indexCount - 1
		} else {
			index = (pos * indexCount) / numChunks
		}
		if index < 0 {
			index = 0
		}
		if index >= indexCount {
			return nil, ErrEndOfFile
		}

		if streamID == 0 {
			for index < indexCount-1 && int64(t.master[index].ChunkIndex)-int64(t.masterBook.indexOffset) < pos {
				index++
			}
			for index > 0 && int64(t.master[index].ChunkIndex)-int64(t.masterBook.indexOffset) > pos {
				index--
			}
		} else {
			refIndex = index
			index = t.refMasterIndex(streamID, refIndex)
			for refIndex < indexCount-1 && index < masterCount-1 &&
				int64(t.master[index].ChunkIndex)-int64(t.masterBook.indexOffset) < pos {
				refIndex++
				index = t.refMasterIndex(streamID, refIndex)
			}
			for refIndex > 0 && index > 0 &&
				int64(t.master[index].ChunkIndex)-int64(t.masterBook.indexOffset) > pos {
				refIndex--
				index = t.refMasterIndex(streamID, refIndex)
			}
		}

	case StreamIndex:
		if streamID == 0 {
			return nil, newError(KindInvalidArgument, "lookupChunkRef", xerrors.New("stream based lookup only valid for stream ids > 0"))
		}
		s := t.streams[streamID]
		numStreamChunks := int64(s.info.StreamIndexCount)
		if numStreamChunks < 1 {
			return nil, newError(KindIllegalState, "lookupChunkRef", xerrors.New("stream has no chunks"))
		}
		if pos >= numStreamChunks {
			return nil, newError(KindOutOfRange, "lookupChunkRef", xerrors.New("stream has not enough chunks"))
		}
		if pos == numStreamChunks-1 {
			refIndex = indexCount - 1
		} else {
			refIndex = (pos * indexCount) / numStreamChunks
		}
		if refIndex < 0 {
			refIndex = 0
		}
		if refIndex >= indexCount {
			return nil, ErrEndOfFile
		}

		index = t.refMasterIndex(streamID, refIndex)
		for refIndex < indexCount-1 && index < masterCount-1 {
			ref := t.master[index]
			st := t.streams[ref.StreamID]
			if int64(ref.StreamIndex)-int64(st.book.indexOffset) > pos {
				break
			}
			refIndex++
			index = t.refMasterIndex(streamID, refIndex)
		}
		for refIndex > 0 && index > 0 {
			ref := t.master[index]
			st := t.streams[ref.StreamID]
			if int64(ref.StreamIndex)-int64(st.book.indexOffset) < pos {
				break
			}
			refIndex--
			index = t.refMasterIndex(streamID, refIndex)
		}

	default:
		return nil, newError(KindInvalidArgument, "lookupChunkRef", xerrors.Errorf("unknown time format %d", format))
	}

	ref := t.master[index]
	st := t.streams[ref.StreamID]
	if streamID != 0 {
		refIndex = int64(ref.RefStreamTableIndex) - int64(st.book.indexTableOffset)
	}

	tempChunkIndex := int64(ref.ChunkIndex) - int64(t.masterBook.indexOffset)
	streamIndex := int64(ref.StreamIndex) - int64(st.book.indexOffset)
	timestamp := int64(ref.Timestamp)

	result := &lookupResult{}

	switch {
	case format == ChunkIndex && pos < tempChunkIndex,
		format == StreamIndex && pos < streamIndex,
		format == ChunkTime && pos < timestamp:
		result.EndChunkIndex = tempChunkIndex
	default:
		if refIndex < t.itemCount(streamID)-1 {
			var next ChunkRef
			if streamID != 0 {
				sref := t.streams[streamID].refs[refIndex+1]
				next = t.master[sref.RefMasterTableIndex-t.masterBook.indexTableOffset]
			} else {
				next = t.master[refIndex+1]
			}
			result.EndChunkIndex = int64(next.ChunkIndex) - int64(t.masterBook.indexOffset) + 1
		} else {
			result.EndChunkIndex = int64(t.header.ChunkCount)
		}
	}

	if index > 0 {
		result.ChunkIndex = int64(t.master[index].ChunkIndex) - int64(t.masterBook.indexOffset)
		result.ChunkOffset = int64(t.master[index].ChunkOffset)
	} else {
		result.ChunkIndex = 0
		result.ChunkOffset = int64(t.header.FirstChunkOffset)
	}
	result.MasterIndex = index
	return result, nil
}

// refMasterIndex fetches the raw (table-offset-normalized) master index
// that streamID's refIndex'th ref points to.
func (t *readIndexTable) refMasterIndex(streamID uint16, refIndex int64) int64 {
	ref := t.streams[streamID].refs[refIndex]
	return int64(ref.RefMasterTableIndex) - int64(t.masterBook.indexTableOffset)
}

// findNearestEntryWithFlags walks backward from the entry at or before
// chunkIndex in streamID's table for the nearest one whose flags
// (masked by chunkFlags) match exactly, the mechanism a reader uses to
// seek to the last key frame before a position.
func (t *readIndexTable) findNearestEntryWithFlags(streamID uint16, chunkIndex uint64, chunkFlags ChunkFlags) (uint64, bool) {
	s := t.streams[streamID]
	if s == nil || len(s.refs) == 0 {
		return 0, false
	}

	lo, hi := 0, len(s.refs)
	for lo < hi {
		mid := (lo + hi) / 2
		masterIdx := s.refs[mid].RefMasterTableIndex - t.masterBook.indexTableOffset
		if chunkIndex < t.master[masterIdx].ChunkIndex {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	current := lo - 1

	for ; current >= 0; current-- {
		masterIdx := s.refs[current].RefMasterTableIndex - t.masterBook.indexTableOffset
		if t.master[masterIdx].Flags&chunkFlags == chunkFlags {
			return uint64(masterIdx), true
		}
	}
	return 0, false
}
