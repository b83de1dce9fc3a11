package ifhd

// indexBookkeeping mirrors ifhd::v201_v301::IndexReadTable::IndexTable:
// every table (the master table, and each stream's table) tracks how many
// of its own ref entries have ever been dropped from the front
// (indexTableOffset) independently from how many chunks have been
// dropped from the table's domain (indexOffset — chunks for a stream
// table, chunks file-wide for the master table). Both are cumulative for
// the life of the writer and are the only state a reader needs to
// normalize the raw, creation-time sequence numbers stamped into
// ChunkRef.RefStreamTableIndex and StreamRef.RefMasterTableIndex.
type indexBookkeeping struct {
	indexTableOffset uint32
	indexOffset      uint64
}

// writeStreamTable is one stream's StreamRef deque plus its bookkeeping.
// chunkIndexes tracks, in parallel with refs, the ChunkIndex each ref was
// created for — needed only to decide when remove() should pop a ref; it
// is never serialized.
type writeStreamTable struct {
	refs                []StreamRef
	chunkIndexes        []uint64
	nextSeq             uint32
	bookkeeping         indexBookkeeping
	haveLastIndexedTime bool
	lastIndexedTime     uint64
}

// writeIndexTable is the in-memory master index plus per-stream tables
// accumulated by a Writer over the life of one file; it is materialized
// to `index0`/`index{N}`/`index_add0`/`index_add{N}` extensions at Close.
//
// Both cross-reference fields (ChunkRef.RefStreamTableIndex and
// StreamRef.RefMasterTableIndex) are stamped once, at append time, with
// an ever-increasing sequence number that ignores drops entirely; a
// reader recovers the live position by subtracting the final
// indexTableOffset recorded for that table. This lets append() and
// remove() stay O(1) amortized: nothing is ever renumbered when an entry
// is dropped from the front of a deque.
type writeIndexTable struct {
	master        []ChunkRef
	nextMasterSeq uint32
	masterBook    indexBookkeeping
	streams       [MaxStreams + 1]*writeStreamTable
	indexDelay    int64
}

func newWriteIndexTable(indexDelay int64) *writeIndexTable {
	if indexDelay <= 0 {
		indexDelay = DefaultIndexDelay
	}
	return &writeIndexTable{indexDelay: indexDelay}
}

func (t *writeIndexTable) stream(streamID uint16) *writeStreamTable {
	s := t.streams[streamID]
	if s == nil {
		s = &writeStreamTable{}
		t.streams[streamID] = s
	}
	return s
}

// masterCount is the raw sequence number the next master entry will get
// (entries ever appended, drops included); a newly written chunk
// header's RefMasterTableIndex field records this value at the moment
// the chunk is written, and a reader normalizes it by subtracting the
// master table's indexTableOffset.
func (t *writeIndexTable) masterCount() uint32 {
	return t.nextMasterSeq
}

// append records bookkeeping for one freshly written chunk and emits a
// master/stream index entry when the chunk is the first for its stream,
// carries the key-data flag, or enough time has elapsed since the
// stream's last indexed entry. It returns whether an entry was appended.
func (t *writeIndexTable) append(streamID uint16, streamIndex, chunkIndex uint64, filePos int64, size uint32, timestamp uint64, flags ChunkFlags) bool {
	s := t.stream(streamID)

	isFirst := streamIndex == 0
	isKey := flags&FlagKeyData != 0
	elapsed := !s.haveLastIndexedTime || int64(timestamp)-int64(s.lastIndexedTime) >= t.indexDelay

	if !isFirst && !isKey && !elapsed {
		return false
	}

	masterSeq := t.nextMasterSeq
	t.nextMasterSeq++
	streamSeq := s.nextSeq
	s.nextSeq++

	t.master = append(t.master, ChunkRef{
		Timestamp:           timestamp,
		Size:                size,
		StreamID:            streamID,
		Flags:               flags,
		ChunkOffset:         uint64(filePos),
		ChunkIndex:          chunkIndex,
		StreamIndex:         streamIndex,
		RefStreamTableIndex: streamSeq,
	})
	s.refs = append(s.refs, StreamRef{RefMasterTableIndex: masterSeq})
	s.chunkIndexes = append(s.chunkIndexes, chunkIndex)
	s.lastIndexedTime = timestamp
	s.haveLastIndexedTime = true
	return true
}

// remove drops bookkeeping for one chunk evicted from the history ring
// buffer, popping any master/stream index entries that referred to it or
// to earlier, already-evicted chunks.
func (t *writeIndexTable) remove(chunkIndex uint64, streamID uint16) {
	t.masterBook.indexOffset++
	for len(t.master) > 0 && t.master[0].ChunkIndex <= chunkIndex {
		t.master = t.master[1:]
		t.masterBook.indexTableOffset++
	}

	s := t.stream(streamID)
	s.bookkeeping.indexOffset++
	for len(s.chunkIndexes) > 0 && s.chunkIndexes[0] <= chunkIndex {
		s.refs = s.refs[1:]
		s.chunkIndexes = s.chunkIndexes[1:]
		s.bookkeeping.indexTableOffset++
	}
}

// indexOffset returns the chunk-drop offset for streamID (0 = master /
// file-wide).
func (t *writeIndexTable) indexOffset(streamID uint16) uint64 {
	if streamID == 0 {
		return t.masterBook.indexOffset
	}
	return t.stream(streamID).bookkeeping.indexOffset
}

// indexTableOffset returns the ref-table-entry-drop offset for streamID
// (0 = master).
func (t *writeIndexTable) indexTableOffset(streamID uint16) uint32 {
	if streamID == 0 {
		return t.masterBook.indexTableOffset
	}
	return t.stream(streamID).bookkeeping.indexTableOffset
}
