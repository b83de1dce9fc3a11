package ifhd

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/audi/ifhd/internal/aio"
	"github.com/audi/ifhd/internal/ring"
)

// writerState is the lifecycle a Writer moves through; once Closed it
// never reopens.
type writerState int

const (
	stateCreated writerState = iota
	stateStreaming
	stateHistoryQuit
	stateClosed
)

// DropCallback is invoked, synchronously from within WriteChunk, whenever
// history mode evicts a chunk to make room for a new one.
type DropCallback func(chunkIndex uint64, streamID uint16, flags ChunkFlags, timestamp uint64)

// WriterOptions configures a new Writer. The zero value is a plain,
// non-history, synchronous writer.
type WriterOptions struct {
	// IndexDelay is the minimum time, in nanoseconds, after a stream's
	// last index entry before a non-key chunk of that stream is indexed;
	// 0 uses DefaultIndexDelay.
	IndexDelay int64
	// HistoryDuration, if nonzero, turns on history mode. The ring
	// buffer is bounded by HistorySize only; no chunk is dropped on the
	// basis of its timestamp span.
	HistoryDuration uint64
	// HistorySize, if nonzero, bounds the ring buffer by byte size.
	HistorySize int64
	// OnChunkDropped is called for every chunk evicted from history.
	OnChunkDropped DropCallback
	// DisableSystemCache opens the file in sector-aligned, OS-cache-
	// bypassing mode.
	DisableSystemCache bool
	// SyncMode writes every chunk straight to disk instead of through
	// an asynchronous write-behind cache.
	SyncMode bool
	// CacheSize is accepted but does not bound the asynchronous
	// write-behind cache, which queues up to 256 pending chunks whatever
	// their size.
	CacheSize int
	// AtomicRename writes to a temporary file in the destination
	// directory and renames it over the final name on a clean Close, so
	// a reader never observes a partially written file at the final
	// path.
	AtomicRename bool
	// FileVersion selects the on-disk format version; 0 selects
	// Version301. Ignored when history mode forces Version300WithHistory.
	FileVersion uint32
}

const defaultCacheSize = 4 << 20

// Writer produces an IFHD file, either as a flat append-only stream or,
// in history mode, as a bounded pre-trigger ring buffer that is
// materialized into a continuous file once QuitHistory is called.
type Writer struct {
	mu sync.Mutex

	opts WriterOptions
	file *aio.File
	pend *renameio.PendingFile

	state writerState

	header     FileHeader
	extensions extensionCatalog
	index      *writeIndexTable

	streamInfo   [MaxStreams + 1]*StreamInfoHeader
	streamExtras [MaxStreams + 1][]byte

	filePos         int64
	filePosLastChunk int64
	catchFirstTime  bool
	lastChunkTime   uint64

	history *ring.Buffer

	cache      chan []byte
	cacheGroup *errgroup.Group
	cacheErr   systemErrorHolder
}

// Create opens path for writing a new IFHD file with opts.
func Create(path string, opts WriterOptions) (*Writer, error) {
	w := &Writer{opts: opts}
	w.index = newWriteIndexTable(opts.IndexDelay)
	w.catchFirstTime = true

	mode := aio.Write | aio.SequentialAccess
	if opts.DisableSystemCache {
		mode |= aio.WriteThrough | aio.BypassSystemCache
	}

	savePath := path
	if opts.AtomicRename {
		pend, err := renameio.TempFile("", path)
		if err != nil {
			return nil, newError(KindIOError, "Create", err)
		}
		w.pend = pend
		savePath = pend.Name()
	}

	f, err := aio.Open(savePath, mode)
	if err != nil {
		if w.pend != nil {
			w.pend.Cleanup()
		}
		return nil, newError(KindIOError, "Create", err)
	}
	w.file = f

	version := opts.FileVersion
	if version == 0 {
		version = Version301
	}
	w.header = FileHeader{
		VersionID:   version,
		ByteOrder:   LittleEndian,
		PatchNumber: 1,
	}
	w.header.SetDateTime(time.Now())

	if opts.HistoryDuration != 0 || opts.HistorySize != 0 {
		w.header.VersionID = Version300WithHistory
		maxSize := opts.HistorySize
		if maxSize == 0 {
			maxSize = 1 << 62
		}
		hist, err := ring.New(w.file, headerSize, maxSize, chunkAlignment, func(dropped, next ring.Item) {
			w.onHistoryDrop(dropped)
		})
		if err != nil {
			w.file.Close()
			if w.pend != nil {
				w.pend.Cleanup()
			}
			return nil, newError(KindIOError, "Create", err)
		}
		w.history = hist
	}

	// IndexDelay is given in nanoseconds; the index table compares
	// timestamps in the file's stored unit.
	w.index.indexDelay /= int64(timestampScale(w.header.VersionID))

	if err := w.writeHeader(); err != nil {
		w.file.Close()
		if w.pend != nil {
			w.pend.Cleanup()
		}
		return nil, err
	}
	w.filePos = headerSize
	w.filePosLastChunk = w.filePos
	w.header.FirstChunkOffset = uint64(w.filePos)
	w.header.ContinuousOffset = uint64(w.filePos)
	w.header.RingBufferEndOffset = uint64(w.filePos)
	w.header.DataOffset = uint64(w.filePos)

	if !opts.SyncMode && w.history == nil {
		w.startAsyncCache()
	}

	w.state = stateStreaming
	return w, nil
}

func (w *Writer) startAsyncCache() {
	size := w.opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	w.cache = make(chan []byte, 256)
	g, _ := errgroup.WithContext(context.Background())
	w.cacheGroup = g
	g.Go(func() error {
		for buf := range w.cache {
			if err := w.file.WriteAll(buf); err != nil {
				w.cacheErr.set(err)
				return err
			}
		}
		return nil
	})
}

func (w *Writer) writeHeader() error {
	raw, err := encodeHeader(&w.header)
	if err != nil {
		return newError(KindInvalidFile, "writeHeader", err)
	}
	if _, err := w.file.SetFilePos(0, aio.Begin); err != nil {
		return newError(KindIOError, "writeHeader", err)
	}
	if err := w.file.WriteAll(raw); err != nil {
		return newError(KindIOError, "writeHeader", err)
	}
	return nil
}

// SetStreamName registers or renames a stream.
func (w *Writer) SetStreamName(streamID uint16, name string) error {
	if streamID == 0 || streamID > MaxStreams {
		return newError(KindInvalidArgument, "SetStreamName", xerrors.Errorf("invalid stream id %d", streamID))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.streamInfoFor(streamID)
	info.StreamName = name
	return nil
}

// SetAdditionalStreamInfo attaches an opaque, stream-type-defined info
// blob to streamID, persisted alongside its index table at Close.
func (w *Writer) SetAdditionalStreamInfo(streamID uint16, data []byte) error {
	if streamID == 0 || streamID > MaxStreams {
		return newError(KindInvalidArgument, "SetAdditionalStreamInfo", xerrors.Errorf("invalid stream id %d", streamID))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	w.streamExtras[streamID] = cp
	w.streamInfoFor(streamID).InfoDataSize = uint32(len(cp))
	return nil
}

func (w *Writer) streamInfoFor(streamID uint16) *StreamInfoHeader {
	if w.streamInfo[streamID] == nil {
		w.streamInfo[streamID] = &StreamInfoHeader{}
	}
	return w.streamInfo[streamID]
}

// AppendExtension stores an opaque, user-defined extension blob.
func (w *Writer) AppendExtension(identifier string, data []byte, userID, typeID, versionID uint32, streamID uint16) error {
	if isReservedIdentifier(identifier) {
		return newError(KindInvalidArgument, "AppendExtension", xerrors.Errorf("identifier %q is reserved", identifier))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.extensions.append(identifier, data, userID, typeID, versionID, streamID)
}

// WriteChunk appends one chunk of data for streamID, returning whether a
// new index entry was recorded for it. timestampNS is nanoseconds since
// an arbitrary zero point shared by the whole file; it is rescaled to
// the unit the file's version stores on disk (microseconds below
// Version500Nanoseconds).
func (w *Writer) WriteChunk(streamID uint16, data []byte, timestampNS uint64, flags ChunkFlags) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateStreaming {
		return false, newError(KindIllegalState, "WriteChunk", xerrors.New("writer is not open for streaming"))
	}
	if streamID == 0 || streamID > MaxStreams {
		return false, newError(KindInvalidArgument, "WriteChunk", xerrors.Errorf("invalid stream id %d", streamID))
	}

	timestamp := timestampNS / timestampScale(w.header.VersionID)
	info := w.streamInfoFor(streamID)
	size := uint32(len(data)) + chunkHeaderSize

	if w.catchFirstTime {
		w.header.TimeOffset = timestamp
		w.catchFirstTime = false
	}

	header := &ChunkHeader{
		Timestamp:             timestamp,
		RefMasterTableIndex:   w.index.masterCount(),
		OffsetToPreviousChunk: uint32(w.filePos - w.filePosLastChunk),
		Size:                  size,
		StreamID:              streamID,
		Flags:                 flags,
		StreamIndex:           info.StreamIndexCount,
	}

	if info.StreamIndexCount == w.index.indexOffset(streamID) {
		info.StreamFirstTime = timestamp
	}
	info.StreamLastTime = timestamp

	w.filePosLastChunk = w.filePos

	padded := alignUp16(int64(size))
	headerBytes := encodeChunkHeader(header, wireOrderMust(w.header.ByteOrder))

	if w.history != nil {
		if err := w.writeHistoryChunk(headerBytes, data, streamID, timestamp, flags); err != nil {
			return false, err
		}
	} else if err := w.writeFlatChunk(headerBytes, data, padded-int64(size)); err != nil {
		return false, err
	}

	appended := w.index.append(streamID, info.StreamIndexCount, w.header.ChunkCount, w.filePosLastChunk, size, timestamp, flags)

	w.lastChunkTime = timestamp
	w.header.ChunkCount++
	if uint64(size) > w.header.MaxChunkSize {
		w.header.MaxChunkSize = uint64(size)
	}
	w.header.DataSize += uint64(padded)
	info.StreamIndexCount++

	return appended, nil
}

func (w *Writer) writeFlatChunk(header, payload []byte, fill int64) error {
	buf := make([]byte, 0, int64(len(header)+len(payload))+fill)
	buf = append(buf, header...)
	buf = append(buf, payload...)
	if fill > 0 {
		buf = append(buf, make([]byte, fill)...)
	}
	w.filePos += int64(len(buf))
	if w.cache != nil {
		// Blocks until the consumer goroutine has room, per the writer's
		// single-producer/single-consumer rendezvous: the consumer is the
		// only actor that ever calls w.file.WriteAll, so chunks land on
		// disk in exactly the order WriteChunk queued them.
		w.cache <- buf
		return nil
	}
	if err := w.file.WriteAll(buf); err != nil {
		return newError(KindIOError, "WriteChunk", err)
	}
	return nil
}

func (w *Writer) writeHistoryChunk(header, payload []byte, streamID uint16, timestamp uint64, flags ChunkFlags) error {
	pieces := []ring.Piece{{Data: header}, {Data: payload}}
	pos, err := w.history.AppendItem(pieces, historyAdditional{
		chunkIndex: w.header.ChunkCount,
		streamID:   streamID,
		flags:      flags,
		timestamp:  timestamp,
	})
	if err != nil {
		return newError(KindIOError, "WriteChunk", err)
	}
	w.filePosLastChunk = pos
	w.filePos = pos + alignUp16(int64(len(header)+len(payload)))
	return nil
}

type historyAdditional struct {
	chunkIndex uint64
	streamID   uint16
	flags      ChunkFlags
	timestamp  uint64
}

func (w *Writer) onHistoryDrop(dropped ring.Item) {
	add, ok := dropped.Additional.(historyAdditional)
	if !ok {
		return
	}
	w.index.remove(add.chunkIndex, add.streamID)
	if w.opts.OnChunkDropped != nil {
		w.opts.OnChunkDropped(add.chunkIndex, add.streamID, add.flags, add.timestamp)
	}
}

// QuitHistory switches a history-mode writer over to permanent,
// continuous storage: no further chunks are dropped from this point on.
func (w *Writer) QuitHistory() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.history == nil {
		return newError(KindIllegalState, "QuitHistory", xerrors.New("writer is not in history mode"))
	}
	if w.state == stateHistoryQuit {
		return nil
	}

	rear, last, err := w.history.StartAppending()
	if err != nil {
		return newError(KindIOError, "QuitHistory", err)
	}

	if rear.FilePos != -1 {
		w.header.ContinuousOffset = uint64(alignUp16(rear.FilePos + rear.Size))
	} else {
		w.header.ContinuousOffset = w.header.DataOffset
	}
	if last.FilePos != -1 {
		w.header.RingBufferEndOffset = uint64(alignUp16(last.FilePos + last.Size))
	} else {
		w.header.RingBufferEndOffset = w.header.DataOffset
	}
	w.header.DataSize = w.header.ContinuousOffset - w.header.DataOffset

	w.state = stateHistoryQuit
	return nil
}

// Close finalizes the index tables and extension table, writes the final
// file header, and closes the underlying file. If opts.AtomicRename was
// set, the temporary file is renamed over the destination path.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == stateClosed {
		return nil
	}

	if w.cache != nil {
		close(w.cache)
		if err := w.cacheGroup.Wait(); err != nil {
			return newError(KindWriteThreadError, "Close", err)
		}
	}

	if w.history != nil && w.state != stateHistoryQuit {
		if err := w.quitHistoryLocked(); err != nil {
			return err
		}
	}

	if w.history != nil {
		if items := w.history.Items(); len(items) > 0 {
			w.header.FirstChunkOffset = uint64(items[0].FilePos)
		}
	}

	w.header.ChunkCount -= w.index.indexOffset(0)

	if err := w.writeIndexTables(); err != nil {
		return err
	}
	if err := w.writeExtensionTable(); err != nil {
		return err
	}
	w.header.Duration = w.lastChunkTime - w.header.TimeOffset
	if err := w.writeHeader(); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return newError(KindIOError, "Close", err)
	}
	w.state = stateClosed

	if w.pend != nil {
		if err := w.pend.CloseAtomicallyReplace(); err != nil {
			return newError(KindIOError, "Close", err)
		}
	}
	return nil
}

func (w *Writer) quitHistoryLocked() error {
	rear, last, err := w.history.StartAppending()
	if err != nil {
		return newError(KindIOError, "Close", err)
	}
	if rear.FilePos != -1 {
		w.header.ContinuousOffset = uint64(alignUp16(rear.FilePos + rear.Size))
	} else {
		w.header.ContinuousOffset = w.header.DataOffset
	}
	if last.FilePos != -1 {
		w.header.RingBufferEndOffset = uint64(alignUp16(last.FilePos + last.Size))
	} else {
		w.header.RingBufferEndOffset = w.header.DataOffset
	}
	w.header.DataSize = w.header.ContinuousOffset - w.header.DataOffset
	w.state = stateHistoryQuit
	return nil
}

// writeIndexTables materializes the master and per-stream index/
// additional-index extensions, mirroring writeIndexTable() in the
// original writer: the master table is always written; a stream's table
// is written only if it was ever named.
func (w *Writer) writeIndexTables() error {
	order := wireOrderMust(w.header.ByteOrder)

	masterBuf := make([]byte, 0, len(w.index.master)*chunkRefSize)
	for i := range w.index.master {
		masterBuf = append(masterBuf, encodeChunkRef(&w.index.master[i], order)...)
	}
	if err := w.extensions.append(extIndex0, masterBuf, 0, 0, 0, 0); err != nil {
		return newError(KindIOError, "Close", err)
	}

	addMaster := &AdditionalIndexInfo{
		StreamIndexOffset:      w.index.indexOffset(0),
		StreamTableIndexOffset: w.index.indexTableOffset(0),
	}
	if err := w.extensions.append(extIndexAdd0, encodeAdditionalIndexInfo(addMaster, order), 0, 0, 0, 0); err != nil {
		return newError(KindIOError, "Close", err)
	}

	for id := uint16(1); id <= MaxStreams; id++ {
		info := w.streamInfo[id]
		if info == nil || info.StreamName == "" {
			continue
		}
		s := w.index.stream(id)

		info.StreamIndexCount -= w.index.indexOffset(id)

		headerBytes, err := encodeStreamInfoHeader(info, order)
		if err != nil {
			return newError(KindInvalidArgument, "Close", err)
		}
		buf := make([]byte, 0, len(headerBytes)+len(w.streamExtras[id])+len(s.refs)*streamRefSize)
		buf = append(buf, headerBytes...)
		buf = append(buf, w.streamExtras[id]...)
		for i := range s.refs {
			buf = append(buf, encodeStreamRef(&s.refs[i], order)...)
		}

		name := fmt.Sprintf("%s%d", extIndex, id)
		if err := w.extensions.append(name, buf, 0, 0, 0, id); err != nil {
			return newError(KindIOError, "Close", err)
		}

		addInfo := &AdditionalIndexInfo{
			StreamIndexOffset:      w.index.indexOffset(id),
			StreamTableIndexOffset: w.index.indexTableOffset(id),
		}
		addName := fmt.Sprintf("%s%d", extIndexAdditional, id)
		if err := w.extensions.append(addName, encodeAdditionalIndexInfo(addInfo, order), 0, 0, 0, id); err != nil {
			return newError(KindIOError, "Close", err)
		}
	}
	return nil
}

func (w *Writer) writeExtensionTable() error {
	if w.extensions.count() == 0 {
		return nil
	}
	order := wireOrderMust(w.header.ByteOrder)

	if _, err := w.file.SetFilePos(0, aio.End); err != nil {
		return newError(KindIOError, "Close", err)
	}

	for i := 0; i < w.extensions.count(); i++ {
		desc, data, err := w.extensions.get(i)
		if err != nil {
			return newError(KindIOError, "Close", err)
		}
		if len(data) == 0 {
			continue
		}
		desc.DataPos = uint64(w.file.GetFilePos())
		if err := w.file.WriteAll(data); err != nil {
			return newError(KindIOError, "Close", err)
		}
	}

	w.header.ExtensionOffset = uint64(w.file.GetFilePos())
	w.header.ExtensionCount = uint32(w.extensions.count())

	table := make([]byte, 0, w.extensions.count()*extensionDescriptorSize)
	for i := 0; i < w.extensions.count(); i++ {
		desc, _, err := w.extensions.get(i)
		if err != nil {
			return newError(KindIOError, "Close", err)
		}
		raw, err := encodeExtensionDescriptor(desc, order)
		if err != nil {
			return newError(KindInvalidArgument, "Close", err)
		}
		table = append(table, raw...)
	}
	if err := w.file.WriteAll(table); err != nil {
		return newError(KindIOError, "Close", err)
	}
	return nil
}

func wireOrderMust(b ByteOrder) binary.ByteOrder {
	o, err := wireOrder(b)
	if err != nil {
		panic(err)
	}
	return o
}
