// Package ring implements a file-backed circular buffer for
// variable-sized items, ported from utils5ext::FileRingBuffer. Bookkeeping
// (item positions and sizes) is kept in memory; item payloads live in a
// fixed file region that wraps once a configured maximum size is reached.
package ring

import (
	"golang.org/x/xerrors"
)

// Sink is the minimal file interface the ring buffer writes through.
type Sink interface {
	SetFilePos(offset int64, anchor int) (int64, error)
	WriteAll(buf []byte) error
	Truncate(size int64) error
}

// Anchor values accepted by Sink.SetFilePos, mirroring aio.Anchor without
// importing the aio package (keeps ring decoupled from I/O transport).
const (
	AnchorBegin = iota
	AnchorCurrent
	AnchorEnd
)

// Piece is one contiguous span of an item's bytes.
type Piece struct {
	Data []byte
}

// Item describes one entry stored in the ring buffer.
type Item struct {
	FilePos    int64
	Size       int64
	Additional interface{}
}

// DropFunc is invoked once per evicted item, in eviction order, with the
// item being dropped and the item that becomes the new head afterward
// (the zero Item if the buffer becomes empty).
type DropFunc func(dropped, next Item)

// Buffer is a file-backed ring buffer of variable-sized items.
type Buffer struct {
	sink        Sink
	startOffset int64
	alignment   int64

	items []Item

	currentPos  int64
	currentSize int64
	maxSize     int64

	bookkeeping bool
	onDrop      DropFunc

	rearItem    Item
	haveRear    bool
	alignmentBuf []byte
}

// New constructs a ring buffer starting at startOffset within an already
// positioned sink. maxSize of zero means unbounded until StartWrappingAround
// is called. alignment pads every item to a multiple of that many bytes
// (16 for the chunk stream).
func New(sink Sink, startOffset, maxSize int64, alignment int64, onDrop DropFunc) (*Buffer, error) {
	if alignment < 1 {
		alignment = 1
	}
	b := &Buffer{
		sink:        sink,
		startOffset: startOffset,
		alignment:   alignment,
		maxSize:     maxSize,
		bookkeeping: true,
		onDrop:      onDrop,
	}
	if alignment > 1 {
		b.alignmentBuf = make([]byte, alignment-1)
	}
	if _, err := sink.SetFilePos(startOffset, AnchorBegin); err != nil {
		return nil, xerrors.Errorf("ring: positioning at start offset: %w", err)
	}
	b.currentPos = startOffset
	if err := b.fillForAlignment(); err != nil {
		return nil, err
	}
	return b, nil
}

// CurrentSize returns the high-water mark of the wrapped region.
func (b *Buffer) CurrentSize() int64 {
	return b.currentSize
}

// StartWrappingAround freezes the maximum size at the buffer's current
// size, so the next item that would overflow it triggers a wrap.
func (b *Buffer) StartWrappingAround() error {
	if !b.bookkeeping {
		return xerrors.New("ring: already appending")
	}
	b.maxSize = b.currentSize
	return nil
}

// StartAppending stops wrap-around bookkeeping; subsequent AppendItem
// calls extend the file linearly past its current end. It returns the
// rear item (the position where wrapping last occurred, if ever) and the
// last item currently in the buffer.
func (b *Buffer) StartAppending() (rear, last Item, err error) {
	if !b.bookkeeping {
		return Item{}, Item{}, xerrors.New("ring: already appending")
	}
	b.maxSize = 0
	pos, err := b.sink.SetFilePos(0, AnchorEnd)
	if err != nil {
		return Item{}, Item{}, xerrors.Errorf("ring: seeking to end: %w", err)
	}
	b.currentPos = pos
	b.bookkeeping = false

	if !b.haveRear && len(b.items) > 0 {
		b.rearItem = b.items[len(b.items)-1]
		b.haveRear = true
	}
	if b.haveRear {
		rear = b.rearItem
	}
	if len(b.items) > 0 {
		last = b.items[len(b.items)-1]
	}
	return rear, last, nil
}

// AppendItem writes pieces as one logical item, tagged with additional
// bookkeeping data for drop notification, and returns the file position
// the item was written at.
func (b *Buffer) AppendItem(pieces []Piece, additional interface{}) (int64, error) {
	var dataSize int64
	for _, p := range pieces {
		dataSize += int64(len(p.Data))
	}

	if b.maxSize != 0 && len(b.items) > 0 {
		if b.currentPos+dataSize > b.maxSize {
			if err := b.sink.Truncate(b.currentPos); err != nil {
				return 0, xerrors.Errorf("ring: truncating at wrap: %w", err)
			}
			b.currentSize = b.currentPos
			b.rearItem = b.items[len(b.items)-1]
			b.haveRear = true

			for len(b.items) > 0 && b.items[0].FilePos >= b.currentPos {
				b.popFront()
			}

			if len(b.items) == 0 {
				b.currentPos = b.startOffset
			} else {
				b.currentPos = b.items[0].FilePos
			}
			if _, err := b.sink.SetFilePos(b.currentPos, AnchorBegin); err != nil {
				return 0, xerrors.Errorf("ring: seeking after wrap: %w", err)
			}
		}
	}

	writePos := b.currentPos
	for _, p := range pieces {
		if err := b.sink.WriteAll(p.Data); err != nil {
			return 0, xerrors.Errorf("ring: writing item: %w", err)
		}
	}
	b.currentPos += dataSize

	if err := b.fillForAlignment(); err != nil {
		return 0, err
	}

	if b.currentPos > b.currentSize {
		b.currentSize = b.currentPos
	}

	if b.bookkeeping {
		item := Item{FilePos: writePos, Size: dataSize, Additional: additional}
		b.items = append(b.items, item)

		start, end := item.FilePos, b.currentPos
		for len(b.items) > 1 && b.items[0].FilePos >= start && b.items[0].FilePos < end {
			b.popFront()
		}

		if b.haveRear && b.rearItem.FilePos < end {
			b.rearItem = b.items[len(b.items)-1]
			b.haveRear = true
			if err := b.sink.Truncate(b.currentPos); err != nil {
				return 0, xerrors.Errorf("ring: truncating after rear overwrite: %w", err)
			}
			b.currentSize = b.currentPos
		}
	}

	return writePos, nil
}

func (b *Buffer) fillForAlignment() error {
	if b.alignment <= 1 {
		return nil
	}
	mod := b.currentPos % b.alignment
	if mod == 0 {
		return nil
	}
	fill := b.alignment - mod
	if err := b.sink.WriteAll(b.alignmentBuf[:fill]); err != nil {
		return xerrors.Errorf("ring: alignment padding: %w", err)
	}
	b.currentPos += fill
	return nil
}

func (b *Buffer) popFront() {
	if b.onDrop != nil {
		dropped := b.items[0]
		next := Item{}
		if len(b.items) > 1 {
			next = b.items[1]
		}
		b.onDrop(dropped, next)
	}
	b.items = b.items[1:]
}

// Items returns the items currently live in the buffer, oldest first.
func (b *Buffer) Items() []Item {
	return b.items
}
