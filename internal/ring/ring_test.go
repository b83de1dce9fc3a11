package ring

import (
	"bytes"
	"testing"
)

// memSink is a minimal in-memory Sink, standing in for the aio.File the
// writer uses in production; it supports exactly the three operations
// Buffer needs.
type memSink struct {
	buf []byte
	pos int64
}

func (m *memSink) SetFilePos(offset int64, anchor int) (int64, error) {
	switch anchor {
	case AnchorBegin:
		m.pos = offset
	case AnchorCurrent:
		m.pos += offset
	case AnchorEnd:
		m.pos = int64(len(m.buf)) + offset
	}
	return m.pos, nil
}

func (m *memSink) WriteAll(buf []byte) error {
	end := m.pos + int64(len(buf))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:end], buf)
	m.pos = end
	return nil
}

func (m *memSink) Truncate(size int64) error {
	if size > int64(len(m.buf)) {
		grown := make([]byte, size)
		copy(grown, m.buf)
		m.buf = grown
		return nil
	}
	m.buf = m.buf[:size]
	return nil
}

func TestAppendItemAligns(t *testing.T) {
	sink := &memSink{}
	b, err := New(sink, 0, 0, 16, nil)
	if err != nil {
		t.Fatal(err)
	}

	pos, err := b.AppendItem([]Piece{{Data: []byte("12345")}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 0 {
		t.Fatalf("first item position = %d, want 0", pos)
	}
	if b.CurrentSize() != 16 {
		t.Fatalf("CurrentSize after one 5-byte item = %d, want 16 (padded)", b.CurrentSize())
	}

	pos2, err := b.AppendItem([]Piece{{Data: []byte("abc")}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pos2 != 16 {
		t.Fatalf("second item position = %d, want 16", pos2)
	}
}

func TestWrapAroundEvictsOldest(t *testing.T) {
	sink := &memSink{}
	var dropped []Item
	b, err := New(sink, 0, 0, 16, func(d, next Item) {
		dropped = append(dropped, d)
	})
	if err != nil {
		t.Fatal(err)
	}

	item := func(s string) []Piece { return []Piece{{Data: []byte(s)}} }

	if _, err := b.AppendItem(item("aaaaaaaaaaaaaaaa"), "first"); err != nil { // 16 bytes, no padding
		t.Fatal(err)
	}
	if _, err := b.AppendItem(item("bbbbbbbbbbbbbbbb"), "second"); err != nil {
		t.Fatal(err)
	}
	if err := b.StartWrappingAround(); err != nil {
		t.Fatal(err)
	}
	if b.CurrentSize() != 32 {
		t.Fatalf("CurrentSize before wrap = %d, want 32", b.CurrentSize())
	}

	// A third 16-byte item cannot fit without exceeding the frozen max
	// size (32), so it must wrap back to the start, evicting "first".
	pos, err := b.AppendItem(item("cccccccccccccccc"), "third")
	if err != nil {
		t.Fatal(err)
	}
	if pos != 0 {
		t.Fatalf("wrapped item position = %d, want 0", pos)
	}
	if len(dropped) != 1 || dropped[0].Additional != "first" {
		t.Fatalf("dropped = %+v, want exactly the first item", dropped)
	}

	items := b.Items()
	if len(items) != 2 {
		t.Fatalf("len(Items()) = %d, want 2", len(items))
	}
	if items[0].Additional != "second" || items[1].Additional != "third" {
		t.Fatalf("Items() = %+v, want [second, third]", items)
	}
}

func TestStartAppendingStopsWrapping(t *testing.T) {
	sink := &memSink{}
	b, err := New(sink, 0, 0, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.AppendItem([]Piece{{Data: []byte("aaaaaaaaaaaaaaaa")}}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AppendItem([]Piece{{Data: []byte("bbbbbbbbbbbbbbbb")}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.StartWrappingAround(); err != nil {
		t.Fatal(err)
	}

	rear, last, err := b.StartAppending()
	if err != nil {
		t.Fatal(err)
	}
	if rear.FilePos != last.FilePos {
		t.Fatalf("with no wrap yet, rear (%+v) should equal last (%+v)", rear, last)
	}

	// Appending now extends linearly past the end instead of wrapping.
	pos, err := b.AppendItem([]Piece{{Data: []byte("cccccccccccccccc")}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 32 {
		t.Fatalf("post-StartAppending position = %d, want 32 (linear extension)", pos)
	}
	if !bytes.HasSuffix(sink.buf, []byte("cccccccccccccccc")) {
		t.Fatalf("sink contents missing appended item: %q", sink.buf)
	}
}
