package aio

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.bin")

	w, err := Open(path, Write)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("the quick brown fox jumps over the lazy dog")
	if err := w.WriteAll(want); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, Read)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got := make([]byte, len(want))
	if err := r.ReadAll(got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadAll = %q, want %q", got, want)
	}
}

func TestReadAllShortFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	w, err := Open(path, Write)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteAll([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, Read)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	buf := make([]byte, 10)
	if err := r.ReadAll(buf); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadAll on short file: got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestSetFilePosAnchors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seek.bin")
	w, err := Open(path, Write)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteAll([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := Open(path, ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if pos, err := f.SetFilePos(3, Begin); err != nil || pos != 3 {
		t.Fatalf("SetFilePos(Begin): pos=%d err=%v", pos, err)
	}
	b := make([]byte, 2)
	if err := f.ReadAll(b); err != nil {
		t.Fatal(err)
	}
	if string(b) != "34" {
		t.Fatalf("read after Begin seek: got %q, want %q", b, "34")
	}

	if pos, err := f.SetFilePos(-2, Current); err != nil || pos != 3 {
		t.Fatalf("SetFilePos(Current,-2): pos=%d err=%v", pos, err)
	}

	if pos, err := f.SetFilePos(0, End); err != nil || pos != 10 {
		t.Fatalf("SetFilePos(End): pos=%d err=%v", pos, err)
	}
}

func TestTruncateAndSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.bin")
	f, err := Open(path, Write)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := f.WriteAll([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(4); err != nil {
		t.Fatal(err)
	}
	size, err := f.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 4 {
		t.Fatalf("Size after Truncate(4) = %d, want 4", size)
	}
}

func TestReadCacheCrossesRefill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	want := make([]byte, 50)
	for i := range want {
		want[i] = byte(i)
	}
	w, err := Open(path, Write)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteAll(want); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, Read)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	r.SetReadCache(8)

	got := make([]byte, len(want))
	if err := r.ReadAll(got); err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSkip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skip.bin")
	w, err := Open(path, Write)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteAll([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, Read)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Skip(5); err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 3)
	if err := r.ReadAll(b); err != nil {
		t.Fatal(err)
	}
	if string(b) != "567" {
		t.Fatalf("read after Skip(5): got %q, want %q", b, "567")
	}
}
