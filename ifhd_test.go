package ifhd

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/orcaman/writerseeker"
)

// chunkSeen records one chunk observed while draining a Reader, for
// comparing actual traversal order/content against what was written.
type chunkSeen struct {
	StreamID  uint16
	Timestamp uint64
	Flags     ChunkFlags
	Payload   string
}

func writeSample(t *testing.T, path string) {
	t.Helper()
	w, err := Create(path, WriterOptions{FileVersion: Version500Nanoseconds})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.SetStreamName(1, "video"); err != nil {
		t.Fatalf("SetStreamName(1): %v", err)
	}
	if err := w.SetStreamName(2, "audio"); err != nil {
		t.Fatalf("SetStreamName(2): %v", err)
	}
	if err := w.SetAdditionalStreamInfo(1, []byte("1920x1080")); err != nil {
		t.Fatalf("SetAdditionalStreamInfo: %v", err)
	}
	if err := w.AppendExtension("notes", []byte("hello"), 1, 2, 3, 0); err != nil {
		t.Fatalf("AppendExtension: %v", err)
	}

	writes := []struct {
		stream uint16
		ts     uint64
		flags  ChunkFlags
		data   string
	}{
		{1, 100, FlagData, "s1-a"},
		{2, 150, FlagData, "s2-a"},
		{1, 300, FlagKeyData, "s1-b"},
		{2, 450, FlagData, "s2-b"},
		{1, 500, FlagData, "s1-c"},
	}
	for _, wr := range writes {
		if _, err := w.WriteChunk(wr.stream, []byte(wr.data), wr.ts, wr.flags); err != nil {
			t.Fatalf("WriteChunk(%d, %q): %v", wr.stream, wr.data, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func drainStream(t *testing.T, r *Reader, streamID uint16) []chunkSeen {
	t.Helper()
	var out []chunkSeen
	for {
		header, data, err := r.ReadNextChunk(ReadDefault, streamID)
		if err != nil {
			if errors.Is(err, ErrEndOfFile) {
				break
			}
			t.Fatalf("ReadNextChunk: %v", err)
		}
		out = append(out, chunkSeen{
			StreamID:  header.StreamID,
			Timestamp: header.Timestamp,
			Flags:     header.Flags,
			Payload:   string(data),
		})
	}
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.ifhd")
	writeSample(t, path)

	r, err := Open(path, ReaderOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if got, want := r.VersionID(), Version500Nanoseconds; got != want {
		t.Errorf("VersionID() = 0x%04x, want 0x%04x", got, want)
	}
	if got, want := r.ChunkCount(), int64(5); got != want {
		t.Errorf("ChunkCount() = %d, want %d", got, want)
	}
	if got, want := r.TimeOffset(), uint64(100); got != want {
		t.Errorf("TimeOffset() = %d, want %d", got, want)
	}
	if got, want := r.Duration(), uint64(400); got != want {
		t.Errorf("Duration() = %d, want %d", got, want)
	}

	name1, err := r.StreamName(1)
	if err != nil || name1 != "video" {
		t.Errorf("StreamName(1) = %q, %v, want %q, nil", name1, err, "video")
	}
	name2, err := r.StreamName(2)
	if err != nil || name2 != "audio" {
		t.Errorf("StreamName(2) = %q, %v, want %q, nil", name2, err, "audio")
	}
	if info, ok := r.AdditionalStreamInfo(1); !ok || string(info) != "1920x1080" {
		t.Errorf("AdditionalStreamInfo(1) = %q, %v, want %q, true", info, ok, "1920x1080")
	}

	if got, want := r.StreamIndexCount(1), int64(3); got != want {
		t.Errorf("StreamIndexCount(1) = %d, want %d", got, want)
	}
	if got, want := r.StreamIndexCount(2), int64(2); got != want {
		t.Errorf("StreamIndexCount(2) = %d, want %d", got, want)
	}

	if first, err := r.FirstTime(1); err != nil || first != 100 {
		t.Errorf("FirstTime(1) = %d, %v, want 100, nil", first, err)
	}
	if last, err := r.LastTime(1); err != nil || last != 500 {
		t.Errorf("LastTime(1) = %d, %v, want 500, nil", last, err)
	}

	wantStream1 := []chunkSeen{
		{1, 100, FlagData, "s1-a"},
		{1, 300, FlagKeyData, "s1-b"},
		{1, 500, FlagData, "s1-c"},
	}
	if diff := cmp.Diff(wantStream1, drainStream(t, r, 1)); diff != "" {
		t.Errorf("stream 1 traversal mismatch (-want +got):\n%s", diff)
	}

	if err := r.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	wantAll := []chunkSeen{
		{1, 100, FlagData, "s1-a"},
		{2, 150, FlagData, "s2-a"},
		{1, 300, FlagKeyData, "s1-b"},
		{2, 450, FlagData, "s2-b"},
		{1, 500, FlagData, "s1-c"},
	}
	if diff := cmp.Diff(wantAll, drainStream(t, r, 0)); diff != "" {
		t.Errorf("whole-file traversal mismatch (-want +got):\n%s", diff)
	}

	desc, data, ok := r.FindExtension("notes")
	if !ok {
		t.Fatal("FindExtension(notes): not found")
	}
	if string(data) != "hello" {
		t.Errorf("extension data = %q, want %q", data, "hello")
	}
	if desc.UserID != 1 || desc.TypeID != 2 || desc.VersionID != 3 {
		t.Errorf("extension descriptor = %+v, want UserID=1 TypeID=2 VersionID=3", desc)
	}
}

func TestSeekByChunkTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seek.ifhd")
	writeSample(t, path)

	r, err := Open(path, ReaderOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	idx, err := r.Seek(1, 300, ChunkTime, SeekDefault)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if idx != 2 {
		t.Errorf("Seek returned logical index %d, want 2", idx)
	}

	header, err := r.QueryChunkInfo()
	if err != nil {
		t.Fatalf("QueryChunkInfo: %v", err)
	}
	if header.Timestamp != 300 || header.StreamID != 1 {
		t.Errorf("QueryChunkInfo() = %+v, want timestamp=300 streamID=1", header)
	}

	data, err := r.ReadChunk(nil, ReadDefault)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if string(data) != "s1-b" {
		t.Errorf("ReadChunk() = %q, want %q", data, "s1-b")
	}
}

func TestModifyExtensions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modify.ifhd")
	writeSample(t, path)

	err := ModifyExtensions(path, []ExtensionPatch{
		{Identifier: "notes", Data: []byte("updated")},
		{Identifier: "config", Data: []byte("v1"), UserID: 7},
	})
	if err != nil {
		t.Fatalf("ModifyExtensions: %v", err)
	}

	r, err := Open(path, ReaderOptions{})
	if err != nil {
		t.Fatalf("Open after modify: %v", err)
	}
	defer r.Close()

	if got, want := r.ChunkCount(), int64(5); got != want {
		t.Errorf("ChunkCount() after modify = %d, want %d (chunk data must survive)", got, want)
	}

	if _, data, ok := r.FindExtension("notes"); !ok || string(data) != "updated" {
		t.Errorf("FindExtension(notes) after modify = %q, %v, want %q, true", data, ok, "updated")
	}
	desc, data, ok := r.FindExtension("config")
	if !ok || string(data) != "v1" || desc.UserID != 7 {
		t.Errorf("FindExtension(config) after modify = %+v, %q, %v, want data=v1 UserID=7", desc, data, ok)
	}

	wantStream1 := []chunkSeen{
		{1, 100, FlagData, "s1-a"},
		{1, 300, FlagKeyData, "s1-b"},
		{1, 500, FlagData, "s1-c"},
	}
	if diff := cmp.Diff(wantStream1, drainStream(t, r, 1)); diff != "" {
		t.Errorf("stream 1 traversal after modify mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	want := &FileHeader{
		VersionID:       Version301,
		ByteOrder:       LittleEndian,
		ChunkCount:      42,
		MaxChunkSize:    4096,
		Duration:        123456,
		FileTime:        1700000000,
		TimeOffset:      10,
		PatchNumber:     1,
		DataOffset:      headerSize,
		DataSize:        999,
		ExtensionOffset: 5000,
		ExtensionCount:  2,
		Description:     "short\nlong form description",
	}
	want.FirstChunkOffset = uint64(headerSize)
	want.ContinuousOffset = uint64(headerSize)
	want.RingBufferEndOffset = uint64(headerSize)

	raw, err := encodeHeader(want)
	if err != nil {
		t.Fatalf("encodeHeader: %v", err)
	}

	ws := &writerseeker.WriterSeeker{}
	if _, err := ws.Write(raw); err != nil {
		t.Fatalf("writerseeker.Write: %v", err)
	}
	buf := make([]byte, headerSize)
	if _, err := ws.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("writerseeker.Seek: %v", err)
	}
	if _, err := io.ReadFull(ws.Reader(), buf); err != nil {
		t.Fatalf("reading back from writerseeker: %v", err)
	}

	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("header round trip mismatch (-want +got):\n%s", diff)
	}
	if got.ShortDescription() != "short" {
		t.Errorf("ShortDescription() = %q, want %q", got.ShortDescription(), "short")
	}
	if got.LongDescription() != "long form description" {
		t.Errorf("LongDescription() = %q, want %q", got.LongDescription(), "long form description")
	}
}

// buildLegacyFile hand-assembles a minimal v110 file: two chunks on the
// single implicit stream, a flat index table and one synthesized
// storage_info extension, matching the byte layout legacy.go decodes.
func buildLegacyFile(t *testing.T, path string) {
	t.Helper()
	order := binary.LittleEndian

	const (
		dataOffset = int64(legacyHeaderSize)
		chunk0Size = 32 + 3 // header + "abc"
		chunk1Size = 32 + 4 // header + "wxyz"
	)
	chunk0Aligned := alignUp16(chunk0Size)
	chunk1Aligned := alignUp16(chunk1Size)
	chunk0Off := dataOffset
	chunk1Off := chunk0Off + chunk0Aligned
	dataSize := chunk1Off + chunk1Aligned - dataOffset
	indexOff := dataOffset + dataSize
	const indexEntrySize = 32
	indexSize := int64(2 * indexEntrySize)
	extOff := indexOff + indexSize
	const extDescSize = 64
	extDataOff := extOff + extDescSize
	extData := []byte("CALIB")
	total := extDataOff + int64(len(extData))

	buf := make([]byte, total)

	copy(buf[0:4], []byte("IFHD"))
	order.PutUint32(buf[4:8], Version110)
	order.PutUint64(buf[8:16], uint64(extOff))
	order.PutUint32(buf[16:20], 1) // ExtensionCount
	order.PutUint64(buf[24:32], uint64(dataOffset))
	order.PutUint64(buf[32:40], uint64(dataSize))
	order.PutUint64(buf[40:48], 2) // IndexCount
	order.PutUint64(buf[48:56], uint64(indexOff))
	order.PutUint64(buf[56:64], 1000) // Duration (raw units)
	order.PutUint64(buf[64:72], uint64(time.Now().Unix())) // date_time, 16 bytes wide; 72:80 left zero
	order.PutUint64(buf[80:88], 2) // ChunkCount
	order.PutUint64(buf[88:96], uint64(chunk1Size)) // MaxChunkSize

	putChunk := func(off int64, ts uint64, size uint32, flags ChunkFlags, payload string) {
		order.PutUint64(buf[off:off+8], ts)
		order.PutUint64(buf[off+8:off+16], 0) // ref_index, read back as RefMasterTableIndex
		order.PutUint32(buf[off+16:off+20], size)
		order.PutUint32(buf[off+20:off+24], uint32(flags))
		copy(buf[off+32:], payload)
	}
	putChunk(chunk0Off, 1000, uint32(chunk0Size), FlagData, "abc")
	putChunk(chunk1Off, 2000, uint32(chunk1Size), FlagKeyData, "wxyz")

	putIndexEntry := func(off int64, ts uint64, size uint32, flags ChunkFlags, chunkOffset, chunkIndex uint64) {
		order.PutUint64(buf[off:off+8], ts)
		order.PutUint32(buf[off+8:off+12], size)
		order.PutUint32(buf[off+12:off+16], uint32(flags))
		order.PutUint64(buf[off+16:off+24], chunkOffset)
		order.PutUint64(buf[off+24:off+32], chunkIndex)
	}
	putIndexEntry(indexOff, 1000, uint32(chunk0Size), FlagData, uint64(chunk0Off), 0)
	putIndexEntry(indexOff+indexEntrySize, 2000, uint32(chunk1Size), FlagKeyData, uint64(chunk1Off), 1)

	copy(buf[extOff:], []byte("storage_info"))
	order.PutUint32(buf[extOff+32:extOff+36], 11) // TypeID
	order.PutUint32(buf[extOff+36:extOff+40], 22) // VersionID
	order.PutUint64(buf[extOff+40:extOff+48], uint64(extDataOff))
	order.PutUint64(buf[extOff+48:extOff+56], uint64(len(extData)))
	copy(buf[extDataOff:], extData)

	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("writing legacy fixture: %v", err)
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.ifhd")
	buildLegacyFile(t, path)

	r, err := Open(path, ReaderOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if got, want := r.VersionID(), Version110; got != want {
		t.Errorf("VersionID() = 0x%04x, want 0x%04x", got, want)
	}
	if got, want := r.ChunkCount(), int64(2); got != want {
		t.Errorf("ChunkCount() = %d, want %d", got, want)
	}
	if got, want := r.Duration(), uint64(1_000_000); got != want {
		t.Errorf("Duration() = %d, want %d", got, want)
	}

	wantAll := []chunkSeen{
		{0, 1_000_000, FlagData, "abc"},
		{0, 2_000_000, FlagKeyData, "wxyz"},
	}
	if diff := cmp.Diff(wantAll, drainStream(t, r, 0)); diff != "" {
		t.Errorf("legacy traversal mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.ReadNextChunk(ReadDefault, 0); !errors.Is(err, ErrEndOfFile) {
		t.Errorf("ReadNextChunk past end = %v, want ErrEndOfFile", err)
	}

	desc, data, ok := r.FindExtension("storage_info")
	if !ok {
		t.Fatal("FindExtension(storage_info): not found")
	}
	if string(data) != "CALIB" || desc.TypeID != 11 || desc.VersionID != 22 {
		t.Errorf("storage_info extension = %+v, %q, want TypeID=11 VersionID=22 data=CALIB", desc, data)
	}

	header, data, found, err := r.GetLastChunkWithFlagBefore(1, 0, FlagKeyData)
	if err != nil {
		t.Fatalf("GetLastChunkWithFlagBefore: %v", err)
	}
	if !found {
		t.Fatal("GetLastChunkWithFlagBefore: not found")
	}
	if header.Timestamp != 2_000_000 || string(data) != "wxyz" {
		t.Errorf("GetLastChunkWithFlagBefore = %+v, %q, want timestamp=2000000 data=wxyz", header, data)
	}
}

func TestLegacyBackwardsReadUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy-backwards.ifhd")
	buildLegacyFile(t, path)

	r, err := Open(path, ReaderOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadChunk(nil, ReadBackwards); !errors.Is(err, ErrEndOfFile) {
		t.Errorf("ReadChunk(ReadBackwards) on a legacy file = %v, want ErrEndOfFile", err)
	}
}
