package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cavaliercoder/go-cpio"
	"golang.org/x/xerrors"

	"github.com/audi/ifhd"
)

const exportHelp = `ifhd export <file> [-stream NAME]... [-output FILE]... [-extension NAME]... [-extension-output FILE]... [-format raw|cpio]

Export one or more streams' chunk payloads, and/or one or more
extension payloads, from file.

-stream and -output are paired positionally; a -stream with no
matching -output writes to "<file>.<stream>.raw" (or ".cpio" under
-format cpio) instead. -extension and -extension-output pair the same
way, defaulting to "<file>.<extension>.bin".

Example:
  % ifhd export recording.dat -stream video0 -output video0.raw
  % ifhd export recording.dat -stream video0 -format cpio -output video0.cpio
`

func export(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("export", flag.ExitOnError)
	var (
		streams    multiFlag
		outputs    multiFlag
		extensions multiFlag
		extOutputs multiFlag
		format     = fset.String("format", "raw", "export format for streams: raw (concatenated payloads) or cpio (one archive entry per chunk)")
	)
	fset.Var(&streams, "stream", "stream name to export (repeatable)")
	fset.Var(&outputs, "output", "destination for the preceding -stream, positionally paired (repeatable)")
	fset.Var(&extensions, "extension", "extension identifier to export (repeatable)")
	fset.Var(&extOutputs, "extension-output", "destination for the preceding -extension, positionally paired (repeatable)")
	fset.Usage = usage(fset, exportHelp)
	fset.Parse(args)
	if fset.NArg() < 1 {
		fset.Usage()
		os.Exit(2)
	}
	path := fset.Arg(0)
	// Flags may also follow the file argument, as in the usage line.
	fset.Parse(fset.Args()[1:])

	if *format != "raw" && *format != "cpio" {
		return xerrors.Errorf("export: invalid -format %q, want raw or cpio", *format)
	}
	if fset.NArg() != 0 {
		fset.Usage()
		os.Exit(2)
	}

	r, err := ifhd.Open(path, ifhd.ReaderOptions{})
	if err != nil {
		return xerrors.Errorf("export: opening %s: %w", path, err)
	}
	defer r.Close()

	streamByName := make(map[string]uint16)
	for id := uint16(1); id <= ifhd.MaxStreams; id++ {
		if !r.StreamExists(id) {
			continue
		}
		name, err := r.StreamName(id)
		if err != nil {
			return xerrors.Errorf("export: reading stream %d name: %w", id, err)
		}
		streamByName[name] = id
	}

	for i, name := range streams {
		id, ok := streamByName[name]
		if !ok {
			return xerrors.Errorf("export: stream %q not found", name)
		}
		ext := "raw"
		if *format == "cpio" {
			ext = "cpio"
		}
		out := outputs.at(i, fmt.Sprintf("%s.%s.%s", path, name, ext))
		if err := exportStream(r, id, out, *format); err != nil {
			return xerrors.Errorf("export: stream %q: %w", name, err)
		}
	}

	for i, name := range extensions {
		desc, data, ok := r.FindExtension(name)
		if !ok {
			return xerrors.Errorf("export: extension %q not found", name)
		}
		out := extOutputs.at(i, fmt.Sprintf("%s.%s.bin", path, name))
		if err := os.WriteFile(out, data, 0644); err != nil {
			return xerrors.Errorf("export: extension %q: writing %s: %w", desc.Identifier, out, err)
		}
	}
	return nil
}

func exportStream(r *ifhd.Reader, streamID uint16, out, format string) error {
	f, err := os.Create(out)
	if err != nil {
		return xerrors.Errorf("creating %s: %w", out, err)
	}
	defer f.Close()

	if err := r.Reset(); err != nil {
		return xerrors.Errorf("resetting: %w", err)
	}

	var cw *cpio.Writer
	if format == "cpio" {
		cw = cpio.NewWriter(f)
		defer cw.Close()
	}

	index := 0
	for {
		_, data, err := r.ReadNextChunk(ifhd.ReadDefault, streamID)
		if err != nil {
			if errors.Is(err, ifhd.ErrEndOfFile) {
				break
			}
			return xerrors.Errorf("reading chunk %d: %w", index, err)
		}
		if cw != nil {
			if err := cw.WriteHeader(&cpio.Header{
				Name: fmt.Sprintf("%08d", index),
				Mode: 0644,
				Size: int64(len(data)),
			}); err != nil {
				return xerrors.Errorf("writing cpio header for chunk %d: %w", index, err)
			}
			if _, err := io.Copy(cw, bytes.NewReader(data)); err != nil {
				return xerrors.Errorf("writing cpio payload for chunk %d: %w", index, err)
			}
		} else {
			if _, err := f.Write(data); err != nil {
				return xerrors.Errorf("writing chunk %d: %w", index, err)
			}
		}
		index++
	}
	return nil
}
