package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/audi/ifhd"
)

const createHelp = `ifhd create <file> -fileversion {adtf2|adtf3|adtf3ns} -input SOURCE... [-input-start-ns T]... [-input-end-ns T]... [-input-offset-ns T]... [-stream NAME [-stream-rename NEW]]... [-extension NAME]...

Build a new IFHD file by copying selected streams and extensions out of
one or more existing IFHD source files, optionally trimming each
source's time range and shifting its timestamps.

-input-start-ns/-input-end-ns/-input-offset-ns pair positionally with
-input (0/max/0 when omitted). -stream selects which streams to copy,
from whichever input has them; -stream-rename pairs positionally with
-stream to rename the copy. With no -stream flags, every stream in
every input is copied under its original name. -extension selects
which extensions to copy, taken from the first input that has them.

Example:
  % ifhd create merged.dat -fileversion adtf3ns -input a.dat -input b.dat
`

var fileVersions = map[string]uint32{
	"adtf2":   ifhd.Version201,
	"adtf3":   ifhd.Version301,
	"adtf3ns": ifhd.Version500Nanoseconds,
}

func create(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	var (
		inputs       multiFlag
		startNS      multiFlag
		endNS        multiFlag
		offsetNS     multiFlag
		streams      multiFlag
		streamRename multiFlag
		extensions   multiFlag
		fileVersion  = fset.String("fileversion", "adtf3ns", "output format version: adtf2, adtf3, or adtf3ns")
	)
	fset.Var(&inputs, "input", "source IFHD file to copy from (repeatable)")
	fset.Var(&startNS, "input-start-ns", "inclusive start timestamp for the preceding -input, in nanoseconds (repeatable)")
	fset.Var(&endNS, "input-end-ns", "exclusive end timestamp for the preceding -input, in nanoseconds (repeatable)")
	fset.Var(&offsetNS, "input-offset-ns", "nanoseconds added to every copied timestamp from the preceding -input (repeatable)")
	fset.Var(&streams, "stream", "stream name to copy; omit to copy every stream (repeatable)")
	fset.Var(&streamRename, "stream-rename", "new name for the preceding -stream (repeatable)")
	fset.Var(&extensions, "extension", "extension identifier to copy (repeatable)")
	fset.Usage = usage(fset, createHelp)
	fset.Parse(args)
	if fset.NArg() < 1 {
		fset.Usage()
		os.Exit(2)
	}
	outPath := fset.Arg(0)
	// Flags may also follow the file argument, as in the usage line.
	fset.Parse(fset.Args()[1:])

	version, ok := fileVersions[*fileVersion]
	if !ok {
		return xerrors.Errorf("create: invalid -fileversion %q", *fileVersion)
	}
	if fset.NArg() != 0 {
		fset.Usage()
		os.Exit(2)
	}
	if len(inputs) == 0 {
		return xerrors.New("create: at least one -input is required")
	}

	wantStream := func(name string) (string, bool) {
		if len(streams) == 0 {
			return name, true
		}
		for i, s := range streams {
			if s == name {
				if to := streamRename.at(i, ""); to != "" {
					return to, true
				}
				return name, true
			}
		}
		return "", false
	}

	w, err := ifhd.Create(outPath, ifhd.WriterOptions{FileVersion: version, AtomicRename: true})
	if err != nil {
		return xerrors.Errorf("create: %w", err)
	}

	copiedExtensions := make(map[string]bool)
	for _, ext := range extensions {
		copiedExtensions[ext] = false
	}

	for i, in := range inputs {
		if err := copyInput(w, in, startNS.at(i, "0"), endNS.at(i, ""), offsetNS.at(i, "0"), wantStream, copiedExtensions); err != nil {
			if closeErr := w.Close(); closeErr != nil {
				return xerrors.Errorf("create: copying %s: %w (additionally, close failed: %v)", in, err, closeErr)
			}
			return xerrors.Errorf("create: copying %s: %w", in, err)
		}
	}

	if err := w.Close(); err != nil {
		return xerrors.Errorf("create: %w", err)
	}
	return nil
}

func copyInput(w *ifhd.Writer, path, startStr, endStr, offsetStr string, wantStream func(string) (string, bool), copiedExtensions map[string]bool) error {
	start, err := parseNS(startStr, 0)
	if err != nil {
		return err
	}
	end, err := parseNS(endStr, ^uint64(0))
	if err != nil {
		return err
	}
	offset, err := parseNS(offsetStr, 0)
	if err != nil {
		return err
	}

	r, err := ifhd.Open(path, ifhd.ReaderOptions{})
	if err != nil {
		return xerrors.Errorf("opening: %w", err)
	}
	defer r.Close()

	destByID := make(map[uint16]uint16)
	for id := uint16(1); id <= ifhd.MaxStreams; id++ {
		if !r.StreamExists(id) {
			continue
		}
		name, err := r.StreamName(id)
		if err != nil {
			return xerrors.Errorf("reading stream %d name: %w", id, err)
		}
		destName, ok := wantStream(name)
		if !ok {
			continue
		}
		if err := w.SetStreamName(id, destName); err != nil {
			return xerrors.Errorf("registering stream %s: %w", destName, err)
		}
		if info, ok := r.AdditionalStreamInfo(id); ok {
			if err := w.SetAdditionalStreamInfo(id, info); err != nil {
				return xerrors.Errorf("copying stream info for %s: %w", destName, err)
			}
		}
		destByID[id] = id
	}

	for i := 0; i < r.ExtensionCount(); i++ {
		desc, data, err := r.GetExtension(i)
		if err != nil {
			return xerrors.Errorf("reading extension %d: %w", i, err)
		}
		done, requested := copiedExtensions[desc.Identifier]
		if !requested || done {
			continue
		}
		if err := w.AppendExtension(desc.Identifier, data, desc.UserID, desc.TypeID, desc.VersionID, desc.StreamID); err != nil {
			return xerrors.Errorf("copying extension %s: %w", desc.Identifier, err)
		}
		copiedExtensions[desc.Identifier] = true
	}

	if err := r.Reset(); err != nil {
		return xerrors.Errorf("resetting: %w", err)
	}
	for {
		header, data, err := r.ReadNextChunk(ifhd.ReadDefault, 0)
		if err != nil {
			if errors.Is(err, ifhd.ErrEndOfFile) {
				break
			}
			return xerrors.Errorf("reading chunk: %w", err)
		}
		if _, ok := destByID[header.StreamID]; !ok {
			continue
		}
		if header.Timestamp < start || header.Timestamp >= end {
			continue
		}
		if _, err := w.WriteChunk(header.StreamID, data, header.Timestamp+offset, header.Flags); err != nil {
			return xerrors.Errorf("writing chunk: %w", err)
		}
	}
	return nil
}

func parseNS(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("invalid timestamp %q: %w", s, err)
	}
	return n, nil
}
