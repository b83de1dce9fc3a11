package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/audi/ifhd"
)

const listStreamsHelp = `ifhd list-streams <file>

Print every stream and extension stored in file, one per line.

Example:
  % ifhd list-streams recording.dat
`

func listStreams(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("list-streams", flag.ExitOnError)
	fset.Usage = usage(fset, listStreamsHelp)
	fset.Parse(args)

	if fset.NArg() != 1 {
		fset.Usage()
		os.Exit(2)
	}
	path := fset.Arg(0)

	r, err := ifhd.Open(path, ifhd.ReaderOptions{})
	if err != nil {
		return xerrors.Errorf("opening %s: %w", path, err)
	}
	defer r.Close()

	fmt.Printf("version: 0x%04x\n", r.VersionID())
	fmt.Printf("chunks: %d, duration: %dns\n", r.ChunkCount(), r.Duration())
	fmt.Println("streams:")
	for id := uint16(1); id <= ifhd.MaxStreams; id++ {
		if !r.StreamExists(id) {
			continue
		}
		name, err := r.StreamName(id)
		if err != nil {
			return xerrors.Errorf("reading stream %d name: %w", id, err)
		}
		count := r.StreamIndexCount(id)
		first, _ := r.FirstTime(id)
		last, _ := r.LastTime(id)
		fmt.Printf("  [%d] %s: %d chunks, %d..%dns\n", id, name, count, first, last)
	}

	fmt.Println("extensions:")
	for i := 0; i < r.ExtensionCount(); i++ {
		desc, data, err := r.GetExtension(i)
		if err != nil {
			return xerrors.Errorf("reading extension %d: %w", i, err)
		}
		fmt.Printf("  %s: %d bytes (stream %d, type %d, version %d)\n",
			desc.Identifier, len(data), desc.StreamID, desc.TypeID, desc.VersionID)
	}
	return nil
}
