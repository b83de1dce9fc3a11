package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"

	"github.com/audi/ifhd"
)

const modifyHelp = `ifhd modify <file> -extension NAME [-input FILE]... [-userid U]... [-typeid T]... [-versionid V]... [-compress true|false]...

Replace or add extension payloads in file in place, leaving chunk data
untouched. -input, -userid, -typeid, -versionid and -compress pair
positionally with -extension; -input defaults to stdin, the numeric
ids default to 0, and -compress (zstd) defaults to off.

Example:
  % ifhd modify recording.dat -extension notes -input notes.txt
  % ifhd modify recording.dat -extension calib -input calib.bin -compress true
`

func modify(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("modify", flag.ExitOnError)
	var (
		names     multiFlag
		inputs    multiFlag
		userIDs   multiFlag
		typeIDs   multiFlag
		versionID multiFlag
		compress  multiFlag
	)
	fset.Var(&names, "extension", "extension identifier to add or replace (repeatable)")
	fset.Var(&inputs, "input", "source file for the preceding -extension; defaults to stdin (repeatable)")
	fset.Var(&userIDs, "userid", "user id for the preceding -extension (repeatable)")
	fset.Var(&typeIDs, "typeid", "type id for the preceding -extension (repeatable)")
	fset.Var(&versionID, "versionid", "version id for the preceding -extension (repeatable)")
	fset.Var(&compress, "compress", "zstd-compress the preceding -extension's payload: true or false (repeatable)")
	fset.Usage = usage(fset, modifyHelp)
	fset.Parse(args)
	if fset.NArg() < 1 {
		fset.Usage()
		os.Exit(2)
	}
	path := fset.Arg(0)
	// Flags may also follow the file argument, as in the usage line.
	fset.Parse(fset.Args()[1:])

	if fset.NArg() != 0 {
		fset.Usage()
		os.Exit(2)
	}
	if len(names) == 0 {
		return xerrors.New("modify: at least one -extension is required")
	}

	patches := make([]ifhd.ExtensionPatch, 0, len(names))
	for i, name := range names {
		var r io.Reader = os.Stdin
		if in := inputs.at(i, ""); in != "" {
			f, err := os.Open(in)
			if err != nil {
				return xerrors.Errorf("modify: opening %s: %w", in, err)
			}
			defer f.Close()
			r = f
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return xerrors.Errorf("modify: reading payload for %s: %w", name, err)
		}
		if compress.at(i, "false") == "true" {
			data, err = compressZstd(data)
			if err != nil {
				return xerrors.Errorf("modify: compressing %s: %w", name, err)
			}
		}
		userID, err := parseUintFlag(userIDs.at(i, "0"))
		if err != nil {
			return xerrors.Errorf("modify: -userid for %s: %w", name, err)
		}
		typeID, err := parseUintFlag(typeIDs.at(i, "0"))
		if err != nil {
			return xerrors.Errorf("modify: -typeid for %s: %w", name, err)
		}
		verID, err := parseUintFlag(versionID.at(i, "0"))
		if err != nil {
			return xerrors.Errorf("modify: -versionid for %s: %w", name, err)
		}

		patches = append(patches, ifhd.ExtensionPatch{
			Identifier: name,
			Data:       data,
			UserID:     userID,
			TypeID:     typeID,
			VersionID:  verID,
		})
	}

	if err := ifhd.ModifyExtensions(path, patches); err != nil {
		return xerrors.Errorf("modify: %w", err)
	}
	return nil
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func parseUintFlag(s string) (uint32, error) {
	n, err := parseNS(s, 0)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
