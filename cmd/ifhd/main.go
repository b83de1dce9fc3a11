package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"list-streams": {listStreams},
		"export":       {export},
		"create":       {create},
		"modify":       {modify},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "ifhd <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tlist-streams  - print the streams and extensions stored in a file\n")
		fmt.Fprintf(os.Stderr, "\texport        - export a stream or extension's payload\n")
		fmt.Fprintf(os.Stderr, "\tcreate        - build a new file from one or more sources\n")
		fmt.Fprintf(os.Stderr, "\tmodify        - replace or add extensions in place\n")
		os.Exit(2)
	}
	verb, args := args[0], args[1:]

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: ifhd <command> [options]\n")
		os.Exit(2)
	}
	return v.fn(context.Background(), args)
}

// printDiagnostic writes err to stderr, expanding the full xerrors frame
// chain when stderr is a terminal and falling back to the flat message
// otherwise (piped output, e.g. into a log file, stays one line).
func printDiagnostic(err error) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "%v\n", err)
}

func main() {
	if err := funcmain(); err != nil {
		printDiagnostic(err)
		os.Exit(1)
	}
}
