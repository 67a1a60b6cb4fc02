// Command mfsr is the CLI surface for the MFSR userspace filesystem:
// mkfs formats an image, mount drives the FUSE bridge loop, and debug
// prints a mounted or unmounted image's primary superblock.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

const help = `mfsr <command> [-flags] <args>

Commands:
	mkfs   - format a block device or file as an MFSR image
	mount  - mount an MFSR image at a directory
	debug  - print an image's primary superblock

To get help on any command, use mfsr <command> -help.
`

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

var verbs = map[string]cmd{
	"mkfs":  {cmdMkfs},
	"mount": {cmdMount},
	"debug": {cmdDebug},
}

func funcmain() error {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, help)
		os.Exit(2)
	}
	verb, args := args[0], args[1:]
	if verb == "help" {
		fmt.Fprint(os.Stderr, help)
		return nil
	}
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprint(os.Stderr, help)
		os.Exit(2)
	}

	ctx, canc := InterruptibleContext()
	defer canc()
	if err := v.fn(ctx, args); err != nil {
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for mfsr %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}
