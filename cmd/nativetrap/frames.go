package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/chazu/nativetrap/framedesc"
)

// handleFramesCommand processes `nativetrap frames build|dump`.
func handleFramesCommand(args []string) error {
	if len(args) == 0 {
		return errors.New("frames requires a subcommand: build or dump")
	}
	switch args[0] {
	case "build":
		fs := flag.NewFlagSet("frames build", flag.ExitOnError)
		out := fs.String("o", "frames.cbor", "Output file")
		fs.Parse(args[1:])
		return buildFrames(*out)
	case "dump":
		if len(args) != 2 {
			return errors.New("frames dump requires a file")
		}
		dir, err := framedesc.Load(args[1])
		if err != nil {
			return err
		}
		return dumpFrames(dir)
	}
	return fmt.Errorf("unknown frames subcommand %q", args[0])
}

// buildFrames writes the frame table of the built-in program.
func buildFrames(path string) error {
	_, _, descs, err := emitProgram(programBase)
	if err != nil {
		return err
	}
	dir, err := framedesc.Build(descs)
	if err != nil {
		return err
	}
	if err := framedesc.Save(path, dir); err != nil {
		return err
	}
	log.Infof("wrote %d descriptors to %s", dir.Len(), path)
	fmt.Printf("%d descriptors written to %s\n", dir.Len(), path)
	return nil
}

func dumpFrames(dir *framedesc.Directory) error {
	t := newTable(os.Stdout)
	t.row("RETADDR", "FRAME", "FLAGS", "LIVE", "ALLOCS")
	for _, d := range dir.Descriptors() {
		frame := fmt.Sprint(d.FrameSize)
		if d.FrameSize == framedesc.ReturnToC {
			frame = "return-to-c"
		}
		t.row(fmt.Sprintf("%#x", d.RetAddr), frame, flagNames(d.Flags), d.Live, d.AllocWords())
	}
	return t.flush()
}

func flagNames(f framedesc.Flags) string {
	var names []string
	if f&framedesc.FlagAllocation != 0 {
		names = append(names, "alloc")
	}
	if f&framedesc.FlagHandler != 0 {
		names = append(names, "handler")
	}
	if f&framedesc.FlagDebugInfo != 0 {
		names = append(names, "debug")
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}
