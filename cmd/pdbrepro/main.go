// pdbrepro rewrites a PE/PE+ image and its paired PDB in place so that two
// otherwise-identical builds of the same source produce byte-identical
// output files.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/jtang613/pdbrepro/pkg/repro"
)

func main() {
	pdbPath := flag.String("pdb", "", "Path to the PDB file paired with the image (optional)")
	dryRun := flag.Bool("dry-run", false, "Report what would be patched without writing anything")
	verbose := flag.Bool("v", false, "Print each patch as it is applied")
	showVersion := flag.Bool("version", false, "Print version information and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <image>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s app.exe\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -pdb app.pdb app.exe\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -pdb app.pdb -dry-run -v app.exe\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	opts := repro.Options{
		ImagePath: flag.Arg(0),
		PdbPath:   *pdbPath,
		DryRun:    *dryRun,
	}
	if *verbose {
		opts.Logger = log.New(os.Stdout, "", 0)
	}

	if err := repro.PatchImage(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printVersion reports the module version embedded by the Go toolchain at
// build time.
func printVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("pdbrepro (unknown version)")
		return
	}
	fmt.Printf("pdbrepro %s\n", info.Main.Version)
}
