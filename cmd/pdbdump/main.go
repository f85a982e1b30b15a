// pdbdump is a read-only CLI for inspecting a PDB's MSF container and DBI
// modules -- useful for diffing two PDBs to check whether a rebuild
// actually landed as reproducible.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/jtang613/pdbrepro/pkg/pdbdump"
)

func main() {
	showInfo := flag.Bool("info", false, "Show PDB header and MSF container information")
	showModules := flag.Bool("modules", false, "List all DBI modules")
	showStreams := flag.Bool("streams", false, "List every stream's byte length")
	showAll := flag.Bool("all", false, "Show all information")
	prettyPrint := flag.Bool("pretty", false, "Pretty-print JSON output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <pdb-file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -info file.pdb\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -modules -pretty file.pdb\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -all file.pdb\n", os.Args[0])
	}

	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	d, err := pdbdump.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening PDB: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	if !*showInfo && !*showModules && !*showStreams && !*showAll {
		*showInfo = true
	}

	result := make(map[string]interface{})

	if *showInfo || *showAll {
		info, err := d.Info()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading PDB info: %v\n", err)
			os.Exit(1)
		}
		result["info"] = info
	}

	if *showModules || *showAll {
		modules, err := d.Modules()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading DBI modules: %v\n", err)
			os.Exit(1)
		}
		result["modules"] = modules
	}

	if *showStreams || *showAll {
		sizes, err := d.StreamSizes()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stream sizes: %v\n", err)
			os.Exit(1)
		}
		result["streams"] = sizes
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetEscapeHTML(false)
	if *prettyPrint {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
