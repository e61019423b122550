// Command wfvalidate validates a workflow definition file and prints the
// structured report as JSON.
//
// The process exit code identifies the first failing phase:
//
//	0 - valid
//	1 - schema violations
//	2 - unresolved agent or skill references
//	3 - graph structure errors
//	4 - anything else (unreadable file, malformed JSON)
//
// # Usage
//
//	wfvalidate [-base-dir DIR] workflow.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow/validator"
)

func main() {
	baseDir := flag.String("base-dir", "", "base directory for relative import URIs (default: the definition's directory)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-base-dir DIR] workflow.json\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(validator.ExitOther)
	}
	os.Exit(run(flag.Arg(0), *baseDir))
}

func run(path, baseDir string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
		return validator.ExitOther
	}
	if baseDir == "" {
		baseDir = filepath.Dir(path)
	}

	v, err := validator.New(validator.Options{BaseDir: baseDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build validator: %v\n", err)
		return validator.ExitOther
	}

	report := v.Validate(raw)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		return validator.ExitOther
	}
	return report.ExitCode
}
