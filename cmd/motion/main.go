package main

import (
	"fmt"
	"log"
	"os"

	"github.com/heimdex/heimdex-motion/internal/config"
)

const usage = `usage: motion <command> [flags]

commands:
  serve                      run the local analysis API (default)
  analyze [flags] <video>    analyze one video and print the result as JSON
  validate-config <file>     check an analysis config file
  version                    print the version
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "analyze":
		err = analyze(args)
	case "validate-config":
		err = validateConfig(args)
	case "version":
		fmt.Printf("motion %s (%s, built %s)\n", config.Version, config.GitCommit, config.BuildTime)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

// loadAnalysisConfig reads path, or the built-in squat preset when path is
// empty.
func loadAnalysisConfig(path string) (*config.Analysis, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadAnalysis(path)
}

func validateConfig(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("validate-config takes exactly one file")
	}
	a, err := config.LoadAnalysis(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d metrics, counting %s)\n", args[0], len(a.Definitions()), a.RepCounter.Metric)
	return nil
}
