// Command jsonl-sample creates a sampled subset of a JSONL dataset, either
// a fixed number of lines (reservoir sampling, order preserving) or an
// independent per-line fraction.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/AndreHathora/SpecForge/internal/jsonl"
	"github.com/AndreHathora/SpecForge/internal/logger"
)

func main() {
	input := flag.String("input", "", "Input JSONL file")
	output := flag.String("output", "", "Output JSONL file")
	size := flag.Int("size", 0, "Number of samples to extract (reservoir sampling, preserves order)")
	fraction := flag.Float64("fraction", 0, "Fraction in (0,1] of valid lines to keep (streaming)")
	seed := flag.Int64("seed", 42, "Random seed")
	validate := flag.Bool("validate", false, "Validate each line as JSON; invalid lines are skipped")
	logLevel := flag.String("log-level", "WARN", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	logger.Setup(*logLevel, "console")

	if *input == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "error: --input and --output are required")
		flag.Usage()
		os.Exit(2)
	}
	sizeSet := *size != 0
	fractionSet := *fraction != 0
	if sizeSet == fractionSet {
		fmt.Fprintln(os.Stderr, "error: exactly one of --size or --fraction is required")
		flag.Usage()
		os.Exit(2)
	}

	opts := jsonl.Options{Seed: *seed, Validate: *validate}
	if sizeSet {
		res, err := jsonl.SampleFixedSize(*input, *output, *size, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sampled up to %d lines -> wrote %d lines (valid=%d, total=%d) to %s\n",
			*size, res.Written, res.Valid, res.Total, *output)
	} else {
		res, err := jsonl.SampleFraction(*input, *output, *fraction, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sampled fraction=%.6f -> wrote %d lines (valid=%d, total=%d) to %s\n",
			*fraction, res.Written, res.Valid, res.Total, *output)
	}
}
