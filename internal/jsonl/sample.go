// Package jsonl creates sampled subsets of JSONL datasets, either a fixed
// number of lines via single-pass reservoir sampling or an independent
// per-line fraction. Both samplers stream the input and are deterministic
// for a given seed.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AndreHathora/SpecForge/internal/logger"
)

// Result summarizes one sampling run.
type Result struct {
	Total   int // physical lines seen
	Valid   int // lines passing validation (equals Total when disabled)
	Written int // lines written to the output
}

// Options control sampling behavior.
type Options struct {
	Seed     int64
	Validate bool // skip lines that are not valid JSON
}

type line struct {
	pos int // 1-based physical line number
	raw string
}

// forEachLine streams raw lines including their terminators, so sampled
// output preserves input bytes exactly.
func forEachLine(r io.Reader, fn func(pos int, raw string) error) (total int, err error) {
	br := bufio.NewReader(r)
	pos := 0
	for {
		raw, readErr := br.ReadString('\n')
		if len(raw) > 0 {
			pos++
			if err := fn(pos, raw); err != nil {
				return pos, err
			}
		}
		if readErr == io.EOF {
			return pos, nil
		}
		if readErr != nil {
			return pos, readErr
		}
	}
}

func validLine(raw string) bool {
	return json.Valid([]byte(strings.TrimSpace(raw)))
}

func createOutput(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("jsonl: create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("jsonl: create output: %w", err)
	}
	return f, nil
}

// SampleFixedSize reservoir-samples up to size lines from inputPath into
// outputPath, preserving input order. Fewer valid lines than size writes
// them all.
func SampleFixedSize(inputPath, outputPath string, size int, opts Options) (Result, error) {
	if size <= 0 {
		return Result{}, fmt.Errorf("jsonl: sample size %d, must be positive", size)
	}
	in, err := os.Open(inputPath)
	if err != nil {
		return Result{}, fmt.Errorf("jsonl: open input: %w", err)
	}
	defer in.Close()

	rng := rand.New(rand.NewSource(opts.Seed))
	reservoir := make([]line, 0, size)
	valid := 0

	total, err := forEachLine(in, func(pos int, raw string) error {
		if opts.Validate && !validLine(raw) {
			return nil
		}
		valid++
		if len(reservoir) < size {
			reservoir = append(reservoir, line{pos: pos, raw: raw})
			return nil
		}
		// Classic reservoir step: the k-th valid line replaces a slot with
		// probability size/k.
		j := rng.Intn(valid) + 1
		if j <= size {
			reservoir[j-1] = line{pos: pos, raw: raw}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	sort.Slice(reservoir, func(i, j int) bool { return reservoir[i].pos < reservoir[j].pos })

	out, err := createOutput(outputPath)
	if err != nil {
		return Result{}, err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	for _, l := range reservoir {
		if _, err := w.WriteString(l.raw); err != nil {
			return Result{}, fmt.Errorf("jsonl: write output: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return Result{}, fmt.Errorf("jsonl: flush output: %w", err)
	}

	res := Result{Total: total, Valid: valid, Written: len(reservoir)}
	logger.Log.Info("fixed-size sample complete",
		"input", inputPath, "output", outputPath,
		"total", res.Total, "valid", res.Valid, "written", res.Written)
	return res, nil
}

// SampleFraction keeps each valid line independently with the given
// probability, streaming directly to the output.
func SampleFraction(inputPath, outputPath string, fraction float64, opts Options) (Result, error) {
	if fraction <= 0 || fraction > 1 {
		return Result{}, fmt.Errorf("jsonl: fraction %f, must be in (0, 1]", fraction)
	}
	in, err := os.Open(inputPath)
	if err != nil {
		return Result{}, fmt.Errorf("jsonl: open input: %w", err)
	}
	defer in.Close()

	out, err := createOutput(outputPath)
	if err != nil {
		return Result{}, err
	}
	defer out.Close()

	rng := rand.New(rand.NewSource(opts.Seed))
	w := bufio.NewWriter(out)
	valid, written := 0, 0

	total, err := forEachLine(in, func(pos int, raw string) error {
		if opts.Validate && !validLine(raw) {
			return nil
		}
		valid++
		if rng.Float64() < fraction {
			written++
			if _, err := w.WriteString(raw); err != nil {
				return fmt.Errorf("jsonl: write output: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if err := w.Flush(); err != nil {
		return Result{}, fmt.Errorf("jsonl: flush output: %w", err)
	}

	res := Result{Total: total, Valid: valid, Written: written}
	logger.Log.Info("fraction sample complete",
		"input", inputPath, "output", outputPath, "fraction", fraction,
		"total", res.Total, "valid", res.Valid, "written", res.Written)
	return res, nil
}
