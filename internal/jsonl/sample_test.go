package jsonl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeInput(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func numberedLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("{\"id\": %d}\n", i)
	}
	return lines
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.SplitAfter(string(data), "\n")
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func TestFixedSizeExactCount(t *testing.T) {
	input := writeInput(t, numberedLines(100))
	output := filepath.Join(t.TempDir(), "out.jsonl")

	res, err := SampleFixedSize(input, output, 10, Options{Seed: 42})
	if err != nil {
		t.Fatalf("SampleFixedSize: %v", err)
	}
	if res.Total != 100 || res.Valid != 100 || res.Written != 10 {
		t.Fatalf("result %+v, want 100/100/10", res)
	}
	if got := readLines(t, output); len(got) != 10 {
		t.Fatalf("output has %d lines, want 10", len(got))
	}
}

func TestFixedSizeFewerValidThanRequested(t *testing.T) {
	input := writeInput(t, numberedLines(4))
	output := filepath.Join(t.TempDir(), "out.jsonl")

	res, err := SampleFixedSize(input, output, 10, Options{Seed: 42})
	if err != nil {
		t.Fatalf("SampleFixedSize: %v", err)
	}
	if res.Written != 4 {
		t.Fatalf("wrote %d lines, want all 4", res.Written)
	}
}

func TestFixedSizePreservesOrderAndBytes(t *testing.T) {
	lines := numberedLines(50)
	input := writeInput(t, lines)
	output := filepath.Join(t.TempDir(), "out.jsonl")

	if _, err := SampleFixedSize(input, output, 12, Options{Seed: 7}); err != nil {
		t.Fatalf("SampleFixedSize: %v", err)
	}

	got := readLines(t, output)
	index := map[string]int{}
	for i, l := range lines {
		index[l] = i
	}
	last := -1
	for _, l := range got {
		pos, ok := index[l]
		if !ok {
			t.Fatalf("output line %q not an input line", l)
		}
		if pos <= last {
			t.Fatalf("output out of input order at line %q", l)
		}
		last = pos
	}
}

func TestFixedSizeDeterministic(t *testing.T) {
	input := writeInput(t, numberedLines(200))
	dir := t.TempDir()
	outA := filepath.Join(dir, "a.jsonl")
	outB := filepath.Join(dir, "b.jsonl")
	outC := filepath.Join(dir, "c.jsonl")

	if _, err := SampleFixedSize(input, outA, 20, Options{Seed: 9}); err != nil {
		t.Fatal(err)
	}
	if _, err := SampleFixedSize(input, outB, 20, Options{Seed: 9}); err != nil {
		t.Fatal(err)
	}
	if _, err := SampleFixedSize(input, outC, 20, Options{Seed: 10}); err != nil {
		t.Fatal(err)
	}

	a, _ := os.ReadFile(outA)
	b, _ := os.ReadFile(outB)
	c, _ := os.ReadFile(outC)
	if string(a) != string(b) {
		t.Fatal("same seed produced different samples")
	}
	if string(a) == string(c) {
		t.Fatal("different seeds produced identical samples")
	}
}

func TestValidationSkipsBrokenLines(t *testing.T) {
	lines := []string{
		"{\"ok\": 1}\n",
		"not json at all\n",
		"{\"ok\": 2}\n",
		"{broken\n",
		"{\"ok\": 3}\n",
	}
	input := writeInput(t, lines)
	output := filepath.Join(t.TempDir(), "out.jsonl")

	res, err := SampleFixedSize(input, output, 10, Options{Seed: 1, Validate: true})
	if err != nil {
		t.Fatalf("SampleFixedSize: %v", err)
	}
	if res.Total != 5 || res.Valid != 3 || res.Written != 3 {
		t.Fatalf("result %+v, want total=5 valid=3 written=3", res)
	}
	for _, l := range readLines(t, output) {
		if !strings.HasPrefix(l, "{\"ok\"") {
			t.Fatalf("invalid line leaked into output: %q", l)
		}
	}
}

func TestValidationOffCountsEverything(t *testing.T) {
	lines := []string{"{\"ok\": 1}\n", "garbage\n"}
	input := writeInput(t, lines)
	output := filepath.Join(t.TempDir(), "out.jsonl")

	res, err := SampleFixedSize(input, output, 10, Options{Seed: 1})
	if err != nil {
		t.Fatalf("SampleFixedSize: %v", err)
	}
	if res.Valid != res.Total {
		t.Fatalf("valid %d != total %d with validation off", res.Valid, res.Total)
	}
}

func TestFractionBounds(t *testing.T) {
	input := writeInput(t, numberedLines(10))
	output := filepath.Join(t.TempDir(), "out.jsonl")

	for _, f := range []float64{0, -0.5, 1.5} {
		if _, err := SampleFraction(input, output, f, Options{Seed: 1}); err == nil {
			t.Fatalf("expected error for fraction %f", f)
		}
	}
}

func TestFractionOneKeepsEverything(t *testing.T) {
	input := writeInput(t, numberedLines(30))
	output := filepath.Join(t.TempDir(), "out.jsonl")

	res, err := SampleFraction(input, output, 1.0, Options{Seed: 1})
	if err != nil {
		t.Fatalf("SampleFraction: %v", err)
	}
	if res.Written != 30 {
		t.Fatalf("fraction 1.0 wrote %d of 30 lines", res.Written)
	}
}

func TestFractionDeterministicAndApproximate(t *testing.T) {
	input := writeInput(t, numberedLines(2000))
	dir := t.TempDir()
	outA := filepath.Join(dir, "a.jsonl")
	outB := filepath.Join(dir, "b.jsonl")

	resA, err := SampleFraction(input, outA, 0.25, Options{Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	resB, err := SampleFraction(input, outB, 0.25, Options{Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	if resA.Written != resB.Written {
		t.Fatal("same seed produced different counts")
	}
	a, _ := os.ReadFile(outA)
	b, _ := os.ReadFile(outB)
	if string(a) != string(b) {
		t.Fatal("same seed produced different output bytes")
	}

	// Loose binomial bound around 500 expected lines.
	if resA.Written < 350 || resA.Written > 650 {
		t.Fatalf("fraction 0.25 of 2000 wrote %d lines, far from expectation", resA.Written)
	}
}

func TestOutputDirectoryCreated(t *testing.T) {
	input := writeInput(t, numberedLines(5))
	output := filepath.Join(t.TempDir(), "nested", "deep", "out.jsonl")

	if _, err := SampleFixedSize(input, output, 3, Options{Seed: 1}); err != nil {
		t.Fatalf("SampleFixedSize: %v", err)
	}
	if _, err := os.Stat(output); err != nil {
		t.Fatalf("output not created: %v", err)
	}
}

func TestMissingInput(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.jsonl")
	if _, err := SampleFixedSize("/nonexistent/input.jsonl", output, 3, Options{}); err == nil {
		t.Fatal("expected error for missing input")
	}
	if _, err := SampleFraction("/nonexistent/input.jsonl", output, 0.5, Options{}); err == nil {
		t.Fatal("expected error for missing input")
	}
}

func TestLastLineWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.jsonl")
	if err := os.WriteFile(path, []byte("{\"a\": 1}\n{\"b\": 2}"), 0o644); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(t.TempDir(), "out.jsonl")

	res, err := SampleFixedSize(path, output, 10, Options{Seed: 1, Validate: true})
	if err != nil {
		t.Fatalf("SampleFixedSize: %v", err)
	}
	if res.Total != 2 || res.Written != 2 {
		t.Fatalf("result %+v, want both lines counted and written", res)
	}
}
