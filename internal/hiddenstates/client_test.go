package hiddenstates

import (
	"context"
	"testing"
)

func TestAsTensor(t *testing.T) {
	rows := [][]float32{{1, 2, 3}, {4, 5, 6}}
	out, err := AsTensor(rows)
	if err != nil {
		t.Fatalf("AsTensor: %v", err)
	}
	if out.Dim(0) != 1 || out.Dim(1) != 2 || out.Dim(2) != 3 {
		t.Fatalf("shape %v, want [1 2 3]", out.Shape())
	}
	if out.At(0, 1, 2) != 6 {
		t.Fatalf("At(0,1,2) = %f, want 6", out.At(0, 1, 2))
	}
}

func TestAsTensorErrors(t *testing.T) {
	if _, err := AsTensor(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := AsTensor([][]float32{{1, 2}, {3}}); err == nil {
		t.Fatal("expected error for ragged rows")
	}
}

func TestClientRequiresConnect(t *testing.T) {
	c := NewClient("localhost", 0)
	if err := c.Publish(context.Background(), "x", [][]float32{{1}}); err == nil {
		t.Fatal("expected error before Connect")
	}
	if _, err := c.Fetch(context.Background(), []byte("t")); err == nil {
		t.Fatal("expected error before Connect")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on unconnected client: %v", err)
	}
}
