package similarity

import (
	"math"
	"testing"
)

func TestNormalizeProducesUnitVectors(t *testing.T) {
	t.Parallel()

	vecs := [][]float32{
		{3, 4},
		{0, 0},
		{1, 0},
	}
	Normalize(vecs)

	if got := math.Hypot(float64(vecs[0][0]), float64(vecs[0][1])); math.Abs(got-1) > 1e-6 {
		t.Fatalf("norm of first vector = %f, want 1", got)
	}
	if vecs[1][0] != 0 || vecs[1][1] != 0 {
		t.Fatalf("zero vector changed: %v", vecs[1])
	}
	if vecs[2][0] != 1 {
		t.Fatalf("unit vector changed: %v", vecs[2])
	}
}

func TestSearchRanksByInnerProduct(t *testing.T) {
	t.Parallel()

	ix := NewFlatIndex(2)
	if err := ix.Add([]float32{1, 0}, []float32{0, 1}, []float32{0.8, 0.6}); err != nil {
		t.Fatalf("add: %v", err)
	}

	hits := ix.Search([]float32{1, 0}, 2)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Index != 0 {
		t.Fatalf("best hit index = %d, want 0 (identical vector)", hits[0].Index)
	}
	if math.Abs(float64(hits[0].Score)-1) > 1e-6 {
		t.Fatalf("best hit score = %f, want 1", hits[0].Score)
	}
	if hits[1].Index != 2 {
		t.Fatalf("second hit index = %d, want 2", hits[1].Index)
	}
}

func TestAddRejectsWrongDimension(t *testing.T) {
	t.Parallel()

	ix := NewFlatIndex(3)
	if err := ix.Add([]float32{1, 2}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestSearchEdgeCases(t *testing.T) {
	t.Parallel()

	ix := NewFlatIndex(2)
	if hits := ix.Search([]float32{1, 0}, 2); hits != nil {
		t.Fatalf("empty index returned hits: %v", hits)
	}

	_ = ix.Add([]float32{1, 0})
	if hits := ix.Search([]float32{1, 0, 0}, 2); hits != nil {
		t.Fatalf("mismatched query returned hits: %v", hits)
	}
	if hits := ix.Search([]float32{1, 0}, 0); hits != nil {
		t.Fatalf("k=0 returned hits: %v", hits)
	}
}

func TestClamp01(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want float64 }{
		{-0.2, 0},
		{0, 0},
		{0.37, 0.37},
		{1, 1},
		{1.0000001, 1},
	}
	for _, c := range cases {
		if got := Clamp01(c.in); got != c.want {
			t.Fatalf("Clamp01(%f) = %f, want %f", c.in, got, c.want)
		}
	}
}
