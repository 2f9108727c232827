// Package similarity provides L2 normalization and an exact inner-product
// nearest-neighbour index. With normalized vectors, inner product equals
// cosine similarity; place image sets are small enough that brute force
// beats any approximate structure.
package similarity

import (
	"fmt"
	"math"
	"sort"
)

// Normalize scales each vector to unit L2 length in place. Zero vectors are
// left untouched.
func Normalize(vecs [][]float32) {
	for _, vec := range vecs {
		var sum float64
		for _, v := range vec {
			sum += float64(v) * float64(v)
		}
		if sum == 0 {
			continue
		}
		norm := float32(math.Sqrt(sum))
		for i := range vec {
			vec[i] /= norm
		}
	}
}

// Hit is one search result: the stored vector's position and its inner
// product with the query.
type Hit struct {
	Index int
	Score float32
}

// FlatIndex is a brute-force inner-product index over fixed-dimension
// vectors.
type FlatIndex struct {
	dim  int
	vecs [][]float32
}

// NewFlatIndex creates an empty index for dim-length vectors.
func NewFlatIndex(dim int) *FlatIndex {
	return &FlatIndex{dim: dim}
}

// Add appends vectors to the index. Dimension mismatches are programmer
// errors.
func (ix *FlatIndex) Add(vecs ...[]float32) error {
	for _, vec := range vecs {
		if len(vec) != ix.dim {
			return fmt.Errorf("vector has dimension %d, index expects %d", len(vec), ix.dim)
		}
		ix.vecs = append(ix.vecs, vec)
	}
	return nil
}

// Size returns the number of stored vectors.
func (ix *FlatIndex) Size() int { return len(ix.vecs) }

// Search returns the top-k stored vectors by inner product with the query,
// highest first. Ties keep insertion order.
func (ix *FlatIndex) Search(query []float32, k int) []Hit {
	if len(ix.vecs) == 0 || len(query) != ix.dim || k <= 0 {
		return nil
	}

	hits := make([]Hit, 0, len(ix.vecs))
	for i, vec := range ix.vecs {
		var dot float64
		for j := range vec {
			dot += float64(vec[j]) * float64(query[j])
		}
		hits = append(hits, Hit{Index: i, Score: float32(dot)})
	}

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Score > hits[b].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Clamp01 bounds a similarity to [0,1]; floating error can push a cosine of
// identical vectors slightly past 1.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
