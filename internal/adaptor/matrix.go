// Package adaptor implements a learned linear transform applied to query
// embeddings before similarity search, with versioned lock-free publication
// and a gradient-descent trainer driven by user feedback.
package adaptor

import (
	"fmt"
	"math"
)

// Matrix is a square real-valued transform of dimension equal to the
// embedding width. A Matrix is immutable once built; training produces a
// new Matrix rather than mutating an existing one.
type Matrix struct {
	dim int
	w   []float32 // row-major, len dim*dim
}

// NewIdentity returns the identity matrix of the given dimension.
// With the identity transform, adapted and raw embeddings coincide.
func NewIdentity(dim int) *Matrix {
	m := &Matrix{dim: dim, w: make([]float32, dim*dim)}
	for i := 0; i < dim; i++ {
		m.w[i*dim+i] = 1
	}
	return m
}

// NewMatrix builds a matrix from row-major weights. The weight slice is copied.
func NewMatrix(dim int, weights []float32) (*Matrix, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid matrix dimension %d", dim)
	}
	if len(weights) != dim*dim {
		return nil, fmt.Errorf("expected %d weights for dimension %d, got %d", dim*dim, dim, len(weights))
	}
	w := make([]float32, len(weights))
	copy(w, weights)
	return &Matrix{dim: dim, w: w}, nil
}

// Dim returns the matrix dimension.
func (m *Matrix) Dim() int {
	return m.dim
}

// Weights returns a copy of the row-major weights.
func (m *Matrix) Weights() []float32 {
	w := make([]float32, len(m.w))
	copy(w, m.w)
	return w
}

// Apply computes the matrix-vector product m*v. It is a pure function:
// the same matrix and input always produce the same output.
func (m *Matrix) Apply(v []float32) ([]float32, error) {
	if len(v) != m.dim {
		return nil, fmt.Errorf("vector dimension %d does not match matrix dimension %d", len(v), m.dim)
	}

	out := make([]float32, m.dim)
	for i := 0; i < m.dim; i++ {
		row := m.w[i*m.dim : (i+1)*m.dim]
		var sum float32
		for j, x := range v {
			sum += row[j] * x
		}
		out[i] = sum
	}
	return out, nil
}

// IsFinite reports whether every weight is a finite number.
func (m *Matrix) IsFinite() bool {
	for _, w := range m.w {
		f := float64(w)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// CosineSimilarity returns the cosine of the angle between a and b,
// or 0 if either vector has zero norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
