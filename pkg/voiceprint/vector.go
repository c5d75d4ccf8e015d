package voiceprint

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CosineSimilarity returns dot(a,b)/(‖a‖·‖b‖). It returns 0 when either
// vector has zero magnitude or the lengths differ, and clamps the result to
// [-1, 1] to absorb floating point error.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

// Centroid returns the component-wise mean of vectors. All vectors must share
// the same length; an empty input returns nil.
func Centroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		for d, x := range v {
			sum[d] += float64(x)
		}
	}

	n := float64(len(vectors))
	out := make([]float32, dim)
	for d := range sum {
		out[d] = float32(sum[d] / n)
	}
	return out, nil
}

// Variance returns the root mean square of (1 − cosine(v, centroid)) over
// vectors. An empty input returns 0.
func Variance(vectors [][]float32, centroid []float32) float64 {
	if len(vectors) == 0 {
		return 0
	}
	var sq float64
	for _, v := range vectors {
		d := 1 - CosineSimilarity(v, centroid)
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(vectors)))
}

// EncodeVector serialises v as little-endian IEEE-754 float32 values, four
// bytes per component with no header.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector is the inverse of [EncodeVector].
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("voiceprint: decode vector: length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
