package search

import (
	"hash/fnv"
	"math"
)

// PseudoDim is the length of pseudo-embeddings.
const PseudoDim = 256

// PseudoEmbedding maps text to a deterministic unit vector by hashing each
// token into one of PseudoDim buckets. It stands in for a real embedding
// when none is available so semantic scoring always has an input.
func PseudoEmbedding(text string) []float32 {
	v := make([]float32, PseudoDim)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		// The high bit picks a sign so unrelated tokens partially cancel.
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		v[sum%PseudoDim] += sign
	}
	n := norm(v)
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] /= n
	}
	return v
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, aSq, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aSq += float64(a[i]) * float64(a[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if aSq == 0 || bSq == 0 {
		return 0
	}
	return dot / (math.Sqrt(aSq) * math.Sqrt(bSq))
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

func equalVectors(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
