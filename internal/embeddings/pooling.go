package embeddings

import (
	"fmt"
	"math"
)

const (
	// minTokenCount floors the mask sum so an all-padding row cannot divide by zero.
	minTokenCount = 1e-9
	// minNorm floors the L2 norm of a pooled vector.
	minNorm = 1e-12
)

// MeanPool averages hidden states over the positions where mask is 1.
// mask is flattened batch x seqLen and must match the hidden state shape.
func MeanPool(hidden *HiddenStates, mask []int64) ([][]float32, error) {
	if hidden == nil {
		return nil, fmt.Errorf("nil hidden states")
	}
	if hidden.BatchSize < 0 || hidden.SeqLen < 0 || hidden.Hidden <= 0 {
		return nil, fmt.Errorf("invalid hidden state shape [%d %d %d]", hidden.BatchSize, hidden.SeqLen, hidden.Hidden)
	}
	if len(hidden.Data) != hidden.BatchSize*hidden.SeqLen*hidden.Hidden {
		return nil, fmt.Errorf("hidden state length %d does not match shape [%d %d %d]",
			len(hidden.Data), hidden.BatchSize, hidden.SeqLen, hidden.Hidden)
	}
	if len(mask) != hidden.BatchSize*hidden.SeqLen {
		return nil, fmt.Errorf("attention mask length %d does not match shape [%d %d]",
			len(mask), hidden.BatchSize, hidden.SeqLen)
	}

	dims := hidden.Hidden
	pooled := make([][]float32, hidden.BatchSize)
	sum := make([]float64, dims)
	for b := 0; b < hidden.BatchSize; b++ {
		for d := range sum {
			sum[d] = 0
		}
		var count float64
		for s := 0; s < hidden.SeqLen; s++ {
			m := float64(mask[b*hidden.SeqLen+s])
			if m == 0 {
				continue
			}
			count += m
			offset := (b*hidden.SeqLen + s) * dims
			for d := 0; d < dims; d++ {
				sum[d] += float64(hidden.Data[offset+d]) * m
			}
		}
		count = math.Max(count, minTokenCount)

		vec := make([]float32, dims)
		for d := 0; d < dims; d++ {
			vec[d] = float32(sum[d] / count)
		}
		pooled[b] = vec
	}
	return pooled, nil
}

// Normalize scales v in place to unit Euclidean length and returns it.
// A zero vector stays zero.
func Normalize(v []float32) []float32 {
	norm := math.Max(L2Norm(v), minNorm)
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return v
}

// L2Norm returns the Euclidean length of v.
func L2Norm(v []float32) float64 {
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	return math.Sqrt(sq)
}
