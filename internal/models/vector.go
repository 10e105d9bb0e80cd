package models

import "math"

// CosineSimilarity returns the cosine similarity of two embedding vectors
// clamped to [0, 1]. It returns 0 when either vector is missing, empty, of a
// different length, or has zero magnitude, so absent embeddings never
// contribute to scoring.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0.0
	}
	if sim > 1 {
		return 1.0
	}
	return sim
}
