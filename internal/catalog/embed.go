package catalog

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// localEmbeddingDim is the dimensionality of the hashing embedder.
const localEmbeddingDim = 256

// LocalEmbedding returns a deterministic embedding function that hashes
// word unigrams and bigrams into a fixed-size normalized vector. It needs
// no network access and gives stable, reproducible rankings, which the
// search contract requires for a fixed catalog.
func LocalEmbedding() EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, localEmbeddingDim)
		words := tokenize(text)

		for i, word := range words {
			addToken(vec, word, 1.0)
			if i+1 < len(words) {
				addToken(vec, word+" "+words[i+1], 0.5)
			}
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for i := range vec {
				vec[i] *= scale
			}
		}
		return vec, nil
	}
}

func addToken(vec []float32, token string, weight float32) {
	h := fnv.New32a()
	h.Write([]byte(token))
	vec[h.Sum32()%localEmbeddingDim] += weight
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
