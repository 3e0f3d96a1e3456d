package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Model is the inference runtime behind the engine. Implementations must be
// safe for concurrent use and deterministic for a given version tag.
type Model interface {
	// Infer embeds the texts in order. A single failure fails the batch.
	Infer(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Version() string
}

// NGramModel is the in-process default: a hashed n-gram projection. Word
// unigrams and character trigrams are hashed into D signed buckets and the
// result is L2-normalized. Fully deterministic, no I/O, no model files.
type NGramModel struct {
	dims int
}

// NewNGramModel creates a projection model with the given dimension.
func NewNGramModel(dims int) *NGramModel {
	if dims < 8 {
		dims = 8
	}
	return &NGramModel{dims: dims}
}

func (m *NGramModel) Dimensions() int { return m.dims }

func (m *NGramModel) Version() string { return "ngram-project-v1" }

// Infer embeds each text independently. Empty or whitespace-only text maps
// to the zero vector, which callers treat as "missing".
func (m *NGramModel) Infer(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.project(t)
	}
	return out, nil
}

func (m *NGramModel) project(text string) []float32 {
	vec := make([]float32, m.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec // zero vector = missing
	}

	for _, tok := range tokens {
		addFeature(vec, "w:"+tok, 1.0)
		// Character trigrams capture morphology and typos.
		padded := "^" + tok + "$"
		for i := 0; i+3 <= len(padded); i++ {
			addFeature(vec, "t:"+padded[i:i+3], 0.5)
		}
	}
	// Token bigrams give a little word order.
	for i := 0; i+1 < len(tokens); i++ {
		addFeature(vec, "b:"+tokens[i]+" "+tokens[i+1], 0.75)
	}

	normalize(vec)
	return vec
}

// addFeature hashes the feature into a bucket with a sign bit, so collisions
// tend to cancel rather than pile up.
func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// IsZero reports whether the vector is the all-zero "missing" vector.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Similarity is the dot product of two pre-normalized vectors, in [-1, 1].
func Similarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot)
}
