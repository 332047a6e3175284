package providers

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/dotsetgreg/dotcontext/pkg/config"
)

const (
	chargramEmbeddingModel = "dotcontext-chargram-384-v1"
	hashEmbeddingModel     = "dotcontext-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_\-]+`)

// HashEmbedder is an offline embedder built from hashed token and character
// trigram features. Output depends only on the input text.
type HashEmbedder struct {
	dims      int
	modelID   string
	chargrams bool
}

// NewChargramEmbedder hashes character trigrams and tokens into dims buckets.
func NewChargramEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims, modelID: chargramEmbeddingModel, chargrams: true}
}

// NewTokenHashEmbedder hashes whole tokens only with signed buckets.
func NewTokenHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims, modelID: hashEmbeddingModel}
}

func (e *HashEmbedder) ModelID() string { return e.modelID }

func (e *HashEmbedder) Dimensions() int { return e.dims }

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyTransportError(e.modelID, err)
	}
	if e.chargrams {
		return e.embedChargrams(text), nil
	}
	return e.embedTokens(text), nil
}

func (e *HashEmbedder) embedTokens(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		sum := hash64(token)
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[idx] += sign * weight
	}
	normalizeVector(vec)
	return vec
}

func (e *HashEmbedder) embedChargrams(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := []rune("#" + normalized + "#")
	for i := 0; i+3 <= len(window); i++ {
		idx := int(hash64(string(window[i:i+3])) % uint64(e.dims))
		vec[idx] += 1
	}
	for _, token := range tokenize(normalized) {
		idx := int(hash64("tok:"+token) % uint64(e.dims))
		vec[idx] += 1.25
	}
	normalizeVector(vec)
	return vec
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

func init() {
	RegisterFactory(ProviderChargram, Factory{
		Embedding: func(cfg *config.Config) (EmbeddingProvider, error) {
			return NewChargramEmbedder(cfg.Embedding.Dimensions), nil
		},
	})
	RegisterFactory(ProviderHash, Factory{
		Embedding: func(cfg *config.Config) (EmbeddingProvider, error) {
			return NewTokenHashEmbedder(cfg.Embedding.Dimensions), nil
		},
	})
}
