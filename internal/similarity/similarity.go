// Package similarity implements the Similarity Service (C4): pairwise
// cosine similarity over a set of texts, backed by a per-request
// embedding cache so the same (text, modelId) pair is never embedded
// twice while serving one request.
package similarity

import (
	"context"
	"math"
	"sync"

	"github.com/council-proxy/core/internal/models"
)

// Embedder is injected by the caller; the core never hard-codes an
// embedding model or provider.
type Embedder interface {
	Embed(ctx context.Context, modelID, text string) ([]float64, error)
}

// Cache memoizes embeddings by (text, modelId) for the duration of one
// request. A Cache must not be shared across requests.
type Cache struct {
	mu     sync.Mutex
	values map[string][]float64
}

// NewCache returns an empty embedding cache scoped to one request.
func NewCache() *Cache {
	return &Cache{values: make(map[string][]float64)}
}

func cacheKey(modelID, text string) string {
	return modelID + "\x00" + text
}

// Service computes SimilarityResults, embedding through Embedder and
// memoizing via the request-scoped Cache.
type Service struct {
	embed Embedder
}

// New builds a Similarity Service bound to embed.
func New(embed Embedder) *Service {
	return &Service{embed: embed}
}

// Compute implements similarity(texts, embed) -> SimilarityResult,
// embedding each text once (via cache) and returning the symmetric
// cosine-similarity matrix plus its derived statistics.
func (s *Service) Compute(ctx context.Context, cache *Cache, modelID string, texts []string, agreementThreshold float64) (*models.SimilarityResult, error) {
	n := len(texts)
	embeddings := make([][]float64, n)
	for i, text := range texts {
		emb, err := s.embedCached(ctx, cache, modelID, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}

	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1.0
	}

	var sum float64
	count := 0
	minSim, maxSim := math.Inf(1), math.Inf(-1)
	var belowThreshold [][2]int

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := cosineSimilarity(embeddings[i], embeddings[j])
			matrix[i][j] = sim
			matrix[j][i] = sim

			sum += sim
			count++
			if sim < minSim {
				minSim = sim
			}
			if sim > maxSim {
				maxSim = sim
			}
			if sim < agreementThreshold {
				belowThreshold = append(belowThreshold, [2]int{i, j})
			}
		}
	}

	avg := 1.0
	if count > 0 {
		avg = sum / float64(count)
	} else {
		minSim, maxSim = 1.0, 1.0
	}

	return &models.SimilarityResult{
		Matrix:              matrix,
		AverageSimilarity:   avg,
		MinSimilarity:       minSim,
		MaxSimilarity:       maxSim,
		BelowThresholdPairs: belowThreshold,
	}, nil
}

func (s *Service) embedCached(ctx context.Context, cache *Cache, modelID, text string) ([]float64, error) {
	key := cacheKey(modelID, text)

	cache.mu.Lock()
	if emb, ok := cache.values[key]; ok {
		cache.mu.Unlock()
		return emb, nil
	}
	cache.mu.Unlock()

	emb, err := s.embed.Embed(ctx, modelID, text)
	if err != nil {
		return nil, err
	}

	cache.mu.Lock()
	cache.values[key] = emb
	cache.mu.Unlock()
	return emb, nil
}

// cosineSimilarity returns 0 if either vector has zero magnitude.
func cosineSimilarity(a, b []float64) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
