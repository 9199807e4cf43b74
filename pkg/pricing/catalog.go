// Package pricing provides per-model token cost accounting.
package pricing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/crowdlens/taxo/pkg/models"
)

// ErrUnknownModel indicates the model has no entry in the catalog. Cost for
// an unknown model is an error, never silently zero.
var ErrUnknownModel = errors.New("unknown model")

// ModelRate holds USD rates per 1K tokens for one model.
type ModelRate struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// ModelCatalog maps model names to token rates with thread-safe access.
type ModelCatalog struct {
	mu    sync.RWMutex
	rates map[string]ModelRate
}

// NewModelCatalog creates a catalog from the given rates (defensive copy).
func NewModelCatalog(rates map[string]ModelRate) *ModelCatalog {
	copied := make(map[string]ModelRate, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &ModelCatalog{rates: copied}
}

// DefaultModelCatalog returns the built-in catalog.
func DefaultModelCatalog() *ModelCatalog {
	return NewModelCatalog(map[string]ModelRate{
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	})
}

// Rate returns the rates for a model.
func (c *ModelCatalog) Rate(model string) (ModelRate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.rates[model]
	if !ok {
		return ModelRate{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return rate, nil
}

// Has checks whether a model exists in the catalog.
func (c *ModelCatalog) Has(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rates[model]
	return ok
}

// Cost computes the USD cost of the given usage under a model's rates.
func (c *ModelCatalog) Cost(model string, usage models.Usage) (float64, error) {
	rate, err := c.Rate(model)
	if err != nil {
		return 0, err
	}
	input := float64(usage.InputTokens) / 1000 * rate.InputPer1K
	output := float64(usage.OutputTokens) / 1000 * rate.OutputPer1K
	return input + output, nil
}
