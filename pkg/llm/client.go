// Package llm provides the completion client used by the step executors.
package llm

import (
	"context"

	"github.com/crowdlens/taxo/pkg/models"
)

// CompletionRequest is a single completion call.
type CompletionRequest struct {
	System string
	User   string
	Model  string

	// JSONResponse asks the provider for a strict JSON object response.
	JSONResponse bool
}

// CompletionResponse is the provider's answer plus token accounting.
type CompletionResponse struct {
	Text  string
	Usage models.Usage
}

// Client is the LLM provider contract. Implementations must be safe for
// concurrent use; stages fan out calls under per-stage concurrency bounds.
type Client interface {
	Complete(ctx context.Context, apiKey string, req CompletionRequest) (*CompletionResponse, error)
}
