package llm

import (
	"context"
	"fmt"
	"sync"
)

// StubClient is a scripted Client for tests and local development. Responses
// are matched by model or served from a FIFO queue; every call is recorded.
type StubClient struct {
	mu sync.Mutex

	// queue of canned responses served in order when no hook matches.
	queue []*CompletionResponse

	// Hook, when set, decides the response for each call. Returning an error
	// simulates a provider failure.
	Hook func(req CompletionRequest) (*CompletionResponse, error)

	calls []CompletionRequest
}

// NewStubClient creates a stub that serves the given responses in order.
func NewStubClient(responses ...*CompletionResponse) *StubClient {
	return &StubClient{queue: responses}
}

// Complete records the call and returns the next scripted response.
func (s *StubClient) Complete(_ context.Context, _ string, req CompletionRequest) (*CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if s.Hook != nil {
		return s.Hook(req)
	}
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("stub client: no scripted response for model %s", req.Model)
	}
	resp := s.queue[0]
	s.queue = s.queue[1:]
	return resp, nil
}

// Enqueue appends scripted responses.
func (s *StubClient) Enqueue(responses ...*CompletionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, responses...)
}

// Calls returns a snapshot of all recorded requests.
func (s *StubClient) Calls() []CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletionRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of completion calls made.
func (s *StubClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
