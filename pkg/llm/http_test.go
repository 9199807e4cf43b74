package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientComplete(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"content":"{\"taxonomy\":[]}"}}],
			"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}
		}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	resp, err := client.Complete(context.Background(), "secret-key", CompletionRequest{
		System:       "be terse",
		User:         "cluster this",
		Model:        "gpt-4o-mini",
		JSONResponse: true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"taxonomy":[]}`, resp.Text)
	assert.Equal(t, 120, resp.Usage.InputTokens)
	assert.Equal(t, 30, resp.Usage.OutputTokens)
	assert.Equal(t, 150, resp.Usage.TotalTokens)

	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	require.NotNil(t, gotBody.ResponseFormat)
	assert.Equal(t, "json_object", gotBody.ResponseFormat.Type)
}

func TestHTTPClientOmitsResponseFormatForFreeText(t *testing.T) {
	var gotBody chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"a summary"}}],"usage":{}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	resp, err := client.Complete(context.Background(), "key", CompletionRequest{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	assert.Equal(t, "a summary", resp.Text)
	assert.Nil(t, gotBody.ResponseFormat)
}

func TestHTTPClientProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	_, err := client.Complete(context.Background(), "key", CompletionRequest{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPClientNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[],"usage":{}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	_, err := client.Complete(context.Background(), "key", CompletionRequest{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestHTTPClientContextCancellation(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	client := NewHTTPClient(server.URL, time.Minute)
	_, err := client.Complete(ctx, "key", CompletionRequest{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStubClientQueueAndCalls(t *testing.T) {
	stub := NewStubClient(
		&CompletionResponse{Text: "first"},
		&CompletionResponse{Text: "second"},
	)

	resp, err := stub.Complete(context.Background(), "key", CompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Text)

	resp, err = stub.Complete(context.Background(), "key", CompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Text)

	// Queue exhausted.
	_, err = stub.Complete(context.Background(), "key", CompletionRequest{Model: "m"})
	assert.Error(t, err)

	assert.Equal(t, 3, stub.CallCount())
	assert.Len(t, stub.Calls(), 3)
}
