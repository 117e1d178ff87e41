// Package testutil provides mock LLM clients for testing.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360studio/crossdb/llm"
)

// MockClient is a thread-safe scripted LLM client. Each call to Complete or
// CompleteJSON consumes the next entry of Script; when the script is
// exhausted the zero response is returned.
//
// Usage:
//
//	mock := &testutil.MockClient{Script: []testutil.Reply{
//	    {Content: `not json`},                       // first call: parse failure
//	    {Content: `{"selected_kinds":["postgres"]}`}, // retry succeeds
//	}}
type MockClient struct {
	mu     sync.Mutex
	index  int
	calls  int
	prompts []string

	// Script holds the replies returned in order.
	Script []Reply

	// Err, when set, is returned by every call and takes precedence.
	Err error
}

// Reply is one scripted response.
type Reply struct {
	Content string
	Err     error
}

// Complete implements the completion surface.
func (m *MockClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var prompt string
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	content, err := m.next(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Content: content, Model: "mock-model"}, nil
}

// CompleteJSON implements the structured-completion surface with the same
// extraction semantics as the real client.
func (m *MockClient) CompleteJSON(ctx context.Context, prompt string, _ *float64) (map[string]any, error) {
	content, err := m.next(ctx, prompt)
	if err != nil {
		return nil, err
	}
	extracted := llm.ExtractJSON(content)
	if extracted == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", llm.ErrParse)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(extracted), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrParse, err)
	}
	return obj, nil
}

func (m *MockClient) next(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.prompts = append(m.prompts, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	if m.index < len(m.Script) {
		reply := m.Script[m.index]
		m.index++
		return reply.Content, reply.Err
	}
	return "", nil
}

// Calls returns the number of calls made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns the prompts received, in order.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Reset clears call state so the mock can be reused across cases.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = 0
	m.calls = 0
	m.prompts = nil
}
