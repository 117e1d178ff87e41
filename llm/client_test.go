package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a minimal wire format for exercising the client paths.
type fakeProvider struct{}

func (fakeProvider) Name() string                  { return "fake" }
func (fakeProvider) BuildURL(baseURL string) string { return baseURL + "/complete" }
func (fakeProvider) SetHeaders(_ *http.Request)     {}

func (fakeProvider) BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int, stream bool) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model, "messages": messages, "stream": stream})
}

func (fakeProvider) ParseResponse(body []byte, model string) (*Response, error) {
	var resp struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &Response{Content: resp.Content, Model: model}, nil
}

func (fakeProvider) ParseStreamLine(line []byte) (string, bool, error) {
	var chunk struct {
		Text string `json:"text"`
		Done bool   `json:"done"`
	}
	if len(line) == 0 {
		return "", false, nil
	}
	if err := json.Unmarshal(line, &chunk); err != nil {
		return "", false, NewFatalError(err)
	}
	return chunk.Text, chunk.Done, nil
}

func init() {
	RegisterProvider(fakeProvider{})
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1.0, MaxBackoff: time.Millisecond}
}

func newTestClient(url string) *Client {
	return NewClient(
		[]Endpoint{{Provider: "fake", URL: url, Model: "m1"}},
		WithRetryConfig(fastRetry()),
	)
}

func TestCompleteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content": "hello"}`)
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.NotEmpty(t, resp.RequestID)
}

func TestCompleteRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"content": "ok"}`)
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteFatalNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteFallbackChain(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content": "fallback"}`)
	}))
	defer good.Close()

	client := NewClient([]Endpoint{
		{Provider: "fake", URL: bad.URL, Model: "primary"},
		{Provider: "fake", URL: good.URL, Model: "secondary"},
	}, WithRetryConfig(RetryConfig{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}))

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Content)
}

func TestCompleteJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"clean object", `{"plan": "ok"}`, false},
		{"fenced object", "```json\n{\"plan\": \"ok\"}\n```", false},
		{"no json", "sorry, no", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				payload, _ := json.Marshal(map[string]string{"content": tt.content})
				w.Write(payload)
			}))
			defer server.Close()

			obj, err := newTestClient(server.URL).CompleteJSON(context.Background(), "prompt", nil)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", obj["plan"])
		})
	}
}

func TestStreamText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"text": "hel"}`)
		fmt.Fprintln(w, `{"text": "lo"}`)
		fmt.Fprintln(w, `{"done": true}`)
	}))
	defer server.Close()

	chunks, err := newTestClient(server.URL).StreamText(context.Background(), "prompt", nil)
	require.NoError(t, err)

	var text string
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		text += chunk.Text
	}
	assert.Equal(t, "hello", text)
}

func TestStreamTextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"text": "a"}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := newTestClient(server.URL).StreamText(ctx, "prompt", nil)
	require.NoError(t, err)

	<-chunks // first chunk
	cancel()

	// Channel must close promptly after cancellation.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}
