package llm

import (
	"net/http"
	"sync"
)

// Provider defines the wire-format adapter for one LLM API family.
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic", "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL from a base URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body. A nil temperature uses
	// the endpoint default. stream requests incremental delivery.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int, stream bool) ([]byte, error)

	// ParseResponse extracts the completion from a provider response body.
	ParseResponse(body []byte, model string) (*Response, error)

	// ParseStreamLine extracts the text delta from one line of a streaming
	// response. done reports end-of-stream; empty text with done=false means
	// the line carried no content (keep-alives, metadata events).
	ParseStreamLine(line []byte) (text string, done bool, err error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry. Providers register
// themselves from init in the providers package.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()
	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
