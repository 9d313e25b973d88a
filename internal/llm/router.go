package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Router routes requests to the transport registered for the
// request's model, falling back to a default transport for unknown
// models.
type Router struct {
	transports map[string]Transport // provider name → transport
	models     map[string]string    // model name → provider name
	fallback   Transport
}

// NewRouter creates a router with the given fallback (which may be nil).
func NewRouter(fallback Transport) *Router {
	return &Router{
		transports: make(map[string]Transport),
		models:     make(map[string]string),
		fallback:   fallback,
	}
}

// AddProvider registers a transport for a provider name.
func (r *Router) AddProvider(name string, t Transport) {
	r.transports[name] = t
}

// AddModel maps a model name to a provider.
func (r *Router) AddModel(model, provider string) {
	r.models[model] = provider
}

func (r *Router) transportFor(model string) Transport {
	if provider, ok := r.models[model]; ok {
		if t, ok := r.transports[provider]; ok {
			return t
		}
	}
	return r.fallback
}

// Stream sends the request to the transport for req.Model.
func (r *Router) Stream(ctx context.Context, req *Request) (Stream, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	t := r.transportFor(req.Model)
	if t == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return t.Stream(ctx, req)
}

// OllamaBaseURL is the OpenAI-compatible endpoint of a local Ollama.
const OllamaBaseURL = "http://localhost:11434/v1"

// NewTransport builds the transport for a provider name: "anthropic",
// "openrouter", "openai" or "ollama". baseURL may be empty.
func NewTransport(provider, apiKey, baseURL string, logger *slog.Logger) (Transport, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		return NewAnthropicTransport(apiKey, baseURL, logger), nil
	case "openrouter":
		if baseURL == "" {
			baseURL = OpenRouterBaseURL
		}
		return NewOpenAITransport(apiKey, baseURL, logger), nil
	case "openai":
		return NewOpenAITransport(apiKey, baseURL, logger), nil
	case "ollama":
		if baseURL == "" {
			baseURL = OllamaBaseURL
		}
		return NewOpenAITransport(apiKey, baseURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
