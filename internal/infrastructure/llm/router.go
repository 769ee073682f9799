package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Router dispatches extraction to the adapter named by the job, inferring it from the model when absent.
type Router struct {
	defaultProvider string
	byProvider      map[string]ports.StructuredExtractor
}

func NewRouter(defaultProvider string, byProvider map[string]ports.StructuredExtractor) *Router {
	providers := make(map[string]ports.StructuredExtractor, len(byProvider))
	for name, adapter := range byProvider {
		if adapter != nil {
			providers[strings.ToLower(name)] = adapter
		}
	}
	return &Router{
		defaultProvider: strings.ToLower(strings.TrimSpace(defaultProvider)),
		byProvider:      providers,
	}
}

func (r *Router) Extract(ctx context.Context, req domain.ExtractionRequest) (json.RawMessage, error) {
	provider := r.resolve(req.Provider, req.Model)
	adapter, ok := r.byProvider[provider]
	if !ok {
		return nil, fmt.Errorf("llm provider %q is not configured (available: %s)", provider, strings.Join(r.Providers(), ", "))
	}
	return adapter.Extract(ctx, req)
}

func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.byProvider))
	for name := range r.byProvider {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) resolve(provider, model string) string {
	if p := strings.ToLower(strings.TrimSpace(provider)); p != "" {
		return p
	}
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "gemini"):
		return ProviderGemini
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return ProviderOpenAI
	case m != "" && strings.Contains(m, ":"):
		// ollama tags look like llama3.1:8b
		return ProviderOllama
	}
	return r.defaultProvider
}
