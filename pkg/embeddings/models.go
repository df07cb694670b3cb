package embeddings

// ModelInfo describes one embedding model.
type ModelInfo struct {
	ID              string  `json:"id"`
	Provider        string  `json:"provider"`
	Dimensions      int     `json:"dimensions"`
	CostPer1MTokens float64 `json:"cost_per_1m_tokens"`
	MaxInputTokens  int     `json:"max_input_tokens"`
}

// openAIModels are the hosted embedding models we support.
var openAIModels = map[string]ModelInfo{
	"text-embedding-3-small": {
		ID: "text-embedding-3-small", Provider: "openai",
		Dimensions: 1536, CostPer1MTokens: 0.02, MaxInputTokens: 8191,
	},
	"text-embedding-3-large": {
		ID: "text-embedding-3-large", Provider: "openai",
		Dimensions: 3072, CostPer1MTokens: 0.13, MaxInputTokens: 8191,
	},
}

// ollamaModels are the local models we know the dimensionality of.
var ollamaModels = map[string]ModelInfo{
	"nomic-embed-text": {
		ID: "nomic-embed-text", Provider: "ollama", Dimensions: 768,
	},
	"mxbai-embed-large": {
		ID: "mxbai-embed-large", Provider: "ollama", Dimensions: 1024,
	},
}

// LookupModel returns the catalog entry for a provider/model pair.
func LookupModel(provider, model string) (ModelInfo, bool) {
	switch provider {
	case "openai":
		m, ok := openAIModels[model]
		return m, ok
	case "ollama":
		m, ok := ollamaModels[model]
		return m, ok
	}
	return ModelInfo{}, false
}

// ListModels returns all known models, hosted first.
func ListModels() []ModelInfo {
	out := make([]ModelInfo, 0, len(openAIModels)+len(ollamaModels))
	for _, id := range []string{"text-embedding-3-small", "text-embedding-3-large"} {
		out = append(out, openAIModels[id])
	}
	for _, id := range []string{"nomic-embed-text", "mxbai-embed-large"} {
		out = append(out, ollamaModels[id])
	}
	return out
}
