package llm

// ModelInfo describes one chat model with its per-million-token prices.
type ModelInfo struct {
	ID               string  `json:"id"`
	Provider         string  `json:"provider"`
	InputPricePer1M  float64 `json:"input_price_per_1m"`
	OutputPricePer1M float64 `json:"output_price_per_1m"`
}

// DefaultChatModel is used when nothing else is configured.
const DefaultChatModel = "gpt-4.1-mini"

var chatModels = map[string]ModelInfo{
	"gpt-4.1-nano": {ID: "gpt-4.1-nano", Provider: "openai",
		InputPricePer1M: 0.10, OutputPricePer1M: 0.40},
	"gpt-4.1-mini": {ID: "gpt-4.1-mini", Provider: "openai",
		InputPricePer1M: 0.40, OutputPricePer1M: 1.60},
	"gpt-4o-mini": {ID: "gpt-4o-mini", Provider: "openai",
		InputPricePer1M: 0.15, OutputPricePer1M: 0.60},
	"gpt-4o": {ID: "gpt-4o", Provider: "openai",
		InputPricePer1M: 2.50, OutputPricePer1M: 10.00},
}

// LookupModel returns the catalog entry for a chat model id.
func LookupModel(id string) (ModelInfo, bool) {
	m, ok := chatModels[id]
	return m, ok
}

// ListModels returns the chat model catalog in a stable order.
func ListModels() []ModelInfo {
	out := make([]ModelInfo, 0, len(chatModels))
	for _, id := range []string{"gpt-4.1-nano", "gpt-4.1-mini", "gpt-4o-mini", "gpt-4o"} {
		out = append(out, chatModels[id])
	}
	return out
}

// Cost computes the USD cost of a call against this model.
func (m ModelInfo) Cost(tokensInput, tokensOutput int) float64 {
	return float64(tokensInput)*m.InputPricePer1M/1e6 +
		float64(tokensOutput)*m.OutputPricePer1M/1e6
}

// EstimateDigestCost predicts the cost of generating a digest over n
// chunks: roughly 200 tokens per chunk plus 2000 tokens of prompt
// scaffolding, doubled for the clustering and summary passes, with a 3500
// token output budget.
func EstimateDigestCost(model string, chunks int) (tokensInput, tokensOutput int, costUSD float64, err error) {
	m, ok := chatModels[model]
	if !ok {
		return 0, 0, 0, &Error{Provider: "openai", Code: ErrModelNotFound,
			Message: "unknown chat model " + model}
	}
	tokensInput = (chunks*200 + 2000) * 2
	tokensOutput = 3500
	return tokensInput, tokensOutput, m.Cost(tokensInput, tokensOutput), nil
}
