package extraction

// ModelPricing holds per-million-token prices in USD.
type ModelPricing struct {
	InputPerMTok  float64 `koanf:"input_per_mtok"`
	OutputPerMTok float64 `koanf:"output_per_mtok"`
}

// Pricing maps model names to their token prices. Unknown models cost zero;
// the run report still carries token counts either way.
type Pricing map[string]ModelPricing

// DefaultPricing covers the models the pipeline is normally run with.
func DefaultPricing() Pricing {
	return Pricing{
		"gpt-4o":      {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"gpt-4.1":     {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	}
}

// Cost converts one call's usage into dollars for the given model.
func (p Pricing) Cost(model string, u Usage) float64 {
	mp, ok := p[model]
	if !ok {
		return 0
	}
	return float64(u.InputTokens)*mp.InputPerMTok/1e6 + float64(u.OutputTokens)*mp.OutputPerMTok/1e6
}
