package llm

// Usage contains token and cost information reported by the runtime at the end
// of a turn.
//
// CostUSD is the runtime's running total for the connection, not a per-turn
// delta. The token counters are per-turn values.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Copy returns a deep copy of the usage data.
func (u *Usage) Copy() *Usage {
	return &Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      u.CostUSD,
	}
}

// Add incremental usage to this usage object. Tokens accumulate; the cost is
// replaced by the other value since it is already a running total.
func (u *Usage) Add(other *Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD = other.CostUSD
}
