package span

import "math"

// 约定的指标属性路径
const (
	AttrCostMarginal     = "metrics.costs.marginal"
	AttrTokensPrompt     = "metrics.tokens.prompt"
	AttrTokensCompletion = "metrics.tokens.completion"
	AttrTokensTotal      = "metrics.tokens.total"

	AttrCostCumulative             = "metrics.costs.cumulative"
	AttrTokensCumulativePrompt     = "metrics.tokens.cumulative.prompt"
	AttrTokensCumulativeCompletion = "metrics.tokens.cumulative.completion"
	AttrTokensCumulativeTotal      = "metrics.tokens.cumulative.total"

	AttrRequestModel  = "gen_ai.request.model"
	AttrResponseModel = "gen_ai.response.model"
	AttrSystem        = "gen_ai.system"
)

// Metrics 可累加的成本与 token 指标
type Metrics struct {
	Cost             float64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Add 逐项相加
func (m Metrics) Add(o Metrics) Metrics {
	return Metrics{
		Cost:             m.Cost + o.Cost,
		PromptTokens:     m.PromptTokens + o.PromptTokens,
		CompletionTokens: m.CompletionTokens + o.CompletionTokens,
		TotalTokens:      m.TotalTokens + o.TotalTokens,
	}
}

// IsZero 所有指标均为 0
func (m Metrics) IsZero() bool {
	return m.Cost == 0 && m.PromptTokens == 0 && m.CompletionTokens == 0 && m.TotalTokens == 0
}

// OwnMetrics 读取 Span 自身的指标，缺失项为 0
func (s Span) OwnMetrics() Metrics {
	return Metrics{
		Cost:             s.Attributes.Number(AttrCostMarginal),
		PromptTokens:     roundTokens(s.Attributes.Number(AttrTokensPrompt)),
		CompletionTokens: roundTokens(s.Attributes.Number(AttrTokensCompletion)),
		TotalTokens:      roundTokens(s.Attributes.Number(AttrTokensTotal)),
	}
}

// CumulativeMetrics 读取已汇总的指标
func (s Span) CumulativeMetrics() Metrics {
	return Metrics{
		Cost:             s.Attributes.Number(AttrCostCumulative),
		PromptTokens:     roundTokens(s.Attributes.Number(AttrTokensCumulativePrompt)),
		CompletionTokens: roundTokens(s.Attributes.Number(AttrTokensCumulativeCompletion)),
		TotalTokens:      roundTokens(s.Attributes.Number(AttrTokensCumulativeTotal)),
	}
}

// SetCumulativeMetrics 写入汇总指标，值为 0 的项不写入
func (s *Span) SetCumulativeMetrics(m Metrics) {
	if m.IsZero() {
		return
	}
	if s.Attributes == nil {
		s.Attributes = NewAttributes()
	}
	if m.Cost != 0 {
		s.Attributes.SetPath(AttrCostCumulative, Float(m.Cost))
	}
	if m.PromptTokens != 0 {
		s.Attributes.SetPath(AttrTokensCumulativePrompt, Int(m.PromptTokens))
	}
	if m.CompletionTokens != 0 {
		s.Attributes.SetPath(AttrTokensCumulativeCompletion, Int(m.CompletionTokens))
	}
	if m.TotalTokens != 0 {
		s.Attributes.SetPath(AttrTokensCumulativeTotal, Int(m.TotalTokens))
	}
}

func roundTokens(n float64) int64 {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return int64(math.Round(n))
}
