package otlp

import (
	"strings"
	"sync"

	"github.com/BaSui01/spanflow/tracing/span"
)

// CostEstimator 根据模型价格为缺少成本的 LLM Span 估算 marginal 成本
type CostEstimator struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice // key: system:model 或 model
}

// ModelPrice 模型价格
type ModelPrice struct {
	System      string  `yaml:"system" json:"system"`
	Model       string  `yaml:"model" json:"model"`
	PriceInput  float64 `yaml:"price_input" json:"price_input"`   // USD per 1K tokens
	PriceOutput float64 `yaml:"price_output" json:"price_output"` // USD per 1K tokens
}

// NewCostEstimator 创建成本估算器，overrides 覆盖默认价格
func NewCostEstimator(overrides ...ModelPrice) *CostEstimator {
	e := &CostEstimator{prices: make(map[string]ModelPrice)}
	e.loadDefaultPrices()
	e.UpdatePrices(overrides)
	return e
}

func (e *CostEstimator) loadDefaultPrices() {
	e.UpdatePrices([]ModelPrice{
		{System: "openai", Model: "gpt-4o", PriceInput: 0.0025, PriceOutput: 0.01},
		{System: "openai", Model: "gpt-4o-mini", PriceInput: 0.00015, PriceOutput: 0.0006},
		{System: "openai", Model: "gpt-4-turbo", PriceInput: 0.01, PriceOutput: 0.03},
		{System: "openai", Model: "gpt-3.5-turbo", PriceInput: 0.0005, PriceOutput: 0.0015},
		{System: "anthropic", Model: "claude-3-5-sonnet-20241022", PriceInput: 0.003, PriceOutput: 0.015},
		{System: "anthropic", Model: "claude-3-opus-20240229", PriceInput: 0.015, PriceOutput: 0.075},
		{System: "anthropic", Model: "claude-3-haiku-20240307", PriceInput: 0.00025, PriceOutput: 0.00125},
		{System: "gemini", Model: "gemini-1.5-pro", PriceInput: 0.00125, PriceOutput: 0.005},
		{System: "gemini", Model: "gemini-1.5-flash", PriceInput: 0.000075, PriceOutput: 0.0003},
	})
}

// UpdatePrices 批量更新价格
func (e *CostEstimator) UpdatePrices(prices []ModelPrice) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range prices {
		model := strings.ToLower(p.Model)
		if model == "" {
			continue
		}
		e.prices[model] = p
		if p.System != "" {
			e.prices[strings.ToLower(p.System)+":"+model] = p
		}
	}
}

// Price 查询价格，先按 system:model 再按 model
func (e *CostEstimator) Price(system, model string) (ModelPrice, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	model = strings.ToLower(model)
	if system != "" {
		if p, ok := e.prices[strings.ToLower(system)+":"+model]; ok {
			return p, true
		}
	}
	p, ok := e.prices[model]
	return p, ok
}

// Calculate 计算成本，未知模型返回 false
func (e *CostEstimator) Calculate(system, model string, tokensInput, tokensOutput int64) (float64, bool) {
	price, ok := e.Price(system, model)
	if !ok {
		return 0, false
	}
	return float64(tokensInput)/1000*price.PriceInput + float64(tokensOutput)/1000*price.PriceOutput, true
}

// Apply 为缺少 marginal 成本的 Span 写入估算值。
// 已有成本、无 token 或未知模型时不修改，返回是否写入。
func (e *CostEstimator) Apply(s *span.Span) bool {
	if e == nil || s.Attributes == nil {
		return false
	}
	if _, ok := s.Attributes.Path(span.AttrCostMarginal); ok {
		return false
	}
	own := s.OwnMetrics()
	if own.PromptTokens == 0 && own.CompletionTokens == 0 {
		return false
	}

	model := stringAttr(s.Attributes, span.AttrResponseModel)
	if model == "" {
		model = stringAttr(s.Attributes, span.AttrRequestModel)
	}
	if model == "" {
		return false
	}

	cost, ok := e.Calculate(stringAttr(s.Attributes, span.AttrSystem), model, own.PromptTokens, own.CompletionTokens)
	if !ok {
		return false
	}
	return s.Attributes.SetPath(span.AttrCostMarginal, span.Float(cost))
}

func stringAttr(attrs *span.Attributes, path string) string {
	v, ok := attrs.Path(path)
	if !ok {
		return ""
	}
	str, _ := v.AsString()
	return str
}
