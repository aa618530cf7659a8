package quota

// Key 计量项
type Key string

const (
	// 按月计数
	KeyTraces      Key = "traces"
	KeyEvaluations Key = "evaluations"
	KeyCredits     Key = "credits"

	// 资源上限
	KeyUsers        Key = "users"
	KeyApplications Key = "applications"

	// 功能开关
	KeyRBAC  Key = "rbac"
	KeyHooks Key = "hooks"
)

// Kind 计量项类型
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindFlag
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindFlag:
		return "flag"
	default:
		return "unknown"
	}
}

var keyKinds = map[Key]Kind{
	KeyTraces:       KindCounter,
	KeyEvaluations:  KindCounter,
	KeyCredits:      KindCounter,
	KeyUsers:        KindGauge,
	KeyApplications: KindGauge,
	KeyRBAC:         KindFlag,
	KeyHooks:        KindFlag,
}

// Kind 返回计量项类型；未知键按计数器处理
func (k Key) Kind() Kind {
	if kind, ok := keyKinds[k]; ok {
		return kind
	}
	return KindCounter
}

// Known 是否为已登记的计量项
func (k Key) Known() bool {
	_, ok := keyKinds[k]
	return ok
}

// Quota 单个计量项的额度。Limit 为 nil 表示不限。
type Quota struct {
	Limit   *int64 `yaml:"limit" json:"limit,omitempty"`
	Monthly bool   `yaml:"monthly" json:"monthly"`
}

// Unlimited 是否不限额度
func (q Quota) Unlimited() bool { return q.Limit == nil }

// Plan 订阅计划
type Plan struct {
	Name   string        `yaml:"name" json:"name"`
	Quotas map[Key]Quota `yaml:"quotas" json:"quotas"`
	Flags  map[Key]bool  `yaml:"flags" json:"flags"`
}

// Catalog 计划目录，按名称索引
type Catalog map[string]Plan

// Lookup 查找计划
func (c Catalog) Lookup(name string) (Plan, bool) {
	p, ok := c[name]
	return p, ok
}

// Limit 构造额度上限
func Limit(n int64) *int64 { return &n }

// DefaultCatalog 返回内置计划目录
func DefaultCatalog() Catalog {
	return Catalog{
		"hobby": {
			Name: "hobby",
			Quotas: map[Key]Quota{
				KeyTraces:       {Limit: Limit(5_000), Monthly: true},
				KeyEvaluations:  {Limit: Limit(20), Monthly: true},
				KeyCredits:      {Limit: Limit(100), Monthly: true},
				KeyUsers:        {Limit: Limit(2)},
				KeyApplications: {Limit: Limit(3)},
			},
			Flags: map[Key]bool{KeyRBAC: false, KeyHooks: false},
		},
		"pro": {
			Name: "pro",
			Quotas: map[Key]Quota{
				KeyTraces:       {Limit: Limit(10_000), Monthly: true},
				KeyEvaluations:  {Monthly: true},
				KeyCredits:      {Limit: Limit(1_000), Monthly: true},
				KeyUsers:        {Limit: Limit(10)},
				KeyApplications: {},
			},
			Flags: map[Key]bool{KeyRBAC: false, KeyHooks: true},
		},
		"business": {
			Name: "business",
			Quotas: map[Key]Quota{
				KeyTraces:       {Limit: Limit(1_000_000), Monthly: true},
				KeyEvaluations:  {Monthly: true},
				KeyCredits:      {Monthly: true},
				KeyUsers:        {},
				KeyApplications: {},
			},
			Flags: map[Key]bool{KeyRBAC: true, KeyHooks: true},
		},
	}
}
