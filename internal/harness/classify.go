package harness

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Category buckets an error for retry and propagation decisions.
type Category string

const (
	CategoryTransient   Category = "transient"
	CategoryPermanent   Category = "permanent"
	CategoryRateLimited Category = "rate_limited"
	CategoryQuota       Category = "quota"
	CategoryLimitHit    Category = "limit_hit"
	CategoryBudget      Category = "budget"
	CategoryCancelled   Category = "cancelled"
	CategoryIntegrity   Category = "integrity"
	CategoryPermission  Category = "permission_denied"
)

// Sentinel errors mapped directly to categories before pattern matching.
var (
	ErrBudgetDenied   = errors.New("budget reservation denied")
	ErrIntegrity      = errors.New("integrity verification failed")
	ErrLimitHit       = errors.New("safety limit reached")
	ErrPermissionDeny = errors.New("permission denied")
	ErrQuotaExhausted = errors.New("provider quota exhausted")
)

// RetryPolicy is the per-category default retry behavior.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	InitialMs   int           `yaml:"initial_ms" json:"initial_ms"`
	MaxMs       int           `yaml:"max_ms" json:"max_ms"`
	Factor      float64       `yaml:"factor" json:"factor"`
	Jitter      bool          `yaml:"jitter" json:"jitter"`
	RetryAfter  time.Duration `yaml:"-" json:"-"`
}

// Classification is the deterministic verdict for one error.
type Classification struct {
	Category  Category    `json:"category"`
	Retryable bool        `json:"retryable"`
	Policy    RetryPolicy `json:"policy"`
	Code      string      `json:"code,omitempty"`
}

// rule is one pattern entry in the classification rules file.
type rule struct {
	// Match is a list of lowercase substrings; any hit applies the rule.
	Match []string `yaml:"match"`
	// Regex, when set, must match the error text.
	Regex    string   `yaml:"regex,omitempty"`
	Category Category `yaml:"category"`
	Code     string   `yaml:"code,omitempty"`
}

type rulesFile struct {
	Rules    []rule                   `yaml:"rules"`
	Policies map[Category]RetryPolicy `yaml:"policies"`
}

// defaultRulesYAML is the bundled classification table. An override file
// with the same shape can be supplied through the runtime config; override
// rules are prepended so they win.
const defaultRulesYAML = `
rules:
  - match: ["rate limit", "rate_limit", "too many requests", "429"]
    category: rate_limited
    code: rate_limited
  - match: ["quota", "insufficient_quota", "credit balance"]
    category: quota
    code: quota_exhausted
  - match: ["unauthorized", "invalid api key", "authentication", "forbidden", "401", "403"]
    category: permanent
    code: auth
  - match: ["invalid request", "malformed", "400 bad request", "unsupported model"]
    category: permanent
    code: invalid_request
  - match: ["insufficient budget headroom", "budget reservation denied"]
    category: budget
    code: budget_denied
  - match: ["timeout", "deadline exceeded", "context deadline"]
    category: transient
    code: timeout
  - match: ["connection", "network", "dns", "refused", "unreachable", "reset by peer", "eof"]
    category: transient
    code: network
  - match: ["overloaded", "internal server error", "bad gateway", "service unavailable", "500", "502", "503", "529"]
    category: transient
    code: upstream
policies:
  transient:
    max_attempts: 3
    initial_ms: 500
    max_ms: 10000
    factor: 2.0
    jitter: true
  rate_limited:
    max_attempts: 5
    initial_ms: 2000
    max_ms: 60000
    factor: 2.0
    jitter: true
`

// nonRetryable lists categories that never retry regardless of policy.
func nonRetryable(c Category) bool {
	switch c {
	case CategoryTransient, CategoryRateLimited:
		return false
	default:
		return true
	}
}

// Classifier maps provider error shapes to categories using data-driven
// rules. Classification is deterministic: first matching rule wins.
type Classifier struct {
	rules    []rule
	compiled []*regexp.Regexp
	policies map[Category]RetryPolicy
}

// NewClassifier builds a classifier from the bundled default rules.
func NewClassifier() *Classifier {
	c, err := ParseClassifier([]byte(defaultRulesYAML))
	if err != nil {
		// The bundled table is a compile-time constant; a parse failure is
		// a programming error.
		panic("harness: bundled classification rules invalid: " + err.Error())
	}
	return c
}

// ParseClassifier builds a classifier from a rules file.
func ParseClassifier(data []byte) (*Classifier, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	c := &Classifier{rules: f.Rules, policies: f.Policies}
	if c.policies == nil {
		c.policies = map[Category]RetryPolicy{}
	}
	c.compiled = make([]*regexp.Regexp, len(c.rules))
	for i, r := range c.rules {
		if r.Regex != "" {
			re, err := regexp.Compile(r.Regex)
			if err != nil {
				return nil, err
			}
			c.compiled[i] = re
		}
	}
	return c, nil
}

// Extend prepends override rules and merges override policies so the
// override file wins over bundled defaults.
func (c *Classifier) Extend(data []byte) error {
	over, err := ParseClassifier(data)
	if err != nil {
		return err
	}
	c.rules = append(over.rules, c.rules...)
	c.compiled = append(over.compiled, c.compiled...)
	for cat, pol := range over.policies {
		c.policies[cat] = pol
	}
	return nil
}

// Classify maps an error to its category and retry policy. Sentinels are
// checked before text patterns so wrapped structural errors classify
// reliably.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryPermanent}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return c.verdict(CategoryCancelled, "cancelled")
	case errors.Is(err, ErrBudgetDenied):
		return c.verdict(CategoryBudget, "budget_denied")
	case errors.Is(err, ErrIntegrity):
		return c.verdict(CategoryIntegrity, "integrity")
	case errors.Is(err, ErrLimitHit):
		return c.verdict(CategoryLimitHit, "limit_hit")
	case errors.Is(err, ErrPermissionDeny):
		return c.verdict(CategoryPermission, "permission_denied")
	case errors.Is(err, ErrQuotaExhausted):
		return c.verdict(CategoryQuota, "quota_exhausted")
	case errors.Is(err, context.DeadlineExceeded):
		// A timeout converts to a transient classified error.
		return c.verdict(CategoryTransient, "timeout")
	}

	text := strings.ToLower(err.Error())
	for i, r := range c.rules {
		if c.compiled[i] != nil {
			if c.compiled[i].MatchString(text) {
				return c.verdict(r.Category, r.Code)
			}
			continue
		}
		for _, sub := range r.Match {
			if strings.Contains(text, sub) {
				return c.verdict(r.Category, r.Code)
			}
		}
	}
	return c.verdict(CategoryPermanent, "unclassified")
}

func (c *Classifier) verdict(cat Category, code string) Classification {
	cls := Classification{Category: cat, Code: code}
	if nonRetryable(cat) {
		return cls
	}
	cls.Retryable = true
	if pol, ok := c.policies[cat]; ok {
		cls.Policy = pol
	} else {
		cls.Policy = RetryPolicy{MaxAttempts: 3, InitialMs: 500, MaxMs: 10000, Factor: 2.0, Jitter: true}
	}
	return cls
}
