// Package analysis inspects messages delivered to mesh nodes and flags the
// ones that look like attacks. The simulator treats message content as an
// opaque string; an Analyzer is the only component that reads it.
package analysis

import (
	"context"
	"sort"
	"strings"

	"github.com/signalsfoundry/mesh-simulator/model"
)

// Verdict is an analyzer's judgement of one message.
type Verdict struct {
	IsAttack   bool
	AttackType string
	Confidence float64
}

// Label is the verdict as a metric label value.
func (v Verdict) Label() string {
	if v.IsAttack {
		return "attack"
	}
	return "clean"
}

// Analyzer judges delivered messages.
type Analyzer interface {
	Analyze(ctx context.Context, msg model.InboundMessage) (Verdict, error)
}

// Rule flags content containing any of its keywords as AttackType.
// Confidence is the base confidence of a single match.
type Rule struct {
	AttackType string
	Keywords   []string
	Confidence float64
}

// DefaultRules is the rule set used by NewKeywordAnalyzer without arguments.
func DefaultRules() []Rule {
	return []Rule{
		{AttackType: "sql-injection", Confidence: 0.8, Keywords: []string{"drop table", "' or 1=1", "union select", "; --"}},
		{AttackType: "script-injection", Confidence: 0.75, Keywords: []string{"<script", "javascript:", "onerror="}},
		{AttackType: "command-injection", Confidence: 0.7, Keywords: []string{"rm -rf", "&& curl", "| sh", "$("}},
		{AttackType: "phishing", Confidence: 0.6, Keywords: []string{"verify your password", "seed phrase", "wire the funds"}},
	}
}

// KeywordAnalyzer is a rule-based Analyzer matching lower-cased content
// against keyword lists. Each additional keyword hit within a rule adds
// 0.1 to its confidence, capped at 1. The highest-confidence rule wins.
type KeywordAnalyzer struct {
	rules []Rule
}

// NewKeywordAnalyzer builds an analyzer over rules, or DefaultRules when
// none are given. Keywords are matched case-insensitively.
func NewKeywordAnalyzer(rules ...Rule) *KeywordAnalyzer {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	normalised := make([]Rule, len(rules))
	for i, r := range rules {
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		normalised[i] = Rule{AttackType: r.AttackType, Keywords: kws, Confidence: r.Confidence}
	}
	return &KeywordAnalyzer{rules: normalised}
}

func (a *KeywordAnalyzer) Analyze(ctx context.Context, msg model.InboundMessage) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	content := strings.ToLower(msg.Content)

	var matches []Verdict
	for _, r := range a.rules {
		hits := 0
		for _, kw := range r.Keywords {
			if strings.Contains(content, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		matches = append(matches, Verdict{
			IsAttack:   true,
			AttackType: r.AttackType,
			Confidence: min(1, r.Confidence+0.1*float64(hits-1)),
		})
	}
	if len(matches) == 0 {
		return Verdict{}, nil
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	return matches[0], nil
}
