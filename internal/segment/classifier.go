// Package segment assigns pitch-deck content segments to visual assets and
// structured content blocks using a keyword-weighted scorer.
package segment

import (
	"strings"
	"unicode"
)

// Key is one of the fixed pitch-deck segments.
type Key string

const (
	Overview      Key = "overview"
	Problem       Key = "problem"
	Solution      Key = "solution"
	Product       Key = "product"
	Market        Key = "market"
	Traction      Key = "traction"
	BusinessModel Key = "business_model"
	Distribution  Key = "distribution"
	Team          Key = "team"
	Competition   Key = "competition"
	Risks         Key = "risks"
	Financials    Key = "financials"
	RaiseTerms    Key = "raise_terms"
	Exit          Key = "exit"
	Unknown       Key = "unknown"
)

// Gate parameters. A winner needs MinScore and must beat the runner-up by
// MinMargin, otherwise the text is Unknown.
const (
	MinScore  = 2.0
	MinMargin = 1.0
	BiasBoost = 2.0
)

type rule struct {
	key     Key
	weight  float64
	phrases []string
}

// Rules are evaluated in this order; ties are resolved by the margin gate.
var rules = []rule{
	{Overview, 1.0, []string{"overview", "executive summary", "at a glance", "company overview", "who we are", "mission", "vision"}},
	{Problem, 1.0, []string{"problem", "pain point", "pain points", "challenge", "inefficient", "broken", "frustration"}},
	{Solution, 1.0, []string{"solution", "our approach", "how it works", "we solve", "value proposition", "platform"}},
	{Product, 1.0, []string{"product", "features", "roadmap", "demo", "screenshot", "technology", "architecture"}},
	{Market, 1.0, []string{"market", "tam", "sam", "som", "market size", "addressable market", "market opportunity", "cagr"}},
	{Traction, 1.1, []string{"traction", "growth", "customers", "users", "mrr", "arr", "revenue growth", "retention", "pilots", "month over month"}},
	{BusinessModel, 1.0, []string{"business model", "pricing", "subscription", "unit economics", "ltv", "cac", "monetization", "take rate"}},
	{Distribution, 1.0, []string{"go to market", "go-to-market", "distribution", "sales channel", "channels", "partnerships", "marketing strategy"}},
	{Team, 1.0, []string{"team", "founder", "founders", "ceo", "cto", "advisors", "leadership", "board"}},
	{Competition, 1.0, []string{"competition", "competitors", "competitive landscape", "alternatives", "differentiation", "moat"}},
	{Risks, 1.0, []string{"risk", "risks", "mitigation", "regulatory", "uncertainty", "threats"}},
	{Financials, 1.2, []string{"financials", "financial projections", "p&l", "income statement", "balance sheet", "cash flow", "ebitda", "forecast", "revenue", "expenses", "gross margin", "burn"}},
	{RaiseTerms, 1.2, []string{"the ask", "raising", "fundraise", "use of funds", "valuation", "pre-money", "post-money", "investment terms", "seed round", "series a"}},
	{Exit, 1.0, []string{"exit", "acquisition", "ipo", "acquirers", "exit strategy", "m&a"}},
}

// Keys returns every known segment key, Unknown last.
func Keys() []Key {
	keys := make([]Key, 0, len(rules)+1)
	for _, r := range rules {
		keys = append(keys, r.key)
	}
	return append(keys, Unknown)
}

// IsKnown reports whether s names a segment in the closed set.
func IsKnown(s string) bool {
	if Key(s) == Unknown {
		return true
	}
	for _, r := range rules {
		if string(r.key) == s {
			return true
		}
	}
	return false
}

// Result explains a classification.
type Result struct {
	Key      Key
	Score    float64
	RunnerUp float64
	Matched  []string
}

// Classify scores text against every segment.
func Classify(text string) Result {
	return classify(text, "")
}

// ClassifyWithBias behaves like Classify but gives bias a head start when
// any text is present. Synthetic spreadsheet assets lean toward Financials.
func ClassifyWithBias(text string, bias Key) Result {
	return classify(text, bias)
}

func classify(text string, bias Key) Result {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Result{Key: Unknown}
	}

	best, second := Result{Key: Unknown}, 0.0
	for _, r := range rules {
		score := 0.0
		var matched []string
		for _, phrase := range r.phrases {
			if containsPhrase(lower, phrase) {
				score += r.weight
				matched = append(matched, phrase)
			}
		}
		if r.key == bias {
			score += BiasBoost
		}

		switch {
		case score > best.Score:
			second = best.Score
			best = Result{Key: r.key, Score: score, Matched: matched}
		case score > second:
			second = score
		}
	}

	best.RunnerUp = second
	if best.Score < MinScore || best.Score-second < MinMargin {
		return Result{Key: Unknown, Score: best.Score, RunnerUp: second, Matched: best.Matched}
	}
	return best
}

// containsPhrase matches phrase on word boundaries so "team" does not fire on
// "steam".
func containsPhrase(text, phrase string) bool {
	for start := 0; start < len(text); {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			return false
		}
		i := start + idx
		j := i + len(phrase)
		if boundary(text, i-1) && boundary(text, j) {
			return true
		}
		start = i + 1
	}
	return false
}

func boundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	r := rune(text[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
