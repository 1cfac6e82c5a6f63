package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_MarketSlide(t *testing.T) {
	res := Classify("Market size: TAM of $4B addressable market, 20% CAGR")
	assert.Equal(t, Market, res.Key)
	assert.GreaterOrEqual(t, res.Score, MinScore)
	assert.Contains(t, res.Matched, "addressable market")
}

func TestClassify_TeamSlide(t *testing.T) {
	res := Classify("Our founders: CEO and CTO bring leadership from Stripe")
	assert.Equal(t, Team, res.Key)
}

func TestClassify_NoMatchesIsUnknown(t *testing.T) {
	assert.Equal(t, Unknown, Classify("lorem ipsum dolor sit amet").Key)
	assert.Equal(t, Unknown, Classify("").Key)
	assert.Equal(t, Unknown, Classify("   ").Key)
}

func TestClassify_SingleStrayWordIsUnknown(t *testing.T) {
	res := Classify("Team")
	assert.Equal(t, Unknown, res.Key)
	assert.Equal(t, 1.0, res.Score)
}

func TestClassify_AmbiguousTieIsUnknown(t *testing.T) {
	// two team phrases and two competition phrases
	res := Classify("founders and advisors versus competitors and alternatives")
	assert.Equal(t, Unknown, res.Key)
	assert.Equal(t, res.Score, res.RunnerUp)
}

func TestClassify_WordBoundaries(t *testing.T) {
	assert.False(t, containsPhrase("steam engine", "team"))
	assert.True(t, containsPhrase("the team.", "team"))
	assert.True(t, containsPhrase("p&l summary", "p&l"))
	assert.True(t, containsPhrase("go-to-market plan", "go-to-market"))
}

func TestClassify_Deterministic(t *testing.T) {
	text := "Revenue forecast, EBITDA and cash flow; use of funds for the seed round"
	first := Classify(text)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Classify(text))
	}
}

func TestClassifyWithBias_SpreadsheetDefaultsToFinancials(t *testing.T) {
	assert.Equal(t, Financials, ClassifyWithBias("Sheet1", Financials).Key)
	assert.Equal(t, Financials, ClassifyWithBias("Revenue by month", Financials).Key)
	assert.Equal(t, Unknown, ClassifyWithBias("", Financials).Key)
}

func TestClassifyWithBias_StrongEvidenceOverridesBias(t *testing.T) {
	res := ClassifyWithBias("Team: founders, CEO, CTO, advisors and board", Financials)
	assert.Equal(t, Team, res.Key)
}

func TestKeys_ClosedSet(t *testing.T) {
	keys := Keys()
	assert.Len(t, keys, 15)
	assert.Equal(t, Unknown, keys[len(keys)-1])
	assert.True(t, IsKnown("raise_terms"))
	assert.True(t, IsKnown("unknown"))
	assert.False(t, IsKnown("marketing"))
}
