package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// Scenario 2 (spec.md §8): oracle returns zero rewrite suggestions; the
// finalised Analysis still contains >=3 recommendation items, at least 3
// carrying a non-empty SQL field derived from rules.
func TestBuildRecommendations_SynthesizesWhenOracleAndRulesBothShort(t *testing.T) {
	recs := BuildRecommendations(nil, nil)
	assert.GreaterOrEqual(t, len(recs), minRecommendations)

	withSQL := 0
	for _, r := range recs {
		if r.SQL != "" {
			withSQL++
		}
	}
	assert.GreaterOrEqual(t, withSQL, minRecommendations)
}

func TestBuildRecommendations_UsesRuleFindingsBeforeSynthesizing(t *testing.T) {
	findings := []Finding{
		{Kind: store.RecommendationMissingIndex, Severity: SeverityHigh, Rationale: "r1", SuggestedSQL: "CREATE INDEX ..."},
		{Kind: store.RecommendationFullScan, Severity: SeverityCritical, Rationale: "r2"},
		{Kind: store.RecommendationSelectStar, Severity: SeverityLow, Rationale: "r3"},
	}
	recs := BuildRecommendations(findings, nil)
	assert.Len(t, recs, minRecommendations, "three findings already meet the floor, no synthesis needed")
	assert.Equal(t, "CREATE INDEX ...", recs[0].SQL)
}

func TestBuildRecommendations_PreservesOracleRecsFirst(t *testing.T) {
	oracleRecs := []store.Recommendation{
		{Kind: store.RecommendationOracle, Description: "oracle suggestion", SQL: "ALTER TABLE ..."},
	}
	findings := []Finding{
		{Kind: store.RecommendationMissingIndex, Rationale: "r1", SuggestedSQL: "CREATE INDEX ..."},
	}
	recs := BuildRecommendations(findings, oracleRecs)
	assert.Equal(t, store.RecommendationOracle, recs[0].Kind)
	assert.Equal(t, 1, recs[0].Priority)
}

func TestBuildRecommendations_PrioritiesAreSequential(t *testing.T) {
	recs := BuildRecommendations(nil, nil)
	for i, r := range recs {
		assert.Equal(t, i+1, r.Priority)
	}
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, SeverityLow, MaxSeverity(nil))
	assert.Equal(t, SeverityCritical, MaxSeverity([]Finding{
		{Severity: SeverityLow}, {Severity: SeverityCritical}, {Severity: SeverityMedium},
	}))
}
