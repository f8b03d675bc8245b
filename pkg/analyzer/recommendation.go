package analyzer

import (
	"fmt"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// minRecommendations is the minimum length of the list BuildRecommendations
// returns.
const minRecommendations = 3

// BuildRecommendations merges the oracle's (possibly empty) suggestions
// with the fixed rule set's findings into the final, priority-ordered
// recommendation list, appending deterministic rule-derived variants when
// the merged list holds fewer than minRecommendations items. Items are
// counted whether or not they carry SQL, so the list can hold fewer than
// minRecommendations concrete rewrites.
func BuildRecommendations(findings []Finding, oracleRecs []store.Recommendation) []store.Recommendation {
	var out []store.Recommendation
	out = append(out, oracleRecs...)

	for _, f := range findings {
		out = append(out, store.Recommendation{
			Kind:        f.Kind,
			Description: f.Rationale,
			SQL:         f.SuggestedSQL,
			Rationale:   f.Rationale,
		})
	}

	if len(out) < minRecommendations {
		out = append(out, synthesizeVariants(findings, minRecommendations-len(out))...)
	}

	for i := range out {
		out[i].Priority = i + 1
	}
	return out
}

// synthesizeVariants deterministically produces extra rule-grounded
// recommendations when neither the oracle nor the fired rules supplied
// enough concrete variants. It cycles through the fixed rule catalogue
// (not just the findings that actually fired) so the floor is always met
// even when zero rules fired — e.g. an already-well-formed query that still
// needs at least minRecommendations suggestions on record.
func synthesizeVariants(findings []Finding, need int) []store.Recommendation {
	fallback := []struct {
		kind store.RecommendationKind
		desc string
		sql  string
	}{
		{store.RecommendationMissingIndex, "review predicate columns for a covering index", "-- candidate: CREATE INDEX ON <table> (<column>);"},
		{store.RecommendationSelectStar, "project only the columns the caller consumes", "-- replace SELECT * with an explicit column list"},
		{store.RecommendationUnboundedOrderBy, "cap result ordering with an explicit LIMIT", "-- add LIMIT <n> to bound the sort"},
		{store.RecommendationNonSargable, "rewrite function-wrapped predicates to be sargable", "-- move the function off the indexed column"},
		{store.RecommendationLargeOffset, "paginate with a keyset predicate instead of OFFSET", "-- replace OFFSET with WHERE id > :last_seen"},
	}

	var out []store.Recommendation
	for i := 0; i < need; i++ {
		f := fallback[i%len(fallback)]
		out = append(out, store.Recommendation{
			Kind:        f.kind,
			Description: fmt.Sprintf("%s (synthesised variant %d)", f.desc, i+1),
			SQL:         f.sql,
			Rationale:   "deterministic fallback: insufficient concrete variants from oracle and rules",
		})
	}
	return out
}

// MaxSeverity returns the highest severity among findings, or SeverityLow
// if findings is empty. improvement_level is a hint derived from this, not
// a measurement.
func MaxSeverity(findings []Finding) Severity {
	max := SeverityLow
	for _, f := range findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}
