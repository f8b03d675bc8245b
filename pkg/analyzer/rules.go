package analyzer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// Severity orders rule findings for improvement_level derivation.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) ImprovementLevel() store.ImprovementLevel {
	switch s {
	case SeverityCritical:
		return store.ImprovementCritical
	case SeverityHigh:
		return store.ImprovementHigh
	case SeverityMedium:
		return store.ImprovementMedium
	default:
		return store.ImprovementLow
	}
}

// Finding is one rule's verdict against an observation.
type Finding struct {
	Kind       store.RecommendationKind
	Severity   Severity
	Rationale  string
	SuggestedSQL string
}

// rule is a single fixed check applied to every observation. Each is pure
// and independent; one rule's false positive never suppresses another.
type rule func(sql string, schema SchemaContext) []Finding

// Rules is the fixed rule set named in spec.md §4.5: missing index, full
// scan, SELECT *, non-sargable predicates, cartesian join, unbounded ORDER
// BY, large offset.
var Rules = []rule{
	ruleMissingIndex,
	ruleFullScan,
	ruleSelectStar,
	ruleNonSargablePredicate,
	ruleCartesianJoin,
	ruleUnboundedOrderBy,
	ruleLargeOffset,
}

// ApplyRules runs the fixed rule set and returns every finding, in a stable
// rule order, across all rules that fired.
func ApplyRules(sql string, schema SchemaContext) []Finding {
	var out []Finding
	for _, r := range Rules {
		out = append(out, r(sql, schema)...)
	}
	return out
}

var whereClausePattern = regexp.MustCompile(`(?i)\bwhere\b\s+(.+?)(?:\bgroup\s+by\b|\border\s+by\b|\blimit\b|$)`)
var equalityPredicatePattern = regexp.MustCompile(`(?i)([a-z0-9_]+)\.?([a-z0-9_]*)\s*(?:=|>|<|>=|<=|like)\s*\?`)
var selectListPattern = regexp.MustCompile(`(?i)^select\s+(.*?)\s+from\b`)
var fromTablesPattern = regexp.MustCompile(`(?i)\bfrom\s+([a-z0-9_.` + "`" + `"]+(?:\s*,\s*[a-z0-9_.` + "`" + `"]+)*)`)
var joinPattern = regexp.MustCompile(`(?i)\bjoin\b`)
var onPattern = regexp.MustCompile(`(?i)\bon\b`)
var orderByPattern = regexp.MustCompile(`(?i)\border\s+by\b`)
var limitPattern = regexp.MustCompile(`(?i)\blimit\b`)
var offsetPattern = regexp.MustCompile(`(?i)\boffset\s+(\?|\d+)`)
var functionWrappedColumnPattern = regexp.MustCompile(`(?i)\b(?:upper|lower|date|year|month|substr|substring|trim|cast|coalesce)\s*\(\s*([a-z0-9_.` + "`" + `"]+)\s*[,)]`)
var leadingWildcardLikePattern = regexp.MustCompile(`(?i)like\s+\?`)

// ruleMissingIndex flags equality/range predicates on a column with no
// leading index, for every table the schema context could resolve.
func ruleMissingIndex(sql string, schema SchemaContext) []Finding {
	whereMatch := whereClausePattern.FindStringSubmatch(sql)
	if whereMatch == nil {
		return nil
	}
	var findings []Finding
	for _, m := range equalityPredicatePattern.FindAllStringSubmatch(whereMatch[1], -1) {
		column := m[1]
		if m[2] != "" {
			column = m[2]
		}
		for tableName, info := range schema.Tables {
			if !columnExists(info, column) {
				continue
			}
			if info.HasIndexOn(column) {
				continue
			}
			findings = append(findings, Finding{
				Kind:     store.RecommendationMissingIndex,
				Severity: SeverityHigh,
				Rationale: fmt.Sprintf("predicate on %s.%s has no leading index", tableName, column),
				SuggestedSQL: fmt.Sprintf("CREATE INDEX ON %s (%s);", tableName, column),
			})
		}
	}
	return findings
}

// ruleFullScan flags queries with no WHERE clause at all against a table
// with a non-trivial estimated row count.
func ruleFullScan(sql string, schema SchemaContext) []Finding {
	if whereClausePattern.MatchString(sql) {
		return nil
	}
	var findings []Finding
	for tableName, info := range schema.Tables {
		if info.EstimatedRows < 10_000 {
			continue
		}
		findings = append(findings, Finding{
			Kind:     store.RecommendationFullScan,
			Severity: SeverityCritical,
			Rationale: fmt.Sprintf("no WHERE clause against %s (~%d rows)", tableName, info.EstimatedRows),
		})
	}
	return findings
}

// ruleSelectStar flags a "SELECT *" projection.
func ruleSelectStar(sql string, _ SchemaContext) []Finding {
	m := selectListPattern.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}
	if strings.TrimSpace(m[1]) != "*" {
		return nil
	}
	return []Finding{{
		Kind:      store.RecommendationSelectStar,
		Severity:  SeverityLow,
		Rationale: "projects every column instead of the ones actually used",
	}}
}

// ruleNonSargablePredicate flags predicates that wrap a column in a
// function, which prevents the planner from using an index range scan on
// it. It does not check whether the column is indexed, and it does not
// flag leading-wildcard LIKE patterns.
func ruleNonSargablePredicate(sql string, _ SchemaContext) []Finding {
	var findings []Finding
	if functionWrappedColumnPattern.MatchString(sql) {
		findings = append(findings, Finding{
			Kind:      store.RecommendationNonSargable,
			Severity:  SeverityMedium,
			Rationale: "a function wraps a column in the predicate, preventing an index range scan",
		})
	}
	return findings
}

// ruleCartesianJoin flags a comma-joined FROM list or a JOIN with no ON
// clause — both produce a cartesian product absent a WHERE-clause join
// condition, which this heuristic does not attempt to verify.
func ruleCartesianJoin(sql string, _ SchemaContext) []Finding {
	fromMatch := fromTablesPattern.FindStringSubmatch(sql)
	commaJoin := fromMatch != nil && strings.Contains(fromMatch[1], ",")

	joinCount := len(joinPattern.FindAllString(sql, -1))
	onCount := len(onPattern.FindAllString(sql, -1))
	bareJoin := joinCount > 0 && onCount < joinCount

	if !commaJoin && !bareJoin {
		return nil
	}
	return []Finding{{
		Kind:      store.RecommendationCartesianJoin,
		Severity:  SeverityCritical,
		Rationale: "multiple tables referenced without an explicit join condition",
	}}
}

// ruleUnboundedOrderBy flags an ORDER BY with no LIMIT, which forces a full
// sort of the result set.
func ruleUnboundedOrderBy(sql string, _ SchemaContext) []Finding {
	if !orderByPattern.MatchString(sql) || limitPattern.MatchString(sql) {
		return nil
	}
	return []Finding{{
		Kind:      store.RecommendationUnboundedOrderBy,
		Severity:  SeverityMedium,
		Rationale: "ORDER BY with no LIMIT sorts the entire result set",
	}}
}

// ruleLargeOffset flags pagination via a large numeric OFFSET, which forces
// the engine to scan and discard every preceding row.
func ruleLargeOffset(sql string, _ SchemaContext) []Finding {
	m := offsetPattern.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}
	if m[1] == "?" {
		// Parameterised offset: the fingerprint can't tell us the
		// magnitude, so only flag literal large offsets seen verbatim.
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1000 {
		return nil
	}
	return []Finding{{
		Kind:      store.RecommendationLargeOffset,
		Severity:  SeverityMedium,
		Rationale: fmt.Sprintf("OFFSET %d forces the engine to scan and discard %d rows", n, n),
	}}
}

func columnExists(info TableInfo, column string) bool {
	for _, c := range info.Columns {
		if strings.EqualFold(c.Name, column) {
			return true
		}
	}
	return false
}
