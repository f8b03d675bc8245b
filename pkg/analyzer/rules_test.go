package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

func schemaWith(table string, info TableInfo) SchemaContext {
	return SchemaContext{Tables: map[string]TableInfo{table: info}}
}

func TestRuleMissingIndex_FlagsUnindexedPredicate(t *testing.T) {
	schema := schemaWith("orders", TableInfo{
		Name:    "orders",
		Columns: []ColumnInfo{{Name: "customer_id"}},
		Indexes: nil,
	})
	findings := ruleMissingIndex("select * from orders where customer_id = ?", schema)
	assert.Len(t, findings, 1)
	assert.Equal(t, store.RecommendationMissingIndex, findings[0].Kind)
}

func TestRuleMissingIndex_SkipsIndexedColumn(t *testing.T) {
	schema := schemaWith("orders", TableInfo{
		Name:    "orders",
		Columns: []ColumnInfo{{Name: "customer_id"}},
		Indexes: []IndexInfo{{Name: "idx_customer", Columns: []string{"customer_id"}}},
	})
	findings := ruleMissingIndex("select * from orders where customer_id = ?", schema)
	assert.Empty(t, findings)
}

func TestRuleFullScan_FlagsNoWhereAgainstLargeTable(t *testing.T) {
	schema := schemaWith("orders", TableInfo{Name: "orders", EstimatedRows: 1_000_000})
	findings := ruleFullScan("select * from orders", schema)
	assert.Len(t, findings, 1)
	assert.Equal(t, store.RecommendationFullScan, findings[0].Kind)
}

func TestRuleFullScan_IgnoresSmallTable(t *testing.T) {
	schema := schemaWith("lookup", TableInfo{Name: "lookup", EstimatedRows: 10})
	findings := ruleFullScan("select * from lookup", schema)
	assert.Empty(t, findings)
}

func TestRuleSelectStar(t *testing.T) {
	findings := ruleSelectStar("select * from orders where id = ?", SchemaContext{})
	assert.Len(t, findings, 1)

	findings = ruleSelectStar("select id, name from orders where id = ?", SchemaContext{})
	assert.Empty(t, findings)
}

func TestRuleNonSargablePredicate(t *testing.T) {
	findings := ruleNonSargablePredicate("select * from orders where year(created_at) = ?", SchemaContext{})
	assert.Len(t, findings, 1)

	findings = ruleNonSargablePredicate("select * from orders where created_at = ?", SchemaContext{})
	assert.Empty(t, findings)
}

func TestRuleCartesianJoin_FlagsCommaJoin(t *testing.T) {
	findings := ruleCartesianJoin("select * from orders, customers where orders.customer_id = customers.id", SchemaContext{})
	assert.Len(t, findings, 1)
}

func TestRuleCartesianJoin_FlagsJoinWithoutOn(t *testing.T) {
	findings := ruleCartesianJoin("select * from orders join customers", SchemaContext{})
	assert.Len(t, findings, 1)
}

func TestRuleCartesianJoin_IgnoresProperJoin(t *testing.T) {
	findings := ruleCartesianJoin("select * from orders join customers on orders.customer_id = customers.id", SchemaContext{})
	assert.Empty(t, findings)
}

func TestRuleUnboundedOrderBy(t *testing.T) {
	findings := ruleUnboundedOrderBy("select * from orders order by created_at", SchemaContext{})
	assert.Len(t, findings, 1)

	findings = ruleUnboundedOrderBy("select * from orders order by created_at limit 10", SchemaContext{})
	assert.Empty(t, findings)
}

func TestRuleLargeOffset(t *testing.T) {
	findings := ruleLargeOffset("select * from orders limit 10 offset 50000", SchemaContext{})
	assert.Len(t, findings, 1)

	findings = ruleLargeOffset("select * from orders limit 10 offset 5", SchemaContext{})
	assert.Empty(t, findings)

	findings = ruleLargeOffset("select * from orders limit 10 offset ?", SchemaContext{})
	assert.Empty(t, findings, "parameterised offsets carry no magnitude to judge")
}

func TestApplyRules_CombinesAllFiredFindings(t *testing.T) {
	schema := schemaWith("orders", TableInfo{Name: "orders", EstimatedRows: 1_000_000})
	findings := ApplyRules("select * from orders order by created_at", schema)
	var kinds []store.RecommendationKind
	for _, f := range findings {
		kinds = append(kinds, f.Kind)
	}
	assert.Contains(t, kinds, store.RecommendationSelectStar)
	assert.Contains(t, kinds, store.RecommendationFullScan)
	assert.Contains(t, kinds, store.RecommendationUnboundedOrderBy)
}
