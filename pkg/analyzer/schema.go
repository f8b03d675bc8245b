package analyzer

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sqlsentinel/sentinel/pkg/store"
)

// ColumnInfo describes one column of a referenced table.
type ColumnInfo struct {
	Name string
	Type string
}

// IndexInfo describes one existing index on a referenced table.
type IndexInfo struct {
	Name    string
	Columns []string
}

// TableInfo is the schema introspection result for one referenced table.
type TableInfo struct {
	Name           string
	Columns        []ColumnInfo
	Indexes        []IndexInfo
	EstimatedRows  int64
}

// HasIndexOn reports whether any index on t covers column as its leading
// (first) column — the only arrangement a planner can use for an equality
// or range predicate on that column alone.
func (t TableInfo) HasIndexOn(column string) bool {
	for _, idx := range t.Indexes {
		if len(idx.Columns) > 0 && strings.EqualFold(idx.Columns[0], column) {
			return true
		}
	}
	return false
}

// SchemaContext is the introspected schema state for every table referenced
// by one observation's SQL, keyed by bare table name (schema-qualification
// and aliases already resolved away).
type SchemaContext struct {
	Tables map[string]TableInfo
	// Unresolved holds identifiers the extractor found but the introspector
	// could not resolve (typo, cross-database reference, etc). These are
	// logged, never fatal.
	Unresolved []string
}

// SchemaProvider introspects a monitored database's information_schema (or
// dialect equivalent) for the tables a query references.
type SchemaProvider interface {
	Introspect(ctx context.Context, sourceHost, sourceDatabase string, tables []string) (SchemaContext, error)
}

// cachingSchemaProvider wraps a SchemaProvider with a bounded, lazily
// refreshed per-process LRU cache keyed by (host, database, sorted table
// list) — the "in-memory caches ... bounded (LRU, default 1024 entries)"
// called for in spec.md §5.
type cachingSchemaProvider struct {
	inner SchemaProvider
	cache *lru.Cache[string, SchemaContext]
}

// NewCachingSchemaProvider wraps inner with an LRU cache of the given size.
func NewCachingSchemaProvider(inner SchemaProvider, size int) (SchemaProvider, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, SchemaContext](size)
	if err != nil {
		return nil, fmt.Errorf("analyzer: build schema cache: %w", err)
	}
	return &cachingSchemaProvider{inner: inner, cache: cache}, nil
}

func (p *cachingSchemaProvider) Introspect(ctx context.Context, sourceHost, sourceDatabase string, tables []string) (SchemaContext, error) {
	key := cacheKey(sourceHost, sourceDatabase, tables)
	if cached, ok := p.cache.Get(key); ok {
		return cached, nil
	}
	ctxResult, err := p.inner.Introspect(ctx, sourceHost, sourceDatabase, tables)
	if err != nil {
		return SchemaContext{}, err
	}
	p.cache.Add(key, ctxResult)
	return ctxResult, nil
}

func cacheKey(host, database string, tables []string) string {
	sorted := append([]string(nil), tables...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return host + "/" + database + "/" + strings.Join(sorted, ",")
}

// dbIntrospector implements SchemaProvider against a live connection using
// dialect-specific information_schema (or pg_catalog) views.
type dbIntrospector struct {
	dialect store.SourceType
	query   func(ctx context.Context, database string, table string) (TableInfo, error)
}

func (d *dbIntrospector) Introspect(ctx context.Context, sourceHost, sourceDatabase string, tables []string) (SchemaContext, error) {
	out := SchemaContext{Tables: make(map[string]TableInfo, len(tables))}
	for _, t := range tables {
		info, err := d.query(ctx, sourceDatabase, t)
		if err != nil {
			out.Unresolved = append(out.Unresolved, t)
			continue
		}
		out.Tables[strings.ToLower(t)] = info
	}
	return out, nil
}

// multiSourceIntrospector dispatches introspection to the dbIntrospector
// registered for an observation's source host, so one Analyzer can serve
// monitored databases of mixed dialects.
type multiSourceIntrospector struct {
	byHost map[string]SchemaProvider
}

// NewMultiSourceIntrospector builds a SchemaProvider that introspects each
// monitored database through its own live connection, registered by host.
func NewMultiSourceIntrospector(postgresByHost, mysqlByHost map[string]*sql.DB) SchemaProvider {
	m := &multiSourceIntrospector{byHost: make(map[string]SchemaProvider)}
	for host, db := range postgresByHost {
		m.byHost[host] = &dbIntrospector{dialect: store.SourcePostgres, query: postgresTableQuery(db)}
	}
	for host, db := range mysqlByHost {
		m.byHost[host] = &dbIntrospector{dialect: store.SourceMySQL, query: mysqlTableQuery(db)}
	}
	return m
}

func (m *multiSourceIntrospector) Introspect(ctx context.Context, sourceHost, sourceDatabase string, tables []string) (SchemaContext, error) {
	inner, ok := m.byHost[sourceHost]
	if !ok {
		return SchemaContext{Unresolved: tables}, nil
	}
	return inner.Introspect(ctx, sourceHost, sourceDatabase, tables)
}

func postgresTableQuery(db *sql.DB) func(ctx context.Context, database, table string) (TableInfo, error) {
	return func(ctx context.Context, database, table string) (TableInfo, error) {
		info := TableInfo{Name: table}

		const colQ = `
			SELECT column_name, data_type
			FROM information_schema.columns
			WHERE table_name = $1
			ORDER BY ordinal_position`
		rows, err := db.QueryContext(ctx, colQ, table)
		if err != nil {
			return TableInfo{}, fmt.Errorf("analyzer: introspect postgres columns: %w", err)
		}
		for rows.Next() {
			var c ColumnInfo
			if err := rows.Scan(&c.Name, &c.Type); err != nil {
				rows.Close()
				return TableInfo{}, fmt.Errorf("analyzer: scan postgres column: %w", err)
			}
			info.Columns = append(info.Columns, c)
		}
		rows.Close()
		if len(info.Columns) == 0 {
			return TableInfo{}, fmt.Errorf("analyzer: table %q not found", table)
		}

		const idxQ = `
			SELECT i.relname AS index_name, a.attname AS column_name
			FROM pg_class t
			JOIN pg_index ix ON t.oid = ix.indrelid
			JOIN pg_class i ON i.oid = ix.indexrelid
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE t.relname = $1
			ORDER BY i.relname, array_position(ix.indkey, a.attnum)`
		idxRows, err := db.QueryContext(ctx, idxQ, table)
		if err != nil {
			return TableInfo{}, fmt.Errorf("analyzer: introspect postgres indexes: %w", err)
		}
		defer idxRows.Close()
		order := []string{}
		byIndex := map[string]*IndexInfo{}
		for idxRows.Next() {
			var idxName, colName string
			if err := idxRows.Scan(&idxName, &colName); err != nil {
				return TableInfo{}, fmt.Errorf("analyzer: scan postgres index: %w", err)
			}
			idx, ok := byIndex[idxName]
			if !ok {
				idx = &IndexInfo{Name: idxName}
				byIndex[idxName] = idx
				order = append(order, idxName)
			}
			idx.Columns = append(idx.Columns, colName)
		}
		for _, name := range order {
			info.Indexes = append(info.Indexes, *byIndex[name])
		}
		return info, idxRows.Err()
	}
}

func mysqlTableQuery(db *sql.DB) func(ctx context.Context, database, table string) (TableInfo, error) {
	return func(ctx context.Context, database, table string) (TableInfo, error) {
		info := TableInfo{Name: table}

		const colQ = `
			SELECT column_name, data_type
			FROM information_schema.columns
			WHERE table_schema = ? AND table_name = ?
			ORDER BY ordinal_position`
		rows, err := db.QueryContext(ctx, colQ, database, table)
		if err != nil {
			return TableInfo{}, fmt.Errorf("analyzer: introspect mysql columns: %w", err)
		}
		for rows.Next() {
			var c ColumnInfo
			if err := rows.Scan(&c.Name, &c.Type); err != nil {
				rows.Close()
				return TableInfo{}, fmt.Errorf("analyzer: scan mysql column: %w", err)
			}
			info.Columns = append(info.Columns, c)
		}
		rows.Close()
		if len(info.Columns) == 0 {
			return TableInfo{}, fmt.Errorf("analyzer: table %q not found", table)
		}

		const idxQ = `
			SELECT index_name, column_name
			FROM information_schema.statistics
			WHERE table_schema = ? AND table_name = ?
			ORDER BY index_name, seq_in_index`
		idxRows, err := db.QueryContext(ctx, idxQ, database, table)
		if err != nil {
			return TableInfo{}, fmt.Errorf("analyzer: introspect mysql indexes: %w", err)
		}
		defer idxRows.Close()
		order := []string{}
		byIndex := map[string]*IndexInfo{}
		for idxRows.Next() {
			var idxName, colName string
			if err := idxRows.Scan(&idxName, &colName); err != nil {
				return TableInfo{}, fmt.Errorf("analyzer: scan mysql index: %w", err)
			}
			idx, ok := byIndex[idxName]
			if !ok {
				idx = &IndexInfo{Name: idxName}
				byIndex[idxName] = idx
				order = append(order, idxName)
			}
			idx.Columns = append(idx.Columns, colName)
		}
		for _, name := range order {
			info.Indexes = append(info.Indexes, *byIndex[name])
		}
		return info, idxRows.Err()
	}
}

// identifierPattern matches a FROM/JOIN/UPDATE/INTO clause's table
// reference: an optional schema qualifier, the table name (bare, backtick-
// quoted, or double-quoted), and an optional alias.
var identifierPattern = regexp.MustCompile(
	`(?i)\b(?:from|join|update|into)\s+` +
		"((?:`[^`]+`|\"[^\"]+\"|[a-z0-9_]+)(?:\\.(?:`[^`]+`|\"[^\"]+\"|[a-z0-9_]+))?)",
)

// ExtractIdentifiers pulls the bare table names referenced by a fingerprint
// or raw SQL string. Schema-qualification is stripped, quoting is stripped,
// and aliases (anything after the matched identifier) are not captured —
// they are not needed for schema lookups. Unresolvable or malformed clauses
// are simply absent from the result, not an error.
func ExtractIdentifiers(sql string) []string {
	matches := identifierPattern.FindAllStringSubmatch(sql, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		ref := m[1]
		parts := strings.Split(ref, ".")
		table := parts[len(parts)-1]
		table = strings.Trim(table, "`\"")
		table = strings.ToLower(table)
		if table == "" || seen[table] {
			continue
		}
		seen[table] = true
		out = append(out, table)
	}
	return out
}
