package dbmcp

import "github.com/rickchristie/dbmcp/internal/executor"

// QueryInput is the input for the db.query tool. Zero or negative caps mean
// "use the hard cap".
type QueryInput struct {
	SQL       string `json:"sql"`
	MaxRows   int    `json:"maxRows,omitempty"`
	MaxBytes  int64  `json:"maxBytes,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// QueryOutput is the output of the db.query tool.
type QueryOutput = executor.Result

// ColumnMeta describes one column of a query result.
type ColumnMeta = executor.Column

// PingOutput is the output of the db.ping tool.
type PingOutput struct {
	OK         bool   `json:"ok"`
	ServerTime string `json:"serverTime"`
	DB         string `json:"db"`
}

// ListTablesInput is the input for the db.listTables tool.
type ListTablesInput struct {
	// Pattern is a LIKE pattern matched against table names. Empty means "%".
	Pattern string `json:"pattern"`
	// Limit caps the number of entries. Zero or negative means 500.
	Limit int `json:"limit"`
}

// TableEntry represents a single table/view in the ListTables output.
type TableEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "table", "view", "materialized_view", "foreign_table", "partitioned_table"
}

// ListTablesOutput is the output of the db.listTables tool.
type ListTablesOutput struct {
	Schema string       `json:"schema"`
	Tables []TableEntry `json:"tables"`
}

// ColumnInfo describes a single table column.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// IndexInfo describes a single index.
type IndexInfo struct {
	Name    string   `json:"name"`
	Unique  bool     `json:"unique"`
	Columns []string `json:"columns"`
}

// ForeignKeyInfo describes a single foreign key.
type ForeignKeyInfo struct {
	Name              string   `json:"name"`
	Columns           []string `json:"columns"`
	ReferencedTable   string   `json:"referencedTable"`
	ReferencedColumns []string `json:"referencedColumns"`
	OnUpdate          string   `json:"onUpdate"`
	OnDelete          string   `json:"onDelete"`
}

// DescribeTableOutput is the output of the db.describeTable tool and the
// per-table resource.
type DescribeTableOutput struct {
	Schema      string           `json:"schema"`
	Table       string           `json:"table"`
	Type        string           `json:"type"`
	Columns     []ColumnInfo     `json:"columns"`
	PrimaryKey  []string         `json:"primaryKey"`
	Indexes     []IndexInfo      `json:"indexes"`
	ForeignKeys []ForeignKeyInfo `json:"foreignKeys"`
}

// SchemaSummary is the body of the schema summary resource.
type SchemaSummary struct {
	Schema     string       `json:"schema"`
	TableCount int          `json:"tableCount"`
	Tables     []TableEntry `json:"tables"`
}
