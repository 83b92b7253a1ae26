package dbmcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rickchristie/dbmcp/internal/jsonrpc"
	"github.com/rickchristie/dbmcp/internal/registry"
)

// builtinTool adapts a handler function to registry.Tool.
type builtinTool struct {
	def     mcp.Tool
	handler func(ctx context.Context, req mcp.CallToolRequest) (any, error)
}

func (t builtinTool) Definition() mcp.Tool { return t.def }

func (t builtinTool) Call(ctx context.Context, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: t.def.Name, Arguments: args}}
	return t.handler(ctx, req)
}

// tools returns the built-in tools in listing order.
func (s *Server) tools() []registry.Tool {
	schema := s.engine.AllowedSchema()

	ping := builtinTool{
		def: mcp.NewTool("db.ping",
			mcp.WithDescription("Check database connectivity. Returns the database name and server time."),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		handler: func(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
			return s.Ping(ctx)
		},
	}

	listTables := builtinTool{
		def: mcp.NewTool("db.listTables",
			mcp.WithDescription("List tables and views in schema '"+schema+"' whose names match a LIKE pattern."),
			mcp.WithString("pattern",
				mcp.Description("SQL LIKE pattern for table names (default '%')"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of tables to return (default 500)"),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
			return s.ListTables(ctx, ListTablesInput{
				Pattern: req.GetString("pattern", defaultListTablesPattern),
				Limit:   req.GetInt("limit", defaultListTablesLimit),
			})
		},
	}

	describeTable := builtinTool{
		def: mcp.NewTool("db.describeTable",
			mcp.WithDescription("Describe a table in schema '"+schema+"': columns, primary key, indexes, and foreign keys."),
			mcp.WithString("table",
				mcp.Required(),
				mcp.Description("Table name, optionally prefixed with '"+schema+".'"),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
			name, err := req.RequireString("table")
			if err != nil {
				return nil, jsonrpc.NewInvalidParams("table parameter is required")
			}
			table, err := splitTableName(schema, name)
			if err != nil {
				return nil, jsonrpc.NewInvalidParams(err.Error())
			}
			return s.describeTable(ctx, table)
		},
	}

	query := builtinTool{
		def: mcp.NewTool("db.query",
			mcp.WithDescription("Run one read-only SELECT against schema '"+schema+"'. Unqualified tables resolve to that schema. Results are capped by rows, bytes, and time."),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description("A single SELECT (or WITH ... SELECT) statement"),
			),
			mcp.WithNumber("maxRows",
				mcp.Description("Row cap; never exceeds the server's hard limit"),
			),
			mcp.WithNumber("maxBytes",
				mcp.Description("Approximate result size cap in bytes; never exceeds the server's hard limit"),
			),
			mcp.WithNumber("timeoutMs",
				mcp.Description("Statement timeout in milliseconds; never exceeds the server's hard limit"),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
			sql, err := req.RequireString("sql")
			if err != nil {
				return nil, jsonrpc.NewInvalidParams("sql parameter is required")
			}
			return s.Query(ctx, QueryInput{
				SQL:       sql,
				MaxRows:   req.GetInt("maxRows", 0),
				MaxBytes:  int64(req.GetInt("maxBytes", 0)),
				TimeoutMs: int64(req.GetInt("timeoutMs", 0)),
			})
		},
	}

	return []registry.Tool{ping, listTables, describeTable, query}
}
