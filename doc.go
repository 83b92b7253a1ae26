// Package dbmcp exposes one PostgreSQL schema to AI agents through the Model
// Context Protocol (MCP), read-only.
//
// It provides four tools (db.ping, db.listTables, db.describeTable and
// db.query), three resources (a schema summary, a per-table description
// addressed by a URI template, and a Markdown policy document) and one
// prompt. Every db.query statement passes a text-level policy engine before
// it reaches the database: it must be a single SELECT, contain no forbidden
// keyword, and reference no schema other than the allowed one. Unqualified
// tables are rewritten to the allowed schema, and PostgreSQL's own parser
// (pg_query) confirms the statement shape. Accepted statements run in a READ
// ONLY transaction through a server-side cursor, bounded by row count, byte
// size and statement timeout.
//
// # Library Usage
//
//	srv, err := dbmcp.New(ctx, connString, dbmcp.Config{
//		Policy: dbmcp.PolicyConfig{
//			AllowedSchema: "reporting",
//			HardMaxRows:   1000,
//		},
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	// Use directly
//	out, err := srv.Query(ctx, dbmcp.QueryInput{SQL: "SELECT * FROM orders", MaxRows: 10})
//
//	// Or speak MCP over a pair of streams
//	err = srv.Serve(ctx, os.Stdin, os.Stdout)
//
// Logs go to the zerolog.Logger given to New and never to the response
// stream.
//
// A custom Backend can be supplied with [NewWithBackend]; the policy engine,
// caps and sanitization still apply to it.
package dbmcp
