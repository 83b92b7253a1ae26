package dbmcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rickchristie/dbmcp/internal/registry"
)

// Instructions returns the usage text sent in initialize and
// mcp/getInstructions. Config.Instructions overrides the built-in text.
func (s *Server) Instructions() string {
	if s.config.Instructions != "" {
		return s.config.Instructions
	}
	schema := s.engine.AllowedSchema()
	return fmt.Sprintf(`This server gives read-only access to schema '%s'.
1. Read the %s resource first to see which tables exist.
2. Use the db.describeTable tool (or the %s resource) to see a table's columns, keys, and indexes.
3. Use the db.query tool to fetch data. Only a single SELECT is accepted; see %s for the full policy.
4. Use db.ping to check the connection.`,
		schema, summaryURI, tableURITemplate(schema), policyDocURI)
}

type builtinPrompt struct {
	def mcp.Prompt
	get func(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error)
}

func (p builtinPrompt) Definition() mcp.Prompt { return p.def }

func (p builtinPrompt) Get(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
	return p.get(ctx, args)
}

func (s *Server) prompts() []registry.Prompt {
	schema := s.engine.AllowedSchema()
	description := fmt.Sprintf("Analyze the structure of schema '%s'.", schema)

	analyze := builtinPrompt{
		def: mcp.NewPrompt("analyze-database",
			mcp.WithPromptDescription(description),
		),
		get: func(context.Context, map[string]string) (*mcp.GetPromptResult, error) {
			text := fmt.Sprintf("Analyze the database schema '%s'. Start by reading %s, then describe the most important tables with db.describeTable. "+
				"Summarize what each table holds, how the tables relate through foreign keys, and which indexes support common lookups. "+
				"Use db.query only for small SELECTs that confirm your reading of the data.",
				schema, summaryURI)
			return mcp.NewGetPromptResult(description, []mcp.PromptMessage{
				mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
			}), nil
		},
	}
	return []registry.Prompt{analyze}
}
