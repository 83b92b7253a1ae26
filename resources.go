package dbmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rickchristie/dbmcp/internal/executor"
	"github.com/rickchristie/dbmcp/internal/registry"
)

const (
	summaryURI   = "db://schema/summary"
	policyDocURI = "db://docs/policy"

	mimeJSON     = "application/json"
	mimeMarkdown = "text/markdown"
)

// builtinResource adapts a read function to registry.Resource.
type builtinResource struct {
	desc registry.ResourceDescriptor
	read func(ctx context.Context, vars map[string]string) (string, error)
}

func (r builtinResource) Descriptor() registry.ResourceDescriptor { return r.desc }

func (r builtinResource) Read(ctx context.Context, uri string, vars map[string]string) (mcp.TextResourceContents, error) {
	text, err := r.read(ctx, vars)
	if err != nil {
		return mcp.TextResourceContents{}, err
	}
	return mcp.TextResourceContents{URI: uri, MIMEType: r.desc.MIMEType, Text: text}, nil
}

func tableURITemplate(schema string) string {
	return "db://schema/" + schema + "/{table}"
}

func (s *Server) resources() []registry.Resource {
	schema := s.engine.AllowedSchema()

	summary := builtinResource{
		desc: registry.ResourceDescriptor{
			URI:         summaryURI,
			Name:        "Schema summary",
			Description: fmt.Sprintf("Tables in schema '%s' (up to %d).", schema, summaryTableLimit),
			MIMEType:    mimeJSON,
		},
		read: func(ctx context.Context, _ map[string]string) (string, error) {
			out, err := s.SchemaSummary(ctx)
			if err != nil {
				return "", err
			}
			return marshalDocument(out)
		},
	}

	table := builtinResource{
		desc: registry.ResourceDescriptor{
			URI:         tableURITemplate(schema),
			Name:        "Table description",
			Description: fmt.Sprintf("Columns, primary key, indexes, and foreign keys of a table in schema '%s'.", schema),
			MIMEType:    mimeJSON,
		},
		read: func(ctx context.Context, vars map[string]string) (string, error) {
			out, err := s.describeTable(ctx, vars["table"])
			if err != nil {
				return "", err
			}
			return marshalDocument(out)
		},
	}

	policyDoc := builtinResource{
		desc: registry.ResourceDescriptor{
			URI:         policyDocURI,
			Name:        "SQL policy",
			Description: "What db.query accepts and the limits applied to results.",
			MIMEType:    mimeMarkdown,
		},
		read: func(context.Context, map[string]string) (string, error) {
			return s.PolicyDocument(), nil
		},
	}

	return []registry.Resource{summary, table, policyDoc}
}

func marshalDocument(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode resource: %w", err)
	}
	return string(b), nil
}

// PolicyDocument renders the active SQL policy as Markdown.
func (s *Server) PolicyDocument() string {
	caps := s.executor.EffectiveCaps(executor.Limits{})
	schema := s.engine.AllowedSchema()

	var b strings.Builder
	b.WriteString("# SQL policy\n\n")

	b.WriteString("## Schema restriction\n\n")
	fmt.Fprintf(&b, "Only schema `%s` may be referenced. Unqualified table names are rewritten to `%s.<table>`; any other `name.` qualifier is rejected, including table aliases used to qualify columns.\n\n", schema, schema)

	b.WriteString("## Allowed statements\n\n")
	b.WriteString("A single `SELECT`, or `WITH ... SELECT`. `SELECT ... INTO` and row locking clauses (`FOR UPDATE`, `FOR SHARE`) are rejected.\n\n")

	b.WriteString("## Blocked keywords\n\n")
	b.WriteString("Statements containing any of these words are rejected, wherever they appear:\n\n")
	for _, kw := range s.engine.ForbiddenKeywords() {
		fmt.Fprintf(&b, "- `%s`\n", kw)
	}
	b.WriteString("\n")

	b.WriteString("## Multiple statements\n\n")
	b.WriteString("Only one statement per call. A second `SELECT` or `WITH` after a `;` is rejected.\n\n")

	b.WriteString("## Result caps\n\n")
	fmt.Fprintf(&b, "- Rows: at most %d per call.\n", caps.MaxRows)
	fmt.Fprintf(&b, "- Size: about %d MB (%d bytes) per call.\n", caps.MaxBytes/1024/1024, caps.MaxBytes)
	fmt.Fprintf(&b, "- Time: at most %d seconds per statement.\n", int64(caps.Timeout.Seconds()))
	b.WriteString("\nRequested `maxRows`, `maxBytes`, and `timeoutMs` can lower these caps, never raise them. A result cut short by a cap has `truncated: true`.\n\n")
	if s.timeouts.HasRules() {
		b.WriteString("Without `timeoutMs`, statements matching these patterns get a shorter timeout (first match wins):\n\n")
		for _, r := range s.config.Policy.TimeoutRules {
			fmt.Fprintf(&b, "- `%s`: %d ms\n", r.Pattern, r.TimeoutMs)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Security notes\n\n")
	b.WriteString("Every statement runs in a read-only transaction that is always rolled back. Checks run on the SQL text before it reaches the database.\n")
	return b.String()
}
