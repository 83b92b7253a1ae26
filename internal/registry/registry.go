// Package registry holds the fixed set of tools, resources and prompts a
// session can dispatch to. A Registry is immutable after New.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/yosida95/uritemplate/v3"
)

// Tool is a named callable. Arguments arrive as decoded JSON; the returned
// value is marshalled as the call result.
type Tool interface {
	Definition() mcp.Tool
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ResourceDescriptor describes a resource for resources/list and
// resources/templates/list. A URI containing a `{name}` placeholder is a
// template.
type ResourceDescriptor struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
}

// Resource is a readable document. vars holds the template variables matched
// from the requested URI and is empty for exact resources.
type Resource interface {
	Descriptor() ResourceDescriptor
	Read(ctx context.Context, uri string, vars map[string]string) (mcp.TextResourceContents, error)
}

// Prompt is a named prompt template.
type Prompt interface {
	Definition() mcp.Prompt
	Get(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error)
}

type templateEntry struct {
	template *uritemplate.Template
	// prefix is the literal text before the first placeholder.
	prefix   string
	resource Resource
}

// Registry is safe for concurrent use.
type Registry struct {
	tools     []Tool
	toolIndex map[string]Tool

	resources []Resource
	exact     map[string]Resource
	templates []templateEntry

	prompts     []Prompt
	promptIndex map[string]Prompt
}

// Capabilities is what New registers. Order is preserved in list results.
type Capabilities struct {
	Tools     []Tool
	Resources []Resource
	Prompts   []Prompt
}

// New builds a Registry. Duplicate tool names, resource URIs or prompt names
// and unparseable URI templates are errors.
func New(caps Capabilities) (*Registry, error) {
	r := &Registry{
		toolIndex:   make(map[string]Tool, len(caps.Tools)),
		exact:       make(map[string]Resource),
		promptIndex: make(map[string]Prompt, len(caps.Prompts)),
	}

	for _, t := range caps.Tools {
		name := t.Definition().Name
		if name == "" {
			return nil, fmt.Errorf("registry: tool with empty name")
		}
		if _, dup := r.toolIndex[name]; dup {
			return nil, fmt.Errorf("registry: duplicate tool %q", name)
		}
		r.toolIndex[name] = t
		r.tools = append(r.tools, t)
	}

	seenURI := make(map[string]bool)
	for _, res := range caps.Resources {
		d := res.Descriptor()
		if d.URI == "" {
			return nil, fmt.Errorf("registry: resource %q has empty uri", d.Name)
		}
		if seenURI[d.URI] {
			return nil, fmt.Errorf("registry: duplicate resource %q", d.URI)
		}
		seenURI[d.URI] = true
		r.resources = append(r.resources, res)

		if !IsTemplate(d.URI) {
			r.exact[d.URI] = res
			continue
		}
		tmpl, err := uritemplate.New(d.URI)
		if err != nil {
			return nil, fmt.Errorf("registry: invalid uri template %q: %w", d.URI, err)
		}
		r.templates = append(r.templates, templateEntry{
			template: tmpl,
			prefix:   d.URI[:strings.IndexByte(d.URI, '{')],
			resource: res,
		})
	}

	for _, p := range caps.Prompts {
		name := p.Definition().Name
		if _, dup := r.promptIndex[name]; dup {
			return nil, fmt.Errorf("registry: duplicate prompt %q", name)
		}
		r.promptIndex[name] = p
		r.prompts = append(r.prompts, p)
	}
	return r, nil
}

// IsTemplate reports whether uri contains a template placeholder.
func IsTemplate(uri string) bool {
	open := strings.IndexByte(uri, '{')
	return open >= 0 && strings.IndexByte(uri[open:], '}') > 1
}

// ListTools returns tool definitions in registration order.
func (r *Registry) ListTools() []mcp.Tool {
	out := make([]mcp.Tool, len(r.tools))
	for i, t := range r.tools {
		out[i] = t.Definition()
	}
	return out
}

// FindTool looks a tool up by exact name.
func (r *Registry) FindTool(name string) (Tool, bool) {
	t, ok := r.toolIndex[name]
	return t, ok
}

// ListResources returns the non-template resources in registration order.
func (r *Registry) ListResources() []ResourceDescriptor {
	out := []ResourceDescriptor{}
	for _, res := range r.resources {
		if d := res.Descriptor(); !IsTemplate(d.URI) {
			out = append(out, d)
		}
	}
	return out
}

// ListTemplates returns the template resources in registration order.
func (r *Registry) ListTemplates() []ResourceDescriptor {
	out := []ResourceDescriptor{}
	for _, res := range r.resources {
		if d := res.Descriptor(); IsTemplate(d.URI) {
			out = append(out, d)
		}
	}
	return out
}

// FindResource resolves uri to a resource. Exact URIs win over templates;
// templates are tried in registration order. A template matches any URI that
// starts with its literal prefix: when the template expansion does not match
// (reserved characters such as `$` or a space in the value), the whole
// remainder after the prefix binds the first variable.
func (r *Registry) FindResource(uri string) (Resource, map[string]string, bool) {
	if res, ok := r.exact[uri]; ok {
		return res, map[string]string{}, true
	}
	for _, entry := range r.templates {
		if !strings.HasPrefix(uri, entry.prefix) {
			continue
		}
		if vars := matchTemplate(entry.template, uri); vars != nil {
			return entry.resource, vars, true
		}
		rest := uri[len(entry.prefix):]
		names := entry.template.Varnames()
		if rest == "" || len(names) == 0 {
			// An empty remainder is not a reference to anything.
			continue
		}
		return entry.resource, map[string]string{names[0]: rest}, true
	}
	return nil, nil, false
}

// matchTemplate returns the template variables for uri, or nil when the
// expansion does not match or any variable is empty.
func matchTemplate(tmpl *uritemplate.Template, uri string) map[string]string {
	values := tmpl.Match(uri)
	if values == nil {
		return nil
	}
	vars := make(map[string]string)
	for _, name := range tmpl.Varnames() {
		v := values.Get(name).String()
		if v == "" {
			return nil
		}
		vars[name] = v
	}
	return vars
}

// ListPrompts returns prompt definitions in registration order.
func (r *Registry) ListPrompts() []mcp.Prompt {
	out := make([]mcp.Prompt, len(r.prompts))
	for i, p := range r.prompts {
		out[i] = p.Definition()
	}
	return out
}

// FindPrompt looks a prompt up by exact name.
func (r *Registry) FindPrompt(name string) (Prompt, bool) {
	p, ok := r.promptIndex[name]
	return p, ok
}
