package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rickchristie/dbmcp/internal/jsonrpc"
	"github.com/rickchristie/dbmcp/internal/meta"
	"github.com/rickchristie/dbmcp/internal/policy"
)

type handlerFunc func(s *Session, ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error)

var handlers = map[string]handlerFunc{
	"initialize":               (*Session).handleInitialize,
	"ping":                     (*Session).handlePing,
	"tools/list":               (*Session).handleToolsList,
	"tools/call":               (*Session).handleToolsCall,
	"resources/list":           (*Session).handleResourcesList,
	"resources/templates/list": (*Session).handleResourceTemplatesList,
	"resources/read":           (*Session).handleResourcesRead,
	"prompts/list":             (*Session).handlePromptsList,
	"prompts/get":              (*Session).handlePromptsGet,
	"mcp/getInstructions":      (*Session).handleGetInstructions,
}

func (s *Session) dispatch(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	h, ok := handlers[req.Method]
	if !ok {
		return nil, jsonrpc.NewMethodNotFound("method not found: " + req.Method)
	}
	if !s.initialized && req.Method != "initialize" && req.Method != "ping" {
		s.logger.Debug().Str("method", req.Method).Msg("request before initialized notification")
	}
	return h(s, ctx, req)
}

type capabilities struct {
	Tools     listChanged         `json:"tools"`
	Resources resourcesCapability `json:"resources"`
	Prompts   listChanged         `json:"prompts"`
}

type listChanged struct {
	ListChanged bool `json:"listChanged"`
}

type resourcesCapability struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    capabilities       `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

func (s *Session) handleInitialize(_ context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params initializeParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("client_name", params.ClientInfo.Name).
		Str("client_version", params.ClientInfo.Version).
		Str("client_protocol", params.ProtocolVersion).
		Msg("initialize")

	return initializeResult{
		ProtocolVersion: meta.ProtocolVersion,
		Capabilities:    capabilities{},
		ServerInfo:      mcp.Implementation{Name: meta.Name, Version: meta.Version},
		Instructions:    s.instr,
	}, nil
}

func (s *Session) handlePing(context.Context, *jsonrpc.Request) (any, *jsonrpc.Error) {
	return struct{}{}, nil
}

func (s *Session) handleGetInstructions(context.Context, *jsonrpc.Request) (any, *jsonrpc.Error) {
	return s.instr, nil
}

func (s *Session) handleToolsList(context.Context, *jsonrpc.Request) (any, *jsonrpc.Error) {
	return map[string]any{"tools": s.registry.ListTools()}, nil
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Session) handleToolsCall(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params toolsCallParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, jsonrpc.NewInvalidParams("missing tool name")
	}
	tool, ok := s.registry.FindTool(params.Name)
	if !ok {
		return nil, jsonrpc.NewMethodNotFound("tool not found: " + params.Name)
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	result, err := tool.Call(ctx, params.Arguments)
	if err != nil {
		return nil, s.toRPCError(err)
	}

	logEvent := s.logger.Info().
		Str("tool", params.Name).
		Int("request_bytes", len(req.Params))
	if b, err := json.Marshal(result); err == nil {
		logEvent = logEvent.Int("response_bytes", len(b))
	}
	logEvent.Msg("tool call")
	return result, nil
}

type resourceEntry struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	MIMEType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

type templateEntry struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	MIMEType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Session) handleResourcesList(context.Context, *jsonrpc.Request) (any, *jsonrpc.Error) {
	entries := []resourceEntry{}
	for _, d := range s.registry.ListResources() {
		entries = append(entries, resourceEntry{URI: d.URI, Name: d.Name, MIMEType: d.MIMEType, Description: d.Description})
	}
	return map[string]any{"resources": entries}, nil
}

func (s *Session) handleResourceTemplatesList(context.Context, *jsonrpc.Request) (any, *jsonrpc.Error) {
	entries := []templateEntry{}
	for _, d := range s.registry.ListTemplates() {
		entries = append(entries, templateEntry{URITemplate: d.URI, Name: d.Name, MIMEType: d.MIMEType, Description: d.Description})
	}
	return map[string]any{"resourceTemplates": entries}, nil
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

func (s *Session) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params resourcesReadParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, jsonrpc.NewInvalidParams("missing resource uri")
	}
	res, vars, ok := s.registry.FindResource(params.URI)
	if !ok {
		return nil, jsonrpc.NewMethodNotFound("resource not found: " + params.URI)
	}

	contents, err := res.Read(ctx, params.URI, vars)
	if err != nil {
		return nil, s.toRPCError(err)
	}
	if contents.URI == "" {
		contents.URI = params.URI
	}
	if contents.MIMEType == "" {
		contents.MIMEType = res.Descriptor().MIMEType
	}
	return map[string]any{"contents": []mcp.TextResourceContents{contents}}, nil
}

func (s *Session) handlePromptsList(context.Context, *jsonrpc.Request) (any, *jsonrpc.Error) {
	return map[string]any{"prompts": s.registry.ListPrompts()}, nil
}

type promptsGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (s *Session) handlePromptsGet(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params promptsGetParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, jsonrpc.NewInvalidParams("missing prompt name")
	}
	prompt, ok := s.registry.FindPrompt(params.Name)
	if !ok {
		return nil, jsonrpc.NewMethodNotFound("prompt not found: " + params.Name)
	}
	result, err := prompt.Get(ctx, params.Arguments)
	if err != nil {
		return nil, s.toRPCError(err)
	}
	return result, nil
}

func decodeParams(req *jsonrpc.Request, v any) *jsonrpc.Error {
	if err := req.DecodeParams(v); err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return rpcErr
		}
		return jsonrpc.NewInvalidParams(err.Error())
	}
	return nil
}

// toRPCError maps an error returned by a tool, resource or prompt. Errors
// that already carry a JSON-RPC code keep it; everything else is internal.
func (s *Session) toRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var violation *policy.Violation
	isViolation := errors.As(err, &violation)
	msg := err.Error()
	if isViolation {
		msg = "SQL policy violation: " + violation.Reason
	}

	annotated, patterns := s.errPrompts.Annotate(msg)
	if len(patterns) > 0 {
		s.logger.Debug().Strs("matched_patterns", patterns).Msg("error prompt matched")
	}
	s.logger.Warn().Err(err).Msg("request failed")
	rpcErr = jsonrpc.NewInternalError(annotated)
	if isViolation {
		rpcErr = rpcErr.WithData(map[string]any{"type": "policy_violation", "stage": string(violation.Stage)})
	}
	return rpcErr
}
