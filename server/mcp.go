package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/realm/changelog"
	"github.com/hazyhaar/realm/kit"
)

// RegisterMCP registers the realm tools on an MCP server, giving agent
// tooling the same surface the HTTP API exposes.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerGetElementTool(srv)
	s.registerElementsByFileTool(srv)
	s.registerQueryChangesTool(srv)
	s.registerStatsTool(srv)
	s.registerCommitTool(srv)
	s.registerRollbackTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

func (s *Server) register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	wrapped := kit.Chain(kit.Logging(s.logger, tool.Name))(endpoint)
	kit.RegisterMCPTool(srv, tool, wrapped, decode)
}

func jsonDecode[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// --- get element ---

type getElementReq struct {
	Hash string `json:"hash"`
}

func (s *Server) registerGetElementTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "realm_get_element",
		Description: "Look up a tracked element by its identity hash.",
		InputSchema: inputSchema(map[string]any{
			"hash": map[string]any{"type": "string", "description": "12-char identity hash"},
		}, []string{"hash"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getElementReq)
		info, ok := s.reg.Get(r.Hash)
		if !ok {
			return nil, fmt.Errorf("unknown element %s", r.Hash)
		}
		return info, nil
	}

	s.register(srv, tool, endpoint, jsonDecode[getElementReq])
}

// --- elements by file ---

type elementsByFileReq struct {
	File string `json:"file"`
}

func (s *Server) registerElementsByFileTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "realm_elements_by_file",
		Description: "List all tracked elements of one source file.",
		InputSchema: inputSchema(map[string]any{
			"file": map[string]any{"type": "string", "description": "Source file path"},
		}, []string{"file"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*elementsByFileReq)
		elements := s.reg.ByFile(r.File)
		return map[string]any{"elements": elements, "count": len(elements)}, nil
	}

	s.register(srv, tool, endpoint, jsonDecode[elementsByFileReq])
}

// --- query changes ---

type queryChangesReq struct {
	File              string `json:"file,omitempty"`
	Transaction       string `json:"transaction,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	ExcludeRolledBack bool   `json:"exclude_rolled_back,omitempty"`
}

func (s *Server) registerQueryChangesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "realm_query_changes",
		Description: "Query the change history, newest first.",
		InputSchema: inputSchema(map[string]any{
			"file":                map[string]any{"type": "string", "description": "Filter by source file"},
			"transaction":         map[string]any{"type": "string", "description": "Filter by transaction ID"},
			"limit":               map[string]any{"type": "integer", "description": "Maximum entries (default: unbounded)"},
			"exclude_rolled_back": map[string]any{"type": "boolean", "description": "Hide rolled-back entries"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*queryChangesReq)
		entries := s.log.Query(changelog.Query{
			FilePath:          r.File,
			TransactionID:     r.Transaction,
			Limit:             r.Limit,
			ExcludeRolledBack: r.ExcludeRolledBack,
		})
		return map[string]any{"entries": entries, "count": len(entries)}, nil
	}

	s.register(srv, tool, endpoint, jsonDecode[queryChangesReq])
}

// --- stats ---

type statsReq struct{}

func (s *Server) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "realm_stats",
		Description: "Current registry, engine, event, and watcher counters.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		resp := statsResponse{
			Registry: s.reg.Stats(),
			Engine:   s.eng.Stats(),
			Events:   s.events.Stats(),
			History:  len(s.events.History()),
		}
		if s.watcher != nil {
			ws := s.watcher.Stats()
			resp.Watch = &ws
		}
		return resp, nil
	}

	s.register(srv, tool, endpoint, jsonDecode[statsReq])
}

// --- commit pending ---

type commitPendingReq struct {
	Hash string `json:"hash"`
}

func (s *Server) registerCommitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "realm_commit_pending",
		Description: "Persist the pending preview edit of an element to its source file.",
		InputSchema: inputSchema(map[string]any{
			"hash": map[string]any{"type": "string", "description": "12-char identity hash"},
		}, []string{"hash"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*commitPendingReq)
		if err := s.eng.CommitPending(r.Hash); err != nil {
			return nil, err
		}
		return map[string]any{"status": "committed"}, nil
	}

	s.register(srv, tool, endpoint, jsonDecode[commitPendingReq])
}

// --- rollback ---

type rollbackReq struct {
	TransactionID string `json:"transaction_id"`
}

func (s *Server) registerRollbackTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "realm_rollback",
		Description: "Revert a committed transaction, restoring the file's previous content.",
		InputSchema: inputSchema(map[string]any{
			"transaction_id": map[string]any{"type": "string", "description": "Transaction to revert"},
		}, []string{"transaction_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*rollbackReq)
		if err := s.eng.RollbackTransaction(r.TransactionID); err != nil {
			return nil, err
		}
		return map[string]any{"status": "rolled_back"}, nil
	}

	s.register(srv, tool, endpoint, jsonDecode[rollbackReq])
}
