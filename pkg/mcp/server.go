package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/explorer"
	"github.com/rmax-ai/ciexplorer/pkg/graph"
	"github.com/rmax-ai/ciexplorer/pkg/model"
)

const graphURI = "ciexplorer://graph"

// Explorer is the part of explorer.Explorer the adapter drives.
type Explorer interface {
	Open(ctx context.Context, rootID int64) (explorer.Result, error)
	Expand(ctx context.Context, nodeID int64, mode model.Mode) (explorer.Result, error)
	Snapshot() graph.Snapshot
}

// Server adapts the CI explorer to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	explorer  Explorer
	logger    *zap.Logger
}

// NewServer creates a new MCP server instance.
func NewServer(exp Explorer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"ciexplorer",
			"1.0.0",
		),
		explorer: exp,
		logger:   logger,
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		graphURI,
		"CI Relationship Graph",
		mcp.WithResourceDescription("The currently assembled graph: nodes with level, direction and color, and edges with relation metadata"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadGraph)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"open_ci",
		mcp.WithDescription("Open the explorer on a CI: loads the CI with its direct parents and children. Discards any previous graph."),
		mcp.WithNumber("ci_id", mcp.Required(), mcp.Description("Public id of the root CI")),
	), s.handleOpen)

	s.mcpServer.AddTool(mcp.NewTool(
		"expand_children",
		mcp.WithDescription("Load one more hop of children below a CI already in the graph."),
		mcp.WithNumber("ci_id", mcp.Required(), mcp.Description("Public id of a CI in the graph")),
	), s.handleExpandChildren)

	s.mcpServer.AddTool(mcp.NewTool(
		"expand_parents",
		mcp.WithDescription("Load one more hop of parents above a CI already in the graph."),
		mcp.WithNumber("ci_id", mcp.Required(), mcp.Description("Public id of a CI in the graph")),
	), s.handleExpandParents)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"ci-explorer-aware",
		mcp.WithPromptDescription("Explains CMDB configuration items, relations, levels and how to explore them"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadGraph(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(s.explorer.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleOpen(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := ciID(request)
	if errResult != nil {
		return errResult, nil
	}
	res, err := s.explorer.Open(ctx, id)
	return s.toolResult("open", id, res, err), nil
}

func (s *Server) handleExpandChildren(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := ciID(request)
	if errResult != nil {
		return errResult, nil
	}
	res, err := s.explorer.Expand(ctx, id, model.ModeChildren)
	return s.toolResult("expand_children", id, res, err), nil
}

func (s *Server) handleExpandParents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := ciID(request)
	if errResult != nil {
		return errResult, nil
	}
	res, err := s.explorer.Expand(ctx, id, model.ModeParents)
	return s.toolResult("expand_parents", id, res, err), nil
}

func ciID(request mcp.CallToolRequest) (int64, *mcp.CallToolResult) {
	id := int64(mcp.ParseFloat64(request, "ci_id", 0))
	if id <= 0 {
		return 0, mcp.NewToolResultError("ci_id must be a positive CI id")
	}
	return id, nil
}

func (s *Server) toolResult(action string, id int64, res explorer.Result, err error) *mcp.CallToolResult {
	if err != nil {
		s.logger.Warn("mcp_tool_failed", zap.String("tool", action), zap.Int64("ci_id", id), zap.Error(err))
		if errors.Is(err, graph.ErrUnknownNode) {
			return mcp.NewToolResultError(fmt.Sprintf("CI %d is not in the graph; open it or expand towards it first", id))
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s %d failed: %v", action, id, err))
	}
	return mcp.NewToolResultText(Summarize(res))
}

// Summarize renders a result as text: one line per node ordered by level,
// then the relations.
func Summarize(res explorer.Result) string {
	var b strings.Builder
	snap := res.Graph
	fmt.Fprintf(&b, "Root: %d  Nodes: %d  Edges: %d\n", snap.RootID, len(snap.Nodes), len(snap.Edges))

	for _, n := range snap.OrderedNodes() {
		fmt.Fprintf(&b, "  [%+d] %s (%s)\n", n.Level, n.Title, n.Direction)
	}
	if len(snap.Edges) > 0 {
		b.WriteString("Relations:\n")
	}
	for _, e := range snap.Edges {
		names := make([]string, 0, len(e.Metadata))
		for _, m := range e.Metadata {
			name := m.RelationLabel
			if name == "" {
				name = m.RelationName
			}
			names = append(names, name)
		}
		fmt.Fprintf(&b, "  %d -> %d: %s\n", e.From, e.To, strings.Join(names, ", "))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w.Error())
	}
	return b.String()
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "ci-explorer-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are exploring a CMDB (configuration management database).

Concepts:
- CI: a configuration item, identified by a numeric public id, with a type (e.g. 'Server').
- Relation: a typed, directed link between two CIs (e.g. 'runs on'). Two CIs may share several relations.
- Root: the CI the explorer was opened on, at level 0.
- Level: hop distance from the root; children are positive, parents negative.

Start with 'open_ci' on the CI the user is asking about. Use 'expand_children' to see what
depends on a CI and 'expand_parents' to see what it depends on. Only CIs already in the graph
can be expanded. Read 'ciexplorer://graph' for the full graph as JSON.
`

	return mcp.NewGetPromptResult(
		"ci-explorer-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
