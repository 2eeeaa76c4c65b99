package processing

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/ediscovery/kit"
)

// RegisterMCP registers the expansion tools, and the leaf extraction tools
// of the pipeline, on an MCP server.
func (p *Processor) RegisterMCP(srv *mcp.Server) {
	p.registerExpandTool(srv)
	p.registerStatusTool(srv)
	p.pipe.RegisterMCP(srv)
}

type expandReq struct {
	Root string `json:"root"`
}

func (p *Processor) registerExpandTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "expand_root",
		Description: "Expand one root container (archive, mail store or directory) and emit a record per leaf document.",
		InputSchema: kit.Schema(map[string]kit.Prop{
			"root": {Type: "string", Description: "Path of the root container"},
		}, "root"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		root := req.(*expandReq).Root
		if root == "" {
			return nil, errors.New("root is required")
		}
		return p.ExpandRoot(ctx, root)
	}

	mw := kit.Chain(kit.WithRequestIDs(nil), kit.Logging(p.logger, tool.Name))
	kit.AddTool[expandReq](srv, tool, mw(endpoint))
}

func (p *Processor) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "expand_status",
		Description: "Report items emitted, live container mounts, the platform probe summary and the emission capability.",
		InputSchema: kit.Schema(nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return p.Status(), nil
	}

	kit.AddTool[struct{}](srv, tool, endpoint)
}
