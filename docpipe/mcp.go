package docpipe

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/ediscovery/kit"
)

// RegisterMCP registers the extraction tools on an MCP server.
func (p *Pipeline) RegisterMCP(srv *mcp.Server) {
	p.registerExtractTool(srv)
	p.registerClassifyTool(srv)
	p.registerFormatsTool(srv)
}

type leafReq struct {
	Path  string `json:"path"`
	Magic string `json:"magic,omitempty"`
}

var leafSchema = kit.Schema(map[string]kit.Prop{
	"path":  {Type: "string", Description: "Path of the document"},
	"magic": {Type: "string", Description: "Content label from signature sniffing (PDF, OOXML, ODF...); empty trusts the extension"},
}, "path")

func decodeLeaf(req any) (*leafReq, error) {
	r := req.(*leafReq)
	if r.Path == "" {
		return nil, errors.New("path is required")
	}
	return r, nil
}

func (p *Pipeline) registerExtractTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_extract",
		Description: "Extract the text and metadata fields of one leaf document.",
		InputSchema: leafSchema,
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r, err := decodeLeaf(req)
		if err != nil {
			return nil, err
		}
		return p.ExtractLeaf(ctx, r.Path, r.Magic)
	}

	kit.AddTool[leafReq](srv, tool, kit.Logging(p.logger, tool.Name)(endpoint))
}

func (p *Pipeline) registerClassifyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_classify",
		Description: "Report which parser a document would get from its extension and content label.",
		InputSchema: leafSchema,
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r, err := decodeLeaf(req)
		if err != nil {
			return nil, err
		}
		return map[string]string{"format": string(p.Classify(r.Path, r.Magic))}, nil
	}

	kit.AddTool[leafReq](srv, tool, endpoint)
}

func (p *Pipeline) registerFormatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_formats",
		Description: "List the formats that have a parser.",
		InputSchema: kit.Schema(nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"formats": Formats()}, nil
	}

	kit.AddTool[struct{}](srv, tool, endpoint)
}
