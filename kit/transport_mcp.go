package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Prop is one property of a tool input schema.
type Prop struct {
	Type        string
	Description string
}

// Schema builds the JSON schema of a tool taking an object with props;
// names in required must be present.
func Schema(props map[string]Prop, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, p := range props {
		properties[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// AddTool serves ep as an MCP tool. The arguments are decoded into a new
// Req, which ep receives as *Req; the response is returned as JSON text.
// Decode and endpoint failures become tool errors the client can read,
// never protocol errors.
func AddTool[Req any](srv *mcp.Server, tool *mcp.Tool, ep Endpoint) {
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := new(Req)
		if args := call.Params.Arguments; len(args) > 0 {
			if err := json.Unmarshal(args, req); err != nil {
				return toolError(fmt.Errorf("%s: arguments: %w", tool.Name, err)), nil
			}
		}
		resp, err := ep(WithTransport(ctx, TransportMCP), req)
		if err != nil {
			return toolError(err), nil
		}
		text, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("%s: encode response: %w", tool.Name, err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(text)}}}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	res := &mcp.CallToolResult{}
	res.SetError(err)
	return res
}
