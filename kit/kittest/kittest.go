// Package kittest connects an MCP client to tools registered in-process,
// over the SDK's in-memory transports.
package kittest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client is a connected test session.
type Client struct {
	t  testing.TB
	cs *mcp.ClientSession
}

// Connect starts a server, lets each register add its tools, and returns
// a client connected to it. Both end with the test.
func Connect(t testing.TB, register ...func(*mcp.Server)) *Client {
	t.Helper()
	impl := &mcp.Implementation{Name: t.Name(), Version: "0.0.0"}
	srv := mcp.NewServer(impl, nil)
	for _, r := range register {
		r(srv)
	}
	serverEnd, clientEnd := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx, serverEnd) }()

	cs, err := mcp.NewClient(impl, nil).Connect(ctx, clientEnd, nil)
	if err != nil {
		cancel()
		t.Fatalf("kittest: connect: %v", err)
	}
	t.Cleanup(func() {
		cs.Close()
		cancel()
	})
	return &Client{t: t, cs: cs}
}

// Call invokes a tool and returns its text and whether it reported an
// error. Transport failures end the test.
func (c *Client) Call(name string, args any) (string, bool) {
	c.t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		c.t.Fatalf("kittest: call %s: %v", name, err)
	}
	if len(res.Content) == 0 {
		c.t.Fatalf("kittest: call %s: empty result", name)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		c.t.Fatalf("kittest: call %s: content is %T, not text", name, res.Content[0])
	}
	return tc.Text, res.IsError
}

// Decode invokes a tool that must succeed and unmarshals its JSON result
// into v.
func (c *Client) Decode(name string, args, v any) {
	c.t.Helper()
	text, isErr := c.Call(name, args)
	if isErr {
		c.t.Fatalf("kittest: %s failed: %s", name, text)
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		c.t.Fatalf("kittest: %s: decode %q: %v", name, text, err)
	}
}
