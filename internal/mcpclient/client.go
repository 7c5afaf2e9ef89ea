// Package mcpclient talks MCP (Model Context Protocol) to the servers running
// inside sandboxed containers, over the streamable HTTP transport.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archestra/sandboxd/internal/model"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const clientName = "sandboxd"

// Client performs tool discovery and tool dispatch against one MCP endpoint
// per call. Connections are short-lived: the sandbox layer re-lists tools on
// container transitions, so there is no long-lived session to maintain.
type Client struct {
	timeout time.Duration
	version string
}

func New(timeout time.Duration, version string) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if version == "" {
		version = "dev"
	}
	return &Client{timeout: timeout, version: version}
}

// ListTools connects to an MCP endpoint, initializes the session and returns
// the advertised tools.
func (c *Client) ListTools(ctx context.Context, endpoint string) ([]model.ToolDef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	mc, err := c.connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer mc.Close()

	result, err := mc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tool listing failed: %w", err)
	}

	tools := make([]model.ToolDef, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input schema for tool %q: %w", tool.Name, err)
		}
		tools = append(tools, model.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// ListResources connects to an MCP endpoint and returns the advertised
// resources. Servers without the resources capability yield an error; callers
// treat that as "no resources".
func (c *Client) ListResources(ctx context.Context, endpoint string) ([]model.ResourceDef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	mc, err := c.connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer mc.Close()

	result, err := mc.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("resource listing failed: %w", err)
	}

	resources := make([]model.ResourceDef, 0, len(result.Resources))
	for _, res := range result.Resources {
		resources = append(resources, model.ResourceDef{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MimeType:    res.MIMEType,
		})
	}
	return resources, nil
}

// CallTool forwards a tool call to an MCP endpoint and returns the raw result.
func (c *Client) CallTool(ctx context.Context, endpoint, name string, arguments map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	mc, err := c.connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer mc.Close()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	result, err := mc.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool call %q failed: %w", name, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return raw, nil
}

func (c *Client) connect(ctx context.Context, endpoint string) (*client.Client, error) {
	mc, err := client.NewStreamableHttpClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp client: %w", err)
	}
	if err := mc.Start(ctx); err != nil {
		mc.Close()
		return nil, fmt.Errorf("failed to start mcp transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: c.version}
	if _, err := mc.Initialize(ctx, initReq); err != nil {
		mc.Close()
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return mc, nil
}
