package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/concierge/internal/buildinfo"
)

// Client talks to a single MCP server.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	seq       atomic.Int64

	mu    sync.Mutex
	tools []Tool
}

// NewClient returns a client for the named server. Call Initialize
// before anything else.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("action_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "concierge",
			"version": buildinfo.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}

	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	c.logger.Info("action server initialized",
		"server_name", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol_version", res.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// ListTools returns the server's actions, following pagination. The
// list is fetched once and cached.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tools != nil {
		return c.tools, nil
	}

	var all []Tool
	cursor := ""
	for {
		var params map[string]any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list %s: %w", c.name, err)
		}
		var page listToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if all == nil {
		all = []Tool{}
	}
	c.tools = all
	c.logger.Info("discovered actions", "count", len(all))
	return all, nil
}

// CallTool performs an action. An error is returned only for transport
// and protocol failures; a failure reported by the action itself comes
// back as a result with IsError set.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var res CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &res, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close shuts down the transport.
func (c *Client) Close() error {
	c.logger.Debug("closing action server client")
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := c.transport.Send(ctx, NewRequest(c.seq.Add(1), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
