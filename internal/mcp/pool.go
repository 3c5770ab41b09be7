package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ServerConfig describes how to reach one action server.
type ServerConfig struct {
	Name      string
	Transport string // "stdio" or "http"

	Command string
	Args    []string
	Env     []string
	Dir     string

	URL     string
	Headers map[string]string
}

// Pool holds an initialized client per configured action server.
type Pool struct {
	order   []string
	clients map[string]*Client
}

// NewPool wraps already initialized clients. The first client is the
// default server.
func NewPool(clients ...*Client) *Pool {
	p := &Pool{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		p.order = append(p.order, c.Name())
		p.clients[c.Name()] = c
	}
	return p
}

// Connect starts and initializes every server, in order. If any server
// fails, the ones already started are closed.
func Connect(ctx context.Context, servers []ServerConfig, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := NewPool()
	for _, s := range servers {
		var tr Transport
		switch s.Transport {
		case "", "stdio":
			tr = NewStdioTransport(StdioConfig{
				Command: s.Command,
				Args:    s.Args,
				Env:     s.Env,
				Dir:     s.Dir,
				Logger:  logger.With("action_server", s.Name),
			})
		case "http":
			tr = NewHTTPTransport(HTTPConfig{
				URL:     s.URL,
				Headers: s.Headers,
				Logger:  logger.With("action_server", s.Name),
			})
		default:
			p.Close()
			return nil, fmt.Errorf("action server %s: unknown transport %q", s.Name, s.Transport)
		}

		c := NewClient(s.Name, tr, logger)
		if err := c.Initialize(ctx); err != nil {
			_ = tr.Close()
			p.Close()
			return nil, err
		}
		if _, err := c.ListTools(ctx); err != nil {
			_ = tr.Close()
			p.Close()
			return nil, err
		}
		p.order = append(p.order, s.Name)
		p.clients[s.Name] = c
	}
	return p, nil
}

// Default returns the name of the first server, or "".
func (p *Pool) Default() string {
	if len(p.order) == 0 {
		return ""
	}
	return p.order[0]
}

// Client returns the client for a server name, "" meaning the default.
func (p *Pool) Client(server string) (*Client, bool) {
	if server == "" {
		server = p.Default()
	}
	c, ok := p.clients[server]
	return c, ok
}

// Servers returns the server names in configuration order.
func (p *Pool) Servers() []string {
	return append([]string(nil), p.order...)
}

// Available lists the action names of every server.
func (p *Pool) Available(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string, len(p.order))
	for _, name := range p.order {
		tools, err := p.clients[name].ListTools(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		out[name] = names
	}
	return out, nil
}

// Tools returns the advertised actions of one server keyed by name.
func (p *Pool) Tools(ctx context.Context, server string) (map[string]Tool, error) {
	c, ok := p.Client(server)
	if !ok {
		return nil, fmt.Errorf("unknown action server %q", server)
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Tool, len(tools))
	for _, t := range tools {
		out[t.Name] = t
	}
	return out, nil
}

// CallTool performs an action on the named server.
func (p *Pool) CallTool(ctx context.Context, server, name string, args map[string]any) (*CallResult, error) {
	c, ok := p.Client(server)
	if !ok {
		return nil, fmt.Errorf("unknown action server %q", server)
	}
	return c.CallTool(ctx, name, args)
}

// Close closes every client.
func (p *Pool) Close() error {
	var errs []error
	for _, name := range p.order {
		if err := p.clients[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
