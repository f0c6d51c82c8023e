package mcp

import (
	"context"
	"fmt"
	"sync"
)

// ServerConfig tells a Client how to reach one provider's tools.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // "local" or "http"
	Address   string `yaml:"address"`

	// Server is used by the local transport.
	Server *Server `yaml:"-"`
}

// Client keeps one Session per configured server.
type Client struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewClient creates an empty client.
func NewClient() *Client {
	return &Client{sessions: make(map[string]*Session)}
}

// Connect returns the session for cfg.Name, creating it on first use.
func (c *Client) Connect(ctx context.Context, cfg ServerConfig) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[cfg.Name]; ok {
		return s, nil
	}

	var (
		transport Transport
		err       error
	)
	switch cfg.Transport {
	case "", "local":
		transport, err = NewLocalTransport(cfg.Server)
	case "http":
		transport, err = NewHTTPTransport(cfg.Address, nil)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", cfg.Name, err)
	}

	s := &Session{name: cfg.Name, transport: transport, tools: make(map[string]Tool)}
	c.sessions[cfg.Name] = s
	return s, nil
}

// Session returns a connected session by name.
func (c *Client) Session(name string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[name]
	return s, ok
}

// Close closes every session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, s := range c.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.sessions = make(map[string]*Session)
	return firstErr
}

// Session is a connection to one provider's tool server.
type Session struct {
	name      string
	transport Transport
	tools     map[string]Tool
	mu        sync.RWMutex
}

// Name returns the server name.
func (s *Session) Name() string { return s.name }

// ListTools fetches and caches the server's tool list.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := s.transport.Send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools, ok := result.([]Tool)
	if !ok {
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tools {
		s.tools[t.Name] = t
	}
	return tools, nil
}

// Tool returns a cached tool definition.
func (s *Session) Tool(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// CallTool invokes name with args. A non-nil error means the call did not
// reach the tool or its answer could not be read.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	result, err := s.transport.Send(ctx, "tools/call", CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	r, ok := result.(*CallToolResult)
	if !ok {
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}
	return r, nil
}

// Close closes the transport.
func (s *Session) Close() error {
	return s.transport.Close()
}
