package mcp

import (
	"context"
	"errors"
	"fmt"
)

// LocalTransport calls a Server in the same process.
type LocalTransport struct {
	server *Server
}

// NewLocalTransport wraps server.
func NewLocalTransport(server *Server) (*LocalTransport, error) {
	if server == nil {
		return nil, errors.New("local transport requires a server")
	}
	return &LocalTransport{server: server}, nil
}

// Send implements Transport.
func (t *LocalTransport) Send(ctx context.Context, method string, params any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch method {
	case "tools/list":
		return t.server.ListTools(), nil
	case "tools/call":
		p, ok := params.(CallToolParams)
		if !ok {
			return nil, fmt.Errorf("invalid params type for tools/call: %T", params)
		}
		return t.server.CallTool(ctx, p)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
}

// Close implements Transport.
func (t *LocalTransport) Close() error { return nil }
