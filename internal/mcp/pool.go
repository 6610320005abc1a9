package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Caller is the part of a Client the pool needs.
type Caller interface {
	Name() string
	Tool(name string) (ToolInfo, bool)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Close() error
}

// Pool routes "mcp:<server>:<tool>" references to connected servers.
type Pool struct {
	mu      sync.RWMutex
	servers map[string]Caller
	logger  *zap.Logger
}

// NewPool creates an empty pool.
func NewPool(logger *zap.Logger) *Pool {
	return &Pool{servers: make(map[string]Caller), logger: logger}
}

// Add registers a connected server under its name.
func (p *Pool) Add(c Caller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers[c.Name()] = c
}

// ParseRef splits "mcp:<server>:<tool>".
func ParseRef(ref string) (server, tool string, ok bool) {
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) != 3 || parts[0] != "mcp" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Tool looks up the description of a referenced tool. It reports false when
// the server is not connected or does not expose the tool.
func (p *Pool) Tool(ref string) (ToolInfo, bool) {
	server, tool, ok := ParseRef(ref)
	if !ok {
		return ToolInfo{}, false
	}
	p.mu.RLock()
	c, ok := p.servers[server]
	p.mu.RUnlock()
	if !ok {
		return ToolInfo{}, false
	}
	return c.Tool(tool)
}

// Call invokes a referenced tool.
func (p *Pool) Call(ctx context.Context, ref string, args map[string]interface{}) (string, error) {
	server, tool, ok := ParseRef(ref)
	if !ok {
		return "", fmt.Errorf("malformed mcp tool reference %q", ref)
	}
	p.mu.RLock()
	c, ok := p.servers[server]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mcp server %s not connected", server)
	}
	return c.CallTool(ctx, tool, args)
}

// Close closes every server connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, c := range p.servers {
		if err := c.Close(); err != nil {
			p.logger.Warn("mcp close failed", zap.String("name", name), zap.Error(err))
		}
	}
}
