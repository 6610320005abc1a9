package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned for calls on a closed client.
var ErrClosed = errors.New("mcp client closed")

const rpcTimeout = 30 * time.Second

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

// Client is an MCP SSE client: it holds the event stream open, posts
// JSON-RPC requests to the endpoint the server announces, and matches the
// replies that arrive on the stream by request id.
type Client struct {
	name    string
	sseURL  string
	rpcURL  string
	http    *http.Client
	tools   []ToolInfo
	pending map[int64]chan rpcReply
	nextID  atomic.Int64
	closed  bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewClient creates a new MCP client for the given SSE endpoint.
func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	return &Client{
		name:    name,
		sseURL:  sseURL,
		http:    &http.Client{},
		pending: make(map[int64]chan rpcReply),
		logger:  logger,
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// ListTools returns the tools discovered on Connect.
func (c *Client) ListTools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// Tool returns one discovered tool by name.
func (c *Client) Tool(name string) (ToolInfo, bool) {
	for _, t := range c.ListTools() {
		if t.Name == name {
			return t, true
		}
	}
	return ToolInfo{}, false
}

// Connect opens the event stream, waits for the endpoint event and fetches
// the tool list. The stream outlives ctx; Close ends it.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp sse status %d", resp.StatusCode)
	}

	events := newEventReader(resp.Body)
	endpoint, err := events.waitFor("endpoint")
	if err != nil {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp endpoint event: %w", err)
	}
	c.rpcURL = c.resolveURL(endpoint)
	c.cancel = cancel
	c.logger.Info("MCP endpoint discovered", zap.String("name", c.name), zap.String("rpc", c.rpcURL))

	go c.readStream(events, resp.Body)

	if err := c.fetchTools(ctx); err != nil {
		return fmt.Errorf("mcp list tools: %w", err)
	}
	c.logger.Info("MCP tools discovered", zap.String("name", c.name), zap.Int("count", len(c.ListTools())))
	return nil
}

// resolveURL turns a relative endpoint into an absolute URL on the SSE host.
func (c *Client) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	scheme := strings.Index(c.sseURL, "://")
	host := c.sseURL
	if scheme >= 0 {
		if slash := strings.Index(c.sseURL[scheme+3:], "/"); slash >= 0 {
			host = c.sseURL[:scheme+3+slash]
		}
	}
	return host + "/" + strings.TrimPrefix(path, "/")
}

type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &eventReader{scanner: s}
}

// next returns the type and data of the next complete event.
func (r *eventReader) next() (string, string, error) {
	var eventType string
	var data []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return eventType, strings.Join(data, "\n"), nil
			}
			eventType = ""
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", "", err
	}
	return "", "", io.EOF
}

func (r *eventReader) waitFor(eventType string) (string, error) {
	for {
		t, data, err := r.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("SSE stream ended without %s event", eventType)
			}
			return "", err
		}
		if t == eventType {
			return data, nil
		}
	}
}

// readStream dispatches JSON-RPC replies until the stream ends, then fails
// every call still waiting.
func (c *Client) readStream(events *eventReader, body io.ReadCloser) {
	defer body.Close()
	for {
		t, data, err := events.next()
		if err != nil {
			c.failPending(fmt.Errorf("mcp stream %s: %w", c.name, err))
			return
		}
		if t == "message" || t == "" {
			c.dispatch([]byte(data))
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		ID     *int64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.ID == nil {
		c.logger.Debug("mcp: ignoring non-reply event", zap.String("name", c.name))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*envelope.ID]
	delete(c.pending, *envelope.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if envelope.Error != nil {
		ch <- rpcReply{err: fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)}
		return
	}
	ch <- rpcReply{result: envelope.Result}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcReply{err: err}
		delete(c.pending, id)
	}
}

// call posts a JSON-RPC request and waits for its reply on the stream.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	body, err := json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		forget()
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		forget()
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		forget()
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		forget()
		return nil, fmt.Errorf("send rpc: status %d", resp.StatusCode)
	}

	timer := time.NewTimer(rpcTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply.result, reply.err
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("mcp rpc timeout for %s", method)
	}
}

func (c *Client) fetchTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a tool on the MCP server and returns its text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	result, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || len(resp.Content) == 0 {
		return string(result), nil
	}
	var texts []string
	for _, part := range resp.Content {
		if part.Type == "text" || part.Type == "" {
			texts = append(texts, part.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if resp.IsError {
		return "", fmt.Errorf("mcp call %s: %s", name, text)
	}
	return text, nil
}

// Close ends the event stream and fails pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.failPending(ErrClosed)
	return nil
}
