package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// newSSEServer serves the MCP SSE transport with one "search" tool.
func newSSEServer(t *testing.T) *httptest.Server {
	t.Helper()
	replies := make(chan string, 16)
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /mcp/rpc?session=1\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case msg := <-replies:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/mcp/rpc", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var result string
		switch {
		case req.Method == "tools/list":
			result = `{"result":{"tools":[{"name":"search","description":"Search the web"}]}}`
		case req.Method == "tools/call" && req.Params.Name == "search":
			result = fmt.Sprintf(`{"result":{"content":[{"type":"text","text":"found %v"}]}}`, req.Params.Arguments["q"])
		default:
			result = `{"error":{"code":-32601,"message":"no such tool"}}`
		}
		replies <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,%s`, req.ID, strings.TrimPrefix(result, "{"))
		w.WriteHeader(http.StatusAccepted)
	})
	return httptest.NewServer(mux)
}

func TestClientConnectAndCall(t *testing.T) {
	srv := newSSEServer(t)
	defer srv.Close()

	c := NewClient("web-search", srv.URL+"/mcp/sse", zap.NewNop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !strings.HasSuffix(c.rpcURL, "/mcp/rpc?session=1") || !strings.HasPrefix(c.rpcURL, srv.URL) {
		t.Errorf("rpc url = %s", c.rpcURL)
	}
	if _, ok := c.Tool("search"); !ok {
		t.Fatalf("search tool not discovered: %+v", c.ListTools())
	}

	out, err := c.CallTool(ctx, "search", map[string]interface{}{"q": "chi router"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "found chi router" {
		t.Errorf("output = %q", out)
	}

	if _, err := c.CallTool(ctx, "missing", nil); err == nil || !strings.Contains(err.Error(), "no such tool") {
		t.Errorf("expected rpc error, got %v", err)
	}
}

func TestClientCallAfterClose(t *testing.T) {
	c := NewClient("x", "http://127.0.0.1:1/sse", zap.NewNop())
	c.Close()
	if _, err := c.CallTool(context.Background(), "t", nil); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestResolveURL(t *testing.T) {
	c := NewClient("x", "http://localhost:8080/mcp/sse", zap.NewNop())
	tests := map[string]string{
		"/messages?id=1":         "http://localhost:8080/messages?id=1",
		"messages":               "http://localhost:8080/messages",
		"https://other.host/rpc": "https://other.host/rpc",
	}
	for in, want := range tests {
		if got := c.resolveURL(in); got != want {
			t.Errorf("resolveURL(%q) = %q, want %q", in, got, want)
		}
	}
}

type fakeCaller struct {
	name  string
	tools map[string]ToolInfo
	calls []string
}

func (f *fakeCaller) Name() string { return f.name }
func (f *fakeCaller) Tool(name string) (ToolInfo, bool) {
	t, ok := f.tools[name]
	return t, ok
}
func (f *fakeCaller) CallTool(_ context.Context, name string, _ map[string]interface{}) (string, error) {
	f.calls = append(f.calls, name)
	return "ok:" + name, nil
}
func (f *fakeCaller) Close() error { return nil }

func TestPool(t *testing.T) {
	fc := &fakeCaller{name: "web-search", tools: map[string]ToolInfo{"search": {Name: "search"}}}
	p := NewPool(zap.NewNop())
	p.Add(fc)

	if _, ok := p.Tool("mcp:web-search:search"); !ok {
		t.Error("expected tool lookup to succeed")
	}
	if _, ok := p.Tool("mcp:web-search:fetch"); ok {
		t.Error("unexposed tool must not resolve")
	}
	out, err := p.Call(context.Background(), "mcp:web-search:search", nil)
	if err != nil || out != "ok:search" {
		t.Fatalf("call = %q, %v", out, err)
	}
	if _, err := p.Call(context.Background(), "mcp:offline:search", nil); err == nil {
		t.Error("expected error for unconnected server")
	}
	if _, err := p.Call(context.Background(), "search", nil); err == nil {
		t.Error("expected error for malformed reference")
	}
	p.Close()
}

func TestParseRef(t *testing.T) {
	server, tool, ok := ParseRef("mcp:web-search:search")
	if !ok || server != "web-search" || tool != "search" {
		t.Errorf("ParseRef = %q %q %v", server, tool, ok)
	}
	for _, bad := range []string{"mcp:web-search", "mcp::search", "tool:a:b"} {
		if _, _, ok := ParseRef(bad); ok {
			t.Errorf("ParseRef(%q) should fail", bad)
		}
	}
}
