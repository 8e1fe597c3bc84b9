package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/agenthub-ai/agenthub/internal/logger"
)

// ErrConnectionClosed is returned for calls on a connection after Close.
var ErrConnectionClosed = errors.New("backend connection is closed")

const rpcProtocolVersion = "2025-03-26"

// OperationSpec describes one operation advertised by a backend.
type OperationSpec struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	InputSchema      map[string]interface{} `json:"input_schema,omitempty"`
	ResponseHandling map[string]interface{} `json:"response_handling,omitempty"`
}

// ContentBlock is one piece of a call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the outcome of an operation invocation.
type CallResult struct {
	Content    []ContentBlock `json:"content,omitempty"`
	Structured interface{}    `json:"structured,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// Flatten renders the result as the single text payload handed back to the
// model: text blocks joined by blank lines, structured content appended as
// indented JSON, with a fixed sentence for empty results.
func (r *CallResult) Flatten() string {
	if r == nil {
		return "The operation returned no content."
	}

	parts := make([]string, 0, len(r.Content)+1)
	for _, block := range r.Content {
		if block.Type != "text" {
			continue
		}
		if text := strings.TrimSpace(block.Text); text != "" {
			parts = append(parts, text)
		}
	}

	if r.Structured != nil {
		if data, err := json.MarshalIndent(r.Structured, "", "  "); err == nil {
			parts = append(parts, string(data))
		}
	}

	text := strings.Join(parts, "\n\n")
	if text == "" {
		text = "The operation returned no content."
	}
	if r.IsError {
		text = "[backend:error] " + text
	}
	return text
}

// Connection is a JSON-RPC 2.0 session with a tool backend over HTTP.
type Connection struct {
	desc       Descriptor
	serverName string
	client     *http.Client
	log        *logger.Logger
	nextID     atomic.Int64
	closed     atomic.Bool
}

// Dial opens and initializes a connection to the described backend.
func Dial(ctx context.Context, desc Descriptor, client *http.Client) (*Connection, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}

	conn := &Connection{
		desc:   desc,
		client: client,
		log:    logger.Global().WithPrefix("backend:" + desc.Name),
	}

	var initResult struct {
		ServerName      string `json:"server_name"`
		ProtocolVersion string `json:"protocol_version"`
	}
	err := conn.call(ctx, "initialize", map[string]interface{}{
		"protocol_version": rpcProtocolVersion,
	}, &initResult)
	if err != nil {
		return nil, fmt.Errorf("initializing backend %q: %w", desc.Name, err)
	}

	conn.serverName = initResult.ServerName
	conn.log.Debug("initialized (server=%q protocol=%q)", initResult.ServerName, initResult.ProtocolVersion)
	return conn, nil
}

// Name returns the descriptor name the connection was opened with.
func (c *Connection) Name() string {
	return c.desc.Name
}

// Descriptor returns the descriptor the connection was opened with.
func (c *Connection) Descriptor() Descriptor {
	return c.desc
}

// ListOperations fetches the operations the backend advertises.
func (c *Connection) ListOperations(ctx context.Context) ([]OperationSpec, error) {
	var result struct {
		Operations []OperationSpec `json:"operations"`
	}
	if err := c.call(ctx, "operations/list", map[string]interface{}{}, &result); err != nil {
		return nil, fmt.Errorf("listing operations on %q: %w", c.desc.Name, err)
	}
	return result.Operations, nil
}

// CallOperation invokes a named operation with the given arguments.
func (c *Connection) CallOperation(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	var result CallResult
	err := c.call(ctx, "operations/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("calling %q on %q: %w", name, c.desc.Name, err)
	}
	return &result, nil
}

// Close marks the connection closed. Closing twice is a no-op.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.log.Debug("closed")
	return nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (c *Connection) call(ctx context.Context, method string, params, out interface{}) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.desc.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.desc.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s request failed: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// IsClosedError reports whether err indicates the connection (or its
// transport) was torn down and a rebuild may clear the condition.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "use of closed network connection")
}
