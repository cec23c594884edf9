// Package protocol implements the JSON-RPC 2.0 session state on top of one
// [transport.Stdio]: id allocation, the pending-request table, the
// initialize handshake, and incoming-message dispatch.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basilisklabs/toolmesh/internal/jsonrpc"
	"github.com/basilisklabs/toolmesh/internal/transport"
)

const (
	defaultSendTimeout = 30 * time.Second
	protocolVersion    = "2024-11-05"
)

// ClientInfo identifies this host to a tool server during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertised at initialize time. Only the two named in
// spec.md §6 are carried.
type Capabilities struct {
	Roots    RootsCapability    `json:"roots"`
	Sampling SamplingCapability `json:"sampling"`
}

type RootsCapability struct {
	ListRoots bool `json:"listRoots"`
}

type SamplingCapability struct{}

type initializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// InitializeResult is the server's response to initialize.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      ClientInfo      `json:"serverInfo"`
}

// Tool is one tool's advertised definition, as returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

type callToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content           json.RawMessage `json:"content,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

// RequestHandler answers an incoming request from the server; returning an
// error causes the handler to reply with a -32603 error response.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// NotificationHandler observes an incoming notification.
type NotificationHandler func(method string, params json.RawMessage)

type pendingRequest struct {
	resultCh chan *jsonrpc.Message
	timer    *time.Timer
}

// Handler owns JSON-RPC session state for exactly one [transport.Stdio].
// Id allocation is a monotonically increasing integer unique to this
// Handler.
type Handler struct {
	clientInfo ClientInfo
	transport  *transport.Stdio
	logger     *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest

	onRequest      RequestHandler
	onNotification NotificationHandler

	stopped atomic.Bool
}

// New builds a Handler that will identify itself with clientInfo during
// initialize.
func New(clientInfo ClientInfo, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		clientInfo: clientInfo,
		logger:     logger,
		pending:    make(map[int64]*pendingRequest),
	}
}

// SetRequestHandler registers the callback used to answer incoming
// requests. Without one, incoming requests are answered with -32601.
func (h *Handler) SetRequestHandler(fn RequestHandler) {
	h.onRequest = fn
}

// SetNotificationHandler registers the callback used to observe incoming
// notifications.
func (h *Handler) SetNotificationHandler(fn NotificationHandler) {
	h.onNotification = fn
}

// Start attaches the Handler's message dispatch to tr and begins its read
// loop.
func (h *Handler) Start(ctx context.Context, tr *transport.Stdio) error {
	h.transport = tr
	tr.SetMessageHandler(h.handleMessage)
	tr.SetErrorHandler(func(err error) {
		h.logger.Warn("protocol: transport frame error", "error", err)
	})
	return tr.Start(ctx)
}

// Initialize performs the initialize handshake and, on success, sends
// notifications/initialized.
func (h *Handler) Initialize(ctx context.Context) (*InitializeResult, error) {
	var result InitializeResult
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    Capabilities{Roots: RootsCapability{ListRoots: false}},
		ClientInfo:      h.clientInfo,
	}
	if err := h.SendRequest(ctx, "initialize", params, defaultSendTimeout, &result); err != nil {
		return nil, fmt.Errorf("protocol: initialize: %w", err)
	}
	if err := h.SendNotification("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("protocol: notifications/initialized: %w", err)
	}
	return &result, nil
}

// ListTools sends tools/list and returns the advertised tools, or an empty
// slice if the server reports none.
func (h *Handler) ListTools(ctx context.Context) ([]Tool, error) {
	var result listToolsResult
	if err := h.SendRequest(ctx, "tools/list", struct{}{}, defaultSendTimeout, &result); err != nil {
		return nil, fmt.Errorf("protocol: tools/list: %w", err)
	}
	if result.Tools == nil {
		return []Tool{}, nil
	}
	return result.Tools, nil
}

// CallTool sends tools/call for name with arguments and returns the raw
// result.
func (h *Handler) CallTool(ctx context.Context, name string, arguments any) (*CallToolResult, error) {
	var result CallToolResult
	params := callToolParams{Name: name, Arguments: arguments}
	if err := h.SendRequest(ctx, "tools/call", params, defaultSendTimeout, &result); err != nil {
		return nil, fmt.Errorf("protocol: tools/call %s: %w", name, err)
	}
	return &result, nil
}

// SendRequest sends a generic request and blocks until a matching response
// arrives, the timeout elapses, or ctx is cancelled. On success, result is
// populated by unmarshaling the response's result field.
func (h *Handler) SendRequest(ctx context.Context, method string, params any, timeout time.Duration, result any) error {
	if h.stopped.Load() {
		return fmt.Errorf("protocol: handler stopped")
	}
	if timeout == 0 {
		return fmt.Errorf("protocol: request %s timed out after 0s", method)
	}
	if timeout < 0 {
		timeout = defaultSendTimeout
	}

	id := h.nextID.Add(1)
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("protocol: build request: %w", err)
	}

	resultCh := make(chan *jsonrpc.Message, 1)
	timer := time.AfterFunc(timeout, func() { h.timeoutPending(id) })

	h.mu.Lock()
	h.pending[id] = &pendingRequest{resultCh: resultCh, timer: timer}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		timer.Stop()
	}()

	if err := h.transport.Send(msg); err != nil {
		return fmt.Errorf("protocol: send %s: %w", method, err)
	}

	select {
	case resp, ok := <-resultCh:
		if !ok {
			if h.stopped.Load() {
				return fmt.Errorf("protocol: request %s rejected: handler stopped", method)
			}
			return fmt.Errorf("protocol: request %s timed out after %s", method, timeout)
		}
		if resp.Error != nil {
			return fmt.Errorf("protocol: %s returned error %d: %w", method, resp.Error.Code, resp.Error)
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("protocol: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("protocol: request %s cancelled: %w", method, ctx.Err())
	}
}

// SendNotification sends a fire-and-forget message: no id, no response
// expected.
func (h *Handler) SendNotification(method string, params any) error {
	if h.stopped.Load() {
		return fmt.Errorf("protocol: handler stopped")
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("protocol: build notification: %w", err)
	}
	return h.transport.Send(msg)
}

// Stop rejects all pending requests with a stop error and releases the
// transport.
func (h *Handler) Stop() error {
	h.stopped.Store(true)

	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[int64]*pendingRequest)
	h.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		close(p.resultCh)
	}

	if h.transport != nil {
		return h.transport.Stop()
	}
	return nil
}

func (h *Handler) timeoutPending(id int64) {
	h.mu.Lock()
	p, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if ok {
		close(p.resultCh)
	}
}

// handleMessage classifies an inbound message and dispatches it per
// spec.md §4.2.
func (h *Handler) handleMessage(msg *jsonrpc.Message) {
	switch jsonrpc.Classify(msg) {
	case jsonrpc.KindResponse:
		h.dispatchResponse(msg)
	case jsonrpc.KindNotification:
		if h.onNotification != nil {
			h.onNotification(msg.Method, msg.Params)
		}
	case jsonrpc.KindRequest:
		h.dispatchIncomingRequest(msg)
	default:
		h.logger.Debug("protocol: dropped unclassifiable message", "message", msg)
	}
}

func (h *Handler) dispatchResponse(msg *jsonrpc.Message) {
	id, ok := normalizeResponseID(msg.ID)
	if !ok {
		return
	}

	h.mu.Lock()
	p, found := h.pending[id]
	if found {
		delete(h.pending, id)
	}
	h.mu.Unlock()

	if !found {
		return
	}
	p.timer.Stop()
	p.resultCh <- msg
}

func (h *Handler) dispatchIncomingRequest(msg *jsonrpc.Message) {
	if h.onRequest == nil {
		h.replyError(msg.ID, jsonrpc.CodeMethodNotFound, "Method not found")
		return
	}

	result, err := h.onRequest(context.Background(), msg.Method, msg.Params)
	if err != nil {
		h.replyError(msg.ID, jsonrpc.CodeInternalError, err.Error())
		return
	}

	resp, err := jsonrpc.NewResultResponse(msg.ID, result)
	if err != nil {
		h.replyError(msg.ID, jsonrpc.CodeInternalError, err.Error())
		return
	}
	if err := h.transport.Send(resp); err != nil {
		h.logger.Warn("protocol: failed to send response to incoming request", "method", msg.Method, "error", err)
	}
}

func (h *Handler) replyError(id any, code int, message string) {
	resp := jsonrpc.NewErrorResponse(id, code, message)
	if err := h.transport.Send(resp); err != nil {
		h.logger.Warn("protocol: failed to send error response", "error", err)
	}
}

func normalizeResponseID(id any) (int64, bool) {
	switch v := jsonrpc.NormalizeID(id).(type) {
	case int64:
		return v, true
	default:
		return 0, false
	}
}
