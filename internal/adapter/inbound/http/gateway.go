package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/orgbridge/orgbridge/internal/domain/grant"
	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
	"github.com/orgbridge/orgbridge/internal/domain/token"
	"github.com/orgbridge/orgbridge/internal/domain/tool"
	"github.com/orgbridge/orgbridge/pkg/mcp"
)

// SessionIDParam is the query parameter binding a POST or DELETE to a stream.
const SessionIDParam = "session_id"

// caller is an authenticated gateway request.
type caller struct {
	claims      *grant.Claims
	accessToken string
	tokenHash   string
	requestID   string
}

func (c *caller) scope() tool.Scope {
	return tool.Scope{
		UserID:         c.claims.UserID,
		OrganizationID: c.claims.OrganizationID,
		GrantID:        c.claims.GrantID,
		ClientName:     c.claims.ClientName,
	}
}

// authenticate validates the bearer token. Any failure is reported to the
// client as a bare 401 and nil is returned.
func (t *HTTPTransport) authenticate(w http.ResponseWriter, r *http.Request) *caller {
	accessToken := bearerToken(r)
	if accessToken == "" {
		writeUnauthorized(w)
		return nil
	}
	claims, err := t.authority.Validate(r.Context(), accessToken)
	if err != nil {
		LoggerFromContext(r.Context()).Debug("gateway authentication failed",
			"conn_id", token.ConnectionID(accessToken),
			"error", err,
		)
		writeUnauthorized(w)
		return nil
	}
	return &caller{
		claims:      claims,
		accessToken: accessToken,
		tokenHash:   token.Hash(accessToken),
		requestID:   RequestIDFromContext(r.Context()),
	}
}

// handleStream serves GET /mcp: a long-lived event stream that delivers
// responses to messages posted with its session_id.
func (t *HTTPTransport) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	c := t.authenticate(w, r)
	if c == nil {
		return
	}
	logger := LoggerFromContext(r.Context()).With(
		"conn_id", token.ConnectionID(c.accessToken),
		"grant_id", c.claims.GrantID,
	)

	// Keeps the request logger and ID; cancelled by streams.remove.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	s := &stream{
		id:          uuid.NewString(),
		connID:      token.ConnectionID(c.accessToken),
		accessToken: c.accessToken,
		claims:      c.claims,
		out:         make(chan []byte, t.cfg.StreamBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
	if err := t.streams.add(s); err != nil {
		cancel()
		logger.Warn("stream rejected", "user_id", c.claims.UserID, "error", err)
		http.Error(w, "Too Many Connections", http.StatusTooManyRequests)
		return
	}
	defer t.streams.remove(s)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprintf(w, "event: endpoint\ndata: /mcp?%s=%s\n\n", SessionIDParam, s.id)
	flusher.Flush()
	logger.Info("stream opened", "session_id", s.id)

	interval := t.cfg.RevalidateInterval
	if interval <= 0 {
		interval = DefaultGatewayConfig().RevalidateInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("stream closed by client", "session_id", s.id)
			return
		case <-s.ctx.Done():
			logger.Info("stream terminated", "session_id", s.id)
			return
		case <-ticker.C:
			if !t.stillValid(r.Context(), s) {
				logger.Info("stream closed, token no longer valid", "session_id", s.id)
				return
			}
		case msg := <-s.out:
			if !t.stillValid(r.Context(), s) {
				logger.Info("stream closed, token no longer valid", "session_id", s.id)
				return
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// stillValid re-checks the stream's token and grant.
func (t *HTTPTransport) stillValid(ctx context.Context, s *stream) bool {
	claims, err := t.authority.Validate(ctx, s.accessToken)
	return err == nil && claims.GrantID == s.claims.GrantID
}

// handleMessage serves POST /mcp. Without session_id the response is the
// HTTP body; with it the message is processed under the stream's context
// and the response is delivered on the stream.
func (t *HTTPTransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	c := t.authenticate(w, r)
	if c == nil {
		return
	}

	var s *stream
	if sessionID := r.URL.Query().Get(SessionIDParam); sessionID != "" {
		s = t.streams.get(sessionID)
		if s == nil || s.claims.GrantID != c.claims.GrantID {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
	}

	body, rpcErr := readMessageBody(w, r, t.cfg.MaxBodyBytes)
	if rpcErr != nil {
		writeRPC(w, mcp.NewErrorResponse(nil, rpcErr))
		return
	}
	msg, err := mcp.Decode(body)
	if err != nil {
		var decodeErr *mcp.Error
		if !errors.As(err, &decodeErr) {
			decodeErr = mcp.NewError(mcp.CodeParseError, "Parse error")
		}
		writeRPC(w, mcp.NewErrorResponse(nil, decodeErr))
		return
	}

	if s != nil {
		t.dispatch.Add(1)
		go func() {
			defer t.dispatch.Done()
			resp := t.handleRPC(s.ctx, c, msg)
			if resp == nil {
				return
			}
			data, err := resp.Encode()
			if err != nil {
				t.logger.Error("failed to encode response", "error", err)
				return
			}
			s.push(data)
		}()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := t.handleRPC(r.Context(), c, msg)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, resp)
}

// readMessageBody reads a JSON-RPC body within the size limit.
func readMessageBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, *mcp.Error) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		return nil, mcp.NewError(mcp.CodeParseError, "Parse error: content type must be application/json")
	}
	if limit <= 0 {
		limit = DefaultGatewayConfig().MaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, mcp.NewError(mcp.CodeParseError, "Parse error: request body too large")
		}
		return nil, mcp.NewError(mcp.CodeParseError, "Parse error: failed to read request body")
	}
	return body, nil
}

// handleDelete serves DELETE /mcp?session_id=: ends a stream of the
// caller's grant.
func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	c := t.authenticate(w, r)
	if c == nil {
		return
	}
	sessionID := r.URL.Query().Get(SessionIDParam)
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	s := t.streams.get(sessionID)
	if s == nil || s.claims.GrantID != c.claims.GrantID {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	t.streams.remove(s)
	w.WriteHeader(http.StatusNoContent)
}

// handleOptions handles CORS preflight requests.
func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// writeRPC writes a JSON-RPC response. Protocol errors still use 200 OK.
func writeRPC(w http.ResponseWriter, resp *mcp.Response) {
	data, err := resp.Encode()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []tool.Definition `json:"tools"`
}

// handleRPC executes one JSON-RPC message for an authenticated caller.
// Returns nil for notifications and for client responses.
func (t *HTTPTransport) handleRPC(ctx context.Context, c *caller, msg *mcp.Message) *mcp.Response {
	if msg.Request() == nil || msg.IsNotification() {
		return nil
	}
	id := msg.RawID()

	switch msg.Method() {
	case mcp.MethodInitialize:
		return mcp.NewResult(id, initializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]bool{"listChanged": false}},
			ServerInfo:      serverInfo{Name: "orgbridge", Version: t.version},
		})
	case mcp.MethodPing:
		return mcp.NewResult(id, struct{}{})
	case mcp.MethodToolsList:
		return mcp.NewResult(id, toolsListResult{Tools: t.tools.List()})
	case mcp.MethodToolsCall:
		return t.callTool(ctx, c, msg)
	default:
		return mcp.NewErrorResponse(id, mcp.NewError(mcp.CodeMethodNotFound, "Method not found: "+msg.Method()))
	}
}

// callTool enforces the per-token limit, invokes the tool in the caller's
// organization scope and maps the outcome onto the protocol.
func (t *HTTPTransport) callTool(ctx context.Context, c *caller, msg *mcp.Message) *mcp.Response {
	id := msg.RawID()
	logger := LoggerFromContext(ctx)

	params, err := msg.ToolCall()
	if err != nil {
		var rpcErr *mcp.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = mcp.NewError(mcp.CodeInvalidParams, "Invalid params")
		}
		return mcp.NewErrorResponse(id, rpcErr)
	}

	if t.limits != nil {
		res, err := t.limits.Allow(ctx, ratelimit.ActionToolCall, c.tokenHash)
		if err != nil {
			logger.Error("tool call rate limit check failed", "error", err)
			return mcp.NewErrorResponse(id, mcp.NewError(mcp.CodeInternalError, "Internal error"))
		}
		if !res.Allowed {
			t.metrics.RateLimitedTotal.WithLabelValues(string(ratelimit.ActionToolCall)).Inc()
			rl := mcp.NewError(mcp.CodeRateLimited, "Rate limit exceeded")
			rl.Data = map[string]int{"retry_after_seconds": retryAfterSeconds(res.RetryAfter)}
			return mcp.NewErrorResponse(id, rl)
		}
	}

	start := time.Now()
	result, err := t.tools.Invoke(ctx, params.Name, params.Arguments, c.scope())
	elapsed := time.Since(start).Milliseconds()

	if err == nil {
		t.metrics.ToolCallsTotal.WithLabelValues(params.Name, "ok").Inc()
		t.recordTool(c, audit.ToolInvoked{Tool: params.Name, DurationMS: elapsed})
		return mcp.NewResult(id, result)
	}

	kind := tool.KindOf(err)
	if kind == "" {
		kind = tool.KindExecutionFailed
	}
	label := params.Name
	if kind == tool.KindNotFound {
		label = "unknown"
	}
	t.metrics.ToolCallsTotal.WithLabelValues(label, string(kind)).Inc()
	t.recordTool(c, audit.ToolFailed{Tool: params.Name, Error: string(kind), DurationMS: elapsed})

	switch kind {
	case tool.KindNotFound, tool.KindInvalidArguments:
		return mcp.NewErrorResponse(id, mcp.NewError(mcp.CodeInvalidParams, tool.SafeMessage(err)))
	default:
		logger.Warn("tool call failed",
			"tool", params.Name,
			"grant_id", c.claims.GrantID,
			"kind", kind,
			"error", err,
		)
		res := tool.TextResult(tool.SafeMessage(err))
		res.IsError = true
		return mcp.NewResult(id, res)
	}
}

func (t *HTTPTransport) recordTool(c *caller, p audit.Payload) {
	if t.recorder == nil {
		return
	}
	t.recorder.Record(audit.Event{
		Timestamp:      time.Now().UTC(),
		Subject:        c.claims.UserID,
		OrganizationID: c.claims.OrganizationID,
		GrantID:        c.claims.GrantID,
		ClientID:       c.claims.ClientID,
		RequestID:      c.requestID,
		Payload:        p,
	})
}

// retryAfterSeconds rounds up to whole seconds, minimum 1.
func retryAfterSeconds(d time.Duration) int {
	return max(int((d+time.Second-1)/time.Second), 1)
}
