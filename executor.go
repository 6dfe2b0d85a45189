package loom

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ProxyCall is one tool-proxy invocation, exactly the wire body.
type ProxyCall struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	ID        string          `json:"id"`
}

// ProxyAuth carries per-call credentials. IDToken, when present, is
// forwarded under both identity headers for on-behalf-of flows.
type ProxyAuth struct {
	Bearer  string
	IDToken string
}

// ProxyResult is a normalized tool-proxy response.
type ProxyResult struct {
	Payload       json.RawMessage
	Host          string // x-mcp-proxy-host
	RequestBytes  int
	ResponseBytes int
}

// ToolDispatcher is the remote tool-proxy client.
type ToolDispatcher interface {
	CallTool(ctx context.Context, call ProxyCall, auth ProxyAuth) (ProxyResult, error)
}

// Executor routes one tool call to its backend: the code-execution
// runner for code tools, the tool-proxy for everything else. It owns
// the per-call event bracket, both cache tiers, the access check and
// the audit record.
type Executor struct {
	proxy  ToolDispatcher
	code   CodeRunner
	cache  *ToolCache
	policy AccessPolicy
	audit  *AuditLogger
	logger *slog.Logger

	internalKey    string
	apiKeyPrefixes []string
	codeTools      []string
	codeAgentID    string
	timeout        time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// ExecutorCode routes tools whose names match markers (prefix or
// suffix, case-insensitive) to the code runner.
func ExecutorCode(r CodeRunner, markers ...string) ExecutorOption {
	return func(e *Executor) {
		e.code = r
		e.codeTools = markers
	}
}

// ExecutorCache enables the two-tier result cache.
func ExecutorCache(c *ToolCache) ExecutorOption {
	return func(e *Executor) { e.cache = c }
}

// ExecutorPolicy sets the access policy (default: allow all).
func ExecutorPolicy(p AccessPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// ExecutorAudit sets the audit logger.
func ExecutorAudit(a *AuditLogger) ExecutorOption {
	return func(e *Executor) { e.audit = a }
}

// ExecutorLogger sets the structured logger. Defaults to no output.
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// ExecutorInternalKey sets the service-to-service bearer used when the
// user token is not forwardable.
func ExecutorInternalKey(key string) ExecutorOption {
	return func(e *Executor) { e.internalKey = key }
}

// ExecutorAPIKeyPrefixes sets token prefixes treated as forwardable
// API keys.
func ExecutorAPIKeyPrefixes(prefixes ...string) ExecutorOption {
	return func(e *Executor) { e.apiKeyPrefixes = prefixes }
}

// ExecutorCodeAgentID sets the server-name marker that triggers
// user-id injection (default "agenticode").
func ExecutorCodeAgentID(id string) ExecutorOption {
	return func(e *Executor) { e.codeAgentID = id }
}

// ExecutorTimeout caps a single proxy call (default 10 minutes).
func ExecutorTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

func NewExecutor(proxy ToolDispatcher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		proxy:       proxy,
		policy:      AllowAll{},
		logger:      nopLogger,
		codeAgentID: "agenticode",
		timeout:     10 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteCall runs one model-emitted tool call end to end: name
// resolution, code routing, access check, cache tiers, dispatch, events
// and audit. It never returns an error; failures materialize in the
// ToolResult so the model can react.
func (e *Executor) ExecuteCall(ctx context.Context, pc *PipelineContext, sink Sink, call ToolCall) ToolResult {
	rc := ResolveCall(pc.Tools, call)

	if e.code != nil && e.isCodeTool(rc.OriginalName) {
		return e.executeCode(ctx, pc, sink, rc)
	}

	if reason := e.policy.Check(pc.User, rc.ServerID, rc.OriginalName); reason != "" {
		res := ToolResult{
			ToolCallID: rc.ID,
			ToolName:   rc.NormalizedName,
			ServerName: rc.ServerID,
			ExecutedOn: ExecutedOnDenied,
			Error:      "access denied: " + reason,
		}
		e.logger.Info("tool call denied",
			"tool", rc.OriginalName,
			"server", rc.ServerID,
			"user", pc.User.ID,
			"reason", reason)
		e.record(pc, res, rc.Args, AuditDenied, "")
		return res
	}

	if e.cache != nil {
		if hit, ok := e.cache.Lookup(ctx, pc.User, rc.OriginalName, rc.Args, pc.Request.Message); ok {
			return e.fromCache(pc, sink, rc, hit)
		}
	}

	return e.dispatch(ctx, pc, sink, rc)
}

func (e *Executor) fromCache(pc *PipelineContext, sink Sink, rc ResolvedToolCall, hit CacheHit) ToolResult {
	executedOn := ExecutedOnExactCache
	if hit.Semantic {
		executedOn = ExecutedOnSemanticCache
		sink.Emit(Event{Type: EventToolSemanticCacheHit, Data: SemanticCacheHitEvent{
			Name:          rc.NormalizedName,
			ToolCallID:    rc.ID,
			Cached:        true,
			Semantic:      true,
			CrossUser:     hit.CrossUser,
			Similarity:    hit.Similarity,
			ResourceScope: strings.Join(hit.ResourceScope, ","),
			TimeSavedMs:   hit.TimeSavedMs,
			Timestamp:     NowUnixMilli(),
		}})
	} else {
		sink.Emit(Event{Type: EventToolCacheHit, Data: ToolCacheHitEvent{
			Name:       rc.NormalizedName,
			ToolCallID: rc.ID,
			Cached:     true,
			Timestamp:  NowUnixMilli(),
		}})
	}
	res := ToolResult{
		ToolCallID:    rc.ID,
		ToolName:      rc.NormalizedName,
		ServerName:    rc.ServerID,
		ExecutedOn:    executedOn,
		ResponseBytes: len(hit.Payload),
		Payload:       hit.Payload,
	}
	e.record(pc, res, rc.Args, AuditCacheHit, "")
	return res
}

func (e *Executor) dispatch(ctx context.Context, pc *PipelineContext, sink Sink, rc ResolvedToolCall) ToolResult {
	args := rc.Args
	if e.codeAgentID != "" && strings.Contains(strings.ToLower(rc.ServerID), e.codeAgentID) {
		args = overrideUserID(args, pc.User.ID)
	}

	sink.Emit(Event{Type: EventToolExecuting, Data: ToolExecutingEvent{
		Name:         rc.NormalizedName,
		Arguments:    args,
		ToolCallID:   rc.ID,
		TargetServer: rc.ServerID,
		Timestamp:    NowUnixMilli(),
	}})

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	pr, err := e.proxy.CallTool(cctx, ProxyCall{
		Server:    rc.ServerID,
		Tool:      rc.OriginalName,
		Arguments: args,
		ID:        rc.ID,
	}, ProxyAuth{
		Bearer:  e.bearerFor(pc.User),
		IDToken: pc.User.IDToken,
	})
	cancel()
	latency := time.Since(start)

	res := ToolResult{
		ToolCallID:    rc.ID,
		ToolName:      rc.NormalizedName,
		ServerName:    rc.ServerID,
		ExecutedOn:    ExecutedOnProxy,
		LatencyMs:     latency.Milliseconds(),
		RequestBytes:  pr.RequestBytes,
		ResponseBytes: pr.ResponseBytes,
	}
	if err != nil {
		res.Error = err.Error()
		e.logger.Warn("tool call failed",
			"tool", rc.OriginalName,
			"server", rc.ServerID,
			"latency_ms", res.LatencyMs,
			"error", err)
		sink.Emit(Event{Type: EventToolError, Data: ToolErrorEvent{
			Name:         rc.NormalizedName,
			Error:        res.Error,
			ToolCallID:   rc.ID,
			TargetServer: rc.ServerID,
			Timestamp:    NowUnixMilli(),
		}})
		e.record(pc, res, rc.Args, AuditError, pr.Host)
		return res
	}

	res.Payload = pr.Payload
	sink.Emit(Event{Type: EventToolResult, Data: ToolResultEvent{
		Name:            rc.NormalizedName,
		Result:          pr.Payload,
		ToolCallID:      rc.ID,
		ExecutionTimeMs: res.LatencyMs,
		TargetServer:    rc.ServerID,
		Timestamp:       NowUnixMilli(),
	}})
	if e.cache != nil {
		e.cache.Store(ctx, pc.User, rc.OriginalName, rc.Args, pc.Request.Message, pr.Payload, latency)
	}
	e.record(pc, res, rc.Args, AuditOK, pr.Host)
	return res
}

func (e *Executor) executeCode(ctx context.Context, pc *PipelineContext, sink Sink, rc ResolvedToolCall) ToolResult {
	if pc.Code == nil {
		pc.Code = &CodeExecutionContext{SessionKey: codeSessionKey(pc.User.ID, pc.SessionID)}
	}

	sink.Emit(Event{Type: EventToolExecuting, Data: ToolExecutingEvent{
		Name:         rc.NormalizedName,
		Arguments:    rc.Args,
		ToolCallID:   rc.ID,
		TargetServer: "code",
		Timestamp:    NowUnixMilli(),
	}})

	var req CodeRequest
	if err := json.Unmarshal(rc.Args, &req); err != nil {
		req = CodeRequest{Code: string(rc.Args)}
	}
	req.SessionID = pc.Code.SessionKey

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	out, err := e.code.Run(cctx, req, e.dispatchFor(pc))
	cancel()
	latency := time.Since(start)

	res := ToolResult{
		ToolCallID: rc.ID,
		ToolName:   rc.NormalizedName,
		ServerName: "code",
		ExecutedOn: ExecutedOnCode,
		LatencyMs:  latency.Milliseconds(),
	}
	switch {
	case err != nil:
		res.Error = err.Error()
	case out.Error != "":
		res.Error = out.Error
	default:
		payload, merr := json.Marshal(out)
		if merr != nil {
			res.Error = merr.Error()
		} else {
			res.Payload = payload
			res.ResponseBytes = len(payload)
		}
	}

	// The execution is recorded even when it failed.
	pc.Code.Executions = append(pc.Code.Executions, CodeExecution{
		ToolCallID: rc.ID,
		Tool:       rc.NormalizedName,
		StartedAt:  start.UnixMilli(),
		LatencyMs:  res.LatencyMs,
		Error:      res.Error,
	})

	if res.Error != "" {
		sink.Emit(Event{Type: EventToolError, Data: ToolErrorEvent{
			Name:         rc.NormalizedName,
			Error:        res.Error,
			ToolCallID:   rc.ID,
			TargetServer: "code",
			Timestamp:    NowUnixMilli(),
		}})
		e.record(pc, res, rc.Args, AuditError, "")
		return res
	}
	sink.Emit(Event{Type: EventToolResult, Data: ToolResultEvent{
		Name:            rc.NormalizedName,
		Result:          res.Payload,
		ToolCallID:      rc.ID,
		ExecutionTimeMs: res.LatencyMs,
		TargetServer:    "code",
		Timestamp:       NowUnixMilli(),
	}})
	e.record(pc, res, rc.Args, AuditOK, "")
	return res
}

// dispatchFor lets sandboxed code call tools through the executor.
// Nested calls keep cache, access control and audit but emit no client
// events; the outer code tool owns the bracket. Code tools themselves
// are refused here so code cannot spawn nested executions.
func (e *Executor) dispatchFor(pc *PipelineContext) DispatchFunc {
	return func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		if e.isCodeTool(name) {
			return nil, &ErrLLM{Provider: "tool:" + name, Message: "code execution cannot invoke " + name}
		}
		res := e.ExecuteCall(ctx, pc, NopSink{}, ToolCall{
			ID:   NewID(),
			Name: name,
			Args: args,
		})
		if res.Error != "" {
			return nil, &ErrLLM{Provider: "tool:" + name, Message: res.Error}
		}
		return res.Payload, nil
	}
}

func (e *Executor) record(pc *PipelineContext, res ToolResult, args json.RawMessage, status, host string) {
	pc.AddMCPCall(MCPCallRecord{
		ToolCallID: res.ToolCallID,
		Tool:       res.ToolName,
		Server:     res.ServerName,
		ExecutedOn: res.ExecutedOn,
		LatencyMs:  res.LatencyMs,
		Cached:     status == AuditCacheHit,
		Error:      res.Error,
	})
	if e.audit == nil {
		return
	}
	e.audit.Record(AuditRecord{
		UserHash:      HashUser(pc.User.ID),
		SessionID:     pc.SessionID,
		Server:        res.ServerName,
		Tool:          res.ToolName,
		ArgsHash:      ArgsHash(args),
		ExecutedOn:    res.ExecutedOn,
		LatencyMs:     res.LatencyMs,
		RequestBytes:  res.RequestBytes,
		ResponseBytes: res.ResponseBytes,
		Status:        status,
		Error:         res.Error,
		Model:         pc.Model,
		Provider:      pc.Provider,
		ProxyHost:     host,
	})
}

func (e *Executor) isCodeTool(name string) bool {
	n := strings.ToLower(name)
	for _, m := range e.codeTools {
		if strings.HasPrefix(n, m) || strings.HasSuffix(n, m) {
			return true
		}
	}
	return false
}

// bearerFor picks the Authorization bearer: the user's token when it is
// structurally a JWT or carries a known API-key prefix, otherwise the
// service-internal key.
func (e *Executor) bearerFor(user User) string {
	tok := user.AccessToken
	if tok == "" {
		return e.internalKey
	}
	if looksLikeJWT(tok) {
		return tok
	}
	for _, p := range e.apiKeyPrefixes {
		if strings.HasPrefix(tok, p) {
			return tok
		}
	}
	return e.internalKey
}

func looksLikeJWT(tok string) bool {
	parser := jwt.NewParser()
	_, _, err := parser.ParseUnverified(tok, jwt.MapClaims{})
	return err == nil
}

// overrideUserID forces the authenticated user id into args, discarding
// any model-supplied value.
func overrideUserID(args json.RawMessage, userID string) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil || m == nil {
		m = map[string]any{}
	}
	m["user_id"] = userID
	out, err := json.Marshal(m)
	if err != nil {
		return args
	}
	return out
}

func codeSessionKey(userID, sessionID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + sessionID))
	return "code-" + hex.EncodeToString(sum[:])[:16]
}
