package loom

import "encoding/json"

// --- Inbound request contract ---

// Request is the inbound completion request. Created at ingress,
// immutable afterwards. Unknown fields are ignored.
type Request struct {
	UserID                 string        `json:"userId"`
	SessionID              string        `json:"sessionId,omitempty"`
	MessageID              string        `json:"messageId"`
	Message                string        `json:"message"`
	Attachments            []ImageData   `json:"attachments,omitempty"`
	Config                 RequestConfig `json:"config"`
	Slider                 *SliderConfig `json:"sliderConfig,omitempty"`
	EnableExtendedThinking *bool         `json:"enableExtendedThinking,omitempty"`
}

type RequestConfig struct {
	Model             string   `json:"model,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	MaxTokens         int      `json:"maxTokens,omitempty"`
	SuppressStreaming bool     `json:"suppressStreaming,omitempty"`
	EnableRAG         *bool    `json:"enableRAG,omitempty"`
}

// SliderConfig encodes the cost/quality preference as a single dial.
type SliderConfig struct {
	Position          int    `json:"position"` // 0..100
	EnableThinking    bool   `json:"enableThinking"`
	MaxThinkingBudget int    `json:"maxThinkingBudget"`
	Source            string `json:"source,omitempty"`
}

// Slider bands.
const (
	BandEconomical = "economical" // position <= 40
	BandBalanced   = "balanced"   // 41..60
	BandPremium    = "premium"    // > 60
)

func (s SliderConfig) Band() string {
	switch {
	case s.Position <= 40:
		return BandEconomical
	case s.Position <= 60:
		return BandBalanced
	default:
		return BandPremium
	}
}

// SliderOrDefault returns the request's slider config, or a balanced
// default when the client sent none.
func (r *Request) SliderOrDefault() SliderConfig {
	if r.Slider != nil {
		return *r.Slider
	}
	return SliderConfig{Position: 50, Source: "default"}
}

// HasImages reports whether the request carries image attachments.
func (r *Request) HasImages() bool { return len(r.Attachments) > 0 }

// User is a read-only borrow from the authentication collaborator.
// AccessToken and IDToken never serialize.
type User struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	IsAdmin  bool     `json:"isAdmin,omitempty"`

	AccessToken string `json:"-"`
	IDToken     string `json:"-"`
}

// InGroup reports whether the user carries the named group.
func (u User) InGroup(name string) bool {
	for _, g := range u.Groups {
		if g == name {
			return true
		}
	}
	return false
}

// --- Domain types (database records) ---

// Message statuses stored in metadata.
const (
	StatusStreaming   = "streaming"
	StatusComplete    = "complete"
	StatusInterrupted = "interrupted"
	StatusError       = "error"
)

// StoredMessage is the durable conversation record. Timestamps are
// unix milliseconds; ordering ties are broken assistant-before-user.
type StoredMessage struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	Role       string       `json:"role"` // "system", "user", "assistant", "tool"
	Content    string       `json:"content"`
	Model      string       `json:"model,omitempty"`
	ToolCalls  []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Usage      *Usage       `json:"token_usage,omitempty"`
	Meta       *MessageMeta `json:"metadata,omitempty"`
	CreatedAt  int64        `json:"created_at"`
	UpdatedAt  int64        `json:"updated_at"`
}

type MessageMeta struct {
	Status          string          `json:"status,omitempty"`
	ThinkingContent string          `json:"thinking_content,omitempty"`
	MCPCalls        []MCPCallRecord `json:"mcp_calls,omitempty"`
}

// Execution targets recorded per tool call.
const (
	ExecutedOnProxy         = "tool-proxy"
	ExecutedOnCode          = "code-backend"
	ExecutedOnExactCache    = "exact-cache"
	ExecutedOnSemanticCache = "semantic-cache"
	ExecutedOnDenied        = "denied"
)

// MCPCallRecord summarizes one tool invocation for the message record.
type MCPCallRecord struct {
	ToolCallID string `json:"tool_call_id"`
	Tool       string `json:"tool"`
	Server     string `json:"server"`
	ExecutedOn string `json:"executed_on"`
	LatencyMs  int64  `json:"latency_ms"`
	Cached     bool   `json:"cached,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Audit statuses.
const (
	AuditOK       = "ok"
	AuditError    = "error"
	AuditDenied   = "denied"
	AuditCacheHit = "cache-hit"
)

// AuditRecord is written exactly once per tool invocation, including
// denials and cache hits. Immutable after write.
type AuditRecord struct {
	ID            string `json:"id"`
	Timestamp     int64  `json:"timestamp"`
	UserHash      string `json:"user_hash"`
	SessionID     string `json:"session_id,omitempty"`
	Server        string `json:"server"`
	Tool          string `json:"tool"`
	ArgsHash      string `json:"args_hash"`
	ExecutedOn    string `json:"executed_on"`
	LatencyMs     int64  `json:"latency_ms"`
	RequestBytes  int    `json:"request_bytes"`
	ResponseBytes int    `json:"response_bytes"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	Model         string `json:"model,omitempty"`
	Provider      string `json:"provider,omitempty"`
	ProxyHost     string `json:"proxy_host,omitempty"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	Images     []ImageData     `json:"images,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific (e.g. Gemini thoughtSignature)
}

type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Tool execution types ---

// ResolvedToolCall is a model-emitted call after name resolution:
// OriginalName is what the tool-proxy expects, NormalizedName is what
// the model saw.
type ResolvedToolCall struct {
	ID             string          `json:"id"`
	ServerID       string          `json:"server_id"`
	OriginalName   string          `json:"original_name"`
	NormalizedName string          `json:"normalized_name"`
	Args           json.RawMessage `json:"args"`
}

// ToolResult is the normalized outcome of one tool call, whatever the
// execution target was.
type ToolResult struct {
	ToolCallID    string          `json:"tool_call_id"`
	ToolName      string          `json:"tool_name"`
	ServerName    string          `json:"server_name"`
	ExecutedOn    string          `json:"executed_on"`
	LatencyMs     int64           `json:"latency_ms"`
	RequestBytes  int             `json:"request_bytes"`
	ResponseBytes int             `json:"response_bytes"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func (r ToolResult) Failed() bool { return r.Error != "" }

// MessageBody renders the result as the body of a tool message, so the
// model can react to failures instead of the loop aborting.
func (r ToolResult) MessageBody() string {
	if r.Error != "" {
		return "Error: " + r.Error
	}
	if len(r.Payload) == 0 {
		return "(no output)"
	}
	var s string
	if err := json.Unmarshal(r.Payload, &s); err == nil {
		return s
	}
	return string(r.Payload)
}

// --- Retrieval types ---

type KnowledgeItem struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

type RetrievedKnowledge struct {
	Docs        []KnowledgeItem `json:"docs"`
	Chats       []KnowledgeItem `json:"chats"`
	Artifacts   []KnowledgeItem `json:"artifacts"`
	RetrievalMs int64           `json:"retrieval_ms"`
	Collections []string        `json:"collections"`
}

func (k *RetrievedKnowledge) Total() int {
	if k == nil {
		return 0
	}
	return len(k.Docs) + len(k.Chats) + len(k.Artifacts)
}

func (k *RetrievedKnowledge) Empty() bool { return k.Total() == 0 }

// --- Code execution types ---

type CodeExecution struct {
	ToolCallID string `json:"tool_call_id"`
	Tool       string `json:"tool"`
	StartedAt  int64  `json:"started_at"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// CodeExecutionContext tracks the sandbox session shared by all code
// tools within a request. SessionKey is stable per (user, session) so
// workspace state survives across calls and rounds.
type CodeExecutionContext struct {
	SessionKey string          `json:"session_key"`
	Executions []CodeExecution `json:"executions"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// AssistantToolCalls is the synthetic assistant turn carrying exactly
// the tool calls of one round.
func AssistantToolCalls(text string, calls []ToolCall) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text, ToolCalls: calls}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
