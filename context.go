package loom

import (
	"sort"
	"sync"
	"time"
)

// PipelineContext is the mutable per-request aggregate shared by
// stages. Single-owner: only the request's own task mutates it, except
// the MCP call log which the executor appends through AddMCPCall.
type PipelineContext struct {
	Request   *Request
	User      User
	SessionID string

	// Messages is the durable history, kept chronological.
	Messages []StoredMessage
	// Prepared is the model input assembled from history, retrieval and
	// memory, then extended round by round during the tool loop.
	Prepared []ChatMessage

	Tools  []Tool
	RAG    *RetrievedKnowledge
	Memory *MemoryContext
	Code   *CodeExecutionContext

	Metadata map[string]any

	StartTime            time.Time
	Model                string
	Provider             string
	ModelSelectionReason string
	SuppressStreaming    bool
	ForceFinalCompletion bool

	mu       sync.Mutex
	mcpCalls []MCPCallRecord
}

func NewPipelineContext(req *Request, user User) *PipelineContext {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = NewID()
	}
	return &PipelineContext{
		Request:   req,
		User:      user,
		SessionID: sessionID,
		Metadata:  make(map[string]any),
		StartTime: time.Now(),
	}
}

func (pc *PipelineContext) ElapsedMs() int64 {
	return time.Since(pc.StartTime).Milliseconds()
}

// AddMCPCall appends one tool invocation record. Safe to call from the
// executor while the owning task keeps streaming.
func (pc *PipelineContext) AddMCPCall(rec MCPCallRecord) {
	pc.mu.Lock()
	pc.mcpCalls = append(pc.mcpCalls, rec)
	pc.mu.Unlock()
}

// MCPCalls returns a copy of the records appended so far.
func (pc *PipelineContext) MCPCalls() []MCPCallRecord {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]MCPCallRecord, len(pc.mcpCalls))
	copy(out, pc.mcpCalls)
	return out
}

func (pc *PipelineContext) Set(key string, v any) {
	pc.Metadata[key] = v
}

func (pc *PipelineContext) GetString(key string) (string, bool) {
	v, ok := pc.Metadata[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (pc *PipelineContext) GetBool(key string) bool {
	v, ok := pc.Metadata[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// InsertMessage places msg into Messages, keeping chronological order.
func (pc *PipelineContext) InsertMessage(msg StoredMessage) {
	i := sort.Search(len(pc.Messages), func(i int) bool {
		return messageLess(msg, pc.Messages[i])
	})
	pc.Messages = append(pc.Messages, StoredMessage{})
	copy(pc.Messages[i+1:], pc.Messages[i:])
	pc.Messages[i] = msg
}

// SortMessages orders msgs by timestamp ascending. On equal timestamps
// the assistant message sorts before the user message, so a response
// sharing a sub-millisecond clock tick with its prompt still reads in
// order.
func SortMessages(msgs []StoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool { return messageLess(msgs[i], msgs[j]) })
}

func messageLess(a, b StoredMessage) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return rolePriority(a.Role) < rolePriority(b.Role)
}

func rolePriority(role string) int {
	switch role {
	case "assistant":
		return 0
	case "tool":
		return 1
	case "user":
		return 2
	default:
		return 3
	}
}
