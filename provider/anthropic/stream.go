package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	loom "github.com/nevindra/loom"
)

// consumeSSE reads a Messages API event stream and forwards normalized
// deltas. Content block indexes count every block (text, thinking,
// tool_use together), so tool calls are renumbered to their ordinal
// among tool_use blocks before emitting.
func consumeSSE(ctx context.Context, body io.Reader, ch chan<- loom.Delta) (loom.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	st := &streamState{
		ctx:    ctx,
		ch:     ch,
		blocks: make(map[int]*blockState),
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // malformed events are skipped
		}
		if err := st.apply(ev); err != nil {
			return loom.ChatResponse{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return loom.ChatResponse{}, &loom.ErrLLM{Provider: "anthropic", Message: "read stream: " + err.Error()}
	}

	// The signature completes only at stream end, so the replayable
	// thinking block goes out as a trailing metadata-only delta.
	if st.signature != "" && st.toolCount > 0 {
		meta, err := json.Marshal(thinkingMeta{Thinking: st.reasoning.String(), Signature: st.signature})
		if err == nil {
			if err := st.emit(loom.Delta{Type: loom.DeltaToolCall, Index: 0, Metadata: meta}); err != nil {
				return loom.ChatResponse{}, err
			}
		}
	}

	return st.response(), nil
}

// blockState tracks one in-flight content block.
type blockState struct {
	kind    string
	ordinal int // among tool_use blocks
	id      string
	name    string
	args    strings.Builder
}

type streamState struct {
	ctx context.Context
	ch  chan<- loom.Delta

	blocks    map[int]*blockState
	toolCount int

	content    strings.Builder
	reasoning  strings.Builder
	signature  string
	usage      loom.Usage
	stopReason string
}

func (st *streamState) emit(d loom.Delta) error {
	select {
	case st.ch <- d:
		return nil
	case <-st.ctx.Done():
		return st.ctx.Err()
	}
}

func (st *streamState) apply(ev streamEvent) error {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil && ev.Message.Usage.InputTokens > 0 {
			st.usage.InputTokens = ev.Message.Usage.InputTokens
			return st.emit(loom.Delta{Type: loom.DeltaUsage, Usage: &loom.Usage{
				InputTokens: ev.Message.Usage.InputTokens,
			}})
		}

	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		bs := &blockState{kind: ev.ContentBlock.Type}
		st.blocks[ev.Index] = bs
		if ev.ContentBlock.Type == "tool_use" {
			bs.ordinal = st.toolCount
			bs.id = ev.ContentBlock.ID
			bs.name = ev.ContentBlock.Name
			st.toolCount++
			return st.emit(loom.Delta{
				Type:  loom.DeltaToolCall,
				Index: bs.ordinal,
				ID:    bs.id,
				Name:  bs.name,
			})
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			st.content.WriteString(ev.Delta.Text)
			return st.emit(loom.Delta{Type: loom.DeltaContent, Text: ev.Delta.Text})
		case "thinking_delta":
			st.reasoning.WriteString(ev.Delta.Thinking)
			return st.emit(loom.Delta{Type: loom.DeltaReasoning, Text: ev.Delta.Thinking})
		case "signature_delta":
			st.signature += ev.Delta.Signature
		case "input_json_delta":
			bs, ok := st.blocks[ev.Index]
			if !ok || bs.kind != "tool_use" {
				return nil
			}
			bs.args.WriteString(ev.Delta.PartialJSON)
			return st.emit(loom.Delta{
				Type:         loom.DeltaToolCall,
				Index:        bs.ordinal,
				ArgsFragment: ev.Delta.PartialJSON,
			})
		}

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			st.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil && ev.Usage.OutputTokens > 0 {
			st.usage.OutputTokens = ev.Usage.OutputTokens
			return st.emit(loom.Delta{Type: loom.DeltaUsage, Usage: &loom.Usage{
				OutputTokens: ev.Usage.OutputTokens,
			}})
		}
	}
	return nil
}

func (st *streamState) response() loom.ChatResponse {
	out := loom.ChatResponse{
		Content:   st.content.String(),
		Reasoning: st.reasoning.String(),
		Usage:     st.usage,
	}

	ordered := make([]*blockState, 0, st.toolCount)
	for _, bs := range st.blocks {
		if bs.kind == "tool_use" {
			ordered = append(ordered, bs)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ordinal < ordered[j].ordinal })
	for _, bs := range ordered {
		args := bs.args.String()
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, loom.ToolCall{
			ID:   bs.id,
			Name: bs.name,
			Args: json.RawMessage(args),
		})
	}
	attachThinkingMeta(out.ToolCalls, st.reasoning.String(), st.signature)

	out.FinishReason = mapStopReason(st.stopReason)
	if out.FinishReason == "" {
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
		} else {
			out.FinishReason = "stop"
		}
	}
	return out
}
