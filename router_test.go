package loom

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeAnalyzer returns a canned model suggestion.
type fakeAnalyzer struct {
	model  string
	reason string
	err    error
}

func (f *fakeAnalyzer) SuggestModel(ctx context.Context, message string) (string, string, error) {
	return f.model, f.reason, f.err
}

// fakeClassifier returns a canned pure-chat verdict.
type fakeClassifier struct {
	pure bool
	err  error
}

func (f *fakeClassifier) IsPureChat(ctx context.Context, message string) (bool, error) {
	return f.pure, f.err
}

func routeContext(req *Request) *PipelineContext {
	if req.UserID == "" {
		req.UserID = "u1"
	}
	if req.MessageID == "" {
		req.MessageID = "m1"
	}
	return NewPipelineContext(req, User{ID: req.UserID})
}

func TestRoutePrecedence(t *testing.T) {
	slider := &SliderConfig{Position: 10}
	tests := []struct {
		name       string
		cfg        RouterConfig
		analyzer   TaskAnalyzer
		req        *Request
		wantModel  string
		wantReason string
	}{
		{
			name:       "explicit request wins",
			cfg:        RouterConfig{DefaultModel: "gpt-4.1", IntelligentRouting: true},
			analyzer:   &fakeAnalyzer{model: "gpt-4.1-mini", reason: "simple"},
			req:        &Request{Message: "hi", Config: RequestConfig{Model: "claude-sonnet-4"}},
			wantModel:  "claude-sonnet-4",
			wantReason: "explicit request",
		},
		{
			name:       "router sentinel is not explicit",
			cfg:        RouterConfig{DefaultModel: "gpt-4.1"},
			req:        &Request{Message: "hi", Config: RequestConfig{Model: "model-router"}},
			wantModel:  "gpt-4.1",
			wantReason: "default model",
		},
		{
			name:       "intelligent routing",
			cfg:        RouterConfig{DefaultModel: "gpt-4.1", IntelligentRouting: true},
			analyzer:   &fakeAnalyzer{model: "gpt-4.1-mini", reason: "simple lookup"},
			req:        &Request{Message: "what is 2+2"},
			wantModel:  "gpt-4.1-mini",
			wantReason: "intelligent routing: simple lookup",
		},
		{
			name:       "analysis failure degrades to default",
			cfg:        RouterConfig{DefaultModel: "gpt-4.1", IntelligentRouting: true},
			analyzer:   &fakeAnalyzer{err: errors.New("analyzer down")},
			req:        &Request{Message: "hi"},
			wantModel:  "gpt-4.1",
			wantReason: "default model",
		},
		{
			name:       "slider band",
			cfg:        RouterConfig{DefaultModel: "gpt-4.1", BandModels: map[string]string{BandEconomical: "gpt-4.1-nano"}},
			req:        &Request{Message: "hi", Slider: slider},
			wantModel:  "gpt-4.1-nano",
			wantReason: "slider band economical",
		},
		{
			name:       "pipeline model",
			cfg:        RouterConfig{DefaultModel: "gpt-4.1", PipelineModel: "claude-sonnet-4"},
			req:        &Request{Message: "hi"},
			wantModel:  "claude-sonnet-4",
			wantReason: "pipeline config",
		},
		{
			name:       "suggestion as fallback without intelligent routing",
			cfg:        RouterConfig{},
			analyzer:   &fakeAnalyzer{model: "gpt-4.1-mini", reason: "simple"},
			req:        &Request{Message: "hi"},
			wantModel:  "gpt-4.1-mini",
			wantReason: "task analysis fallback",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []RouterOption
			if tt.analyzer != nil {
				opts = append(opts, RouterAnalyzer(tt.analyzer))
			}
			r := NewRouter(tt.cfg, opts...)
			sel, err := r.Route(context.Background(), routeContext(tt.req))
			if err != nil {
				t.Fatal(err)
			}
			if sel.Model != tt.wantModel {
				t.Errorf("Model = %q, want %q", sel.Model, tt.wantModel)
			}
			if sel.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", sel.Reason, tt.wantReason)
			}
		})
	}
}

func TestRouteNoModelConfigured(t *testing.T) {
	r := NewRouter(RouterConfig{})
	_, err := r.Route(context.Background(), routeContext(&Request{Message: "hi"}))
	if err == nil {
		t.Fatal("expected a configuration error")
	}
	if Classify(err) != KindConfiguration {
		t.Errorf("kind = %q, want configuration", Classify(err))
	}
}

func TestRouteVisionSwap(t *testing.T) {
	cfg := RouterConfig{
		DefaultModel:   "o3-mini",
		VisionModels:   []string{"gpt-4o"},
		VisionFallback: "gpt-4o",
	}
	r := NewRouter(cfg)

	pc := routeContext(&Request{
		Message:     "what is in this image",
		Attachments: []ImageData{{MimeType: "image/png", Base64: "aGk="}},
	})
	sel, err := r.Route(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Model != "gpt-4o" {
		t.Errorf("Model = %q, want the vision fallback", sel.Model)
	}
	if !strings.Contains(sel.Reason, "vision swap") {
		t.Errorf("Reason = %q, want a vision swap note", sel.Reason)
	}

	// Vision-capable choice is left alone.
	pc = routeContext(&Request{
		Message:     "and this one",
		Config:      RequestConfig{Model: "gpt-4o"},
		Attachments: []ImageData{{MimeType: "image/png", Base64: "aGk="}},
	})
	sel, err = r.Route(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o unchanged", sel.Model)
	}

	// No capability list means capabilities are unknown: no swap.
	r = NewRouter(RouterConfig{DefaultModel: "o3-mini", VisionFallback: "gpt-4o"})
	pc = routeContext(&Request{
		Message:     "image again",
		Attachments: []ImageData{{MimeType: "image/png", Base64: "aGk="}},
	})
	sel, err = r.Route(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Model != "o3-mini" {
		t.Errorf("Model = %q, want o3-mini", sel.Model)
	}
}

func TestThinkingConfiguration(t *testing.T) {
	thinkingSlider := &SliderConfig{Position: 80, EnableThinking: true, MaxThinkingBudget: 20000}
	off := false

	tests := []struct {
		name    string
		model   string
		req     *Request
		history []ChatMessage
		want    *ThinkingConfig
	}{
		{
			name:  "claude with budget",
			model: "claude-sonnet-4-20250514",
			req:   &Request{Message: "hi", Slider: thinkingSlider},
			want:  &ThinkingConfig{Enabled: true, Budget: 20000},
		},
		{
			name:  "claude without thinking support",
			model: "claude-3-5-haiku",
			req:   &Request{Message: "hi", Slider: thinkingSlider},
			want:  nil,
		},
		{
			name:    "claude blocked by tool history",
			model:   "claude-sonnet-4-20250514",
			req:     &Request{Message: "hi", Slider: thinkingSlider},
			history: []ChatMessage{{Role: "assistant", ToolCalls: []ToolCall{{ID: "1", Name: "t"}}}},
			want:    nil,
		},
		{
			name:  "gemini maps budget to effort",
			model: "gemini-2.5-pro",
			req:   &Request{Message: "hi", Slider: thinkingSlider},
			want:  &ThinkingConfig{Enabled: true, Budget: 20000, Effort: "high"},
		},
		{
			name:  "o-series uses effort only",
			model: "o3-mini",
			req:   &Request{Message: "hi", Slider: &SliderConfig{Position: 80, EnableThinking: true, MaxThinkingBudget: 10000}},
			want:  &ThinkingConfig{Enabled: true, Effort: "medium"},
		},
		{
			name:  "slider disables thinking",
			model: "claude-sonnet-4-20250514",
			req:   &Request{Message: "hi", Slider: &SliderConfig{Position: 80}},
			want:  nil,
		},
		{
			name:  "request override disables thinking",
			model: "claude-sonnet-4-20250514",
			req:   &Request{Message: "hi", Slider: thinkingSlider, EnableExtendedThinking: &off},
			want:  nil,
		},
		{
			name:  "non-reasoning model",
			model: "gpt-4.1",
			req:   &Request{Message: "hi", Slider: thinkingSlider},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(RouterConfig{DefaultModel: tt.model})
			pc := routeContext(tt.req)
			pc.Prepared = tt.history
			sel, err := r.Route(context.Background(), pc)
			if err != nil {
				t.Fatal(err)
			}
			switch {
			case tt.want == nil && sel.Thinking != nil:
				t.Errorf("Thinking = %+v, want nil", sel.Thinking)
			case tt.want != nil && sel.Thinking == nil:
				t.Error("Thinking = nil, want enabled")
			case tt.want != nil:
				if *sel.Thinking != *tt.want {
					t.Errorf("Thinking = %+v, want %+v", sel.Thinking, tt.want)
				}
			}
		})
	}
}

func TestEffortFor(t *testing.T) {
	tests := []struct {
		budget int
		want   string
	}{
		{32000, "high"},
		{16001, "high"},
		{16000, "medium"},
		{8001, "medium"},
		{8000, "low"},
		{0, "low"},
	}
	for _, tt := range tests {
		if got := effortFor(tt.budget); got != tt.want {
			t.Errorf("effortFor(%d) = %q, want %q", tt.budget, got, tt.want)
		}
	}
}

func TestShapeToolsLimit(t *testing.T) {
	tools := make([]Tool, 150)
	for i := range tools {
		tools[i] = Tool{SanitizedName: "tool_" + strings.Repeat("x", i%5), ServerID: "s"}
	}
	r := NewRouter(RouterConfig{DefaultModel: "gpt-4.1"})
	pc := routeContext(&Request{Message: "do things"})
	pc.Tools = tools

	sel, err := r.Route(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Tools) != 127 {
		t.Errorf("tools = %d, want capped at 127", len(sel.Tools))
	}
	if sel.ToolChoice != "auto" {
		t.Errorf("ToolChoice = %q, want auto", sel.ToolChoice)
	}
}

func TestShapeToolsPureChat(t *testing.T) {
	r := NewRouter(RouterConfig{DefaultModel: "gpt-4.1"}, RouterClassifier(&fakeClassifier{pure: true}))
	pc := routeContext(&Request{Message: "good morning!"})
	pc.Tools = []Tool{{SanitizedName: "list_vms", ServerID: "azure"}}

	sel, err := r.Route(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Tools) != 0 || sel.ToolChoice != "" {
		t.Errorf("pure chat kept tools: %d, choice %q", len(sel.Tools), sel.ToolChoice)
	}

	// A classifier failure keeps the tools.
	r = NewRouter(RouterConfig{DefaultModel: "gpt-4.1"}, RouterClassifier(&fakeClassifier{err: errors.New("down")}))
	sel, err = r.Route(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Tools) != 1 {
		t.Errorf("classifier failure stripped tools: %d", len(sel.Tools))
	}
}

func TestShapeToolsForcesBackgroundJob(t *testing.T) {
	r := NewRouter(RouterConfig{DefaultModel: "gpt-4.1", BackgroundJobTool: "background_job"})
	pc := routeContext(&Request{Message: "audit all 50 subscriptions individually and report"})
	pc.Tools = []Tool{
		{SanitizedName: "list_vms", ServerID: "azure"},
		{SanitizedName: "submit_background_job", ServerID: "jobs"},
	}

	sel, err := r.Route(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if sel.ToolChoice != "submit_background_job" {
		t.Errorf("ToolChoice = %q, want the background job tool", sel.ToolChoice)
	}
}

func TestIsAuditRequest(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"audit all 50 subscriptions individually", true},
		{"analyze each of my 25 accounts", true},
		{"run a comprehensive review across 120 projects", true},
		{"audit my subscription", false},          // no bulk count
		{"check 100 things", false},               // no audit phrasing
		{"audit my 9 clusters one by one", false}, // single digit
	}
	for _, tt := range tests {
		if got := isAuditRequest(tt.msg); got != tt.want {
			t.Errorf("isAuditRequest(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestExplicitModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4", true},
		{"", false},
		{"default", false},
		{"DEFAULT", false},
		{"model-router", false},
	}
	for _, tt := range tests {
		if got := explicitModel(tt.model); got != tt.want {
			t.Errorf("explicitModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
