package loom

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// Selection is the router's decision for one request: which model, why,
// how to configure native reasoning, and the shaped tool set.
type Selection struct {
	Model      string
	Reason     string
	Thinking   *ThinkingConfig
	Tools      []Tool
	ToolChoice string // "auto" or a forced tool name; empty when no tools
}

// TaskAnalyzer recommends a model for a message. Optional collaborator;
// failures degrade to no suggestion.
type TaskAnalyzer interface {
	SuggestModel(ctx context.Context, message string) (model, reason string, err error)
}

// ChatClassifier decides whether a message is pure chat needing no
// tools. Optional collaborator.
type ChatClassifier interface {
	IsPureChat(ctx context.Context, message string) (bool, error)
}

// RouterConfig carries the routing knobs.
type RouterConfig struct {
	// DefaultModel is the final fallback. Routing fails without one.
	DefaultModel string
	// PipelineModel overrides the default for this deployment.
	PipelineModel string
	// BandModels maps slider bands to models, consulted before
	// PipelineModel.
	BandModels map[string]string
	// VisionModels is the set known to accept images.
	VisionModels []string
	// VisionFallback is swapped in when images meet a text-only model.
	VisionFallback string
	// IntelligentRouting lets task analysis pick the model for simple
	// queries.
	IntelligentRouting bool
	// ToolLimit caps the tool list (default 127).
	ToolLimit int
	// BackgroundJobTool is the name marker of the tool forced on
	// audit-style bulk requests.
	BackgroundJobTool string
}

// Router selects the model and shapes the tool set per request.
type Router struct {
	cfg        RouterConfig
	analyzer   TaskAnalyzer
	classifier ChatClassifier
	logger     *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// RouterAnalyzer sets the task-analysis collaborator.
func RouterAnalyzer(a TaskAnalyzer) RouterOption {
	return func(r *Router) { r.analyzer = a }
}

// RouterClassifier sets the pure-chat classifier.
func RouterClassifier(c ChatClassifier) RouterOption {
	return func(r *Router) { r.classifier = c }
}

// RouterLogger sets the structured logger. Defaults to no output.
func RouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

func NewRouter(cfg RouterConfig, opts ...RouterOption) *Router {
	if cfg.ToolLimit <= 0 {
		cfg.ToolLimit = 127
	}
	r := &Router{cfg: cfg, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route picks the model, configures reasoning and shapes the tools for
// this request. It fails only when no model can be determined at all.
func (r *Router) Route(ctx context.Context, pc *PipelineContext) (Selection, error) {
	sel := Selection{}

	suggestion, suggestReason := r.suggest(ctx, pc.Request.Message)

	switch {
	case explicitModel(pc.Request.Config.Model):
		sel.Model = pc.Request.Config.Model
		sel.Reason = "explicit request"
	case r.cfg.IntelligentRouting && suggestion != "":
		sel.Model = suggestion
		sel.Reason = "intelligent routing: " + suggestReason
	case r.bandModel(pc) != "":
		sel.Model = r.bandModel(pc)
		sel.Reason = "slider band " + pc.Request.SliderOrDefault().Band()
	case r.cfg.PipelineModel != "":
		sel.Model = r.cfg.PipelineModel
		sel.Reason = "pipeline config"
	case suggestion != "":
		sel.Model = suggestion
		sel.Reason = "task analysis fallback"
	case r.cfg.DefaultModel != "":
		sel.Model = r.cfg.DefaultModel
		sel.Reason = "default model"
	default:
		return Selection{}, ConfigError("no chat model configured and none requested")
	}

	r.applyVision(pc, &sel)
	sel.Thinking = r.thinkingFor(sel.Model, pc)
	r.shapeTools(ctx, pc, &sel)

	r.logger.Debug("model routed",
		"model", sel.Model,
		"reason", sel.Reason,
		"tools", len(sel.Tools),
		"tool_choice", sel.ToolChoice)
	return sel, nil
}

func (r *Router) suggest(ctx context.Context, message string) (string, string) {
	if r.analyzer == nil {
		return "", ""
	}
	model, reason, err := r.analyzer.SuggestModel(ctx, message)
	if err != nil {
		r.logger.Debug("task analysis failed", "error", err)
		return "", ""
	}
	return model, reason
}

func (r *Router) bandModel(pc *PipelineContext) string {
	if len(r.cfg.BandModels) == 0 {
		return ""
	}
	return r.cfg.BandModels[pc.Request.SliderOrDefault().Band()]
}

// explicitModel reports whether the request names a concrete model
// rather than one of the router sentinels.
func explicitModel(model string) bool {
	switch strings.ToLower(model) {
	case "", "default", "model-router":
		return false
	}
	return true
}

// applyVision swaps in a vision-capable model when the conversation
// carries images and the chosen model is not known to accept them.
func (r *Router) applyVision(pc *PipelineContext, sel *Selection) {
	if !r.hasImages(pc) || r.visionCapable(sel.Model) {
		return
	}
	if r.cfg.VisionFallback == "" {
		r.logger.Warn("image content with a text-only model and no vision fallback configured",
			"model", sel.Model)
		return
	}
	r.logger.Info("vision routing", "from", sel.Model, "to", r.cfg.VisionFallback)
	sel.Model = r.cfg.VisionFallback
	sel.Reason += "; vision swap"
}

func (r *Router) hasImages(pc *PipelineContext) bool {
	if pc.Request.HasImages() {
		return true
	}
	for _, m := range pc.Prepared {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

func (r *Router) visionCapable(model string) bool {
	// Empty set means capabilities are unknown; treat as capable rather
	// than force a swap.
	if len(r.cfg.VisionModels) == 0 {
		return true
	}
	for _, m := range r.cfg.VisionModels {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// --- Thinking configuration ---

func (r *Router) thinkingFor(model string, pc *PipelineContext) *ThinkingConfig {
	if pc.Request.EnableExtendedThinking != nil && !*pc.Request.EnableExtendedThinking {
		return nil
	}
	slider := pc.Request.SliderOrDefault()
	if !slider.EnableThinking {
		return nil
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		if !claudeSupportsThinking(m) || !claudeHistoryCompatible(pc.Prepared) {
			return nil
		}
		return &ThinkingConfig{Enabled: true, Budget: slider.MaxThinkingBudget}
	case strings.Contains(m, "gemini"):
		if !geminiSupportsThinking(m) {
			return nil
		}
		return &ThinkingConfig{Enabled: true, Budget: slider.MaxThinkingBudget, Effort: effortFor(slider.MaxThinkingBudget)}
	case isOSeries(m):
		return &ThinkingConfig{Enabled: true, Effort: effortFor(slider.MaxThinkingBudget)}
	}
	return nil
}

// effortFor maps a thinking budget to a discrete effort level.
func effortFor(budget int) string {
	switch {
	case budget > 16000:
		return "high"
	case budget > 8000:
		return "medium"
	default:
		return "low"
	}
}

// claudeSupportsThinking covers the 3.7 and 4.x families.
func claudeSupportsThinking(m string) bool {
	return strings.Contains(m, "3-7") || strings.Contains(m, "3.7") ||
		strings.Contains(m, "-4") || strings.Contains(m, "4.")
}

// claudeHistoryCompatible reports whether the prepared history allows
// extended thinking: an assistant turn carrying tool calls, or text
// that did not begin as a thinking block, rules it out.
func claudeHistoryCompatible(msgs []ChatMessage) bool {
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		if len(m.ToolCalls) > 0 {
			return false
		}
		if m.Content != "" && !hasThinkingMarker(m) {
			return false
		}
	}
	return true
}

// Assistant turns produced under extended thinking carry a marker in
// provider metadata.
func hasThinkingMarker(m ChatMessage) bool {
	return len(m.Metadata) > 0 && bytes.Contains(m.Metadata, []byte(`"thinking"`))
}

func geminiSupportsThinking(m string) bool {
	return strings.Contains(m, "2.5") || strings.Contains(m, "gemini-3") ||
		strings.Contains(m, "3.0") || strings.Contains(m, "3.5")
}

func isOSeries(m string) bool {
	for _, p := range []string{"o1-", "o3-", "o4-", "gpt-5"} {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return m == "o1" || m == "o3" || m == "o4"
}

// --- Tool shaping ---

var auditPatterns = []string{
	"audit",
	"analyze each",
	"comprehensive",
	"subscriptions individually",
	"per subscription",
	"across all",
	"one by one",
}

func (r *Router) shapeTools(ctx context.Context, pc *PipelineContext, sel *Selection) {
	tools := pc.Tools
	if len(tools) == 0 {
		return
	}

	if r.classifier != nil {
		pure, err := r.classifier.IsPureChat(ctx, pc.Request.Message)
		if err != nil {
			r.logger.Debug("chat classification failed", "error", err)
		} else if pure {
			r.logger.Debug("pure chat, tools stripped")
			return
		}
	}

	if len(tools) > r.cfg.ToolLimit {
		tools = tools[:r.cfg.ToolLimit]
	}
	sel.Tools = tools
	sel.ToolChoice = "auto"

	if name, ok := r.backgroundTool(tools); ok && isAuditRequest(pc.Request.Message) {
		sel.ToolChoice = name
		r.logger.Info("audit-style request, forcing background job tool", "tool", name)
	}
}

func (r *Router) backgroundTool(tools []Tool) (string, bool) {
	if r.cfg.BackgroundJobTool == "" {
		return "", false
	}
	marker := strings.ToLower(r.cfg.BackgroundJobTool)
	for _, t := range tools {
		if strings.Contains(strings.ToLower(t.SanitizedName), marker) {
			return t.SanitizedName, true
		}
	}
	return "", false
}

// isAuditRequest detects bulk-audit phrasing that also references ten
// or more entities.
func isAuditRequest(message string) bool {
	m := strings.ToLower(message)
	patterned := false
	for _, p := range auditPatterns {
		if strings.Contains(m, p) {
			patterned = true
			break
		}
	}
	return patterned && referencesManyEntities(m)
}

// referencesManyEntities reports a numeric literal of two or more
// digits, i.e. a count of at least ten.
func referencesManyEntities(m string) bool {
	run := 0
	for _, r := range m {
		if r >= '0' && r <= '9' {
			run++
			if run >= 2 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}
