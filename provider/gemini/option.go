package gemini

import (
	"log/slog"
	"net/http"
)

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithTemperature sets the sampling temperature (default 0.1). A
// per-request temperature overrides it.
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithMediaResolution sets the media resolution for multimodal inputs.
// Valid values: "MEDIA_RESOLUTION_LOW", "MEDIA_RESOLUTION_MEDIUM", "MEDIA_RESOLUTION_HIGH".
// Only sent when explicitly set; omitted by default.
func WithMediaResolution(r string) Option {
	return func(g *Gemini) { g.mediaResolution = r }
}

// WithGoogleSearch enables grounding with Google Search (default false).
func WithGoogleSearch(enabled bool) Option {
	return func(g *Gemini) { g.googleSearch = enabled }
}

// WithURLContext enables the URL context tool (default false).
func WithURLContext(enabled bool) Option {
	return func(g *Gemini) { g.urlContext = enabled }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(g *Gemini) { g.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gemini) { g.logger = l }
}
