package loom

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Failover describes one transparent provider switch.
type Failover struct {
	Original   string
	Substitute string
	Reason     string
	At         time.Time
}

// StreamSource is what the completion stage needs from the provider
// layer: one normalized stream per round plus one-shot failover
// metadata.
type StreamSource interface {
	// Stream opens a provider stream, forwards normalized deltas into ch
	// and returns the final response and the name of the provider that
	// served it. ch is closed before returning.
	Stream(ctx context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, string, error)
	// TakeFailover returns failover metadata recorded since the last
	// call and clears it. Nil when none occurred.
	TakeFailover() *Failover
}

// Manager fronts an ordered provider list with transparent failover.
// A provider that fails before any delta is forwarded is abandoned and
// the next one is tried; once deltas flow, errors propagate unchanged
// to avoid duplicate output.
type Manager struct {
	providers []Provider
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// ManagerLogger sets the structured logger. Defaults to no output.
func ManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a manager over providers in failover order.
func NewManager(providers []Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("manager: at least one provider required")
	}
	m := &Manager{providers: providers, logger: nopLogger}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Primary returns the name of the first-choice provider.
func (m *Manager) Primary() string { return m.providers[0].Name() }

// Chat tries providers in order until one answers.
func (m *Manager) Chat(ctx context.Context, req ChatRequest) (ChatResponse, string, error) {
	var lastErr error
	for i, p := range m.providers {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			return resp, p.Name(), nil
		}
		lastErr = err
		if ctx.Err() != nil || !failoverWorthy(err) || i == len(m.providers)-1 {
			return ChatResponse{}, p.Name(), err
		}
		m.logger.Warn("provider failover",
			"from", p.Name(),
			"to", m.providers[i+1].Name(),
			"error", err)
	}
	return ChatResponse{}, "", lastErr
}

// ForRequest returns a request-scoped stream source. The failover flag
// lives on it, so concurrent requests never observe each other's
// switches.
func (m *Manager) ForRequest() *RequestSource {
	return &RequestSource{m: m}
}

// stream runs the failover loop. onSwitch fires after each abandoned
// provider, before the next attempt.
func (m *Manager) stream(ctx context.Context, req ChatRequest, ch chan<- Delta, onSwitch func(orig, sub string, err error)) (ChatResponse, string, error) {
	defer close(ch)
	var (
		lastErr  error
		lastName string
	)
	for i, p := range m.providers {
		mid := make(chan Delta, 64)
		var (
			resp ChatResponse
			err  error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, err = p.ChatStream(ctx, req, mid)
		}()

		forwarded := false
		for d := range mid {
			forwarded = true
			ch <- d
		}
		<-done

		lastName = p.Name()
		if err == nil {
			return resp, lastName, nil
		}
		lastErr = err
		if forwarded || ctx.Err() != nil || !failoverWorthy(err) || i == len(m.providers)-1 {
			return resp, lastName, err
		}
		next := m.providers[i+1]
		m.logger.Warn("provider failover",
			"from", p.Name(),
			"to", next.Name(),
			"error", err)
		if onSwitch != nil {
			onSwitch(p.Name(), next.Name(), err)
		}
	}
	return ChatResponse{}, lastName, lastErr
}

// failoverWorthy reports whether err justifies trying the next
// provider: transport failures and 5xx/429 responses. Other 4xx
// rejections (bad request, oversized tool schemas) propagate so the
// caller can repair the request instead of replaying it elsewhere.
func failoverWorthy(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var eh *ErrHTTP
	if errors.As(err, &eh) {
		return eh.Status >= 500 || eh.Status == 429
	}
	var el *ErrLLM
	if errors.As(err, &el) {
		return false
	}
	return true
}

// RequestSource is the per-request view of the Manager. It records at
// most one failover and hands it out exactly once.
type RequestSource struct {
	m *Manager

	mu       sync.Mutex
	failover *Failover
}

func (s *RequestSource) Stream(ctx context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, string, error) {
	return s.m.stream(ctx, req, ch, s.record)
}

// record keeps the first switch; later switches in the same request
// only advance the substitute.
func (s *RequestSource) record(orig, sub string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failover != nil {
		s.failover.Substitute = sub
		return
	}
	s.failover = &Failover{
		Original:   orig,
		Substitute: sub,
		Reason:     err.Error(),
		At:         time.Now(),
	}
}

func (s *RequestSource) TakeFailover() *Failover {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.failover
	s.failover = nil
	return f
}

// compile-time check
var _ StreamSource = (*RequestSource)(nil)
