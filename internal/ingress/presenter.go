package ingress

import (
	"context"
	"log/slog"
	"sync"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/gate"
	"github.com/starwreckntx/mergeguard/internal/logger"
)

// HTTPPresenter bridges the gate's blocking Present call to the polling
// observer: the pending prompt is exposed on GET /api/v1/prompt and the
// observer posts the terminal outcome back as a confirm-result event.
type HTTPPresenter struct {
	mu      sync.Mutex
	pending *gate.Prompt
	resolve chan gate.Outcome
}

func NewHTTPPresenter() *HTTPPresenter {
	return &HTTPPresenter{}
}

func (p *HTTPPresenter) Present(ctx context.Context, prompt gate.Prompt) (gate.Outcome, error) {
	p.mu.Lock()
	p.pending = &prompt
	resolve := make(chan gate.Outcome, 1)
	p.resolve = resolve
	p.mu.Unlock()

	slog.Debug("Confirmation surface opened",
		"trace_id", prompt.TraceID,
		"resource", logger.GetResourceID(ctx),
		"tier", prompt.Tier,
	)

	defer func() {
		p.mu.Lock()
		p.pending = nil
		p.resolve = nil
		p.mu.Unlock()
	}()

	select {
	case outcome := <-resolve:
		return outcome, nil
	case <-ctx.Done():
		return gate.Outcome{Terminal: "aborted"}, guardErrors.ErrAborted
	}
}

// Pending returns the prompt currently awaiting an outcome, if any.
func (p *HTTPPresenter) Pending() *gate.Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	prompt := *p.pending
	return &prompt
}

// Resolve delivers an outcome for the pending prompt. It reports false
// when no surface is waiting (a stale or duplicate confirm-result).
func (p *HTTPPresenter) Resolve(outcome gate.Outcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolve == nil {
		return false
	}
	select {
	case p.resolve <- outcome:
		return true
	default:
		return false
	}
}
