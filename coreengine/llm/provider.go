// Package llm provides completion backends and the wrapper that bounds and
// instruments every call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrTimeout is returned when a completion does not finish within its bound.
var ErrTimeout = errors.New("llm call timed out")

// Constraints shape a single completion.
type Constraints struct {
	System      string
	Temperature float64
	MaxTokens   int
	// JSON asks the backend for a JSON object response.
	JSON bool
}

// Provider completes a prompt.
type Provider interface {
	Complete(ctx context.Context, prompt string, c Constraints) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt string, c Constraints) (string, error)

// Complete implements Provider.
func (f ProviderFunc) Complete(ctx context.Context, prompt string, c Constraints) (string, error) {
	return f(ctx, prompt, c)
}

var tracer = otel.Tracer("finrouter/llm")

// Instrumented bounds every call with a timeout and records metrics and a
// span. A call still running when the bound expires is abandoned and
// reported as ErrTimeout even if the backend ignores cancellation.
type Instrumented struct {
	inner    Provider
	provider string
	model    string
	timeout  time.Duration
}

// NewInstrumented wraps inner. provider and model are metric labels.
func NewInstrumented(inner Provider, provider, model string, timeout time.Duration) *Instrumented {
	return &Instrumented{inner: inner, provider: provider, model: model, timeout: timeout}
}

type completion struct {
	text string
	err  error
}

// Complete implements Provider.
func (p *Instrumented) Complete(ctx context.Context, prompt string, c Constraints) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.complete")
	span.SetAttributes(
		attribute.String("finrouter.llm.provider", p.provider),
		attribute.String("finrouter.llm.model", p.model),
		attribute.Bool("finrouter.llm.json", c.JSON),
	)
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan completion, 1)
	go func() {
		text, err := p.inner.Complete(ctx, prompt, c)
		done <- completion{text: text, err: err}
	}()

	var res completion
	select {
	case res = <-done:
	case <-ctx.Done():
		res = completion{err: ctx.Err()}
	}
	durationMS := int(time.Since(start).Milliseconds())

	status := "success"
	if res.err != nil {
		status = "error"
		if errors.Is(res.err, context.DeadlineExceeded) {
			status = "timeout"
			res.err = fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
		}
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	observability.RecordLLMCall(p.provider, p.model, status, durationMS)
	return res.text, res.err
}

// Unavailable is the provider used when no backend is configured. Every
// call fails, which drives callers onto their deterministic fallbacks.
type Unavailable struct{}

// Complete implements Provider.
func (Unavailable) Complete(context.Context, string, Constraints) (string, error) {
	return "", errors.New("no llm provider configured")
}

var (
	_ Provider = (*Instrumented)(nil)
	_ Provider = Unavailable{}
	_ Provider = ProviderFunc(nil)
)
