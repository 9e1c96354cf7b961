package gateway

import (
	"context"
	"time"

	"github.com/haasonsaas/orion/internal/agent"
	"github.com/haasonsaas/orion/internal/edge"
	"github.com/haasonsaas/orion/internal/observability"
)

// tracedDispatcher wraps every dispatch in a span.
type tracedDispatcher struct {
	next   agent.Dispatcher
	tracer *observability.Tracer
}

func (d *tracedDispatcher) Dispatch(ctx context.Context, deviceID, tool string, params map[string]any, timeout time.Duration) (*edge.ToolResult, error) {
	ctx, span := d.tracer.TraceDispatch(ctx, deviceID, tool)
	defer span.End()

	res, err := d.next.Dispatch(ctx, deviceID, tool, params, timeout)
	if err != nil {
		d.tracer.RecordError(span, err)
		return nil, err
	}
	d.tracer.SetAttributes(span, "tool.call_id", res.CallID, "tool.success", res.Success)
	return res, nil
}

// instrumentedProvider records a span and request metrics for every model
// call. The span ends when the stream closes.
type instrumentedProvider struct {
	next    agent.LLMProvider
	metrics *observability.Metrics
	tracer  *observability.Tracer
	model   string
}

func (p *instrumentedProvider) Name() string { return p.next.Name() }

func (p *instrumentedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model
	if req != nil && req.Model != "" {
		model = req.Model
	}
	name := p.next.Name()
	start := time.Now()
	ctx, span := p.tracer.TraceLLMRequest(ctx, name, model)

	upstream, err := p.next.Complete(ctx, req)
	if err != nil {
		p.tracer.RecordError(span, err)
		span.End()
		p.metrics.RecordLLMRequest(name, model, "error", time.Since(start).Seconds())
		return nil, err
	}

	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		defer span.End()

		status := "success"
		var outputTokens int
		for chunk := range upstream {
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				status = "error"
				p.tracer.RecordError(span, chunk.Error)
			}
			if chunk.OutputTokens > 0 {
				outputTokens = chunk.OutputTokens
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Keep draining so the provider goroutine can exit.
				status = "cancelled"
				for range upstream {
				}
				p.metrics.RecordLLMRequest(name, model, status, time.Since(start).Seconds())
				return
			}
		}
		if outputTokens > 0 {
			p.tracer.SetAttributes(span, "llm.output_tokens", outputTokens)
		}
		p.metrics.RecordLLMRequest(name, model, status, time.Since(start).Seconds())
	}()
	return out, nil
}
