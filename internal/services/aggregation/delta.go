package aggregation

import (
	"context"

	"litellm-exporter/internal/domain/usage"
	"litellm-exporter/pkg/errors"
)

// IngestDelta counts events in [watermark, now - lag) and advances the watermark to the
// upper bound. The watermark is left untouched when the query fails, so the next call
// covers the same window again.
func (e *Engine) IngestDelta(ctx context.Context) (int, error) {
	from := e.Watermark()
	to := e.clock.Now().Add(-e.cfg.WatermarkLag)
	if !to.After(from) {
		return 0, nil
	}

	qctx, cancel := e.queryContext(ctx)
	events, err := e.reader.Events(qctx, from, to)
	cancel()
	if err != nil {
		e.metrics.RecordQueryFailure("events")
		return 0, errors.Wrap(err, "delta")
	}

	malformed := 0
	for i := range events {
		if events[i].Normalize() {
			malformed++
		}
		e.applyEvent(events[i])
	}
	if malformed > 0 {
		e.log.Debugw("Coerced malformed spend log rows", "rows", malformed)
	}

	e.setWatermark(to)
	return len(events), nil
}

func (e *Engine) applyEvent(ev usage.Event) {
	d := ev.Dimensions

	e.metrics.Spend.Add(ev.Spend.InexactFloat64(), dimensionLabels(d)...)
	e.metrics.Requests.Add(1, dimensionLabels(d, ev.Status)...)
	e.metrics.Tokens.Add(float64(ev.TotalTokens), dimensionLabels(d, TokenTotal)...)
	e.metrics.Tokens.Add(float64(ev.PromptTokens), dimensionLabels(d, TokenPrompt)...)
	e.metrics.Tokens.Add(float64(ev.CompletionTokens), dimensionLabels(d, TokenCompletion)...)
}
