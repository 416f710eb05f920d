package step

import (
	"context"
	"errors"

	evt "github.com/stepsdk/gostep/internal/event"
)

// Send publishes a single event to the orchestrator as a Run step, so the
// publish is retried as part of the function's durable progress rather than
// re-executed on every replay.
func Send(ctx context.Context, id string, event evt.Event) string {
	return Run(ctx, id, func(ctx context.Context) (string, error) {
		sender, ok := evt.SenderFromContext(ctx)
		if !ok {
			return "", errors.New("no event sender configured in context")
		}
		return sender.Send(ctx, event)
	})
}

// SendMany publishes a batch of events as a single Run step.
func SendMany(ctx context.Context, id string, events []evt.Event) []string {
	return Run(ctx, id, func(ctx context.Context) ([]string, error) {
		sender, ok := evt.SenderFromContext(ctx)
		if !ok {
			return nil, errors.New("no event sender configured in context")
		}
		return sender.SendMany(ctx, events)
	})
}
