package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stepsdk/gostep/internal/sdkrequest"
)

// WaitForEventOpts configures a waitForEvent step.
type WaitForEventOpts struct {
	// Event is the name of the event to wait for.
	Event string
	// Timeout bounds how long to wait; event listeners must always be
	// time-bounded.
	Timeout time.Duration
	// If is an optional filter expression the matching event must satisfy.
	If string
}

// WaitForEvent pauses the function until a matching event arrives or the
// timeout elapses. Like Sleep, this never blocks locally on the miss path
// and does not return to the caller: it records a WaitForEvent op and
// panics with ControlHijack, ending the attempt, relying on a later attempt
// to deliver the event payload (or null on timeout) via the memo.
func WaitForEvent[T any](ctx context.Context, id string, opts WaitForEventOpts) (T, error) {
	mgr := preflight(ctx)

	args := map[string]any{
		"event":   opts.Event,
		"timeout": canonicalDuration(opts.Timeout),
	}
	if opts.If != "" {
		args["if"] = opts.If
	}

	op := mgr.NewOp(sdkrequest.OpWaitForEvent, id, args)

	var zero T
	if val, ok := mgr.Step(op); ok {
		if val == nil || string(val) == "null" {
			return zero, nil
		}
		if err := json.Unmarshal(val, &zero); err != nil {
			mgr.SetErr(fmt.Errorf("error unmarshalling waitForEvent payload for %q: %w", id, err))
			panic(ControlHijack{})
		}
		return zero, nil
	}

	mgr.AppendOp(sdkrequest.PlannedStep{
		ID:          op.Hash(),
		Op:          sdkrequest.OpWaitForEvent,
		DisplayName: id,
		Opts:        args,
	})
	panic(ControlHijack{})
}
