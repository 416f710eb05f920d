package step

import (
	"context"
	"fmt"
	"time"

	"github.com/stepsdk/gostep/internal/sdkrequest"
)

// canonicalDuration renders d as "<n>s", the canonical wire form the
// orchestrator expects for a Sleep op's opts.duration. Always expressed in
// whole seconds rather than a humanized multi-unit string.
func canonicalDuration(d time.Duration) string {
	return fmt.Sprintf("%ds", int64(d.Seconds()))
}

// Sleep pauses the function for duration. On the miss path this never
// blocks locally and does not return to the caller: it records a Sleep op
// and panics with ControlHijack, ending the attempt, so no handler code
// after it runs until the orchestrator redelivers the run after the sleep
// elapses. On a memo hit it returns normally.
func Sleep(ctx context.Context, id string, duration time.Duration) {
	mgr := preflight(ctx)
	op := mgr.NewOp(sdkrequest.OpSleep, id, nil)

	if _, ok := mgr.Step(op); ok {
		// Already slept; the cached record is always null.
		return
	}

	mgr.AppendOp(sdkrequest.PlannedStep{
		ID:          op.Hash(),
		Op:          sdkrequest.OpSleep,
		DisplayName: id,
		Opts: map[string]any{
			"duration": canonicalDuration(duration),
		},
	})
	panic(ControlHijack{})
}
