// Package step implements the four step operations a handler calls to
// durably checkpoint its progress: run, sleep, waitForEvent,
// and invoke.
package step

import (
	"context"
	"fmt"

	"github.com/stepsdk/gostep/internal/sdkrequest"
)

// ControlHijack is panicked by a step operation that ends the attempt: a
// Sleep, WaitForEvent or Invoke that misses the memo and plans a deferred
// op, or any step that records an error (a failed Run thunk, a replayed
// failure record, an undecodable memo value). Memo hits and successful Run
// executions return normally. The serve handler recovers it after invoking
// the user's function; this is how the engine prevents any code after a
// deferred op from running in the same attempt without requiring every
// call site in user code to check a continuation value.
type ControlHijack struct{}

// preflight retrieves the sdkrequest.Manager stashed in ctx by the serve
// handler. It panics if called outside of a function invocation, since
// every step operation is meaningless without one.
func preflight(ctx context.Context) sdkrequest.Manager {
	mgr, ok := sdkrequest.ManagerFromContext(ctx)
	if !ok {
		panic(fmt.Errorf("step called outside of a function invocation"))
	}
	return mgr
}
