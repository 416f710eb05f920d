package step

import (
	"context"
	"encoding/json"
	"fmt"

	stepErrors "github.com/stepsdk/gostep/errors"
	"github.com/stepsdk/gostep/internal/sdkrequest"
)

// Run executes f durably. If a memoized record for id already exists it is
// returned (or re-raised as a *stepErrors.StepError, if it recorded a
// failure) without calling f again. Otherwise f is invoked immediately -
// unlike the other three ops, Run never defers execution - and its result
// becomes both the return value and a recorded StepPlanned op. Unlike a
// miss on the other three ops, a successful Run does not hijack control
// flow: the handler keeps running with the real result, since the engine
// never needs the orchestrator to resume it for work it already did.
func Run[T any](ctx context.Context, id string, f func(ctx context.Context) (T, error)) T {
	mgr := preflight(ctx)
	op := mgr.NewOp(sdkrequest.OpStepPlanned, id, nil)

	if val, ok := mgr.Step(op); ok {
		var record struct {
			Data  json.RawMessage `json:"data"`
			Error *struct {
				Name    string `json:"name"`
				Message string `json:"message"`
				Stack   string `json:"stack"`
			} `json:"error"`
		}
		if err := json.Unmarshal(val, &record); err == nil && record.Error != nil {
			mgr.SetErr(&stepErrors.StepError{
				Name:    record.Error.Name,
				Message: record.Error.Message,
				Stack:   record.Error.Stack,
			})
			panic(ControlHijack{})
		}

		var out T
		data := val
		if record.Data != nil {
			data = record.Data
		}
		if err := json.Unmarshal(data, &out); err != nil {
			mgr.SetErr(fmt.Errorf("error unmarshalling memoized value for step %q: %w", id, err))
			panic(ControlHijack{})
		}
		return out
	}

	result, err := f(ctx)
	if err != nil {
		mgr.SetErr(err)
		panic(ControlHijack{})
	}

	byt, err := json.Marshal(result)
	if err != nil {
		mgr.SetErr(fmt.Errorf("error marshalling result for step %q: %w", id, err))
		panic(ControlHijack{})
	}

	mgr.AppendOp(sdkrequest.PlannedStep{
		ID:          op.Hash(),
		Op:          sdkrequest.OpStepPlanned,
		DisplayName: id,
		Data:        byt,
	})
	return result
}
