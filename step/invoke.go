package step

import (
	"context"
	"encoding/json"
	"fmt"

	stepErrors "github.com/stepsdk/gostep/errors"
	"github.com/stepsdk/gostep/internal/sdkrequest"
)

// InvokeOpts configures an invoke step.
type InvokeOpts struct {
	// FunctionID is the target function's composite id
	// ("<app_id>-<function_id>").
	FunctionID string
	// Data is the payload passed to the invoked function.
	Data map[string]any
}

// Invoke calls another registered function by its composite id and returns
// its result. Like Sleep/WaitForEvent this never executes locally: on the
// miss path it records an InvokeFunction op and panics with ControlHijack,
// ending the attempt without returning to the caller.
func Invoke[T any](ctx context.Context, id string, opts InvokeOpts) (T, error) {
	mgr := preflight(ctx)

	var zero T
	if opts.FunctionID == "" {
		mgr.SetErr(fmt.Errorf("invoke requires a function id"))
		panic(ControlHijack{})
	}

	args := map[string]any{
		"function_id": opts.FunctionID,
		"payload":     map[string]any{"data": opts.Data},
	}

	op := mgr.NewOp(sdkrequest.OpInvokeFunction, id, args)

	if val, ok := mgr.Step(op); ok {
		var record struct {
			Data  json.RawMessage `json:"data"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(val, &record); err != nil {
			mgr.SetErr(fmt.Errorf("error unmarshalling invoke result for %q: %w", id, err))
			panic(ControlHijack{})
		}
		if record.Error != nil {
			mgr.SetErr(stepErrors.NonRetriableError(fmt.Errorf("%s", record.Error.Message)))
			panic(ControlHijack{})
		}
		if record.Data != nil {
			if err := json.Unmarshal(record.Data, &zero); err != nil {
				mgr.SetErr(fmt.Errorf("error unmarshalling invoke data for %q: %w", id, err))
				panic(ControlHijack{})
			}
		}
		return zero, nil
	}

	mgr.AppendOp(sdkrequest.PlannedStep{
		ID:          op.Hash(),
		Op:          sdkrequest.OpInvokeFunction,
		DisplayName: id,
		Opts:        args,
	})
	panic(ControlHijack{})
}
