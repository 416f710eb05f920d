package step

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepsdk/gostep/internal/sdkrequest"
)

func TestWaitForEventMiss(t *testing.T) {
	r := require.New(t)
	ctx, mgr := newCtx(&sdkrequest.Request{})

	hijacked := runHandler(func() {
		WaitForEvent[map[string]any](ctx, "wait", WaitForEventOpts{
			Event:   "user/paid",
			Timeout: time.Hour,
		})
	})

	r.True(hijacked)
	ops := mgr.Ops()
	r.Len(ops, 1)
	r.Equal(sdkrequest.OpWaitForEvent, ops[0].Op)
	r.Equal("user/paid", ops[0].Opts["event"])
	r.Equal("3600s", ops[0].Opts["timeout"])
}

func TestWaitForEventHitWithPayload(t *testing.T) {
	r := require.New(t)

	op := sdkrequest.UnhashedOp{ID: "wait"}
	req := &sdkrequest.Request{Steps: map[string]json.RawMessage{
		op.Hash(): []byte(`{"amount": 100}`),
	}}
	ctx, mgr := newCtx(req)

	var got map[string]any
	hijacked := runHandler(func() {
		var err error
		got, err = WaitForEvent[map[string]any](ctx, "wait", WaitForEventOpts{Event: "user/paid", Timeout: time.Hour})
		r.NoError(err)
	})

	r.False(hijacked)
	r.Equal(float64(100), got["amount"])
	r.Empty(mgr.Ops())
}

func TestWaitForEventHitTimedOut(t *testing.T) {
	r := require.New(t)

	op := sdkrequest.UnhashedOp{ID: "wait"}
	req := &sdkrequest.Request{Steps: map[string]json.RawMessage{
		op.Hash(): []byte(`null`),
	}}
	ctx, mgr := newCtx(req)

	var got map[string]any
	hijacked := runHandler(func() {
		var err error
		got, err = WaitForEvent[map[string]any](ctx, "wait", WaitForEventOpts{Event: "user/paid", Timeout: time.Hour})
		r.NoError(err)
	})

	r.False(hijacked)
	r.Nil(got)
	r.Empty(mgr.Ops())
}
