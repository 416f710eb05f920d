package stepsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	stepErrors "github.com/stepsdk/gostep/errors"
	evt "github.com/stepsdk/gostep/internal/event"
	"github.com/stepsdk/gostep/internal/sdkrequest"
	"github.com/stepsdk/gostep/step"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type testEvent struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

func newTestHandler(t *testing.T) (*handler, *Client) {
	t.Helper()
	t.Setenv("INNGEST_DEV", "1")
	client := NewClient(ClientOpts{})
	h := NewHandler("myapp", client, HandlerOpts{}).(*handler)
	return h, client
}

func postCall(t *testing.T, h http.Handler, fnID string, body []byte) *http.Response {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	q := url.Values{}
	q.Set("fnId", fnID)
	req, err := http.NewRequest(http.MethodPost, server.URL+"?"+q.Encode(), bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func encodeCall(t *testing.T, evt any, steps map[string]json.RawMessage) []byte {
	t.Helper()
	byt, err := json.Marshal(evt)
	require.NoError(t, err)
	req := sdkrequest.Request{
		Event:   byt,
		CallCtx: sdkrequest.CallCtx{RunID: "run-1", Attempt: 0},
		Steps:   steps,
	}
	out, err := json.Marshal(req)
	require.NoError(t, err)
	return out
}

func TestHandlerFirstRun(t *testing.T) {
	r := require.New(t)
	h, _ := newTestHandler(t)

	var called int32
	fn := CreateFunction(
		FunctionOpts{Name: "single step"},
		[]Trigger{EventTrigger("test/event.a")},
		func(ctx context.Context, input Input[testEvent]) (any, error) {
			called++
			return step.Run(ctx, "only-step", func(ctx context.Context) (map[string]any, error) {
				return map[string]any{"ok": true, "name": input.Event.Name}, nil
			}), nil
		},
	)
	h.Register(fn)

	body := encodeCall(t, testEvent{Name: "test/event.a"}, nil)
	resp := postCall(t, h, h.compositeID(fn.Slug()), body)
	defer resp.Body.Close()

	r.Equal(http.StatusOK, resp.StatusCode)
	r.Equal(int32(1), called)

	var data map[string]any
	byt, _ := io.ReadAll(resp.Body)
	r.NoError(json.Unmarshal(byt, &data))
	r.Equal(true, data["ok"])
	r.Equal("test/event.a", data["name"])
}

func TestHandlerReplayOfCompletedRun(t *testing.T) {
	r := require.New(t)
	h, _ := newTestHandler(t)

	fn := CreateFunction(
		FunctionOpts{Name: "single step"},
		[]Trigger{EventTrigger("test/event.a")},
		func(ctx context.Context, input Input[testEvent]) (any, error) {
			out := step.Run(ctx, "only-step", func(ctx context.Context) (map[string]any, error) {
				t.Fatal("step should not re-execute on replay")
				return nil, nil
			})
			return out, nil
		},
	)
	h.Register(fn)

	op := sdkrequest.UnhashedOp{ID: "only-step"}
	steps := map[string]json.RawMessage{
		op.Hash(): []byte(`{"data":{"ok":true,"name":"test/event.a"}}`),
	}
	body := encodeCall(t, testEvent{Name: "test/event.a"}, steps)
	resp := postCall(t, h, h.compositeID(fn.Slug()), body)
	defer resp.Body.Close()

	r.Equal(http.StatusOK, resp.StatusCode)

	var out map[string]any
	byt, _ := io.ReadAll(resp.Body)
	r.NoError(json.Unmarshal(byt, &out))
	r.Equal(true, out["ok"])
}

func TestHandlerSleepDeferral(t *testing.T) {
	r := require.New(t)
	h, _ := newTestHandler(t)

	fn := CreateFunction(
		FunctionOpts{Name: "sleeper"},
		[]Trigger{EventTrigger("test/event.a")},
		func(ctx context.Context, input Input[testEvent]) (any, error) {
			step.Sleep(ctx, "pause", 300*time.Second)
			return nil, nil
		},
	)
	h.Register(fn)

	body := encodeCall(t, testEvent{Name: "test/event.a"}, nil)
	resp := postCall(t, h, h.compositeID(fn.Slug()), body)
	defer resp.Body.Close()

	r.Equal(http.StatusPartialContent, resp.StatusCode)

	var ops []sdkrequest.PlannedStep
	byt, _ := io.ReadAll(resp.Body)
	r.NoError(json.Unmarshal(byt, &ops))
	r.Len(ops, 1)
	r.Equal(sdkrequest.OpSleep, ops[0].Op)
	r.Equal("300s", ops[0].Opts["duration"])
}

func TestHandlerDuplicateStepIDsHashDistinctly(t *testing.T) {
	r := require.New(t)
	h, _ := newTestHandler(t)

	fn := CreateFunction(
		FunctionOpts{Name: "duplicate ids"},
		[]Trigger{EventTrigger("test/event.a")},
		func(ctx context.Context, input Input[testEvent]) (any, error) {
			a := step.Run(ctx, "dup", func(ctx context.Context) (string, error) { return "first", nil })
			b := step.Run(ctx, "dup", func(ctx context.Context) (string, error) { return "second", nil })
			return a + "-" + b, nil
		},
	)
	h.Register(fn)

	firstOp := sdkrequest.UnhashedOp{ID: "dup"}
	secondOp := sdkrequest.UnhashedOp{ID: "dup", Pos: 1}
	r.NotEqual(firstOp.Hash(), secondOp.Hash())

	steps := map[string]json.RawMessage{
		firstOp.Hash():  []byte(`{"data":"first"}`),
		secondOp.Hash(): []byte(`{"data":"second"}`),
	}
	body := encodeCall(t, testEvent{Name: "test/event.a"}, steps)
	resp := postCall(t, h, h.compositeID(fn.Slug()), body)
	defer resp.Body.Close()

	r.Equal(http.StatusOK, resp.StatusCode)
	byt, _ := io.ReadAll(resp.Body)
	var out string
	r.NoError(json.Unmarshal(byt, &out))
	r.Equal("first-second", out)
}

func TestHandlerNonRetriableError(t *testing.T) {
	r := require.New(t)
	h, _ := newTestHandler(t)

	fn := CreateFunction(
		FunctionOpts{Name: "always fails"},
		[]Trigger{EventTrigger("test/event.a")},
		func(ctx context.Context, input Input[testEvent]) (any, error) {
			return nil, stepErrors.NonRetriableError(errFatal)
		},
	)
	h.Register(fn)

	body := encodeCall(t, testEvent{Name: "test/event.a"}, nil)
	resp := postCall(t, h, h.compositeID(fn.Slug()), body)
	defer resp.Body.Close()

	r.Equal(http.StatusBadRequest, resp.StatusCode)
	r.Equal("true", resp.Header.Get(HeaderKeyNoRetry))
}

func TestHandlerUnknownFunction(t *testing.T) {
	r := require.New(t)
	h, _ := newTestHandler(t)

	body := encodeCall(t, testEvent{Name: "test/event.a"}, nil)
	resp := postCall(t, h, h.compositeID("does-not-exist"), body)
	defer resp.Body.Close()

	r.Equal(http.StatusInternalServerError, resp.StatusCode)
}

func TestHandlerIntrospectionDevMode(t *testing.T) {
	r := require.New(t)
	h, _ := newTestHandler(t)

	fn := CreateFunction(
		FunctionOpts{Name: "a func"},
		[]Trigger{EventTrigger("test/event.a")},
		func(ctx context.Context, input Input[testEvent]) (any, error) { return nil, nil },
	)
	h.Register(fn)

	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Get(server.URL)
	r.NoError(err)
	defer resp.Body.Close()

	var out introspection
	r.NoError(json.NewDecoder(resp.Body).Decode(&out))
	r.Equal("dev", out.Mode)
	r.Equal(1, out.FunctionCount)
	r.True(out.AuthenticationSucceeded)
}

func TestHandlerIntrospectionCloudModeUnauthenticated(t *testing.T) {
	r := require.New(t)
	client := NewClient(ClientOpts{SigningKey: strPtr(testKey)})
	h := NewHandler("myapp", client, HandlerOpts{}).(*handler)

	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Get(server.URL)
	r.NoError(err)
	defer resp.Body.Close()

	var out introspection
	r.NoError(json.NewDecoder(resp.Body).Decode(&out))
	r.Equal("cloud", out.Mode)
	r.False(out.AuthenticationSucceeded)
	r.Empty(out.AppID)
}

func TestHandlerCallWiresClientAsEventSender(t *testing.T) {
	r := require.New(t)
	t.Setenv("INNGEST_DEV", "1")

	var sentTo string
	client := NewClient(ClientOpts{
		HTTPClient: &http.Client{
			Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				sentTo = req.URL.String()
				body := io.NopCloser(bytes.NewReader([]byte(`{"ids":["evt-test"],"status":200}`)))
				return &http.Response{StatusCode: http.StatusOK, Body: body, Header: http.Header{}}, nil
			}),
		},
	})
	h := NewHandler("myapp", client, HandlerOpts{}).(*handler)

	fn := CreateFunction(
		FunctionOpts{Name: "publisher"},
		[]Trigger{EventTrigger("test/event.a")},
		func(ctx context.Context, input Input[testEvent]) (any, error) {
			return step.Send(ctx, "publish", evt.Event{Name: "test/sent"}), nil
		},
	)
	h.Register(fn)

	body := encodeCall(t, testEvent{Name: "test/event.a"}, nil)
	resp := postCall(t, h, h.compositeID(fn.Slug()), body)
	defer resp.Body.Close()

	r.Equal(http.StatusOK, resp.StatusCode, "step.Send must reach the handler's own Client as its event sender")
	r.NotEmpty(sentTo, "Client.SendMany must have been invoked")

	var out string
	byt, _ := io.ReadAll(resp.Body)
	r.NoError(json.Unmarshal(byt, &out))
	r.Equal("evt-test", out)
}

var errFatal = &testFatalError{"exploded"}

type testFatalError struct{ msg string }

func (e *testFatalError) Error() string { return e.msg }
