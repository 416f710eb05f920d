package stepsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	stepErrors "github.com/stepsdk/gostep/errors"
	"github.com/stepsdk/gostep/internal/event"
	"github.com/stepsdk/gostep/internal/sdkrequest"
	"github.com/stepsdk/gostep/step"
)

// DefaultMaxBodySize bounds how much of an invocation request body is read
// (100MB).
const DefaultMaxBodySize = 1024 * 1024 * 100

// defaultFramework is reported in introspection and sync payloads when the
// host does not specify one.
const defaultFramework = "net/http"

// HandlerOpts configures a Handler.
type HandlerOpts struct {
	// Logger is the structured logger used for request-scoped diagnostics.
	// Defaults to slog.Default().
	Logger *slog.Logger
	// ServeOrigin overrides the externally-visible scheme+host the
	// orchestrator should call back into. If nil, falls back to
	// INNGEST_SERVE_ORIGIN, then to URL, then to the incoming request's
	// own host/scheme.
	ServeOrigin *string
	// ServePath overrides the externally-visible path. If nil, falls back
	// to INNGEST_SERVE_PATH, then to URL, then to the incoming request's
	// own path.
	ServePath *string
	// URL is a fully-qualified URL to use for both origin and path when
	// ServeOrigin/ServePath are unset.
	URL *url.URL
	// MaxBodySize bounds how much of an invocation request body is read.
	// Defaults to DefaultMaxBodySize.
	MaxBodySize int
	// Framework names the HTTP framework this handler is mounted in, for
	// introspection/sync payloads.
	Framework string
}

// Handler serves the orchestrator-facing HTTP surface: introspection,
// sync, and invocation.
type Handler interface {
	http.Handler

	// Register adds functions to the handler's registry. Calling Register
	// again with a function sharing an existing slug replaces it.
	Register(fns ...ServableFunction)
}

// NewHandler returns a Handler for appID, publishing/authenticating via
// client and serving the given options.
func NewHandler(appID string, client *Client, opts HandlerOpts) Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodySize == 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.Framework == "" {
		opts.Framework = defaultFramework
	}
	return &handler{
		HandlerOpts: opts,
		appID:       appID,
		client:      client,
		funcs:       map[string]ServableFunction{},
	}
}

type handler struct {
	HandlerOpts

	appID  string
	client *Client

	l     sync.RWMutex
	funcs map[string]ServableFunction
}

func (h *handler) Register(fns ...ServableFunction) {
	h.l.Lock()
	defer h.l.Unlock()
	for _, f := range fns {
		h.funcs[f.Slug()] = f
	}
}

func (h *handler) compositeID(slug string) string {
	return h.appID + "-" + slug
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	SetBasicResponseHeaders(w)

	switch r.Method {
	case http.MethodGet:
		h.introspect(w, r)
	case http.MethodPut:
		h.sync(w, r)
	case http.MethodPost:
		h.call(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type introspection struct {
	AuthenticationSucceeded bool   `json:"authentication_succeeded"`
	FunctionCount           int    `json:"function_count"`
	HasEventKey             bool   `json:"has_event_key"`
	HasSigningKey           bool   `json:"has_signing_key"`
	HasSigningKeyFallback   bool   `json:"has_signing_key_fallback"`
	Mode                    string `json:"mode"`
	SchemaVersion           string `json:"schema_version"`

	APIOrigin           string `json:"api_origin,omitempty"`
	AppID               string `json:"app_id,omitempty"`
	Env                 string `json:"env,omitempty"`
	EventAPIOrigin      string `json:"event_api_origin,omitempty"`
	Framework           string `json:"framework,omitempty"`
	SDKLanguage         string `json:"sdk_language,omitempty"`
	SDKVersion          string `json:"sdk_version,omitempty"`
	ServeOrigin         string `json:"serve_origin,omitempty"`
	ServePath           string `json:"serve_path,omitempty"`
	EventKeyHash        string `json:"event_key_hash,omitempty"`
	SigningKeyHash      string `json:"signing_key_hash,omitempty"`
	SigningKeyFallback_ string `json:"signing_key_fallback_hash,omitempty"`
}

// introspect handles GET requests.
func (h *handler) introspect(w http.ResponseWriter, r *http.Request) {
	mode := "cloud"
	isDev := IsDev()
	if isDev {
		mode = "dev"
	}

	h.l.RLock()
	count := len(h.funcs)
	h.l.RUnlock()

	sig := r.Header.Get(HeaderKeySignature)
	valid := VerifyIntrospectionSignature(r.Context(), h.Logger, sig, h.client.GetSigningKey(), h.client.GetSigningKeyFallback(), isDev, r.Header.Get(HeaderKeyServerKind))

	resp := introspection{
		AuthenticationSucceeded: valid,
		FunctionCount:           count,
		HasEventKey:             h.client.GetEventKey() != "",
		HasSigningKey:           h.client.GetSigningKey() != "",
		HasSigningKeyFallback:   h.client.GetSigningKeyFallback() != "",
		Mode:                    mode,
		SchemaVersion:           SchemaVersion,
	}

	if valid {
		serveOrigin, servePath := h.resolveServeURL(r)
		resp.APIOrigin = h.client.GetAPIOrigin()
		resp.AppID = h.appID
		resp.Env = h.client.GetEnv()
		resp.EventAPIOrigin = h.client.GetEventAPIOrigin()
		resp.Framework = h.Framework
		resp.SDKLanguage = SDKLanguage
		resp.SDKVersion = SDKVersion
		resp.ServeOrigin = serveOrigin
		resp.ServePath = servePath
		if k := h.client.GetEventKey(); k != "" {
			resp.EventKeyHash = sha256Hex([]byte(k))
		}
		if k := h.client.GetSigningKey(); k != "" {
			resp.SigningKeyHash = sha256Hex([]byte(k))
		}
		if k := h.client.GetSigningKeyFallback(); k != "" {
			resp.SigningKeyFallback_ = sha256Hex([]byte(k))
		}
	}

	w.Header().Set(HeaderKeyContentType, "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// resolveServeURL determines the externally-visible serve origin and path:
// ServeOrigin/ServePath fields win, then
// INNGEST_SERVE_ORIGIN/INNGEST_SERVE_PATH, then the HandlerOpts.URL field,
// then the incoming request's own host/scheme/path.
func (h *handler) resolveServeURL(r *http.Request) (origin string, path string) {
	origin = h.requestOrigin(r)
	path = r.URL.Path

	if h.URL != nil {
		origin = fmt.Sprintf("%s://%s", h.URL.Scheme, h.URL.Host)
		path = h.URL.Path
	}
	if v := os.Getenv("INNGEST_SERVE_ORIGIN"); v != "" {
		origin = v
	}
	if v := os.Getenv("INNGEST_SERVE_PATH"); v != "" {
		path = v
	}
	if h.ServeOrigin != nil {
		origin = *h.ServeOrigin
	}
	if h.ServePath != nil {
		path = *h.ServePath
	}
	return origin, path
}

func (h *handler) requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// syncFunction is the wire shape of one function within a sync payload.
type syncFunction struct {
	ID          string             `json:"id"`
	Name        string             `json:"name,omitempty"`
	Triggers    []Trigger          `json:"triggers"`
	Steps       map[string]any     `json:"steps"`
	Concurrency []ConcurrencyLimit `json:"concurrency,omitempty"`
	Debounce    map[string]any     `json:"debounce,omitempty"`
	Priority    map[string]any     `json:"priority,omitempty"`
	Singleton   map[string]any     `json:"singleton,omitempty"`
}

type syncRequest struct {
	URL        string         `json:"url"`
	DeployType string         `json:"deployType"`
	AppName    string         `json:"appName"`
	SDK        string         `json:"sdk"`
	V          string         `json:"v"`
	Framework  string         `json:"framework"`
	Functions  []syncFunction `json:"functions"`
}

// sync handles PUT requests, registering the handler's functions with the
// orchestrator.
func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	origin, path := h.resolveServeURL(r)
	if origin == "" {
		h.writeSyncError(w, fmt.Errorf("unable to determine serve URL"))
		return
	}
	serveURL := origin + path

	h.l.RLock()
	fns := make([]ServableFunction, 0, len(h.funcs))
	for _, f := range h.funcs {
		fns = append(fns, f)
	}
	h.l.RUnlock()

	req := syncRequest{
		URL:        serveURL,
		DeployType: "ping",
		AppName:    h.appID,
		SDK:        fmt.Sprintf("%s:v%s", SDKLanguage, SDKVersion),
		V:          "0.1",
		Framework:  h.Framework,
	}

	for _, fn := range fns {
		compositeID := h.compositeID(fn.Slug())
		c := fn.Config()

		stepURL := fmt.Sprintf("%s?fnId=%s&stepId=step", serveURL, url.QueryEscape(compositeID))

		sf := syncFunction{
			ID:       compositeID,
			Name:     fn.Name(),
			Triggers: fn.Triggers(),
			Steps: map[string]any{
				"step": map[string]any{
					"id": "step",
					"runtime": map[string]any{
						"type": "http",
						"url":  stepURL,
					},
					"retries": map[string]any{
						"attempts": c.GetRetries() + 1,
					},
				},
			},
		}
		if len(c.Concurrency) > 0 {
			sf.Concurrency = c.Concurrency
		}
		if c.Debounce != nil {
			d := map[string]any{"period": c.Debounce.periodString()}
			if c.Debounce.Key != "" {
				d["key"] = c.Debounce.Key
			}
			if c.Debounce.Timeout != nil {
				d["timeout"] = c.Debounce.timeoutString()
			}
			sf.Debounce = d
		}
		if c.Priority != nil {
			sf.Priority = map[string]any{"run": c.Priority.Run}
		}
		if c.Singleton != nil {
			s := map[string]any{"mode": string(c.Singleton.Mode)}
			if c.Singleton.Key != "" {
				s["key"] = c.Singleton.Key
			}
			sf.Singleton = s
		}

		req.Functions = append(req.Functions, sf)
	}

	byt, err := json.Marshal(req)
	if err != nil {
		h.writeSyncError(w, fmt.Errorf("error marshalling sync request: %w", err))
		return
	}

	deployID := r.URL.Query().Get("deployId")

	createRequest := func() (*http.Request, error) {
		target := fmt.Sprintf("%s/fn/register", h.client.GetAPIOrigin())
		if deployID != "" {
			target = fmt.Sprintf("%s?deployId=%s", target, url.QueryEscape(deployID))
		}
		httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(byt))
		if err != nil {
			return nil, err
		}
		SetBasicRequestHeaders(httpReq)
		return httpReq, nil
	}

	resp, err := fetchWithAuthFallback(
		r.Context(),
		h.client.httpClient(),
		createRequest,
		h.client.GetSigningKey(),
		h.client.GetSigningKeyFallback(),
	)
	if err != nil {
		h.writeSyncError(w, fmt.Errorf("error performing sync request: %w", err))
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var upstream struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &upstream)
		msg := upstream.Error
		if msg == "" {
			msg = string(body)
		}
		h.writeSyncError(w, fmt.Errorf("%s", msg))
		return
	}

	var upstream struct {
		Modified bool `json:"modified"`
	}
	_ = json.Unmarshal(body, &upstream)

	w.Header().Set(HeaderKeyContentType, "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message":  "Successfully synced",
		"modified": upstream.Modified,
	})
}

func (h *handler) writeSyncError(w http.ResponseWriter, err error) {
	h.Logger.Error("error syncing functions", "error", err.Error())
	w.Header().Set(HeaderKeyContentType, "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
}

// call handles POST requests, invoking a registered function for one step
// of progress.
func (h *handler) call(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	isDev := IsDev()

	max := h.MaxBodySize
	if max == 0 {
		max = DefaultMaxBodySize
	}
	byt, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(max)))
	if err != nil {
		h.writeCallError(w, http.StatusBadRequest, fmt.Errorf("error reading request body: %w", err))
		return
	}

	sig := r.Header.Get(HeaderKeySignature)
	valid, _, sigErr := ValidateRequestSignature(
		r.Context(),
		sig,
		h.client.GetSigningKey(),
		h.client.GetSigningKeyFallback(),
		byt,
		isDev,
	)
	if !valid {
		h.Logger.Error("unauthorized invocation request", "error", sigErr)
		h.writeCallError(w, http.StatusInternalServerError, fmt.Errorf("unauthorized: %w", sigErr))
		return
	}

	fnID := r.URL.Query().Get("fnId")
	if fnID == "" {
		h.writeCallError(w, http.StatusInternalServerError, fmt.Errorf("missing fnId query parameter"))
		return
	}

	slugID := strings.TrimPrefix(fnID, h.appID+"-")

	h.l.RLock()
	fn, ok := h.funcs[slugID]
	h.l.RUnlock()
	if !ok {
		w.Header().Set(HeaderKeyContentType, "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Function not found"})
		return
	}

	req := &sdkrequest.Request{}
	if err := json.Unmarshal(byt, req); err != nil {
		h.writeCallError(w, http.StatusBadRequest, fmt.Errorf("malformed invocation payload: %w", err))
		return
	}

	resp, ops, err := invokeFunction(r.Context(), fn, req, h.client)

	if err != nil {
		h.writeHandlerError(w, err)
		return
	}

	if hasDeferredOp(ops) {
		w.Header().Set(HeaderKeyContentType, "application/json")
		w.WriteHeader(http.StatusPartialContent)
		_ = json.NewEncoder(w).Encode(ops)
		return
	}

	w.Header().Set(HeaderKeyContentType, "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// hasDeferredOp reports whether ops contains a Sleep/WaitForEvent/Invoke
// entry - the only kinds the engine ever leaves unresolved at handler
// return. A StepPlanned entry records work already executed this attempt
// (its result is the handler's return value, not a reason to defer), so a
// plan list containing only StepPlanned entries still yields 200.
func hasDeferredOp(ops []sdkrequest.PlannedStep) bool {
	for _, op := range ops {
		if op.Op != sdkrequest.OpStepPlanned {
			return true
		}
	}
	return false
}

// writeHandlerError maps a handler/step failure onto an HTTP response per
// the error taxonomy.
func (h *handler) writeHandlerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	noRetry := false

	switch {
	case stepErrors.IsNonRetriable(err):
		status = http.StatusBadRequest
		noRetry = true
	case stepErrors.IsStepError(err):
		status = http.StatusBadRequest
		noRetry = true
	default:
		if at := stepErrors.GetRetryAfter(err); at != nil {
			w.Header().Set(HeaderKeyRetryAfter, retryAfterSeconds(*at))
		}
	}

	if noRetry {
		w.Header().Set(HeaderKeyNoRetry, "true")
	} else {
		w.Header().Set(HeaderKeyNoRetry, "false")
	}

	w.Header().Set(HeaderKeyContentType, "application/json")
	w.WriteHeader(status)

	name := "Error"
	if stepErrors.IsStepError(err) {
		name = "StepError"
	} else if stepErrors.IsNonRetriable(err) {
		name = "NonRetriableError"
	} else if stepErrors.GetRetryAfter(err) != nil {
		name = "RetryAfterError"
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":    name,
		"message": err.Error(),
		"stack":   "",
	})
}

func (h *handler) writeCallError(w http.ResponseWriter, status int, err error) {
	w.Header().Set(HeaderKeyContentType, "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// retryAfterSeconds renders at as the number of whole seconds from now,
// clamped to 0 if it has already passed, matching the "<secs or RFC3339>"
// Retry-After contract.
func retryAfterSeconds(at time.Time) string {
	secs := int64(time.Until(at).Seconds())
	if secs < 0 {
		secs = 0
	}
	return strconv.FormatInt(secs, 10)
}

// invokeFunction calls fn's underlying handler with an input hydrated from
// req, returning its final value, any planned steps recorded along the
// way, and an error if the handler (or a step) failed. client is attached
// to the function's context as its event.Sender, so step.Send/SendMany can
// reach it.
func invokeFunction(ctx context.Context, fn ServableFunction, req *sdkrequest.Request, client *Client) (any, []sdkrequest.PlannedStep, error) {
	fCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := sdkrequest.NewManager(cancel, req)
	fCtx = sdkrequest.WithManager(fCtx, mgr)
	fCtx = event.WithSender(fCtx, client)

	fVal := reflect.ValueOf(fn.Func())
	inputVal := reflect.New(fVal.Type().In(1)).Elem()

	if zero := fn.ZeroEvent(); zero != nil {
		eventType := reflect.TypeOf(zero)

		evtPtr := reflect.New(eventType).Interface()
		if len(req.Event) > 0 {
			if err := json.Unmarshal(req.Event, evtPtr); err != nil {
				return nil, nil, fmt.Errorf("error unmarshalling event: %w", err)
			}
		}
		inputVal.FieldByName("Event").Set(reflect.ValueOf(evtPtr).Elem())

		sliceType := reflect.SliceOf(eventType)
		evtList := reflect.MakeSlice(sliceType, 0, len(req.Events))
		for _, raw := range req.Events {
			newEvt := reflect.New(eventType).Interface()
			if err := json.Unmarshal(raw, newEvt); err != nil {
				return nil, nil, fmt.Errorf("error unmarshalling batched event: %w", err)
			}
			evtList = reflect.Append(evtList, reflect.ValueOf(newEvt).Elem())
		}
		inputVal.FieldByName("Events").Set(evtList)
	} else {
		val := map[string]any{}
		if len(req.Event) > 0 {
			if err := json.Unmarshal(req.Event, &val); err != nil {
				return nil, nil, fmt.Errorf("error unmarshalling event: %w", err)
			}
		}
		inputVal.FieldByName("Event").Set(reflect.ValueOf(val))

		events := make([]any, len(req.Events))
		for i, raw := range req.Events {
			var v map[string]any
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, nil, fmt.Errorf("error unmarshalling batched event: %w", err)
			}
			events[i] = v
		}
		inputVal.FieldByName("Events").Set(reflect.ValueOf(events))
	}

	inputVal.FieldByName("InputCtx").Set(reflect.ValueOf(InputCtx{
		Env:        req.CallCtx.Env,
		FunctionID: fn.Slug(),
		RunID:      req.CallCtx.RunID,
		Attempt:    req.CallCtx.Attempt,
	}))

	var (
		results  []reflect.Value
		panicErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(step.ControlHijack); ok {
					return
				}
				panicErr = fmt.Errorf("function panicked: %v", r)
			}
		}()
		results = fVal.Call([]reflect.Value{reflect.ValueOf(fCtx), inputVal})
	}()

	var err error
	switch {
	case panicErr != nil:
		err = panicErr
	case mgr.Err() != nil:
		err = mgr.Err()
	case results != nil && !results[1].IsNil():
		err = results[1].Interface().(error)
	}

	var response any
	if results != nil {
		response = results[0].Interface()
	}

	return response, mgr.Ops(), err
}
