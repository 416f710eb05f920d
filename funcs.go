package stepsdk

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/gosimple/slug"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Trigger is a tagged variant: a function is invoked either by an event
// (optionally filtered by an expression) or on a cron schedule.
type Trigger struct {
	Event      string `json:"event,omitempty"`
	Expression string `json:"expression,omitempty"`
	Cron       string `json:"cron,omitempty"`
}

// EventTrigger returns a Trigger fired whenever an event matching name (and,
// if given, the filter expression) is received.
func EventTrigger(name string, expression ...string) Trigger {
	t := Trigger{Event: name}
	if len(expression) > 0 {
		t.Expression = expression[0]
	}
	return t
}

// CronTrigger returns a Trigger fired on the given cron schedule.
func CronTrigger(expression string) Trigger {
	return Trigger{Cron: expression}
}

func (t Trigger) isCron() bool { return t.Cron != "" }

func (t Trigger) validate() error {
	if t.Cron == "" && t.Event == "" {
		return fmt.Errorf("trigger must set either an event or a cron expression")
	}
	return nil
}

// ConcurrencyScope names the level at which a concurrency limit is shared.
type ConcurrencyScope string

const (
	ConcurrencyScopeFn      ConcurrencyScope = "fn"
	ConcurrencyScopeEnv     ConcurrencyScope = "env"
	ConcurrencyScopeAccount ConcurrencyScope = "account"
)

// ConcurrencyLimit bounds how many runs of a function may execute at once.
// A Limit of 0 means unlimited.
type ConcurrencyLimit struct {
	Limit int              `json:"limit"`
	Key   string           `json:"key,omitempty"`
	Scope ConcurrencyScope `json:"scope,omitempty"`
}

func (c ConcurrencyLimit) validate() error {
	if c.Limit < 0 {
		return fmt.Errorf("concurrency limit must be >= 0, got %d", c.Limit)
	}
	switch c.Scope {
	case "", ConcurrencyScopeFn, ConcurrencyScopeEnv, ConcurrencyScopeAccount:
	default:
		return fmt.Errorf("concurrency scope %q is not one of fn, env, account", c.Scope)
	}
	return nil
}

// Debounce delays execution until a period has elapsed without a new
// matching event, coalescing rapid-fire triggers into a single run.
type Debounce struct {
	Period  time.Duration
	Key     string
	Timeout *time.Duration
}

const (
	minDebouncePeriod = time.Second
	maxDebouncePeriod = 7 * 24 * time.Hour
)

func (d Debounce) validate() error {
	if d.Period < minDebouncePeriod || d.Period > maxDebouncePeriod {
		return fmt.Errorf("debounce period must be between 1s and 7d, got %s", d.Period)
	}
	return nil
}

func (d Debounce) periodString() string { return str2duration.String(d.Period) }
func (d Debounce) timeoutString() string {
	if d.Timeout == nil {
		return ""
	}
	return str2duration.String(*d.Timeout)
}

// Priority controls run ordering via a server-evaluated expression yielding
// an integer in [-600, 600].
type Priority struct {
	Run string
}

func (p Priority) validate() error {
	if p.Run == "" {
		return fmt.Errorf("priority expression must not be empty")
	}
	if len(p.Run) > 1000 {
		return fmt.Errorf("priority expression must be <= 1000 chars, got %d", len(p.Run))
	}
	for _, r := range p.Run {
		if r < 0x20 || r > 0x7e {
			return fmt.Errorf("priority expression contains an unsupported character %q", r)
		}
	}
	return nil
}

// SingletonMode controls what happens when a singleton-constrained function
// is triggered while a matching run is already in flight.
type SingletonMode string

const (
	SingletonModeSkip   SingletonMode = "skip"
	SingletonModeCancel SingletonMode = "cancel"
)

// Singleton ensures at most one run is active per key at a time.
type Singleton struct {
	Mode SingletonMode
	Key  string
}

func (s Singleton) validate() error {
	switch s.Mode {
	case SingletonModeSkip, SingletonModeCancel:
		return nil
	default:
		return fmt.Errorf("singleton mode %q is not one of skip, cancel", s.Mode)
	}
}

// FunctionOpts configures a function registered with a Handler.
type FunctionOpts struct {
	// ID uniquely identifies this function within the app. If empty, it is
	// derived by slugging Name.
	ID string
	// Name is a human-readable display name.
	Name string
	// Description is an optional longer description.
	Description string
	// Retries is the number of retry attempts after the first (default 3).
	Retries *int
	// Concurrency holds 0-2 concurrency constraints.
	Concurrency []ConcurrencyLimit
	// Debounce coalesces rapid triggers, if set.
	Debounce *Debounce
	// Priority reorders runs via a server-evaluated expression, if set.
	Priority *Priority
	// Singleton constrains concurrent runs to one per key, if set.
	Singleton *Singleton
}

// GetRetries returns the configured retry count, defaulting to 3.
func (fc FunctionOpts) GetRetries() int {
	if fc.Retries == nil {
		return 3
	}
	return *fc.Retries
}

// validate checks every optional knob's construction-time invariants.
func (fc FunctionOpts) validate() error {
	if len(fc.Concurrency) > 2 {
		return fmt.Errorf("concurrency accepts at most 2 entries, got %d", len(fc.Concurrency))
	}
	for _, c := range fc.Concurrency {
		if err := c.validate(); err != nil {
			return err
		}
	}
	if fc.Debounce != nil {
		if err := fc.Debounce.validate(); err != nil {
			return err
		}
	}
	if fc.Priority != nil {
		if err := fc.Priority.validate(); err != nil {
			return err
		}
	}
	if fc.Singleton != nil {
		if err := fc.Singleton.validate(); err != nil {
			return err
		}
	}
	if fc.Retries != nil && *fc.Retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", *fc.Retries)
	}
	return nil
}

// Input is the value passed to a function's handler: the triggering event,
// any batched events, and per-run call context.
type Input[T any] struct {
	Event    T        `json:"event"`
	Events   []T      `json:"events"`
	InputCtx InputCtx `json:"ctx"`
}

// InputCtx carries identifiers describing the current run and attempt.
type InputCtx struct {
	Env        string `json:"env"`
	FunctionID string `json:"fn_id"`
	RunID      string `json:"run_id"`
	Attempt    int    `json:"attempt"`
}

// SDKFunction is a user-defined handler invoked on a matching trigger.
type SDKFunction[T any] func(ctx context.Context, input Input[T]) (any, error)

// ServableFunction is the type-erased form of a registered function, as
// held by a Handler's registry.
type ServableFunction interface {
	// Slug returns the function's unique id within the app.
	Slug() string
	// Name returns the function's display name.
	Name() string
	// Config returns the function's options.
	Config() FunctionOpts
	// Triggers returns the function's non-empty trigger list.
	Triggers() []Trigger
	// ZeroEvent returns a new zero value of the event type this function
	// expects, used to decode the incoming payload.
	ZeroEvent() any
	// Func returns the underlying SDKFunction as an any, for reflective
	// invocation (it is always of type SDKFunction[T] for some T).
	Func() any
}

// CreateFunction builds a ServableFunction from strongly-typed options, a
// trigger list, and a handler. It panics if fc or any trigger is invalid,
// since these are construction-time invariants the host controls.
func CreateFunction[T any](fc FunctionOpts, triggers []Trigger, f SDKFunction[T]) ServableFunction {
	if len(triggers) == 0 {
		panic(fmt.Errorf("function %q must declare at least one trigger", fc.Name))
	}
	for _, t := range triggers {
		if err := t.validate(); err != nil {
			panic(err)
		}
	}
	if err := fc.validate(); err != nil {
		panic(fmt.Errorf("function %q has invalid options: %w", fc.Name, err))
	}
	return servableFunc[T]{fc: fc, triggers: triggers, f: f}
}

type servableFunc[T any] struct {
	fc       FunctionOpts
	triggers []Trigger
	f        SDKFunction[T]
}

func (s servableFunc[T]) Config() FunctionOpts { return s.fc }

func (s servableFunc[T]) Slug() string {
	if s.fc.ID != "" {
		return s.fc.ID
	}
	return slug.Make(s.fc.Name)
}

func (s servableFunc[T]) Name() string { return s.fc.Name }

func (s servableFunc[T]) Triggers() []Trigger { return s.triggers }

func (s servableFunc[T]) ZeroEvent() any {
	var zero T
	return reflect.ValueOf(&zero).Elem().Interface()
}

func (s servableFunc[T]) Func() any { return s.f }
