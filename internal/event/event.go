// Package event defines the wire-level Event record and the
// context plumbing used to reach an event sender from inside a step.
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the immutable record published to and delivered from the
// orchestrator. ID and Timestamp are populated automatically by New if left
// zero.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	User      map[string]any `json:"user,omitempty"`
	Timestamp int64          `json:"ts,omitempty"`
}

// New returns an Event with its ID and Timestamp populated if they were
// left at their zero value.
func New(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return e
}

// Validate reports whether the event is well-formed for sending.
func (e Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("event name must be present")
	}
	return nil
}

type senderCtxKeyType struct{}

var senderCtxKey = senderCtxKeyType{}

// Sender publishes events to the orchestrator's event API.
type Sender interface {
	Send(ctx context.Context, evt Event) (string, error)
	SendMany(ctx context.Context, evts []Event) ([]string, error)
}

// WithSender attaches a Sender to ctx so step.Send/SendMany can reach it
// without threading a client value through every handler signature.
func WithSender(ctx context.Context, s Sender) context.Context {
	return context.WithValue(ctx, senderCtxKey, s)
}

// SenderFromContext retrieves the Sender attached by WithSender, if any.
func SenderFromContext(ctx context.Context) (Sender, bool) {
	s, ok := ctx.Value(senderCtxKey).(Sender)
	return s, ok
}
