// Package natsutil wraps nats.go with JSON payloads, an event envelope and
// OpenTelemetry trace propagation through message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// HeaderEventID carries the event id so consumers can dedupe without decoding.
const HeaderEventID = "Nats-Msg-Id"

// msgCarrier adapts nats.Msg headers to propagation.TextMapCarrier.
type msgCarrier nats.Msg

func (c *msgCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *msgCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *msgCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Inject writes the trace context of ctx into msg headers.
func Inject(ctx context.Context, msg *nats.Msg) {
	otel.GetTextMapPropagator().Inject(ctx, (*msgCarrier)(msg))
}

// Extract returns a background context carrying the trace context found in msg.
func Extract(msg *nats.Msg) context.Context {
	return otel.GetTextMapPropagator().Extract(context.Background(), (*msgCarrier)(msg))
}

func newMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	Inject(ctx, msg)
	return msg, nil
}

// Publish sends v as JSON.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := newMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Event is the envelope for facts the engine announces.
type Event[T any] struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	Time    time.Time `json:"time"`
	Payload T         `json:"payload"`
}

// NewEvent stamps payload with a fresh id and the current UTC time.
func NewEvent[T any](subject string, payload T) Event[T] {
	return Event[T]{ID: uuid.NewString(), Subject: subject, Time: time.Now().UTC(), Payload: payload}
}

// PublishEvent wraps payload in an Event and publishes it.
func PublishEvent[T any](ctx context.Context, nc *nats.Conn, subject string, payload T) (Event[T], error) {
	ev := NewEvent(subject, payload)
	msg, err := newMsg(ctx, subject, ev)
	if err != nil {
		return ev, err
	}
	(*msgCarrier)(msg).Set(HeaderEventID, ev.ID)
	return ev, nc.PublishMsg(msg)
}

// Subscribe decodes each message as T and calls handler with the sender's
// trace context. Undecodable messages are logged and dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			slog.Warn("natsutil: dropping malformed message", "subject", msg.Subject, "err", err)
			return
		}
		handler(Extract(msg), v)
	})
}

// Request sends req and decodes the reply. Without a deadline on ctx the
// request times out after nats.DefaultTimeout.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	msg, err := newMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, err
	}
	var out Resp
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return zero, fmt.Errorf("natsutil: decode reply from %s: %w", subject, err)
	}
	return out, nil
}

// Respond answers msg with v as JSON. Messages without a reply subject are
// left alone.
func Respond[T any](msg *nats.Msg, v T) error {
	if msg.Reply == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return msg.Respond(data)
}

// DeadLetter records a message that could not be processed.
type DeadLetter struct {
	Subject  string          `json:"subject"`
	Reason   string          `json:"reason"`
	Kind     string          `json:"kind,omitempty"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
	Data     json.RawMessage `json:"data,omitempty"`
	Raw      string          `json:"raw,omitempty"` // original bytes when they were not JSON
}

// PublishDeadLetter parks msg on dlq with the failure reason. The original
// trace headers are carried over.
func PublishDeadLetter(nc *nats.Conn, dlq string, msg *nats.Msg, kind string, attempts int, cause error) error {
	dl := DeadLetter{
		Subject:  msg.Subject,
		Reason:   cause.Error(),
		Kind:     kind,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if json.Valid(msg.Data) {
		dl.Data = msg.Data
	} else {
		dl.Raw = string(msg.Data)
	}
	out, err := newMsg(Extract(msg), dlq, dl)
	if err != nil {
		return err
	}
	return nc.PublishMsg(out)
}
