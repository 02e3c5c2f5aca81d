package executor

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scriptd/internal/monitor"
)

// Event types carried on the observer stream.
const (
	EventStdout = "stdout"
	EventStderr = "stderr"
	EventStatus = "status"
	EventError  = "error"
)

// Event is one message delivered to a run's observer.
type Event struct {
	Type        string `json:"type"`
	Data        string `json:"data"`
	ExecutionID string `json:"execution_id"`
}

// Sink delivers events to exactly one observer. Implementations need not
// be safe for concurrent use; the executor serializes calls.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// maxSendTimeouts is how many consecutive timed-out sends detach a sink.
const maxSendTimeouts = 3

// observer guards a caller's sink. Sends are serialized and bounded by
// timeout. A timed-out send drops only that event; maxSendTimeouts in a
// row, or any other send error, detach the sink and later events are
// dropped without being attempted.
type observer struct {
	mu       sync.Mutex
	sink     Sink
	timeout  time.Duration
	metrics  *monitor.Metrics
	logger   zerolog.Logger
	timeouts int
	gone     bool
}

func newObserver(sink Sink, timeout time.Duration, m *monitor.Metrics, logger zerolog.Logger) *observer {
	if o, ok := sink.(*observer); ok {
		return o
	}
	if sink == nil {
		sink = Discard
	}
	return &observer{sink: sink, timeout: timeout, metrics: m, logger: logger}
}

// Send never fails; delivery errors are counted and logged.
func (o *observer) Send(ctx context.Context, ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gone {
		return nil
	}

	sendCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	err := o.sink.Send(sendCtx, ev)
	if err == nil {
		o.timeouts = 0
		return nil
	}
	o.metrics.RecordSinkError()

	if isTimeout(err) && ctx.Err() == nil {
		o.timeouts++
		if o.timeouts < maxSendTimeouts {
			o.logger.Warn().Err(err).Str("event", ev.Type).Int("timeouts", o.timeouts).Msg("observer send timed out, event dropped")
			return nil
		}
	}
	o.gone = true
	o.logger.Warn().Err(err).Str("event", ev.Type).Msg("observer unreachable, dropping further events")
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
