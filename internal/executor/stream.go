package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"scriptd/internal/monitor"
)

const (
	readBufferSize = 64 * 1024
	// Lines longer than this are flushed in pieces.
	maxLineBytes = 1 << 20
)

// Output holds the accumulated text of both streams.
type Output struct {
	Stdout    string
	Stderr    string
	Truncated bool
}

// Multiplexer drains a process's two output streams into a sink.
type Multiplexer struct {
	MaxBytes    int64         // per-stream accumulator cap, 0 means unlimited
	SendTimeout time.Duration // per-event sink deadline
	Metrics     *monitor.Metrics
}

// Drain reads stdout and stderr concurrently, line by line. Every line is
// sent to sink as it is read and appended to its stream's accumulator.
// It returns once both streams reached end of input. Sink failures never
// abort draining; the returned error only reports a failed read.
func (m *Multiplexer) Drain(ctx context.Context, stdout, stderr io.Reader, sink Sink, runID string) (Output, error) {
	obs := newObserver(sink, m.SendTimeout, m.Metrics, log.With().Str("exec_id", runID).Logger())

	outAcc := &accumulator{max: m.MaxBytes}
	errAcc := &accumulator{max: m.MaxBytes}

	var g errgroup.Group
	g.Go(func() error { return m.pump(ctx, stdout, EventStdout, outAcc, obs, runID) })
	g.Go(func() error { return m.pump(ctx, stderr, EventStderr, errAcc, obs, runID) })
	err := g.Wait()

	return Output{
		Stdout:    outAcc.String(),
		Stderr:    errAcc.String(),
		Truncated: outAcc.truncated || errAcc.truncated,
	}, err
}

func (m *Multiplexer) pump(ctx context.Context, r io.Reader, stream string, acc *accumulator, obs *observer, runID string) error {
	br := bufio.NewReaderSize(r, readBufferSize)
	var pending []byte

	emit := func() {
		line := strings.ToValidUTF8(string(pending), "\uFFFD")
		pending = pending[:0]
		acc.add(line)
		m.Metrics.RecordLine(stream)
		_ = obs.Send(ctx, Event{Type: stream, Data: line, ExecutionID: runID})
	}

	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			pending = append(pending, chunk...)
			if chunk[len(chunk)-1] == '\n' || len(pending) >= maxLineBytes {
				emit()
			}
		}
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(pending) > 0 {
			emit()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", stream, err)
	}
}

type accumulator struct {
	b         strings.Builder
	max       int64
	truncated bool
}

func (a *accumulator) add(s string) {
	if a.max <= 0 {
		a.b.WriteString(s)
		return
	}
	room := a.max - int64(a.b.Len())
	if int64(len(s)) <= room {
		a.b.WriteString(s)
		return
	}
	if room > 0 {
		a.b.WriteString(strings.ToValidUTF8(s[:room], ""))
	}
	a.truncated = true
}

func (a *accumulator) String() string {
	return a.b.String()
}
