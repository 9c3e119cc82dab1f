package policy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/luthien-dev/luthien/internal/protocol"
	"github.com/luthien-dev/luthien/internal/streaming"
)

// sendTimeout bounds writes onto the output queue. Generous on purpose: the
// downstream consumer is the client writer, which only stalls when the
// client stops reading. Exceeding it means the transaction is dead.
const sendTimeout = 30 * time.Second

// DispatcherConfig tunes one dispatcher run.
type DispatcherConfig struct {
	// Timeout is the policy inactivity deadline. Zero disables the monitor.
	Timeout time.Duration
	// CheckInterval is how often the monitor polls the deadline. Defaults
	// to a fraction of Timeout.
	CheckInterval time.Duration
}

// Dispatcher drives a StreamingPolicy over one upstream chunk stream. It
// owns the block state machine, calls the hooks in their fixed order, drains
// the egress queue after every hook set, and races a timeout monitor that a
// stalled policy loses.
type Dispatcher struct {
	policy StreamingPolicy
	sc     *StreamContext
	cfg    DispatcherConfig

	// lastProgress is the UnixNano of the most recent keepalive.
	lastProgress atomic.Int64
}

// NewDispatcher prepares a dispatcher. The stream context must have been
// created with the dispatcher's Keepalive (see Run).
func NewDispatcher(p StreamingPolicy, base *Context, state *streaming.StreamState, cfg DispatcherConfig) (*Dispatcher, *StreamContext) {
	d := &Dispatcher{policy: p, cfg: cfg}
	d.lastProgress.Store(time.Now().UnixNano())
	d.sc = NewStreamContext(base, state, d.Keepalive)
	return d, d.sc
}

// Keepalive resets the inactivity deadline.
func (d *Dispatcher) Keepalive() {
	d.lastProgress.Store(time.Now().UnixNano())
}

// Run consumes input until it closes, dispatching hooks per chunk and
// forwarding released chunks to out. The output channel is closed on every
// exit path; its close is the end-of-stream sentinel. Returns nil on clean
// completion, ErrPolicyTimeout when the monitor fired, or the first hook
// error otherwise.
func (d *Dispatcher) Run(ctx context.Context, input <-chan *protocol.ChatChunk, out chan<- *protocol.ChatChunk) error {
	defer close(out)

	g, gctx := errgroup.WithContext(ctx)

	// The monitor and the hook loop race: whichever returns an error first
	// cancels the other through the group context.
	timedOut := &atomic.Bool{}
	g.Go(func() error {
		return d.monitor(gctx, timedOut)
	})
	var loopErr error
	g.Go(func() error {
		err := d.loop(gctx, input, out)
		if err == nil {
			// Clean end of stream: stop the monitor.
			return errStreamDone
		}
		loopErr = err
		return err
	})

	err := g.Wait()
	if errors.Is(err, errStreamDone) {
		err = nil
	}
	// A genuine hook error wins over a monitor tick that raced it. The loop's
	// cancellation error just means the monitor fired first.
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		err = loopErr
	} else if timedOut.Load() {
		err = ErrPolicyTimeout
	}

	// Cleanup always runs, after the loop has stopped touching the context.
	d.sc.Chunk = nil
	if cleanupErr := d.policy.OnStreamingComplete(context.WithoutCancel(ctx), d.sc); cleanupErr != nil {
		logrus.WithError(cleanupErr).WithField("policy", d.policy.Name()).
			Warn("streaming cleanup hook failed")
	}
	return err
}

// errStreamDone is the loop's internal "finished cleanly" signal used to
// stop the monitor through the errgroup. Never returned to callers.
var errStreamDone = errors.New("stream done")

func (d *Dispatcher) monitor(ctx context.Context, timedOut *atomic.Bool) error {
	if d.cfg.Timeout <= 0 {
		// No deadline configured: wait for the loop to finish.
		<-ctx.Done()
		return nil
	}
	interval := d.cfg.CheckInterval
	if interval <= 0 {
		interval = d.cfg.Timeout / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			last := time.Unix(0, d.lastProgress.Load())
			if time.Since(last) > d.cfg.Timeout {
				timedOut.Store(true)
				return ErrPolicyTimeout
			}
		}
	}
}

func (d *Dispatcher) loop(ctx context.Context, input <-chan *protocol.ChatChunk, out chan<- *protocol.ChatChunk) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-input:
			if !ok {
				return d.finishStream(ctx, out)
			}
			if err := d.dispatchChunk(ctx, chunk); err != nil {
				return err
			}
			if err := d.flush(ctx, out); err != nil {
				return err
			}
		}
	}
}

// dispatchChunk applies the chunk to the state machine and runs the hooks
// in their fixed order: received, delta, complete, finish.
func (d *Dispatcher) dispatchChunk(ctx context.Context, chunk *protocol.ChatChunk) error {
	d.Keepalive()
	d.sc.Chunk = chunk

	if err := d.policy.OnChunkReceived(ctx, d.sc); err != nil {
		return fmt.Errorf("on_chunk_received: %w", err)
	}

	d.sc.State.Apply(chunk)

	if open := d.sc.State.OpenBlock(); open != nil {
		d.Keepalive()
		switch open.Kind {
		case streaming.BlockToolCall:
			if err := d.policy.OnToolCallDelta(ctx, d.sc); err != nil {
				return fmt.Errorf("on_tool_call_delta: %w", err)
			}
		default:
			if err := d.policy.OnContentDelta(ctx, d.sc); err != nil {
				return fmt.Errorf("on_content_delta: %w", err)
			}
		}
	}

	if done := d.sc.State.JustCompleted(); done != nil {
		d.Keepalive()
		switch done.Kind {
		case streaming.BlockToolCall:
			if err := d.policy.OnToolCallComplete(ctx, d.sc); err != nil {
				return fmt.Errorf("on_tool_call_complete: %w", err)
			}
		default:
			if err := d.policy.OnContentComplete(ctx, d.sc); err != nil {
				return fmt.Errorf("on_content_complete: %w", err)
			}
		}
	}

	if choice := chunk.FirstChoice(); choice != nil && choice.FinishReason != "" {
		d.Keepalive()
		if err := d.policy.OnFinishReason(ctx, d.sc); err != nil {
			return fmt.Errorf("on_finish_reason: %w", err)
		}
	}
	return nil
}

// finishStream handles the success path once the upstream is exhausted: a
// synthetic block close for streams that ended without a finish chunk, the
// OnStreamComplete flush, and the final drain.
func (d *Dispatcher) finishStream(ctx context.Context, out chan<- *protocol.ChatChunk) error {
	d.Keepalive()
	d.sc.Chunk = nil

	if d.sc.State.OpenBlock() != nil {
		d.sc.State.FinishStream()
		if done := d.sc.State.JustCompleted(); done != nil {
			var err error
			switch done.Kind {
			case streaming.BlockToolCall:
				err = d.policy.OnToolCallComplete(ctx, d.sc)
			default:
				err = d.policy.OnContentComplete(ctx, d.sc)
			}
			if err != nil {
				return fmt.Errorf("block completion at stream end: %w", err)
			}
		}
	}

	d.Keepalive()
	if err := d.policy.OnStreamComplete(ctx, d.sc); err != nil {
		return fmt.Errorf("on_stream_complete: %w", err)
	}
	return d.flush(ctx, out)
}

// flush forwards everything the policy queued onto the output channel, in
// order, with a bounded wait per send.
func (d *Dispatcher) flush(ctx context.Context, out chan<- *protocol.ChatChunk) error {
	for _, chunk := range d.sc.drainEgress() {
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sendTimeout):
			logrus.WithField("policy", d.policy.Name()).
				Error("egress send timed out; downstream consumer stalled")
			return fmt.Errorf("egress queue send timed out after %s", sendTimeout)
		}
	}
	return nil
}
