// Package control glues one transaction together: policy hooks on the
// request, backend dispatch, the streaming dispatcher, the recorder and the
// event trail. The server layer stays a thin dialect adapter on top of this.
package control

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/luthien-dev/luthien/internal/events"
	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/protocol"
	"github.com/luthien-dev/luthien/internal/streaming"
	"github.com/luthien-dev/luthien/internal/txn"
	"github.com/luthien-dev/luthien/internal/upstream"
)

// queueDepth buffers the channels between the backend reader, the dispatcher
// and the client writer so a brief stall in one stage does not ripple.
const queueDepth = 64

// Orchestrator runs transactions. It is safe for concurrent use; all mutable
// state lives on the transaction.
type Orchestrator struct {
	publisher   *events.Publisher
	telemetry   *obs.Telemetry
	dispatchCfg policy.DispatcherConfig
}

// NewOrchestrator wires the shared collaborators.
func NewOrchestrator(publisher *events.Publisher, telemetry *obs.Telemetry, dispatchCfg policy.DispatcherConfig) *Orchestrator {
	return &Orchestrator{
		publisher:   publisher,
		telemetry:   telemetry,
		dispatchCfg: dispatchCfg,
	}
}

// PolicyContext builds the hook context for a transaction.
func (o *Orchestrator) PolicyContext(tx *txn.Transaction) *policy.Context {
	return policy.NewContext(tx.Obs, tx.FinalRequest, o.publisher)
}

// ApplyRequest runs the policy's request hook, records the before/after
// request pair, and emits the backend_request marker. The returned request is
// what goes to the backend.
func (o *Orchestrator) ApplyRequest(ctx context.Context, tx *txn.Transaction, p policy.Policy, pctx *policy.Context) (*protocol.ChatRequest, error) {
	final, err := p.OnRequest(ctx, pctx, tx.FinalRequest)
	if err != nil {
		o.publisher.EmitNew(tx.CallID, events.TypePolicyError, map[string]any{
			"policy": p.Name(),
			"hook":   "on_request",
			"error":  err.Error(),
		})
		return nil, protocol.NewAPIError(protocol.ErrTypeAPI, "policy rejected request: %v", err)
	}
	if final == nil {
		final = tx.FinalRequest
	}
	tx.FinalRequest = final

	tx.Recorder.RecordRequest(tx.OriginalRequest, tx.FinalRequest)
	o.publisher.EmitNew(tx.CallID, events.TypeBackendRequest, map[string]any{
		"model":     final.Model,
		"streaming": final.Stream,
	})
	return final, nil
}

// ProcessResponse handles the non-streaming path after the backend answered:
// the policy's response hook, then the recorder summary.
func (o *Orchestrator) ProcessResponse(ctx context.Context, tx *txn.Transaction, p policy.Policy, pctx *policy.Context, resp *protocol.ChatResponse) (*protocol.ChatResponse, error) {
	original := cloneResponse(resp)

	final, err := p.OnResponse(ctx, pctx, resp)
	if err != nil {
		o.publisher.EmitNew(tx.CallID, events.TypePolicyError, map[string]any{
			"policy": p.Name(),
			"hook":   "on_response",
			"error":  err.Error(),
		})
		tx.Recorder.FinalizeNonStreaming(original, nil)
		return nil, protocol.NewAPIError(protocol.ErrTypeAPI, "policy failed on response: %v", err)
	}
	if final == nil {
		final = resp
	}

	tx.Recorder.FinalizeNonStreaming(original, final)
	o.publisher.EmitNew(tx.CallID, events.TypeClientResponse, map[string]any{"streaming": false})
	return final, nil
}

// StreamResponse pumps the backend stream through the policy dispatcher and
// hands every released chunk to write, which owns dialect formatting and the
// client connection. The recorder is finalized on every exit path.
func (o *Orchestrator) StreamResponse(ctx context.Context, tx *txn.Transaction, p policy.StreamingPolicy, source upstream.Stream, write func(*protocol.ChatChunk) error) error {
	defer tx.Recorder.FinalizeStreaming()

	state := streaming.NewStreamState(tx.CallID)
	base := o.PolicyContext(tx)
	dispatcher, _ := policy.NewDispatcher(p, base, state, o.dispatchCfg)

	input := make(chan *protocol.ChatChunk, queueDepth)
	output := make(chan *protocol.ChatChunk, queueDepth)

	g, gctx := errgroup.WithContext(ctx)

	// Backend reader: upstream chunks into the dispatcher, recorded on the
	// way in.
	g.Go(func() error {
		defer close(input)
		for {
			chunk, err := source.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			tx.Recorder.RecordIngress(chunk)
			o.telemetry.CountIngressChunk(gctx)
			select {
			case input <- chunk:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	// Policy dispatcher: closes output on every exit.
	var dispatchErr error
	g.Go(func() error {
		dispatchErr = dispatcher.Run(gctx, input, output)
		return dispatchErr
	})

	// Client writer: drains until the dispatcher closes the channel.
	g.Go(func() error {
		for chunk := range output {
			tx.Recorder.RecordEgress(chunk)
			o.telemetry.CountEgressChunk(gctx)
			if err := write(chunk); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		o.publisher.EmitNew(tx.CallID, events.TypeClientResponse, map[string]any{"streaming": true})
		return nil
	}

	if errors.Is(err, policy.ErrPolicyTimeout) || errors.Is(dispatchErr, policy.ErrPolicyTimeout) {
		o.telemetry.CountPolicyTimeout(ctx)
		o.publisher.EmitNew(tx.CallID, events.TypePolicyTimeout, map[string]any{
			"policy":  p.Name(),
			"timeout": o.dispatchCfg.Timeout.String(),
		})
		return policy.ErrPolicyTimeout
	}
	if dispatchErr != nil && !errors.Is(dispatchErr, context.Canceled) {
		o.publisher.EmitNew(tx.CallID, events.TypePolicyError, map[string]any{
			"policy": p.Name(),
			"error":  dispatchErr.Error(),
		})
	}
	logrus.WithError(err).WithField("call_id", tx.CallID).Warn("streaming transaction failed")
	return err
}

func cloneResponse(resp *protocol.ChatResponse) *protocol.ChatResponse {
	if resp == nil {
		return nil
	}
	out := *resp
	out.Choices = make([]protocol.Choice, len(resp.Choices))
	copy(out.Choices, resp.Choices)
	for i := range out.Choices {
		out.Choices[i].Message.ToolCalls = append([]protocol.ToolCall(nil), resp.Choices[i].Message.ToolCalls...)
	}
	if resp.Usage != nil {
		usage := *resp.Usage
		out.Usage = &usage
	}
	return &out
}
