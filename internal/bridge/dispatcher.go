package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/service"
)

// Pipeline is the set of operations the bridge can reach. *service.Service
// implements it.
type Pipeline interface {
	CaptureDecision(ctx context.Context, req protocol.DecisionCapturedRequest) (protocol.DecisionCapturedResponse, error)
	QueueSummary(ctx context.Context) (protocol.QueueSummary, error)
	Records(ctx context.Context, req protocol.GetRecordsRequest) (protocol.GetRecordsResponse, error)
	PrepareSettlement(ctx context.Context, force bool) (protocol.BatchPlan, error)
	FinalizeSettlement(ctx context.Context, req protocol.FinalizeSettlementRequest) (protocol.SettledBatch, error)
	AbortSettlement(ctx context.Context, req protocol.AbortSettlementRequest) (protocol.AbortSettlementResponse, error)
	SettleNow(ctx context.Context, force bool) (protocol.SettledBatch, error)
	PurgeOld(ctx context.Context, ageDays int) (protocol.PurgeOldResponse, error)
	BatchesSince(ctx context.Context, since time.Time) (protocol.GetBatchesResponse, error)
	SetSettlementEnabled(ctx context.Context, enabled bool) (protocol.SetSettlementEnabledResponse, error)
}

type Dispatcher struct {
	pipeline Pipeline
	logger   *slog.Logger
}

func NewDispatcher(pipeline Pipeline, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{pipeline: pipeline, logger: logger}
}

// Handle runs one envelope and always produces a reply for it.
func (d *Dispatcher) Handle(ctx context.Context, env Envelope) Reply {
	start := time.Now()
	data, err := d.dispatch(ctx, env)
	reply := d.reply(env.RequestID, data, err)
	level := slog.LevelInfo
	if !reply.Success {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("request_id", env.RequestID),
		slog.String("operation", string(env.Operation)),
		slog.Bool("success", reply.Success),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if reply.Error != nil {
		attrs = append(attrs, slog.String("error_code", reply.Error.Code))
	}
	d.logger.LogAttrs(ctx, level, "bridge_operation", attrs...)
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, env Envelope) (any, error) {
	switch env.Operation {
	case OpDecisionCaptured:
		var req protocol.DecisionCapturedRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return d.pipeline.CaptureDecision(ctx, req)
	case OpGetQueueSummary:
		return d.pipeline.QueueSummary(ctx)
	case OpGetRecords:
		var req protocol.GetRecordsRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return d.pipeline.Records(ctx, req)
	case OpPrepareSettlement:
		var req protocol.PrepareSettlementRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return d.pipeline.PrepareSettlement(ctx, req.Force)
	case OpFinalizeSettlement:
		var req protocol.FinalizeSettlementRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		batch, err := d.pipeline.FinalizeSettlement(ctx, req)
		if err != nil {
			return nil, err
		}
		return protocol.FinalizeSettlementResponse{SettledBatch: batch}, nil
	case OpAbortSettlement:
		var req protocol.AbortSettlementRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return d.pipeline.AbortSettlement(ctx, req)
	case OpSettleNow:
		var req protocol.PrepareSettlementRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		batch, err := d.pipeline.SettleNow(ctx, req.Force)
		if err != nil {
			return nil, err
		}
		return protocol.FinalizeSettlementResponse{SettledBatch: batch}, nil
	case OpPurgeOld:
		var req protocol.PurgeOldRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return d.pipeline.PurgeOld(ctx, req.AgeDays)
	case OpGetBatches:
		var req protocol.GetBatchesRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return d.pipeline.BatchesSince(ctx, req.Since)
	case OpSetSettlementEnabled:
		var req protocol.SetSettlementEnabledRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return d.pipeline.SetSettlementEnabled(ctx, req.Enabled)
	default:
		return nil, errUnknownOperation{op: env.Operation}
	}
}

func (d *Dispatcher) reply(requestID string, data any, err error) Reply {
	if err != nil {
		var unknown errUnknownOperation
		if errors.As(err, &unknown) {
			return errorReply(requestID, CodeUnknownOperation, unknown.Error(), false)
		}
		var appErr *service.AppError
		if errors.As(err, &appErr) {
			return errorReply(requestID, appErr.Code, appErr.Message, appErr.Retryable)
		}
		d.logger.Error("bridge operation failed", slog.String("request_id", requestID), slog.String("error", err.Error()))
		return errorReply(requestID, service.CodeInternal, "internal error", true)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		d.logger.Error("encode bridge reply", slog.String("request_id", requestID), slog.String("error", err.Error()))
		return errorReply(requestID, service.CodeInternal, "internal error", true)
	}
	return Reply{RequestID: requestID, Success: true, Data: raw}
}

type errUnknownOperation struct {
	op Operation
}

func (e errUnknownOperation) Error() string {
	return fmt.Sprintf("unknown operation %q", e.op)
}

// decodePayload is strict like the HTTP decoder. An absent payload decodes
// to the zero request.
func decodePayload(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return service.BadRequest("malformed payload: "+err.Error(), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return service.BadRequest("payload must contain a single JSON object", nil)
	}
	return nil
}
