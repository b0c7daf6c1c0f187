package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/service"
	"github.com/myterms/consentledger/internal/storage/sqlite"
)

// scriptedTransport hands envelopes to the test and lets it inject any
// reply, including late and duplicate ones.
type scriptedTransport struct {
	sent    chan Envelope
	replies chan Reply
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{sent: make(chan Envelope, 8), replies: make(chan Reply, 8)}
}

func (s *scriptedTransport) Send(_ context.Context, env Envelope) error {
	s.sent <- env
	return nil
}

func (s *scriptedTransport) Replies() <-chan Reply { return s.replies }
func (s *scriptedTransport) Close() error          { return nil }

func okReply(t *testing.T, id string, data any) Reply {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Reply{RequestID: id, Success: true, Data: raw}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	svc, err := service.New(service.Params{Store: store, Settlement: service.SettlementOptions{Enabled: true}})
	require.NoError(t, err)
	return NewDispatcher(svc, nil)
}

func capture(origin, content string) protocol.DecisionCapturedRequest {
	return protocol.DecisionCapturedRequest{
		OriginDomain: origin,
		ContentHash:  protocol.HashContent([]byte(content)).String(),
		Decision:     "accept",
	}
}

func TestCallTimesOutAndDropsLateReply(t *testing.T) {
	transport := newScriptedTransport()
	client := NewClient(transport, ClientOptions{BaseTimeout: 30 * time.Millisecond})
	defer client.Close()
	ctx := context.Background()

	err := client.Call(ctx, OpGetQueueSummary, nil, nil)
	require.Error(t, err)
	var timeoutErr *BridgeTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, OpGetQueueSummary, timeoutErr.Operation)
	assert.NotEmpty(t, timeoutErr.Fallback)
	late := <-transport.sent

	transport.replies <- okReply(t, late.RequestID, protocol.QueueSummary{UnsettledCount: 99})

	done := make(chan error, 1)
	var summary protocol.QueueSummary
	go func() { done <- client.Call(ctx, OpGetQueueSummary, nil, &summary) }()
	current := <-transport.sent
	assert.NotEqual(t, late.RequestID, current.RequestID)
	transport.replies <- okReply(t, current.RequestID, protocol.QueueSummary{UnsettledCount: 3})

	require.NoError(t, <-done)
	assert.Equal(t, 3, summary.UnsettledCount)
}

func TestCallDeliversDuplicateReplyOnce(t *testing.T) {
	transport := newScriptedTransport()
	client := NewClient(transport, ClientOptions{BaseTimeout: time.Second})
	defer client.Close()
	ctx := context.Background()

	done := make(chan error, 1)
	var first protocol.AbortSettlementResponse
	go func() { done <- client.Call(ctx, OpAbortSettlement, protocol.AbortSettlementRequest{PlanID: "p"}, &first) }()
	env := <-transport.sent
	transport.replies <- okReply(t, env.RequestID, protocol.AbortSettlementResponse{Aborted: true})
	transport.replies <- okReply(t, env.RequestID, protocol.AbortSettlementResponse{Aborted: false})
	require.NoError(t, <-done)
	assert.True(t, first.Aborted)

	var second protocol.AbortSettlementResponse
	go func() { done <- client.Call(ctx, OpAbortSettlement, protocol.AbortSettlementRequest{PlanID: "q"}, &second) }()
	env = <-transport.sent
	transport.replies <- Reply{RequestID: env.RequestID, Error: &ReplyError{Code: service.CodeBadRequest, Message: "nope"}}
	err := <-done
	assert.True(t, service.IsCode(err, service.CodeBadRequest))
}

func TestTimeoutScalesWithWork(t *testing.T) {
	client := NewClient(newScriptedTransport(), ClientOptions{BaseTimeout: time.Second, SettleTimeout: time.Minute})
	defer client.Close()

	assert.Equal(t, time.Second, client.timeoutFor(OpGetQueueSummary, nil))
	assert.Equal(t, time.Second, client.timeoutFor(OpGetRecords, protocol.GetRecordsRequest{Limit: 50}))
	assert.Equal(t, 3500*time.Millisecond, client.timeoutFor(OpGetRecords, protocol.GetRecordsRequest{Limit: 500}))
	plan := protocol.BatchPlan{MemberIDs: make([]int64, 1000)}
	assert.Equal(t, 4*time.Second, client.timeoutFor(OpFinalizeSettlement, protocol.FinalizeSettlementRequest{Plan: plan}))
	assert.Equal(t, time.Minute, client.timeoutFor(OpSettleNow, protocol.PrepareSettlementRequest{}))
}

func TestDispatcherRejectsUnknownAndMalformed(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.Handle(ctx, Envelope{RequestID: "r1", Operation: "DROP_TABLES"})
	assert.False(t, reply.Success)
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeUnknownOperation, reply.Error.Code)
	assert.Equal(t, "r1", reply.RequestID)

	reply = d.Handle(ctx, Envelope{RequestID: "r2", Operation: OpGetRecords, Payload: json.RawMessage(`{"limit":5,"extra":1}`)})
	require.NotNil(t, reply.Error)
	assert.Equal(t, service.CodeBadRequest, reply.Error.Code)

	reply = d.Handle(ctx, Envelope{RequestID: "r3", Operation: OpGetRecords})
	assert.True(t, reply.Success)
}

func TestDirectTransportRoundTrip(t *testing.T) {
	client := NewClient(NewDirectTransport(newTestDispatcher(t)), ClientOptions{})
	defer client.Close()
	ctx := context.Background()

	var captured protocol.DecisionCapturedResponse
	require.NoError(t, client.Call(ctx, OpDecisionCaptured, capture("a.com", "x"), &captured))
	assert.True(t, captured.Accepted)

	var summary protocol.QueueSummary
	require.NoError(t, client.Call(ctx, OpGetQueueSummary, nil, &summary))
	assert.Equal(t, 1, summary.UnsettledCount)
	assert.True(t, summary.SettlementEnabled)

	err := client.Call(ctx, OpPrepareSettlement, protocol.PrepareSettlementRequest{}, nil)
	assert.True(t, service.IsCode(err, service.CodeNoCandidates))

	var plan protocol.BatchPlan
	require.NoError(t, client.Call(ctx, OpPrepareSettlement, protocol.PrepareSettlementRequest{Force: true}, &plan))
	assert.Equal(t, []string{"a.com"}, plan.Origins)

	var finalized protocol.FinalizeSettlementResponse
	require.NoError(t, client.Call(ctx, OpFinalizeSettlement, protocol.FinalizeSettlementRequest{
		Plan:    plan,
		Receipt: protocol.Receipt{LedgerTxRef: "0xabc"},
	}, &finalized))
	assert.Equal(t, plan.MemberIDs, finalized.SettledBatch.MemberRecordIDs)

	var batches protocol.GetBatchesResponse
	require.NoError(t, client.Call(ctx, OpGetBatches, protocol.GetBatchesRequest{}, &batches))
	assert.Len(t, batches.Batches, 1)
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: protocol.ErrorBody{Code: "UNAUTHORIZED", Message: "missing bearer token"}})
			return
		}
		var env Envelope
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&env)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(d.Handle(r.Context(), env))
	}))
	defer srv.Close()
	ctx := context.Background()

	client := NewClient(NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL, Token: "secret"}), ClientOptions{})
	defer client.Close()
	var resp protocol.SetSettlementEnabledResponse
	require.NoError(t, client.Call(ctx, OpSetSettlementEnabled, protocol.SetSettlementEnabledRequest{Enabled: false}, &resp))
	assert.False(t, resp.SettlementEnabled)

	err := client.Call(ctx, OpPrepareSettlement, protocol.PrepareSettlementRequest{Force: true}, nil)
	assert.True(t, service.IsCode(err, service.CodeSettlementDisabled))

	anonymous := NewClient(NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL}), ClientOptions{})
	defer anonymous.Close()
	err = anonymous.Call(ctx, OpGetQueueSummary, nil, nil)
	assert.True(t, service.IsCode(err, "UNAUTHORIZED"))
}

func TestHTTPTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(NewHTTPTransport(HTTPTransportConfig{BaseURL: url}), ClientOptions{})
	defer client.Close()
	err := client.Call(context.Background(), OpGetQueueSummary, nil, nil)
	var appErr *service.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, CodeBridgeUnavailable, appErr.Code)
	assert.True(t, appErr.Retryable)
}

func TestRedisTransportRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	responder := NewRedisResponder(rdb, "", "", newTestDispatcher(t), nil)
	require.NoError(t, responder.Start(ctx))
	defer responder.Close()

	transport, err := NewRedisTransport(ctx, rdb, "", "", nil)
	require.NoError(t, err)
	client := NewClient(transport, ClientOptions{BaseTimeout: 2 * time.Second})
	defer client.Close()

	var captured protocol.DecisionCapturedResponse
	require.NoError(t, client.Call(ctx, OpDecisionCaptured, capture("b.com", "y"), &captured))
	assert.True(t, captured.Accepted)

	var records protocol.GetRecordsResponse
	require.NoError(t, client.Call(ctx, OpGetRecords, protocol.GetRecordsRequest{Limit: 10}, &records))
	require.Len(t, records.Records, 1)
	assert.Equal(t, "b.com", records.Records[0].OriginDomain)

	err = client.Call(ctx, OpDecisionCaptured, protocol.DecisionCapturedRequest{OriginDomain: "b.com", Decision: "accept"}, nil)
	assert.True(t, service.IsCode(err, service.CodeInvalidRecord))
}

func TestRedisResponderRequiresToken(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	responder := NewRedisResponder(rdb, "", "secret", newTestDispatcher(t), nil)
	require.NoError(t, responder.Start(ctx))
	defer responder.Close()

	for name, token := range map[string]string{"missing": "", "wrong": "guess"} {
		t.Run(name, func(t *testing.T) {
			transport, err := NewRedisTransport(ctx, rdb, "", token, nil)
			require.NoError(t, err)
			client := NewClient(transport, ClientOptions{BaseTimeout: 2 * time.Second})
			defer client.Close()

			err = client.Call(ctx, OpDecisionCaptured, capture("c.com", "z"), nil)
			require.True(t, service.IsCode(err, CodeUnauthorized), "got %v", err)
		})
	}

	transport, err := NewRedisTransport(ctx, rdb, "", "secret", nil)
	require.NoError(t, err)
	client := NewClient(transport, ClientOptions{BaseTimeout: 2 * time.Second})
	defer client.Close()

	var records protocol.GetRecordsResponse
	require.NoError(t, client.Call(ctx, OpGetRecords, protocol.GetRecordsRequest{Limit: 10}, &records))
	assert.Empty(t, records.Records)
}

func TestRedisTransportWithoutResponderFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	transport, err := NewRedisTransport(ctx, rdb, "consentledger:test", "", nil)
	require.NoError(t, err)
	client := NewClient(transport, ClientOptions{})
	defer client.Close()

	err = client.Call(ctx, OpGetQueueSummary, nil, nil)
	assert.True(t, service.IsCode(err, CodeBridgeUnavailable))
	assert.ErrorIs(t, err, ErrNoResponder)
}
