package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/service"
)

const (
	DefaultBaseTimeout   = 5 * time.Second
	DefaultSettleTimeout = 2 * time.Minute

	fallbackHint = "the operation may still complete; check GET_QUEUE_SUMMARY or run it in-process with --direct"
)

var ErrClientClosed = errors.New("bridge client closed")

// Transport moves envelopes to a dispatcher and hands replies back on
// Replies. Replies may arrive late, twice, or for requests the caller has
// already given up on.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Replies() <-chan Reply
	Close() error
}

type ClientOptions struct {
	BaseTimeout   time.Duration
	SettleTimeout time.Duration
	Logger        *slog.Logger
}

// Client correlates replies to outstanding calls. It never retries.
type Client struct {
	transport Transport
	opts      ClientOptions
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Reply

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(transport Transport, opts ClientOptions) *Client {
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = DefaultBaseTimeout
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		transport: transport,
		opts:      opts,
		logger:    logger,
		pending:   make(map[string]chan Reply),
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.route()
	return c
}

// Call sends op and decodes the correlated reply into out (when non-nil).
// Failed operations come back as *service.AppError; a missing reply is a
// *BridgeTimeoutError.
func (c *Client) Call(ctx context.Context, op Operation, payload any, out any) error {
	env, err := NewEnvelope(op, payload)
	if err != nil {
		return err
	}
	ch := c.register(env.RequestID)
	defer c.unregister(env.RequestID)

	if err := c.transport.Send(ctx, env); err != nil {
		return service.NewAppError(http.StatusServiceUnavailable, CodeBridgeUnavailable, fmt.Sprintf("send %s: %v", op, err), true, err)
	}

	timeout := c.timeoutFor(op, payload)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return decodeReply(reply, out)
	case <-timer.C:
		return &BridgeTimeoutError{Operation: op, RequestID: env.RequestID, After: timeout, Fallback: fallbackHint}
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Client) register(id string) chan Reply {
	ch := make(chan Reply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// route delivers each reply to at most one waiter. Whatever has no waiter
// is dropped.
func (c *Client) route() {
	defer c.wg.Done()
	replies := c.transport.Replies()
	for {
		select {
		case <-c.done:
			return
		case reply := <-replies:
			c.mu.Lock()
			ch, ok := c.pending[reply.RequestID]
			if ok {
				delete(c.pending, reply.RequestID)
			}
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("dropping uncorrelated bridge reply", slog.String("request_id", reply.RequestID))
				continue
			}
			ch <- reply
		}
	}
}

// timeoutFor scales the base window with how much work the operation does.
func (c *Client) timeoutFor(op Operation, payload any) time.Duration {
	base := c.opts.BaseTimeout
	switch op {
	case OpGetRecords:
		limit := 0
		switch req := payload.(type) {
		case protocol.GetRecordsRequest:
			limit = req.Limit
		case *protocol.GetRecordsRequest:
			limit = req.Limit
		}
		return base + time.Duration(limit/100)*base/2
	case OpFinalizeSettlement:
		members := 0
		switch req := payload.(type) {
		case protocol.FinalizeSettlementRequest:
			members = len(req.Plan.MemberIDs)
		case *protocol.FinalizeSettlementRequest:
			members = len(req.Plan.MemberIDs)
		}
		return 2*base + time.Duration(members/500)*base
	case OpSettleNow:
		return c.opts.SettleTimeout
	case OpPurgeOld:
		return 4 * base
	default:
		return base
	}
}

func decodeReply(reply Reply, out any) error {
	if !reply.Success {
		if reply.Error == nil {
			return service.FromWire(service.CodeInternal, "bridge reply carried no result", true)
		}
		return service.FromWire(reply.Error.Code, reply.Error.Message, reply.Error.Retryable)
	}
	if out == nil || len(reply.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Data, out); err != nil {
		return fmt.Errorf("decode bridge reply: %w", err)
	}
	return nil
}
