package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/myterms/consentledger/internal/protocol"
)

const replyBuffer = 64

// replyQueue is the Replies side shared by the transports. Pushes after
// close are discarded so late deliveries never panic.
type replyQueue struct {
	ch   chan Reply
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newReplyQueue() *replyQueue {
	return &replyQueue{ch: make(chan Reply, replyBuffer), done: make(chan struct{})}
}

func (q *replyQueue) push(r Reply) {
	select {
	case q.ch <- r:
	case <-q.done:
	}
}

// goDeliver runs fn on a tracked goroutine and queues its reply.
func (q *replyQueue) goDeliver(fn func() Reply) bool {
	return q.goRun(func() { q.push(fn()) })
}

// goRun runs fn on a tracked goroutine unless the queue is closed.
func (q *replyQueue) goRun(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.wg.Add(1)
	q.mu.Unlock()
	go func() {
		defer q.wg.Done()
		fn()
	}()
	return true
}

func (q *replyQueue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
	q.wg.Wait()
}

// DirectTransport dispatches in the same process. Handlers run on a context
// detached from the caller, so a caller that times out does not cancel
// work already handed to the pipeline.
type DirectTransport struct {
	dispatcher *Dispatcher
	queue      *replyQueue
}

func NewDirectTransport(d *Dispatcher) *DirectTransport {
	return &DirectTransport{dispatcher: d, queue: newReplyQueue()}
}

func (t *DirectTransport) Send(ctx context.Context, env Envelope) error {
	detached := context.WithoutCancel(ctx)
	if !t.queue.goDeliver(func() Reply { return t.dispatcher.Handle(detached, env) }) {
		return ErrClientClosed
	}
	return nil
}

func (t *DirectTransport) Replies() <-chan Reply { return t.queue.ch }

func (t *DirectTransport) Close() error {
	t.queue.close()
	return nil
}

type HTTPTransportConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPTransport posts envelopes to a daemon's /v1/bridge endpoint.
type HTTPTransport struct {
	url    string
	token  string
	client *http.Client
	queue  *replyQueue
}

func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSettleTimeout
	}
	return &HTTPTransport{
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/v1/bridge",
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		queue:  newReplyQueue(),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	detached := context.WithoutCancel(ctx)
	if !t.queue.goDeliver(func() Reply { return t.post(detached, env.RequestID, body) }) {
		return ErrClientClosed
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, requestID string, body []byte) Reply {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return errorReply(requestID, CodeBridgeUnavailable, err.Error(), false)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errorReply(requestID, CodeBridgeUnavailable, err.Error(), true)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errorReply(requestID, CodeBridgeUnavailable, err.Error(), true)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp protocol.ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error.Code != "" {
			return errorReply(requestID, errResp.Error.Code, errResp.Error.Message, errResp.Error.Retryable)
		}
		return errorReply(requestID, CodeBridgeUnavailable, fmt.Sprintf("bridge endpoint returned %d", resp.StatusCode), resp.StatusCode >= 500)
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return errorReply(requestID, CodeBridgeUnavailable, "malformed bridge reply: "+err.Error(), false)
	}
	return reply
}

func (t *HTTPTransport) Replies() <-chan Reply { return t.queue.ch }

func (t *HTTPTransport) Close() error {
	t.queue.close()
	return nil
}
