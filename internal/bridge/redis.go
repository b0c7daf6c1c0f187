package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultRequestChannel = "consentledger:bridge:requests"

// ErrNoResponder is returned when nobody is subscribed to the request
// channel, so the caller fails fast instead of waiting out the timeout.
var ErrNoResponder = errors.New("no bridge responder subscribed")

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisTransport publishes envelopes on a shared request channel and reads
// replies from a channel private to this transport. Every envelope carries
// token for the responder to check.
type RedisTransport struct {
	client         *redis.Client
	requestChannel string
	replyChannel   string
	token          string
	sub            *redis.PubSub
	queue          *replyQueue
	logger         *slog.Logger
}

func NewRedisTransport(ctx context.Context, client *redis.Client, requestChannel, token string, logger *slog.Logger) (*RedisTransport, error) {
	if requestChannel == "" {
		requestChannel = DefaultRequestChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	replyChannel := requestChannel + ":reply:" + uuid.NewString()
	sub := client.Subscribe(ctx, replyChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", replyChannel, err)
	}
	t := &RedisTransport{
		client:         client,
		requestChannel: requestChannel,
		replyChannel:   replyChannel,
		token:          token,
		sub:            sub,
		queue:          newReplyQueue(),
		logger:         logger,
	}
	t.queue.goRun(t.readReplies)
	return t, nil
}

// readReplies runs until the subscription closes.
func (t *RedisTransport) readReplies() {
	for msg := range t.sub.Channel() {
		var reply Reply
		if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
			t.logger.Warn("dropping malformed bridge reply", slog.String("error", err.Error()))
			continue
		}
		t.queue.push(reply)
	}
}

func (t *RedisTransport) Send(ctx context.Context, env Envelope) error {
	env.ReplyTo = t.replyChannel
	env.Token = t.token
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	receivers, err := t.client.Publish(ctx, t.requestChannel, raw).Result()
	if err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	if receivers == 0 {
		return ErrNoResponder
	}
	return nil
}

func (t *RedisTransport) Replies() <-chan Reply { return t.queue.ch }

func (t *RedisTransport) Close() error {
	err := t.sub.Close()
	t.queue.close()
	return err
}

// RedisResponder is the daemon side: it executes envelopes from the request
// channel and publishes each reply on the envelope's ReplyTo channel. With a
// token set, envelopes that do not carry it are answered UNAUTHORIZED.
type RedisResponder struct {
	client     *redis.Client
	channel    string
	token      string
	dispatcher *Dispatcher
	logger     *slog.Logger

	sub    *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisResponder(client *redis.Client, channel, token string, d *Dispatcher, logger *slog.Logger) *RedisResponder {
	if channel == "" {
		channel = DefaultRequestChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisResponder{client: client, channel: channel, token: token, dispatcher: d, logger: logger}
}

// Start subscribes and returns once the subscription is confirmed. Envelopes
// are handled concurrently until Close.
func (r *RedisResponder) Start(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.sub = sub
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(runCtx)
	r.logger.Info("bridge responder listening", slog.String("channel", r.channel))
	return nil
}

func (r *RedisResponder) loop(ctx context.Context) {
	defer r.wg.Done()
	for msg := range r.sub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("dropping malformed bridge envelope", slog.String("error", err.Error()))
			continue
		}
		if env.ReplyTo == "" {
			r.logger.Warn("dropping bridge envelope without reply channel", slog.String("request_id", env.RequestID))
			continue
		}
		r.wg.Add(1)
		go func(env Envelope) {
			defer r.wg.Done()
			r.respond(ctx, env)
		}(env)
	}
}

func (r *RedisResponder) respond(ctx context.Context, env Envelope) {
	var reply Reply
	if r.authorized(env.Token) {
		env.Token = ""
		reply = r.dispatcher.Handle(ctx, env)
	} else {
		r.logger.Warn("rejecting bridge envelope with bad token",
			slog.String("request_id", env.RequestID),
			slog.String("operation", string(env.Operation)),
		)
		reply = errorReply(env.RequestID, CodeUnauthorized, "invalid bearer token", false)
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		r.logger.Error("encode bridge reply", slog.String("request_id", env.RequestID), slog.String("error", err.Error()))
		return
	}
	if err := r.client.Publish(ctx, env.ReplyTo, raw).Err(); err != nil {
		r.logger.Error("publish bridge reply",
			slog.String("request_id", env.RequestID),
			slog.String("reply_to", env.ReplyTo),
			slog.String("error", err.Error()),
		)
	}
}

func (r *RedisResponder) authorized(token string) bool {
	if r.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.token)) == 1
}

// Close stops accepting envelopes and waits for in-flight ones to reply.
func (r *RedisResponder) Close() error {
	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.wg.Wait()
	r.cancel()
	return err
}
