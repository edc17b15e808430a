// Package natsjs implements the transport on NATS JetStream. Every queue is a
// subject inside one work-queue stream and is consumed through a durable pull
// consumer.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/vietddude/redrive/internal/infra/transport"
)

// HeaderTransportID carries the transport message id across the broker.
const HeaderTransportID = "Redrive.TransportMessageId"

// Config holds NATS connection and consumer settings.
type Config struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	FetchBatch    int           `yaml:"fetch_batch"`
	FetchWait     time.Duration `yaml:"fetch_wait"`
	AckWait       time.Duration `yaml:"ack_wait"`
	NakDelay      time.Duration `yaml:"nak_delay"`
	Concurrency   int           `yaml:"concurrency"`
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "RECOVERABILITY"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "queues"
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 10
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.NakDelay <= 0 {
		c.NakDelay = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
}

// Transport is a JetStream backed transport.Transport.
type Transport struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext
	mu  sync.Mutex
	log *slog.Logger
}

// Connect dials NATS and ensures the stream exists.
func Connect(cfg Config) (*Transport, error) {
	cfg.applyDefaults()

	nc, err := nats.Connect(cfg.URL, nats.Name("redrive"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	t := &Transport{
		cfg: cfg,
		nc:  nc,
		js:  js,
		log: slog.Default().With("component", "nats-transport", "stream", cfg.Stream),
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{t.subject("_control")},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		t.log.Info("Created stream")
	}

	return t, nil
}

// Conn exposes the underlying connection for publishers sharing it.
func (t *Transport) Conn() *nats.Conn {
	return t.nc
}

func (t *Transport) subject(queue string) string {
	return t.cfg.SubjectPrefix + "." + queue
}

func durableName(queue string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return "q_" + r.Replace(queue)
}

// Declare adds the queue subject to the stream.
func (t *Transport) Declare(ctx context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := t.js.StreamInfo(t.cfg.Stream, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	subject := t.subject(queue)
	if slices.Contains(info.Config.Subjects, subject) {
		return nil
	}

	cfg := info.Config
	cfg.Subjects = append(slices.Clone(cfg.Subjects), subject)
	if _, err := t.js.UpdateStream(&cfg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	t.log.Debug("Declared queue", "queue", queue, "subject", subject)
	return nil
}

// Send publishes to the queue and waits for the stream acknowledgement.
func (t *Transport) Send(ctx context.Context, address string, msg transport.Message) error {
	m := nats.NewMsg(t.subject(address))
	m.Data = msg.Body
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	m.Header.Set(HeaderTransportID, id)

	if _, err := t.js.PublishMsg(m, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrNoStreamResponse) {
			return fmt.Errorf("%w: %s", transport.ErrUnknownAddress, address)
		}
		return fmt.Errorf("failed to publish to %s: %w", address, err)
	}
	return nil
}

// NewPump ensures the durable consumer of the queue exists.
func (t *Transport) NewPump(queue string) (transport.Pump, error) {
	durable := durableName(queue)
	if _, err := t.js.ConsumerInfo(t.cfg.Stream, durable); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return nil, fmt.Errorf("failed to get consumer info: %w", err)
		}
		_, err = t.js.AddConsumer(t.cfg.Stream, &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: t.subject(queue),
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       t.cfg.AckWait,
			DeliverPolicy: nats.DeliverAllPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer for %s: %w", queue, err)
		}
	}

	return &pump{
		t:       t,
		queue:   queue,
		durable: durable,
		log:     t.log.With("queue", queue),
		stopCh:  make(chan struct{}),
	}, nil
}

// Health reports whether the connection is up.
func (t *Transport) Health(ctx context.Context) error {
	if status := t.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close drains the connection.
func (t *Transport) Close() error {
	return t.nc.Drain()
}

type pump struct {
	t       *Transport
	queue   string
	durable string
	log     *slog.Logger
	mu      sync.Mutex
	started bool
	stopped bool
	sub     *nats.Subscription
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func (p *pump) Start(ctx context.Context, handler transport.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return transport.ErrAlreadyStarted
	}

	sub, err := p.t.js.PullSubscribe(
		p.t.subject(p.queue),
		p.durable,
		nats.Bind(p.t.cfg.Stream, p.durable),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.queue, err)
	}
	p.sub = sub
	p.started = true

	for i := 0; i < p.t.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.work(ctx, handler)
	}
	return nil
}

func (p *pump) work(ctx context.Context, handler transport.Handler) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.sub.Fetch(p.t.cfg.FetchBatch, nats.MaxWait(p.t.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			p.log.Warn("Fetch failed", "error", err)
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.t.cfg.FetchWait):
			}
			continue
		}

		for i, m := range msgs {
			select {
			case <-p.stopCh:
				// Give the rest of the batch back untouched.
				for _, rest := range msgs[i:] {
					_ = rest.Nak()
				}
				return
			default:
			}
			p.dispatch(ctx, handler, m)
		}
	}
}

func (p *pump) dispatch(ctx context.Context, handler transport.Handler, m *nats.Msg) {
	msg := toMessage(m)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("Handler panicked", "message_id", msg.ID, "panic", r)
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, &msg)
	}()

	if err == nil {
		if ackErr := m.Ack(); ackErr != nil {
			p.log.Warn("Failed to ack message", "message_id", msg.ID, "error", ackErr)
		}
		return
	}
	if !errors.Is(err, transport.ErrRelease) {
		p.log.Debug("Handler failed, releasing message", "message_id", msg.ID, "error", err)
	}
	if nakErr := m.NakWithDelay(p.t.cfg.NakDelay); nakErr != nil {
		p.log.Warn("Failed to nak message", "message_id", msg.ID, "error", nakErr)
	}
}

func toMessage(m *nats.Msg) transport.Message {
	msg := transport.Message{
		Headers: make(map[string]string, len(m.Header)),
		Body:    m.Data,
	}
	for k, vs := range m.Header {
		if len(vs) == 0 {
			continue
		}
		if k == HeaderTransportID {
			msg.ID = vs[0]
			continue
		}
		msg.Headers[k] = vs[0]
	}
	return msg
}

func (p *pump) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop pump %s: %w", p.queue, ctx.Err())
	}

	if err := p.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe from %s: %w", p.queue, err)
	}
	return nil
}
