// Package memory is an in-process broker used for tests and single-node runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/redrive/internal/infra/transport"
)

// Options tunes broker delivery.
type Options struct {
	// Concurrency is the number of handler goroutines per pump.
	Concurrency int
	// ReleaseDelay is how long a released message waits before it is visible again.
	ReleaseDelay time.Duration
}

// Broker is an in-memory transport.Transport.
type Broker struct {
	opts   Options
	mu     sync.RWMutex
	queues map[string]*queue
	log    *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(opts Options) *Broker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Broker{
		opts:   opts,
		queues: make(map[string]*queue),
		log:    slog.Default().With("component", "memory-broker"),
	}
}

func (b *Broker) Declare(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newQueue()
	}
	return nil
}

func (b *Broker) Send(ctx context.Context, address string, msg transport.Message) error {
	q, err := b.queue(address)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	q.push(msg)
	return nil
}

func (b *Broker) NewPump(name string) (transport.Pump, error) {
	q, err := b.queue(name)
	if err != nil {
		return nil, err
	}
	return &pump{
		name:   name,
		queue:  q,
		opts:   b.opts,
		log:    b.log.With("queue", name),
		stopCh: make(chan struct{}),
	}, nil
}

// Len returns the number of messages waiting in a queue, including delayed ones.
func (b *Broker) Len(name string) int {
	q, err := b.queue(name)
	if err != nil {
		return 0
	}
	return q.len()
}

// Messages returns a snapshot of the visible messages in a queue.
func (b *Broker) Messages(name string) []transport.Message {
	q, err := b.queue(name)
	if err != nil {
		return nil
	}
	return q.snapshot()
}

func (b *Broker) Health(ctx context.Context) error {
	return nil
}

func (b *Broker) Close() error {
	return nil
}

func (b *Broker) queue(name string) (*queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownAddress, name)
	}
	return q, nil
}

type queue struct {
	mu      sync.Mutex
	items   []transport.Message
	delayed int
	notify  chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(msg transport.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pushAfter(msg transport.Message, delay time.Duration) {
	if delay <= 0 {
		q.push(msg)
		return
	}
	q.mu.Lock()
	q.delayed++
	q.mu.Unlock()
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.delayed--
		q.mu.Unlock()
		q.push(msg)
	})
}

func (q *queue) pop() (transport.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return transport.Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Wake another waiter for the remaining items.
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return msg, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.delayed
}

func (q *queue) snapshot() []transport.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]transport.Message, len(q.items))
	for i, m := range q.items {
		out[i] = m.Clone()
	}
	return out
}

type pump struct {
	name    string
	queue   *queue
	opts    Options
	log     *slog.Logger
	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (p *pump) Start(ctx context.Context, handler transport.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return transport.ErrAlreadyStarted
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
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

		msg, ok := p.queue.pop()
		if !ok {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-p.queue.notify:
			}
			continue
		}

		if err := p.handle(ctx, handler, &msg); err != nil {
			if !errors.Is(err, transport.ErrRelease) {
				p.log.Debug("Handler failed, releasing message", "message_id", msg.ID, "error", err)
			}
			p.queue.pushAfter(msg, p.opts.ReleaseDelay)
		}
	}
}

func (p *pump) handle(ctx context.Context, handler transport.Handler, msg *transport.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Handler panicked", "message_id", msg.ID, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	// The handler works on a copy so a release puts back the original.
	work := msg.Clone()
	return handler(ctx, &work)
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
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("failed to stop pump %s: %w", p.name, ctx.Err())
	}
}
