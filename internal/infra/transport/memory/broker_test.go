package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/redrive/internal/infra/transport"
)

func TestSend_UnknownAddress(t *testing.T) {
	b := NewBroker(Options{})
	err := b.Send(context.Background(), "nowhere", transport.Message{Body: []byte("x")})
	if !errors.Is(err, transport.ErrUnknownAddress) {
		t.Fatalf("expected ErrUnknownAddress, got %v", err)
	}
}

func TestPump_DeliversAndAcks(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Options{Concurrency: 2})
	_ = b.Declare(ctx, "q")

	for i := 0; i < 5; i++ {
		if err := b.Send(ctx, "q", transport.Message{Body: []byte{byte(i)}}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	p, err := b.NewPump("q")
	if err != nil {
		t.Fatalf("NewPump failed: %v", err)
	}

	var got atomic.Int32
	done := make(chan struct{})
	var once sync.Once
	err = p.Start(ctx, func(ctx context.Context, msg *transport.Message) error {
		if msg.ID == "" {
			t.Error("expected message id to be assigned")
		}
		if got.Add(1) == 5 {
			once.Do(func() { close(done) })
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for messages")
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if b.Len("q") != 0 {
		t.Errorf("expected empty queue, got %d", b.Len("q"))
	}
}

func TestPump_ReleasedMessageIsRedelivered(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Options{ReleaseDelay: 10 * time.Millisecond})
	_ = b.Declare(ctx, "q")
	_ = b.Send(ctx, "q", transport.Message{Headers: map[string]string{"k": "v"}})

	p, _ := b.NewPump("q")
	var calls atomic.Int32
	done := make(chan struct{})
	_ = p.Start(ctx, func(ctx context.Context, msg *transport.Message) error {
		n := calls.Add(1)
		// Mutations by a failing handler must not leak into the redelivered copy.
		msg.Headers["k"] = "mutated"
		if n == 1 {
			return transport.ErrRelease
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redelivery")
	}
	_ = p.Stop(ctx)
}

func TestPump_HeadersPreservedAcrossRelease(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Options{})
	_ = b.Declare(ctx, "q")
	_ = b.Send(ctx, "q", transport.Message{Headers: map[string]string{"k": "v"}})

	p, _ := b.NewPump("q")
	release := make(chan struct{})
	_ = p.Start(ctx, func(ctx context.Context, msg *transport.Message) error {
		msg.Headers["k"] = "mutated"
		select {
		case <-release:
		default:
			close(release)
		}
		return errors.New("boom")
	})

	<-release
	_ = p.Stop(ctx)

	msgs := b.Messages("q")
	if len(msgs) != 1 {
		t.Fatalf("expected released message back in queue, got %d", len(msgs))
	}
	if msgs[0].Headers["k"] != "v" {
		t.Errorf("expected original header, got %s", msgs[0].Headers["k"])
	}
}

func TestPump_StartTwiceAndStopIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Options{})
	_ = b.Declare(ctx, "q")
	p, _ := b.NewPump("q")

	noop := func(ctx context.Context, msg *transport.Message) error { return nil }
	if err := p.Start(ctx, noop); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start(ctx, noop); !errors.Is(err, transport.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestPump_StopWaitsForInFlight(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(Options{})
	_ = b.Declare(ctx, "q")
	_ = b.Send(ctx, "q", transport.Message{})

	p, _ := b.NewPump("q")
	entered := make(chan struct{})
	var finished atomic.Bool
	_ = p.Start(ctx, func(ctx context.Context, msg *transport.Message) error {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	<-entered
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Stop returned before in-flight handler completed")
	}
}
