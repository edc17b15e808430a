package natsjs

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/redrive/internal/infra/transport"
)

func setupTransport(t *testing.T) *Transport {
	t.Helper()
	url := os.Getenv("REDRIVE_TEST_NATS_URL")
	if url == "" {
		t.Skip("Skipping test, REDRIVE_TEST_NATS_URL not set")
	}
	tr, err := Connect(Config{
		URL:       url,
		Stream:    "REDRIVE_TEST_" + uuid.NewString()[:8],
		FetchWait: 200 * time.Millisecond,
		NakDelay:  50 * time.Millisecond,
	})
	if err != nil {
		t.Skipf("Skipping test, NATS not available: %v", err)
	}
	t.Cleanup(func() {
		_ = tr.js.DeleteStream(tr.cfg.Stream)
		_ = tr.Close()
	})
	return tr
}

func TestDurableName(t *testing.T) {
	if got := durableName("sales.orders"); got != "q_sales_orders" {
		t.Errorf("unexpected durable name %q", got)
	}
}

func TestSend_UndeclaredQueue(t *testing.T) {
	tr := setupTransport(t)
	err := tr.Send(context.Background(), "nowhere", transport.Message{Body: []byte("x")})
	if !errors.Is(err, transport.ErrUnknownAddress) {
		t.Fatalf("expected ErrUnknownAddress, got %v", err)
	}
}

func TestPump_RoundTripWithRelease(t *testing.T) {
	tr := setupTransport(t)
	ctx := context.Background()
	if err := tr.Declare(ctx, "sales"); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	err := tr.Send(ctx, "sales", transport.Message{
		ID:      "m-1",
		Headers: map[string]string{"NServiceBus.MessageId": "abc"},
		Body:    []byte(`{"order":1}`),
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	p, err := tr.NewPump("sales")
	if err != nil {
		t.Fatalf("NewPump failed: %v", err)
	}

	received := make(chan transport.Message, 2)
	attempts := 0
	err = p.Start(ctx, func(ctx context.Context, msg *transport.Message) error {
		attempts++
		received <- *msg
		if attempts == 1 {
			return transport.ErrRelease
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(ctx)

	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			if msg.ID != "m-1" || msg.Headers["NServiceBus.MessageId"] != "abc" || string(msg.Body) != `{"order":1}` {
				t.Errorf("unexpected message %+v", msg)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for delivery %d", i+1)
		}
	}
}
