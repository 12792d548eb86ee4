package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"photo-processor/internal/models"
	"photo-processor/internal/queue"
)

type published struct {
	key string
	msg amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []published
	deliveries chan amqp.Delivery
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error { return nil }

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(uint64, bool) error { return nil }

func testBody(t *testing.T) []byte {
	t.Helper()
	body, err := queue.Message{
		JobID:   uuid.NewString(),
		ImageID: uuid.NewString(),
		Steps:   []models.Step{models.StepEnhance, models.StepUpscale},
	}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func newTestClient(ch *fakeChannel) *Client {
	return newClient(ch, Options{
		Queue:          "jobs",
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
		Prefetch:       2,
	}, zerolog.Nop())
}

func TestPublishSetsAttemptAndMessageID(t *testing.T) {
	ch := &fakeChannel{}
	c := newTestClient(ch)
	msg := queue.Message{JobID: "j", ImageID: "i", Steps: []models.Step{models.StepEnhance}, RetryCount: 4}

	if err := c.Publish(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(ch.published) != 1 {
		t.Fatalf("published %d messages", len(ch.published))
	}
	p := ch.published[0]
	if p.key != "jobs" || p.msg.MessageId != "j:4" || p.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("publishing = %+v", p)
	}
	if attemptOf(p.msg.Headers) != 1 || p.msg.Expiration != "" {
		t.Errorf("first attempt headers = %v expiration = %q", p.msg.Headers, p.msg.Expiration)
	}
}

func TestHandleDelivery(t *testing.T) {
	tests := []struct {
		name        string
		attempt     int32
		handlerErr  error
		wantAcks    int
		wantNacks   int
		wantRetry   bool
		wantExpires string
		wantFinal   bool
	}{
		{name: "success acks", attempt: 1, wantAcks: 1},
		{name: "failure schedules retry", attempt: 1, handlerErr: errors.New("timeout"), wantAcks: 1, wantRetry: true, wantExpires: "1000"},
		{name: "backoff grows", attempt: 2, handlerErr: errors.New("timeout"), wantAcks: 1, wantRetry: true, wantExpires: "2000"},
		{name: "attempts exhausted", attempt: 3, handlerErr: errors.New("timeout"), wantNacks: 1, wantFinal: true},
		{name: "skip retry", attempt: 1, handlerErr: queue.SkipRetry(errors.New("gone")), wantNacks: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ch := &fakeChannel{}
			c := newTestClient(ch)
			ack := &ackRecorder{}
			d := amqp.Delivery{
				Acknowledger: ack,
				Body:         testBody(t),
				MessageId:    "m",
				Headers:      amqp.Table{attemptHeader: tc.attempt},
			}

			final := false
			c.handleDelivery(context.Background(), func(ctx context.Context, _ queue.Message) error {
				final = queue.IsFinalAttempt(ctx)
				return tc.handlerErr
			}, d)

			if final != tc.wantFinal {
				t.Errorf("final attempt = %v, want %v", final, tc.wantFinal)
			}
			if ack.acks != tc.wantAcks || ack.nacks != tc.wantNacks {
				t.Errorf("acks=%d nacks=%d, want %d/%d", ack.acks, ack.nacks, tc.wantAcks, tc.wantNacks)
			}
			if ack.requeue {
				t.Error("nack requeued the message")
			}
			if got := len(ch.published) == 1; got != tc.wantRetry {
				t.Fatalf("retry published = %v, want %v", got, tc.wantRetry)
			}
			if tc.wantRetry {
				p := ch.published[0]
				if p.key != "jobs.retry" {
					t.Errorf("retry routed to %q", p.key)
				}
				if attemptOf(p.msg.Headers) != int(tc.attempt)+1 {
					t.Errorf("retry attempt = %d", attemptOf(p.msg.Headers))
				}
				if p.msg.Expiration != tc.wantExpires {
					t.Errorf("expiration = %q, want %q", p.msg.Expiration, tc.wantExpires)
				}
			}
		})
	}
}

func TestHandleDeliveryDropsMalformed(t *testing.T) {
	c := newTestClient(&fakeChannel{})
	ack := &ackRecorder{}
	called := false

	c.handleDelivery(context.Background(), func(context.Context, queue.Message) error {
		called = true
		return nil
	}, amqp.Delivery{Acknowledger: ack, Body: []byte("nope")})

	if called || ack.nacks != 1 {
		t.Fatalf("called=%v nacks=%d", called, ack.nacks)
	}
}

func TestConsumeStopsOnContext(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 1)}
	c := newTestClient(ch)
	ack := &ackRecorder{}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: testBody(t), Headers: amqp.Table{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	handled := make(chan struct{})
	go func() {
		done <- c.Consume(ctx, func(context.Context, queue.Message) error {
			close(handled)
			return nil
		})
	}()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not handled")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return")
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
}

func TestConsumeReportsClosedChannel(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	close(ch.deliveries)
	if err := newTestClient(ch).Consume(context.Background(), nil); err == nil {
		t.Fatal("Consume() = nil on closed delivery channel")
	}
}
