// Package queue carries job messages from the producer to the worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"photo-processor/internal/models"
)

// ErrSkipRetry tells a backend to drop the message instead of redelivering it.
var ErrSkipRetry = errors.New("skip retry")

// Message is the wire form of a job.
type Message struct {
	JobID      string        `json:"jobId"`
	ImageID    string        `json:"imageId"`
	Steps      []models.Step `json:"steps"`
	RetryCount int           `json:"retryCount"`
}

func NewMessage(job *models.Job) Message {
	return Message{
		JobID:      job.ID.String(),
		ImageID:    job.ImageID.String(),
		Steps:      append([]models.Step(nil), job.Steps...),
		RetryCount: job.RetryCount,
	}
}

// DedupKey identifies one retry generation of a job.
func (m Message) DedupKey() string {
	return m.JobID + ":" + strconv.Itoa(m.RetryCount)
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a message body.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode job message: %w", err)
	}
	if m.JobID == "" || m.ImageID == "" {
		return Message{}, errors.New("job message is missing jobId or imageId")
	}
	if err := models.Steps(m.Steps).Validate(); err != nil {
		return Message{}, fmt.Errorf("invalid job message steps: %w", err)
	}
	return m, nil
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes one delivery. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Consumer delivers messages to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
	Close() error
}

type finalAttemptKey struct{}

// WithFinalAttempt marks ctx as the last delivery the backend will make of a
// message. A handler error on it is not redelivered.
func WithFinalAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, finalAttemptKey{}, true)
}

func IsFinalAttempt(ctx context.Context) bool {
	final, _ := ctx.Value(finalAttemptKey{}).(bool)
	return final
}

// SkipRetry marks err as permanent.
func SkipRetry(err error) error {
	return fmt.Errorf("%w: %w", err, ErrSkipRetry)
}

// Backoff returns base * 2^(attempt-1), capped at max. Attempts start at 1.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
