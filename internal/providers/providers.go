// Package providers defines the capabilities the step executors call out to.
package providers

import (
	"context"
	"errors"
	"fmt"
)

// Name identifies a provider implementation.
type Name string

const (
	OpenAI Name = "openai"
	Local  Name = "local"
	Noop   Name = "noop"
)

func (n Name) Valid() bool {
	switch n {
	case OpenAI, Local, Noop:
		return true
	}
	return false
}

// Enhancer improves an image without a prompt.
type Enhancer interface {
	Enhance(ctx context.Context, img []byte) ([]byte, error)
}

// Rerenderer generates a new image guided by a prompt.
type Rerenderer interface {
	Rerender(ctx context.Context, img []byte, prompt string) ([]byte, error)
}

// Upscaler grows an image by an integer factor.
type Upscaler interface {
	Upscale(ctx context.Context, img []byte, scale int) ([]byte, error)
}

var (
	ErrEmptyResponse = errors.New("provider returned no image")
	ErrMissingPrompt = errors.New("prompt is required")
	ErrUnsupported   = errors.New("operation not supported by provider")
	ErrMissingAPIKey = errors.New("api key is required")
)

// Error is returned by every provider call that fails.
type Error struct {
	Provider Name
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil when err is nil and an *Error otherwise.
func Wrap(provider Name, op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	return &Error{Provider: provider, Op: op, Err: err}
}
