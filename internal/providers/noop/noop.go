// Package noop passes images through unchanged.
package noop

import (
	"context"

	"photo-processor/internal/providers"
)

type Provider struct{}

func New() Provider { return Provider{} }

func (Provider) Enhance(ctx context.Context, img []byte) ([]byte, error) {
	return passThrough(ctx, "enhance", img)
}

func (Provider) Rerender(ctx context.Context, img []byte, prompt string) ([]byte, error) {
	if prompt == "" {
		return nil, providers.Wrap(providers.Noop, "rerender", providers.ErrMissingPrompt)
	}
	return passThrough(ctx, "rerender", img)
}

func (Provider) Upscale(ctx context.Context, img []byte, _ int) ([]byte, error) {
	return passThrough(ctx, "upscale", img)
}

func passThrough(ctx context.Context, op string, img []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, providers.Wrap(providers.Noop, op, err)
	}
	return append([]byte(nil), img...), nil
}

var (
	_ providers.Enhancer   = Provider{}
	_ providers.Rerenderer = Provider{}
	_ providers.Upscaler   = Provider{}
)
