package worker

import (
	"context"
	"fmt"

	"photo-processor/internal/models"
	"photo-processor/internal/providers"
)

// Executors binds each step kind to the provider that performs it.
type Executors struct {
	Enhancer      providers.Enhancer
	Rerenderer    providers.Rerenderer
	Upscaler      providers.Upscaler
	UpscaleFactor int
}

// Run applies one step to buf and returns the new buffer.
func (e Executors) Run(ctx context.Context, step models.Step, buf []byte, prompt string) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch step {
	case models.StepEnhance:
		if e.Enhancer == nil {
			return nil, fmt.Errorf("no enhancer configured")
		}
		out, err = e.Enhancer.Enhance(ctx, buf)
	case models.StepRerender:
		if e.Rerenderer == nil {
			return nil, fmt.Errorf("no rerenderer configured")
		}
		if prompt == "" {
			return nil, providers.ErrMissingPrompt
		}
		out, err = e.Rerenderer.Rerender(ctx, buf, prompt)
	case models.StepUpscale:
		if e.Upscaler == nil {
			return nil, fmt.Errorf("no upscaler configured")
		}
		factor := e.UpscaleFactor
		if factor < 1 {
			factor = 2
		}
		out, err = e.Upscaler.Upscale(ctx, buf, factor)
	default:
		return nil, fmt.Errorf("unknown step %q", step)
	}
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, providers.ErrEmptyResponse
	}
	return out, nil
}
