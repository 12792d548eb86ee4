package worker

import (
	"context"
	"errors"
	"testing"

	"photo-processor/internal/models"
	"photo-processor/internal/providers"
)

type emptyUpscaler struct{ scale int }

func (e *emptyUpscaler) Upscale(_ context.Context, _ []byte, scale int) ([]byte, error) {
	e.scale = scale
	return nil, nil
}

func TestExecutorsRun(t *testing.T) {
	stub := &appendByte{b: '!'}
	exec := Executors{Enhancer: stub, Rerenderer: stub, Upscaler: stub, UpscaleFactor: 3}

	for _, step := range []models.Step{models.StepEnhance, models.StepRerender, models.StepUpscale} {
		out, err := exec.Run(context.Background(), step, []byte("a"), "prompt")
		if err != nil {
			t.Fatalf("Run(%s) error = %v", step, err)
		}
		if string(out) != "a!" {
			t.Errorf("Run(%s) = %q", step, out)
		}
	}
}

func TestExecutorsErrors(t *testing.T) {
	up := &emptyUpscaler{}
	tests := []struct {
		name    string
		exec    Executors
		step    models.Step
		prompt  string
		wantErr error
	}{
		{name: "unknown step", exec: Executors{}, step: models.Step("BLUR")},
		{name: "missing enhancer", exec: Executors{}, step: models.StepEnhance},
		{name: "rerender without prompt", exec: Executors{Rerenderer: &appendByte{}}, step: models.StepRerender, wantErr: providers.ErrMissingPrompt},
		{name: "empty output", exec: Executors{Upscaler: up}, step: models.StepUpscale, wantErr: providers.ErrEmptyResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.exec.Run(context.Background(), tc.step, []byte("a"), tc.prompt)
			if err == nil {
				t.Fatal("Run() error = nil")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("Run() = %v, want %v", err, tc.wantErr)
			}
		})
	}
	if up.scale != 2 {
		t.Errorf("default upscale factor = %d, want 2", up.scale)
	}
}
