package jobs

import (
	"strings"

	"photo-processor/internal/models"
)

// BuildSteps returns ENHANCE, then RERENDER when allowed and a prompt is
// given, and UPSCALE last.
func BuildSteps(allowRerender bool, prompt string) models.Steps {
	steps := models.Steps{models.StepEnhance}
	if allowRerender && strings.TrimSpace(prompt) != "" {
		steps = append(steps, models.StepRerender)
	}
	return append(steps, models.StepUpscale)
}
