package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a processing job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusRetrying   JobStatus = "RETRYING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Allowed status transitions. FAILED -> PROCESSING is a queue-level
// redelivery of the same retry generation; PROCESSING -> PROCESSING is a
// takeover of a job whose worker stopped updating it.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusRetrying:   {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed},
	JobStatusFailed:     {JobStatusRetrying, JobStatusProcessing},
	JobStatusCompleted:  nil,
}

func (s JobStatus) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step is one transformation applied to the image bytes.
type Step string

const (
	StepEnhance  Step = "ENHANCE"
	StepRerender Step = "RERENDER"
	StepUpscale  Step = "UPSCALE"
)

func (s Step) Valid() bool {
	switch s {
	case StepEnhance, StepRerender, StepUpscale:
		return true
	}
	return false
}

// ParseStep converts a wire value into a Step.
func ParseStep(v string) (Step, error) {
	s := Step(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown step %q", v)
	}
	return s, nil
}

var (
	ErrNoSteps          = errors.New("steps must not be empty")
	ErrUpscaleNotLast   = errors.New("UPSCALE must be the last step")
	ErrDuplicateUpscale = errors.New("UPSCALE may appear only once")
)

// Steps is the ordered pipeline of a job. It is fixed at creation.
type Steps []Step

// Validate checks the pipeline invariants: non-empty, known kinds only, and
// UPSCALE at most once as the terminal step.
func (s Steps) Validate() error {
	if len(s) == 0 {
		return ErrNoSteps
	}
	upscales := 0
	for _, step := range s {
		if !step.Valid() {
			return fmt.Errorf("unknown step %q", step)
		}
		if step == StepUpscale {
			upscales++
		}
	}
	if upscales > 1 {
		return ErrDuplicateUpscale
	}
	if upscales == 1 && s[len(s)-1] != StepUpscale {
		return ErrUpscaleNotLast
	}
	return nil
}

func (s Steps) Contains(step Step) bool {
	for _, v := range s {
		if v == step {
			return true
		}
	}
	return false
}

func (s Steps) Strings() []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

// ParseSteps converts wire values into a validated pipeline.
func ParseSteps(values []string) (Steps, error) {
	steps := make(Steps, 0, len(values))
	for _, v := range values {
		step, err := ParseStep(v)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := steps.Validate(); err != nil {
		return nil, err
	}
	return steps, nil
}

const StepStatusDone = "done"

// StepResult marks one completed step.
type StepResult struct {
	Step        Step      `json:"step"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

// StepResults is kept in execution order.
type StepResults []StepResult

func (r StepResults) Has(step Step) bool {
	for _, v := range r {
		if v.Step == step {
			return true
		}
	}
	return false
}

func (r StepResults) Steps() Steps {
	out := make(Steps, len(r))
	for i, v := range r {
		out[i] = v.Step
	}
	return out
}

// Job is one request to run a step pipeline over one image.
type Job struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	ImageID     uuid.UUID   `json:"image_id" db:"image_id"`
	Status      JobStatus   `json:"status" db:"status"`
	Steps       Steps       `json:"steps" db:"steps"`
	CurrentStep *Step       `json:"current_step,omitempty" db:"current_step"`
	Prompt      *string     `json:"prompt,omitempty" db:"prompt"`
	RetryCount  int         `json:"retry_count" db:"retry_count"`
	Error       *string     `json:"error,omitempty" db:"error"`
	Result      StepResults `json:"result" db:"result"`
	StartedAt   *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// PromptText returns the stored prompt or an empty string.
func (j *Job) PromptText() string {
	if j.Prompt == nil {
		return ""
	}
	return *j.Prompt
}
