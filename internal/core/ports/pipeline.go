// Package ports defines the interfaces between the supervisor core and the
// services it drives.
package ports

import (
	"context"

	"github.com/tjfontaine/genpipe/internal/core/domain"
)

// StepInput is what a step unit sees when it runs.
type StepInput struct {
	InstanceID string `json:"instance_id"`
	Step       string `json:"step"`
	Intent     string `json:"intent"`
	Attempt    int    `json:"attempt"`

	// Config holds only this step's parameters, without the category prefix.
	Config map[string]domain.Value `json:"config"`

	Inputs   map[string]any                `json:"inputs,omitempty"`
	Previous map[string]*domain.StepResult `json:"previous,omitempty"`

	// Guidance is free text from the last operator feedback, if any.
	Guidance string `json:"guidance,omitempty"`
}

// StepUnit is one named stage of the pipeline.
type StepUnit interface {
	// Name returns the step's unique name.
	Name() string
	// Resources lists the exclusive resources the step must hold.
	Resources() []string
	// Execute runs the step. A returned error means no result was produced.
	Execute(ctx context.Context, in *StepInput) (*domain.StepResult, error)
}

// ResourceLoader brings one exclusive resource in and out of memory.
type ResourceLoader interface {
	Name() string
	// Footprint is the estimated capacity the resource occupies once loaded.
	Footprint() float64
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
}

// JudgeRequest is the context handed to the judging call.
type JudgeRequest struct {
	InstanceID  string                  `json:"instance_id"`
	Step        string                  `json:"step"`
	Intent      string                  `json:"intent"`
	Result      *domain.StepResult      `json:"result"`
	ArtifactURL string                  `json:"artifact_url,omitempty"`
	RetryCount  int                     `json:"retry_count"`
	History     []domain.Patch          `json:"history,omitempty"`
	Config      map[string]domain.Value `json:"config,omitempty"`

	// Prompt is the rendered instruction, including the history rules.
	Prompt string `json:"-"`
}

// Judge produces a proposal for a step result. onThought receives partial
// output as it streams and may be nil.
type Judge interface {
	Evaluate(ctx context.Context, req *JudgeRequest, onThought func(string)) (*domain.Proposal, error)
}
