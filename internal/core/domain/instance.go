// Package domain holds the pipeline supervisor's core types.
package domain

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a pipeline instance.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingJudgment Status = "awaiting_judgment"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Default step names for the content pipeline.
const (
	StepSegmentation    = "segmentation"
	StepVideoGeneration = "video_generation"
	StepPostprocess     = "postprocess"
)

// DefaultSteps is the step order used when a submission does not name one.
var DefaultSteps = []string{StepSegmentation, StepVideoGeneration, StepPostprocess}

// Instance is one submitted run of the pipeline.
// It is mutated only by the orchestrator; everything else reads copies.
type Instance struct {
	ID      string         `json:"id"`
	Intent  string         `json:"intent"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	Steps   []string       `json:"steps"`
	Current int            `json:"current_step"`

	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`

	// Results holds the latest result per step.
	Results map[string]*StepResult `json:"results,omitempty"`

	// Base is the configuration at submission time; Overrides are merged
	// retry patches. Effective config is Base overlaid with Overrides.
	Base      Overrides `json:"base,omitempty"`
	Overrides Overrides `json:"overrides,omitempty"`

	RetryCounts map[string]int     `json:"retry_counts,omitempty"`
	History     map[string][]Patch `json:"history,omitempty"`

	Pending   *HumanRequest `json:"pending,omitempty"`
	Feedback  *Feedback     `json:"feedback,omitempty"`
	OutputRef string        `json:"output_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstance builds a queued instance with its maps initialised.
func NewInstance(id, intent string, steps []string, inputs map[string]any, base Overrides) *Instance {
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	now := time.Now().UTC()
	return &Instance{
		ID:          id,
		Intent:      intent,
		Inputs:      inputs,
		Steps:       slices.Clone(steps),
		Status:      StatusQueued,
		Results:     make(map[string]*StepResult),
		Base:        base.Clone(),
		Overrides:   make(Overrides),
		RetryCounts: make(map[string]int),
		History:     make(map[string][]Patch),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CurrentStep returns the name of the step the pointer is on, or "" when
// the pointer is past the end.
func (i *Instance) CurrentStep() string {
	if i.Current < 0 || i.Current >= len(i.Steps) {
		return ""
	}
	return i.Steps[i.Current]
}

// StepIndex returns the position of step in the step list, or -1.
func (i *Instance) StepIndex(step string) int {
	return slices.Index(i.Steps, step)
}

// Progress is the percentage of steps that have completed.
func (i *Instance) Progress() int {
	if len(i.Steps) == 0 {
		return 0
	}
	if i.Status == StatusCompleted {
		return 100
	}
	return i.Current * 100 / len(i.Steps)
}

// Config returns the effective configuration for one category. Keys are
// returned without the category prefix, so a step never sees another
// step's parameters.
func (i *Instance) Config(category string) map[string]Value {
	out := i.Base.Category(category)
	for k, v := range i.Overrides.Category(category) {
		out[k] = v
	}
	return out
}

// Touch bumps UpdatedAt.
func (i *Instance) Touch() {
	i.UpdatedAt = time.Now().UTC()
}

// Clone returns a copy that shares no mutable maps with i.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Inputs = maps.Clone(i.Inputs)
	c.Steps = slices.Clone(i.Steps)
	c.Results = maps.Clone(i.Results)
	c.Base = i.Base.Clone()
	c.Overrides = i.Overrides.Clone()
	c.RetryCounts = maps.Clone(i.RetryCounts)
	c.History = make(map[string][]Patch, len(i.History))
	for k, v := range i.History {
		c.History[k] = slices.Clone(v)
	}
	if i.Pending != nil {
		p := *i.Pending
		c.Pending = &p
	}
	if i.Feedback != nil {
		f := *i.Feedback
		c.Feedback = &f
	}
	return &c
}

// StatusView is the externally visible summary of an instance.
type StatusView struct {
	ID          string        `json:"task_id"`
	Status      Status        `json:"status"`
	CurrentStep string        `json:"current_step"`
	Progress    int           `json:"progress"`
	Message     string        `json:"message,omitempty"`
	OutputRef   string        `json:"output_ref,omitempty"`
	Pending     *HumanRequest `json:"pending,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// View summarises the instance for status queries and snapshots.
func (i *Instance) View() StatusView {
	v := StatusView{
		ID:          i.ID,
		Status:      i.Status,
		CurrentStep: i.CurrentStep(),
		Progress:    i.Progress(),
		Message:     i.Message,
		OutputRef:   i.OutputRef,
		UpdatedAt:   i.UpdatedAt,
	}
	if i.Pending != nil {
		p := *i.Pending
		v.Pending = &p
	}
	return v
}

// StepResult is the immutable outcome of one step invocation.
type StepResult struct {
	Step      string         `json:"step"`
	Success   bool           `json:"success"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	Artifact  string         `json:"artifact,omitempty"`
	Attempt   int            `json:"attempt"`
	Timestamp time.Time      `json:"timestamp"`
}

// FailedResult builds the synthetic failing result used when a step
// could not produce one.
func FailedResult(step string, attempt int, err error) *StepResult {
	return &StepResult{
		Step:      step,
		Success:   false,
		Error:     err.Error(),
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
	}
}

// HumanRequest is the question posed to an operator while paused.
type HumanRequest struct {
	Step      string         `json:"step"`
	Question  string         `json:"question"`
	Context   map[string]any `json:"context,omitempty"`
	Suggested Patch          `json:"suggested,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FeedbackAction is what the operator wants done with a paused instance.
type FeedbackAction string

const (
	ActionRetry   FeedbackAction = "retry"
	ActionProceed FeedbackAction = "proceed"
	ActionCancel  FeedbackAction = "cancel"
)

// Valid reports whether a is a known action.
func (a FeedbackAction) Valid() bool {
	switch a {
	case ActionRetry, ActionProceed, ActionCancel:
		return true
	}
	return false
}

// Feedback is operator input that ends a pause.
type Feedback struct {
	Message string         `json:"message"`
	Action  FeedbackAction `json:"action"`
	Patch   Patch          `json:"patch,omitempty"`
	// Step is the paused step the feedback answers.
	Step       string    `json:"step,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ResourceHandle describes one exclusive resource known to a ledger.
type ResourceHandle struct {
	Name      string  `json:"name"`
	Loaded    bool    `json:"loaded"`
	Footprint float64 `json:"footprint"`
}
