package domain

// Decision is the quality gate's routing outcome.
type Decision string

const (
	DecisionProceed  Decision = "proceed"
	DecisionRetry    Decision = "retry"
	DecisionEscalate Decision = "escalate"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionProceed, DecisionRetry, DecisionEscalate:
		return true
	}
	return false
}

// Proposal is the judge's raw answer before the gate normalises it.
type Proposal struct {
	Decision   Decision       `json:"decision"`
	Rationale  string         `json:"rationale"`
	Symptom    string         `json:"symptom,omitempty"`
	Patch      map[string]any `json:"patch,omitempty"`
	TargetStep string         `json:"target_step,omitempty"`
	Question   string         `json:"question,omitempty"`
}

// Verdict is the gate's final, consumable decision for one step result.
type Verdict struct {
	Decision   Decision `json:"decision"`
	Rationale  string   `json:"rationale"`
	Symptom    string   `json:"symptom,omitempty"`
	Patch      Patch    `json:"patch,omitempty"`
	TargetStep string   `json:"target_step,omitempty"`

	// Question is set on escalation; Suggested is an untried remedy the
	// operator may accept.
	Question  string `json:"question,omitempty"`
	Suggested Patch  `json:"suggested,omitempty"`
}
