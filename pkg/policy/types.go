package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blocks a deployment.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the deployment.
	SeverityError Severity = "error"

	// SeverityCritical blocks the deployment.
	SeverityCritical Severity = "critical"
)

// Blocking returns true if violations of this severity reject a request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a rego module whose deny rules are evaluated on admission.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Input is the document policies see as input.
type Input struct {
	Application InputApplication `json:"application"`
	Artifact    InputArtifact    `json:"artifact"`
	// Operation is "create" or "update".
	Operation string `json:"operation"`
}

// InputApplication describes the application being deployed.
type InputApplication struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	FunctionName string `json:"functionName"`
}

// InputArtifact is the code package requested for deployment.
type InputArtifact struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Violation is a single deny message.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the messages of the blocking violations.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}
