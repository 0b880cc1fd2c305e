// Package safety defines the optional pre-flight message validation
// contract consumed by the orchestrator.
package safety

import "context"

// Validation is the outcome of a guardian check.
type Validation struct {
	Authorized bool     `json:"authorized"`
	Violations []string `json:"violations,omitempty"`
}

// Guardian validates inbound messages before orchestration. Rejection is a
// policy outcome, not an error: the orchestrator returns a blocked Result.
type Guardian interface {
	Validate(ctx context.Context, message, userID string) (Validation, error)
}
