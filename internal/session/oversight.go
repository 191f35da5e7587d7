package session

import (
	"context"
	"maps"
)

// RoleReviewer is added by StaticOversight for complex sessions.
const RoleReviewer = "reviewer"

// Oversight assigns human roles to a session once its plan is known.
type Oversight interface {
	Assign(ctx context.Context, sessionContext map[string]any, complexity float64) (map[string]string, error)
}

// StaticOversight assigns the same roles to every session and adds a
// reviewer when the plan complexity reaches ReviewerComplexity.
type StaticOversight struct {
	Roles              map[string]string
	ReviewerComplexity float64
	Reviewer           string
}

// Assign implements Oversight.
func (o StaticOversight) Assign(_ context.Context, _ map[string]any, complexity float64) (map[string]string, error) {
	roles := maps.Clone(o.Roles)
	if roles == nil {
		roles = make(map[string]string)
	}
	if o.Reviewer != "" && o.ReviewerComplexity > 0 && complexity >= o.ReviewerComplexity {
		roles[RoleReviewer] = o.Reviewer
	}
	return roles, nil
}

// OversightFunc adapts a function to the Oversight interface.
type OversightFunc func(ctx context.Context, sessionContext map[string]any, complexity float64) (map[string]string, error)

// Assign calls f.
func (f OversightFunc) Assign(ctx context.Context, sessionContext map[string]any, complexity float64) (map[string]string, error) {
	return f(ctx, sessionContext, complexity)
}
