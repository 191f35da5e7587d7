// Package recovery classifies task failures, runs a per-category recovery
// strategy, and guards workers with circuit breakers.
package recovery

import (
	"context"
	"strings"

	"github.com/Iron-Ham/sessiond/internal/errors"
)

// Category is the recovery category of an error.
type Category string

const (
	CategoryNetwork             Category = errors.KindNetwork
	CategoryWorkerCommunication Category = errors.KindWorkerCommunication
	CategoryTimeout             Category = errors.KindTimeout
	CategoryDependency          Category = errors.KindDependency
	CategoryKnowledgeAccess     Category = errors.KindKnowledgeAccess
	CategoryNotification        Category = errors.KindNotification
	CategoryResourceExhaustion  Category = errors.KindResourceExhaustion
	CategoryAuth                Category = errors.KindAuth
	CategoryDataCorruption      Category = errors.KindDataCorruption
	CategoryExternalService     Category = errors.KindExternalService
)

// Categories lists every category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryNetwork, CategoryWorkerCommunication, CategoryTimeout, CategoryDependency,
		CategoryKnowledgeAccess, CategoryNotification, CategoryResourceExhaustion,
		CategoryAuth, CategoryDataCorruption, CategoryExternalService,
	}
}

func validCategory(c Category) bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Severity ranks how urgently a failure needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Priority maps severity to a frame priority, 1 (low) to 4 (urgent).
func (s Severity) Priority() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// EscalationLevel maps severity to the notification escalation level.
func (s Severity) EscalationLevel() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	default:
		return 1
	}
}

// ClassifiedError is an error with its recovery category and severity.
type ClassifiedError struct {
	Err      error
	Category Category
	Severity Severity
	Message  string
}

func (c ClassifiedError) Error() string { return c.Message }
func (c ClassifiedError) Unwrap() error { return c.Err }

type rule struct {
	category Category
	needles  []string
}

// Message rules are checked in order; the first match wins.
var messageRules = []rule{
	{CategoryDataCorruption, []string{"corrupt", "checksum", "malformed", "integrity"}},
	{CategoryAuth, []string{"unauthorized", "forbidden", "authentication", "permission denied", "invalid token", "credential"}},
	{CategoryResourceExhaustion, []string{"quota", "rate limit", "too many requests", "out of memory", "resource exhausted", "capacity"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryNetwork, []string{"connection refused", "connection reset", "network", "no such host", "dns", "unreachable", "broken pipe", "eof"}},
	{CategoryDependency, []string{"dependency", "predecessor", "upstream task"}},
	{CategoryKnowledgeAccess, []string{"knowledge", "embedding", "vector store", "retrieval", "document store"}},
	{CategoryNotification, []string{"notification", "webhook", "smtp", "email"}},
	{CategoryWorkerCommunication, []string{"worker", "bot ", "orchestration"}},
}

var (
	crisisNeedles = []string{"crisis", "emergency", "data loss", "breach", "outage", "security incident"}
	highNeedles   = []string{"critical", "fatal", "panic", "unavailable", "permanent"}
	mediumNeedles = []string{"timeout", "timed out", "retry", "degraded", "slow", "partial", "502", "503", "504"}
)

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Classify assigns a category and severity to err. A declared kind from
// internal/errors wins; otherwise the message is matched against keyword
// rules, falling back to external-service.
func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	category := Category(errors.KindOf(err))
	switch {
	case validCategory(category):
	case errors.Is(err, context.DeadlineExceeded):
		category = CategoryTimeout
	default:
		category = CategoryExternalService
		for _, r := range messageRules {
			if containsAny(lower, r.needles) {
				category = r.category
				break
			}
		}
	}

	return ClassifiedError{
		Err:      err,
		Category: category,
		Severity: severityFor(category, lower),
		Message:  msg,
	}
}

func severityFor(category Category, lowerMsg string) Severity {
	switch {
	case category == CategoryDataCorruption, category == CategoryAuth, category == CategoryResourceExhaustion:
		return SeverityCritical
	case containsAny(lowerMsg, crisisNeedles):
		return SeverityCritical
	case containsAny(lowerMsg, highNeedles):
		return SeverityHigh
	case containsAny(lowerMsg, mediumNeedles):
		return SeverityMedium
	default:
		return SeverityLow
	}
}
