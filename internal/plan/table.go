package plan

import (
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// CoordinationWorker runs the always-present coordination, synthesis, and finalize tasks.
const CoordinationWorker = "coordination"

// HandlerSpec describes a handler task attached to a capability.
type HandlerSpec struct {
	Worker         string         `yaml:"worker"`
	TaskType       string         `yaml:"task_type"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Parameters     map[string]any `yaml:"parameters"`
}

// Capability maps request keywords to a worker task.
type Capability struct {
	Name           string       `yaml:"name"`
	Keywords       []string     `yaml:"keywords"`
	Worker         string       `yaml:"worker"`
	TaskType       string       `yaml:"task_type"`
	TimeoutSeconds int          `yaml:"timeout_seconds"`
	MaxRetries     int          `yaml:"max_retries"`
	OnFailure      *HandlerSpec `yaml:"on_failure"`
	OnSuccess      *HandlerSpec `yaml:"on_success"`

	patterns []glob.Glob
}

// Matches reports whether any keyword pattern matches any of the tokens.
func (c *Capability) Matches(tokens []string) bool {
	for _, p := range c.patterns {
		for _, tok := range tokens {
			if p.Match(tok) {
				return true
			}
		}
	}
	return false
}

// Table is the capability configuration used by the Builder.
type Table struct {
	Capabilities []Capability `yaml:"capabilities"`
	// Estimates maps "worker/task_type" to an expected duration in seconds.
	Estimates map[string]int `yaml:"estimates"`
}

// EstimateKey returns the Estimates key for a worker and task type.
func EstimateKey(worker, taskType string) string {
	return worker + "/" + taskType
}

// compile validates the table and prepares keyword patterns.
func (t *Table) compile() error {
	seen := make(map[string]bool)
	for i := range t.Capabilities {
		c := &t.Capabilities[i]
		if c.Name == "" || c.Worker == "" || c.TaskType == "" {
			return fmt.Errorf("capability %d: name, worker and task_type are required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("capability %q declared twice", c.Name)
		}
		seen[c.Name] = true
		if len(c.Keywords) == 0 {
			return fmt.Errorf("capability %q has no keywords", c.Name)
		}

		c.patterns = c.patterns[:0]
		for _, kw := range c.Keywords {
			g, err := glob.Compile(strings.ToLower(kw))
			if err != nil {
				return fmt.Errorf("capability %q: keyword %q: %w", c.Name, kw, err)
			}
			c.patterns = append(c.patterns, g)
		}

		for _, h := range []*HandlerSpec{c.OnFailure, c.OnSuccess} {
			if h != nil && (h.Worker == "" || h.TaskType == "") {
				return fmt.Errorf("capability %q: handler needs worker and task_type", c.Name)
			}
		}
	}
	return nil
}

// ParseTable decodes and compiles a YAML capability table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse capability table: %w", err)
	}
	if err := t.compile(); err != nil {
		return nil, fmt.Errorf("invalid capability table: %w", err)
	}
	return &t, nil
}

// LoadTable reads a YAML capability table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capability table: %w", err)
	}
	return ParseTable(data)
}

// DefaultTable returns the built-in capability table.
func DefaultTable() *Table {
	t := &Table{
		Capabilities: []Capability{
			{
				Name:     "design",
				Keywords: []string{"dashboard*", "ui", "ux", "interface", "design*", "frontend", "layout"},
				Worker:   "design",
				TaskType: "ui_design",
			},
			{
				Name:     "development",
				Keywords: []string{"api", "backend", "database", "server", "service*", "implement*"},
				Worker:   "development",
				TaskType: "implementation",
			},
			{
				Name:     "security",
				Keywords: []string{"auth*", "security", "secure", "login", "permission*", "encrypt*"},
				Worker:   "security",
				TaskType: "security_review",
				OnFailure: &HandlerSpec{
					Worker:   CoordinationWorker,
					TaskType: "security_checklist",
				},
			},
			{
				Name:     "analytics",
				Keywords: []string{"analytics", "data", "report*", "metric*", "ml", "insight*"},
				Worker:   "analytics",
				TaskType: "data_analysis",
			},
			{
				Name:     "devops",
				Keywords: []string{"deploy*", "infrastructure", "ci", "cd", "docker", "kubernetes", "pipeline*"},
				Worker:   "devops",
				TaskType: "deployment_plan",
			},
			{
				Name:     "qa",
				Keywords: []string{"test*", "qa", "quality"},
				Worker:   "qa",
				TaskType: "test_plan",
			},
		},
		Estimates: map[string]int{
			EstimateKey("design", "ui_design"):                    180,
			EstimateKey("development", "implementation"):          300,
			EstimateKey("security", "security_review"):            240,
			EstimateKey("analytics", "data_analysis"):             240,
			EstimateKey("devops", "deployment_plan"):              200,
			EstimateKey("qa", "test_plan"):                        150,
			EstimateKey(CoordinationWorker, "coordination"):       60,
			EstimateKey(CoordinationWorker, "synthesis"):          120,
			EstimateKey(CoordinationWorker, "finalize"):           60,
			EstimateKey(CoordinationWorker, "security_checklist"): 90,
		},
	}
	if err := t.compile(); err != nil {
		panic(fmt.Sprintf("built-in capability table: %v", err))
	}
	return t
}
