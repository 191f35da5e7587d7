package plan

import (
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Iron-Ham/sessiond/internal/logging"
)

// Fixed task types run by the coordination worker.
const (
	TaskTypeCoordination = "coordination"
	TaskTypeSynthesis    = "synthesis"
	TaskTypeFinalize     = "finalize"
)

// Request is the input to Build.
type Request struct {
	SessionID    string
	Text         string
	Requirements []string
	Priority     string
}

// Options configures a Builder.
type Options struct {
	// DefaultEstimate is used for (worker, task type) pairs missing from the table.
	DefaultEstimate time.Duration
	// DefaultTimeout applies to capabilities without timeout_seconds.
	DefaultTimeout time.Duration
	// DefaultMaxRetries applies to capabilities without max_retries.
	DefaultMaxRetries int
	Logger            *logging.Logger
}

// Builder produces plans from a capability table. The table can be swapped
// at runtime with SetTable; plans already built are unaffected.
type Builder struct {
	mu    sync.RWMutex
	table *Table

	defaultEstimate   time.Duration
	defaultTimeout    time.Duration
	defaultMaxRetries int
	logger            *logging.Logger
}

// NewBuilder creates a Builder. A nil table uses DefaultTable.
func NewBuilder(table *Table, opts Options) *Builder {
	if table == nil {
		table = DefaultTable()
	}
	if opts.DefaultEstimate <= 0 {
		opts.DefaultEstimate = 5 * time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Builder{
		table:             table,
		defaultEstimate:   opts.DefaultEstimate,
		defaultTimeout:    opts.DefaultTimeout,
		defaultMaxRetries: opts.DefaultMaxRetries,
		logger:            opts.Logger.WithPhase("planner"),
	}
}

// SetTable replaces the capability table used by subsequent builds.
func (b *Builder) SetTable(t *Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table = t
	b.logger.Info("capability table replaced", "capabilities", len(t.Capabilities))
}

// Table returns the current capability table.
func (b *Builder) Table() *Table {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.table
}

// Tokenize lower-cases text and splits it into letter/digit words.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Match returns the capabilities whose keywords match the request text or
// requirements, in table order.
func (b *Builder) Match(text string, requirements []string) []Capability {
	tokens := Tokenize(text + " " + strings.Join(requirements, " "))
	table := b.Table()

	var matched []Capability
	for _, c := range table.Capabilities {
		if c.Matches(tokens) {
			matched = append(matched, c)
		}
	}
	return matched
}

// Build produces a validated three-phase plan for the request.
func (b *Builder) Build(req Request) (*Plan, error) {
	table := b.Table()
	matched := b.Match(req.Text, req.Requirements)

	base := func() map[string]any {
		return map[string]any{
			"request":      req.Text,
			"requirements": append([]string(nil), req.Requirements...),
			"priority":     req.Priority,
		}
	}

	p := &Plan{
		SessionID: req.SessionID,
		Handlers:  make(map[string]Task),
	}

	var phase1 []Task
	var specialists []string
	for _, c := range matched {
		params := base()
		params["capability"] = c.Name

		task := Task{
			ID:         "p1-" + c.Name,
			Worker:     c.Worker,
			TaskType:   c.TaskType,
			Parameters: params,
			Timeout:    b.timeout(c.TimeoutSeconds),
			MaxRetries: b.maxRetries(c.MaxRetries),
		}
		if c.OnFailure != nil {
			h := b.handlerTask("h-"+c.Name+"-failure", c.OnFailure, params)
			p.Handlers[h.ID] = h
			task.OnFailure = []string{h.ID}
		}
		if c.OnSuccess != nil {
			h := b.handlerTask("h-"+c.Name+"-success", c.OnSuccess, params)
			p.Handlers[h.ID] = h
			task.OnSuccess = []string{h.ID}
		}
		phase1 = append(phase1, task)
		specialists = append(specialists, c.Worker)
	}

	coordParams := base()
	coordParams["workers"] = specialists
	phase1 = append(phase1, Task{
		ID:         "p1-" + TaskTypeCoordination,
		Worker:     CoordinationWorker,
		TaskType:   TaskTypeCoordination,
		Parameters: coordParams,
		Timeout:    b.defaultTimeout,
		MaxRetries: b.maxRetries(0),
	})

	phase1IDs := make([]string, len(phase1))
	for i, t := range phase1 {
		phase1IDs[i] = t.ID
	}

	synthesis := Task{
		ID:         "p2-" + TaskTypeSynthesis,
		Worker:     CoordinationWorker,
		TaskType:   TaskTypeSynthesis,
		Parameters: base(),
		DependsOn:  phase1IDs,
		Timeout:    b.defaultTimeout,
		MaxRetries: b.maxRetries(0),
	}
	finalize := Task{
		ID:         "p3-" + TaskTypeFinalize,
		Worker:     CoordinationWorker,
		TaskType:   TaskTypeFinalize,
		Parameters: base(),
		DependsOn:  []string{synthesis.ID},
		Timeout:    b.defaultTimeout,
		MaxRetries: b.maxRetries(0),
	}

	p.Phases = [][]Task{phase1, {synthesis}, {finalize}}
	p.TotalTasks = len(phase1) + 2
	p.EstimatedDuration = b.estimate(table, p)

	if err := p.Validate(); err != nil {
		return nil, err
	}

	b.logger.Debug("plan built",
		"session_id", req.SessionID,
		"phases", len(p.Phases),
		"total_tasks", p.TotalTasks,
		"estimate", p.EstimatedDuration.String(),
	)
	return p, nil
}

func (b *Builder) handlerTask(id string, spec *HandlerSpec, params map[string]any) Task {
	hp := make(map[string]any, len(params)+len(spec.Parameters))
	for k, v := range params {
		hp[k] = v
	}
	for k, v := range spec.Parameters {
		hp[k] = v
	}
	return Task{
		ID:         id,
		Worker:     spec.Worker,
		TaskType:   spec.TaskType,
		Parameters: hp,
		Timeout:    b.timeout(spec.TimeoutSeconds),
	}
}

func (b *Builder) timeout(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return b.defaultTimeout
}

func (b *Builder) maxRetries(n int) int {
	if n > 0 {
		return n
	}
	return b.defaultMaxRetries
}

// estimate returns the longest phase-1 task plus every later-phase task.
func (b *Builder) estimate(table *Table, p *Plan) time.Duration {
	var parallel, sequential time.Duration
	for i, phase := range p.Phases {
		for _, t := range phase {
			d := b.defaultEstimate
			if secs, ok := table.Estimates[EstimateKey(t.Worker, t.TaskType)]; ok {
				d = time.Duration(secs) * time.Second
			}
			if i == 0 {
				parallel = max(parallel, d)
			} else {
				sequential += d
			}
		}
	}
	return parallel + sequential
}

// Complexity scores a plan in [0, 1] from the number of specialist workers in
// phase 1 and the estimated duration. Oversight uses it to decide how much
// review a session needs.
func Complexity(p *Plan) float64 {
	if p == nil || len(p.Phases) == 0 {
		return 0
	}
	specialists := 0
	for _, t := range p.Phases[0] {
		if t.Worker != CoordinationWorker {
			specialists++
		}
	}
	breadth := math.Min(float64(specialists)/4, 1)
	length := math.Min(p.EstimatedDuration.Minutes()/20, 1)
	return math.Round((0.6*breadth+0.4*length)*100) / 100
}
