package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/sessiond/internal/config"
	"github.com/Iron-Ham/sessiond/internal/plan"
	"github.com/Iron-Ham/sessiond/internal/tui"
)

var (
	planRequirements []string
	planJSON         bool
)

var planCmd = &cobra.Command{
	Use:   "plan <request>",
	Short: "Print the plan sessiond would build for a request",
	Long: `Build the phased task plan for a request without dispatching anything.

The capability table comes from planner.capability_file when set, otherwise
the built-in table is used.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringSliceVarP(&planRequirements, "requirement", "r", nil, "additional requirement (repeatable)")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	builder, err := newBuilder(cfg)
	if err != nil {
		return err
	}

	p, err := builder.Build(plan.Request{
		SessionID:    "preview",
		Text:         strings.Join(args, " "),
		Requirements: planRequirements,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}
	renderPlan(out, p)
	return nil
}

func newBuilder(cfg *config.Config) (*plan.Builder, error) {
	table := plan.DefaultTable()
	if cfg.Planner.CapabilityFile != "" {
		t, err := plan.LoadTable(cfg.Planner.CapabilityFile)
		if err != nil {
			return nil, err
		}
		table = t
	}
	return plan.NewBuilder(table, plan.Options{
		DefaultEstimate:   time.Duration(cfg.Planner.DefaultEstimateSeconds) * time.Second,
		DefaultTimeout:    cfg.Executor.TaskTimeout(),
		DefaultMaxRetries: cfg.Executor.DefaultMaxRetries,
	}), nil
}

var (
	phaseStyle   = lipgloss.NewStyle().Bold(true)
	handlerStyle = tui.Warning
)

func renderPlan(w io.Writer, p *plan.Plan) {
	fmt.Fprintln(w, tui.Title.Render("Plan"))
	fmt.Fprintln(w, tui.Muted.Render(fmt.Sprintf("%d tasks, %d phases, estimated %s, complexity %.2f",
		p.TotalTasks, len(p.Phases), p.EstimatedDuration.Round(time.Second), plan.Complexity(p))))

	for i, phase := range p.Phases {
		fmt.Fprintln(w)
		fmt.Fprintln(w, phaseStyle.Render(fmt.Sprintf("Phase %d", i+1)))
		for _, t := range phase {
			line := fmt.Sprintf("  %-16s %-14s %-20s timeout %s, retries %d",
				t.ID, t.Worker, t.TaskType, t.Timeout, t.MaxRetries)
			if len(t.DependsOn) > 0 {
				line += tui.Muted.Render("  after " + strings.Join(t.DependsOn, ", "))
			}
			fmt.Fprintln(w, line)
			for _, h := range t.OnFailure {
				fmt.Fprintln(w, handlerStyle.Render("    on failure → "+h))
			}
			for _, h := range t.OnSuccess {
				fmt.Fprintln(w, handlerStyle.Render("    on success → "+h))
			}
		}
	}
}
