package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/sessiond/internal/config"
	"github.com/Iron-Ham/sessiond/internal/logging"
	"github.com/Iron-Ham/sessiond/internal/orchestrator"
	"github.com/Iron-Ham/sessiond/internal/realtime"
	"github.com/Iron-Ham/sessiond/internal/session"
	"github.com/Iron-Ham/sessiond/internal/tui"
)

var (
	runRequirements []string
	runOwner        string
	runPriority     string
	runJSON         bool
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run a session and stream its progress",
	Long: `Create a session for the request, execute its plan against the configured
workers, and stream progress until the session ends.

On a terminal the progress is shown in a live view; otherwise every update is
written to stdout as one JSON object per line. The command exits non-zero
unless the session completes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSliceVarP(&runRequirements, "requirement", "r", nil, "additional requirement (repeatable)")
	runCmd.Flags().StringVar(&runOwner, "owner", os.Getenv("USER"), "session owner")
	runCmd.Flags().StringVarP(&runPriority, "priority", "p", "normal", "priority: low, normal, high, critical")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "stream JSON lines even on a terminal")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	interactive := !runJSON && term.IsTerminal(int(os.Stdout.Fd()))
	opts := []orchestrator.Option{orchestrator.WithConfigWatch()}
	if interactive && cfg.Logging.Dir == "" {
		// stderr logging would tear the live view
		opts = append(opts, orchestrator.WithLogger(logging.NopLogger()))
	}
	svc, err := orchestrator.New(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = svc.Stop(stopCtx)
	}()

	id, err := svc.Sessions().Create(strings.Join(args, " "), runRequirements, runOwner, session.ParsePriority(runPriority))
	if err != nil {
		return err
	}

	var snap session.Snapshot
	if interactive {
		snap, err = watchSession(ctx, svc, id)
	} else {
		snap, err = streamSession(ctx, svc, id, cmd.OutOrStdout())
	}
	if err != nil {
		return err
	}
	if interactive {
		printSummary(cmd.OutOrStdout(), snap)
	}
	return sessionOutcome(snap)
}

// watchSession runs the live view until the session ends or the user detaches.
func watchSession(ctx context.Context, svc *orchestrator.Service, id string) (session.Snapshot, error) {
	conn := realtime.NewChannelConn(512)
	if err := svc.Realtime().Connect(conn, id, runOwner, "owner"); err != nil {
		return session.Snapshot{}, err
	}
	defer svc.Realtime().Disconnect(conn)

	if err := svc.Sessions().Start(id); err != nil {
		return session.Snapshot{}, err
	}

	final, err := tea.NewProgram(tui.New(id, conn.Frames()), tea.WithContext(ctx)).Run()
	if err != nil || ctx.Err() != nil {
		_ = svc.Sessions().Abort(id, "interrupted")
	} else if m, ok := final.(tui.Model); ok && m.Quitting() {
		_ = svc.Sessions().Abort(id, "detached by user")
	}
	return svc.Sessions().Wait(context.Background(), id)
}

// streamSession writes every frame for the session to w as JSON lines.
func streamSession(ctx context.Context, svc *orchestrator.Service, id string, w io.Writer) (session.Snapshot, error) {
	conn := realtime.NewWriterConn(w)
	if err := svc.Realtime().Connect(conn, id, runOwner, "owner"); err != nil {
		return session.Snapshot{}, err
	}
	defer svc.Realtime().Disconnect(conn)

	if err := svc.Sessions().Start(id); err != nil {
		return session.Snapshot{}, err
	}

	snap, err := svc.Sessions().Wait(ctx, id)
	if err != nil {
		_ = svc.Sessions().Abort(id, "interrupted")
		return svc.Sessions().Wait(context.Background(), id)
	}
	return snap, nil
}

func printSummary(w io.Writer, snap session.Snapshot) {
	elapsed := snap.CompletedAt.Sub(snap.StartedAt).Round(time.Second)
	if snap.StartedAt.IsZero() {
		elapsed = 0
	}
	fmt.Fprintf(w, "%s %s  %d/%d tasks completed, %d errors, %s\n",
		tui.StateBadge(snap.State),
		tui.Muted.Render(snap.ID),
		snap.Metrics.Completed,
		snap.Metrics.TasksTotal,
		len(snap.Errors),
		elapsed,
	)
}

// sessionOutcome turns a final snapshot into the command's error.
func sessionOutcome(snap session.Snapshot) error {
	if snap.State == session.StateCompleted {
		return nil
	}
	if snap.Reason == "" {
		return fmt.Errorf("session %s ended %s", snap.ID, snap.State)
	}
	return fmt.Errorf("session %s ended %s: %s", snap.ID, snap.State, snap.Reason)
}
