package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/repo"
)

// StatusReport is the sync-health view.
type StatusReport struct {
	Healthy    bool              `json:"healthy"`
	Queue      queue.Stats       `json:"queue"`
	Entities   []EntityStatus    `json:"entities"`
	Watermarks []queue.Watermark `json:"watermarks"`

	// Dead lists entries that need an operator to retry or discard them.
	Dead []queue.Entry `json:"dead"`
}

// EntityStatus is the row count summary of one entity type.
type EntityStatus struct {
	Type string `json:"type"`
	repo.Counts
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync health",
		Long: `Show queue counts, per-entity sync status, pull watermarks and the
dead entries that need attention.

Example:
  tillsync status
  tillsync status --format json`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := buildStatus(cmd, a, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read status", err)
			}
			return a.out.Success(rep, func(w io.Writer) error {
				return renderStatus(w, rep)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "dead-limit", 20, "maximum dead entries to list")
	return cmd
}

func buildStatus(cmd *cobra.Command, a *app, limit int) (StatusReport, error) {
	ctx := cmd.Context()
	var rep StatusReport

	stats, err := a.q.Stats(ctx)
	if err != nil {
		return rep, err
	}
	rep.Queue = stats
	rep.Healthy = stats.Healthy()

	for _, st := range a.repos.All() {
		c, err := st.Count(ctx)
		if err != nil {
			return rep, err
		}
		rep.Entities = append(rep.Entities, EntityStatus{Type: st.Descriptor().Type, Counts: c})
	}

	if rep.Watermarks, err = a.q.Watermarks(ctx); err != nil {
		return rep, err
	}
	if rep.Dead, err = a.q.List(ctx, queue.Filter{Status: queue.StatusDead, Limit: limit}); err != nil {
		return rep, err
	}
	return rep, nil
}

type statusStyles struct {
	title, ok, alert, label, num, header lipgloss.Style
}

// newStatusStyles builds styles for w. Writers that are not terminals get
// plain text.
func newStatusStyles(w io.Writer) statusStyles {
	r := lipgloss.NewRenderer(w)
	return statusStyles{
		title:  r.NewStyle().Bold(true),
		ok:     r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		alert:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		label:  r.NewStyle().Width(22).PaddingLeft(2),
		num:    r.NewStyle().Width(9).Align(lipgloss.Right),
		header: r.NewStyle().Faint(true),
	}
}

// renderStatus writes the human-readable sync-health view.
func renderStatus(w io.Writer, rep StatusReport) error {
	st := newStatusStyles(w)
	var b strings.Builder

	health := st.ok.Render("OK")
	if !rep.Healthy {
		health = st.alert.Render("NEEDS ATTENTION")
	}
	fmt.Fprintf(&b, "%s %s\n\n", st.title.Render("Sync health:"), health)

	b.WriteString(st.title.Render("Queue") + "\n")
	for _, row := range []struct {
		label string
		n     int
	}{
		{"pending", rep.Queue.Pending},
		{"processing", rep.Queue.Processing},
		{"synced", rep.Queue.Synced},
		{"dead", rep.Queue.Dead},
		{"blocked", rep.Queue.Blocked},
	} {
		b.WriteString(st.label.Render(row.label) + st.num.Render(fmt.Sprint(row.n)) + "\n")
	}
	if rep.Queue.OldestPending != nil {
		b.WriteString(st.label.Render("oldest unsynced") + "  " + formatTime(*rep.Queue.OldestPending) + "\n")
	}

	b.WriteString("\n" + st.title.Render("Entities") + "\n")
	cols := []string{"total", "synced", "pending", "failed", "dead", "deleted"}
	header := st.label.Render("type")
	for _, c := range cols {
		header += st.num.Render(c)
	}
	b.WriteString(st.header.Render(header) + "\n")
	for _, e := range rep.Entities {
		line := st.label.Render(e.Type)
		for _, n := range []int{e.Total, e.Synced, e.Pending, e.Failed, e.Dead, e.Deleted} {
			line += st.num.Render(fmt.Sprint(n))
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + st.title.Render("Watermarks") + "\n")
	if len(rep.Watermarks) == 0 {
		b.WriteString(st.label.Render("never pulled") + "\n")
	}
	for _, wm := range rep.Watermarks {
		server := wm.LastServerTimestamp
		if server == "" {
			server = "-"
		}
		line := st.label.Render(wm.EntityType) + "  " + server
		if wm.LastSyncedAt != nil {
			line += "  (pulled " + formatTime(*wm.LastSyncedAt) + ")"
		}
		b.WriteString(line + "\n")
	}

	if len(rep.Dead) > 0 {
		b.WriteString("\n" + st.alert.Render("Dead entries") + "\n")
		for _, e := range rep.Dead {
			fmt.Fprintf(&b, "  #%-5d %s %s %s  %s\n", e.ID, e.Action, e.EntityType, e.EntityLocalID, e.ErrorMessage)
		}
		b.WriteString(st.header.Render("  retry with `tillsync retry <id>`, drop with `tillsync discard <id>`") + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
