package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/httpapi"
	"github.com/deepnoodle-ai/worldflow/worldgen"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
	bold   = color.New(color.Bold)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// progressPrinter writes step lifecycle events as they happen.
type progressPrinter struct {
	w io.Writer
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) print(event worldflow.ProgressEvent) {
	if event.Step == "" {
		return
	}
	switch event.Phase {
	case worldflow.PhaseStarted:
		cyan.Fprintf(p.w, "▸ %s\n", event.Step)
	case worldflow.PhaseCompleted:
		green.Fprintf(p.w, "✓ %s\n", event.Step)
	case worldflow.PhaseSuspended:
		yellow.Fprintf(p.w, "? %s is waiting for input\n", event.Step)
	case worldflow.PhaseSkipped:
		faint.Fprintf(p.w, "- %s skipped\n", event.Step)
	case worldflow.PhaseFailed:
		red.Fprintf(p.w, "✗ %s failed\n", event.Step)
	}
}

func (c *cli) printResult(cmd *cobra.Command, result *worldflow.Result) error {
	w := cmd.OutOrStdout()
	if c.json {
		return writeJSON(w, httpapi.NewRunResponse(result))
	}
	switch result.Status {
	case worldflow.RunCompleted:
		green.Fprintf(w, "Run %s completed\n", result.RunID)
		printWorld(w, result.State)
	case worldflow.RunSuspended:
		yellow.Fprintf(w, "Run %s is waiting for input\n", result.RunID)
		for i := range result.Pending {
			printRequest(w, &result.Pending[i])
		}
		fmt.Fprintf(w, "\nContinue with: worldflow resume %s --answer <field>=<value>\n", result.RunID)
	default:
		red.Fprintf(w, "Run %s failed\n", result.RunID)
		if result.Err != nil {
			fmt.Fprintf(w, "  %s: %v\n", worldflow.ErrorType(result.Err), result.Err)
		}
	}
	return nil
}

func printRequest(w io.Writer, req *worldflow.SuspensionRequest) {
	fmt.Fprintln(w)
	bold.Fprintf(w, "Request %s", req.ID)
	fmt.Fprintf(w, " (step %s)\n", req.Step)
	if req.PromptContext != "" {
		fmt.Fprintf(w, "  %s\n", req.PromptContext)
	}
	for _, f := range req.Fields {
		fmt.Fprintf(w, "  %s: %s [%s]", f.ID, f.Label, f.Type)
		if len(f.Options) > 0 {
			fmt.Fprintf(w, " options: %s", strings.Join(f.Options, ", "))
		}
		if f.Default != nil {
			fmt.Fprintf(w, " default: %v", f.Default)
		}
		fmt.Fprintln(w)
	}
	if req.AllowSkip {
		faint.Fprintln(w, "  may be skipped with --skip")
	}
}

func printWorld(w io.Writer, st map[string]any) {
	if summary, ok := st[worldgen.FieldSummary].(string); ok && summary != "" {
		fmt.Fprintf(w, "\n%s\n", summary)
	}
	if lore, ok := st[worldgen.FieldLore].([]any); ok && len(lore) > 0 {
		bold.Fprintln(w, "\nLore")
		for _, entry := range lore {
			fmt.Fprintf(w, "  %v\n", entry)
		}
	}
}

func printCheckpoint(w io.Writer, cp *worldflow.Checkpoint, order []string) {
	bold.Fprintf(w, "Run %s", cp.RunID)
	fmt.Fprintf(w, " (%s)\n", cp.GraphName)
	fmt.Fprintf(w, "  status:  %s\n", statusColor(cp.Status).Sprint(cp.Status))
	fmt.Fprintf(w, "  started: %s\n", cp.StartTime.Format(time.RFC3339))
	if !cp.EndTime.IsZero() {
		fmt.Fprintf(w, "  ended:   %s\n", cp.EndTime.Format(time.RFC3339))
	}
	if cp.Error != "" {
		fmt.Fprintf(w, "  error:   %s: %s\n", cp.ErrorType, cp.Error)
	}
	fmt.Fprintln(w, "  steps:")
	for _, name := range order {
		if status, ok := cp.Steps[name]; ok {
			fmt.Fprintf(w, "    %-10s %s\n", name, status)
		}
	}
	for i := range cp.Pending {
		printRequest(w, &cp.Pending[i])
	}
	if cp.Status == worldflow.RunCompleted {
		printWorld(w, cp.State)
	}
}

func printRuns(w io.Writer, runs []*worldflow.RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tPENDING\tERROR")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			run.RunID, run.Status, run.StartTime.Format(time.RFC3339), run.Pending, run.ErrorType)
	}
	return tw.Flush()
}

func printGraph(w io.Writer, g *worldflow.Graph) {
	bold.Fprintln(w, g.Name())
	if g.Description() != "" {
		fmt.Fprintln(w, g.Description())
	}
	for _, node := range g.Nodes() {
		line := "  " + node.Name
		if node.Module != "" {
			line += faint.Sprintf(" (module %s)", node.Module)
		}
		fmt.Fprintln(w, line)
		var next []string
		for _, edge := range node.Next {
			target := edge.Step
			if g.IsBackEdge(node.Name, edge.Step) {
				target += " (loop)"
			}
			if edge.Condition != "" {
				target += " when " + edge.Condition
			}
			next = append(next, target)
		}
		if node.Router != nil {
			next = append(next, "routed")
		}
		slices.Sort(next)
		for _, target := range next {
			fmt.Fprintf(w, "    -> %s\n", target)
		}
	}
}

func statusColor(s worldflow.RunStatus) *color.Color {
	switch s {
	case worldflow.RunCompleted:
		return green
	case worldflow.RunSuspended, worldflow.RunRunning:
		return yellow
	}
	return red
}
