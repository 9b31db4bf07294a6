package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	instancesFrom      string
	instancesTo        string
	instancesCalendars []string
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List expanded event instances from the local store",
	Long: `List the occurrences that intersect [from, to) in the configured timezone.
Reads only the local store; run 'calmirror sync' first for fresh data.

Examples:
  calmirror instances --from 2025-03-01
  calmirror instances --from 2025-03-01 --to 2025-04-01 --calendar work`,
	RunE: runInstances,
}

func init() {
	instancesCmd.Flags().StringVar(&instancesFrom, "from", "", "Window start, YYYY-MM-DD or RFC3339 (default: today)")
	instancesCmd.Flags().StringVar(&instancesTo, "to", "", "Window end, YYYY-MM-DD or RFC3339 (default: from + expand.default_window_days)")
	instancesCmd.Flags().StringSliceVar(&instancesCalendars, "calendar", nil, "Calendar ID filter (repeatable)")
}

func runInstances(cmd *cobra.Command, args []string) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	now := time.Now().In(loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if instancesFrom != "" {
		if from, err = parseWindowBound(instancesFrom, loc); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}
	to := from.AddDate(0, 0, cfg.Expand.DefaultWindowDays)
	if instancesTo != "" {
		if to, err = parseWindowBound(instancesTo, loc); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.engine.ListInstances(cmd.Context(), instancesCalendars, from, to)
	if err != nil {
		return err
	}

	if len(res.Instances) == 0 {
		fmt.Println("No instances in window.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tCALENDAR\tSUMMARY")
	for _, in := range res.Instances {
		layout := "2006-01-02 15:04"
		if in.AllDay {
			layout = "2006-01-02"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			in.Start.In(loc).Format(layout),
			in.End.In(loc).Format(layout),
			in.CalendarID,
			in.Summary,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(res.Truncated) > 0 {
		fmt.Fprintf(os.Stderr, "warning: occurrences truncated for %v\n", res.Truncated)
	}
	return nil
}

func parseWindowBound(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", v, loc); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New("expected YYYY-MM-DD or RFC3339")
}
