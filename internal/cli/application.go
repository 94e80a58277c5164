package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewAppCmd создаёт группу команд для управления applications.
func NewAppCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Manage job applications",
	}

	cmd.AddCommand(
		newAppSubmitCmd(clientFn, outputFn),
		newAppShowCmd(clientFn, outputFn),
		newAppListCmd(clientFn, outputFn),
		newAppCancelCmd(clientFn, outputFn),
	)

	return cmd
}

var appHeaders = []string{"ID", "STEP", "ATTEMPTS", "SCORE", "OUTCOME", "UPDATED"}

func appRow(a ApplicationResponse) []string {
	score := "-"
	if a.MatchScore != nil {
		score = strconv.FormatFloat(*a.MatchScore, 'f', 2, 64)
	}
	outcome := a.Outcome
	if outcome == "" && a.CancelRequested {
		outcome = "(cancelling)"
	}
	return []string{a.ID, a.Step, strconv.Itoa(a.AttemptCount), score, outcome, a.UpdatedAt}
}

func newAppSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req SubmitRequest

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job application",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			app, err := client.SubmitApplication(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Application submitted: %s", app.ID))
			out.Print(appHeaders, [][]string{appRow(*app)}, app)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ResumeRef, "resume", "", "Resume reference")
	cmd.Flags().StringVar(&req.JobRef, "job", "", "Job listing reference")
	cmd.Flags().StringVar(&req.TargetURL, "url", "", "Application portal URL")
	cmd.Flags().StringVar(&req.PreferencesRef, "preferences", "", "Preferences reference")
	cmd.MarkFlagRequired("resume")
	cmd.MarkFlagRequired("job")
	cmd.MarkFlagRequired("url")

	return cmd
}

func newAppShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show application details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			app, err := client.GetApplication(args[0])
			if err != nil {
				return err
			}

			if !history {
				out.Print(appHeaders, [][]string{appRow(*app)}, app)
				if len(app.AllowedEvents) > 0 {
					out.Success("Allowed events: " + strings.Join(app.AllowedEvents, ", "))
				}
				return nil
			}

			rows := make([][]string, len(app.History))
			for i, e := range app.History {
				rows[i] = []string{e.Timestamp, e.From.String(), e.To.String(), e.Event, e.Cause, strconv.Itoa(e.Attempt)}
			}
			out.Print([]string{"TIME", "FROM", "TO", "EVENT", "CAUSE", "ATTEMPT"}, rows, app.History)
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "Show transition history")

	return cmd
}

func newAppListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListApplicationsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			apps, err := client.ListApplications(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(apps))
			for i, a := range apps {
				rows[i] = appRow(a)
			}

			out.Print(appHeaders, rows, apps)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.BatchID, "batch-id", "", "Filter by batch ID")
	cmd.Flags().StringVar(&opts.State, "state", "", "Filter by state (INITIATED, ANALYSIS, READY, IN_PROGRESS, FAILED, COMPLETE, ...)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newAppCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			app, err := client.CancelApplication(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Cancel requested: %s", app.ID))
			out.Print(appHeaders, [][]string{appRow(*app)}, app)
			return nil
		},
	}
}
