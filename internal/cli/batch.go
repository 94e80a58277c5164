package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewBatchCmd создаёт группу команд для пакетной подачи.
func NewBatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage application batches",
	}

	cmd.AddCommand(
		newBatchSubmitCmd(clientFn, outputFn),
		newBatchShowCmd(clientFn, outputFn),
		newBatchCancelCmd(clientFn, outputFn),
	)

	return cmd
}

// parseJobs разбирает значения --job вида JOB_REF=URL.
func parseJobs(values []string) ([]BatchJob, error) {
	jobs := make([]BatchJob, 0, len(values))
	for _, kv := range values {
		ref, target, ok := strings.Cut(kv, "=")
		if !ok || ref == "" || target == "" {
			return nil, fmt.Errorf("invalid job format %q, expected JOB_REF=URL", kv)
		}
		jobs = append(jobs, BatchJob{JobRef: ref, TargetURL: target})
	}
	return jobs, nil
}

func newBatchSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		resume      string
		preferences string
		jobs        []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one resume to several job listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseJobs(jobs)
			if err != nil {
				return err
			}
			if len(parsed) == 0 {
				return fmt.Errorf("at least one --job is required")
			}

			client := clientFn()
			out := outputFn()

			batch, err := client.SubmitBatch(SubmitBatchRequest{
				ResumeRef:      resume,
				PreferencesRef: preferences,
				Jobs:           parsed,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Batch submitted: %s (%d applications)", batch.BatchID, len(batch.ApplicationIDs)))
			rows := make([][]string, len(batch.ApplicationIDs))
			for i, id := range batch.ApplicationIDs {
				rows[i] = []string{id, parsed[i].JobRef}
			}
			out.Print([]string{"APPLICATION_ID", "JOB"}, rows, batch)
			return nil
		},
	}

	cmd.Flags().StringVar(&resume, "resume", "", "Resume reference")
	cmd.Flags().StringVar(&preferences, "preferences", "", "Preferences reference")
	cmd.Flags().StringArrayVar(&jobs, "job", nil, "Job as JOB_REF=URL (repeatable)")
	cmd.MarkFlagRequired("resume")

	return cmd
}

func newBatchShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show batch progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.GetBatch(args[0])
			if err != nil {
				return err
			}

			rows := [][]string{
				{"total", strconv.Itoa(status.Total)},
				{"in_flight", strconv.Itoa(status.InFlight)},
				{"completed", strconv.Itoa(status.Completed)},
			}
			outcomes := make([]string, 0, len(status.ByOutcome))
			for o := range status.ByOutcome {
				outcomes = append(outcomes, o)
			}
			sort.Strings(outcomes)
			for _, o := range outcomes {
				rows = append(rows, []string{"outcome:" + o, strconv.Itoa(status.ByOutcome[o])})
			}

			out.Print([]string{"METRIC", "COUNT"}, rows, status)
			return nil
		},
	}
}

func newBatchCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel all unfinished applications of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.CancelBatch(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Cancel requested for %d applications (%d already finished)", res.Cancelled, res.Finished))
			out.Print(
				[]string{"BATCH_ID", "CANCELLED", "ALREADY_FINISHED"},
				[][]string{{res.BatchID, strconv.Itoa(res.Cancelled), strconv.Itoa(res.Finished)}},
				res,
			)
			return nil
		},
	}
}
